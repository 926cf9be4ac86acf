package runtime

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Statuses the host-call trampoline returns to mod code.
const (
	hostCallOK              int32 = 0
	hostCallUnknownFunction int32 = 1
	hostCallBadArguments    int32 = 2
	hostCallFailed          int32 = 3
)

// trampoline is the single host entry point mod code calls game
// functions through. Native signature:
//
//	int32_t host_call(const char *name, int32_t name_len,
//	                  const raw_arg *args, int32_t nargs)
//
// Name and argument memory belong to the native caller and are only read
// during the call. The engine creates exactly one trampoline; callback
// slots are process-lifetime allocations and are never returned.
type trampoline struct {
	registry *Registry
	report   func(RuntimeError)

	// Current dispatch context, set by the dispatcher around each native
	// call. Dispatch is single-threaded, so plain fields suffice.
	ctxEntity   string
	ctxFunction string
	ctxMod      string

	addr uintptr
}

// newTrampoline wraps the registry in a native callback. addr is what
// a mod's bind symbol receives at load time.
func newTrampoline(reg *Registry, report func(RuntimeError)) *trampoline {
	t := &trampoline{registry: reg, report: report}
	t.addr = purego.NewCallback(t.call)
	return t
}

// setContext records which dispatch is active so game-function failures
// can name the callback that triggered them.
func (t *trampoline) setContext(entity, fn, mod string) {
	t.ctxEntity = entity
	t.ctxFunction = fn
	t.ctxMod = mod
}

func (t *trampoline) clearContext() {
	t.setContext("", "", "")
}

// call runs on the host thread underneath a native mod frame. It
// resolves the named game function, decodes the supplied arguments
// against the function's contract signature, and invokes the registered
// callable.
func (t *trampoline) call(namePtr uintptr, nameLen int32, argsPtr uintptr, nargs int32) int32 {
	if namePtr == 0 || nameLen < 0 {
		return hostCallUnknownFunction
	}
	name := readNativeString(namePtr, nameLen)

	gf, err := t.registry.lookup(name)
	if err != nil {
		t.reportErr(name, err)
		return hostCallUnknownFunction
	}

	args, err := decodeArgs(argsPtr, nargs, gf.args)
	if err != nil {
		t.reportErr(name, err)
		return hostCallBadArguments
	}

	if err := t.run(gf, args); err != nil {
		t.reportErr(name, err)
		return hostCallFailed
	}
	return hostCallOK
}

// run invokes the host callable under recover: a Go panic must not
// unwind through the native frames between the mod and us.
func (t *trampoline) run(gf *gameFunction, args []Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("game function %s panicked: %v", gf.name, r)
		}
	}()
	return gf.fn(args)
}

func (t *trampoline) reportErr(name string, err error) {
	if t.report == nil {
		return
	}
	t.report(RuntimeError{
		Entity:       t.ctxEntity,
		Function:     t.ctxFunction,
		Mod:          t.ctxMod,
		GameFunction: name,
		Err:          err,
	})
}

// readNativeString copies a pointer+length string out of native memory.
func readNativeString(p uintptr, n int32) string {
	if n <= 0 {
		return ""
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(n))
	return string(b)
}
