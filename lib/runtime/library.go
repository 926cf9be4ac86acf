package runtime

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Exported symbol conventions for mod shared libraries. The entry symbol
// for an on-function implementation is derived deterministically from the
// entity and function names; the bind symbol, when present, receives the
// host-call trampoline address once at load time.
const (
	entrySymbolPrefix = "modlink_on"
	bindSymbol        = "modlink_bind"
)

// entrySymbol derives the exported symbol name for an entity callback,
// e.g. modlink_on_World_on_update.
func entrySymbol(entity, fn string) string {
	return fmt.Sprintf("%s_%s_%s", entrySymbolPrefix, entity, fn)
}

// sharedLibrary is an open native library. Production libraries come from
// the system loader; tests substitute in-process symbol tables backed by
// callback pointers so the same invocation path is exercised.
type sharedLibrary interface {
	Symbol(name string) (uintptr, error)
	Close() error
}

// libOpener opens a shared library artifact by path.
type libOpener func(path string) (sharedLibrary, error)

type dlopenLibrary struct {
	path   string
	handle uintptr
}

// openLibrary opens path with the system loader. RTLD_NOW forces full
// relocation up front so unresolvable references fail at load time, not
// at call time.
func openLibrary(path string) (sharedLibrary, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &dlopenLibrary{path: path, handle: h}, nil
}

func (l *dlopenLibrary) Symbol(name string) (uintptr, error) {
	sym, err := purego.Dlsym(l.handle, name)
	if err != nil {
		return 0, fmt.Errorf("resolving %s in %s: %w", name, l.path, err)
	}
	return sym, nil
}

func (l *dlopenLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	return err
}

// invokeEntry makes the native call into a resolved entry point. The C
// signature is int32_t f(const raw_arg *args, int32_t nargs); nonzero is
// the mod's failure status.
func invokeEntry(entry uintptr, frame *callFrame) int32 {
	r1, _, _ := purego.SyscallN(entry, frame.ptr(), uintptr(frame.count()))
	return int32(uint32(r1))
}

// bindHostCall passes the trampoline address to a mod's bind symbol:
// void modlink_bind(host_call fn).
func bindHostCall(bindAddr, trampoline uintptr) {
	purego.SyscallN(bindAddr, trampoline)
}
