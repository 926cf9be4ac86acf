package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/ebitengine/purego"
)

// callHost makes a mod-side game function call through the captured
// trampoline address, passing the name and argument array the way
// compiled mod code does.
func (l *fakeLib) callHost(name string, args []rawArg) int32 {
	nameBytes := []byte(name)
	var namePtr, argsPtr uintptr
	if len(nameBytes) > 0 {
		namePtr = uintptr(unsafe.Pointer(&nameBytes[0]))
	}
	if len(args) > 0 {
		argsPtr = uintptr(unsafe.Pointer(&args[0]))
	}
	r1, _, _ := purego.SyscallN(l.hostCall, namePtr, uintptr(len(nameBytes)), argsPtr, uintptr(len(args)))
	runtime.KeepAlive(nameBytes)
	runtime.KeepAlive(args)
	return int32(uint32(r1))
}

// rawStringArg builds the boundary form of a string argument over buf.
// The caller keeps buf alive until the call returns.
func rawStringArg(buf []byte) rawArg {
	r := rawArg{tag: rawString, length: uint64(len(buf))}
	if len(buf) > 0 {
		r.payload = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	return r
}

func rawI32Arg(n int32) rawArg {
	return rawArg{tag: rawI32, payload: uint64(uint32(n))}
}

// dispatch loads every scripted mod and returns a dispatcher over them.
func (e *loadEnv) dispatch() *Dispatcher {
	e.t.Helper()
	l := e.newLoader(nil)
	report, err := l.LoadAll(context.Background(), e.modsDir, e.buildDir, PolicyStrict)
	if err != nil {
		e.t.Fatalf("loading mods: %v", err)
	}
	d := newDispatcher(e.contract, e.tramp, func(r RuntimeError) { e.reports = append(e.reports, r) })
	d.setMods(report.Ready)
	return d
}

// A mod implementing World/on_update that calls println("Hello world!")
// must print exactly that when the host activates the callback.
func TestActivateHelloWorld(t *testing.T) {
	env := newLoadEnv(t)
	var lines []string
	env.register("println", func(args []Value) error {
		lines = append(lines, args[0].StrVal)
		return nil
	})

	lib := newFakeLib().withBind()
	lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		msg := []byte("Hello world!")
		defer runtime.KeepAlive(msg)
		return lib.callHost("println", []rawArg{rawStringArg(msg)})
	})
	env.addMod("hello", &Descriptor{
		Callbacks:     []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		GameFunctions: []string{"println"},
	}, lib)
	d := env.dispatch()

	n, err := d.Activate("World", "on_update", nil)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if n != 1 {
		t.Errorf("invocations = %d, want 1", n)
	}
	if len(lines) != 1 || lines[0] != "Hello world!" {
		t.Errorf("printed %q, want [\"Hello world!\"]", lines)
	}
}

func TestActivateNoImplementers(t *testing.T) {
	env := newLoadEnv(t)
	d := env.dispatch()

	n, err := d.Activate("World", "on_update", nil)
	if err != nil {
		t.Errorf("Activate with no implementers failed: %v", err)
	}
	if n != 0 {
		t.Errorf("invocations = %d, want 0", n)
	}
}

func TestActivateUnknownPair(t *testing.T) {
	env := newLoadEnv(t)
	d := env.dispatch()

	n, err := d.Activate("Ghost", "on_haunt", nil)
	if err != nil {
		t.Errorf("Activate on undeclared pair failed: %v", err)
	}
	if n != 0 {
		t.Errorf("invocations = %d, want 0", n)
	}
}

// A mismatched argument list fails before any native call, including
// when no mod implements the callback at all.
func TestActivateArgumentMismatch(t *testing.T) {
	env := newLoadEnv(t)
	called := false
	lib := newFakeLib()
	lib.export("World", "on_spawn", func(argsPtr uintptr, nargs int32) int32 {
		called = true
		return 0
	})
	env.addMod("watcher", &Descriptor{
		Callbacks: []CallbackInfo{{Entity: "World", Function: "on_spawn", Arity: 4}},
	}, lib)
	d := env.dispatch()

	n, err := d.Activate("World", "on_spawn", []Value{StringValue("just one")})
	var mm *ArgumentMismatchError
	if !errors.As(err, &mm) {
		t.Fatalf("got %v, want ArgumentMismatchError", err)
	}
	if n != 0 {
		t.Errorf("invocations = %d, want 0", n)
	}
	if called {
		t.Error("mod entry ran despite the mismatch")
	}

	// Same outcome with zero implementers: validation does not depend on
	// anyone listening.
	_, err = d.Activate("World", "on_update", []Value{I32Value(1)})
	if !errors.As(err, &mm) {
		t.Errorf("no-implementer mismatch: got %v, want ArgumentMismatchError", err)
	}
}

func TestActivateDiscoveryOrder(t *testing.T) {
	env := newLoadEnv(t)
	var order []string
	for _, name := range []string{"bravo", "alpha"} {
		lib := newFakeLib()
		lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
			order = append(order, name)
			return 0
		})
		env.addMod(name, &Descriptor{
			Callbacks: []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		}, lib)
	}
	d := env.dispatch()

	n, err := d.Activate("World", "on_update", nil)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if n != 2 {
		t.Errorf("invocations = %d, want 2", n)
	}
	if len(order) != 2 || order[0] != "alpha" || order[1] != "bravo" {
		t.Errorf("dispatch order = %v, want [alpha bravo]", order)
	}
}

// A failing mod does not stop the sweep; every implementer still runs
// and the first failure comes back.
func TestActivateCalleeFailed(t *testing.T) {
	env := newLoadEnv(t)
	angryLib := newFakeLib()
	angryLib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		return 7
	})
	env.addMod("angry", &Descriptor{
		Callbacks: []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
	}, angryLib)

	calmRan := false
	calmLib := newFakeLib()
	calmLib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		calmRan = true
		return 0
	})
	env.addMod("calm", &Descriptor{
		Callbacks: []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
	}, calmLib)
	d := env.dispatch()

	n, err := d.Activate("World", "on_update", nil)
	var cf *CalleeFailedError
	if !errors.As(err, &cf) {
		t.Fatalf("got %v, want CalleeFailedError", err)
	}
	if cf.Mod != "angry" || cf.Status != 7 {
		t.Errorf("failure = %+v", cf)
	}
	if n != 2 {
		t.Errorf("invocations = %d, want 2", n)
	}
	if !calmRan {
		t.Error("failure in one mod stopped the sweep")
	}

	found := false
	for _, r := range env.reports {
		if r.Mod == "angry" && r.Status == 7 {
			found = true
		}
	}
	if !found {
		t.Errorf("runtime error not reported: %+v", env.reports)
	}
}

// Every primitive kind crosses the boundary intact, in declared order.
func TestActivateArgsReachMod(t *testing.T) {
	env := newLoadEnv(t)
	var gotName string
	var gotID int32
	var gotHealth float32
	var gotHostile bool
	lib := newFakeLib()
	lib.export("World", "on_spawn", func(argsPtr uintptr, nargs int32) int32 {
		if nargs != 4 {
			return 1
		}
		raws := unsafe.Slice((*rawArg)(unsafe.Pointer(argsPtr)), int(nargs))
		if raws[0].tag != rawString || raws[1].tag != rawI32 || raws[2].tag != rawF32 || raws[3].tag != rawBool {
			return 2
		}
		gotName = string(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(raws[0].payload))), raws[0].length))
		gotID = int32(uint32(raws[1].payload))
		gotHealth = math.Float32frombits(uint32(raws[2].payload))
		gotHostile = raws[3].payload != 0
		return 0
	})
	env.addMod("spawnwatch", &Descriptor{
		Callbacks: []CallbackInfo{{Entity: "World", Function: "on_spawn", Arity: 4}},
	}, lib)
	d := env.dispatch()

	args := []Value{
		StringValue("Grünwald the Unkillable"),
		I32Value(-7),
		F32Value(12.5),
		BoolValue(true),
	}
	n, err := d.Activate("World", "on_spawn", args)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if n != 1 {
		t.Errorf("invocations = %d, want 1", n)
	}
	if gotName != "Grünwald the Unkillable" {
		t.Errorf("name = %q", gotName)
	}
	if gotID != -7 {
		t.Errorf("id = %d, want -7", gotID)
	}
	if gotHealth != 12.5 {
		t.Errorf("health = %v, want 12.5", gotHealth)
	}
	if !gotHostile {
		t.Error("hostile = false, want true")
	}
}

func TestHostCallUnknownFunction(t *testing.T) {
	env := newLoadEnv(t)
	env.register("println", func([]Value) error { return nil })
	var status int32 = -1
	lib := newFakeLib().withBind()
	lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		status = lib.callHost("no_such_fn", nil)
		return 0
	})
	env.addMod("hello", &Descriptor{
		Callbacks:     []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		GameFunctions: []string{"println"},
	}, lib)
	d := env.dispatch()

	if _, err := d.Activate("World", "on_update", nil); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if status != hostCallUnknownFunction {
		t.Errorf("status = %d, want %d", status, hostCallUnknownFunction)
	}

	// The report names both the game function and the dispatch that
	// triggered it.
	if len(env.reports) != 1 {
		t.Fatalf("reports = %+v, want 1", env.reports)
	}
	r := env.reports[0]
	if r.GameFunction != "no_such_fn" || r.Entity != "World" || r.Function != "on_update" || r.Mod != "hello" {
		t.Errorf("report = %+v", r)
	}
	var unk *UnknownFunctionError
	if !errors.As(r.Err, &unk) {
		t.Errorf("report err = %v, want UnknownFunctionError", r.Err)
	}
}

func TestHostCallBadArguments(t *testing.T) {
	env := newLoadEnv(t)
	hostRan := false
	env.register("println", func([]Value) error {
		hostRan = true
		return nil
	})
	var status int32 = -1
	lib := newFakeLib().withBind()
	lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		// println takes a string; send an i32.
		status = lib.callHost("println", []rawArg{rawI32Arg(5)})
		return 0
	})
	env.addMod("hello", &Descriptor{
		Callbacks:     []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		GameFunctions: []string{"println"},
	}, lib)
	d := env.dispatch()

	if _, err := d.Activate("World", "on_update", nil); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if status != hostCallBadArguments {
		t.Errorf("status = %d, want %d", status, hostCallBadArguments)
	}
	if hostRan {
		t.Error("game function ran despite bad arguments")
	}
}

// A null argument array with a nonzero count is malformed: the mod gets
// the bad-arguments status back and the host keeps running.
func TestHostCallNilArgumentArray(t *testing.T) {
	env := newLoadEnv(t)
	hostRan := false
	env.register("println", func([]Value) error {
		hostRan = true
		return nil
	})
	var status int32 = -1
	lib := newFakeLib().withBind()
	lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		// Claim one argument but pass no array.
		name := []byte("println")
		r1, _, _ := purego.SyscallN(lib.hostCall, uintptr(unsafe.Pointer(&name[0])), uintptr(len(name)), 0, 1)
		runtime.KeepAlive(name)
		status = int32(uint32(r1))
		return 0
	})
	env.addMod("hello", &Descriptor{
		Callbacks:     []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		GameFunctions: []string{"println"},
	}, lib)
	d := env.dispatch()

	if _, err := d.Activate("World", "on_update", nil); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if status != hostCallBadArguments {
		t.Errorf("status = %d, want %d", status, hostCallBadArguments)
	}
	if hostRan {
		t.Error("game function ran without an argument array")
	}
}

func TestHostCallGameFunctionError(t *testing.T) {
	env := newLoadEnv(t)
	env.register("println", func([]Value) error {
		return fmt.Errorf("disk full")
	})
	var status int32 = -1
	lib := newFakeLib().withBind()
	lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		msg := []byte("doomed")
		defer runtime.KeepAlive(msg)
		status = lib.callHost("println", []rawArg{rawStringArg(msg)})
		return 0
	})
	env.addMod("hello", &Descriptor{
		Callbacks:     []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		GameFunctions: []string{"println"},
	}, lib)
	d := env.dispatch()

	if _, err := d.Activate("World", "on_update", nil); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if status != hostCallFailed {
		t.Errorf("status = %d, want %d", status, hostCallFailed)
	}
	if len(env.reports) != 1 || !strings.Contains(env.reports[0].Err.Error(), "disk full") {
		t.Errorf("reports = %+v", env.reports)
	}
}

// A panicking game function must not unwind through the native frames:
// the mod sees a failure status and the host stays up.
func TestHostCallPanicRecovered(t *testing.T) {
	env := newLoadEnv(t)
	env.register("println", func([]Value) error {
		panic("host bug")
	})
	var status int32 = -1
	lib := newFakeLib().withBind()
	lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		msg := []byte("boom")
		defer runtime.KeepAlive(msg)
		status = lib.callHost("println", []rawArg{rawStringArg(msg)})
		return 0
	})
	env.addMod("hello", &Descriptor{
		Callbacks:     []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		GameFunctions: []string{"println"},
	}, lib)
	d := env.dispatch()

	if _, err := d.Activate("World", "on_update", nil); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if status != hostCallFailed {
		t.Errorf("status = %d, want %d", status, hostCallFailed)
	}
	if len(env.reports) != 1 || !strings.Contains(env.reports[0].Err.Error(), "panicked") {
		t.Errorf("reports = %+v", env.reports)
	}
}

func TestHostCallI32Argument(t *testing.T) {
	env := newLoadEnv(t)
	var got int32
	env.register("println_i32", func(args []Value) error {
		got = args[0].I32Val
		return nil
	})
	lib := newFakeLib().withBind()
	lib.export("World", "on_update", func(argsPtr uintptr, nargs int32) int32 {
		return lib.callHost("println_i32", []rawArg{rawI32Arg(-42)})
	})
	env.addMod("hello", &Descriptor{
		Callbacks:     []CallbackInfo{{Entity: "World", Function: "on_update", Arity: 0}},
		GameFunctions: []string{"println_i32"},
	}, lib)
	d := env.dispatch()

	if _, err := d.Activate("World", "on_update", nil); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if got != -42 {
		t.Errorf("game function received %d, want -42", got)
	}
}
