package runtime

import (
	"fmt"

	"github.com/chazu/modlink/contract"
)

// Dispatcher routes entity callbacks into loaded mods. A given
// (entity, on-function) pair may be implemented by zero, one, or many
// mods; all implementers are invoked, in discovery order. Dispatch is
// single-threaded: the host drives it synchronously and never
// concurrently.
type Dispatcher struct {
	contract   *contract.Contract
	mods       []*LoadedMod
	trampoline *trampoline
	report     func(RuntimeError)
}

func newDispatcher(c *contract.Contract, tr *trampoline, report func(RuntimeError)) *Dispatcher {
	return &Dispatcher{
		contract:   c,
		trampoline: tr,
		report:     report,
	}
}

// setMods installs the dispatchable mod set. Regeneration swaps in a new
// slice here before old handles are closed.
func (d *Dispatcher) setMods(mods []*LoadedMod) {
	d.mods = mods
}

// Activate invokes the named callback on every Ready mod that implements
// it. Arguments are validated against the contract before any native
// call: a mismatched list fails with ArgumentMismatchError and no call
// is made. A pair no mod implements is not an error; the host routinely
// fires lifecycle hooks nobody cares about. Returns the number of
// invocations performed.
func (d *Dispatcher) Activate(entity, fn string, args []Value) (int, error) {
	spec, ok := d.contract.OnFunction(entity, fn)
	if !ok {
		// Loading rejects callbacks the contract does not declare, so
		// nothing can implement this pair.
		return 0, nil
	}

	if err := checkArgs(args, spec.Arguments); err != nil {
		return 0, &ArgumentMismatchError{Entity: entity, Function: fn, Err: err}
	}

	invocations := 0
	var firstErr error
	for _, m := range d.mods {
		entry, ok := m.entry(entity, fn)
		if !ok {
			continue
		}

		frame := encodeArgs(args)
		d.trampoline.setContext(entity, fn, m.Name)
		status := invokeEntry(entry, frame)
		d.trampoline.clearContext()
		frame.release()
		invocations++

		if status != 0 {
			err := &CalleeFailedError{Entity: entity, Function: fn, Mod: m.Name, Status: status}
			if d.report != nil {
				d.report(RuntimeError{Entity: entity, Function: fn, Mod: m.Name, Status: status, Err: err})
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return invocations, firstErr
}

// ArgumentMismatchError reports an argument list that disagrees with the
// target callback's declared arguments. No native call was made.
type ArgumentMismatchError struct {
	Entity   string
	Function string
	Err      error
}

func (e *ArgumentMismatchError) Error() string {
	return fmt.Sprintf("activate %s/%s: %v", e.Entity, e.Function, e.Err)
}

func (e *ArgumentMismatchError) Unwrap() error { return e.Err }

// CalleeFailedError reports a mod callback that returned a nonzero
// status. The native call already happened and cannot be undone.
type CalleeFailedError struct {
	Entity   string
	Function string
	Mod      string
	Status   int32
}

func (e *CalleeFailedError) Error() string {
	return fmt.Sprintf("mod %s: %s/%s failed with status %d", e.Mod, e.Entity, e.Function, e.Status)
}
