package runtime

import (
	"fmt"
	"sync"

	"github.com/chazu/modlink/contract"
)

// GameFunc is the signature for host-side game function implementations.
// A returned error is reported to the calling mod as a failure status.
type GameFunc func(args []Value) error

// gameFunction is one registered host function with the argument specs
// mod-supplied values are decoded against.
type gameFunction struct {
	name string
	args []contract.ArgumentSpec
	fn   GameFunc
}

// Registry maps game-function names to host callables. It is populated
// during engine construction, sealed before any mod loads, and read-only
// afterwards.
type Registry struct {
	contract *contract.Contract
	funcs    map[string]*gameFunction
	sealed   bool
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry bound to a contract.
func NewRegistry(c *contract.Contract) *Registry {
	return &Registry{
		contract: c,
		funcs:    make(map[string]*gameFunction),
	}
}

// Register records fn as the implementation of the named game function,
// taking the expected argument list from the contract.
func (r *Registry) Register(name string, fn GameFunc) error {
	spec, ok := r.contract.GameFunction(name)
	if !ok {
		return &NotInContractError{Name: name}
	}
	return r.add(name, spec.Arguments, fn)
}

// RegisterSpec is Register for hosts that declare their argument lists in
// code: the declared list must equal the contract's exactly.
func (r *Registry) RegisterSpec(name string, args []contract.ArgumentSpec, fn GameFunc) error {
	spec, ok := r.contract.GameFunction(name)
	if !ok {
		return &NotInContractError{Name: name}
	}
	if !specsEqual(args, spec.Arguments) {
		return &SignatureMismatchError{Name: name, Want: spec.Arguments, Got: args}
	}
	return r.add(name, spec.Arguments, fn)
}

func (r *Registry) add(name string, args []contract.ArgumentSpec, fn GameFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return &RegistrySealedError{Name: name}
	}
	if _, exists := r.funcs[name]; exists {
		return &DuplicateFunctionError{Name: name}
	}
	r.funcs[name] = &gameFunction{name: name, args: args, fn: fn}
	return nil
}

// Resolve returns the callable registered under name.
func (r *Registry) Resolve(name string) (GameFunc, error) {
	gf, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return gf.fn, nil
}

// lookup returns the full registration, specs included. The trampoline
// uses the specs to decode mod-supplied arguments.
func (r *Registry) lookup(name string) (*gameFunction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gf, ok := r.funcs[name]
	if !ok {
		return nil, &UnknownFunctionError{Name: name}
	}
	return gf, nil
}

// Has reports whether name is registered. Mod loading uses this to check
// declared game-function references.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Count returns the number of registered functions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

// Seal freezes the registry. Registration after Seal fails; the engine
// seals before loading any mod, so lookups during dispatch see a table
// that can no longer change.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

func specsEqual(a, b []contract.ArgumentSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DuplicateFunctionError reports a second registration of a name.
type DuplicateFunctionError struct {
	Name string
}

func (e *DuplicateFunctionError) Error() string {
	return fmt.Sprintf("registry: function %q already registered", e.Name)
}

// NotInContractError reports a registration for a name the contract does
// not declare as a game function.
type NotInContractError struct {
	Name string
}

func (e *NotInContractError) Error() string {
	return fmt.Sprintf("registry: %q is not a game function in the contract", e.Name)
}

// SignatureMismatchError reports a declared argument list that disagrees
// with the contract's.
type SignatureMismatchError struct {
	Name string
	Want []contract.ArgumentSpec
	Got  []contract.ArgumentSpec
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("registry: signature for %q disagrees with contract (want %v, got %v)",
		e.Name, e.Want, e.Got)
}

// UnknownFunctionError reports a lookup of an unregistered name.
type UnknownFunctionError struct {
	Name string
}

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("registry: unknown game function %q", e.Name)
}

// RegistrySealedError reports a registration attempted after Seal.
type RegistrySealedError struct {
	Name string
}

func (e *RegistrySealedError) Error() string {
	return fmt.Sprintf("registry: cannot register %q after sealing", e.Name)
}
