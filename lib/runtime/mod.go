package runtime

import (
	"fmt"

	"github.com/chazu/modlink/contract"
)

// ModState tracks a mod package through the load pipeline. Ready and
// Failed are terminal; nothing transitions out of Failed.
type ModState int

const (
	StateDiscovered ModState = iota
	StateBuilt
	StateLoaded
	StateValidated
	StateReady
	StateFailed
)

func (s ModState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateBuilt:
		return "built"
	case StateLoaded:
		return "loaded"
	case StateValidated:
		return "validated"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ModState(%d)", int(s))
	}
}

// Stage names a load-pipeline step for error reporting.
type Stage string

const (
	StageDiscover Stage = "discover"
	StageBuild    Stage = "build"
	StageLoad     Stage = "load"
	StageValidate Stage = "validate"
)

// entryKey identifies one resolved on-function implementation.
type entryKey struct {
	entity   string
	function string
}

// LoadedMod is one mod package that made it through the load pipeline.
// A Ready mod exclusively owns its open library handle; the handle
// outlives every entry point resolved from it and is closed only at
// engine teardown or after a regeneration swap, never while a call into
// it may be in flight.
type LoadedMod struct {
	Name       string
	Dir        string
	About      *contract.AboutInfo
	Descriptor *Descriptor
	Artifact   BuildArtifact
	SourceHash string

	state   ModState
	lib     sharedLibrary
	entries map[entryKey]uintptr
}

// State returns the mod's pipeline state.
func (m *LoadedMod) State() ModState {
	return m.state
}

// Ready reports whether the mod is dispatchable.
func (m *LoadedMod) Ready() bool {
	return m.state == StateReady
}

// Implements reports whether the mod resolved an entry point for the
// (entity, function) pair.
func (m *LoadedMod) Implements(entity, fn string) bool {
	_, ok := m.entries[entryKey{entity, fn}]
	return ok
}

// entry returns the resolved native address for an implemented callback.
func (m *LoadedMod) entry(entity, fn string) (uintptr, bool) {
	addr, ok := m.entries[entryKey{entity, fn}]
	return addr, ok
}

// close releases the library handle. The caller guarantees no call into
// the mod is in flight.
func (m *LoadedMod) close() error {
	if m.lib == nil {
		return nil
	}
	err := m.lib.Close()
	m.lib = nil
	m.entries = nil
	return err
}

// ModError wraps a load failure with the mod and pipeline stage it
// occurred at.
type ModError struct {
	Mod   string
	Stage Stage
	Err   error
}

func (e *ModError) Error() string {
	return fmt.Sprintf("mod %s: %s: %v", e.Mod, e.Stage, e.Err)
}

func (e *ModError) Unwrap() error { return e.Err }

// UndeclaredCallbackError reports a mod exporting a callback the
// contract does not declare.
type UndeclaredCallbackError struct {
	Entity   string
	Function string
}

func (e *UndeclaredCallbackError) Error() string {
	return fmt.Sprintf("callback %s/%s is not declared in the contract", e.Entity, e.Function)
}
