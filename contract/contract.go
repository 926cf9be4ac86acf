// Package contract models the mod API description shared between the host
// and mod code: entities with their lifecycle callbacks ("on-functions")
// and the native functions the host exposes to mods ("game functions").
package contract

import (
	"encoding/json"
	"fmt"
	"os"
)

// Kind is one of the closed set of primitive argument types that may cross
// the native boundary. The set is fixed; contracts using any other type
// tag are invalid.
type Kind string

const (
	KindString Kind = "string"
	KindI32    Kind = "i32"
	KindF32    Kind = "f32"
	KindBool   Kind = "bool"
)

// Recognized reports whether k is a member of the closed primitive set.
func (k Kind) Recognized() bool {
	switch k {
	case KindString, KindI32, KindF32, KindBool:
		return true
	}
	return false
}

// Contract is the root of a mod API description. Immutable once loaded;
// it lives as long as the engine that owns it.
type Contract struct {
	Entities      map[string]EntitySpec   `json:"entities"`
	GameFunctions map[string]FunctionSpec `json:"game_functions"`
}

// EntitySpec describes one named entity and the callbacks mods may
// implement for it.
type EntitySpec struct {
	Description string                    `json:"description"`
	OnFunctions map[string]OnFunctionSpec `json:"on_functions"`
}

// FunctionSpec describes one callable: its documentation string and its
// ordered argument list. Argument order is significant and must match the
// call site exactly.
type FunctionSpec struct {
	Description string         `json:"description"`
	Arguments   []ArgumentSpec `json:"arguments"`
}

// OnFunctionSpec is the shape of a mod-implemented callback. It is
// structurally identical to a game function's spec.
type OnFunctionSpec = FunctionSpec

// ArgumentSpec is one declared argument: a name and a primitive kind.
type ArgumentSpec struct {
	Name string `json:"name"`
	Type Kind   `json:"type"`
}

// Load reads and parses a contract file, then validates it.
func Load(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &MalformedSchemaError{Path: path, Err: err}
	}
	c, err := Parse(data)
	if err != nil {
		if mse, ok := err.(*MalformedSchemaError); ok {
			mse.Path = path
		}
		return nil, err
	}
	return c, nil
}

// Parse decodes a contract document and validates it.
func Parse(data []byte) (*Contract, error) {
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &MalformedSchemaError{Err: err}
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate checks every argument list in the contract: each type tag must
// be in the recognized set and argument names must be unique per list.
func (c *Contract) validate() error {
	for entity, espec := range c.Entities {
		for fn, fspec := range espec.OnFunctions {
			if err := validateArgs(entity, fn, fspec.Arguments); err != nil {
				return err
			}
		}
	}
	for fn, fspec := range c.GameFunctions {
		if err := validateArgs("", fn, fspec.Arguments); err != nil {
			return err
		}
	}
	return nil
}

func validateArgs(entity, fn string, args []ArgumentSpec) error {
	seen := make(map[string]bool, len(args))
	for _, a := range args {
		if !a.Type.Recognized() {
			return &UnknownTypeError{Entity: entity, Function: fn, Argument: a.Name, Type: a.Type}
		}
		if seen[a.Name] {
			return &DuplicateArgumentError{Entity: entity, Function: fn, Argument: a.Name}
		}
		seen[a.Name] = true
	}
	return nil
}

// OnFunction looks up the spec for an entity's callback.
func (c *Contract) OnFunction(entity, fn string) (OnFunctionSpec, bool) {
	espec, ok := c.Entities[entity]
	if !ok {
		return OnFunctionSpec{}, false
	}
	fspec, ok := espec.OnFunctions[fn]
	return fspec, ok
}

// GameFunction looks up the spec for a host-provided function.
func (c *Contract) GameFunction(name string) (FunctionSpec, bool) {
	fspec, ok := c.GameFunctions[name]
	return fspec, ok
}

// MalformedSchemaError reports a contract document that could not be read
// or decoded.
type MalformedSchemaError struct {
	Path string
	Err  error
}

func (e *MalformedSchemaError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("malformed contract %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("malformed contract: %v", e.Err)
}

func (e *MalformedSchemaError) Unwrap() error { return e.Err }

// UnknownTypeError reports an argument whose type tag is outside the
// recognized primitive set. Entity is empty for game functions.
type UnknownTypeError struct {
	Entity   string
	Function string
	Argument string
	Type     Kind
}

func (e *UnknownTypeError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("contract: unknown type %q for argument %q of %s/%s",
			e.Type, e.Argument, e.Entity, e.Function)
	}
	return fmt.Sprintf("contract: unknown type %q for argument %q of game function %s",
		e.Type, e.Argument, e.Function)
}

// DuplicateArgumentError reports an argument list declaring the same name
// twice. Entity is empty for game functions.
type DuplicateArgumentError struct {
	Entity   string
	Function string
	Argument string
}

func (e *DuplicateArgumentError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("contract: duplicate argument %q in %s/%s", e.Argument, e.Entity, e.Function)
	}
	return fmt.Sprintf("contract: duplicate argument %q in game function %s", e.Argument, e.Function)
}
