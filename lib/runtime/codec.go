package runtime

import (
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/chazu/modlink/contract"
)

// The boundary representation of one argument. Layout is fixed at 24
// bytes, native endianness:
//
//	offset 0:  tag (uint32)
//	offset 8:  payload (uint64): i32 zero-extended, f32 bit pattern,
//	           bool 0/1, or string byte pointer
//	offset 16: length (uint64): string byte length, else 0
//
// String payloads point into host memory and are valid only for the
// duration of the call; a callee keeping a string past return must copy
// it first. Strings are not NUL-terminated.
type rawArg struct {
	tag     uint32
	_       uint32
	payload uint64
	length  uint64
}

const (
	rawString uint32 = iota
	rawI32
	rawF32
	rawBool
)

func kindTag(k contract.Kind) (uint32, bool) {
	switch k {
	case contract.KindString:
		return rawString, true
	case contract.KindI32:
		return rawI32, true
	case contract.KindF32:
		return rawF32, true
	case contract.KindBool:
		return rawBool, true
	}
	return 0, false
}

func tagKind(t uint32) (contract.Kind, bool) {
	switch t {
	case rawString:
		return contract.KindString, true
	case rawI32:
		return contract.KindI32, true
	case rawF32:
		return contract.KindF32, true
	case rawBool:
		return contract.KindBool, true
	}
	return "", false
}

// callFrame is the encoded argument array for one native call. It pins
// the array and every string payload until release; nothing in the frame
// may be handed to native code after that.
type callFrame struct {
	args []rawArg
	pin  runtime.Pinner
}

// encodeArgs builds the boundary form of args. An empty list encodes to
// a frame with a nil argument pointer and zero count, which is valid.
func encodeArgs(args []Value) *callFrame {
	f := &callFrame{}
	if len(args) == 0 {
		return f
	}
	f.args = make([]rawArg, len(args))
	for i, v := range args {
		f.args[i] = f.encodeArg(v)
	}
	f.pin.Pin(&f.args[0])
	return f
}

func (f *callFrame) encodeArg(v Value) rawArg {
	switch v.Kind {
	case contract.KindString:
		var p unsafe.Pointer
		if len(v.StrVal) > 0 {
			b := unsafe.StringData(v.StrVal)
			f.pin.Pin(b)
			p = unsafe.Pointer(b)
		}
		return rawArg{tag: rawString, payload: uint64(uintptr(p)), length: uint64(len(v.StrVal))}
	case contract.KindI32:
		return rawArg{tag: rawI32, payload: uint64(uint32(v.I32Val))}
	case contract.KindF32:
		return rawArg{tag: rawF32, payload: uint64(math.Float32bits(v.F32Val))}
	case contract.KindBool:
		var b uint64
		if v.BoolVal {
			b = 1
		}
		return rawArg{tag: rawBool, payload: b}
	}
	return rawArg{}
}

// ptr returns the address native code receives for the argument array,
// or 0 for an empty frame.
func (f *callFrame) ptr() uintptr {
	if len(f.args) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&f.args[0]))
}

func (f *callFrame) count() int32 {
	return int32(len(f.args))
}

// release unpins the frame. Must be called after the native call returns.
func (f *callFrame) release() {
	f.pin.Unpin()
}

// decodeArg converts one boundary value back into a Value, taking
// ownership of string contents by copying them.
func decodeArg(r rawArg, want contract.Kind) (Value, error) {
	found, ok := tagKind(r.tag)
	if !ok {
		return Value{}, &TypeMismatchError{Expected: want, Found: contract.Kind(fmt.Sprintf("tag(%d)", r.tag))}
	}
	if found != want {
		return Value{}, &TypeMismatchError{Expected: want, Found: found}
	}
	switch want {
	case contract.KindString:
		if r.length == 0 {
			return StringValue(""), nil
		}
		b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(r.payload))), r.length)
		return StringValue(string(b)), nil
	case contract.KindI32:
		return I32Value(int32(uint32(r.payload))), nil
	case contract.KindF32:
		return F32Value(math.Float32frombits(uint32(r.payload))), nil
	case contract.KindBool:
		return BoolValue(r.payload != 0), nil
	}
	return Value{}, &TypeMismatchError{Expected: want, Found: found}
}

// decodeArgs reads n boundary values starting at p (memory owned by the
// native caller, valid only during the call) and decodes them against
// specs in order.
func decodeArgs(p uintptr, n int32, specs []contract.ArgumentSpec) ([]Value, error) {
	if int(n) != len(specs) {
		return nil, &ArityMismatchError{Want: len(specs), Got: int(n)}
	}
	if n == 0 {
		return nil, nil
	}
	if p == 0 {
		return nil, fmt.Errorf("nil argument array with %d arguments", n)
	}
	raws := unsafe.Slice((*rawArg)(unsafe.Pointer(p)), int(n))
	out := make([]Value, n)
	for i := range raws {
		v, err := decodeArg(raws[i], specs[i].Type)
		if err != nil {
			if tm, ok := err.(*TypeMismatchError); ok {
				tm.Argument = specs[i].Name
				tm.Position = i
			}
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// checkArgs validates arity and per-position kinds against specs without
// encoding anything. This is the pre-call gate: it runs before any
// native call is made.
func checkArgs(args []Value, specs []contract.ArgumentSpec) error {
	if len(args) != len(specs) {
		return &ArityMismatchError{Want: len(specs), Got: len(args)}
	}
	for i, a := range args {
		if a.Kind != specs[i].Type {
			return &TypeMismatchError{
				Expected: specs[i].Type,
				Found:    a.Kind,
				Argument: specs[i].Name,
				Position: i,
			}
		}
	}
	return nil
}

// TypeMismatchError reports a value whose kind disagrees with the
// declared argument type at its position.
type TypeMismatchError struct {
	Expected contract.Kind
	Found    contract.Kind
	Argument string
	Position int
}

func (e *TypeMismatchError) Error() string {
	if e.Argument != "" {
		return fmt.Sprintf("argument %d (%s): expected %s, found %s", e.Position, e.Argument, e.Expected, e.Found)
	}
	return fmt.Sprintf("expected %s, found %s", e.Expected, e.Found)
}

// ArityMismatchError reports an argument list of the wrong length.
type ArityMismatchError struct {
	Want int
	Got  int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("expected %d arguments, got %d", e.Want, e.Got)
}
