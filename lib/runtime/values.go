// Package runtime provides the host-side bridge between a statically
// compiled application and dynamically loaded mod shared libraries. It
// loads mods against a contract, dispatches entity callbacks into them,
// and routes mod calls back into registered host game functions.
package runtime

import (
	"strconv"

	"github.com/chazu/modlink/contract"
)

// Value is one typed argument crossing the native boundary. It is a
// closed tagged union over the contract's primitive kinds, built fresh
// per call and moved into the call; callees must not retain it.
type Value struct {
	Kind    contract.Kind
	StrVal  string
	I32Val  int32
	F32Val  float32
	BoolVal bool
}

// StringValue creates a string value
func StringValue(s string) Value {
	return Value{Kind: contract.KindString, StrVal: s}
}

// I32Value creates a 32-bit integer value
func I32Value(n int32) Value {
	return Value{Kind: contract.KindI32, I32Val: n}
}

// F32Value creates a 32-bit float value
func F32Value(f float32) Value {
	return Value{Kind: contract.KindF32, F32Val: f}
}

// BoolValue creates a boolean value
func BoolValue(b bool) Value {
	return Value{Kind: contract.KindBool, BoolVal: b}
}

// AsString converts the value to a display string
func (v Value) AsString() string {
	switch v.Kind {
	case contract.KindString:
		return v.StrVal
	case contract.KindI32:
		return strconv.FormatInt(int64(v.I32Val), 10)
	case contract.KindF32:
		return strconv.FormatFloat(float64(v.F32Val), 'f', -1, 32)
	case contract.KindBool:
		if v.BoolVal {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}
