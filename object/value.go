package object

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	// KindUndefined is the zero Value. It marks unbound locals and empty
	// cells and never appears in guest-visible containers.
	KindUndefined Kind = iota
	KindNone
	KindBool
	KindInt
	KindFloat
	KindStr      // interned string
	KindBytes    // interned bytes
	KindBuiltin  // builtin function, type, exception type or module
	KindExternal // host function, by index into the host's function list
	KindProxy    // host object, by host-assigned id
	KindRef      // heap object
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "undefined"
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "str"
	case KindBytes:
		return "bytes"
	case KindBuiltin:
		return "builtin"
	case KindExternal:
		return "external"
	case KindProxy:
		return "proxy"
	case KindRef:
		return "ref"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a small tagged union. Scalars live inline; everything else is a
// Ref into the Heap. Values are copied freely, but a copy of a Ref is only
// valid while someone owns a reference count for it.
type Value struct {
	kind Kind
	bits uint64
}

var (
	// Undefined is the zero Value.
	Undefined = Value{}
	None      = Value{kind: KindNone}
	True      = Value{kind: KindBool, bits: 1}
	False     = Value{kind: KindBool}
)

func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

func Int(i int64) Value {
	return Value{kind: KindInt, bits: uint64(i)}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, bits: math.Float64bits(f)}
}

// Str returns an inline reference to an interned string.
func Str(id StrID) Value {
	return Value{kind: KindStr, bits: uint64(id)}
}

// BytesValue returns an inline reference to interned bytes.
func BytesValue(id BytesID) Value {
	return Value{kind: KindBytes, bits: uint64(id)}
}

func Builtin(id uint32) Value {
	return Value{kind: KindBuiltin, bits: uint64(id)}
}

func External(index uint32) Value {
	return Value{kind: KindExternal, bits: uint64(index)}
}

func Proxy(id int64) Value {
	return Value{kind: KindProxy, bits: uint64(id)}
}

// Ref returns a Value pointing at a heap object. It does not touch the
// reference count.
func Ref(id ID) Value {
	return Value{kind: KindRef, bits: uint64(id)}
}

func (v Value) Kind() Kind        { return v.kind }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNone() bool      { return v.kind == KindNone }
func (v Value) IsRef() bool       { return v.kind == KindRef }

// IsNumber reports whether v is a bool, int or float.
func (v Value) IsNumber() bool {
	return v.kind == KindBool || v.kind == KindInt || v.kind == KindFloat
}

func (v Value) AsBool() bool       { return v.bits != 0 }
func (v Value) AsInt() int64       { return int64(v.bits) }
func (v Value) AsFloat() float64   { return math.Float64frombits(v.bits) }
func (v Value) AsStr() StrID       { return StrID(v.bits) }
func (v Value) AsBytes() BytesID   { return BytesID(v.bits) }
func (v Value) AsBuiltin() uint32  { return uint32(v.bits) }
func (v Value) AsExternal() uint32 { return uint32(v.bits) }
func (v Value) AsProxy() int64     { return int64(v.bits) }
func (v Value) AsRef() ID          { return ID(v.bits) }

// Identical reports whether a and b are the same value in the sense of the
// guest `is` operator.
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	if a.kind == KindFloat {
		return a.AsFloat() == b.AsFloat()
	}
	return a.bits == b.bits
}

func (v Value) String() string {
	switch v.kind {
	case KindUndefined:
		return "<undefined>"
	case KindNone:
		return "None"
	case KindBool:
		if v.AsBool() {
			return "True"
		}
		return "False"
	case KindInt:
		return fmt.Sprintf("%d", v.AsInt())
	case KindFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	default:
		return fmt.Sprintf("<%s %d>", v.kind, v.bits)
	}
}

// MarshalJSON encodes a value as [kind, bits]. Float bits are stored raw so
// NaN and negative zero survive.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint64{uint64(v.kind), v.bits})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var pair [2]uint64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[0] > uint64(KindRef) {
		return fmt.Errorf("invalid value kind %d", pair[0])
	}
	v.kind = Kind(pair[0])
	v.bits = pair[1]
	return nil
}
