package object

import (
	"bytes"
	"math"
)

// maxCompareDepth bounds recursion through nested containers in Equal.
const maxCompareDepth = 500

// NewStr allocates a run-time string.
func (h *Heap) NewStr(s string) (Value, error) {
	return h.Allocate(&String{S: s})
}

// NewBytes allocates a run-time byte string. b is not copied.
func (h *Heap) NewBytes(b []byte) (Value, error) {
	return h.Allocate(&Bytes{B: b})
}

// NewList allocates a list taking ownership of items.
func (h *Heap) NewList(items []Value) (Value, error) {
	return h.Allocate(&List{Items: items})
}

// NewTuple allocates a tuple taking ownership of items.
func (h *Heap) NewTuple(items []Value) (Value, error) {
	return h.Allocate(&Tuple{Items: items})
}

// NewDict allocates an empty dict.
func (h *Heap) NewDict() (Value, error) {
	return h.Allocate(&Dict{})
}

// NewException allocates an exception with a single message argument.
func (h *Heap) NewException(t ExcType, message string) (Value, error) {
	var args []Value
	if message != "" {
		msg, err := h.NewStr(message)
		if err != nil {
			return Undefined, err
		}
		args = []Value{msg}
	}
	return h.Allocate(&ExceptionInstance{Type: t, Args: args})
}

// StrOf returns the text of an inline or heap string.
func (h *Heap) StrOf(v Value) (string, bool) {
	switch v.Kind() {
	case KindStr:
		return h.interns.Get(v.AsStr()), true
	case KindRef:
		if s, ok := h.Get(v.AsRef()).(*String); ok {
			return s.S, true
		}
	}
	return "", false
}

// BytesOf returns the contents of an inline or heap byte string. The result
// must not be modified.
func (h *Heap) BytesOf(v Value) ([]byte, bool) {
	switch v.Kind() {
	case KindBytes:
		return h.interns.GetBytes(v.AsBytes()), true
	case KindRef:
		if b, ok := h.Get(v.AsRef()).(*Bytes); ok {
			return b.B, true
		}
	}
	return nil, false
}

// Items returns the elements of a list or tuple. The slice is borrowed and
// must not be retained across heap mutation.
func (h *Heap) Items(v Value) ([]Value, bool) {
	if !v.IsRef() {
		return nil, false
	}
	switch p := h.Get(v.AsRef()).(type) {
	case *List:
		return p.Items, true
	case *Tuple:
		return p.Items, true
	}
	return nil, false
}

// ListAppend appends v to the list, taking ownership of v.
func (h *Heap) ListAppend(list Value, v Value) error {
	l, ok := h.Get(list.AsRef()).(*List)
	if !ok {
		h.DecRef(v)
		return internalf("list append on %s", h.Get(list.AsRef()).Tag())
	}
	if err := h.Grow(l, 1); err != nil {
		h.DecRef(v)
		return err
	}
	l.Items = append(l.Items, v)
	return nil
}

// Truthy implements the guest truth test.
func (h *Heap) Truthy(v Value) bool {
	switch v.Kind() {
	case KindUndefined, KindNone:
		return false
	case KindBool, KindInt:
		return v.bits != 0
	case KindFloat:
		return v.AsFloat() != 0
	case KindStr:
		return h.interns.Get(v.AsStr()) != ""
	case KindBytes:
		return len(h.interns.GetBytes(v.AsBytes())) > 0
	case KindRef:
		switch p := h.Get(v.AsRef()).(type) {
		case *String:
			return p.S != ""
		case *Bytes:
			return len(p.B) > 0
		case *List:
			return len(p.Items) > 0
		case *Tuple:
			return len(p.Items) > 0
		case *Dict:
			return p.Len() > 0
		case *Range:
			return p.Len() > 0
		}
	}
	return true
}

// Equal implements the guest == operator for builtin types. Instances and
// other objects compare by identity.
func (h *Heap) Equal(a, b Value) (bool, error) {
	return h.equal(a, b, 0)
}

func (h *Heap) equal(a, b Value, depth int) (bool, error) {
	if depth > maxCompareDepth {
		return false, Errorf(RecursionError, "maximum recursion depth exceeded in comparison")
	}
	if a.IsNumber() && b.IsNumber() {
		return numericEqual(a, b), nil
	}
	if as, ok := h.StrOf(a); ok {
		bs, ok := h.StrOf(b)
		return ok && as == bs, nil
	}
	if ab, ok := h.BytesOf(a); ok {
		bb, ok := h.BytesOf(b)
		return ok && bytes.Equal(ab, bb), nil
	}
	if !a.IsRef() || !b.IsRef() {
		return a.kind == b.kind && a.bits == b.bits, nil
	}
	if a.AsRef() == b.AsRef() {
		return true, nil
	}
	switch pa := h.Get(a.AsRef()).(type) {
	case *List:
		pb, ok := h.Get(b.AsRef()).(*List)
		if !ok {
			return false, nil
		}
		return h.equalSlices(pa.Items, pb.Items, depth)
	case *Tuple:
		pb, ok := h.Get(b.AsRef()).(*Tuple)
		if !ok {
			return false, nil
		}
		return h.equalSlices(pa.Items, pb.Items, depth)
	case *Dict:
		pb, ok := h.Get(b.AsRef()).(*Dict)
		if !ok || pa.Len() != pb.Len() {
			return false, nil
		}
		equal := true
		var err error
		pa.Each(func(k, va Value) bool {
			vb, found, gerr := pb.Get(h, k)
			if gerr != nil || !found {
				equal, err = false, gerr
				return false
			}
			equal, err = h.equal(va, vb, depth+1)
			return equal && err == nil
		})
		return equal, err
	case *Range:
		pb, ok := h.Get(b.AsRef()).(*Range)
		return ok && *pa == *pb, nil
	}
	return false, nil
}

func (h *Heap) equalSlices(a, b []Value, depth int) (bool, error) {
	if len(a) != len(b) {
		return false, nil
	}
	for i := range a {
		eq, err := h.equal(a[i], b[i], depth+1)
		if err != nil || !eq {
			return false, err
		}
	}
	return true, nil
}

func numericEqual(a, b Value) bool {
	if a.Kind() != KindFloat && b.Kind() != KindFloat {
		return a.AsInt() == b.AsInt()
	}
	return toFloat(a) == toFloat(b)
}

func toFloat(v Value) float64 {
	if v.Kind() == KindFloat {
		return v.AsFloat()
	}
	return float64(v.AsInt())
}

// AsFloat64 converts a bool, int or float to float64.
func AsFloat64(v Value) (float64, bool) {
	if !v.IsNumber() {
		return math.NaN(), false
	}
	return toFloat(v), true
}
