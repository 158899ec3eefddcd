package object

import (
	"fmt"
	"sort"
)

// ProxyHandle marks a host object passed into the sandbox. The guest sees
// an opaque proxy; method calls on it suspend the VM with a proxy call.
type ProxyHandle int64

// FromGo converts a host value to a guest value. The returned value owns a
// reference the caller must store or release. Supported inputs: nil, bool,
// integer and float types, string, []byte, []any, map[string]any,
// ProxyHandle and Value itself (whose reference is added).
func (h *Heap) FromGo(x any) (Value, error) {
	switch v := x.(type) {
	case nil:
		return None, nil
	case Value:
		h.IncRef(v)
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case uint32:
		return Int(int64(v)), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		if id, ok := h.interns.Lookup(v); ok {
			return Str(id), nil
		}
		return h.NewStr(v)
	case []byte:
		return h.NewBytes(append([]byte(nil), v...))
	case ProxyHandle:
		return Proxy(int64(v)), nil
	case []any:
		items := make([]Value, 0, len(v))
		for _, item := range v {
			iv, err := h.FromGo(item)
			if err != nil {
				h.ReleaseAll(items)
				return Undefined, err
			}
			items = append(items, iv)
		}
		return h.NewList(items)
	case map[string]any:
		d, err := h.NewDict()
		if err != nil {
			return Undefined, err
		}
		dict := h.Get(d.AsRef()).(*Dict)
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv, err := h.FromGo(k)
			if err != nil {
				h.DecRef(d)
				return Undefined, err
			}
			vv, err := h.FromGo(v[k])
			if err != nil {
				h.DecRef(kv)
				h.DecRef(d)
				return Undefined, err
			}
			if err := dict.Set(h, kv, vv); err != nil {
				h.DecRef(d)
				return Undefined, err
			}
		}
		return d, nil
	default:
		return Undefined, fmt.Errorf("cannot convert %T to a guest value", x)
	}
}

// ReleaseAll drops one reference from each value.
func (h *Heap) ReleaseAll(values []Value) {
	for _, v := range values {
		h.DecRef(v)
	}
}

// ToGo converts a guest value to a host value. Lists and tuples become
// []any, dicts become map[string]any (non-string keys are formatted),
// proxies become ProxyHandle. Objects without a natural host form are
// returned as their Value. The input is borrowed.
func (h *Heap) ToGo(v Value) any {
	return h.toGo(v, 0)
}

func (h *Heap) toGo(v Value, depth int) any {
	if depth > maxCompareDepth {
		return v
	}
	switch v.Kind() {
	case KindUndefined, KindNone:
		return nil
	case KindBool:
		return v.AsBool()
	case KindInt:
		return v.AsInt()
	case KindFloat:
		return v.AsFloat()
	case KindStr:
		return h.interns.Get(v.AsStr())
	case KindBytes:
		return append([]byte(nil), h.interns.GetBytes(v.AsBytes())...)
	case KindProxy:
		return ProxyHandle(v.AsProxy())
	case KindRef:
		switch p := h.Get(v.AsRef()).(type) {
		case *String:
			return p.S
		case *Bytes:
			return append([]byte(nil), p.B...)
		case *List:
			return h.sliceToGo(p.Items, depth)
		case *Tuple:
			return h.sliceToGo(p.Items, depth)
		case *Dict:
			out := make(map[string]any, p.Len())
			p.Each(func(k, val Value) bool {
				key, ok := h.StrOf(k)
				if !ok {
					key = fmt.Sprint(h.toGo(k, depth+1))
				}
				out[key] = h.toGo(val, depth+1)
				return true
			})
			return out
		}
	}
	return v
}

func (h *Heap) sliceToGo(items []Value, depth int) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = h.toGo(item, depth+1)
	}
	return out
}
