package object

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDictNumericKeysCollide(t *testing.T) {
	h := newTestHeap(t)
	d := &Dict{}
	require.NoError(t, d.Set(h, Int(1), Int(10)))
	require.NoError(t, d.Set(h, Float(1.0), Int(20)))
	require.NoError(t, d.Set(h, True, Int(30)))
	require.Equal(t, 1, d.Len())

	v, ok, err := d.Get(h, Int(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Int(30), v)

	k, _, _ := d.EntryAt(0)
	require.Equal(t, Int(1), k, "the first key object is kept")

	require.NoError(t, d.Set(h, Float(1.5), None))
	require.Equal(t, 2, d.Len())
}

func TestDictInternedAndHeapStringsMatch(t *testing.T) {
	h := newTestHeap(t)
	d := &Dict{}
	id, ok := h.Interns().Lookup("hello")
	require.True(t, ok)
	require.NoError(t, d.Set(h, Str(id), Int(1)))

	heapKey, err := h.NewStr("hello")
	require.NoError(t, err)
	v, found, err := d.Get(h, heapKey)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, Int(1), v)

	v, found = d.GetStr(h, "hello")
	require.True(t, found)
	require.Equal(t, Int(1), v)

	// Setting through the heap string replaces the value and releases the
	// duplicate key.
	require.NoError(t, d.Set(h, heapKey, Int(2)))
	require.Equal(t, 0, h.Live())
}

func TestDictTupleKeys(t *testing.T) {
	h := newTestHeap(t)
	d := &Dict{}
	k1, err := h.NewTuple([]Value{Int(1), Float(2)})
	require.NoError(t, err)
	k2, err := h.NewTuple([]Value{True, Int(2)})
	require.NoError(t, err)
	require.NoError(t, d.Set(h, k1, Int(5)))
	v, ok, err := d.Get(h, k2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Int(5), v)
	h.DecRef(k2)
}

func TestDictUnhashable(t *testing.T) {
	h := newTestHeap(t)
	d := &Dict{}
	list, err := h.NewList(nil)
	require.NoError(t, err)
	h.IncRef(list)
	err = d.Set(h, list, Int(1))
	ge, ok := err.(*GuestError)
	require.True(t, ok)
	require.Equal(t, TypeError, ge.Type)
	require.Equal(t, "TypeError: unhashable type: 'list'", ge.Error())
	require.Equal(t, 1, h.RefCount(list.AsRef()), "the rejected key was released")
}

func TestDictDeleteAndOrder(t *testing.T) {
	h := newTestHeap(t)
	d := &Dict{}
	for i := int64(0); i < 30; i++ {
		s, err := h.NewStr(string(rune('a' + i)))
		require.NoError(t, err)
		require.NoError(t, d.Set(h, Int(i), s))
	}
	for i := int64(0); i < 30; i += 2 {
		ok, err := d.Delete(h, Int(i))
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := d.Delete(h, Int(0))
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 15, d.Len())
	require.Equal(t, 15, h.Live())
	var keys []int64
	d.Each(func(k, _ Value) bool {
		keys = append(keys, k.AsInt())
		return true
	})
	require.Len(t, keys, 15)
	for i, k := range keys {
		require.Equal(t, int64(2*i+1), k)
	}
	v, ok, err := d.Get(h, Int(29))
	require.NoError(t, err)
	require.True(t, ok)
	s, _ := h.StrOf(v)
	require.Equal(t, string(rune('a'+29)), s)
}

func TestEqual(t *testing.T) {
	h := newTestHeap(t)
	a, _ := h.NewList([]Value{Int(1), Float(2)})
	b, _ := h.NewList([]Value{True, Int(2)})
	c, _ := h.NewTuple([]Value{Int(1), Int(2)})
	id, _ := h.Interns().Lookup("hello")
	s, _ := h.NewStr("hello")

	eq, err := h.Equal(a, b)
	require.NoError(t, err)
	require.True(t, eq)

	eq, err = h.Equal(a, c)
	require.NoError(t, err)
	require.False(t, eq, "list and tuple differ")

	eq, err = h.Equal(Str(id), s)
	require.NoError(t, err)
	require.True(t, eq)

	eq, err = h.Equal(None, Int(0))
	require.NoError(t, err)
	require.False(t, eq)
}

func TestFromGoToGo(t *testing.T) {
	h := newTestHeap(t)
	v, err := h.FromGo(map[string]any{
		"name":  "hello",
		"items": []any{int64(1), 2.5, true, nil, []byte("b")},
		"proxy": ProxyHandle(7),
	})
	require.NoError(t, err)
	out := h.ToGo(v)
	require.Equal(t, map[string]any{
		"name":  "hello",
		"items": []any{int64(1), 2.5, true, nil, []byte("b")},
		"proxy": ProxyHandle(7),
	}, out)
	h.DecRef(v)
	require.Equal(t, 0, h.Live())

	_, err = h.FromGo(struct{}{})
	require.Error(t, err)
}

func TestExcTypeHierarchy(t *testing.T) {
	require.True(t, ZeroDivisionError.IsSubclass(ArithmeticError))
	require.True(t, ZeroDivisionError.IsSubclass(BaseException))
	require.True(t, RecursionError.IsSubclass(RuntimeError))
	require.False(t, KeyboardInterrupt.IsSubclass(Exception))
	require.False(t, ValueError.IsSubclass(TypeError))
	typ, ok := ExcTypeByName("KeyError")
	require.True(t, ok)
	require.Equal(t, KeyError, typ)
	require.Equal(t, LookupError, typ.Parent())
	for _, e := range ExcTypes() {
		require.True(t, e.IsSubclass(BaseException), e.String())
	}
}
