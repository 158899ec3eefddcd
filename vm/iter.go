package vm

import (
	"unicode/utf8"

	"github.com/deepnoodle-ai/pyrite/object"
)

// getIter implements iter(v). v is borrowed; the result is owned.
func (vm *VM) getIter(v object.Value) (object.Value, error) {
	h := vm.heap
	switch v.Kind() {
	case object.KindStr, object.KindBytes:
		return h.Allocate(&object.Iter{Source: v})
	case object.KindRef:
		switch p := h.Get(v.AsRef()).(type) {
		case *object.Iter:
			h.IncRef(v)
			return v, nil
		case *object.Generator:
			if p.Coroutine {
				break
			}
			h.IncRef(v)
			return v, nil
		case *object.Dict:
			h.IncRef(v)
			return h.Allocate(&object.Iter{Source: v, Version: p.Version()})
		case *object.List, *object.Tuple, *object.String, *object.Bytes, *object.Range:
			h.IncRef(v)
			return h.Allocate(&object.Iter{Source: v})
		}
	}
	return object.Undefined, object.Errorf(object.TypeError, "'%s' object is not iterable", vm.typeName(v))
}

// forIter implements FOR_ITER: push the next item, or pop the iterator and
// jump to target when it is exhausted.
func (vm *VM) forIter(target int) error {
	t := vm.current
	it := t.peek(0)
	if _, ok := vm.generator(it); ok {
		return vm.resume(it, continuation{onExhaust: exhaustJump, target: target})
	}
	v, ok, err := vm.iterNext(it)
	if err != nil {
		return err
	}
	if !ok {
		vm.heap.DecRef(t.pop())
		vm.ip = target
		return nil
	}
	t.push(v)
	return nil
}

// iterNext advances an Iter. The item is owned by the caller.
func (vm *VM) iterNext(itVal object.Value) (object.Value, bool, error) {
	h := vm.heap
	it, ok := h.Get(itVal.AsRef()).(*object.Iter)
	if !ok {
		return object.Undefined, false, object.Errorf(object.TypeError, "'%s' object is not an iterator", vm.typeName(itVal))
	}
	v, ok, err := vm.sourceNext(it)
	if err != nil || !ok || !it.Enumerate {
		return v, ok, err
	}
	pair, err := h.NewTuple([]object.Value{object.Int(it.Count), v})
	if err != nil {
		return object.Undefined, false, err
	}
	it.Count++
	return pair, true, nil
}

func (vm *VM) sourceNext(it *object.Iter) (object.Value, bool, error) {
	h := vm.heap
	src := it.Source
	if s, ok := h.StrOf(src); ok {
		if int(it.Pos) >= len(s) {
			return object.Undefined, false, nil
		}
		r, size := utf8.DecodeRuneInString(s[it.Pos:])
		it.Pos += int64(size)
		v, err := vm.newStr(string(r))
		return v, err == nil, err
	}
	if b, ok := h.BytesOf(src); ok {
		if int(it.Pos) >= len(b) {
			return object.Undefined, false, nil
		}
		c := b[it.Pos]
		it.Pos++
		return object.Int(int64(c)), true, nil
	}
	switch p := h.Get(src.AsRef()).(type) {
	case *object.List, *object.Tuple:
		items, _ := h.Items(src)
		if int(it.Pos) >= len(items) {
			return object.Undefined, false, nil
		}
		v := items[it.Pos]
		it.Pos++
		h.IncRef(v)
		return v, true, nil
	case *object.Dict:
		if p.Version() != it.Version {
			return object.Undefined, false, object.Errorf(object.RuntimeError, "dictionary changed size during iteration")
		}
		for int(it.Pos) < p.Slots() {
			k, _, ok := p.EntryAt(int(it.Pos))
			it.Pos++
			if ok {
				h.IncRef(k)
				return k, true, nil
			}
		}
		return object.Undefined, false, nil
	case *object.Range:
		if it.Pos >= p.Len() {
			return object.Undefined, false, nil
		}
		v := p.At(it.Pos)
		it.Pos++
		return object.Int(v), true, nil
	case *object.Iter:
		return vm.iterNext(src)
	}
	return object.Undefined, false, nil
}

// items materializes an iterable that needs no guest code to traverse. The
// values are owned by the caller. ok is false for generators, which must be
// drained with collect.
func (vm *VM) items(v object.Value) ([]object.Value, bool, error) {
	if _, isGen := vm.generator(v); isGen {
		return nil, false, nil
	}
	if items, ok := vm.heap.Items(v); ok {
		out := append([]object.Value(nil), items...)
		for _, item := range out {
			vm.heap.IncRef(item)
		}
		return out, true, nil
	}
	it, err := vm.getIter(v)
	if err != nil {
		return nil, true, err
	}
	defer vm.heap.DecRef(it)
	var out []object.Value
	for {
		item, ok, err := vm.iterNext(it)
		if err != nil {
			vm.heap.ReleaseAll(out)
			return nil, true, err
		}
		if !ok {
			return out, true, nil
		}
		out = append(out, item)
	}
}
