package vm

import (
	"strings"

	"github.com/deepnoodle-ai/pyrite/object"
)

// Methods receive their receiver as args[0].

func (vm *VM) listOf(v object.Value) *object.List {
	return vm.heap.Get(v.AsRef()).(*object.List)
}

func (vm *VM) dictOf(v object.Value) *object.Dict {
	return vm.heap.Get(v.AsRef()).(*object.Dict)
}

func listAppend(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("list.append", args[1:], 1, 1); err != nil {
		return object.Undefined, err
	}
	vm.heap.IncRef(args[1])
	return object.None, vm.heap.ListAppend(args[0], args[1])
}

func listPop(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("pop", args[1:], 0, 1); err != nil {
		return object.Undefined, err
	}
	l := vm.listOf(args[0])
	if len(l.Items) == 0 {
		return object.Undefined, object.Errorf(object.IndexError, "pop from empty list")
	}
	i := len(l.Items) - 1
	if len(args) == 2 {
		var err error
		if i, err = index(args[1], len(l.Items), "pop"); err != nil {
			return object.Undefined, err
		}
	}
	v := l.Items[i]
	l.Items = append(l.Items[:i], l.Items[i+1:]...)
	return v, nil
}

func listInsert(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("insert", args[1:], 2, 2); err != nil {
		return object.Undefined, err
	}
	at, err := intArg("insert", args[1])
	if err != nil {
		return object.Undefined, err
	}
	l := vm.listOf(args[0])
	n := int64(len(l.Items))
	if at < 0 {
		at = max(at+n, 0)
	}
	at = min(at, n)
	if err := vm.heap.Grow(l, 1); err != nil {
		return object.Undefined, err
	}
	vm.heap.IncRef(args[2])
	l.Items = append(l.Items, object.Undefined)
	copy(l.Items[at+1:], l.Items[at:])
	l.Items[at] = args[2]
	return object.None, nil
}

func listExtend(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("extend", args[1:], 1, 1); err != nil {
		return object.Undefined, err
	}
	vm.heap.IncRef(args[0])
	return vm.drain(args[1], collectPost.extend, postExtend, args[0])
}

// postExtend appends the items of args[0] to the list args[1].
func postExtend(vm *VM, args []object.Value) (object.Value, error) {
	items, _ := vm.heap.Items(args[0])
	l := vm.listOf(args[1])
	if err := vm.heap.Grow(l, len(items)); err != nil {
		return object.Undefined, err
	}
	l.Items = append(l.Items, vm.owned(append([]object.Value(nil), items...)...)...)
	return object.None, nil
}

func dictGet(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("get", args[1:], 1, 2); err != nil {
		return object.Undefined, err
	}
	v, ok, err := vm.dictOf(args[0]).Get(vm.heap, args[1])
	if err != nil {
		return object.Undefined, err
	}
	if !ok {
		v = object.None
		if len(args) == 3 {
			v = args[2]
		}
	}
	vm.heap.IncRef(v)
	return v, nil
}

func dictPop(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("pop", args[1:], 1, 2); err != nil {
		return object.Undefined, err
	}
	h := vm.heap
	d := vm.dictOf(args[0])
	v, ok, err := d.Get(h, args[1])
	if err != nil {
		return object.Undefined, err
	}
	if !ok {
		if len(args) == 3 {
			h.IncRef(args[2])
			return args[2], nil
		}
		return object.Undefined, object.Errorf(object.KeyError, "%s", vm.repr(args[1]))
	}
	h.IncRef(v)
	if _, err := d.Delete(h, args[1]); err != nil {
		h.DecRef(v)
		return object.Undefined, err
	}
	return v, nil
}

// dictView materializes keys, values or items as a list. The list is a
// copy; later changes to the dict do not show through it.
func (vm *VM) dictView(name string, args []object.Value, pick func(k, v object.Value) (object.Value, error)) (object.Value, error) {
	if err := arity(name, args[1:], 0, 0); err != nil {
		return object.Undefined, err
	}
	d := vm.dictOf(args[0])
	out := make([]object.Value, 0, d.Len())
	var perr error
	d.Each(func(k, v object.Value) bool {
		var item object.Value
		item, perr = pick(k, v)
		if perr != nil {
			return false
		}
		out = append(out, item)
		return true
	})
	if perr != nil {
		vm.heap.ReleaseAll(out)
		return object.Undefined, perr
	}
	return vm.heap.NewList(out)
}

func dictKeys(vm *VM, args []object.Value) (object.Value, error) {
	return vm.dictView("keys", args, func(k, _ object.Value) (object.Value, error) {
		vm.heap.IncRef(k)
		return k, nil
	})
}

func dictValues(vm *VM, args []object.Value) (object.Value, error) {
	return vm.dictView("values", args, func(_, v object.Value) (object.Value, error) {
		vm.heap.IncRef(v)
		return v, nil
	})
}

func dictItems(vm *VM, args []object.Value) (object.Value, error) {
	return vm.dictView("items", args, func(k, v object.Value) (object.Value, error) {
		return vm.heap.NewTuple(vm.owned(k, v))
	})
}

func strJoin(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("join", args[1:], 1, 1); err != nil {
		return object.Undefined, err
	}
	vm.heap.IncRef(args[0])
	return vm.drain(args[1], collectPost.join, postJoin, args[0])
}

// postJoin joins the strings in args[0] with the separator args[1].
func postJoin(vm *VM, args []object.Value) (object.Value, error) {
	items, _ := vm.heap.Items(args[0])
	sep, _ := vm.heap.StrOf(args[1])
	parts := make([]string, len(items))
	size := 0
	for i, item := range items {
		s, ok := vm.heap.StrOf(item)
		if !ok {
			return object.Undefined, object.Errorf(object.TypeError,
				"sequence item %d: expected str instance, %s found", i, vm.typeName(item))
		}
		parts[i] = s
		size += len(s) + len(sep)
	}
	if err := vm.tracker.CheckLargeResult(size); err != nil {
		return object.Undefined, err
	}
	return vm.newStr(strings.Join(parts, sep))
}

// receiver returns the string a str method was called on.
func (vm *VM) receiver(name string, args []object.Value, lo, hi int) (string, error) {
	if err := arity(name, args[1:], lo, hi); err != nil {
		return "", err
	}
	s, _ := vm.heap.StrOf(args[0])
	return s, nil
}

func (vm *VM) strArg(name string, v object.Value) (string, error) {
	s, ok := vm.heap.StrOf(v)
	if !ok {
		return "", object.Errorf(object.TypeError, "%s() argument must be str, not %s", name, vm.typeName(v))
	}
	return s, nil
}

func strUpper(vm *VM, args []object.Value) (object.Value, error) {
	s, err := vm.receiver("upper", args, 0, 0)
	if err != nil {
		return object.Undefined, err
	}
	return vm.newStr(strings.ToUpper(s))
}

func strLower(vm *VM, args []object.Value) (object.Value, error) {
	s, err := vm.receiver("lower", args, 0, 0)
	if err != nil {
		return object.Undefined, err
	}
	return vm.newStr(strings.ToLower(s))
}

func strStrip(vm *VM, args []object.Value) (object.Value, error) {
	s, err := vm.receiver("strip", args, 0, 1)
	if err != nil {
		return object.Undefined, err
	}
	if len(args) == 2 && !args[1].IsNone() {
		chars, err := vm.strArg("strip", args[1])
		if err != nil {
			return object.Undefined, err
		}
		return vm.newStr(strings.Trim(s, chars))
	}
	return vm.newStr(strings.TrimSpace(s))
}

func strSplit(vm *VM, args []object.Value) (object.Value, error) {
	s, err := vm.receiver("split", args, 0, 1)
	if err != nil {
		return object.Undefined, err
	}
	var parts []string
	if len(args) == 2 && !args[1].IsNone() {
		sep, err := vm.strArg("split", args[1])
		if err != nil {
			return object.Undefined, err
		}
		if sep == "" {
			return object.Undefined, object.Errorf(object.ValueError, "empty separator")
		}
		parts = strings.Split(s, sep)
	} else {
		parts = strings.Fields(s)
	}
	out := make([]object.Value, 0, len(parts))
	for _, p := range parts {
		v, err := vm.newStr(p)
		if err != nil {
			vm.heap.ReleaseAll(out)
			return object.Undefined, err
		}
		out = append(out, v)
	}
	return vm.heap.NewList(out)
}

func strStartsWith(vm *VM, args []object.Value) (object.Value, error) {
	return vm.affix("startswith", args, strings.HasPrefix)
}

func strEndsWith(vm *VM, args []object.Value) (object.Value, error) {
	return vm.affix("endswith", args, strings.HasSuffix)
}

// affix tests a prefix or suffix, which may be a tuple of alternatives.
func (vm *VM) affix(name string, args []object.Value, test func(s, affix string) bool) (object.Value, error) {
	s, err := vm.receiver(name, args, 1, 1)
	if err != nil {
		return object.Undefined, err
	}
	candidates := []object.Value{args[1]}
	if tagOf(vm.heap, args[1]) == object.TagTuple {
		candidates, _ = vm.heap.Items(args[1])
	}
	for _, c := range candidates {
		a, ok := vm.heap.StrOf(c)
		if !ok {
			return object.Undefined, object.Errorf(object.TypeError,
				"%s first arg must be str or a tuple of str, not %s", name, vm.typeName(c))
		}
		if test(s, a) {
			return object.True, nil
		}
	}
	return object.False, nil
}

func strReplace(vm *VM, args []object.Value) (object.Value, error) {
	s, err := vm.receiver("replace", args, 2, 3)
	if err != nil {
		return object.Undefined, err
	}
	old, err := vm.strArg("replace", args[1])
	if err != nil {
		return object.Undefined, err
	}
	repl, err := vm.strArg("replace", args[2])
	if err != nil {
		return object.Undefined, err
	}
	count := int64(-1)
	if len(args) == 4 {
		if count, err = intArg("replace", args[3]); err != nil {
			return object.Undefined, err
		}
	}
	if n := int64(strings.Count(s, old)); len(repl) > len(old) && n > 0 {
		if count >= 0 && count < n {
			n = count
		}
		if err := vm.tracker.CheckLargeResult(len(s) + int(n)*(len(repl)-len(old))); err != nil {
			return object.Undefined, err
		}
	}
	return vm.newStr(strings.Replace(s, old, repl, int(count)))
}
