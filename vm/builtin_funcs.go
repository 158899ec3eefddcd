package vm

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/op"
)

func arity(name string, args []object.Value, lo, hi int) error {
	n := len(args)
	switch {
	case n >= lo && n <= hi:
		return nil
	case lo == hi && lo == 1:
		return object.Errorf(object.TypeError, "%s() takes exactly one argument (%d given)", name, n)
	case lo == hi:
		return object.Errorf(object.TypeError, "%s() takes exactly %d arguments (%d given)", name, lo, n)
	case n < lo:
		return object.Errorf(object.TypeError, "%s expected at least %d arguments, got %d", name, lo, n)
	default:
		return object.Errorf(object.TypeError, "%s expected at most %d arguments, got %d", name, hi, n)
	}
}

func intArg(name string, v object.Value) (int64, error) {
	if !isInt(v) {
		return 0, object.Errorf(object.TypeError, "%s() argument must be int, not %s", name, kindName(v))
	}
	return v.AsInt(), nil
}

// owned adds a reference to each value, for passing borrowed arguments on
// as owned ones.
func (vm *VM) owned(values ...object.Value) []object.Value {
	for _, v := range values {
		vm.heap.IncRef(v)
	}
	return values
}

func builtinPrint(vm *VM, args []object.Value) (object.Value, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = vm.str(a)
	}
	fmt.Fprintln(vm.out, strings.Join(parts, " "))
	return object.None, nil
}

func builtinLen(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("len", args, 1, 1); err != nil {
		return object.Undefined, err
	}
	h := vm.heap
	v := args[0]
	if s, ok := h.StrOf(v); ok {
		return object.Int(int64(utf8.RuneCountInString(s))), nil
	}
	if b, ok := h.BytesOf(v); ok {
		return object.Int(int64(len(b))), nil
	}
	if items, ok := h.Items(v); ok {
		return object.Int(int64(len(items))), nil
	}
	if v.IsRef() {
		switch p := h.Get(v.AsRef()).(type) {
		case *object.Dict:
			return object.Int(int64(p.Len())), nil
		case *object.Range:
			return object.Int(p.Len()), nil
		}
	}
	return object.Undefined, object.Errorf(object.TypeError, "object of type '%s' has no len()", vm.typeName(v))
}

func builtinRange(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("range", args, 1, 3); err != nil {
		return object.Undefined, err
	}
	nums := make([]int64, len(args))
	for i, a := range args {
		if !isInt(a) {
			return object.Undefined, object.Errorf(object.TypeError, "'%s' object cannot be interpreted as an integer", vm.typeName(a))
		}
		nums[i] = a.AsInt()
	}
	r := &object.Range{Step: 1}
	switch len(nums) {
	case 1:
		r.Stop = nums[0]
	case 2:
		r.Start, r.Stop = nums[0], nums[1]
	case 3:
		r.Start, r.Stop, r.Step = nums[0], nums[1], nums[2]
	}
	if r.Step == 0 {
		return object.Undefined, object.Errorf(object.ValueError, "range() arg 3 must not be zero")
	}
	return vm.heap.Allocate(r)
}

func builtinStr(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("str", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	if len(args) == 0 {
		return vm.newStr("")
	}
	if _, ok := vm.heap.StrOf(args[0]); ok {
		vm.heap.IncRef(args[0])
		return args[0], nil
	}
	return vm.newStr(vm.str(args[0]))
}

func builtinRepr(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("repr", args, 1, 1); err != nil {
		return object.Undefined, err
	}
	return vm.newStr(vm.repr(args[0]))
}

func builtinInt(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("int", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	if len(args) == 0 {
		return object.Int(0), nil
	}
	v := args[0]
	switch v.Kind() {
	case object.KindInt, object.KindBool:
		return object.Int(v.AsInt()), nil
	case object.KindFloat:
		f := v.AsFloat()
		switch {
		case math.IsNaN(f):
			return object.Undefined, object.Errorf(object.ValueError, "cannot convert float NaN to integer")
		case math.IsInf(f, 0):
			return object.Undefined, object.Errorf(object.OverflowError, "cannot convert float infinity to integer")
		case f >= 9.223372036854775807e18 || f < -9.223372036854775808e18:
			return object.Undefined, object.Errorf(object.OverflowError, "int too large to convert")
		}
		return object.Int(int64(f)), nil
	}
	if s, ok := vm.heap.StrOf(v); ok {
		text := strings.ReplaceAll(strings.TrimSpace(s), "_", "")
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
				return object.Undefined, object.Errorf(object.OverflowError, "int too large to convert")
			}
			return object.Undefined, object.Errorf(object.ValueError, "invalid literal for int() with base 10: %s", quote(s))
		}
		return object.Int(n), nil
	}
	return object.Undefined, object.Errorf(object.TypeError,
		"int() argument must be a string or a real number, not '%s'", vm.typeName(v))
}

func builtinFloat(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("float", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	if len(args) == 0 {
		return object.Float(0), nil
	}
	if f, ok := object.AsFloat64(args[0]); ok {
		return object.Float(f), nil
	}
	if s, ok := vm.heap.StrOf(args[0]); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
				return object.Undefined, object.Errorf(object.ValueError, "could not convert string to float: %s", quote(s))
			}
		}
		return object.Float(f), nil
	}
	return object.Undefined, object.Errorf(object.TypeError,
		"float() argument must be a string or a real number, not '%s'", vm.typeName(args[0]))
}

func builtinBool(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("bool", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	if len(args) == 0 {
		return object.False, nil
	}
	return object.Bool(vm.heap.Truthy(args[0])), nil
}

func builtinBytes(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("bytes", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	if len(args) == 0 {
		return vm.heap.NewBytes(nil)
	}
	v := args[0]
	if b, ok := vm.heap.BytesOf(v); ok {
		return vm.heap.NewBytes(append([]byte(nil), b...))
	}
	if isInt(v) {
		n := v.AsInt()
		if n < 0 {
			return object.Undefined, object.Errorf(object.ValueError, "negative count")
		}
		if n > math.MaxInt32 {
			n = math.MaxInt32
		}
		if err := vm.tracker.CheckLargeResult(int(n)); err != nil {
			return object.Undefined, err
		}
		return vm.heap.NewBytes(make([]byte, n))
	}
	items, ok := vm.heap.Items(v)
	if !ok {
		return object.Undefined, object.Errorf(object.TypeError, "cannot convert '%s' object to bytes", vm.typeName(v))
	}
	out := make([]byte, len(items))
	for i, item := range items {
		if !isInt(item) || item.AsInt() < 0 || item.AsInt() > 255 {
			return object.Undefined, object.Errorf(object.ValueError, "bytes must be in range(0, 256)")
		}
		out[i] = byte(item.AsInt())
	}
	return vm.heap.NewBytes(out)
}

// drain hands the items of an iterable to post. Generators are drained by
// running them with a collect continuation, in which case post runs later
// and the result is pushed by callBuiltin; extra are owned.
func (vm *VM) drain(v object.Value, postID uint32, post builtinFunc, extra ...object.Value) (object.Value, error) {
	items, ok, err := vm.items(v)
	if err != nil {
		vm.heap.ReleaseAll(extra)
		return object.Undefined, err
	}
	if !ok {
		return object.Undefined, vm.collect(v, postID, extra)
	}
	list, err := vm.heap.NewList(items)
	if err != nil {
		vm.heap.ReleaseAll(extra)
		return object.Undefined, err
	}
	args := append([]object.Value{list}, extra...)
	defer vm.heap.ReleaseAll(args)
	return post(vm, args)
}

func builtinList(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("list", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	if len(args) == 0 {
		return vm.heap.NewList(nil)
	}
	return vm.drain(args[0], collectPost.list, postIdentity)
}

func postIdentity(vm *VM, args []object.Value) (object.Value, error) {
	vm.heap.IncRef(args[0])
	return args[0], nil
}

func builtinTuple(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("tuple", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	if len(args) == 0 {
		return vm.heap.NewTuple(nil)
	}
	if tagOf(vm.heap, args[0]) == object.TagTuple {
		vm.heap.IncRef(args[0])
		return args[0], nil
	}
	return vm.drain(args[0], collectPost.tuple, postTuple)
}

func postTuple(vm *VM, args []object.Value) (object.Value, error) {
	items, _ := vm.heap.Items(args[0])
	return vm.heap.NewTuple(vm.owned(append([]object.Value(nil), items...)...))
}

func builtinDict(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("dict", args, 0, 1); err != nil {
		return object.Undefined, err
	}
	h := vm.heap
	if len(args) == 0 {
		return h.NewDict()
	}
	if src, ok := h.Payload(args[0]); ok {
		if d, ok := src.(*object.Dict); ok {
			out, err := h.NewDict()
			if err != nil {
				return object.Undefined, err
			}
			dict := h.Get(out.AsRef()).(*object.Dict)
			var serr error
			d.Each(func(k, v object.Value) bool {
				h.IncRef(k)
				h.IncRef(v)
				serr = dict.Set(h, k, v)
				return serr == nil
			})
			if serr != nil {
				h.DecRef(out)
				return object.Undefined, serr
			}
			return out, nil
		}
	}
	return vm.drain(args[0], collectPost.dict, postDict)
}

func postDict(vm *VM, args []object.Value) (object.Value, error) {
	h := vm.heap
	pairs, _ := h.Items(args[0])
	out, err := h.NewDict()
	if err != nil {
		return object.Undefined, err
	}
	dict := h.Get(out.AsRef()).(*object.Dict)
	for i, pair := range pairs {
		kv, ok := h.Items(pair)
		if !ok || len(kv) != 2 {
			h.DecRef(out)
			return object.Undefined, object.Errorf(object.ValueError,
				"dictionary update sequence element #%d has the wrong length", i)
		}
		if err := dict.Set(h, vm.owned(kv[0])[0], vm.owned(kv[1])[0]); err != nil {
			h.DecRef(out)
			return object.Undefined, err
		}
	}
	return out, nil
}

func builtinIsInstance(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("isinstance", args, 2, 2); err != nil {
		return object.Undefined, err
	}
	match, err := vm.isInstance(args[0], args[1])
	return object.Bool(match), err
}

func (vm *VM) isInstance(v, typ object.Value) (bool, error) {
	h := vm.heap
	if tagOf(h, typ) == object.TagTuple {
		items, _ := h.Items(typ)
		for _, item := range items {
			match, err := vm.isInstance(v, item)
			if err != nil || match {
				return match, err
			}
		}
		return false, nil
	}
	switch typ.Kind() {
	case object.KindBuiltin:
		def := builtins.defs[typ.AsBuiltin()]
		switch def.kind {
		case kindType:
			name := vm.typeName(v)
			return name == def.name || (def.name == "int" && name == "bool"), nil
		case kindExcType:
			if e, ok := h.Payload(v); ok {
				if exc, ok := e.(*object.ExceptionInstance); ok {
					return exc.Type.IsSubclass(def.exc), nil
				}
			}
			return false, nil
		}
	case object.KindRef:
		if _, ok := h.Get(typ.AsRef()).(*object.Class); ok {
			if p, ok := h.Payload(v); ok {
				switch o := p.(type) {
				case *object.Instance:
					return vm.isSubclass(o.Class, typ), nil
				case *object.ExceptionInstance:
					return !o.Class.IsUndefined() && vm.isSubclass(o.Class, typ), nil
				}
			}
			return false, nil
		}
	}
	return false, object.Errorf(object.TypeError, "isinstance() arg 2 must be a type or tuple of types")
}

func builtinAbs(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("abs", args, 1, 1); err != nil {
		return object.Undefined, err
	}
	v := args[0]
	switch {
	case v.Kind() == object.KindFloat:
		return object.Float(math.Abs(v.AsFloat())), nil
	case isInt(v):
		n := v.AsInt()
		if n == math.MinInt64 {
			return object.Undefined, object.Errorf(object.OverflowError, "integer overflow in abs")
		}
		if n < 0 {
			n = -n
		}
		return object.Int(n), nil
	}
	return object.Undefined, object.Errorf(object.TypeError, "bad operand type for abs(): '%s'", vm.typeName(v))
}

func builtinMin(vm *VM, args []object.Value) (object.Value, error) {
	return vm.extreme("min", args, collectPost.min, postMin)
}

func builtinMax(vm *VM, args []object.Value) (object.Value, error) {
	return vm.extreme("max", args, collectPost.max, postMax)
}

func (vm *VM) extreme(name string, args []object.Value, postID uint32, post builtinFunc) (object.Value, error) {
	if len(args) == 0 {
		return object.Undefined, object.Errorf(object.TypeError, "%s expected at least 1 argument, got 0", name)
	}
	if len(args) == 1 {
		return vm.drain(args[0], postID, post)
	}
	return vm.pick(name, args, name == "max")
}

func postMin(vm *VM, args []object.Value) (object.Value, error) {
	items, _ := vm.heap.Items(args[0])
	return vm.pick("min", items, false)
}

func postMax(vm *VM, args []object.Value) (object.Value, error) {
	items, _ := vm.heap.Items(args[0])
	return vm.pick("max", items, true)
}

// pick returns the smallest or largest of items; the first wins ties.
func (vm *VM) pick(name string, items []object.Value, largest bool) (object.Value, error) {
	if len(items) == 0 {
		return object.Undefined, object.Errorf(object.ValueError, "%s() arg is an empty sequence", name)
	}
	best := items[0]
	for _, item := range items[1:] {
		var better bool
		var err error
		if largest {
			better, err = vm.less(best, item)
		} else {
			better, err = vm.less(item, best)
		}
		if err != nil {
			return object.Undefined, err
		}
		if better {
			best = item
		}
	}
	vm.heap.IncRef(best)
	return best, nil
}

func builtinSum(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("sum", args, 1, 2); err != nil {
		return object.Undefined, err
	}
	start := object.Int(0)
	if len(args) == 2 {
		start = args[1]
	}
	return vm.drain(args[0], collectPost.sum, postSum, vm.owned(start)...)
}

func postSum(vm *VM, args []object.Value) (object.Value, error) {
	items, _ := vm.heap.Items(args[0])
	total := args[1]
	vm.heap.IncRef(total)
	for _, item := range items {
		next, err := vm.binaryOp(op.Add, total, item)
		vm.heap.DecRef(total)
		if err != nil {
			return object.Undefined, err
		}
		total = next
	}
	return total, nil
}

func builtinSorted(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("sorted", args, 1, 1); err != nil {
		return object.Undefined, err
	}
	return vm.drain(args[0], collectPost.sorted, postSorted)
}

func postSorted(vm *VM, args []object.Value) (object.Value, error) {
	items, _ := vm.heap.Items(args[0])
	out := append([]object.Value(nil), items...)
	var err error
	sort.SliceStable(out, func(i, j int) bool {
		if err != nil {
			return false
		}
		var less bool
		less, err = vm.less(out[i], out[j])
		return less
	})
	if err != nil {
		return object.Undefined, err
	}
	return vm.heap.NewList(vm.owned(out...))
}

func builtinEnumerate(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("enumerate", args, 1, 2); err != nil {
		return object.Undefined, err
	}
	start := int64(0)
	if len(args) == 2 {
		n, err := intArg("enumerate", args[1])
		if err != nil {
			return object.Undefined, err
		}
		start = n
	}
	if _, ok := vm.generator(args[0]); ok {
		return object.Undefined, vm.collect(args[0], collectPost.enumerate, []object.Value{object.Int(start)})
	}
	return vm.enumerate(args[0], start)
}

func postEnumerate(vm *VM, args []object.Value) (object.Value, error) {
	return vm.enumerate(args[0], args[1].AsInt())
}

func (vm *VM) enumerate(v object.Value, start int64) (object.Value, error) {
	it, err := vm.getIter(v)
	if err != nil {
		return object.Undefined, err
	}
	return vm.heap.Allocate(&object.Iter{Source: it, Enumerate: true, Count: start})
}

func builtinNext(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("next", args, 1, 2); err != nil {
		return object.Undefined, err
	}
	it := args[0]
	if _, ok := vm.generator(it); ok {
		return object.Undefined, vm.resume(it, continuation{onExhaust: exhaustRaise, postArgs: vm.owned(args[1:]...)})
	}
	if tagOf(vm.heap, it) != object.TagIter {
		return object.Undefined, object.Errorf(object.TypeError, "'%s' object is not an iterator", vm.typeName(it))
	}
	v, ok, err := vm.iterNext(it)
	if err != nil {
		return object.Undefined, err
	}
	if ok {
		return v, nil
	}
	if len(args) == 2 {
		vm.heap.IncRef(args[1])
		return args[1], nil
	}
	return object.Undefined, object.Errorf(object.StopIteration, "")
}

func builtinIter(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("iter", args, 1, 1); err != nil {
		return object.Undefined, err
	}
	return vm.getIter(args[0])
}

func builtinGCCollect(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("gc_collect", args, 0, 0); err != nil {
		return object.Undefined, err
	}
	live := vm.heap.Live()
	freed := vm.heap.Collect()
	vm.logger.Debug().Int("freed", freed).Int("live", live-freed).Msg("cycle collection requested")
	return object.Int(int64(freed)), nil
}

func asyncioGather(vm *VM, args []object.Value) (object.Value, error) {
	return vm.gather(args)
}

func asyncioCreateTask(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("create_task", args, 1, 1); err != nil {
		return object.Undefined, err
	}
	return vm.spawn(vm.owned(args[0])[0])
}

func weakrefRef(vm *VM, args []object.Value) (object.Value, error) {
	if err := arity("ref", args, 1, 1); err != nil {
		return object.Undefined, err
	}
	v := args[0]
	if !v.IsRef() {
		return object.Undefined, object.Errorf(object.TypeError, "cannot create weak reference to '%s' object", vm.typeName(v))
	}
	return vm.heap.Allocate(&object.WeakRef{Target: v.AsRef(), Gen: vm.heap.Generation(v.AsRef())})
}
