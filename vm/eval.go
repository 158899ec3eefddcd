package vm

import (
	"strings"

	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/op"
)

func (vm *VM) fetch() int {
	v := vm.code.instructions[vm.ip]
	vm.ip++
	return int(v)
}

// eval executes the current task until it finishes, blocks, or needs the
// host. A returned error ends the whole run.
func (vm *VM) eval() (*FrameExit, error) {
	for vm.current != nil {
		if err := vm.tracker.CheckTime(); err != nil {
			return nil, err
		}
		if vm.heap.ShouldCollect() {
			vm.collectCycles()
		}
		if vm.ip >= len(vm.code.instructions) {
			// Falling off the end of a block returns None.
			vm.start = vm.ip
			if err := vm.doReturn(object.None); err != nil {
				if fatal := vm.throw(err); fatal != nil {
					return nil, fatal
				}
			}
			continue
		}
		vm.start = vm.ip
		opcode := vm.code.instructions[vm.ip]
		if vm.observer != nil && !vm.observeStep(opcode) {
			vm.halted = true
		}
		if vm.halted {
			return nil, ErrHalted
		}
		vm.ip++
		err := vm.exec(opcode)
		if err == nil {
			continue
		}
		if he, ok := err.(*hostExit); ok {
			return vm.suspend(he.call), nil
		}
		if fatal := vm.throw(err); fatal != nil {
			return nil, fatal
		}
	}
	return nil, nil
}

func (vm *VM) exec(opcode op.Code) error {
	t := vm.current
	h := vm.heap
	switch opcode {
	case op.Nop:
	case op.Call:
		argc := vm.fetch()
		args := t.popN(argc)
		callee := t.pop()
		return vm.call(callee, args)
	case op.ReturnValue:
		return vm.doReturn(t.pop())
	case op.YieldValue:
		return vm.yield(t.pop())
	case op.Await:
		return vm.await()

	case op.JumpBackward:
		delta := vm.fetch()
		vm.ip = vm.start - delta
	case op.JumpForward:
		delta := vm.fetch()
		vm.ip = vm.start + delta
	case op.PopJumpForwardIfFalse, op.PopJumpForwardIfTrue:
		delta := vm.fetch()
		v := t.pop()
		truth := h.Truthy(v)
		h.DecRef(v)
		if truth == (opcode == op.PopJumpForwardIfTrue) {
			vm.ip = vm.start + delta
		}
	case op.PopJumpForwardIfNone, op.PopJumpForwardIfNotNone:
		delta := vm.fetch()
		v := t.pop()
		isNone := v.IsNone()
		h.DecRef(v)
		if isNone == (opcode == op.PopJumpForwardIfNone) {
			vm.ip = vm.start + delta
		}

	case op.LoadAttr:
		i := vm.fetch()
		obj := t.pop()
		v, err := vm.getAttr(obj, vm.code.names[i])
		h.DecRef(obj)
		if err != nil {
			return err
		}
		t.push(v)
	case op.LoadFast:
		i := vm.fetch()
		v := vm.frame.locals[i]
		if v.IsUndefined() {
			return object.Errorf(object.UnboundLocalError,
				"local variable '%s' referenced before assignment", vm.code.LocalNameAt(i))
		}
		h.IncRef(v)
		t.push(v)
	case op.LoadDeref:
		i := vm.fetch()
		v := vm.cellAt(i).V
		if v.IsUndefined() {
			return object.Errorf(object.NameError, "free variable referenced before assignment")
		}
		h.IncRef(v)
		t.push(v)
	case op.LoadGlobal:
		i := vm.fetch()
		v, err := vm.lookupGlobal(vm.code.names[i], vm.code.nameAt(i))
		if err != nil {
			return err
		}
		t.push(v)
	case op.LoadConst:
		i := vm.fetch()
		if vm.code.functions[i] != nil {
			return errz.Internalf("LOAD_CONST of function constant %d", i)
		}
		t.push(vm.code.constants[i])
	case op.LoadName:
		i := vm.fetch()
		ns := h.Get(vm.frame.ns.AsRef()).(*object.Dict)
		if v, ok, err := ns.Get(h, vm.code.names[i]); err != nil {
			return err
		} else if ok {
			h.IncRef(v)
			t.push(v)
			return nil
		}
		v, err := vm.lookupGlobal(vm.code.names[i], vm.code.nameAt(i))
		if err != nil {
			return err
		}
		t.push(v)
	case op.LoadClosure:
		i := vm.fetch()
		cell := vm.frame.cells[i]
		h.IncRef(cell)
		t.push(cell)

	case op.StoreAttr:
		i := vm.fetch()
		obj := t.pop()
		val := t.pop()
		err := vm.setAttr(obj, vm.code.names[i], vm.code.nameAt(i), val)
		h.DecRef(obj)
		return err
	case op.StoreFast:
		i := vm.fetch()
		old := vm.frame.locals[i]
		vm.frame.locals[i] = t.pop()
		h.DecRef(old)
	case op.StoreDeref:
		i := vm.fetch()
		cell := vm.cellAt(i)
		old := cell.V
		cell.V = t.pop()
		h.DecRef(old)
	case op.StoreGlobal:
		i := vm.fetch()
		return h.Get(vm.globals.AsRef()).(*object.Dict).Set(h, vm.code.names[i], t.pop())
	case op.StoreName:
		i := vm.fetch()
		return h.Get(vm.frame.ns.AsRef()).(*object.Dict).Set(h, vm.code.names[i], t.pop())
	case op.DeleteFast:
		i := vm.fetch()
		old := vm.frame.locals[i]
		if old.IsUndefined() {
			return object.Errorf(object.UnboundLocalError,
				"local variable '%s' referenced before assignment", vm.code.LocalNameAt(i))
		}
		vm.frame.locals[i] = object.Undefined
		h.DecRef(old)

	case op.BinaryOp:
		kind := op.BinaryOpType(vm.fetch())
		b := t.pop()
		a := t.pop()
		r, err := vm.binaryOp(kind, a, b)
		h.DecRef(a)
		h.DecRef(b)
		if err != nil {
			return err
		}
		t.push(r)
	case op.CompareOp:
		kind := op.CompareOpType(vm.fetch())
		b := t.pop()
		a := t.pop()
		r, err := vm.compare(kind, a, b)
		h.DecRef(a)
		h.DecRef(b)
		if err != nil {
			return err
		}
		t.push(object.Bool(r))
	case op.UnaryNegative, op.UnaryInvert:
		v := t.pop()
		r, err := vm.unaryOp(opcode, v)
		h.DecRef(v)
		if err != nil {
			return err
		}
		t.push(r)
	case op.UnaryNot:
		v := t.pop()
		truth := h.Truthy(v)
		h.DecRef(v)
		t.push(object.Bool(!truth))
	case op.IsOp:
		invert := vm.fetch() != 0
		b := t.pop()
		a := t.pop()
		same := object.Identical(a, b)
		h.DecRef(a)
		h.DecRef(b)
		t.push(object.Bool(same != invert))
	case op.ContainsOp:
		invert := vm.fetch() != 0
		container := t.pop()
		item := t.pop()
		found, err := vm.contains(container, item)
		h.DecRef(container)
		h.DecRef(item)
		if err != nil {
			return err
		}
		t.push(object.Bool(found != invert))

	case op.BuildList:
		v, err := h.NewList(t.popN(vm.fetch()))
		if err != nil {
			return err
		}
		t.push(v)
	case op.BuildTuple:
		v, err := h.NewTuple(t.popN(vm.fetch()))
		if err != nil {
			return err
		}
		t.push(v)
	case op.BuildDict:
		v, err := vm.buildDict(t.popN(2 * vm.fetch()))
		if err != nil {
			return err
		}
		t.push(v)
	case op.BuildString:
		parts := t.popN(vm.fetch())
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(vm.str(p))
		}
		h.ReleaseAll(parts)
		v, err := vm.newStr(b.String())
		if err != nil {
			return err
		}
		t.push(v)
	case op.ListAppend:
		n := vm.fetch()
		v := t.pop()
		list := t.peek(n - 1)
		if !list.IsRef() || h.Get(list.AsRef()).Tag() != object.TagList {
			h.DecRef(v)
			return errz.Internalf("LIST_APPEND target is %s", vm.typeName(list))
		}
		return h.ListAppend(list, v)

	case op.BinarySubscr:
		idx := t.pop()
		container := t.pop()
		v, err := vm.getItem(container, idx)
		h.DecRef(container)
		h.DecRef(idx)
		if err != nil {
			return err
		}
		t.push(v)
	case op.StoreSubscr:
		idx := t.pop()
		container := t.pop()
		val := t.pop()
		err := vm.setItem(container, idx, val)
		h.DecRef(container)
		h.DecRef(idx)
		return err
	case op.DeleteSubscr:
		idx := t.pop()
		container := t.pop()
		err := vm.deleteItem(container, idx)
		h.DecRef(container)
		h.DecRef(idx)
		return err
	case op.Slice:
		stop := t.pop()
		start := t.pop()
		container := t.pop()
		v, err := vm.slice(container, start, stop)
		h.DecRef(container)
		h.DecRef(start)
		h.DecRef(stop)
		if err != nil {
			return err
		}
		t.push(v)
	case op.UnpackSequence:
		n := vm.fetch()
		seq := t.pop()
		err := vm.unpack(seq, n)
		h.DecRef(seq)
		return err

	case op.Swap:
		n := vm.fetch()
		top := len(t.stack) - 1
		t.stack[top], t.stack[top-n+1] = t.stack[top-n+1], t.stack[top]
	case op.Copy:
		v := t.peek(vm.fetch() - 1)
		h.IncRef(v)
		t.push(v)
	case op.PopTop:
		h.DecRef(t.pop())

	case op.None:
		t.push(object.None)
	case op.False:
		t.push(object.False)
	case op.True:
		t.push(object.True)

	case op.GetIter:
		v := t.pop()
		it, err := vm.getIter(v)
		h.DecRef(v)
		if err != nil {
			return err
		}
		t.push(it)
	case op.ForIter:
		return vm.forIter(vm.start + vm.fetch())

	case op.MakeFunction:
		c := vm.fetch()
		ndefaults := vm.fetch()
		nfree := vm.fetch()
		return vm.makeFunction(c, ndefaults, nfree)
	case op.BuildClass:
		c := vm.fetch()
		name := vm.fetch()
		nbases := vm.fetch()
		return vm.buildClass(c, vm.code.nameAt(name), t.popN(nbases))
	case op.ImportName:
		i := vm.fetch()
		name := vm.code.nameAt(i)
		id, ok := builtins.modules[name]
		if !ok {
			return object.Errorf(object.ModuleNotFoundError, "No module named '%s'", name)
		}
		t.push(object.Builtin(id))

	case op.Raise:
		return vm.raiseOp(vm.fetch())
	case op.Reraise:
		return &raised{exc: t.pop()}
	case op.CheckExcMatch:
		typ := t.pop()
		match, err := vm.excMatches(t.peek(0), typ)
		h.DecRef(typ)
		if err != nil {
			return err
		}
		t.push(object.Bool(match))
	case op.PopExcept:
		if len(t.contexts) == 0 {
			return errz.Internalf("POP_EXCEPT without an active exception")
		}
		ctx := t.contexts[len(t.contexts)-1]
		t.contexts = t.contexts[:len(t.contexts)-1]
		h.DecRef(ctx.Exc)

	default:
		return errz.Internalf("unknown opcode %d at %s:%d", opcode, vm.code.ID(), vm.start)
	}
	return nil
}

func (vm *VM) cellAt(i int) *object.Cell {
	cell, ok := vm.heap.Get(vm.frame.cells[i].AsRef()).(*object.Cell)
	if !ok {
		panic(errz.Internalf("cell %d of %s is not a cell", i, vm.code.ID()))
	}
	return cell
}

// lookupGlobal finds a name in the globals, then the builtins. The result is
// owned by the caller.
func (vm *VM) lookupGlobal(key object.Value, name string) (object.Value, error) {
	h := vm.heap
	v, ok, err := h.Get(vm.globals.AsRef()).(*object.Dict).Get(h, key)
	if err != nil {
		return object.Undefined, err
	}
	if ok {
		h.IncRef(v)
		return v, nil
	}
	if id, ok := builtins.globals[name]; ok {
		return object.Builtin(id), nil
	}
	return object.Undefined, object.Errorf(object.NameError, "name '%s' is not defined", name)
}

func (vm *VM) buildDict(pairs []object.Value) (object.Value, error) {
	h := vm.heap
	d, err := h.NewDict()
	if err != nil {
		h.ReleaseAll(pairs)
		return object.Undefined, err
	}
	dict := h.Get(d.AsRef()).(*object.Dict)
	for i := 0; i < len(pairs); i += 2 {
		if err := dict.Set(h, pairs[i], pairs[i+1]); err != nil {
			h.ReleaseAll(pairs[i+2:])
			h.DecRef(d)
			return object.Undefined, err
		}
	}
	return d, nil
}

func (vm *VM) unpack(seq object.Value, n int) error {
	items, ok := vm.heap.Items(seq)
	if !ok {
		return object.Errorf(object.TypeError, "cannot unpack non-sequence %s", vm.typeName(seq))
	}
	if len(items) < n {
		return object.Errorf(object.ValueError, "not enough values to unpack (expected %d, got %d)", n, len(items))
	}
	if len(items) > n {
		return object.Errorf(object.ValueError, "too many values to unpack (expected %d)", n)
	}
	for i := n - 1; i >= 0; i-- {
		vm.heap.IncRef(items[i])
		vm.current.push(items[i])
	}
	return nil
}

// newStr returns an interned string when the text is already interned and
// allocates a heap string otherwise.
func (vm *VM) newStr(s string) (object.Value, error) {
	if id, ok := vm.heap.Interns().Lookup(s); ok {
		return object.Str(id), nil
	}
	if err := vm.tracker.CheckLargeResult(len(s)); err != nil {
		return object.Undefined, err
	}
	return vm.heap.NewStr(s)
}

func (vm *VM) collectCycles() {
	live := vm.heap.Live()
	freed := vm.heap.Collect()
	vm.logger.Debug().Int("freed", freed).Int("live", live-freed).Msg("cycle collection")
}
