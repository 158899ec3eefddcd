package vm

import (
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
)

// yield implements YIELD_VALUE. The frame is parked in its generator and
// the value handed to the caller, except when the caller collects every
// value, in which case the frame keeps running.
func (vm *VM) yield(v object.Value) error {
	t := vm.current
	h := vm.heap
	f := vm.frame
	if f.cont.kind != contGenerator {
		h.DecRef(v)
		return errz.Internalf("YIELD_VALUE outside a generator in %s", f.code.ID())
	}
	gen := h.Get(f.cont.gen.AsRef()).(*object.Generator)
	if gen.Coroutine {
		h.DecRef(v)
		return object.Errorf(object.TypeError, "'yield' inside coroutine %s", gen.Name)
	}
	if f.cont.onExhaust == exhaustCollect {
		return h.ListAppend(f.cont.collect, v)
	}

	vm.sync()
	t.frames = t.frames[:len(t.frames)-1]
	saved := &object.SavedFrame{
		CodeID: f.code.ID(),
		Code:   f.code.Code,
		IP:     f.ip,
		Fn:     f.fn,
		Locals: f.locals,
		Cells:  f.cells,
	}
	if len(t.stack) > f.base {
		saved.Stack = append([]object.Value(nil), t.stack[f.base:]...)
		t.stack = t.stack[:f.base]
	}
	for len(t.contexts) > 0 && t.contexts[len(t.contexts)-1].Depth > f.base {
		c := t.contexts[len(t.contexts)-1]
		saved.Contexts = append([]object.SavedContext{{Exc: c.Exc, Depth: c.Depth - f.base}}, saved.Contexts...)
		t.contexts = t.contexts[:len(t.contexts)-1]
	}
	gen.Frame = saved
	gen.State = object.GenSuspended
	f.fn, f.locals, f.cells = object.Undefined, nil, nil
	vm.observeReturn(t, f, false)
	vm.releaseFrame(f)
	vm.reload()
	t.push(v)
	return nil
}

// resume runs a generator for one more value. genVal is borrowed; cont is
// owned and must have gen unset.
func (vm *VM) resume(genVal object.Value, cont continuation) error {
	h := vm.heap
	gen := h.Get(genVal.AsRef()).(*object.Generator)
	switch gen.State {
	case object.GenRunning:
		cont.values(h.DecRef)
		return object.Errorf(object.ValueError, "generator already executing")
	case object.GenDone:
		return vm.exhausted(cont)
	}
	if err := vm.checkDepth(); err != nil {
		cont.values(h.DecRef)
		return err
	}
	h.IncRef(genVal)
	cont.kind = contGenerator
	cont.gen = genVal
	vm.sync()
	f := vm.activate(vm.current, genVal, gen, cont)
	vm.enter(f)
	vm.observeCall(f, 0)
	return nil
}

// exhausted applies cont as if a finished generator had just returned.
func (vm *VM) exhausted(cont continuation) error {
	t := vm.current
	h := vm.heap
	switch cont.onExhaust {
	case exhaustJump:
		h.DecRef(t.pop())
		vm.ip = cont.target
		return nil
	case exhaustRaise:
		if len(cont.postArgs) > 0 {
			t.push(cont.postArgs[0])
			return nil
		}
		return object.Errorf(object.StopIteration, "")
	case exhaustCollect:
		return vm.callBuiltin(cont.post, append([]object.Value{cont.collect}, cont.postArgs...))
	}
	cont.values(h.DecRef)
	return object.Errorf(object.RuntimeError, "cannot reuse already awaited coroutine")
}

// collect drains a generator into a new list and then calls builtin post
// with the list followed by postArgs. post runs when the generator is
// exhausted, so the builtin pushes the final result itself. postArgs is
// owned.
func (vm *VM) collect(genVal object.Value, post uint32, postArgs []object.Value) error {
	list, err := vm.heap.NewList(nil)
	if err != nil {
		vm.heap.ReleaseAll(postArgs)
		return err
	}
	return vm.resume(genVal, continuation{
		onExhaust: exhaustCollect,
		collect:   list,
		post:      post,
		postArgs:  postArgs,
	})
}

// generator returns the plain generator behind v, if any.
func (vm *VM) generator(v object.Value) (*object.Generator, bool) {
	if !v.IsRef() {
		return nil, false
	}
	gen, ok := vm.heap.Get(v.AsRef()).(*object.Generator)
	if !ok || gen.Coroutine {
		return nil, false
	}
	return gen, true
}
