package vm

import (
	"errors"

	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/resource"
)

// raised carries an exception object through Go error returns. The error
// owns the reference.
type raised struct {
	exc object.Value
}

func (r *raised) Error() string {
	return "guest exception"
}

// throw starts unwinding the current task for err. Errors the guest cannot
// catch are returned unchanged.
func (vm *VM) throw(err error) error {
	exc, fatal := vm.exceptionFor(err)
	if fatal != nil {
		return fatal
	}
	vm.raise(exc)
	return nil
}

// exceptionFor converts a catchable error into an owned exception object.
func (vm *VM) exceptionFor(err error) (object.Value, error) {
	var ge *object.GuestError
	switch {
	case isRaised(err):
		return err.(*raised).exc, nil
	case errors.As(err, &ge):
		exc, aerr := vm.heap.NewException(ge.Type, ge.Message)
		if aerr != nil {
			return object.Undefined, aerr
		}
		return exc, nil
	}
	if le, ok := resource.AsLimitError(err); ok {
		if !le.Catchable() {
			return object.Undefined, err
		}
		exc, aerr := vm.heap.NewException(object.RecursionError, le.Error())
		if aerr != nil {
			return object.Undefined, aerr
		}
		return exc, nil
	}
	return object.Undefined, err
}

func isRaised(err error) bool {
	_, ok := err.(*raised)
	return ok
}

// raise records the traceback and implicit context of exc, then unwinds.
func (vm *VM) raise(exc object.Value) {
	t := vm.current
	if e, ok := vm.heap.Get(exc.AsRef()).(*object.ExceptionInstance); ok {
		if e.Trace == nil {
			e.Trace = vm.stackTrace()
		}
		if n := len(t.contexts); n > 0 && e.Context.IsUndefined() {
			active := t.contexts[n-1].Exc
			if !object.Identical(active, exc) && !vm.inContextChain(active, exc) {
				vm.heap.IncRef(active)
				e.Context = active
			}
		}
	}
	vm.unwind(exc)
}

// inContextChain reports whether target is reachable from exc through
// __context__ links.
func (vm *VM) inContextChain(exc, target object.Value) bool {
	for i := 0; i < maxDepth && exc.IsRef(); i++ {
		if object.Identical(exc, target) {
			return true
		}
		e, ok := vm.heap.Get(exc.AsRef()).(*object.ExceptionInstance)
		if !ok {
			return false
		}
		exc = e.Context
	}
	return false
}

// unwind transfers control to the innermost handler covering the failing
// instruction, popping frames that have none. An exception escaping the
// task's base frame ends the task.
func (vm *VM) unwind(exc object.Value) {
	t := vm.current
	vm.sync()
	for len(t.frames) > 0 {
		f := t.frames[len(t.frames)-1]
		if hd, ok := f.code.HandlerFor(f.lastIP); ok {
			target := f.base + hd.StackDepth
			if target > len(t.stack) {
				panic(errz.Internalf("handler in %s expects stack height %d, have %d", f.code.ID(), target, len(t.stack)))
			}
			vm.truncate(t, target)
			vm.dropContexts(t, target)
			t.push(exc)
			vm.heap.IncRef(exc)
			t.contexts = append(t.contexts, excContext{Exc: exc, Depth: len(t.stack)})
			f.ip = hd.HandlerStart
			f.lastIP = hd.HandlerStart
			vm.reload()
			return
		}
		t.frames = t.frames[:len(t.frames)-1]
		vm.truncate(t, f.base)
		vm.dropContexts(t, f.base)
		if f.cont.kind == contGenerator {
			gen := vm.heap.Get(f.cont.gen.AsRef()).(*object.Generator)
			gen.State = object.GenDone
			gen.Frame = nil
		}
		vm.observeReturn(t, f, true)
		vm.releaseFrame(f)
	}
	vm.endTask(t, object.Undefined, exc)
}

// raiseOp implements RAISE.
func (vm *VM) raiseOp(form int) error {
	t := vm.current
	h := vm.heap
	switch form {
	case 0:
		if len(t.contexts) == 0 {
			return object.Errorf(object.RuntimeError, "No active exception to reraise")
		}
		exc := t.contexts[len(t.contexts)-1].Exc
		h.IncRef(exc)
		return &raised{exc: exc}
	case 1:
		v := t.pop()
		exc, err := vm.makeException(v)
		if err != nil {
			return err
		}
		return &raised{exc: exc}
	case 2:
		cause := t.pop()
		v := t.pop()
		exc, err := vm.makeException(v)
		if err != nil {
			h.DecRef(cause)
			return err
		}
		if !cause.IsNone() {
			if cause, err = vm.makeException(cause); err != nil {
				h.DecRef(exc)
				return err
			}
		}
		e := h.Get(exc.AsRef()).(*object.ExceptionInstance)
		h.DecRef(e.Cause)
		e.Cause = cause
		return &raised{exc: exc}
	}
	return errz.Internalf("invalid RAISE form %d", form)
}

// makeException turns the operand of raise into an exception object:
// instances are used as is, classes are instantiated without arguments.
// v is consumed.
func (vm *VM) makeException(v object.Value) (object.Value, error) {
	h := vm.heap
	switch v.Kind() {
	case object.KindBuiltin:
		if t, ok := builtins.excType(v.AsBuiltin()); ok {
			return h.Allocate(&object.ExceptionInstance{Type: t})
		}
	case object.KindRef:
		switch p := h.Get(v.AsRef()).(type) {
		case *object.ExceptionInstance:
			return v, nil
		case *object.Class:
			if p.ExcBase != object.NoExc {
				exc, err := h.Allocate(&object.ExceptionInstance{Type: p.ExcBase, Class: v})
				if err != nil {
					return object.Undefined, err
				}
				return exc, nil
			}
		}
	}
	h.DecRef(v)
	return object.Undefined, object.Errorf(object.TypeError, "exceptions must derive from BaseException")
}

// excMatches implements CHECK_EXC_MATCH: typ is a builtin exception class,
// a user exception class, or a tuple of those.
func (vm *VM) excMatches(exc, typ object.Value) (bool, error) {
	if items, ok := vm.heap.Items(typ); ok && typ.IsRef() && vm.heap.Get(typ.AsRef()).Tag() == object.TagTuple {
		for _, item := range items {
			match, err := vm.excMatches(exc, item)
			if err != nil || match {
				return match, err
			}
		}
		return false, nil
	}
	e, ok := vm.heap.Get(exc.AsRef()).(*object.ExceptionInstance)
	if !ok {
		return false, errz.Internalf("CHECK_EXC_MATCH on %s", vm.typeName(exc))
	}
	switch typ.Kind() {
	case object.KindBuiltin:
		if t, ok := builtins.excType(typ.AsBuiltin()); ok {
			return e.Type.IsSubclass(t), nil
		}
	case object.KindRef:
		if c, ok := vm.heap.Get(typ.AsRef()).(*object.Class); ok && c.ExcBase != object.NoExc {
			return !e.Class.IsUndefined() && vm.isSubclass(e.Class, typ), nil
		}
	}
	return false, object.Errorf(object.TypeError, "catching classes that do not inherit from BaseException is not allowed")
}

// excTypeName returns the class name of an exception object.
func (vm *VM) excTypeName(exc object.Value) string {
	e, ok := vm.heap.Get(exc.AsRef()).(*object.ExceptionInstance)
	if !ok {
		return vm.typeName(exc)
	}
	if !e.Class.IsUndefined() {
		return vm.heap.Get(e.Class.AsRef()).(*object.Class).Name
	}
	return e.Type.String()
}

// excMessage renders str(exc).
func (vm *VM) excMessage(e *object.ExceptionInstance) string {
	switch len(e.Args) {
	case 0:
		return ""
	case 1:
		return vm.str(e.Args[0])
	default:
		return vm.reprSeq("(", ")", e.Args, true)
	}
}

// uncaught describes an exception that escaped the main task. exc is
// borrowed.
func (vm *VM) uncaught(exc object.Value) error {
	e := vm.heap.Get(exc.AsRef()).(*object.ExceptionInstance)
	return errz.NewException(vm.excTypeName(exc), vm.excMessage(e), e.Trace)
}

// hostException converts a host error into an owned exception object.
// GuestErrors keep their class; anything else becomes a RuntimeError.
func (vm *VM) hostException(err error) (object.Value, error) {
	var ge *object.GuestError
	if errors.As(err, &ge) {
		return vm.heap.NewException(ge.Type, ge.Message)
	}
	return vm.heap.NewException(object.RuntimeError, err.Error())
}

// deliver completes a host call in the task that made it: the result is
// pushed, the error raised, or a future pushed for a pending answer.
func (vm *VM) deliver(callID int64, r HostResult) error {
	t := vm.current
	if t == nil {
		return errz.Internalf("no task waiting for call %d", callID)
	}
	vm.reload()
	switch {
	case r.Err != nil:
		exc, err := vm.hostException(r.Err)
		if err != nil {
			return err
		}
		vm.raise(exc)
	case r.Pending:
		fut, err := vm.heap.Allocate(&object.Future{CallID: callID})
		if err != nil {
			return err
		}
		vm.futures[callID] = &future{Object: fut.AsRef(), Gen: vm.heap.Generation(fut.AsRef())}
		t.push(fut)
	default:
		v, err := vm.heap.FromGo(r.Value)
		if err != nil {
			return vm.throw(object.Errorf(object.TypeError, "host result: %s", err))
		}
		t.push(v)
	}
	return nil
}
