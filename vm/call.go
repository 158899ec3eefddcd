package vm

import (
	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
)

// maxDepth bounds walks over guest-controlled chains: class bases,
// exception contexts and nested containers.
const maxDepth = 100

// call invokes callee. Ownership of callee and args moves to call.
func (vm *VM) call(callee object.Value, args []object.Value) error {
	h := vm.heap
	defer h.DecRef(callee)
	switch callee.Kind() {
	case object.KindBuiltin:
		return vm.callBuiltin(callee.AsBuiltin(), args)
	case object.KindExternal:
		i := callee.AsExternal()
		if int(i) >= len(vm.externals) {
			h.ReleaseAll(args)
			return errz.Internalf("unknown external function %d", i)
		}
		return vm.hostCall(&pendingCall{Kind: ExitExternalCall, Function: vm.externals[i], Args: args})
	case object.KindRef:
		switch p := h.Get(callee.AsRef()).(type) {
		case *object.Closure:
			return vm.callClosure(callee, p, args, continuation{})
		case *object.Method:
			if p.Self.Kind() == object.KindProxy {
				name, _ := h.StrOf(p.Func)
				return vm.hostCall(&pendingCall{
					Kind:    ExitProxyCall,
					ProxyID: p.Self.AsProxy(),
					Method:  name,
					Args:    args,
				})
			}
			h.IncRef(p.Self)
			h.IncRef(p.Func)
			return vm.call(p.Func, append([]object.Value{p.Self}, args...))
		case *object.Class:
			return vm.instantiate(callee, p, args)
		case *object.WeakRef:
			h.ReleaseAll(args)
			if len(args) != 0 {
				return object.Errorf(object.TypeError, "weakref expected 0 arguments, got %d", len(args))
			}
			if h.IsLive(p.Target, p.Gen) {
				target := object.Ref(p.Target)
				h.IncRef(target)
				vm.current.push(target)
			} else {
				vm.current.push(object.None)
			}
			return nil
		}
	}
	h.ReleaseAll(args)
	return object.Errorf(object.TypeError, "'%s' object is not callable", vm.typeName(callee))
}

// hostCall suspends the VM on a host request.
func (vm *VM) hostCall(call *pendingCall) error {
	call.CallID = vm.nextCallID
	vm.nextCallID++
	return &hostExit{call: call}
}

// suspend parks the VM on a host call and describes it to the host.
func (vm *VM) suspend(call *pendingCall) *FrameExit {
	vm.sync()
	vm.pending = call
	vm.state = stateWaitingCall
	args := make([]any, len(call.Args))
	for i, a := range call.Args {
		args[i] = vm.heap.ToGo(a)
	}
	vm.logger.Debug().
		Str("kind", call.Kind.String()).
		Str("function", call.Function).
		Int64("call", call.CallID).
		Int("task", vm.current.id).
		Msg("suspended for host")
	return &FrameExit{
		Kind:     call.Kind,
		Function: call.Function,
		ProxyID:  call.ProxyID,
		Method:   call.Method,
		Args:     args,
		CallID:   call.CallID,
	}
}

func (vm *VM) checkDepth() error {
	return vm.tracker.CheckRecursionDepth(len(vm.current.frames) + 1)
}

// enter pushes f on the current task. The caller has synced the current
// frame.
func (vm *VM) enter(f *frame) {
	t := vm.current
	t.frames = append(t.frames, f)
	vm.reload()
}

// callClosure binds args to a new frame for the closure, or creates a
// generator object for generator and coroutine functions. fnVal is
// borrowed; args and cont are owned.
func (vm *VM) callClosure(fnVal object.Value, c *object.Closure, args []object.Value, cont continuation) error {
	h := vm.heap
	fn := c.Fn
	release := func() {
		h.ReleaseAll(args)
		cont.values(h.DecRef)
	}
	if fn.Kind() == bytecode.Plain {
		if err := vm.checkDepth(); err != nil {
			release()
			return err
		}
	}
	nparams := fn.ParameterCount()
	if len(args) > nparams && !fn.HasRestParam() {
		release()
		return object.Errorf(object.TypeError, "%s() takes %d positional arguments but %d were given",
			fn.Name(), nparams, len(args))
	}
	code := vm.loadCode(fn.Code())
	locals := make([]object.Value, code.LocalCount())
	n := copy(locals, args[:min(len(args), nparams)])
	firstDefault := nparams - len(c.Defaults)
	for i := n; i < nparams; i++ {
		if i < firstDefault {
			h.ReleaseAll(locals)
			h.ReleaseAll(args[n:])
			cont.values(h.DecRef)
			return object.Errorf(object.TypeError, "%s() missing required positional argument: '%s'",
				fn.Name(), fn.Parameter(i))
		}
		d := c.Defaults[i-firstDefault]
		h.IncRef(d)
		locals[i] = d
	}
	if fn.HasRestParam() {
		var extra []object.Value
		if len(args) > nparams {
			extra = append(extra, args[nparams:]...)
		}
		rest, err := h.NewTuple(extra)
		if err != nil {
			h.ReleaseAll(locals)
			cont.values(h.DecRef)
			return err
		}
		locals[nparams] = rest
	}
	own := code.CellCount()
	cells := make([]object.Value, 0, own+len(c.Cells))
	for i := 0; i < own; i++ {
		cell, err := h.Allocate(&object.Cell{})
		if err != nil {
			h.ReleaseAll(locals)
			h.ReleaseAll(cells)
			cont.values(h.DecRef)
			return err
		}
		cells = append(cells, cell)
	}
	for _, cell := range c.Cells {
		h.IncRef(cell)
		cells = append(cells, cell)
	}
	h.IncRef(fnVal)
	if fn.Kind() != bytecode.Plain {
		cont.values(h.DecRef)
		gen, err := h.Allocate(&object.Generator{
			Name:      fn.Name(),
			Coroutine: fn.Kind() == bytecode.Coroutine,
			State:     object.GenCreated,
			Frame: &object.SavedFrame{
				CodeID: code.ID(),
				Code:   code.Code,
				Fn:     fnVal,
				Locals: locals,
				Cells:  cells,
			},
		})
		if err != nil {
			return err
		}
		vm.current.push(gen)
		return nil
	}
	h.IncRef(vm.globals)
	vm.sync()
	f := &frame{
		code:   code,
		base:   len(vm.current.stack),
		ns:     vm.globals,
		fn:     fnVal,
		locals: locals,
		cells:  cells,
		cont:   cont,
	}
	vm.enter(f)
	vm.observeCall(f, len(args))
	return nil
}

// activate builds a frame on task t from a created or suspended generator.
// The generator's saved state moves into the frame.
func (vm *VM) activate(t *task, genVal object.Value, gen *object.Generator, cont continuation) *frame {
	saved := gen.Frame
	if saved == nil {
		panic(errz.Internalf("generator %s has no saved frame", gen.Name))
	}
	code := saved.Code
	if code == nil {
		c, ok := vm.index.Code(saved.CodeID)
		if !ok {
			panic(errz.Internalf("generator %s refers to unknown code %q", gen.Name, saved.CodeID))
		}
		code = c
	}
	vm.heap.IncRef(vm.globals)
	f := &frame{
		code:   vm.loadCode(code),
		ip:     saved.IP,
		lastIP: saved.IP,
		base:   len(t.stack),
		ns:     vm.globals,
		fn:     saved.Fn,
		locals: saved.Locals,
		cells:  saved.Cells,
		cont:   cont,
	}
	t.stack = append(t.stack, saved.Stack...)
	for _, c := range saved.Contexts {
		t.contexts = append(t.contexts, excContext{Exc: c.Exc, Depth: f.base + c.Depth})
	}
	gen.Frame = nil
	gen.State = object.GenRunning
	return f
}

// instantiate calls a class: it creates the instance and runs __init__.
func (vm *VM) instantiate(clsVal object.Value, cls *object.Class, args []object.Value) error {
	h := vm.heap
	init, hasInit := vm.classLookup(clsVal, "__init__")
	var obj object.Value
	var err error
	if cls.ExcBase != object.NoExc {
		excArgs := append([]object.Value(nil), args...)
		if hasInit {
			for _, a := range excArgs {
				h.IncRef(a)
			}
		}
		h.IncRef(clsVal)
		obj, err = h.Allocate(&object.ExceptionInstance{Type: cls.ExcBase, Class: clsVal, Args: excArgs})
		if err != nil {
			if hasInit {
				h.ReleaseAll(args)
			}
			return err
		}
		if !hasInit {
			vm.current.push(obj)
			return nil
		}
	} else {
		if !hasInit && len(args) > 0 {
			h.ReleaseAll(args)
			return object.Errorf(object.TypeError, "%s() takes no arguments", cls.Name)
		}
		h.IncRef(clsVal)
		obj, err = h.Allocate(&object.Instance{Class: clsVal})
		if err != nil {
			h.ReleaseAll(args)
			return err
		}
		if !hasInit {
			vm.current.push(obj)
			return nil
		}
	}
	closure, ok := h.Payload(init)
	initFn, isClosure := closure.(*object.Closure)
	if !ok || !isClosure {
		h.ReleaseAll(args)
		h.DecRef(obj)
		return object.Errorf(object.TypeError, "%s.__init__ is not a function", cls.Name)
	}
	h.IncRef(obj)
	return vm.callClosure(init, initFn, append([]object.Value{obj}, args...),
		continuation{kind: contConstructor, instance: obj})
}

// classLookup finds an attribute on a class or its bases, depth first in
// base order. The result is borrowed.
func (vm *VM) classLookup(clsVal object.Value, name string) (object.Value, bool) {
	return vm.classLookupDepth(clsVal, name, 0)
}

func (vm *VM) classLookupDepth(clsVal object.Value, name string, depth int) (object.Value, bool) {
	if depth > maxDepth || !clsVal.IsRef() {
		return object.Undefined, false
	}
	cls, ok := vm.heap.Get(clsVal.AsRef()).(*object.Class)
	if !ok {
		return object.Undefined, false
	}
	if v, ok := vm.heap.Get(cls.Namespace.AsRef()).(*object.Dict).GetStr(vm.heap, name); ok {
		return v, true
	}
	for _, base := range cls.Bases {
		if v, ok := vm.classLookupDepth(base, name, depth+1); ok {
			return v, true
		}
	}
	return object.Undefined, false
}

// isSubclass reports whether class sub is base or derives from it.
func (vm *VM) isSubclass(sub, base object.Value) bool {
	return vm.isSubclassDepth(sub, base, 0)
}

func (vm *VM) isSubclassDepth(sub, base object.Value, depth int) bool {
	if object.Identical(sub, base) {
		return true
	}
	if depth > maxDepth || !sub.IsRef() {
		return false
	}
	cls, ok := vm.heap.Get(sub.AsRef()).(*object.Class)
	if !ok {
		return false
	}
	for _, b := range cls.Bases {
		if vm.isSubclassDepth(b, base, depth+1) {
			return true
		}
	}
	return false
}

// makeFunction implements MAKE_FUNCTION. Free cells are on top of the
// defaults.
func (vm *VM) makeFunction(constIndex, ndefaults, nfree int) error {
	t := vm.current
	fn := vm.code.functions[constIndex]
	if fn == nil {
		return errz.Internalf("MAKE_FUNCTION constant %d is not a function", constIndex)
	}
	cells := t.popN(nfree)
	defaults := t.popN(ndefaults)
	if len(defaults) == 0 {
		defaults = nil
	}
	if len(cells) == 0 {
		cells = nil
	}
	v, err := vm.heap.Allocate(&object.Closure{FnID: fn.ID(), Fn: fn, Defaults: defaults, Cells: cells})
	if err != nil {
		return err
	}
	t.push(v)
	return nil
}

// buildClass implements BUILD_CLASS: the body runs in a frame whose
// namespace becomes the class when it returns. bases is owned.
func (vm *VM) buildClass(constIndex int, name string, bases []object.Value) error {
	h := vm.heap
	fn := vm.code.functions[constIndex]
	if fn == nil {
		h.ReleaseAll(bases)
		return errz.Internalf("BUILD_CLASS constant %d is not a function", constIndex)
	}
	if _, err := vm.excBase(bases); err != nil {
		h.ReleaseAll(bases)
		return err
	}
	if err := vm.checkDepth(); err != nil {
		h.ReleaseAll(bases)
		return err
	}
	ns, err := h.NewDict()
	if err != nil {
		h.ReleaseAll(bases)
		return err
	}
	code := vm.loadCode(fn.Code())
	vm.sync()
	f := &frame{
		code:   code,
		base:   len(vm.current.stack),
		ns:     ns,
		locals: make([]object.Value, code.LocalCount()),
		cont:   continuation{kind: contClass, name: name, bases: bases},
	}
	vm.enter(f)
	vm.observeCall(f, 0)
	return nil
}

// excBase returns the builtin exception class a new class with these bases
// derives from, or NoExc.
func (vm *VM) excBase(bases []object.Value) (object.ExcType, error) {
	result := object.NoExc
	for _, b := range bases {
		var t object.ExcType
		switch b.Kind() {
		case object.KindBuiltin:
			et, ok := builtins.excType(b.AsBuiltin())
			if !ok {
				return object.NoExc, object.Errorf(object.TypeError, "cannot subclass builtin '%s'", builtins.defs[b.AsBuiltin()].name)
			}
			t = et
		case object.KindRef:
			cls, ok := vm.heap.Get(b.AsRef()).(*object.Class)
			if !ok {
				return object.NoExc, object.Errorf(object.TypeError, "bases must be classes, not %s", vm.typeName(b))
			}
			t = cls.ExcBase
		default:
			return object.NoExc, object.Errorf(object.TypeError, "bases must be classes, not %s", vm.typeName(b))
		}
		if result == object.NoExc {
			result = t
		}
	}
	return result, nil
}

// doReturn leaves the top frame with v, applying its continuation.
func (vm *VM) doReturn(v object.Value) error {
	t := vm.current
	h := vm.heap
	f := vm.frame
	t.frames = t.frames[:len(t.frames)-1]
	vm.truncate(t, f.base)
	vm.dropContexts(t, f.base)
	vm.observeReturn(t, f, false)

	result := v
	var after func() error
	switch f.cont.kind {
	case contClass:
		h.DecRef(v)
		excBase, _ := vm.excBase(f.cont.bases)
		cls, err := h.Allocate(&object.Class{
			Name:      f.cont.name,
			Bases:     f.cont.bases,
			Namespace: f.ns,
			ExcBase:   excBase,
		})
		f.ns, f.cont.bases = object.Undefined, nil
		if err != nil {
			vm.releaseFrame(f)
			vm.reload()
			return err
		}
		result = cls
	case contConstructor:
		if !v.IsNone() {
			name := vm.typeName(v)
			h.DecRef(v)
			vm.releaseFrame(f)
			vm.reload()
			return object.Errorf(object.TypeError, "__init__() should return None, not '%s'", name)
		}
		result = f.cont.instance
		f.cont.instance = object.Undefined
	case contGenerator:
		gen := h.Get(f.cont.gen.AsRef()).(*object.Generator)
		gen.State = object.GenDone
		gen.Frame = nil
		switch f.cont.onExhaust {
		case exhaustJump:
			h.DecRef(v)
			target := f.cont.target
			after = func() error {
				h.DecRef(t.pop())
				vm.ip = target
				return nil
			}
		case exhaustRaise:
			var dflt object.Value
			if len(f.cont.postArgs) > 0 {
				dflt = f.cont.postArgs[0]
				f.cont.postArgs = nil
			}
			after = func() error {
				if !dflt.IsUndefined() {
					h.DecRef(v)
					t.push(dflt)
					return nil
				}
				if v.IsNone() {
					return object.Errorf(object.StopIteration, "")
				}
				exc, err := h.Allocate(&object.ExceptionInstance{Type: object.StopIteration, Args: []object.Value{v}})
				if err != nil {
					return err
				}
				return &raised{exc: exc}
			}
		case exhaustCollect:
			h.DecRef(v)
			list, post, postArgs := f.cont.collect, f.cont.post, f.cont.postArgs
			f.cont.collect, f.cont.postArgs = object.Undefined, nil
			after = func() error {
				return vm.callBuiltin(post, append([]object.Value{list}, postArgs...))
			}
		}
	}
	vm.releaseFrame(f)
	if len(t.frames) == 0 {
		if after != nil {
			return errz.Internalf("generator continuation without a caller in task %d", t.id)
		}
		vm.endTask(t, result, object.Undefined)
		return nil
	}
	vm.reload()
	if after != nil {
		return after()
	}
	t.push(result)
	return nil
}
