package vm

import (
	"github.com/deepnoodle-ai/pyrite/object"
)

// getAttr implements obj.name. obj is borrowed; the result is owned.
func (vm *VM) getAttr(obj, name object.Value) (object.Value, error) {
	h := vm.heap
	text, _ := h.StrOf(name)
	switch obj.Kind() {
	case object.KindProxy:
		return h.Allocate(&object.Method{Self: obj, Func: name})
	case object.KindBuiltin:
		def := &builtins.defs[obj.AsBuiltin()]
		if def.kind == kindModule {
			if id, ok := def.members[text]; ok {
				return object.Builtin(id), nil
			}
			return object.Undefined, object.Errorf(object.AttributeError, "module '%s' has no attribute '%s'", def.name, text)
		}
		if def.kind == kindExcType && text == "__name__" {
			return vm.newStr(def.name)
		}
	case object.KindRef:
		switch p := h.Get(obj.AsRef()).(type) {
		case *object.Instance:
			if v, ok, err := p.Attrs.Get(h, name); err != nil || ok {
				h.IncRef(v)
				return v, err
			}
			if v, ok := vm.classLookup(p.Class, text); ok {
				return vm.bind(obj, v)
			}
		case *object.Class:
			if text == "__name__" {
				return vm.newStr(p.Name)
			}
			if v, ok := vm.classLookup(obj, text); ok {
				h.IncRef(v)
				return v, nil
			}
			return object.Undefined, object.Errorf(object.AttributeError, "type object '%s' has no attribute '%s'", p.Name, text)
		case *object.ExceptionInstance:
			if v, ok, err := vm.excAttr(obj, p, name, text); err != nil || ok {
				return v, err
			}
		case *object.Range:
			switch text {
			case "start":
				return object.Int(p.Start), nil
			case "stop":
				return object.Int(p.Stop), nil
			case "step":
				return object.Int(p.Step), nil
			}
		}
	}
	if id, ok := builtins.method(vm.typeName(obj), text); ok {
		h.IncRef(obj)
		return h.Allocate(&object.Method{Self: obj, Func: object.Builtin(id)})
	}
	return object.Undefined, object.Errorf(object.AttributeError, "'%s' object has no attribute '%s'", vm.typeName(obj), text)
}

// bind wraps functions found on a class into methods bound to self.
func (vm *VM) bind(self, v object.Value) (object.Value, error) {
	h := vm.heap
	if p, ok := h.Payload(v); ok && p.Tag() == object.TagClosure {
		h.IncRef(self)
		h.IncRef(v)
		return h.Allocate(&object.Method{Self: self, Func: v})
	}
	h.IncRef(v)
	return v, nil
}

func (vm *VM) excAttr(obj object.Value, e *object.ExceptionInstance, name object.Value, text string) (object.Value, bool, error) {
	h := vm.heap
	switch text {
	case "args":
		items := append([]object.Value(nil), e.Args...)
		for _, a := range items {
			h.IncRef(a)
		}
		v, err := h.NewTuple(items)
		return v, true, err
	case "__context__", "__cause__":
		v := e.Context
		if text == "__cause__" {
			v = e.Cause
		}
		if v.IsUndefined() {
			v = object.None
		}
		h.IncRef(v)
		return v, true, nil
	}
	if v, ok, err := e.Attrs.Get(h, name); err != nil || ok {
		h.IncRef(v)
		return v, true, err
	}
	if !e.Class.IsUndefined() {
		if v, ok := vm.classLookup(e.Class, text); ok {
			bound, err := vm.bind(obj, v)
			return bound, true, err
		}
	}
	return object.Undefined, false, nil
}

// setAttr implements obj.name = val. val is owned.
func (vm *VM) setAttr(obj, name object.Value, text string, val object.Value) error {
	h := vm.heap
	if obj.IsRef() {
		switch p := h.Get(obj.AsRef()).(type) {
		case *object.Instance:
			return p.Attrs.Set(h, name, val)
		case *object.ExceptionInstance:
			return p.Attrs.Set(h, name, val)
		case *object.Class:
			return h.Get(p.Namespace.AsRef()).(*object.Dict).Set(h, name, val)
		}
	}
	h.DecRef(val)
	return object.Errorf(object.AttributeError, "'%s' object has no attribute '%s'", vm.typeName(obj), text)
}
