package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/pyrite/object"
)

// typeName returns the guest class name of v.
func (vm *VM) typeName(v object.Value) string {
	switch v.Kind() {
	case object.KindUndefined, object.KindNone:
		return "NoneType"
	case object.KindBool:
		return "bool"
	case object.KindInt:
		return "int"
	case object.KindFloat:
		return "float"
	case object.KindStr:
		return "str"
	case object.KindBytes:
		return "bytes"
	case object.KindBuiltin:
		switch builtins.defs[v.AsBuiltin()].kind {
		case kindType, kindExcType:
			return "type"
		case kindModule:
			return "module"
		}
		return "builtin_function_or_method"
	case object.KindExternal:
		return "builtin_function_or_method"
	case object.KindProxy:
		return "proxy"
	}
	switch p := vm.heap.Get(v.AsRef()).(type) {
	case *object.Instance:
		if cls, ok := vm.heap.Get(p.Class.AsRef()).(*object.Class); ok {
			return cls.Name
		}
	case *object.ExceptionInstance:
		return vm.excTypeName(v)
	case *object.Generator:
		if p.Coroutine {
			return "coroutine"
		}
		return "generator"
	case *object.Iter:
		return "iterator"
	case *object.Future:
		return "Future"
	case *object.Task:
		return "Task"
	case *object.Closure:
		return "function"
	case *object.String:
		return "str"
	case *object.Bytes:
		return "bytes"
	}
	return string(vm.heap.Get(v.AsRef()).Tag())
}

// str implements str(v).
func (vm *VM) str(v object.Value) string {
	if s, ok := vm.heap.StrOf(v); ok {
		return s
	}
	if v.IsRef() {
		if e, ok := vm.heap.Get(v.AsRef()).(*object.ExceptionInstance); ok {
			return vm.excMessage(e)
		}
	}
	return vm.repr(v)
}

// repr implements repr(v).
func (vm *VM) repr(v object.Value) string {
	f := &formatter{vm: vm, seen: map[object.ID]bool{}}
	f.repr(v, 0)
	return f.b.String()
}

// reprSeq renders items between open and close, adding the trailing comma
// of one-element tuples.
func (vm *VM) reprSeq(open, close string, items []object.Value, tuple bool) string {
	f := &formatter{vm: vm, seen: map[object.ID]bool{}}
	f.seq(open, close, items, tuple, 0)
	return f.b.String()
}

type formatter struct {
	vm   *VM
	b    strings.Builder
	seen map[object.ID]bool
}

func (f *formatter) repr(v object.Value, depth int) {
	h := f.vm.heap
	switch v.Kind() {
	case object.KindFloat:
		f.b.WriteString(formatFloat(v.AsFloat()))
		return
	case object.KindStr:
		f.b.WriteString(quote(h.Interns().Get(v.AsStr())))
		return
	case object.KindBytes:
		f.b.WriteString(quoteBytes(h.Interns().GetBytes(v.AsBytes())))
		return
	case object.KindBuiltin:
		def := builtins.defs[v.AsBuiltin()]
		switch def.kind {
		case kindType, kindExcType:
			fmt.Fprintf(&f.b, "<class '%s'>", def.name)
		case kindModule:
			fmt.Fprintf(&f.b, "<module '%s'>", def.name)
		default:
			fmt.Fprintf(&f.b, "<built-in function %s>", def.name)
		}
		return
	case object.KindExternal:
		fmt.Fprintf(&f.b, "<external function %s>", f.vm.externals[v.AsExternal()])
		return
	case object.KindProxy:
		fmt.Fprintf(&f.b, "<proxy %d>", v.AsProxy())
		return
	case object.KindRef:
	default:
		f.b.WriteString(v.String())
		return
	}
	id := v.AsRef()
	if depth > maxDepth {
		f.b.WriteString("...")
		return
	}
	switch p := h.Get(id).(type) {
	case *object.String:
		f.b.WriteString(quote(p.S))
	case *object.Bytes:
		f.b.WriteString(quoteBytes(p.B))
	case *object.List:
		if f.enter(id, "[...]") {
			f.seq("[", "]", p.Items, false, depth)
			delete(f.seen, id)
		}
	case *object.Tuple:
		if f.enter(id, "(...)") {
			f.seq("(", ")", p.Items, true, depth)
			delete(f.seen, id)
		}
	case *object.Dict:
		if f.enter(id, "{...}") {
			f.b.WriteByte('{')
			first := true
			p.Each(func(k, val object.Value) bool {
				if !first {
					f.b.WriteString(", ")
				}
				first = false
				f.repr(k, depth+1)
				f.b.WriteString(": ")
				f.repr(val, depth+1)
				return true
			})
			f.b.WriteByte('}')
			delete(f.seen, id)
		}
	case *object.Range:
		if p.Step == 1 {
			fmt.Fprintf(&f.b, "range(%d, %d)", p.Start, p.Stop)
		} else {
			fmt.Fprintf(&f.b, "range(%d, %d, %d)", p.Start, p.Stop, p.Step)
		}
	case *object.ExceptionInstance:
		f.b.WriteString(f.vm.excTypeName(v))
		f.seq("(", ")", p.Args, false, depth)
	case *object.Class:
		fmt.Fprintf(&f.b, "<class '%s'>", p.Name)
	case *object.Instance:
		fmt.Fprintf(&f.b, "<%s object>", f.vm.typeName(v))
	case *object.Closure:
		fmt.Fprintf(&f.b, "<function %s>", p.Fn.Name())
	case *object.Method:
		f.b.WriteString("<bound method ")
		if name, ok := h.StrOf(p.Func); ok {
			f.b.WriteString(name)
		} else {
			f.repr(p.Func, depth+1)
		}
		f.b.WriteString(" of ")
		f.repr(p.Self, depth+1)
		f.b.WriteByte('>')
	case *object.Generator:
		fmt.Fprintf(&f.b, "<%s object %s>", f.vm.typeName(v), p.Name)
	case *object.Task:
		fmt.Fprintf(&f.b, "<Task %d>", p.ID)
	case *object.Future:
		fmt.Fprintf(&f.b, "<Future call=%d>", p.CallID)
	case *object.WeakRef:
		if h.IsLive(p.Target, p.Gen) {
			fmt.Fprintf(&f.b, "<weakref to '%s'>", f.vm.typeName(object.Ref(p.Target)))
		} else {
			f.b.WriteString("<weakref; dead>")
		}
	default:
		fmt.Fprintf(&f.b, "<%s object>", f.vm.typeName(v))
	}
}

// enter marks id as being printed. A container met again while printing
// itself renders as its placeholder.
func (f *formatter) enter(id object.ID, placeholder string) bool {
	if f.seen[id] {
		f.b.WriteString(placeholder)
		return false
	}
	f.seen[id] = true
	return true
}

func (f *formatter) seq(open, close string, items []object.Value, tuple bool, depth int) {
	f.b.WriteString(open)
	for i, item := range items {
		if i > 0 {
			f.b.WriteString(", ")
		}
		f.repr(item, depth+1)
	}
	if tuple && len(items) == 1 {
		f.b.WriteByte(',')
	}
	f.b.WriteString(close)
}

// formatFloat renders a float the way the guest language does: the
// shortest representation that round-trips, in positional notation for
// moderate magnitudes and always with a decimal point or exponent.
func formatFloat(x float64) string {
	switch {
	case math.IsInf(x, 1):
		return "inf"
	case math.IsInf(x, -1):
		return "-inf"
	case math.IsNaN(x):
		return "nan"
	}
	abs := math.Abs(x)
	var s string
	if abs == 0 || (abs >= 1e-4 && abs < 1e16) {
		s = strconv.FormatFloat(x, 'f', -1, 64)
	} else {
		s = strconv.FormatFloat(x, 'e', -1, 64)
	}
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

func quote(s string) string {
	q := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		q = '"'
	}
	var b strings.Builder
	b.WriteByte(q)
	for _, r := range s {
		switch {
		case r == rune(q) || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(q)
	return b.String()
}

func quoteBytes(bs []byte) string {
	var b strings.Builder
	b.WriteString("b'")
	for _, c := range bs {
		switch {
		case c == '\'' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c == '\t':
			b.WriteString(`\t`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
