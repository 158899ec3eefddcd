package vm

import (
	"bytes"
	"math"
	"math/bits"
	"strings"
	"unicode/utf8"

	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/deepnoodle-ai/pyrite/resource"
)

func isInt(v object.Value) bool {
	return v.Kind() == object.KindInt || v.Kind() == object.KindBool
}

func unsupported(kind op.BinaryOpType, a, b string) error {
	return object.Errorf(object.TypeError, "unsupported operand type(s) for %s: '%s' and '%s'", kind, a, b)
}

// binaryOp implements BINARY_OP. Operands are borrowed.
func (vm *VM) binaryOp(kind op.BinaryOpType, a, b object.Value) (object.Value, error) {
	if a.IsNumber() && b.IsNumber() {
		if a.Kind() == object.KindFloat || b.Kind() == object.KindFloat {
			if kind >= op.LShift {
				return object.Undefined, unsupported(kind, vm.typeName(a), vm.typeName(b))
			}
			x, _ := object.AsFloat64(a)
			y, _ := object.AsFloat64(b)
			return floatOp(kind, x, y)
		}
		if kind >= op.BitwiseAnd && a.Kind() == object.KindBool && b.Kind() == object.KindBool {
			x, y := a.AsBool(), b.AsBool()
			switch kind {
			case op.BitwiseAnd:
				return object.Bool(x && y), nil
			case op.BitwiseOr:
				return object.Bool(x || y), nil
			default:
				return object.Bool(x != y), nil
			}
		}
		return vm.intOp(kind, a.AsInt(), b.AsInt())
	}
	h := vm.heap
	if as, ok := h.StrOf(a); ok {
		if bs, ok := h.StrOf(b); ok && kind == op.Add {
			if err := vm.tracker.CheckLargeResult(len(as) + len(bs)); err != nil {
				return object.Undefined, err
			}
			return vm.newStr(as + bs)
		}
		if kind == op.Multiply && isInt(b) {
			return vm.repeatStr(as, b.AsInt())
		}
	}
	if kind == op.Multiply && isInt(a) {
		if bs, ok := h.StrOf(b); ok {
			return vm.repeatStr(bs, a.AsInt())
		}
		if _, ok := h.Items(b); ok {
			return vm.repeatSeq(b, a.AsInt())
		}
	}
	if ab, ok := h.BytesOf(a); ok && kind == op.Add {
		if bb, ok := h.BytesOf(b); ok {
			if err := vm.tracker.CheckLargeResult(len(ab) + len(bb)); err != nil {
				return object.Undefined, err
			}
			out := make([]byte, 0, len(ab)+len(bb))
			return h.NewBytes(append(append(out, ab...), bb...))
		}
	}
	if _, ok := h.Items(a); ok {
		if kind == op.Multiply && isInt(b) {
			return vm.repeatSeq(a, b.AsInt())
		}
		if kind == op.Add && h.Get(a.AsRef()).Tag() == tagOf(h, b) {
			return vm.concatSeq(a, b)
		}
	}
	return object.Undefined, unsupported(kind, vm.typeName(a), vm.typeName(b))
}

func tagOf(h *object.Heap, v object.Value) object.Tag {
	if !v.IsRef() {
		return ""
	}
	return h.Get(v.AsRef()).Tag()
}

func (vm *VM) intOp(kind op.BinaryOpType, x, y int64) (object.Value, error) {
	overflow := func() (object.Value, error) {
		return object.Undefined, object.Errorf(object.OverflowError, "integer overflow in %d %s %d", x, kind, y)
	}
	switch kind {
	case op.Add:
		r := x + y
		if (x > 0 && y > 0 && r < 0) || (x < 0 && y < 0 && r >= 0) {
			return overflow()
		}
		return object.Int(r), nil
	case op.Subtract:
		r := x - y
		if (x^y)&(x^r) < 0 {
			return overflow()
		}
		return object.Int(r), nil
	case op.Multiply:
		if x == 0 || y == 0 {
			return object.Int(0), nil
		}
		r := x * y
		if r/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return overflow()
		}
		return object.Int(r), nil
	case op.Divide:
		if y == 0 {
			return object.Undefined, object.Errorf(object.ZeroDivisionError, "division by zero")
		}
		return object.Float(float64(x) / float64(y)), nil
	case op.FloorDivide:
		if y == 0 {
			return object.Undefined, object.Errorf(object.ZeroDivisionError, "integer division or modulo by zero")
		}
		if x == math.MinInt64 && y == -1 {
			return overflow()
		}
		q := x / y
		if x%y != 0 && (x < 0) != (y < 0) {
			q--
		}
		return object.Int(q), nil
	case op.Modulo:
		if y == 0 {
			return object.Undefined, object.Errorf(object.ZeroDivisionError, "integer modulo by zero")
		}
		if y == -1 {
			return object.Int(0), nil
		}
		m := x % y
		if m != 0 && (m < 0) != (y < 0) {
			m += y
		}
		return object.Int(m), nil
	case op.Power:
		if y < 0 {
			if x == 0 {
				return object.Undefined, object.Errorf(object.ZeroDivisionError, "0.0 cannot be raised to a negative power")
			}
			return object.Float(math.Pow(float64(x), float64(y))), nil
		}
		mag := x
		if mag < 0 {
			mag = -mag
		}
		if mag > 1 {
			// Refuse results the governor would not let exist before
			// computing them.
			est := (int64(bits.Len64(uint64(mag)))*y + 7) / 8
			if est > math.MaxInt32 {
				est = math.MaxInt32
			}
			if err := vm.tracker.CheckLargeResult(int(est)); err != nil {
				return object.Undefined, err
			}
		}
		r, ok := ipow(x, y)
		if !ok {
			return overflow()
		}
		return object.Int(r), nil
	case op.LShift:
		if y < 0 {
			return object.Undefined, object.Errorf(object.ValueError, "negative shift count")
		}
		if x == 0 {
			return object.Int(0), nil
		}
		if y >= 63 || (x<<y)>>y != x {
			return overflow()
		}
		return object.Int(x << y), nil
	case op.RShift:
		if y < 0 {
			return object.Undefined, object.Errorf(object.ValueError, "negative shift count")
		}
		if y >= 63 {
			if x < 0 {
				return object.Int(-1), nil
			}
			return object.Int(0), nil
		}
		return object.Int(x >> y), nil
	case op.BitwiseAnd:
		return object.Int(x & y), nil
	case op.BitwiseOr:
		return object.Int(x | y), nil
	case op.BitwiseXor:
		return object.Int(x ^ y), nil
	}
	return object.Undefined, unsupported(kind, "int", "int")
}

func ipow(x, y int64) (int64, bool) {
	result := int64(1)
	for y > 0 {
		if y&1 == 1 {
			r := result * x
			if x != 0 && r/x != result {
				return 0, false
			}
			result = r
		}
		y >>= 1
		if y > 0 {
			sq := x * x
			if x != 0 && sq/x != x {
				return 0, false
			}
			x = sq
		}
	}
	return result, true
}

func floatOp(kind op.BinaryOpType, x, y float64) (object.Value, error) {
	var r float64
	switch kind {
	case op.Add:
		r = x + y
	case op.Subtract:
		r = x - y
	case op.Multiply:
		r = x * y
	case op.Divide:
		if y == 0 {
			return object.Undefined, object.Errorf(object.ZeroDivisionError, "float division by zero")
		}
		r = x / y
	case op.FloorDivide:
		if y == 0 {
			return object.Undefined, object.Errorf(object.ZeroDivisionError, "float floor division by zero")
		}
		r = math.Floor(x / y)
	case op.Modulo:
		if y == 0 {
			return object.Undefined, object.Errorf(object.ZeroDivisionError, "float modulo")
		}
		r = math.Mod(x, y)
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
	case op.Power:
		if x == 0 && y < 0 {
			return object.Undefined, object.Errorf(object.ZeroDivisionError, "0.0 cannot be raised to a negative power")
		}
		r = math.Pow(x, y)
		if math.IsInf(r, 0) && !math.IsInf(x, 0) {
			return object.Undefined, object.Errorf(object.OverflowError, "(34, 'Numerical result out of range')")
		}
	}
	return object.Float(r), nil
}

func (vm *VM) repeatStr(s string, n int64) (object.Value, error) {
	if n <= 0 || s == "" {
		return vm.newStr("")
	}
	if n > math.MaxInt32 || int64(len(s))*n > math.MaxInt32 {
		return object.Undefined, object.Errorf(object.MemoryError, "repeated string is too long")
	}
	if err := vm.tracker.CheckLargeResult(len(s) * int(n)); err != nil {
		return object.Undefined, err
	}
	return vm.newStr(strings.Repeat(s, int(n)))
}

func (vm *VM) repeatSeq(seq object.Value, n int64) (object.Value, error) {
	h := vm.heap
	items, _ := h.Items(seq)
	if n < 0 {
		n = 0
	}
	total := int64(len(items)) * n
	if n > math.MaxInt32 || total > math.MaxInt32/resource.SlotSize {
		return object.Undefined, object.Errorf(object.MemoryError, "repeated sequence is too long")
	}
	if err := vm.tracker.CheckLargeResult(int(total) * resource.SlotSize); err != nil {
		return object.Undefined, err
	}
	out := make([]object.Value, 0, total)
	for i := int64(0); i < n; i++ {
		for _, item := range items {
			h.IncRef(item)
			out = append(out, item)
		}
	}
	if h.Get(seq.AsRef()).Tag() == object.TagTuple {
		return h.NewTuple(out)
	}
	return h.NewList(out)
}

func (vm *VM) concatSeq(a, b object.Value) (object.Value, error) {
	h := vm.heap
	ai, _ := h.Items(a)
	bi, _ := h.Items(b)
	if err := vm.tracker.CheckLargeResult((len(ai) + len(bi)) * resource.SlotSize); err != nil {
		return object.Undefined, err
	}
	out := make([]object.Value, 0, len(ai)+len(bi))
	out = append(append(out, ai...), bi...)
	for _, v := range out {
		h.IncRef(v)
	}
	if h.Get(a.AsRef()).Tag() == object.TagTuple {
		return h.NewTuple(out)
	}
	return h.NewList(out)
}

func (vm *VM) unaryOp(opcode op.Code, v object.Value) (object.Value, error) {
	switch {
	case opcode == op.UnaryNegative && v.Kind() == object.KindFloat:
		return object.Float(-v.AsFloat()), nil
	case opcode == op.UnaryNegative && isInt(v):
		if v.AsInt() == math.MinInt64 {
			return object.Undefined, object.Errorf(object.OverflowError, "integer overflow in negation")
		}
		return object.Int(-v.AsInt()), nil
	case opcode == op.UnaryInvert && isInt(v):
		return object.Int(^v.AsInt()), nil
	}
	sym := "-"
	if opcode == op.UnaryInvert {
		sym = "~"
	}
	return object.Undefined, object.Errorf(object.TypeError, "bad operand type for unary %s: '%s'", sym, vm.typeName(v))
}

// compare implements COMPARE_OP. Operands are borrowed.
func (vm *VM) compare(kind op.CompareOpType, a, b object.Value) (bool, error) {
	switch kind {
	case op.Equal:
		return vm.heap.Equal(a, b)
	case op.NotEqual:
		eq, err := vm.heap.Equal(a, b)
		return !eq, err
	}
	c, err := vm.order(kind, a, b, 0)
	if err != nil {
		return false, err
	}
	switch kind {
	case op.LessThan:
		return c < 0, nil
	case op.LessThanOrEqual:
		return c <= 0, nil
	case op.GreaterThan:
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

// less is the ordering used by sorted, min and max.
func (vm *VM) less(a, b object.Value) (bool, error) {
	c, err := vm.order(op.LessThan, a, b, 0)
	return c < 0, err
}

// order returns -1, 0 or 1. NaN compares as neither smaller nor larger, so
// callers see false for every ordering.
func (vm *VM) order(kind op.CompareOpType, a, b object.Value, depth int) (int, error) {
	h := vm.heap
	if depth > maxDepth {
		return 0, object.Errorf(object.RecursionError, "maximum recursion depth exceeded in comparison")
	}
	if a.IsNumber() && b.IsNumber() {
		if isInt(a) && isInt(b) {
			return cmpInt(a.AsInt(), b.AsInt()), nil
		}
		x, _ := object.AsFloat64(a)
		y, _ := object.AsFloat64(b)
		switch {
		case math.IsNaN(x) || math.IsNaN(y):
			return nanOrder(kind), nil
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	}
	if as, ok := h.StrOf(a); ok {
		if bs, ok := h.StrOf(b); ok {
			return strings.Compare(as, bs), nil
		}
	}
	if ab, ok := h.BytesOf(a); ok {
		if bb, ok := h.BytesOf(b); ok {
			return bytes.Compare(ab, bb), nil
		}
	}
	if ai, ok := h.Items(a); ok && tagOf(h, a) == tagOf(h, b) {
		bi, _ := h.Items(b)
		for i := 0; i < len(ai) && i < len(bi); i++ {
			eq, err := h.Equal(ai[i], bi[i])
			if err != nil {
				return 0, err
			}
			if !eq {
				return vm.order(kind, ai[i], bi[i], depth+1)
			}
		}
		return cmpInt(int64(len(ai)), int64(len(bi))), nil
	}
	return 0, object.Errorf(object.TypeError, "'%s' not supported between instances of '%s' and '%s'",
		kind, vm.typeName(a), vm.typeName(b))
}

func nanOrder(kind op.CompareOpType) int {
	// Pick the answer that makes the requested comparison false.
	switch kind {
	case op.LessThan, op.LessThanOrEqual:
		return 1
	default:
		return -1
	}
}

func cmpInt(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// contains implements `item in container`. Operands are borrowed.
func (vm *VM) contains(container, item object.Value) (bool, error) {
	h := vm.heap
	if s, ok := h.StrOf(container); ok {
		sub, ok := h.StrOf(item)
		if !ok {
			return false, object.Errorf(object.TypeError, "'in <string>' requires string as left operand, not %s", vm.typeName(item))
		}
		return strings.Contains(s, sub), nil
	}
	if b, ok := h.BytesOf(container); ok {
		if isInt(item) {
			return bytes.IndexByte(b, byte(item.AsInt())) >= 0 && item.AsInt() >= 0 && item.AsInt() < 256, nil
		}
		sub, ok := h.BytesOf(item)
		if !ok {
			return false, object.Errorf(object.TypeError, "a bytes-like object is required, not '%s'", vm.typeName(item))
		}
		return bytes.Contains(b, sub), nil
	}
	if items, ok := h.Items(container); ok {
		for _, v := range items {
			eq, err := h.Equal(v, item)
			if err != nil || eq {
				return eq, err
			}
		}
		return false, nil
	}
	if container.IsRef() {
		switch p := h.Get(container.AsRef()).(type) {
		case *object.Dict:
			_, found, err := p.Get(h, item)
			return found, err
		case *object.Range:
			if !isInt(item) {
				return false, nil
			}
			n := item.AsInt()
			if p.Step > 0 && (n < p.Start || n >= p.Stop) || p.Step < 0 && (n > p.Start || n <= p.Stop) {
				return false, nil
			}
			return (n-p.Start)%p.Step == 0, nil
		}
	}
	return false, object.Errorf(object.TypeError, "argument of type '%s' is not iterable", vm.typeName(container))
}

// index normalizes a sequence index.
func index(idx object.Value, n int, what string) (int, error) {
	if !isInt(idx) {
		return 0, object.Errorf(object.TypeError, "%s indices must be integers, not %s", what, kindName(idx))
	}
	i := idx.AsInt()
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, object.Errorf(object.IndexError, "%s index out of range", what)
	}
	return int(i), nil
}

func kindName(v object.Value) string {
	switch v.Kind() {
	case object.KindStr:
		return "str"
	case object.KindFloat:
		return "float"
	case object.KindNone:
		return "NoneType"
	}
	return v.Kind().String()
}

// getItem implements container[idx]. Operands are borrowed.
func (vm *VM) getItem(container, idx object.Value) (object.Value, error) {
	h := vm.heap
	if s, ok := h.StrOf(container); ok {
		n := utf8.RuneCountInString(s)
		i, err := index(idx, n, "string")
		if err != nil {
			return object.Undefined, err
		}
		return vm.newStr(string([]rune(s)[i]))
	}
	if b, ok := h.BytesOf(container); ok {
		i, err := index(idx, len(b), "bytes")
		if err != nil {
			return object.Undefined, err
		}
		return object.Int(int64(b[i])), nil
	}
	if container.IsRef() {
		switch p := h.Get(container.AsRef()).(type) {
		case *object.List:
			i, err := index(idx, len(p.Items), "list")
			if err != nil {
				return object.Undefined, err
			}
			h.IncRef(p.Items[i])
			return p.Items[i], nil
		case *object.Tuple:
			i, err := index(idx, len(p.Items), "tuple")
			if err != nil {
				return object.Undefined, err
			}
			h.IncRef(p.Items[i])
			return p.Items[i], nil
		case *object.Dict:
			v, found, err := p.Get(h, idx)
			if err != nil {
				return object.Undefined, err
			}
			if !found {
				return object.Undefined, object.Errorf(object.KeyError, "%s", vm.repr(idx))
			}
			h.IncRef(v)
			return v, nil
		case *object.Range:
			i, err := index(idx, int(p.Len()), "range object")
			if err != nil {
				return object.Undefined, err
			}
			return object.Int(p.At(int64(i))), nil
		}
	}
	return object.Undefined, object.Errorf(object.TypeError, "'%s' object is not subscriptable", vm.typeName(container))
}

// setItem implements container[idx] = val. val is owned; the others are
// borrowed.
func (vm *VM) setItem(container, idx, val object.Value) error {
	h := vm.heap
	if container.IsRef() {
		switch p := h.Get(container.AsRef()).(type) {
		case *object.List:
			i, err := index(idx, len(p.Items), "list")
			if err != nil {
				h.DecRef(val)
				return err
			}
			old := p.Items[i]
			p.Items[i] = val
			h.DecRef(old)
			return nil
		case *object.Dict:
			h.IncRef(idx)
			return p.Set(h, idx, val)
		}
	}
	h.DecRef(val)
	return object.Errorf(object.TypeError, "'%s' object does not support item assignment", vm.typeName(container))
}

// deleteItem implements del container[idx].
func (vm *VM) deleteItem(container, idx object.Value) error {
	h := vm.heap
	if container.IsRef() {
		switch p := h.Get(container.AsRef()).(type) {
		case *object.List:
			i, err := index(idx, len(p.Items), "list")
			if err != nil {
				return err
			}
			old := p.Items[i]
			p.Items = append(p.Items[:i], p.Items[i+1:]...)
			h.DecRef(old)
			return nil
		case *object.Dict:
			found, err := p.Delete(h, idx)
			if err != nil {
				return err
			}
			if !found {
				return object.Errorf(object.KeyError, "%s", vm.repr(idx))
			}
			return nil
		}
	}
	return object.Errorf(object.TypeError, "'%s' object does not support item deletion", vm.typeName(container))
}

// sliceBounds clamps start and stop the way guest slicing does.
func sliceBounds(start, stop object.Value, n int) (int, int, error) {
	bound := func(v object.Value, dflt int) (int, error) {
		if v.IsNone() {
			return dflt, nil
		}
		if !isInt(v) {
			return 0, object.Errorf(object.TypeError, "slice indices must be integers or None")
		}
		i := v.AsInt()
		if i < 0 {
			i += int64(n)
		}
		return int(max(0, min(i, int64(n)))), nil
	}
	lo, err := bound(start, 0)
	if err != nil {
		return 0, 0, err
	}
	hi, err := bound(stop, n)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi, nil
}

// slice implements container[start:stop]. Operands are borrowed.
func (vm *VM) slice(container, start, stop object.Value) (object.Value, error) {
	h := vm.heap
	if s, ok := h.StrOf(container); ok {
		runes := []rune(s)
		lo, hi, err := sliceBounds(start, stop, len(runes))
		if err != nil {
			return object.Undefined, err
		}
		return vm.newStr(string(runes[lo:hi]))
	}
	if b, ok := h.BytesOf(container); ok {
		lo, hi, err := sliceBounds(start, stop, len(b))
		if err != nil {
			return object.Undefined, err
		}
		return h.NewBytes(append([]byte(nil), b[lo:hi]...))
	}
	if items, ok := h.Items(container); ok {
		lo, hi, err := sliceBounds(start, stop, len(items))
		if err != nil {
			return object.Undefined, err
		}
		out := append([]object.Value(nil), items[lo:hi]...)
		for _, v := range out {
			h.IncRef(v)
		}
		if tagOf(h, container) == object.TagTuple {
			return h.NewTuple(out)
		}
		return h.NewList(out)
	}
	return object.Undefined, object.Errorf(object.TypeError, "'%s' object is not subscriptable", vm.typeName(container))
}
