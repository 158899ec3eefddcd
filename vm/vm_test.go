package vm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	b := newModule()
	b.LoadConst(2)
	b.LoadConst(3)
	b.LoadConst(4)
	binary(b, op.Multiply)
	binary(b, op.Add)
	b.Emit(op.ReturnValue)
	require.Equal(t, int64(14), runValue(t, build(t, b)))
}

func TestFallingOffTheEndReturnsNone(t *testing.T) {
	b := newModule()
	b.Emit(op.Nop)
	require.Nil(t, runValue(t, build(t, b)))
}

func TestPrint(t *testing.T) {
	b := newModule()
	callGlobal(b, "print", "hello", 1, 2.5, nil, true)
	b.Emit(op.PopTop)
	var out bytes.Buffer
	runValue(t, build(t, b), WithOutput(&out))
	require.Equal(t, "hello 1 2.5 None True\n", out.String())
}

func TestGlobalsAndConditional(t *testing.T) {
	b := newModule()
	else_ := b.NewLabel()
	loadGlobal(b, "x")
	b.LoadConst(10)
	b.Emit(op.CompareOp, op.Code(op.GreaterThan))
	b.Jump(op.PopJumpForwardIfFalse, else_)
	b.LoadConst("big")
	b.Emit(op.ReturnValue)
	b.Mark(else_)
	b.LoadConst("small")
	b.Emit(op.ReturnValue)
	code := build(t, b)

	require.Equal(t, "big", runValue(t, code, WithGlobals(map[string]any{"x": 20})))
	require.Equal(t, "small", runValue(t, code, WithGlobals(map[string]any{"x": 3})))
}

func TestFunctionCallWithDefault(t *testing.T) {
	add := bytecode.NewBuilder("add", "add")
	loadFast(add, "a")
	loadFast(add, "b")
	binary(add, op.Add)
	add.Emit(op.ReturnValue)

	b := newModule()
	b.LoadConst(10)
	c := b.Function(add, bytecode.FunctionParams{Parameters: []string{"a", "b"}})
	b.Emit(op.MakeFunction, op.Code(c), 1, 0)
	storeGlobal(b, "add")
	callGlobal(b, "add", 1)
	callGlobal(b, "add", 1, 2)
	b.Emit(op.BuildTuple, 2)
	b.Emit(op.ReturnValue)
	require.Equal(t, []any{int64(11), int64(3)}, runValue(t, build(t, b)))
}

func TestCallArityError(t *testing.T) {
	f := bytecode.NewBuilder("f", "f")
	f.Local("a")
	f.Emit(op.None)
	f.Emit(op.ReturnValue)
	b := newModule()
	function(b, f, bytecode.FunctionParams{Parameters: []string{"a"}}, "f")
	callGlobal(b, "f", 1, 2)
	b.Emit(op.ReturnValue)

	_, _, err := start(t, build(t, b))
	var se *errz.StructuredError
	require.ErrorAs(t, err, &se)
	require.Equal(t, errz.ErrException, se.Kind)
	require.Equal(t, "TypeError", se.Type)
	require.Equal(t, "f() takes 1 positional arguments but 2 were given", se.Message)
}

func TestForRange(t *testing.T) {
	b := newModule()
	top, end := b.NewLabel(), b.NewLabel()
	b.LoadConst(0)
	storeFast(b, "total")
	callGlobal(b, "range", 5)
	b.Emit(op.GetIter)
	b.Mark(top)
	b.Jump(op.ForIter, end)
	storeFast(b, "i")
	loadFast(b, "total")
	loadFast(b, "i")
	binary(b, op.Add)
	storeFast(b, "total")
	b.Jump(op.JumpBackward, top)
	b.Mark(end)
	loadFast(b, "total")
	b.Emit(op.ReturnValue)
	require.Equal(t, int64(10), runValue(t, build(t, b)))
}

func TestGeneratorDrainedByBuiltins(t *testing.T) {
	tests := []struct {
		builtin string
		want    any
	}{
		{"list", []any{int64(3), int64(1), int64(2)}},
		{"tuple", []any{int64(3), int64(1), int64(2)}},
		{"sorted", []any{int64(1), int64(2), int64(3)}},
		{"sum", int64(6)},
		{"max", int64(3)},
		{"min", int64(1)},
	}
	for _, tt := range tests {
		t.Run(tt.builtin, func(t *testing.T) {
			b := newModule()
			function(b, generatorOf(3, 1, 2), bytecode.FunctionParams{Kind: bytecode.Generator}, "gen")
			loadGlobal(b, tt.builtin)
			callGlobal(b, "gen")
			call(b, 1)
			b.Emit(op.ReturnValue)
			require.Equal(t, tt.want, runValue(t, build(t, b)))
		})
	}
}

func TestGeneratorForLoop(t *testing.T) {
	b := newModule()
	function(b, generatorOf(1, 2, 3), bytecode.FunctionParams{Kind: bytecode.Generator}, "gen")
	top, end := b.NewLabel(), b.NewLabel()
	b.LoadConst(0)
	storeFast(b, "total")
	callGlobal(b, "gen")
	b.Emit(op.GetIter)
	b.Mark(top)
	b.Jump(op.ForIter, end)
	storeFast(b, "v")
	loadFast(b, "total")
	loadFast(b, "v")
	binary(b, op.Add)
	storeFast(b, "total")
	b.Jump(op.JumpBackward, top)
	b.Mark(end)
	loadFast(b, "total")
	b.Emit(op.ReturnValue)
	require.Equal(t, int64(6), runValue(t, build(t, b)))
}

func TestNextWithDefault(t *testing.T) {
	b := newModule()
	function(b, generatorOf(1), bytecode.FunctionParams{Kind: bytecode.Generator}, "gen")
	callGlobal(b, "gen")
	storeFast(b, "g")
	loadGlobal(b, "next")
	loadFast(b, "g")
	call(b, 1)
	loadGlobal(b, "next")
	loadFast(b, "g")
	b.LoadConst("done")
	call(b, 2)
	b.Emit(op.BuildTuple, 2)
	b.Emit(op.ReturnValue)
	require.Equal(t, []any{int64(1), "done"}, runValue(t, build(t, b)))
}

func TestExceptionCaught(t *testing.T) {
	b := newModule()
	guard(b, 0, "ValueError", func() {
		raiseNew(b, "ValueError", "bad input")
	}, func() {
		b.LoadConst("caught")
		b.Emit(op.ReturnValue)
	})
	b.Emit(op.None)
	b.Emit(op.ReturnValue)
	require.Equal(t, "caught", runValue(t, build(t, b)))
}

func TestHandlerMatchesSubclass(t *testing.T) {
	b := newModule()
	guard(b, 0, "LookupError", func() {
		raiseNew(b, "KeyError", "k")
	}, func() {
		b.LoadConst("lookup")
		b.Emit(op.ReturnValue)
	})
	require.Equal(t, "lookup", runValue(t, build(t, b)))
}

func TestUncaughtException(t *testing.T) {
	f := bytecode.NewBuilder("fail", "fail").SetSource("main.py", "raise KeyError('missing')")
	f.At(1, 1)
	raiseNew(f, "KeyError", "missing")

	b := newModule()
	function(b, f, bytecode.FunctionParams{}, "fail")
	guard(b, 0, "ValueError", func() {
		callGlobal(b, "fail")
		b.Emit(op.PopTop)
	}, func() {})
	b.Emit(op.None)
	b.Emit(op.ReturnValue)

	vm, _, err := start(t, build(t, b))
	require.True(t, errz.IsException(err))
	var se *errz.StructuredError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "KeyError", se.Type)
	require.Equal(t, "missing", se.Message)
	require.Len(t, se.Stack, 2)
	require.Equal(t, "fail", se.Stack[1].Function)
	require.Equal(t, 1, se.Location.Line)
	require.NoError(t, vm.AuditRefcounts())
}

func TestReraiseRestoresOuterContext(t *testing.T) {
	// try:
	//     raise ValueError("outer")
	// except:
	//     try:
	//         raise TypeError("inner")
	//     except TypeError:
	//         pass
	//     raise
	b := newModule()
	outerStart, outerEnd, outerHandler := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(outerStart)
	raiseNew(b, "ValueError", "outer")
	b.Mark(outerEnd)
	b.Mark(outerHandler)
	// The outer exception stays on the stack while its handler runs.
	guard(b, 1, "TypeError", func() {
		raiseNew(b, "TypeError", "inner")
	}, func() {})
	b.Emit(op.Raise, 0)
	b.Handler(outerStart, outerEnd, outerHandler, 0)

	_, _, err := start(t, build(t, b))
	var se *errz.StructuredError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "ValueError", se.Type)
	require.Equal(t, "outer", se.Message)
}

func TestExceptionContextChain(t *testing.T) {
	b := newModule()
	outerStart, outerEnd, outerHandler := b.NewLabel(), b.NewLabel(), b.NewLabel()
	innerStart, innerEnd, innerHandler := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(outerStart)
	raiseNew(b, "ValueError", "a")
	b.Mark(outerEnd)
	b.Mark(outerHandler)
	b.Mark(innerStart)
	raiseNew(b, "TypeError", "b")
	b.Mark(innerEnd)
	b.Mark(innerHandler)
	b.Emit(op.LoadAttr, op.Code(b.Name("__context__")))
	storeFast(b, "ctx")
	loadGlobal(b, "repr")
	loadFast(b, "ctx")
	call(b, 1)
	b.Emit(op.ReturnValue)
	b.Handler(outerStart, outerEnd, outerHandler, 0)
	b.Handler(innerStart, innerEnd, innerHandler, 1)
	require.Equal(t, "ValueError('a')", runValue(t, build(t, b)))
}

func TestRecursionLimitIsCatchable(t *testing.T) {
	f := bytecode.NewBuilder("f", "f")
	loadGlobal(f, "n")
	f.LoadConst(1)
	binary(f, op.Add)
	storeGlobal(f, "n")
	callGlobal(f, "f")
	f.Emit(op.ReturnValue)

	b := newModule()
	b.LoadConst(0)
	storeGlobal(b, "n")
	function(b, f, bytecode.FunctionParams{}, "f")
	guard(b, 0, "RecursionError", func() {
		callGlobal(b, "f")
		b.Emit(op.PopTop)
	}, func() {
		loadGlobal(b, "n")
		b.Emit(op.ReturnValue)
	})
	code := build(t, b)

	for i := 0; i < 2; i++ {
		tracker, err := resource.NewLimited(resource.Limits{MaxRecursionDepth: 10})
		require.NoError(t, err)
		// Module frame plus nine calls of f reach depth 10.
		require.Equal(t, int64(9), runValue(t, code, WithTracker(tracker)))
	}
}

func TestAllocationLimitIsFatal(t *testing.T) {
	b := newModule()
	guard(b, 0, "BaseException", func() {
		top := b.NewLabel()
		b.Mark(top)
		b.Emit(op.BuildList, 0)
		b.Emit(op.PopTop)
		b.Jump(op.JumpBackward, top)
	}, func() {
		b.LoadConst("caught")
		b.Emit(op.ReturnValue)
	})
	code := build(t, b)

	const limit = 25
	for i := 0; i < 2; i++ {
		tracker, err := resource.NewLimited(resource.Limits{MaxAllocations: limit})
		require.NoError(t, err)
		_, _, err = start(t, code, WithTracker(tracker))
		require.True(t, errz.IsResource(err))
		le, ok := resource.AsLimitError(err)
		require.True(t, ok)
		require.Equal(t, resource.AllocationLimit, le.Kind)
		require.Equal(t, int64(limit+1), le.Value)
		require.Equal(t, int64(limit), tracker.Usage().Allocations)
	}
}

func TestOperationLimit(t *testing.T) {
	b := newModule()
	top := b.NewLabel()
	b.Mark(top)
	b.Jump(op.JumpBackward, top)
	tracker, err := resource.NewLimited(resource.Limits{MaxOperations: 100})
	require.NoError(t, err)
	_, _, err = start(t, build(t, b), WithTracker(tracker))
	le, ok := resource.AsLimitError(err)
	require.True(t, ok)
	require.Equal(t, resource.OperationLimit, le.Kind)
}

func TestClassWithInit(t *testing.T) {
	init := bytecode.NewBuilder("Point.__init__", "__init__")
	init.Local("self")
	loadFast(init, "v")
	loadFast(init, "self")
	init.Emit(op.StoreAttr, op.Code(init.Name("x")))
	init.Emit(op.None)
	init.Emit(op.ReturnValue)

	body := bytecode.NewBuilder("Point", "Point")
	c := body.Function(init, bytecode.FunctionParams{Parameters: []string{"self", "v"}})
	body.Emit(op.MakeFunction, op.Code(c), 0, 0)
	body.Emit(op.StoreName, op.Code(body.Name("__init__")))
	body.Emit(op.None)
	body.Emit(op.ReturnValue)

	b := newModule()
	cls := b.ClassBody(body)
	b.Emit(op.BuildClass, op.Code(cls), op.Code(b.Name("Point")), 0)
	storeGlobal(b, "Point")
	callGlobal(b, "Point", 7)
	b.Emit(op.LoadAttr, op.Code(b.Name("x")))
	b.Emit(op.ReturnValue)
	require.Equal(t, int64(7), runValue(t, build(t, b)))
}

func TestUserExceptionClass(t *testing.T) {
	body := bytecode.NewBuilder("AppError", "AppError")
	body.Emit(op.None)
	body.Emit(op.ReturnValue)

	b := newModule()
	cls := b.ClassBody(body)
	loadGlobal(b, "ValueError")
	b.Emit(op.BuildClass, op.Code(cls), op.Code(b.Name("AppError")), 1)
	storeGlobal(b, "AppError")
	guard(b, 0, "ValueError", func() {
		raiseNew(b, "AppError", "boom")
	}, func() {
		b.LoadConst("handled")
		b.Emit(op.ReturnValue)
	})
	require.Equal(t, "handled", runValue(t, build(t, b)))
}

func TestCycleCollection(t *testing.T) {
	b := newModule()
	b.Emit(op.BuildList, 0)
	storeFast(b, "a")
	loadFast(b, "a")
	b.Emit(op.LoadAttr, op.Code(b.Name("append")))
	loadFast(b, "a")
	call(b, 1)
	b.Emit(op.PopTop)
	b.Emit(op.DeleteFast, op.Code(b.Local("a")))
	callGlobal(b, "gc_collect")
	b.Emit(op.ReturnValue)

	vm, exit, err := start(t, build(t, b))
	require.NoError(t, err)
	require.Equal(t, int64(1), exit.Value)
	require.Equal(t, 1, vm.Heap().Live(), "only the globals dict survives")
	require.NoError(t, vm.AuditRefcounts())
}

func TestWeakRef(t *testing.T) {
	b := newModule()
	b.Emit(op.ImportName, op.Code(b.Name("weakref")))
	b.Emit(op.LoadAttr, op.Code(b.Name("ref")))
	b.Emit(op.BuildList, 0)
	storeFast(b, "target")
	loadFast(b, "target")
	call(b, 1)
	storeFast(b, "r")
	loadFast(b, "r")
	call(b, 0)
	loadFast(b, "target")
	b.Emit(op.IsOp, 0)
	b.Emit(op.DeleteFast, op.Code(b.Local("target")))
	loadFast(b, "r")
	call(b, 0)
	b.Emit(op.BuildTuple, 2)
	b.Emit(op.ReturnValue)
	require.Equal(t, []any{true, nil}, runValue(t, build(t, b)))
}

func TestImportUnknownModule(t *testing.T) {
	b := newModule()
	b.Emit(op.ImportName, op.Code(b.Name("socket")))
	b.Emit(op.ReturnValue)
	_, _, err := start(t, build(t, b))
	var se *errz.StructuredError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "ModuleNotFoundError", se.Type)
}

func TestInternalErrorIsReported(t *testing.T) {
	b := newModule()
	b.Emit(op.PopExcept)
	_, _, err := start(t, build(t, b))
	require.True(t, errz.IsInternal(err))
}

type haltingObserver struct {
	NoOpObserver
	steps int
	limit int
	calls []string
}

func (o *haltingObserver) OnStep(StepEvent) bool {
	o.steps++
	return o.steps < o.limit
}

func (o *haltingObserver) OnCall(e CallEvent) bool {
	o.calls = append(o.calls, e.Function)
	return true
}

func TestObserver(t *testing.T) {
	f := bytecode.NewBuilder("f", "f")
	f.Emit(op.None)
	f.Emit(op.ReturnValue)
	b := newModule()
	function(b, f, bytecode.FunctionParams{}, "f")
	callGlobal(b, "f")
	b.Emit(op.PopTop)
	top := b.NewLabel()
	b.Mark(top)
	b.Jump(op.JumpBackward, top)

	obs := &haltingObserver{limit: 20}
	_, _, err := start(t, build(t, b), WithObserver(obs))
	require.True(t, errz.IsResource(err))
	require.True(t, errors.Is(err, ErrHalted))
	require.Equal(t, 20, obs.steps)
	require.Equal(t, []string{"f"}, obs.calls)
}

func TestBinaryOps(t *testing.T) {
	vm, err := New(build(t, newModule()))
	require.NoError(t, err)
	tests := []struct {
		kind op.BinaryOpType
		a, b object.Value
		want object.Value
		exc  object.ExcType
	}{
		{op.Add, object.Int(2), object.Int(3), object.Int(5), object.NoExc},
		{op.FloorDivide, object.Int(-7), object.Int(2), object.Int(-4), object.NoExc},
		{op.Modulo, object.Int(-7), object.Int(2), object.Int(1), object.NoExc},
		{op.Divide, object.Int(1), object.Int(4), object.Float(0.25), object.NoExc},
		{op.Power, object.Int(2), object.Int(10), object.Int(1024), object.NoExc},
		{op.Add, object.Int(1), object.Float(0.5), object.Float(1.5), object.NoExc},
		{op.BitwiseAnd, object.True, object.False, object.False, object.NoExc},
		{op.Add, object.Int(9223372036854775807), object.Int(1), object.Undefined, object.OverflowError},
		{op.Divide, object.Int(1), object.Int(0), object.Undefined, object.ZeroDivisionError},
		{op.Modulo, object.Int(1), object.Int(0), object.Undefined, object.ZeroDivisionError},
		{op.Subtract, object.None, object.Int(1), object.Undefined, object.TypeError},
	}
	for _, tt := range tests {
		got, err := vm.binaryOp(tt.kind, tt.a, tt.b)
		if tt.exc != object.NoExc {
			var ge *object.GuestError
			require.ErrorAs(t, err, &ge, "%s %s %s", tt.a, tt.kind, tt.b)
			require.Equal(t, tt.exc, ge.Type)
			continue
		}
		require.NoError(t, err)
		require.True(t, object.Identical(tt.want, got), "%s %s %s = %s", tt.a, tt.kind, tt.b, got)
	}
}

func TestStringBuiltins(t *testing.T) {
	b := newModule()
	b.LoadConst(", ")
	b.Emit(op.LoadAttr, op.Code(b.Name("join")))
	b.LoadConst("a b  c")
	b.Emit(op.LoadAttr, op.Code(b.Name("split")))
	call(b, 0)
	call(b, 1)
	b.Emit(op.LoadAttr, op.Code(b.Name("upper")))
	call(b, 0)
	b.Emit(op.ReturnValue)
	require.Equal(t, "A, B, C", runValue(t, build(t, b)))
}

func TestDictBuiltins(t *testing.T) {
	b := newModule()
	b.LoadConst("a")
	b.LoadConst(1)
	b.LoadConst("b")
	b.LoadConst(2)
	b.Emit(op.BuildDict, 2)
	storeFast(b, "d")
	loadFast(b, "d")
	b.Emit(op.LoadAttr, op.Code(b.Name("get")))
	b.LoadConst("z")
	b.LoadConst(0)
	call(b, 2)
	loadFast(b, "d")
	b.Emit(op.LoadAttr, op.Code(b.Name("pop")))
	b.LoadConst("a")
	call(b, 1)
	loadGlobal(b, "list")
	loadFast(b, "d")
	call(b, 1)
	b.Emit(op.BuildTuple, 3)
	b.Emit(op.ReturnValue)
	require.Equal(t, []any{int64(0), int64(1), []any{"b"}}, runValue(t, build(t, b)))
}

func TestDictMutationDuringIteration(t *testing.T) {
	b := newModule()
	top, end := b.NewLabel(), b.NewLabel()
	b.LoadConst("a")
	b.LoadConst(1)
	b.Emit(op.BuildDict, 1)
	storeFast(b, "d")
	loadFast(b, "d")
	b.Emit(op.GetIter)
	b.Mark(top)
	b.Jump(op.ForIter, end)
	storeFast(b, "k")
	b.LoadConst(2)
	loadFast(b, "d")
	b.LoadConst("new")
	b.Emit(op.StoreSubscr)
	b.Jump(op.JumpBackward, top)
	b.Mark(end)
	b.Emit(op.None)
	b.Emit(op.ReturnValue)
	_, _, err := start(t, build(t, b))
	var se *errz.StructuredError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "RuntimeError", se.Type)
	require.Equal(t, "dictionary changed size during iteration", se.Message)
}

func TestOversizedRepeatIsCatchable(t *testing.T) {
	b := newModule()
	guard(b, 0, "MemoryError", func() {
		b.LoadConst("x")
		b.LoadConst(3_000_000_000)
		binary(b, op.Multiply)
		b.Emit(op.ReturnValue)
	}, func() {
		b.LoadConst("too big")
		b.Emit(op.ReturnValue)
	})
	require.Equal(t, "too big", runValue(t, build(t, b)))

	b = newModule()
	guard(b, 0, "MemoryError", func() {
		b.LoadConst(1)
		b.LoadConst(2)
		b.Emit(op.BuildList, 2)
		b.LoadConst(int64(1) << 62)
		binary(b, op.Multiply)
		b.Emit(op.ReturnValue)
	}, func() {
		b.LoadConst("too big")
		b.Emit(op.ReturnValue)
	})
	require.Equal(t, "too big", runValue(t, build(t, b)))
}
