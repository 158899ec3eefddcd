package bytecode

import (
	"testing"

	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/stretchr/testify/require"
)

func buildNested(t *testing.T) *Code {
	t.Helper()
	inner := NewBuilder("main.outer.inner", "inner")
	inner.Cells(0, 1)
	inner.Emit(op.LoadDeref, 0)
	inner.Emit(op.ReturnValue)

	outer := NewBuilder("main.outer", "outer")
	outer.Local("x")
	outer.Cells(1, 0)
	fn := outer.Function(inner, FunctionParams{Kind: Generator})
	outer.Emit(op.LoadClosure, 0)
	outer.Emit(op.MakeFunction, op.Code(fn), 0, 1)
	outer.Emit(op.ReturnValue)

	main := NewBuilder("main", "<module>")
	main.SetSource("main.py", "def outer(x): ...")
	start, end, handler := main.NewLabel(), main.NewLabel(), main.NewLabel()
	main.At(1, 1)
	main.Mark(start)
	fnIdx := main.Function(outer, FunctionParams{Parameters: []string{"x"}, RestParam: "rest"})
	main.LoadConst(3.5)
	main.LoadConst([]byte{0, 1})
	main.LoadConst(nil)
	main.LoadConst(false)
	main.Emit(op.MakeFunction, op.Code(fnIdx), 0, 0)
	main.Emit(op.StoreGlobal, op.Code(main.Name("outer")))
	main.Mark(end)
	main.Mark(handler)
	main.Emit(op.None)
	main.Emit(op.ReturnValue)
	main.Handler(start, end, handler, 2)
	return main.MustBuild()
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	code := buildNested(t)
	data, err := Marshal(code)
	require.NoError(t, err)

	restored, err := Unmarshal(data)
	require.NoError(t, err)

	require.Equal(t, code.ID(), restored.ID())
	require.Equal(t, "main.py", restored.Filename())
	require.Equal(t, code.InstructionCount(), restored.InstructionCount())
	for i := 0; i < code.InstructionCount(); i++ {
		require.Equal(t, code.InstructionAt(i), restored.InstructionAt(i))
	}
	require.Equal(t, code.ExceptionHandlerAt(0), restored.ExceptionHandlerAt(0))
	require.Equal(t, 3.5, restored.ConstantAt(1))
	require.Equal(t, []byte{0, 1}, restored.ConstantAt(2))
	require.Nil(t, restored.ConstantAt(3))
	require.Equal(t, false, restored.ConstantAt(4))

	fn, ok := restored.ConstantAt(0).(*Function)
	require.True(t, ok)
	require.Equal(t, "main.outer", fn.ID())
	require.Equal(t, "rest", fn.RestParam())
	require.Same(t, restored.ChildAt(0), fn.Code())
	require.Equal(t, 1, fn.Code().CellCount())

	innerFn, ok := fn.Code().ConstantAt(0).(*Function)
	require.True(t, ok)
	require.Equal(t, Generator, innerFn.Kind())
	require.Equal(t, 1, innerFn.Code().FreeCount())

	// A second round trip yields identical bytes.
	again, err := Marshal(restored)
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(again))
}

func TestUnmarshalErrors(t *testing.T) {
	_, err := Unmarshal([]byte(`{"codes":[]}`))
	require.Error(t, err)

	_, err = Unmarshal([]byte(`{"codes":[{"id":"m","instructions":[],"constants":[{"type":"weird"}],"names":[]}]}`))
	require.ErrorContains(t, err, "unknown constant type")

	_, err = Unmarshal([]byte(`{"codes":[{"id":"m","instructions":[],"constants":[{"type":"function","function":{"id":"f","code_index":7}}],"names":[]}]}`))
	require.ErrorContains(t, err, "invalid code index")
}

func TestMarshalRejectsUnknownConstant(t *testing.T) {
	code := NewCode(CodeParams{ID: "m", Constants: []any{struct{}{}}})
	_, err := Marshal(code)
	require.ErrorContains(t, err, "unknown constant type")
}
