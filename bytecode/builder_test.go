package bytecode

import (
	"testing"

	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/stretchr/testify/require"
)

func TestBuilderJumps(t *testing.T) {
	b := NewBuilder("loop", "loop")
	top := b.NewLabel()
	end := b.NewLabel()
	b.Mark(top)                                  // 0
	b.Emit(op.True)                              // 0
	b.Jump(op.PopJumpForwardIfFalse, end)        // 1
	b.Jump(op.JumpBackward, top)                 // 3
	b.Mark(end)                                  // 5
	b.Emit(op.None)                              // 5
	b.Emit(op.ReturnValue)                       // 6
	code, err := b.Build()
	require.NoError(t, err)

	require.Equal(t, op.Code(4), code.InstructionAt(2), "forward delta from the jump opcode")
	require.Equal(t, op.Code(3), code.InstructionAt(4), "backward delta from the jump opcode")
}

func TestBuilderConstDedup(t *testing.T) {
	b := NewBuilder("c", "c")
	require.Equal(t, 0, b.Const(1))
	require.Equal(t, 0, b.Const(int64(1)))
	require.Equal(t, 1, b.Const(1.0))
	require.Equal(t, 2, b.Const("x"))
	require.Equal(t, 2, b.Const("x"))
	require.Equal(t, 3, b.Const([]byte("x")))
	require.Equal(t, 4, b.Const([]byte("x")))
	require.Equal(t, 5, b.Const(nil))
	require.Equal(t, 6, b.Const(true))
}

func TestBuilderErrors(t *testing.T) {
	t.Run("operand count", func(t *testing.T) {
		b := NewBuilder("e", "e")
		b.Emit(op.LoadConst)
		_, err := b.Build()
		require.ErrorContains(t, err, "expected 1 operands")
	})
	t.Run("unplaced label", func(t *testing.T) {
		b := NewBuilder("e", "e")
		b.Jump(op.JumpForward, b.NewLabel())
		_, err := b.Build()
		require.ErrorContains(t, err, "never placed")
	})
	t.Run("backward forward jump", func(t *testing.T) {
		b := NewBuilder("e", "e")
		l := b.NewLabel()
		b.Mark(l)
		b.Emit(op.Nop)
		b.Jump(op.JumpForward, l)
		_, err := b.Build()
		require.ErrorContains(t, err, "cannot reach")
	})
	t.Run("unsupported constant", func(t *testing.T) {
		b := NewBuilder("e", "e")
		b.Const(struct{}{})
		_, err := b.Build()
		require.ErrorContains(t, err, "unsupported constant")
	})
	t.Run("label placed twice", func(t *testing.T) {
		b := NewBuilder("e", "e")
		l := b.NewLabel()
		b.Mark(l)
		b.Mark(l)
		_, err := b.Build()
		require.ErrorContains(t, err, "placed twice")
	})
}

func TestBuilderHandlersAndLocations(t *testing.T) {
	b := NewBuilder("try", "try")
	start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.At(3, 5)
	b.Mark(start)
	b.LoadConst("boom")
	b.Emit(op.Raise, 1)
	b.Mark(end)
	b.Mark(handler)
	b.At(4, 1)
	b.Emit(op.PopTop)
	b.Emit(op.None)
	b.Emit(op.ReturnValue)
	b.Handler(start, end, handler, 0)
	code := b.MustBuild()

	require.Equal(t, 1, code.ExceptionHandlerCount())
	h := code.ExceptionHandlerAt(0)
	require.Equal(t, ExceptionHandler{TryStart: 0, TryEnd: 4, HandlerStart: 4}, h)
	require.Equal(t, SourceLocation{Line: 3, Column: 5}, code.LocationAt(1))
	require.Equal(t, SourceLocation{Line: 4, Column: 1}, code.LocationAt(4))
	require.Equal(t, code.InstructionCount(), code.LocationCount())
}

func TestBuilderLocals(t *testing.T) {
	b := NewBuilder("f", "f")
	require.Equal(t, 0, b.Local("a"))
	require.Equal(t, 1, b.Local("b"))
	require.Equal(t, 0, b.Local("a"))
	b.Cells(1, 2)
	b.Emit(op.None)
	b.Emit(op.ReturnValue)
	code := b.MustBuild()
	require.Equal(t, 2, code.LocalCount())
	require.Equal(t, 1, code.CellCount())
	require.Equal(t, 2, code.FreeCount())
}
