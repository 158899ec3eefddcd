package dis

import (
	"bytes"
	"strings"
	"testing"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func testProgram(t *testing.T) *bytecode.Code {
	fn := bytecode.NewBuilder("main.f", "f")
	fn.Local("x")
	fn.Emit(op.LoadFast, 0)
	fn.LoadConst(1)
	fn.Emit(op.BinaryOp, op.Code(op.Add))
	fn.Emit(op.ReturnValue)

	main := bytecode.NewBuilder("main", "<module>")
	c := main.Function(fn, bytecode.FunctionParams{Parameters: []string{"x"}})
	main.Emit(op.MakeFunction, op.Code(c), 0, 0)
	main.Emit(op.StoreGlobal, op.Code(main.Name("f")))
	skip := main.NewLabel()
	main.Emit(op.True)
	main.Jump(op.PopJumpForwardIfFalse, skip)
	main.LoadConst("kaboom")
	main.Emit(op.PopTop)
	main.Mark(skip)
	main.Emit(op.None)
	main.Emit(op.ReturnValue)
	code, err := main.Build()
	require.NoError(t, err)
	return code
}

func TestDisassemble(t *testing.T) {
	instructions, err := Disassemble(testProgram(t))
	require.NoError(t, err)
	require.Len(t, instructions, 8)

	require.Equal(t, "MAKE_FUNCTION", instructions[0].Name)
	require.Equal(t, "function f", instructions[0].Annotation)
	require.Equal(t, "f", instructions[1].Annotation)

	jump := instructions[3]
	require.Equal(t, "POP_JUMP_FORWARD_IF_FALSE", jump.Name)
	require.Equal(t, 12, jump.Target)
	require.Equal(t, "to 12", jump.Annotation)
	require.Equal(t, 12, instructions[6].Offset)

	require.Equal(t, "kaboom", instructions[4].Constant)
}

func TestPrint(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	code, ok := Find(testProgram(t), "f")
	require.True(t, ok)
	instructions, err := Disassemble(code)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Print(instructions, &buf))
	expected := strings.TrimSpace(`
OFFSET  OPCODE        OPERANDS  INFO
0       LOAD_FAST     0         x
2       LOAD_CONST    0         1
4       BINARY_OP     1         +
6       RETURN_VALUE
`)
	require.Equal(t, expected, trimLines(buf.String()))
}

func TestPrintCode(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	var buf bytes.Buffer
	require.NoError(t, PrintCode(testProgram(t), &buf))
	out := buf.String()
	require.Contains(t, out, "<module> main (locals=0, cells=0+0)")
	require.Contains(t, out, "f main.f (locals=1, cells=0+0)")
	require.Contains(t, out, `"kaboom"`)
}

func TestDisassembleRejectsUnknownOpcode(t *testing.T) {
	code := bytecode.NewCode(bytecode.CodeParams{
		ID:           "bad",
		Instructions: []op.Code{op.Nop, 250},
	})
	_, err := Disassemble(code)
	require.ErrorContains(t, err, "unknown opcode 250 at offset 1")
}

// trimLines drops the padding tabwriter leaves after empty trailing cells.
func trimLines(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}
