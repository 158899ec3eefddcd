// Package dis supports analysis of pyrite bytecode by disassembling it.
// This works with the opcodes defined in the `op` package and uses the
// InstructionIter type from the `bytecode` package.
package dis

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/fatih/color"
)

// Instruction represents a single bytecode instruction and its operands.
type Instruction struct {
	Offset     int
	Name       string
	Opcode     op.Code
	Operands   []op.Code
	Annotation string
	Constant   any
	// Target is the absolute jump target for jump instructions, else -1.
	Target int
}

// Disassemble returns a parsed representation of the given bytecode.
func Disassemble(code *bytecode.Code) ([]Instruction, error) {
	var instructions []Instruction
	iter := bytecode.NewInstructionIter(code)
	for {
		offset := iter.Offset()
		val, ok := iter.Next()
		if !ok {
			break
		}
		info := op.GetInfo(val[0])
		if info.Name == "" {
			return nil, fmt.Errorf("unknown opcode %d at offset %d", val[0], offset)
		}
		if len(val)-1 < info.OperandCount {
			return nil, fmt.Errorf("%s at offset %d: truncated instruction", info.Name, offset)
		}
		instr := Instruction{
			Offset:   offset,
			Name:     info.Name,
			Opcode:   val[0],
			Operands: val[1:],
			Target:   -1,
		}
		if err := annotate(code, &instr); err != nil {
			return nil, fmt.Errorf("%s at offset %d: %w", info.Name, offset, err)
		}
		instructions = append(instructions, instr)
	}
	return instructions, nil
}

func annotate(code *bytecode.Code, instr *Instruction) error {
	var err error
	operand := func(i int) int { return int(instr.Operands[i]) }
	switch instr.Opcode {
	case op.LoadFast, op.StoreFast, op.DeleteFast:
		instr.Annotation, err = localName(code, operand(0))
	case op.LoadGlobal, op.StoreGlobal, op.LoadName, op.StoreName,
		op.LoadAttr, op.StoreAttr, op.ImportName:
		instr.Annotation, err = name(code, operand(0))
	case op.BinaryOp:
		instr.Annotation = op.BinaryOpType(operand(0)).String()
	case op.CompareOp:
		instr.Annotation = op.CompareOpType(operand(0)).String()
	case op.IsOp:
		instr.Annotation = "is"
		if operand(0) != 0 {
			instr.Annotation = "is not"
		}
	case op.ContainsOp:
		instr.Annotation = "in"
		if operand(0) != 0 {
			instr.Annotation = "not in"
		}
	case op.LoadConst, op.MakeFunction:
		instr.Constant, err = constant(code, operand(0))
		instr.Annotation = formatConstant(instr.Constant)
	case op.BuildClass:
		var className string
		if className, err = name(code, operand(1)); err == nil {
			instr.Annotation = "class " + className
		}
	case op.Raise:
		instr.Annotation = [...]string{"reraise", "raise", "raise from"}[min(operand(0), 2)]
	}
	if op.IsJump(instr.Opcode) {
		instr.Target = instr.Offset + operand(0)
		if instr.Opcode == op.JumpBackward {
			instr.Target = instr.Offset - operand(0)
		}
		instr.Annotation = fmt.Sprintf("to %d", instr.Target)
	}
	return err
}

func formatConstant(c any) string {
	switch c := c.(type) {
	case nil:
		return "None"
	case bool:
		if c {
			return "True"
		}
		return "False"
	case string:
		if len(c) > 80 {
			c = c[:77] + "..."
		}
		return fmt.Sprintf("%q", c)
	case []byte:
		return fmt.Sprintf("b%q", c)
	case *bytecode.Function:
		n := c.Name()
		if n == "" {
			n = "<anonymous>"
		}
		return fmt.Sprintf("%s %s", c.Kind(), n)
	default:
		return fmt.Sprintf("%v", c)
	}
}

var (
	opcodeColor   = color.New(color.Bold)
	constColor    = color.New(color.FgYellow)
	stringColor   = color.New(color.FgGreen)
	functionColor = color.New(color.FgMagenta)
	infoColor     = color.New(color.FgHiCyan)
)

func colorize(instr Instruction) string {
	if instr.Annotation == "" {
		return ""
	}
	switch instr.Constant.(type) {
	case string, []byte:
		return stringColor.Sprint(instr.Annotation)
	case *bytecode.Function:
		return functionColor.Sprint(instr.Annotation)
	case nil:
		if instr.Opcode == op.LoadConst {
			return constColor.Sprint(instr.Annotation)
		}
		return infoColor.Sprint(instr.Annotation)
	default:
		return constColor.Sprint(instr.Annotation)
	}
}

// Print a string representation of the given instructions to the given
// writer. Colors follow github.com/fatih/color, so they switch off when the
// output is not a terminal or NO_COLOR is set.
func Print(instructions []Instruction, writer io.Writer) error {
	w := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OFFSET\tOPCODE\tOPERANDS\tINFO")
	for _, instr := range instructions {
		// Only the last column is colored; escape codes would skew the
		// tabwriter's widths elsewhere.
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			instr.Offset, instr.Name, formatOperands(instr.Operands), colorize(instr))
	}
	return w.Flush()
}

// PrintCode disassembles code and every nested code block, printing each
// under a header together with its exception table.
func PrintCode(code *bytecode.Code, writer io.Writer) error {
	for i, c := range code.Flatten() {
		instructions, err := Disassemble(c)
		if err != nil {
			return fmt.Errorf("disassemble %s: %w", c.ID(), err)
		}
		if i > 0 {
			fmt.Fprintln(writer)
		}
		fmt.Fprintf(writer, "%s %s (locals=%d, cells=%d+%d)\n",
			opcodeColor.Sprint(c.Name()), c.ID(), c.LocalCount(), c.CellCount(), c.FreeCount())
		if err := Print(instructions, writer); err != nil {
			return err
		}
		if n := c.ExceptionHandlerCount(); n > 0 {
			fmt.Fprintln(writer, "handlers:")
			for j := 0; j < n; j++ {
				h := c.ExceptionHandlerAt(j)
				fmt.Fprintf(writer, "  %d..%d -> %d depth %d\n", h.TryStart, h.TryEnd, h.HandlerStart, h.StackDepth)
			}
		}
	}
	return nil
}

// Find returns the code block of the named function defined anywhere in
// code.
func Find(code *bytecode.Code, funcName string) (*bytecode.Code, bool) {
	for _, c := range code.Flatten() {
		for i := 0; i < c.ConstantCount(); i++ {
			if fn, ok := c.ConstantAt(i).(*bytecode.Function); ok && fn.Name() == funcName {
				return fn.Code(), true
			}
		}
	}
	return nil, false
}

func formatOperands(ops []op.Code) string {
	parts := make([]string, len(ops))
	for i, o := range ops {
		parts[i] = fmt.Sprintf("%d", o)
	}
	return strings.Join(parts, ", ")
}

func localName(code *bytecode.Code, index int) (string, error) {
	if code.LocalCount() <= index {
		return "", fmt.Errorf("local variable index out of range: %d", index)
	}
	if index < code.LocalNameCount() {
		if n := code.LocalNameAt(index); n != "" {
			return n, nil
		}
	}
	return fmt.Sprintf("local_%d", index), nil
}

func constant(code *bytecode.Code, index int) (any, error) {
	if code.ConstantCount() <= index {
		return nil, fmt.Errorf("constant index out of range: %d", index)
	}
	return code.ConstantAt(index), nil
}

func name(code *bytecode.Code, index int) (string, error) {
	if code.NameCount() <= index {
		return "", fmt.Errorf("name index out of range: %d", index)
	}
	return code.NameAt(index), nil
}
