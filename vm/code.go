package vm

import (
	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/op"
)

// loadedCode is a code block prepared for execution: constants and names are
// converted to inline values once, when the block is first entered.
type loadedCode struct {
	*bytecode.Code
	instructions []op.Code
	constants    []object.Value
	functions    []*bytecode.Function // by constant index; nil for plain constants
	names        []object.Value
}

func (vm *VM) loadCode(code *bytecode.Code) *loadedCode {
	if lc, ok := vm.loaded[code]; ok {
		return lc
	}
	interns := vm.heap.Interns()
	lc := &loadedCode{
		Code:         code,
		instructions: make([]op.Code, code.InstructionCount()),
		constants:    make([]object.Value, code.ConstantCount()),
		functions:    make([]*bytecode.Function, code.ConstantCount()),
		names:        make([]object.Value, code.NameCount()),
	}
	for i := range lc.instructions {
		lc.instructions[i] = code.InstructionAt(i)
	}
	for i := range lc.constants {
		switch c := code.ConstantAt(i).(type) {
		case nil:
			lc.constants[i] = object.None
		case bool:
			lc.constants[i] = object.Bool(c)
		case int64:
			lc.constants[i] = object.Int(c)
		case float64:
			lc.constants[i] = object.Float(c)
		case string:
			lc.constants[i] = object.Str(interns.Intern(c))
		case []byte:
			lc.constants[i] = object.BytesValue(interns.InternBytes(c))
		case *bytecode.Function:
			lc.functions[i] = c
		default:
			panic(errz.Internalf("code %s: unsupported constant %T", code.ID(), c))
		}
	}
	for i := range lc.names {
		lc.names[i] = object.Str(interns.Intern(code.NameAt(i)))
	}
	vm.loaded[code] = lc
	return lc
}

// nameAt returns the text of name i.
func (c *loadedCode) nameAt(i int) string {
	return c.NameAt(i)
}

// location returns the traceback location of the instruction at ip.
func (c *loadedCode) location(ip int) errz.SourceLocation {
	loc := c.LocationAt(ip)
	return errz.SourceLocation{
		Filename: c.Filename(),
		Line:     loc.Line,
		Column:   loc.Column,
		Source:   c.GetSourceLine(loc.Line),
	}
}
