package bytecode

import (
	"fmt"

	"github.com/deepnoodle-ai/pyrite/op"
)

// InstructionIter iterates over instructions in a Code object.
type InstructionIter struct {
	code *Code
	pos  int
}

// NewInstructionIter creates a new instruction iterator for the given code.
func NewInstructionIter(code *Code) *InstructionIter {
	return &InstructionIter{code: code}
}

// Offset returns the index of the next instruction Next will return.
func (i *InstructionIter) Offset() int {
	return i.pos
}

// Next returns the next instruction and its operands. It returns false when
// there are no more instructions. A truncated trailing instruction is
// returned with the operands that exist.
func (i *InstructionIter) Next() ([]op.Code, bool) {
	if i.pos >= i.code.InstructionCount() {
		return nil, false
	}
	opcode := i.code.InstructionAt(i.pos)
	i.pos++
	info := op.GetInfo(opcode)
	instr := make([]op.Code, 1, info.OperandCount+1)
	instr[0] = opcode
	for j := 0; j < info.OperandCount && i.pos < i.code.InstructionCount(); j++ {
		instr = append(instr, i.code.InstructionAt(i.pos))
		i.pos++
	}
	return instr, true
}

// All returns all remaining instructions.
func (i *InstructionIter) All() [][]op.Code {
	var results [][]op.Code
	for {
		instr, ok := i.Next()
		if !ok {
			break
		}
		results = append(results, instr)
	}
	return results
}

// Index maps the stable ids of one program to its code blocks and function
// templates. Snapshots store ids; restore resolves them through an Index.
type Index struct {
	root      *Code
	codes     map[string]*Code
	functions map[string]*Function
}

// NewIndex walks a program and indexes every code block and function. Ids
// must be unique.
func NewIndex(root *Code) (*Index, error) {
	idx := &Index{
		root:      root,
		codes:     map[string]*Code{},
		functions: map[string]*Function{},
	}
	for _, code := range root.Flatten() {
		if _, dup := idx.codes[code.ID()]; dup {
			return nil, fmt.Errorf("duplicate code id %q", code.ID())
		}
		idx.codes[code.ID()] = code
		for i := 0; i < code.ConstantCount(); i++ {
			fn, ok := code.ConstantAt(i).(*Function)
			if !ok {
				continue
			}
			if _, dup := idx.functions[fn.ID()]; dup {
				return nil, fmt.Errorf("duplicate function id %q", fn.ID())
			}
			idx.functions[fn.ID()] = fn
		}
	}
	return idx, nil
}

// Root returns the program's module code.
func (idx *Index) Root() *Code {
	return idx.root
}

// Code returns the code block with the given id.
func (idx *Index) Code(id string) (*Code, bool) {
	c, ok := idx.codes[id]
	return c, ok
}

// Function returns the function template with the given id.
func (idx *Index) Function(id string) (*Function, bool) {
	fn, ok := idx.functions[id]
	return fn, ok
}
