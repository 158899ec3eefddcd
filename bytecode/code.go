package bytecode

import (
	"slices"
	"strings"

	"github.com/deepnoodle-ai/pyrite/op"
)

// Code is one compiled code block: a module body, a function body or a class
// body. It is immutable after creation and safe to share between VMs.
//
// Constants are limited to nil, bool, int64, float64, string, []byte and
// *Function. The VM converts them to values when a program is loaded.
type Code struct {
	id       string
	name     string
	children []*Code
	parent   *Code

	instructions []op.Code
	constants    []any
	names        []string
	source       string
	filename     string

	// One location per instruction, used for tracebacks.
	locations []SourceLocation

	localCount int
	localNames []string

	// Cells owned by this block come first in the frame's cell array,
	// followed by the free cells captured from the enclosing closure.
	cellCount int
	freeCount int

	exceptionHandlers []ExceptionHandler
}

// CodeParams contains parameters for creating a new Code.
type CodeParams struct {
	ID                string
	Name              string
	Children          []*Code
	Instructions      []op.Code
	Constants         []any
	Names             []string
	Source            string
	Filename          string
	Locations         []SourceLocation
	LocalCount        int
	LocalNames        []string
	CellCount         int
	FreeCount         int
	ExceptionHandlers []ExceptionHandler
}

// NewCode creates a new immutable Code from the given parameters.
// Input slices are copied so later caller mutation has no effect.
func NewCode(params CodeParams) *Code {
	var children []*Code
	if len(params.Children) > 0 {
		children = make([]*Code, len(params.Children))
		copy(children, params.Children)
	}
	code := &Code{
		id:                params.ID,
		name:              params.Name,
		children:          children,
		instructions:      slices.Clone(params.Instructions),
		constants:         cloneConstants(params.Constants),
		names:             slices.Clone(params.Names),
		source:            params.Source,
		filename:          params.Filename,
		locations:         slices.Clone(params.Locations),
		localCount:        params.LocalCount,
		localNames:        slices.Clone(params.LocalNames),
		cellCount:         params.CellCount,
		freeCount:         params.FreeCount,
		exceptionHandlers: slices.Clone(params.ExceptionHandlers),
	}
	if code.localCount < len(code.localNames) {
		code.localCount = len(code.localNames)
	}
	for _, child := range code.children {
		child.parent = code
	}
	return code
}

// ID returns the stable identifier of this code block. Snapshots refer to
// code by this id, so it must be unique within a program.
func (c *Code) ID() string {
	return c.id
}

// Name returns the name of this code block.
func (c *Code) Name() string {
	return c.name
}

// Parent returns the enclosing code block, or nil for the root.
func (c *Code) Parent() *Code {
	return c.parent
}

// ChildCount returns the number of child code blocks.
func (c *Code) ChildCount() int {
	return len(c.children)
}

// ChildAt returns the child code block at the given index.
func (c *Code) ChildAt(index int) *Code {
	return c.children[index]
}

// InstructionCount returns the number of instruction words, operands
// included.
func (c *Code) InstructionCount() int {
	return len(c.instructions)
}

// InstructionAt returns the instruction word at the given index.
func (c *Code) InstructionAt(index int) op.Code {
	return c.instructions[index]
}

// ConstantCount returns the number of constants.
func (c *Code) ConstantCount() int {
	return len(c.constants)
}

// ConstantAt returns the constant at the given index.
func (c *Code) ConstantAt(index int) any {
	return c.constants[index]
}

// NameCount returns the number of names.
func (c *Code) NameCount() int {
	return len(c.names)
}

// NameAt returns the global, attribute or module name at the given index.
func (c *Code) NameAt(index int) string {
	return c.names[index]
}

// Source returns the source text for this block, if it was recorded.
func (c *Code) Source() string {
	return c.source
}

// Filename returns the source filename.
func (c *Code) Filename() string {
	if c.filename == "" && c.parent != nil {
		return c.parent.Filename()
	}
	return c.filename
}

// LocalCount returns the number of local variable slots.
func (c *Code) LocalCount() int {
	return c.localCount
}

// LocalNameCount returns the number of named locals.
func (c *Code) LocalNameCount() int {
	return len(c.localNames)
}

// LocalNameAt returns the local variable name at the given index, or an
// empty string if the index is out of range.
func (c *Code) LocalNameAt(index int) string {
	if index < 0 || index >= len(c.localNames) {
		return ""
	}
	return c.localNames[index]
}

// CellCount returns the number of cells created when a frame for this code
// is activated.
func (c *Code) CellCount() int {
	return c.cellCount
}

// FreeCount returns the number of cells captured from the enclosing scope.
func (c *Code) FreeCount() int {
	return c.freeCount
}

// LocationAt returns the source location for the instruction at the given
// index.
func (c *Code) LocationAt(ip int) SourceLocation {
	if ip < 0 || ip >= len(c.locations) {
		return SourceLocation{}
	}
	return c.locations[ip]
}

// LocationCount returns the number of recorded source locations.
func (c *Code) LocationCount() int {
	return len(c.locations)
}

// ExceptionHandlerCount returns the number of exception handlers.
func (c *Code) ExceptionHandlerCount() int {
	return len(c.exceptionHandlers)
}

// ExceptionHandlerAt returns the exception handler at the given index.
func (c *Code) ExceptionHandlerAt(index int) ExceptionHandler {
	return c.exceptionHandlers[index]
}

// HandlerFor returns the innermost handler whose protected range covers ip.
// Nested try blocks produce nested ranges, so the narrowest one wins.
func (c *Code) HandlerFor(ip int) (ExceptionHandler, bool) {
	best := -1
	for i, h := range c.exceptionHandlers {
		if !h.Covers(ip) {
			continue
		}
		if best < 0 || h.span() < c.exceptionHandlers[best].span() {
			best = i
		}
	}
	if best < 0 {
		return ExceptionHandler{}, false
	}
	return c.exceptionHandlers[best], true
}

// Flatten returns this code and all descendants in a flat slice, parents
// before children.
func (c *Code) Flatten() []*Code {
	var codes []*Code
	codes = append(codes, c)
	for _, child := range c.children {
		codes = append(codes, child.Flatten()...)
	}
	return codes
}

// GetSourceLine returns the source line at the given 1-based line number,
// read from the root code block.
func (c *Code) GetSourceLine(lineNum int) string {
	if lineNum < 1 {
		return ""
	}
	root := c
	for root.parent != nil {
		root = root.parent
	}
	if root.source == "" {
		return ""
	}
	lines := strings.Split(root.source, "\n")
	if lineNum > len(lines) {
		return ""
	}
	return lines[lineNum-1]
}

// Stats returns statistics about this code block and its descendants.
func (c *Code) Stats() Stats {
	var stats Stats
	for _, code := range c.Flatten() {
		stats.CodeCount++
		stats.InstructionCount += code.InstructionCount()
		stats.ConstantCount += code.ConstantCount()
		stats.HandlerCount += code.ExceptionHandlerCount()
		for i := 0; i < code.ConstantCount(); i++ {
			if _, ok := code.ConstantAt(i).(*Function); ok {
				stats.FunctionCount++
			}
		}
	}
	stats.SourceBytes = len(c.source)
	return stats
}

// FunctionNames returns the names of the functions defined directly in this
// code block.
func (c *Code) FunctionNames() []string {
	var names []string
	for i := 0; i < c.ConstantCount(); i++ {
		if fn, ok := c.ConstantAt(i).(*Function); ok && fn.Name() != "" {
			names = append(names, fn.Name())
		}
	}
	return names
}
