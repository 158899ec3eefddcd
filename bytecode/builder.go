package bytecode

import (
	"fmt"
	"math"
	"slices"

	"github.com/deepnoodle-ai/pyrite/op"
)

// Label marks an instruction position that may not be known yet. Jumps and
// handler ranges refer to labels and are resolved by Build.
type Label int

type jumpFixup struct {
	start   int // index of the jump opcode
	operand int // index of the delta operand
	label   Label
}

type handlerFixup struct {
	tryStart, tryEnd, handler Label
	depth                     int
}

// Builder assembles a Code block. It is the programmatic counterpart of a
// compiler back end: hosts and tests use it to produce bytecode directly.
//
// Builder methods record the first error they encounter and Build returns
// it, so call sites can chain emits without checking each one.
type Builder struct {
	id       string
	name     string
	filename string
	source   string

	instructions []op.Code
	locations    []SourceLocation
	loc          SourceLocation

	constants  []any
	constIndex map[any]int
	names      []string
	nameIndex  map[string]int
	localNames []string
	localIndex map[string]int
	cellCount  int
	freeCount  int

	labels   []int
	jumps    []jumpFixup
	handlers []handlerFixup
	children []*Code

	err error
}

// NewBuilder returns a builder for a code block with the given stable id and
// display name.
func NewBuilder(id, name string) *Builder {
	return &Builder{
		id:         id,
		name:       name,
		constIndex: map[any]int{},
		nameIndex:  map[string]int{},
		localIndex: map[string]int{},
	}
}

// SetSource records the filename and source text used in tracebacks.
func (b *Builder) SetSource(filename, source string) *Builder {
	b.filename = filename
	b.source = source
	return b
}

// At sets the source location attached to subsequently emitted instructions.
func (b *Builder) At(line, column int) *Builder {
	b.loc = SourceLocation{Line: line, Column: column}
	return b
}

// Offset returns the index the next emitted instruction will occupy.
func (b *Builder) Offset() int {
	return len(b.instructions)
}

// Emit appends an instruction and returns its index.
func (b *Builder) Emit(code op.Code, operands ...op.Code) int {
	info := op.GetInfo(code)
	if info.Name == "" {
		b.fail(fmt.Errorf("emit: unknown opcode %d", code))
	} else if len(operands) != info.OperandCount {
		b.fail(fmt.Errorf("emit %s: expected %d operands, got %d",
			info.Name, info.OperandCount, len(operands)))
	}
	start := len(b.instructions)
	b.instructions = append(b.instructions, code)
	b.instructions = append(b.instructions, operands...)
	for i := start; i < len(b.instructions); i++ {
		b.locations = append(b.locations, b.loc)
	}
	return start
}

// Const adds a constant and returns its index. Scalar constants are
// deduplicated.
func (b *Builder) Const(value any) int {
	switch v := value.(type) {
	case int:
		value = int64(v)
	case float64:
		if math.IsNaN(v) {
			b.constants = append(b.constants, v)
			return len(b.constants) - 1
		}
	case []byte, *Function:
		b.constants = append(b.constants, value)
		return len(b.constants) - 1
	case nil, bool, int64, string:
	default:
		b.fail(fmt.Errorf("const: unsupported constant type %T", value))
		return 0
	}
	if idx, ok := b.constIndex[value]; ok {
		return idx
	}
	b.constants = append(b.constants, value)
	b.constIndex[value] = len(b.constants) - 1
	return len(b.constants) - 1
}

// LoadConst emits LOAD_CONST for the given constant.
func (b *Builder) LoadConst(value any) int {
	return b.Emit(op.LoadConst, op.Code(b.Const(value)))
}

// Name interns a global, attribute or module name and returns its index.
func (b *Builder) Name(name string) int {
	if idx, ok := b.nameIndex[name]; ok {
		return idx
	}
	b.names = append(b.names, name)
	b.nameIndex[name] = len(b.names) - 1
	return len(b.names) - 1
}

// Local returns the slot of the named local, allocating one on first use.
// Parameters must be declared first, in order, so they occupy the leading
// slots.
func (b *Builder) Local(name string) int {
	if idx, ok := b.localIndex[name]; ok {
		return idx
	}
	b.localNames = append(b.localNames, name)
	b.localIndex[name] = len(b.localNames) - 1
	return len(b.localNames) - 1
}

// Cells sets how many cells a frame of this code creates, and how many more
// it receives from its closure.
func (b *Builder) Cells(own, free int) *Builder {
	b.cellCount = own
	b.freeCount = free
	return b
}

// NewLabel creates an unplaced label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Mark places a label at the next instruction.
func (b *Builder) Mark(l Label) {
	if int(l) < 0 || int(l) >= len(b.labels) {
		b.fail(fmt.Errorf("mark: unknown label %d", l))
		return
	}
	if b.labels[l] >= 0 {
		b.fail(fmt.Errorf("mark: label %d placed twice", l))
		return
	}
	b.labels[l] = len(b.instructions)
}

// Jump emits a jump-family instruction targeting a label. The delta is
// filled in by Build.
func (b *Builder) Jump(code op.Code, target Label) int {
	if !op.IsJump(code) {
		b.fail(fmt.Errorf("jump: %s is not a jump", op.GetInfo(code).Name))
	}
	start := b.Emit(code, 0)
	b.jumps = append(b.jumps, jumpFixup{start: start, operand: start + 1, label: target})
	return start
}

// Handler registers a protected range [tryStart, tryEnd) whose exceptions
// continue at handler with the operand stack truncated to depth.
func (b *Builder) Handler(tryStart, tryEnd, handler Label, depth int) {
	b.handlers = append(b.handlers, handlerFixup{
		tryStart: tryStart,
		tryEnd:   tryEnd,
		handler:  handler,
		depth:    depth,
	})
}

// Function builds a child code block, wraps it in a Function template,
// stores it as a constant and returns the constant index for MAKE_FUNCTION.
func (b *Builder) Function(child *Builder, params FunctionParams) int {
	code, err := child.Build()
	if err != nil {
		b.fail(fmt.Errorf("function %s: %w", child.name, err))
		return 0
	}
	b.children = append(b.children, code)
	params.Code = code
	if params.Name == "" {
		params.Name = child.name
	}
	return b.Const(NewFunction(params))
}

// ClassBody builds a child code block used as a class body and returns the
// constant index for BUILD_CLASS.
func (b *Builder) ClassBody(child *Builder) int {
	return b.Function(child, FunctionParams{})
}

// Build resolves labels and returns the finished Code.
func (b *Builder) Build() (*Code, error) {
	if b.err != nil {
		return nil, b.err
	}
	instructions := slices.Clone(b.instructions)
	for _, j := range b.jumps {
		target, err := b.resolve(j.label)
		if err != nil {
			return nil, err
		}
		code := instructions[j.start]
		delta := target - j.start
		if code == op.JumpBackward {
			delta = j.start - target
		}
		if delta < 0 {
			return nil, fmt.Errorf("build %s: %s at %d cannot reach %d",
				b.id, op.GetInfo(code).Name, j.start, target)
		}
		instructions[j.operand] = op.Code(delta)
	}
	var handlers []ExceptionHandler
	for _, h := range b.handlers {
		start, err := b.resolve(h.tryStart)
		if err != nil {
			return nil, err
		}
		end, err := b.resolve(h.tryEnd)
		if err != nil {
			return nil, err
		}
		target, err := b.resolve(h.handler)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("build %s: handler range %d..%d is inverted", b.id, start, end)
		}
		handlers = append(handlers, ExceptionHandler{
			TryStart:     start,
			TryEnd:       end,
			HandlerStart: target,
			StackDepth:   h.depth,
		})
	}
	return NewCode(CodeParams{
		ID:                b.id,
		Name:              b.name,
		Children:          b.children,
		Instructions:      instructions,
		Constants:         b.constants,
		Names:             b.names,
		Source:            b.source,
		Filename:          b.filename,
		Locations:         b.locations,
		LocalCount:        len(b.localNames),
		LocalNames:        b.localNames,
		CellCount:         b.cellCount,
		FreeCount:         b.freeCount,
		ExceptionHandlers: handlers,
	}), nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Code {
	code, err := b.Build()
	if err != nil {
		panic(err)
	}
	return code
}

func (b *Builder) resolve(l Label) (int, error) {
	if int(l) < 0 || int(l) >= len(b.labels) {
		return 0, fmt.Errorf("build %s: unknown label %d", b.id, l)
	}
	pos := b.labels[l]
	if pos < 0 {
		return 0, fmt.Errorf("build %s: label %d was never placed", b.id, l)
	}
	return pos, nil
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = fmt.Errorf("build %s: %w", b.id, err)
	}
}
