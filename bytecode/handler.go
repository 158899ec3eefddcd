package bytecode

import "fmt"

// ExceptionHandler describes one protected range of instructions. All
// positions are instruction word indexes within the owning Code.
type ExceptionHandler struct {
	TryStart     int // first covered instruction
	TryEnd       int // first instruction past the covered range
	HandlerStart int // where execution continues with the exception pushed
	StackDepth   int // operand stack height, relative to the frame, on entry
}

// Covers reports whether the instruction at ip is protected by h.
func (h ExceptionHandler) Covers(ip int) bool {
	return ip >= h.TryStart && ip < h.TryEnd
}

func (h ExceptionHandler) span() int {
	return h.TryEnd - h.TryStart
}

// SourceLocation is a line and column in the source file of a Code.
type SourceLocation struct {
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (s SourceLocation) String() string {
	return fmt.Sprintf("%d:%d", s.Line, s.Column)
}

// IsZero returns true if the location has not been set.
func (s SourceLocation) IsZero() bool {
	return s.Line == 0 && s.Column == 0
}

// Stats summarizes a program. Hosts use it to audit bytecode before running
// it.
type Stats struct {
	CodeCount        int
	InstructionCount int
	ConstantCount    int
	FunctionCount    int
	HandlerCount     int
	SourceBytes      int
}
