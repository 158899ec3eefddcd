package errz

import (
	"fmt"
	"strings"
)

// SourceLocation is a position in a guest source file.
type SourceLocation struct {
	Filename string
	Line     int
	Column   int
	Source   string // text of the line, when known
}

// IsZero returns true if the location has not been set.
func (l SourceLocation) IsZero() bool {
	return l.Line == 0 && l.Column == 0
}

func (l SourceLocation) String() string {
	if l.Filename == "" {
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d:%d", l.Filename, l.Line, l.Column)
}

// StackFrame represents a single frame in the guest call stack.
type StackFrame struct {
	Function string
	Location SourceLocation
}

func (f StackFrame) String() string {
	filename := f.Location.Filename
	if filename == "" {
		filename = "<unknown>"
	}
	fn := f.Function
	if fn == "" {
		fn = "<module>"
	}
	return fmt.Sprintf("File %q, line %d, in %s", filename, f.Location.Line, fn)
}

// FormatStackTrace formats frames outermost first.
func FormatStackTrace(frames []StackFrame) string {
	if len(frames) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Traceback (most recent call last):\n")
	for _, frame := range frames {
		b.WriteString("  ")
		b.WriteString(frame.String())
		b.WriteString("\n")
		if src := strings.TrimSpace(frame.Location.Source); src != "" {
			b.WriteString("    ")
			b.WriteString(src)
			b.WriteString("\n")
		}
	}
	return b.String()
}
