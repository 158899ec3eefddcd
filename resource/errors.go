package resource

import (
	"errors"
	"fmt"
	"time"
)

// LimitKind identifies which budget was exhausted.
type LimitKind int

const (
	AllocationLimit LimitKind = iota + 1
	OperationLimit
	TimeLimit
	MemoryLimit
	RecursionLimit
)

func (k LimitKind) String() string {
	switch k {
	case AllocationLimit:
		return "allocation"
	case OperationLimit:
		return "operation"
	case TimeLimit:
		return "time"
	case MemoryLimit:
		return "memory"
	case RecursionLimit:
		return "recursion"
	default:
		return "unknown"
	}
}

// LimitError is returned by a Tracker hook that refuses an operation.
type LimitError struct {
	Kind  LimitKind
	Limit int64
	Value int64
}

func (e *LimitError) Error() string {
	switch e.Kind {
	case TimeLimit:
		return fmt.Sprintf("time limit exceeded: %s > %s",
			time.Duration(e.Value), time.Duration(e.Limit))
	case RecursionLimit:
		return fmt.Sprintf("maximum recursion depth exceeded (%d)", e.Limit)
	default:
		return fmt.Sprintf("%s limit exceeded: %d > %d", e.Kind, e.Value, e.Limit)
	}
}

// Catchable reports whether guest handlers may observe the error. Only
// recursion errors are; every other limit terminates the program.
func (e *LimitError) Catchable() bool {
	return e.Kind == RecursionLimit
}

// AsLimitError extracts a *LimitError from err.
func AsLimitError(err error) (*LimitError, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}
