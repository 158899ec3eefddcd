// Package errz defines the errors a host sees when a run ends abnormally.
//
// Every failure returned by the VM is a *StructuredError. Its Kind tells the
// three outcomes apart: the guest program raised an exception nobody caught,
// the sandbox terminated the program for exceeding a resource limit, or the
// engine hit an internal invariant violation.
package errz

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// ErrException indicates a guest exception propagated out of every frame.
	ErrException ErrorKind = iota
	// ErrResource indicates the governor terminated the program.
	ErrResource
	// ErrInternal indicates an engine invariant was violated.
	ErrInternal
)

func (k ErrorKind) String() string {
	switch k {
	case ErrException:
		return "unhandled exception"
	case ErrResource:
		return "resource limit"
	case ErrInternal:
		return "internal error"
	default:
		return "error"
	}
}

// StructuredError is a host-facing error with the guest traceback attached.
type StructuredError struct {
	Kind ErrorKind
	// Type is the guest exception class name for ErrException errors.
	Type     string
	Message  string
	Location SourceLocation
	Stack    []StackFrame
	Cause    error
}

func (e *StructuredError) Error() string {
	switch {
	case e.Kind == ErrException && e.Message == "":
		return e.Type
	case e.Kind == ErrException:
		return fmt.Sprintf("%s: %s", e.Type, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying cause of the error.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// WithCause wraps the error with a cause.
func (e *StructuredError) WithCause(cause error) *StructuredError {
	e.Cause = cause
	return e
}

// FriendlyErrorMessage renders the traceback followed by the error line, in
// the layout guest programmers expect.
func (e *StructuredError) FriendlyErrorMessage() string {
	var msg bytes.Buffer
	if len(e.Stack) > 0 {
		msg.WriteString(FormatStackTrace(e.Stack))
	}
	msg.WriteString(e.Error())
	msg.WriteString("\n")
	return msg.String()
}

// NewStructuredErrorf creates a new StructuredError with a formatted message.
func NewStructuredErrorf(kind ErrorKind, loc SourceLocation, stack []StackFrame, format string, args ...any) *StructuredError {
	return &StructuredError{
		Kind:     kind,
		Message:  fmt.Sprintf(format, args...),
		Location: loc,
		Stack:    stack,
	}
}

// NewException describes a guest exception that escaped to the host.
func NewException(excType, message string, stack []StackFrame) *StructuredError {
	e := &StructuredError{
		Kind:    ErrException,
		Type:    excType,
		Message: message,
		Stack:   stack,
	}
	if len(stack) > 0 {
		e.Location = stack[len(stack)-1].Location
	}
	return e
}

// InternalError is an engine invariant violation: a heap shape an opcode did
// not expect, a freed object being read, a corrupt snapshot. The VM panics
// with an *InternalError deep in helpers and recovers it at the Run boundary.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "internal error: " + e.Message
}

// Internalf returns a new InternalError.
func Internalf(format string, args ...any) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

func kindOf(err error) (ErrorKind, bool) {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsException reports whether err is an uncaught guest exception.
func IsException(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrException
}

// IsResource reports whether err is a sandbox termination.
func IsResource(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrResource
}

// IsInternal reports whether err is an internal invariant violation.
func IsInternal(err error) bool {
	if k, ok := kindOf(err); ok {
		return k == ErrInternal
	}
	var ie *InternalError
	return errors.As(err, &ie)
}
