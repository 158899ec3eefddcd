package object

import (
	"fmt"

	"github.com/deepnoodle-ai/pyrite/errz"
)

// GuestError is an error the guest program can catch. Heap helpers return
// it for conditions such as unhashable keys; the VM turns it into an
// exception object and starts unwinding.
type GuestError struct {
	Type    ExcType
	Message string
}

func (e *GuestError) Error() string {
	if e.Message == "" {
		return e.Type.String()
	}
	return e.Type.String() + ": " + e.Message
}

// Errorf returns a new GuestError of the given type.
func Errorf(t ExcType, format string, args ...any) *GuestError {
	return &GuestError{Type: t, Message: fmt.Sprintf(format, args...)}
}

func internalf(format string, args ...any) *errz.InternalError {
	return errz.Internalf(format, args...)
}
