package vm

import (
	"fmt"

	"github.com/deepnoodle-ai/pyrite/object"
)

// ExitKind says why a run of the VM loop stopped.
type ExitKind uint8

const (
	// ExitReturn means the main task finished. Value holds its result.
	ExitReturn ExitKind = iota + 1
	// ExitExternalCall asks the host to run a registered external function.
	ExitExternalCall
	// ExitProxyCall asks the host to call a method on a proxy object.
	ExitProxyCall
	// ExitOsCall asks the host to perform an OS-level operation such as
	// reading an environment variable.
	ExitOsCall
	// ExitResolveFutures reports that every task is blocked on a host call
	// answered as pending.
	ExitResolveFutures
)

func (k ExitKind) String() string {
	switch k {
	case ExitReturn:
		return "return"
	case ExitExternalCall:
		return "external_call"
	case ExitProxyCall:
		return "proxy_call"
	case ExitOsCall:
		return "os_call"
	case ExitResolveFutures:
		return "resolve_futures"
	default:
		return fmt.Sprintf("exit(%d)", uint8(k))
	}
}

// FrameExit is the result of one run of the VM loop. Args and Value are
// host copies made with Heap.ToGo; the VM keeps the guest values.
type FrameExit struct {
	Kind ExitKind

	// Value is the main task's result for ExitReturn.
	Value any

	// Function names the external function or OS call ("os.getenv").
	Function string

	// ProxyID and Method identify a proxy method call.
	ProxyID int64
	Method  string

	Args   []any
	CallID int64

	// CallIDs lists the unresolved call ids for ExitResolveFutures, in
	// ascending order.
	CallIDs []int64
}

func (e *FrameExit) String() string {
	switch e.Kind {
	case ExitReturn:
		return fmt.Sprintf("return %v", e.Value)
	case ExitExternalCall, ExitOsCall:
		return fmt.Sprintf("%s %s%v #%d", e.Kind, e.Function, e.Args, e.CallID)
	case ExitProxyCall:
		return fmt.Sprintf("%s proxy(%d).%s%v #%d", e.Kind, e.ProxyID, e.Method, e.Args, e.CallID)
	default:
		return fmt.Sprintf("%s %v", e.Kind, e.CallIDs)
	}
}

// HostResult answers a host call.
//
// Value is converted with Heap.FromGo. A non-nil Err raises an exception in
// the guest at the call site: an *object.GuestError keeps its type, any other
// error becomes a RuntimeError. Pending answers the call with a future the
// guest can await; it is resolved later through Resolve or ResolveFutures.
type HostResult struct {
	Value   any
	Err     error
	Pending bool
}

// Return is shorthand for a successful HostResult.
func Return(v any) HostResult {
	return HostResult{Value: v}
}

// Raise is shorthand for a HostResult that raises in the guest.
func Raise(t object.ExcType, format string, args ...any) HostResult {
	return HostResult{Err: object.Errorf(t, format, args...)}
}

// Pending is shorthand for a HostResult that defers the answer.
func Pending() HostResult {
	return HostResult{Pending: true}
}

// pendingCall is the host request the VM is suspended on.
type pendingCall struct {
	Kind     ExitKind       `json:"kind"`
	Function string         `json:"function,omitempty"`
	ProxyID  int64          `json:"proxy_id,omitempty"`
	Method   string         `json:"method,omitempty"`
	Args     []object.Value `json:"args,omitempty"`
	CallID   int64          `json:"call_id"`
}

// hostExit carries a host request up from a call site to the loop.
type hostExit struct {
	call *pendingCall
}

func (e *hostExit) Error() string {
	return "host call " + e.call.Kind.String()
}
