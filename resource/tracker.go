// Package resource implements the governor consulted by the heap and the VM
// before every operation that consumes sandbox resources.
package resource

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultRecursionLimit bounds call depth when no explicit limit is set.
const DefaultRecursionLimit = 1000

// DefaultGCInterval is the number of allocations between automatic cycle
// collector passes.
const DefaultGCInterval = 10_000

// SlotSize is the estimated cost in bytes of one value stored in a
// container.
const SlotSize = 16

// Tracker is the governor. The heap and the VM call its hooks at fixed
// checkpoints; any hook may refuse by returning a *LimitError.
type Tracker interface {
	// OnAllocate is called before a heap object is created. The size is
	// computed lazily so trackers that do not limit memory pay nothing.
	OnAllocate(size func() int) error

	// OnContainerInsert is called before a container grows in place by n
	// slots. Growth counts against the allocation budget.
	OnContainerInsert(n int) error

	// OnFree is called after a heap object is released.
	OnFree(size int)

	// CheckTime is called at instruction boundaries. It enforces both the
	// operation count and the wall-clock deadline.
	CheckTime() error

	// CheckRecursionDepth is called before a frame is pushed, with the depth
	// the stack would have after the push.
	CheckRecursionDepth(depth int) error

	// CheckLargeResult is called before an operation materializes a result
	// of the estimated byte size.
	CheckLargeResult(bytes int) error

	// GCInterval returns the number of allocations between cycle collector
	// passes.
	GCInterval() int
}

// Usage is a point-in-time view of what a tracker has counted.
type Usage struct {
	Allocations int64
	Operations  int64
	Memory      int64
	Elapsed     time.Duration
}

// Reporter is implemented by trackers that count usage.
type Reporter interface {
	Usage() Usage
}

type options struct {
	logger zerolog.Logger
	now    func() time.Time
	soft   Limits
}

// Option configures a tracker.
type Option func(*options)

// WithLogger sets the logger used for soft limit warnings and limit
// violations.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces the wall clock. Tests use it to make time limits
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithSoftLimits configures limits that only log a warning when crossed.
// Only Unrestricted honors soft limits.
func WithSoftLimits(limits Limits) Option {
	return func(o *options) {
		o.soft = limits
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
