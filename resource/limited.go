package resource

import (
	"time"

	"github.com/rs/zerolog"
)

// Limited enforces every configured limit. It is not safe for concurrent
// use; one tracker belongs to one VM.
type Limited struct {
	limits Limits
	logger zerolog.Logger
	now    func() time.Time

	start       time.Time
	deadline    time.Time
	allocations int64
	operations  int64
	memory      int64
}

// NewLimited returns a tracker enforcing limits. The wall-clock deadline
// starts counting now.
func NewLimited(limits Limits, opts ...Option) (*Limited, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	t := &Limited{
		limits: limits,
		logger: o.logger,
		now:    o.now,
	}
	t.start = t.now()
	if limits.MaxDuration > 0 {
		t.deadline = t.start.Add(limits.MaxDuration)
	}
	return t, nil
}

// Limits returns the configured limits.
func (t *Limited) Limits() Limits {
	return t.limits
}

func (t *Limited) OnAllocate(size func() int) error {
	if max := t.limits.MaxAllocations; max > 0 && t.allocations+1 > max {
		return t.refuse(&LimitError{Kind: AllocationLimit, Limit: max, Value: t.allocations + 1})
	}
	if max := t.limits.MaxMemory; max > 0 {
		n := int64(size())
		if t.memory+n > max {
			return t.refuse(&LimitError{Kind: MemoryLimit, Limit: max, Value: t.memory + n})
		}
		t.memory += n
	}
	t.allocations++
	return nil
}

func (t *Limited) OnContainerInsert(n int) error {
	if n <= 0 {
		return nil
	}
	if max := t.limits.MaxAllocations; max > 0 && t.allocations+int64(n) > max {
		return t.refuse(&LimitError{Kind: AllocationLimit, Limit: max, Value: t.allocations + int64(n)})
	}
	if max := t.limits.MaxMemory; max > 0 {
		grow := int64(n) * SlotSize
		if t.memory+grow > max {
			return t.refuse(&LimitError{Kind: MemoryLimit, Limit: max, Value: t.memory + grow})
		}
		t.memory += grow
	}
	t.allocations += int64(n)
	return nil
}

func (t *Limited) OnFree(size int) {
	if t.limits.MaxMemory <= 0 {
		return
	}
	t.memory -= int64(size)
	if t.memory < 0 {
		t.memory = 0
	}
}

func (t *Limited) CheckTime() error {
	t.operations++
	if max := t.limits.MaxOperations; max > 0 && t.operations > max {
		return t.refuse(&LimitError{Kind: OperationLimit, Limit: max, Value: t.operations})
	}
	if !t.deadline.IsZero() {
		if now := t.now(); now.After(t.deadline) {
			return t.refuse(&LimitError{
				Kind:  TimeLimit,
				Limit: int64(t.limits.MaxDuration),
				Value: int64(now.Sub(t.start)),
			})
		}
	}
	return nil
}

func (t *Limited) CheckRecursionDepth(depth int) error {
	if max := t.limits.MaxRecursionDepth; max > 0 && depth > max {
		return &LimitError{Kind: RecursionLimit, Limit: int64(max), Value: int64(depth)}
	}
	return nil
}

func (t *Limited) CheckLargeResult(bytes int) error {
	if max := t.limits.MaxMemory; max > 0 && t.memory+int64(bytes) > max {
		return t.refuse(&LimitError{Kind: MemoryLimit, Limit: max, Value: t.memory + int64(bytes)})
	}
	return nil
}

func (t *Limited) GCInterval() int {
	if t.limits.GCInterval > 0 {
		return t.limits.GCInterval
	}
	return DefaultGCInterval
}

func (t *Limited) Usage() Usage {
	return Usage{
		Allocations: t.allocations,
		Operations:  t.operations,
		Memory:      t.memory,
		Elapsed:     t.now().Sub(t.start),
	}
}

func (t *Limited) refuse(err *LimitError) error {
	t.logger.Debug().
		Str("limit", err.Kind.String()).
		Int64("max", err.Limit).
		Int64("value", err.Value).
		Msg("resource limit exceeded")
	return err
}
