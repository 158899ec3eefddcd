package resource

import (
	"time"

	"github.com/rs/zerolog"
)

// Unrestricted refuses nothing except recursion beyond DefaultRecursionLimit
// (or the soft limits' MaxRecursionDepth, if set). Soft limits for
// allocations, operations, duration and memory log one warning each when
// first crossed, which helps spot runaway long-lived sessions.
type Unrestricted struct {
	soft     Limits
	logger   zerolog.Logger
	now      func() time.Time
	maxDepth int

	start       time.Time
	allocations int64
	operations  int64
	memory      int64
	warned      map[LimitKind]bool
}

// NewUnrestricted returns a tracker with no hard limits besides recursion.
func NewUnrestricted(opts ...Option) *Unrestricted {
	o := buildOptions(opts)
	t := &Unrestricted{
		soft:     o.soft,
		logger:   o.logger,
		now:      o.now,
		maxDepth: DefaultRecursionLimit,
		warned:   map[LimitKind]bool{},
	}
	if o.soft.MaxRecursionDepth > 0 {
		t.maxDepth = o.soft.MaxRecursionDepth
	}
	t.start = t.now()
	return t
}

func (t *Unrestricted) OnAllocate(size func() int) error {
	t.allocations++
	t.warnIfOver(AllocationLimit, t.allocations)
	if t.soft.MaxMemory > 0 {
		t.memory += int64(size())
		t.warnIfOver(MemoryLimit, t.memory)
	}
	return nil
}

func (t *Unrestricted) OnContainerInsert(n int) error {
	t.allocations += int64(n)
	t.warnIfOver(AllocationLimit, t.allocations)
	if t.soft.MaxMemory > 0 {
		t.memory += int64(n) * SlotSize
		t.warnIfOver(MemoryLimit, t.memory)
	}
	return nil
}

func (t *Unrestricted) OnFree(size int) {
	if t.soft.MaxMemory > 0 {
		t.memory -= int64(size)
		if t.memory < 0 {
			t.memory = 0
		}
	}
}

func (t *Unrestricted) CheckTime() error {
	t.operations++
	t.warnIfOver(OperationLimit, t.operations)
	if t.soft.MaxDuration > 0 && !t.warned[TimeLimit] && t.operations%1024 == 0 {
		t.warnIfOver(TimeLimit, int64(t.now().Sub(t.start)))
	}
	return nil
}

func (t *Unrestricted) CheckRecursionDepth(depth int) error {
	if depth > t.maxDepth {
		return &LimitError{Kind: RecursionLimit, Limit: int64(t.maxDepth), Value: int64(depth)}
	}
	return nil
}

func (t *Unrestricted) CheckLargeResult(bytes int) error {
	if t.soft.MaxMemory > 0 {
		t.warnIfOver(MemoryLimit, t.memory+int64(bytes))
	}
	return nil
}

func (t *Unrestricted) GCInterval() int {
	if t.soft.GCInterval > 0 {
		return t.soft.GCInterval
	}
	return DefaultGCInterval
}

func (t *Unrestricted) Usage() Usage {
	return Usage{
		Allocations: t.allocations,
		Operations:  t.operations,
		Memory:      t.memory,
		Elapsed:     t.now().Sub(t.start),
	}
}

// warnIfOver logs a warning the first time value crosses the soft limit of kind.
func (t *Unrestricted) warnIfOver(kind LimitKind, value int64) {
	var max int64
	switch kind {
	case AllocationLimit:
		max = t.soft.MaxAllocations
	case OperationLimit:
		max = t.soft.MaxOperations
	case MemoryLimit:
		max = t.soft.MaxMemory
	case TimeLimit:
		max = int64(t.soft.MaxDuration)
	}
	if max <= 0 || value <= max || t.warned[kind] {
		return
	}
	t.warned[kind] = true
	t.logger.Warn().
		Str("limit", kind.String()).
		Int64("soft_limit", max).
		Int64("value", value).
		Msg("soft resource limit crossed")
}
