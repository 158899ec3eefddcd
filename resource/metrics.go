package resource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Instrumented wraps a Tracker and exports what passes through it as
// Prometheus metrics. It refuses exactly what the wrapped tracker refuses.
type Instrumented struct {
	inner Tracker

	Allocations    prometheus.Counter
	AllocatedBytes prometheus.Counter
	Frees          prometheus.Counter
	Operations     prometheus.Counter
	Refusals       *prometheus.CounterVec
}

// NewInstrumented registers the metrics with reg. Passing a fresh
// prometheus.NewRegistry() per session avoids duplicate registration.
func NewInstrumented(inner Tracker, reg prometheus.Registerer) *Instrumented {
	factory := promauto.With(reg)
	return &Instrumented{
		inner: inner,
		Allocations: factory.NewCounter(prometheus.CounterOpts{
			Name: "pyrite_heap_allocations_total",
			Help: "Heap allocations and container growth slots admitted by the governor",
		}),
		AllocatedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "pyrite_heap_allocated_bytes_total",
			Help: "Estimated bytes of admitted heap allocations",
		}),
		Frees: factory.NewCounter(prometheus.CounterOpts{
			Name: "pyrite_heap_frees_total",
			Help: "Heap objects released",
		}),
		Operations: factory.NewCounter(prometheus.CounterOpts{
			Name: "pyrite_vm_operations_total",
			Help: "Instruction boundaries checked against the time budget",
		}),
		Refusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pyrite_limit_refusals_total",
			Help: "Operations refused by the governor, by limit kind",
		}, []string{"limit"}),
	}
}

// Unwrap returns the wrapped tracker.
func (t *Instrumented) Unwrap() Tracker {
	return t.inner
}

func (t *Instrumented) OnAllocate(size func() int) error {
	computed := -1
	err := t.inner.OnAllocate(func() int {
		computed = size()
		return computed
	})
	if err != nil {
		return t.refused(err)
	}
	t.Allocations.Inc()
	if computed >= 0 {
		t.AllocatedBytes.Add(float64(computed))
	}
	return nil
}

func (t *Instrumented) OnContainerInsert(n int) error {
	if err := t.inner.OnContainerInsert(n); err != nil {
		return t.refused(err)
	}
	if n > 0 {
		t.Allocations.Add(float64(n))
	}
	return nil
}

func (t *Instrumented) OnFree(size int) {
	t.inner.OnFree(size)
	t.Frees.Inc()
}

func (t *Instrumented) CheckTime() error {
	if err := t.inner.CheckTime(); err != nil {
		return t.refused(err)
	}
	t.Operations.Inc()
	return nil
}

func (t *Instrumented) CheckRecursionDepth(depth int) error {
	if err := t.inner.CheckRecursionDepth(depth); err != nil {
		return t.refused(err)
	}
	return nil
}

func (t *Instrumented) CheckLargeResult(bytes int) error {
	if err := t.inner.CheckLargeResult(bytes); err != nil {
		return t.refused(err)
	}
	return nil
}

func (t *Instrumented) GCInterval() int {
	return t.inner.GCInterval()
}

// Usage forwards to the wrapped tracker when it reports usage.
func (t *Instrumented) Usage() Usage {
	if r, ok := t.inner.(Reporter); ok {
		return r.Usage()
	}
	return Usage{}
}

func (t *Instrumented) refused(err error) error {
	kind := "unknown"
	if le, ok := AsLimitError(err); ok {
		kind = le.Kind.String()
	}
	t.Refusals.WithLabelValues(kind).Inc()
	return err
}
