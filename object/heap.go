// Package object implements pyrite's value representation and the heap that
// owns every non-scalar object.
//
// The heap is an arena addressed by ID. Every Ref stored anywhere (operand
// stack, locals, containers, scheduler, host) owns one reference count.
// Dropping the last count frees the object immediately; reference cycles
// are reclaimed by Collect.
package object

import (
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
)

// ID identifies a heap slot. Zero is never a valid object.
type ID uint32

type entry struct {
	payload Payload
	refs    int32
	gen     uint32
	live    bool
	// charged is the size the governor was charged at allocation.
	charged int64
}

// Heap owns all heap objects of one VM. It is not safe for concurrent use.
type Heap struct {
	id      uuid.UUID
	entries []entry
	free    []ID
	live    int
	sinceGC int
	work    []ID

	tracker resource.Tracker
	interns *Interns
	logger  zerolog.Logger
}

// Option configures a Heap.
type Option func(*Heap)

// WithLogger sets the logger used for collector passes.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Heap) {
		h.logger = logger
	}
}

// WithID sets the heap's identity instead of generating one.
func WithID(id uuid.UUID) Option {
	return func(h *Heap) {
		h.id = id
	}
}

// NewHeap returns an empty heap governed by tracker. Interned string values
// are resolved through interns.
func NewHeap(tracker resource.Tracker, interns *Interns, opts ...Option) *Heap {
	if tracker == nil {
		tracker = resource.NewUnrestricted()
	}
	if interns == nil {
		interns = NewInterns()
	}
	h := &Heap{
		entries: make([]entry, 1, 64),
		tracker: tracker,
		interns: interns,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.id == uuid.Nil {
		h.id = uuid.Must(uuid.NewV4())
	}
	return h
}

// ID returns the heap's identity. Snapshots record it and refuse to restore
// against a different heap.
func (h *Heap) ID() uuid.UUID {
	return h.id
}

// Tracker returns the governor consulted by this heap.
func (h *Heap) Tracker() resource.Tracker {
	return h.tracker
}

// Interns returns the intern table used to resolve inline strings.
func (h *Heap) Interns() *Interns {
	return h.interns
}

// Live returns the number of live objects.
func (h *Heap) Live() int {
	return h.live
}

// Allocate stores p as a new object with reference count one. The governor
// is consulted first; on refusal nothing is stored and p's own references
// are released, since ownership of them passed to the heap.
func (h *Heap) Allocate(p Payload) (Value, error) {
	var charged int64
	size := func() int {
		n := p.Size()
		charged = int64(n)
		return n
	}
	if err := h.tracker.OnAllocate(size); err != nil {
		if t, ok := p.(Traceable); ok {
			t.Traverse(h.DecRef)
		}
		return Undefined, err
	}
	var id ID
	if n := len(h.free); n > 0 {
		id = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.entries = append(h.entries, entry{})
		id = ID(len(h.entries) - 1)
	}
	e := &h.entries[id]
	e.payload = p
	e.charged = charged
	e.refs = 1
	e.live = true
	h.live++
	h.sinceGC++
	return Ref(id), nil
}

func (h *Heap) entry(id ID) *entry {
	if id == 0 || int(id) >= len(h.entries) || !h.entries[id].live {
		panic(internalf("access to freed or unknown object %d", id))
	}
	return &h.entries[id]
}

// Get returns the payload of a live object. Reading a freed object is an
// engine bug and panics with an *errz.InternalError.
func (h *Heap) Get(id ID) Payload {
	return h.entry(id).payload
}

// Payload returns the payload behind a Ref value, or false for inline
// values.
func (h *Heap) Payload(v Value) (Payload, bool) {
	if !v.IsRef() {
		return nil, false
	}
	return h.Get(v.AsRef()), true
}

// RefCount returns the current reference count of a live object.
func (h *Heap) RefCount(id ID) int {
	return int(h.entry(id).refs)
}

// Generation returns the slot generation of a live object.
func (h *Heap) Generation(id ID) uint32 {
	return h.entry(id).gen
}

// Contains reports whether id names a live object. It never panics.
func (h *Heap) Contains(id ID) bool {
	return id != 0 && int(id) < len(h.entries) && h.entries[id].live
}

// IsLive reports whether id still names the object it named at generation
// gen. It never panics.
func (h *Heap) IsLive(id ID, gen uint32) bool {
	if id == 0 || int(id) >= len(h.entries) {
		return false
	}
	e := &h.entries[id]
	return e.live && e.gen == gen
}

// IncRef adds a reference to v. Inline values are ignored.
func (h *Heap) IncRef(v Value) {
	if v.IsRef() {
		h.entry(v.AsRef()).refs++
	}
}

// DecRef drops a reference to v, freeing the object when the count reaches
// zero. Children of freed objects are released iteratively, so arbitrarily
// deep structures never recurse.
func (h *Heap) DecRef(v Value) {
	if !v.IsRef() {
		return
	}
	base := len(h.work)
	h.work = append(h.work, v.AsRef())
	for len(h.work) > base {
		id := h.work[len(h.work)-1]
		h.work = h.work[:len(h.work)-1]
		e := h.entry(id)
		e.refs--
		if e.refs > 0 {
			continue
		}
		if e.refs < 0 {
			panic(internalf("object %d released more often than referenced", id))
		}
		payload := e.payload
		h.release(id)
		if t, ok := payload.(Traceable); ok {
			t.Traverse(func(child Value) {
				if child.IsRef() {
					h.work = append(h.work, child.AsRef())
				}
			})
		}
	}
}

// release frees a slot without touching the payload's children.
func (h *Heap) release(id ID) {
	e := &h.entries[id]
	size := e.charged + growthOf(e.payload)
	e.payload = nil
	e.charged = 0
	e.refs = 0
	e.live = false
	e.gen++
	h.live--
	h.free = append(h.free, id)
	h.tracker.OnFree(int(size))
}

// Grow consults the governor before c grows in place by n slots. The charge
// is refunded together with the allocation charge when the object holding c
// is freed.
func (h *Heap) Grow(c Growable, n int) error {
	if n <= 0 {
		return nil
	}
	if err := h.tracker.OnContainerInsert(n); err != nil {
		return err
	}
	*c.growth() += int64(n) * resource.SlotSize
	return nil
}

// Growable is a container that grows in place.
type Growable interface {
	growth() *int64
}

func (l *List) growth() *int64 { return &l.grown }
func (d *Dict) growth() *int64 { return &d.grown }

// growthOf returns what in-place growth of p has been charged.
func growthOf(p Payload) int64 {
	switch p := p.(type) {
	case *List:
		return p.grown
	case *Dict:
		return p.grown
	case *Instance:
		return p.Attrs.grown
	case *ExceptionInstance:
		return p.Attrs.grown
	}
	return 0
}

// ShouldCollect reports whether enough allocations happened since the last
// collector pass.
func (h *Heap) ShouldCollect() bool {
	interval := h.tracker.GCInterval()
	return interval > 0 && h.sinceGC >= interval
}

// Each calls fn for every live object in id order.
func (h *Heap) Each(fn func(id ID, p Payload)) {
	for i := 1; i < len(h.entries); i++ {
		if e := &h.entries[i]; e.live {
			fn(ID(i), e.payload)
		}
	}
}
