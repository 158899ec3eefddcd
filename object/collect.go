package object

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Collect reclaims unreachable reference cycles and returns the number of
// objects freed.
//
// The collector needs no root list. Every holder outside the heap owns a
// reference count, so subtracting the references traceable objects hold on
// each other leaves a positive remainder exactly on objects referenced from
// outside: frames, the operand stack, globals, exception contexts, tasks
// and the host. Everything reachable from those survives.
func (h *Heap) Collect() int {
	h.sinceGC = 0
	external := make(map[ID]int32)
	for i := 1; i < len(h.entries); i++ {
		e := &h.entries[i]
		if !e.live {
			continue
		}
		if _, ok := e.payload.(Traceable); ok {
			external[ID(i)] = e.refs
		}
	}
	for id := range external {
		h.entries[id].payload.(Traceable).Traverse(func(child Value) {
			if !child.IsRef() {
				return
			}
			if _, ok := external[child.AsRef()]; ok {
				external[child.AsRef()]--
			}
		})
	}

	reachable := make(map[ID]bool, len(external))
	var stack []ID
	for id, n := range external {
		if n > 0 {
			reachable[id] = true
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h.entries[id].payload.(Traceable).Traverse(func(child Value) {
			if !child.IsRef() {
				return
			}
			cid := child.AsRef()
			if _, traceable := external[cid]; traceable && !reachable[cid] {
				reachable[cid] = true
				stack = append(stack, cid)
			}
		})
	}

	var garbage []ID
	for i := 1; i < len(h.entries); i++ {
		id := ID(i)
		if _, traceable := external[id]; traceable && !reachable[id] {
			garbage = append(garbage, id)
		}
	}
	if len(garbage) == 0 {
		h.logger.Debug().Int("live", h.live).Msg("gc pass: nothing to collect")
		return 0
	}
	doomed := make(map[ID]bool, len(garbage))
	for _, id := range garbage {
		doomed[id] = true
	}
	// Drop edges leaving the garbage first; edges inside it die with it.
	for _, id := range garbage {
		h.entries[id].payload.(Traceable).Traverse(func(child Value) {
			if child.IsRef() && !doomed[child.AsRef()] {
				h.DecRef(child)
			}
		})
	}
	for _, id := range garbage {
		h.release(id)
	}
	h.logger.Debug().
		Int("freed", len(garbage)).
		Int("live", h.live).
		Msg("gc pass")
	return len(garbage)
}

// Verify audits reference counts. external gives, per object, how many
// references are held outside the heap; every live object's count must
// equal those plus the references other live objects hold on it. Every
// mismatch is reported.
func (h *Heap) Verify(external map[ID]int) error {
	expected := make(map[ID]int, h.live)
	var result *multierror.Error
	for id, n := range external {
		if !h.IsLive(id, h.genOf(id)) {
			result = multierror.Append(result, fmt.Errorf("object %d is referenced %d times from outside but is not live", id, n))
			continue
		}
		expected[id] += n
	}
	h.Each(func(id ID, p Payload) {
		t, ok := p.(Traceable)
		if !ok {
			return
		}
		t.Traverse(func(child Value) {
			if !child.IsRef() {
				return
			}
			cid := child.AsRef()
			if !h.IsLive(cid, h.genOf(cid)) {
				result = multierror.Append(result, fmt.Errorf("object %d (%s) holds a reference to freed object %d", id, p.Tag(), cid))
				return
			}
			expected[cid]++
		})
	})
	h.Each(func(id ID, p Payload) {
		got := int(h.entries[id].refs)
		if want := expected[id]; got != want {
			result = multierror.Append(result, fmt.Errorf("object %d (%s): refcount %d, expected %d", id, p.Tag(), got, want))
		}
	})
	return result.ErrorOrNil()
}

func (h *Heap) genOf(id ID) uint32 {
	if id == 0 || int(id) >= len(h.entries) {
		return 0
	}
	return h.entries[id].gen
}
