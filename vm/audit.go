package vm

import (
	"github.com/deepnoodle-ai/pyrite/object"
)

// roots calls fn for every reference the VM holds outside the heap.
func (vm *VM) roots(fn func(object.Value)) {
	vm.sync()
	fn(vm.globals)
	fn(vm.result)
	for _, t := range vm.tasks {
		for _, f := range t.frames {
			f.values(fn)
		}
		eachValue(t.stack, fn)
		for _, c := range t.contexts {
			fn(c.Exc)
		}
		fn(t.handle)
		fn(t.result)
		fn(t.exc)
	}
	for _, fut := range vm.futures {
		fn(fut.Value)
		fn(fut.Exc)
	}
	if vm.pending != nil {
		eachValue(vm.pending.Args, fn)
	}
}

// AuditRefcounts checks every live object's reference count against the
// references the VM, the heap and held (values the host keeps) account
// for. All mismatches are reported together.
func (vm *VM) AuditRefcounts(held ...object.Value) error {
	return vm.heap.Verify(countRefs(vm.roots, held))
}

// AuditRefcounts is the snapshot counterpart of VM.AuditRefcounts.
func (s *Snapshot) AuditRefcounts(h *object.Heap, held ...object.Value) error {
	return h.Verify(countRefs(s.values, held))
}

func countRefs(walk func(func(object.Value)), held []object.Value) map[object.ID]int {
	external := map[object.ID]int{}
	count := func(v object.Value) {
		if v.IsRef() {
			external[v.AsRef()]++
		}
	}
	walk(count)
	eachValue(held, count)
	return external
}
