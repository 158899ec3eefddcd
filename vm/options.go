package vm

import (
	"io"

	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/rs/zerolog"
)

// Option is a configuration function for a VM.
type Option func(*VM)

// WithLogger sets the logger used for debug events: frame pushes, host
// suspensions, task switches and collector passes.
func WithLogger(logger zerolog.Logger) Option {
	return func(vm *VM) {
		vm.logger = logger
	}
}

// WithTracker sets the resource governor. The default is
// resource.NewUnrestricted().
func WithTracker(tracker resource.Tracker) Option {
	return func(vm *VM) {
		vm.tracker = tracker
	}
}

// WithHeap runs the program on an existing heap. The heap's intern table
// must have been built with Interns for the same program.
func WithHeap(heap *object.Heap) Option {
	return func(vm *VM) {
		vm.heap = heap
	}
}

// WithOutput sets the writer print() writes to. The default discards output.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) {
		vm.out = w
	}
}

// WithExternalFunctions registers host functions by name. Each becomes a
// global; calling it suspends the VM with an ExitExternalCall.
func WithExternalFunctions(names ...string) Option {
	return func(vm *VM) {
		vm.externals = append(vm.externals, names...)
	}
}

// WithGlobals provides global variables, converted with Heap.FromGo.
func WithGlobals(globals map[string]any) Option {
	return func(vm *VM) {
		for name, value := range globals {
			vm.inputGlobals[name] = value
		}
	}
}

// WithObserver sets an observer for VM execution events.
// Returning false from any observer method halts execution immediately.
func WithObserver(observer Observer) Option {
	return func(vm *VM) {
		vm.observer = observer
	}
}
