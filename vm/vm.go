// Package vm provides the pyrite virtual machine: a sandboxed bytecode
// interpreter that suspends whenever the guest program needs the host.
//
// A VM runs one program on one heap. Run executes until the main task
// returns or the program needs something only the host can do: call an
// external function, call a method on a proxy object, perform an OS call, or
// resolve futures every task is waiting on. The host performs the work and
// continues with Resume, Resolve and RunPending, or ResolveFutures. While
// suspended the VM can be frozen with Snapshot and rebuilt later, in another
// process if needed, with Restore.
//
// The VM is not safe for concurrent use.
package vm

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/rs/zerolog"
)

type vmState uint8

const (
	stateReady vmState = iota
	stateRunning
	stateWaitingCall    // suspended on vm.pending
	stateWaitingFutures // every task blocked
	stateDone
	stateFailed
	stateDetached // ownership moved into a snapshot
)

func (s vmState) String() string {
	switch s {
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateWaitingCall:
		return "waiting for a host call"
	case stateWaitingFutures:
		return "waiting for futures"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return "detached"
	}
}

// VM executes one program. Create it with New or Restore.
type VM struct {
	program *bytecode.Code
	index   *bytecode.Index
	heap    *object.Heap
	tracker resource.Tracker
	logger  zerolog.Logger
	out     io.Writer

	observer  Observer
	obsConfig ObserverConfig
	obsSteps  int
	obsLine   int
	halted    bool

	externals    []string
	inputGlobals map[string]any
	loaded       map[*bytecode.Code]*loadedCode

	globals    object.Value
	tasks      []*task // ascending id
	current    *task
	nextTaskID int
	futures    map[int64]*future
	nextCallID int64
	pending    *pendingCall
	result     object.Value
	state      vmState

	// Hot fields of the current task's top frame. sync writes them back;
	// reload reads them after the frame stack changes.
	frame *frame
	code  *loadedCode
	ip    int
	start int
}

// Interns builds the intern table for program run with the given external
// functions. A heap restored for the program must be created with this
// table.
func Interns(program *bytecode.Code, externals ...string) *object.Interns {
	return object.InternsFor(program, append(builtinNames(), externals...)...)
}

// New prepares program for execution.
func New(program *bytecode.Code, options ...Option) (*VM, error) {
	vm, err := newVM(program, options)
	if err != nil {
		return nil, err
	}
	if vm.heap == nil {
		vm.heap = object.NewHeap(vm.tracker, Interns(program, vm.externals...), object.WithLogger(vm.logger))
	}
	if vm.globals, err = vm.heap.NewDict(); err != nil {
		return nil, fmt.Errorf("allocate globals: %w", err)
	}
	if err := vm.installGlobals(); err != nil {
		vm.Close()
		return nil, err
	}
	main := &task{id: 0, state: taskRunnable}
	vm.tasks = []*task{main}
	vm.nextTaskID = 1
	vm.nextCallID = 1
	vm.heap.IncRef(vm.globals)
	main.frames = []*frame{{
		code:   vm.loadCode(program),
		ns:     vm.globals,
		locals: make([]object.Value, program.LocalCount()),
	}}
	return vm, nil
}

func newVM(program *bytecode.Code, options []Option) (*VM, error) {
	if program == nil {
		return nil, fmt.Errorf("no program")
	}
	index, err := bytecode.NewIndex(program)
	if err != nil {
		return nil, err
	}
	vm := &VM{
		program:      program,
		index:        index,
		logger:       zerolog.Nop(),
		out:          io.Discard,
		inputGlobals: map[string]any{},
		loaded:       map[*bytecode.Code]*loadedCode{},
		futures:      map[int64]*future{},
	}
	for _, opt := range options {
		opt(vm)
	}
	if vm.heap != nil {
		vm.tracker = vm.heap.Tracker()
	} else if vm.tracker == nil {
		vm.tracker = resource.NewUnrestricted(resource.WithLogger(vm.logger))
	}
	if vm.observer != nil {
		vm.obsConfig = NormalizeConfig(vm.observer.Config())
	}
	return vm, nil
}

func (vm *VM) installGlobals() error {
	dict := vm.heap.Get(vm.globals.AsRef()).(*object.Dict)
	interns := vm.heap.Interns()
	for i, name := range vm.externals {
		if err := dict.Set(vm.heap, object.Str(interns.Intern(name)), object.External(uint32(i))); err != nil {
			return fmt.Errorf("external %q: %w", name, err)
		}
	}
	names := make([]string, 0, len(vm.inputGlobals))
	for name := range vm.inputGlobals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := vm.heap.FromGo(vm.inputGlobals[name])
		if err != nil {
			return fmt.Errorf("invalid global %q: %w", name, err)
		}
		key, err := vm.heap.FromGo(name)
		if err != nil {
			vm.heap.DecRef(v)
			return err
		}
		if err := dict.Set(vm.heap, key, v); err != nil {
			return fmt.Errorf("global %q: %w", name, err)
		}
	}
	return nil
}

// Heap returns the VM's heap.
func (vm *VM) Heap() *object.Heap {
	return vm.heap
}

// Program returns the program the VM runs.
func (vm *VM) Program() *bytecode.Code {
	return vm.program
}

// Result returns the main task's return value once the program finished.
// The value is borrowed from the VM.
func (vm *VM) Result() (object.Value, bool) {
	return vm.result, vm.state == stateDone
}

// Global returns a global variable converted with Heap.ToGo.
func (vm *VM) Global(name string) (any, bool) {
	if vm.globals.IsUndefined() {
		return nil, false
	}
	v, ok := vm.heap.Get(vm.globals.AsRef()).(*object.Dict).GetStr(vm.heap, name)
	if !ok {
		return nil, false
	}
	return vm.heap.ToGo(v), true
}

// PendingCallID returns the id of the host call the VM is waiting on.
func (vm *VM) PendingCallID() (int64, bool) {
	if vm.pending == nil {
		return 0, false
	}
	return vm.pending.CallID, true
}

// Run starts the program.
func (vm *VM) Run() (*FrameExit, error) {
	if vm.state != stateReady {
		return nil, fmt.Errorf("cannot run: vm is %s", vm.state)
	}
	return vm.loop(nil)
}

// Resume answers the host call the VM is suspended on and continues.
func (vm *VM) Resume(callID int64, result HostResult) (*FrameExit, error) {
	if vm.state != stateWaitingCall || vm.pending == nil {
		return nil, fmt.Errorf("cannot resume: vm is %s", vm.state)
	}
	if vm.pending.CallID != callID {
		return nil, fmt.Errorf("cannot resume: waiting for call %d, not %d", vm.pending.CallID, callID)
	}
	call := vm.pending
	vm.pending = nil
	return vm.loop(func() error {
		vm.heap.ReleaseAll(call.Args)
		return vm.deliver(call.CallID, result)
	})
}

// Resolve records the answer to a call that was answered as pending. It
// does not run anything; call RunPending afterwards.
func (vm *VM) Resolve(callID int64, result HostResult) error {
	if vm.state == stateDetached || vm.state == stateDone || vm.state == stateFailed {
		return fmt.Errorf("cannot resolve: vm is %s", vm.state)
	}
	fut, ok := vm.futures[callID]
	if !ok {
		return fmt.Errorf("cannot resolve: unknown call %d", callID)
	}
	if fut.Resolved {
		return fmt.Errorf("cannot resolve: call %d already resolved", callID)
	}
	if result.Pending {
		return fmt.Errorf("cannot resolve call %d with another pending result", callID)
	}
	return vm.protect(func() error {
		if result.Err != nil {
			exc, err := vm.hostException(result.Err)
			if err != nil {
				return err
			}
			fut.Exc = exc
		} else {
			v, err := vm.heap.FromGo(result.Value)
			if err != nil {
				return fmt.Errorf("resolve call %d: %w", callID, err)
			}
			fut.Value = v
		}
		fut.Resolved = true
		return nil
	})
}

// RunPending continues after futures were resolved.
func (vm *VM) RunPending() (*FrameExit, error) {
	if vm.state != stateWaitingFutures {
		return nil, fmt.Errorf("cannot run pending tasks: vm is %s", vm.state)
	}
	return vm.loop(nil)
}

// ResolveFutures resolves several futures, in ascending call id order, and
// continues.
func (vm *VM) ResolveFutures(results map[int64]HostResult) (*FrameExit, error) {
	ids := make([]int64, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := vm.Resolve(id, results[id]); err != nil {
			return nil, err
		}
	}
	return vm.RunPending()
}

// Close releases every value the VM holds. The heap keeps any objects the
// host still references.
func (vm *VM) Close() {
	if vm.state == stateDetached {
		return
	}
	for _, t := range vm.tasks {
		vm.releaseTask(t)
	}
	vm.tasks = nil
	vm.current = nil
	vm.frame, vm.code = nil, nil
	for id, fut := range vm.futures {
		vm.heap.DecRef(fut.Value)
		vm.heap.DecRef(fut.Exc)
		delete(vm.futures, id)
	}
	if vm.pending != nil {
		vm.heap.ReleaseAll(vm.pending.Args)
		vm.pending = nil
	}
	vm.heap.DecRef(vm.result)
	vm.heap.DecRef(vm.globals)
	vm.result, vm.globals = object.Undefined, object.Undefined
	vm.state = stateDetached
}

// loop runs the scheduler until the main task finishes or the host is
// needed. prepare, if set, runs first inside the recovery boundary.
func (vm *VM) loop(prepare func() error) (exit *FrameExit, err error) {
	vm.state = stateRunning
	defer func() {
		if r := recover(); r != nil {
			exit, err = nil, vm.fail(panicError(r))
		}
	}()
	if prepare != nil {
		if err := prepare(); err != nil {
			return nil, vm.fail(err)
		}
	}
	for {
		if vm.current == nil {
			if err := vm.wake(); err != nil {
				return nil, vm.fail(err)
			}
			main := vm.tasks[0]
			if main.state == taskDone {
				return vm.finish(main)
			}
			t := vm.nextRunnable()
			if t == nil {
				return vm.blocked()
			}
			vm.switchTo(t)
		}
		exit, err := vm.eval()
		if err != nil {
			return nil, vm.fail(err)
		}
		if exit != nil {
			return exit, nil
		}
	}
}

// protect runs fn, converting internal panics to errors.
func (vm *VM) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = vm.fail(panicError(r))
		}
	}()
	return fn()
}

func panicError(r any) error {
	switch e := r.(type) {
	case *errz.InternalError:
		return e
	case error:
		return errz.Internalf("panic: %v", e)
	default:
		return errz.Internalf("panic: %v", r)
	}
}

// finish completes a run whose main task returned.
func (vm *VM) finish(main *task) (*FrameExit, error) {
	if !main.exc.IsUndefined() {
		exc := main.exc
		main.exc = object.Undefined
		err := vm.uncaught(exc)
		vm.heap.DecRef(exc)
		vm.state = stateFailed
		return nil, err
	}
	vm.heap.DecRef(vm.result)
	vm.result = main.result
	main.result = object.Undefined
	vm.state = stateDone
	vm.logger.Debug().Int("live", vm.heap.Live()).Msg("program finished")
	return &FrameExit{Kind: ExitReturn, Value: vm.heap.ToGo(vm.result)}, nil
}

// fail converts an error that ended the run into a host-facing error.
func (vm *VM) fail(err error) error {
	vm.state = stateFailed
	if se, ok := err.(*errz.StructuredError); ok {
		return se
	}
	stack := vm.stackTrace()
	loc := errz.SourceLocation{}
	if len(stack) > 0 {
		loc = stack[len(stack)-1].Location
	}
	if errors.Is(err, ErrHalted) {
		return errz.NewStructuredErrorf(errz.ErrResource, loc, stack, "%s", err.Error()).WithCause(err)
	}
	if le, ok := resource.AsLimitError(err); ok {
		vm.logger.Debug().Str("limit", le.Kind.String()).Msg("sandbox terminated")
		return errz.NewStructuredErrorf(errz.ErrResource, loc, stack, "%s", le.Error()).WithCause(le)
	}
	if ie, ok := err.(*errz.InternalError); ok {
		return errz.NewStructuredErrorf(errz.ErrInternal, loc, stack, "%s", ie.Message).WithCause(ie)
	}
	return errz.NewStructuredErrorf(errz.ErrInternal, loc, stack, "%s", err.Error()).WithCause(err)
}

// sync writes the cached instruction pointer back into the top frame.
func (vm *VM) sync() {
	if vm.frame != nil {
		vm.frame.ip = vm.ip
		vm.frame.lastIP = vm.start
	}
}

// reload caches the current task's top frame.
func (vm *VM) reload() {
	t := vm.current
	if t == nil || len(t.frames) == 0 {
		vm.frame, vm.code = nil, nil
		return
	}
	vm.frame = t.frames[len(t.frames)-1]
	vm.code = vm.frame.code
	vm.ip = vm.frame.ip
	vm.start = vm.frame.lastIP
}

// stackTrace describes the current task's frames, outermost first.
func (vm *VM) stackTrace() []errz.StackFrame {
	t := vm.current
	if t == nil {
		return nil
	}
	vm.sync()
	frames := make([]errz.StackFrame, 0, len(t.frames))
	for _, f := range t.frames {
		frames = append(frames, errz.StackFrame{
			Function: f.name(),
			Location: f.code.location(f.lastIP),
		})
	}
	return frames
}
