package vm

import (
	"sort"

	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
)

type taskState uint8

const (
	taskRunnable taskState = iota
	taskBlocked
	taskDone
)

type waitKind uint8

const (
	waitNone waitKind = iota
	// waitCall blocks on the future of a host call.
	waitCall
	// waitTask blocks on another task finishing.
	waitTask
	// waitChildren belongs to frameless gather tasks.
	waitChildren
)

// excContext is an exception being handled. Depth is the absolute operand
// stack height of the handler that pushed it; unwinding below that height
// discards the context.
type excContext struct {
	Exc   object.Value `json:"exc"`
	Depth int          `json:"depth"`
}

// task is one cooperatively scheduled thread of execution. Tasks created by
// asyncio.gather for futures and for the gather itself have no frames and
// complete inside the scheduler.
type task struct {
	id       int
	state    taskState
	wait     waitKind
	waitCall int64
	waitTask int
	children []int

	frames   []*frame
	stack    []object.Value
	contexts []excContext

	handle object.Value // scheduler's reference to the guest Task object
	result object.Value
	exc    object.Value
}

func (t *task) push(v object.Value) {
	t.stack = append(t.stack, v)
}

func (t *task) pop() object.Value {
	n := len(t.stack)
	if n == 0 {
		panic(errz.Internalf("operand stack underflow in task %d", t.id))
	}
	v := t.stack[n-1]
	t.stack = t.stack[:n-1]
	return v
}

// peek returns the value n slots below the top without popping it.
func (t *task) peek(n int) object.Value {
	i := len(t.stack) - 1 - n
	if i < 0 {
		panic(errz.Internalf("operand stack underflow in task %d", t.id))
	}
	return t.stack[i]
}

// popN pops n values, returning them in push order. Ownership moves to the
// caller.
func (t *task) popN(n int) []object.Value {
	i := len(t.stack) - n
	if i < 0 {
		panic(errz.Internalf("operand stack underflow in task %d", t.id))
	}
	out := make([]object.Value, n)
	copy(out, t.stack[i:])
	t.stack = t.stack[:i]
	return out
}

// truncate drops stack values above height n.
func (vm *VM) truncate(t *task, n int) {
	for len(t.stack) > n {
		vm.heap.DecRef(t.pop())
	}
}

// dropContexts discards exception contexts pushed above stack height n.
func (vm *VM) dropContexts(t *task, n int) {
	for len(t.contexts) > 0 && t.contexts[len(t.contexts)-1].Depth > n {
		vm.heap.DecRef(t.contexts[len(t.contexts)-1].Exc)
		t.contexts = t.contexts[:len(t.contexts)-1]
	}
}

// future is the VM side of a host call answered as pending.
type future struct {
	Resolved bool         `json:"resolved,omitempty"`
	Value    object.Value `json:"value"`
	Exc      object.Value `json:"exc"`

	// Object and Gen name the guest Future object. Once it is gone and no
	// task waits on the call, a resolved future can be dropped.
	Object object.ID `json:"object,omitempty"`
	Gen    uint32    `json:"gen,omitempty"`
}

// settled reports whether nothing can observe fut any more.
func (vm *VM) settled(callID int64, fut *future) bool {
	if !fut.Resolved || vm.heap.IsLive(fut.Object, fut.Gen) {
		return false
	}
	for _, t := range vm.tasks {
		if t.state != taskDone && t.wait == waitCall && t.waitCall == callID {
			return false
		}
	}
	return true
}

func (vm *VM) dropFuture(callID int64) {
	fut := vm.futures[callID]
	vm.heap.DecRef(fut.Value)
	vm.heap.DecRef(fut.Exc)
	delete(vm.futures, callID)
}

func (vm *VM) taskByID(id int) *task {
	i := sort.Search(len(vm.tasks), func(i int) bool { return vm.tasks[i].id >= id })
	if i < len(vm.tasks) && vm.tasks[i].id == id {
		return vm.tasks[i]
	}
	return nil
}

// newTask registers a task and allocates its guest handle. The scheduler
// keeps one reference to the handle; the returned value is a second one
// for the caller.
func (vm *VM) newTask() (*task, object.Value, error) {
	handle, err := vm.heap.Allocate(&object.Task{ID: vm.nextTaskID})
	if err != nil {
		return nil, object.Undefined, err
	}
	t := &task{id: vm.nextTaskID, state: taskRunnable, handle: handle}
	vm.nextTaskID++
	vm.tasks = append(vm.tasks, t)
	vm.heap.IncRef(handle)
	return t, handle, nil
}

// spawn starts a task running a created coroutine. The coroutine reference
// is consumed.
func (vm *VM) spawn(coro object.Value) (object.Value, error) {
	gen, ok := vm.coroutine(coro)
	if !ok || gen.State != object.GenCreated {
		vm.heap.DecRef(coro)
		return object.Undefined, object.Errorf(object.TypeError, "a coroutine was expected, got %s", vm.typeName(coro))
	}
	t, handle, err := vm.newTask()
	if err != nil {
		vm.heap.DecRef(coro)
		return object.Undefined, err
	}
	f := vm.activate(t, coro, gen, continuation{kind: contGenerator, gen: coro, onExhaust: exhaustDeliver})
	t.frames = []*frame{f}
	vm.logger.Debug().Int("task", t.id).Str("coroutine", gen.Name).Msg("task created")
	return handle, nil
}

func (vm *VM) coroutine(v object.Value) (*object.Generator, bool) {
	if !v.IsRef() {
		return nil, false
	}
	gen, ok := vm.heap.Get(v.AsRef()).(*object.Generator)
	if !ok || !gen.Coroutine {
		return nil, false
	}
	return gen, true
}

// gather creates a frameless task that completes when every awaitable in
// aws has. Coroutines are wrapped in new tasks and futures in frameless
// future tasks. aws is borrowed.
func (vm *VM) gather(aws []object.Value) (object.Value, error) {
	children := make([]int, 0, len(aws))
	for _, aw := range aws {
		id, err := vm.childTask(aw)
		if err != nil {
			return object.Undefined, err
		}
		children = append(children, id)
	}
	t, handle, err := vm.newTask()
	if err != nil {
		return object.Undefined, err
	}
	t.state = taskBlocked
	t.wait = waitChildren
	t.children = children
	return handle, nil
}

func (vm *VM) childTask(aw object.Value) (int, error) {
	if aw.IsRef() {
		switch p := vm.heap.Get(aw.AsRef()).(type) {
		case *object.Task:
			return p.ID, nil
		case *object.Future:
			t, handle, err := vm.newTask()
			if err != nil {
				return 0, err
			}
			vm.heap.DecRef(handle)
			t.state = taskBlocked
			t.wait = waitCall
			t.waitCall = p.CallID
			return t.id, nil
		case *object.Generator:
			if p.Coroutine {
				vm.heap.IncRef(aw)
				handle, err := vm.spawn(aw)
				if err != nil {
					return 0, err
				}
				vm.heap.DecRef(handle)
				return vm.tasks[len(vm.tasks)-1].id, nil
			}
		}
	}
	return 0, object.Errorf(object.TypeError, "An asyncio.Future, a coroutine or an awaitable is required")
}

// await implements AWAIT for the value on top of the stack.
func (vm *VM) await() error {
	t := vm.current
	h := vm.heap
	aw := t.peek(0)
	if aw.IsRef() {
		switch p := h.Get(aw.AsRef()).(type) {
		case *object.Generator:
			if !p.Coroutine {
				break
			}
			switch p.State {
			case object.GenRunning:
				return object.Errorf(object.RuntimeError, "coroutine is being awaited already")
			case object.GenDone, object.GenSuspended:
				return object.Errorf(object.RuntimeError, "cannot reuse already awaited coroutine")
			}
			if err := vm.checkDepth(); err != nil {
				return err
			}
			t.pop()
			vm.sync()
			f := vm.activate(t, aw, p, continuation{kind: contGenerator, gen: aw, onExhaust: exhaustDeliver})
			vm.enter(f)
			return nil
		case *object.Task:
			other := vm.taskByID(p.ID)
			if other == nil {
				return errz.Internalf("await on unknown task %d", p.ID)
			}
			if other == t {
				return object.Errorf(object.RuntimeError, "a task cannot await itself")
			}
			if other.state != taskDone {
				return vm.block(waitTask, 0, p.ID)
			}
			h.DecRef(t.pop())
			return vm.settle(other.result, other.exc)
		case *object.Future:
			fut, ok := vm.futures[p.CallID]
			if !ok {
				return errz.Internalf("await on unknown future %d", p.CallID)
			}
			if !fut.Resolved {
				return vm.block(waitCall, p.CallID, 0)
			}
			h.DecRef(t.pop())
			err := vm.settle(fut.Value, fut.Exc)
			if vm.settled(p.CallID, fut) {
				vm.dropFuture(p.CallID)
			}
			return err
		}
	}
	return object.Errorf(object.TypeError, "object %s can't be used in 'await' expression", vm.typeName(aw))
}

// settle pushes an awaited result or raises an awaited exception. Both are
// borrowed.
func (vm *VM) settle(result, exc object.Value) error {
	if !exc.IsUndefined() {
		vm.heap.IncRef(exc)
		return &raised{exc: exc}
	}
	if result.IsUndefined() {
		result = object.None
	}
	vm.heap.IncRef(result)
	vm.current.push(result)
	return nil
}

// block parks the current task on the AWAIT being executed. The
// instruction runs again when the task wakes.
func (vm *VM) block(kind waitKind, callID int64, taskID int) error {
	t := vm.current
	vm.ip = vm.start
	vm.sync()
	t.state = taskBlocked
	t.wait = kind
	t.waitCall = callID
	t.waitTask = taskID
	vm.current = nil
	vm.frame, vm.code = nil, nil
	vm.logger.Debug().Int("task", t.id).Int64("call", callID).Int("awaiting", taskID).Msg("task blocked")
	return nil
}

// endTask finishes the current task. result and exc are owned.
func (vm *VM) endTask(t *task, result, exc object.Value) {
	vm.truncate(t, 0)
	vm.dropContexts(t, -1)
	t.frames = nil
	t.state = taskDone
	t.wait = waitNone
	t.result = result
	t.exc = exc
	if vm.current == t {
		vm.current = nil
		vm.frame, vm.code = nil, nil
	}
	if t.id != 0 && !exc.IsUndefined() {
		vm.logger.Debug().Int("task", t.id).Str("exception", vm.excTypeName(exc)).Msg("task failed")
	}
}

// wake moves blocked tasks whose wait is over to runnable, completing
// frameless tasks on the way, until nothing changes. Finished tasks nobody
// can observe are then dropped.
func (vm *VM) wake() error {
	for changed := true; changed; {
		changed = false
		for _, t := range vm.tasks {
			if t.state != taskBlocked {
				continue
			}
			done, err := vm.ready(t)
			if err != nil {
				return err
			}
			changed = changed || done
		}
	}
	vm.reap()
	return nil
}

// ready reports whether t stopped being blocked.
func (vm *VM) ready(t *task) (bool, error) {
	switch t.wait {
	case waitCall:
		fut, ok := vm.futures[t.waitCall]
		if !ok || !fut.Resolved {
			return false, nil
		}
		if len(t.frames) == 0 {
			vm.heap.IncRef(fut.Value)
			vm.heap.IncRef(fut.Exc)
			vm.endTask(t, fut.Value, fut.Exc)
			return true, nil
		}
	case waitTask:
		other := vm.taskByID(t.waitTask)
		if other != nil && other.state != taskDone {
			return false, nil
		}
	case waitChildren:
		return vm.completeGather(t)
	}
	t.state = taskRunnable
	t.wait = waitNone
	return true, nil
}

// completeGather finishes a gather task once every child is done. The
// result is the list of child results in argument order; the first failed
// child, in that order, supplies the exception instead.
func (vm *VM) completeGather(t *task) (bool, error) {
	for _, id := range t.children {
		if c := vm.taskByID(id); c != nil && c.state != taskDone {
			return false, nil
		}
	}
	results := make([]object.Value, 0, len(t.children))
	for _, id := range t.children {
		c := vm.taskByID(id)
		if !c.exc.IsUndefined() {
			vm.heap.ReleaseAll(results)
			vm.heap.IncRef(c.exc)
			vm.endTask(t, object.Undefined, c.exc)
			return true, nil
		}
		r := c.result
		if r.IsUndefined() {
			r = object.None
		}
		vm.heap.IncRef(r)
		results = append(results, r)
	}
	list, err := vm.heap.NewList(results)
	if err != nil {
		return false, err
	}
	vm.endTask(t, list, object.Undefined)
	return true, nil
}

// reap drops finished tasks whose handle only the scheduler still holds and
// that no pending gather refers to.
func (vm *VM) reap() {
	needed := map[int]bool{}
	for _, t := range vm.tasks {
		if t.state == taskDone {
			continue
		}
		for _, id := range t.children {
			needed[id] = true
		}
		if t.wait == waitTask {
			needed[t.waitTask] = true
		}
	}
	for id, fut := range vm.futures {
		if vm.settled(id, fut) {
			vm.dropFuture(id)
		}
	}
	kept := vm.tasks[:0]
	for _, t := range vm.tasks {
		if t.id != 0 && t.state == taskDone && !needed[t.id] && vm.heap.RefCount(t.handle.AsRef()) == 1 {
			vm.releaseTask(t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(vm.tasks); i++ {
		vm.tasks[i] = nil
	}
	vm.tasks = kept
}

func (vm *VM) releaseTask(t *task) {
	for i := len(t.frames) - 1; i >= 0; i-- {
		vm.releaseFrame(t.frames[i])
	}
	t.frames = nil
	vm.truncate(t, 0)
	vm.dropContexts(t, -1)
	vm.heap.DecRef(t.result)
	vm.heap.DecRef(t.exc)
	vm.heap.DecRef(t.handle)
	t.result, t.exc, t.handle = object.Undefined, object.Undefined, object.Undefined
}

// nextRunnable picks the runnable task with the lowest id.
func (vm *VM) nextRunnable() *task {
	for _, t := range vm.tasks {
		if t.state == taskRunnable {
			return t
		}
	}
	return nil
}

func (vm *VM) switchTo(t *task) {
	vm.current = t
	vm.reload()
	vm.logger.Debug().Int("task", t.id).Msg("task switch")
}

// blocked suspends the VM when every task waits. The host is asked to
// resolve the futures they wait on; when no task waits on a future the
// program can never progress.
func (vm *VM) blocked() (*FrameExit, error) {
	seen := map[int64]bool{}
	var ids []int64
	for _, t := range vm.tasks {
		if t.state != taskBlocked || t.wait != waitCall || seen[t.waitCall] {
			continue
		}
		if fut, ok := vm.futures[t.waitCall]; ok && !fut.Resolved {
			seen[t.waitCall] = true
			ids = append(ids, t.waitCall)
		}
	}
	if len(ids) == 0 {
		vm.state = stateFailed
		return nil, errz.NewException("RuntimeError", "deadlock: every task is waiting on another task", nil)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	vm.state = stateWaitingFutures
	vm.logger.Debug().Ints64("calls", ids).Msg("waiting for futures")
	return &FrameExit{Kind: ExitResolveFutures, CallIDs: ids}, nil
}
