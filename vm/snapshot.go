package vm

import (
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/hashicorp/go-multierror"
)

// SnapshotVersion is the snapshot format version written by Snapshot.
const SnapshotVersion = 1

const (
	snapshotWaitingCall    = "call"
	snapshotWaitingFutures = "futures"
)

// Snapshot is the execution state of a suspended VM. Objects stay on the
// heap; the snapshot refers to them by id and owns one reference for every
// value it holds. Persist a snapshot together with its heap
// (object.MarshalHeap) and bring both back with object.UnmarshalHeap and
// Restore.
type Snapshot struct {
	Version     int      `json:"version"`
	HeapID      string   `json:"heap_id"`
	Fingerprint uint64   `json:"fingerprint"`
	Program     string   `json:"program"`
	Externals   []string `json:"externals,omitempty"`
	State       string   `json:"state"`

	Globals    object.Value      `json:"globals"`
	Tasks      []taskSnapshot    `json:"tasks"`
	Current    int               `json:"current"`
	NextTaskID int               `json:"next_task_id"`
	NextCallID int64             `json:"next_call_id"`
	Futures    map[int64]*future `json:"futures,omitempty"`
	Pending    *pendingCall      `json:"pending,omitempty"`

	consumed bool
}

type taskSnapshot struct {
	ID       int             `json:"id"`
	State    taskState       `json:"state"`
	Wait     waitKind        `json:"wait,omitempty"`
	WaitCall int64           `json:"wait_call,omitempty"`
	WaitTask int             `json:"wait_task,omitempty"`
	Children []int           `json:"children,omitempty"`
	Frames   []frameSnapshot `json:"frames,omitempty"`
	Stack    []object.Value  `json:"stack,omitempty"`
	Contexts []excContext    `json:"contexts,omitempty"`
	Handle   object.Value    `json:"handle"`
	Result   object.Value    `json:"result"`
	Exc      object.Value    `json:"exc"`
}

type frameSnapshot struct {
	Code   string         `json:"code"`
	IP     int            `json:"ip"`
	LastIP int            `json:"last_ip"`
	Base   int            `json:"base"`
	NS     object.Value   `json:"ns"`
	Fn     object.Value   `json:"fn"`
	Locals []object.Value `json:"locals,omitempty"`
	Cells  []object.Value `json:"cells,omitempty"`
	Cont   contSnapshot   `json:"cont"`
}

type contSnapshot struct {
	Kind      contKind       `json:"kind,omitempty"`
	Name      string         `json:"name,omitempty"`
	Bases     []object.Value `json:"bases,omitempty"`
	Instance  object.Value   `json:"instance"`
	Gen       object.Value   `json:"gen"`
	OnExhaust exhaustKind    `json:"on_exhaust,omitempty"`
	Target    int            `json:"target,omitempty"`
	Collect   object.Value   `json:"collect"`
	Post      uint32         `json:"post,omitempty"`
	PostArgs  []object.Value `json:"post_args,omitempty"`
}

// Snapshot captures a VM suspended on a host call or on futures. The VM's
// references move into the snapshot and the VM can no longer be used.
func (vm *VM) Snapshot() (*Snapshot, error) {
	var state string
	switch vm.state {
	case stateWaitingCall:
		state = snapshotWaitingCall
	case stateWaitingFutures:
		state = snapshotWaitingFutures
	default:
		return nil, fmt.Errorf("cannot snapshot: vm is %s", vm.state)
	}
	vm.sync()
	s := &Snapshot{
		Version:     SnapshotVersion,
		HeapID:      vm.heap.ID().String(),
		Fingerprint: vm.heap.Interns().Fingerprint(),
		Program:     vm.program.ID(),
		Externals:   append([]string(nil), vm.externals...),
		State:       state,
		Globals:     vm.globals,
		Current:     -1,
		NextTaskID:  vm.nextTaskID,
		NextCallID:  vm.nextCallID,
		Futures:     vm.futures,
		Pending:     vm.pending,
	}
	if vm.current != nil {
		s.Current = vm.current.id
	}
	for _, t := range vm.tasks {
		ts := taskSnapshot{
			ID:       t.id,
			State:    t.state,
			Wait:     t.wait,
			WaitCall: t.waitCall,
			WaitTask: t.waitTask,
			Children: t.children,
			Stack:    t.stack,
			Contexts: t.contexts,
			Handle:   t.handle,
			Result:   t.result,
			Exc:      t.exc,
		}
		for _, f := range t.frames {
			ts.Frames = append(ts.Frames, frameSnapshot{
				Code:   f.code.ID(),
				IP:     f.ip,
				LastIP: f.lastIP,
				Base:   f.base,
				NS:     f.ns,
				Fn:     f.fn,
				Locals: f.locals,
				Cells:  f.cells,
				Cont: contSnapshot{
					Kind:      f.cont.kind,
					Name:      f.cont.name,
					Bases:     f.cont.bases,
					Instance:  f.cont.instance,
					Gen:       f.cont.gen,
					OnExhaust: f.cont.onExhaust,
					Target:    f.cont.target,
					Collect:   f.cont.collect,
					Post:      f.cont.post,
					PostArgs:  f.cont.postArgs,
				},
			})
		}
		s.Tasks = append(s.Tasks, ts)
	}
	vm.heap.DecRef(vm.result)
	vm.detach()
	vm.logger.Debug().Str("state", state).Int("tasks", len(s.Tasks)).Msg("snapshot taken")
	return s, nil
}

// detach forgets every value without releasing it.
func (vm *VM) detach() {
	vm.tasks, vm.current = nil, nil
	vm.frame, vm.code = nil, nil
	vm.futures = map[int64]*future{}
	vm.pending = nil
	vm.globals, vm.result = object.Undefined, object.Undefined
	vm.state = stateDetached
}

// values calls fn for every reference the snapshot owns.
func (s *Snapshot) values(fn func(object.Value)) {
	fn(s.Globals)
	for i := range s.Tasks {
		t := &s.Tasks[i]
		for j := range t.Frames {
			f := &t.Frames[j]
			fn(f.NS)
			fn(f.Fn)
			eachValue(f.Locals, fn)
			eachValue(f.Cells, fn)
			eachValue(f.Cont.Bases, fn)
			fn(f.Cont.Instance)
			fn(f.Cont.Gen)
			fn(f.Cont.Collect)
			eachValue(f.Cont.PostArgs, fn)
		}
		eachValue(t.Stack, fn)
		for _, c := range t.Contexts {
			fn(c.Exc)
		}
		fn(t.Handle)
		fn(t.Result)
		fn(t.Exc)
	}
	for _, fut := range s.Futures {
		fn(fut.Value)
		fn(fut.Exc)
	}
	if s.Pending != nil {
		eachValue(s.Pending.Args, fn)
	}
}

func eachValue(values []object.Value, fn func(object.Value)) {
	for _, v := range values {
		fn(v)
	}
}

// Release drops the snapshot's references. Use it to discard a snapshot
// that will not be restored.
func (s *Snapshot) Release(h *object.Heap) {
	if s.consumed {
		return
	}
	s.values(h.DecRef)
	s.consumed = true
}

// Marshal encodes the snapshot as JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot decodes a snapshot written by Marshal.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("unmarshal snapshot: unsupported version %d", s.Version)
	}
	return &s, nil
}

// Validate checks the snapshot against the program index and heap it is
// about to be restored onto. Every problem found is reported.
func (s *Snapshot) Validate(index *bytecode.Index, h *object.Heap) error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}
	if s.Version != SnapshotVersion {
		add("unsupported version %d", s.Version)
	}
	if s.HeapID != h.ID().String() {
		add("snapshot belongs to heap %s, not %s", s.HeapID, h.ID())
	}
	if fp := h.Interns().Fingerprint(); fp != s.Fingerprint {
		add("intern table fingerprint %016x does not match %016x", fp, s.Fingerprint)
	}
	if s.Program != index.Root().ID() {
		add("snapshot is for program %q, not %q", s.Program, index.Root().ID())
	}
	// Nothing else can be checked against the wrong heap or program.
	if result != nil {
		return result.ErrorOrNil()
	}
	switch s.State {
	case snapshotWaitingCall:
		if s.Pending == nil {
			add("waiting for a call but no call is pending")
		} else if s.Pending.CallID >= s.NextCallID {
			add("pending call %d was never issued", s.Pending.CallID)
		}
		if s.Current < 0 {
			add("waiting for a call without a current task")
		}
	case snapshotWaitingFutures:
		if s.Pending != nil {
			add("waiting for futures with call %d pending", s.Pending.CallID)
		}
	default:
		add("unknown state %q", s.State)
	}
	for id := range s.Futures {
		if id <= 0 || id >= s.NextCallID {
			add("future for unknown call %d", id)
		}
	}

	if len(s.Tasks) == 0 || s.Tasks[0].ID != 0 {
		add("missing main task")
	}
	currentFound := s.Current < 0
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if i > 0 && t.ID <= s.Tasks[i-1].ID {
			add("task %d out of order", t.ID)
		}
		if t.ID >= s.NextTaskID && t.ID != 0 {
			add("task %d was never created", t.ID)
		}
		if t.ID == s.Current {
			currentFound = true
		}
		for j := range t.Frames {
			f := &t.Frames[j]
			code, ok := index.Code(f.Code)
			if !ok {
				add("task %d frame %d: unknown code %q", t.ID, j, f.Code)
				continue
			}
			if f.IP < 0 || f.IP > code.InstructionCount() {
				add("task %d frame %d: ip %d outside %s", t.ID, j, f.IP, f.Code)
			}
			if f.Base < 0 || f.Base > len(t.Stack) {
				add("task %d frame %d: base %d above stack height %d", t.ID, j, f.Base, len(t.Stack))
			}
			if len(f.Locals) != code.LocalCount() {
				add("task %d frame %d: %d locals, code %s has %d", t.ID, j, len(f.Locals), f.Code, code.LocalCount())
			}
			if f.Cont.Kind == contGenerator && f.Cont.OnExhaust == exhaustCollect && int(f.Cont.Post) >= len(builtins.defs) {
				add("task %d frame %d: unknown builtin %d", t.ID, j, f.Cont.Post)
			}
		}
	}
	if !currentFound {
		add("current task %d does not exist", s.Current)
	}

	s.values(func(v object.Value) {
		switch v.Kind() {
		case object.KindRef:
			if id := v.AsRef(); !h.Contains(id) {
				add("reference to missing object %d", id)
			}
		case object.KindBuiltin:
			if int(v.AsBuiltin()) >= len(builtins.defs) {
				add("unknown builtin %d", v.AsBuiltin())
			}
		case object.KindExternal:
			if int(v.AsExternal()) >= len(s.Externals) {
				add("unknown external function %d", v.AsExternal())
			}
		}
	})
	return result.ErrorOrNil()
}

// Restore rebuilds a VM from a snapshot onto heap, which must be the heap
// the snapshot was taken on or its unmarshaled copy. The snapshot's
// references move into the VM; a snapshot can be restored only once. Options
// that configure the program (external functions, globals, heap) are taken
// from the snapshot and ignored here.
func Restore(program *bytecode.Code, s *Snapshot, heap *object.Heap, options ...Option) (vm *VM, err error) {
	defer func() {
		if r := recover(); r != nil {
			vm, err = nil, fmt.Errorf("restore: %w", panicError(r))
		}
	}()
	if s.consumed {
		return nil, fmt.Errorf("restore: snapshot was already restored or released")
	}
	if heap == nil {
		return nil, fmt.Errorf("restore: no heap")
	}
	vm, err = newVM(program, options)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(vm.index, heap); err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}
	vm.heap = heap
	vm.tracker = heap.Tracker()
	vm.externals = append([]string(nil), s.Externals...)
	vm.inputGlobals = map[string]any{}
	vm.globals = s.Globals
	vm.result = object.Undefined
	vm.nextTaskID = s.NextTaskID
	vm.nextCallID = s.NextCallID
	vm.pending = s.Pending
	if s.Futures != nil {
		vm.futures = s.Futures
	}
	for i := range s.Tasks {
		ts := &s.Tasks[i]
		t := &task{
			id:       ts.ID,
			state:    ts.State,
			wait:     ts.Wait,
			waitCall: ts.WaitCall,
			waitTask: ts.WaitTask,
			children: ts.Children,
			stack:    ts.Stack,
			contexts: ts.Contexts,
			handle:   ts.Handle,
			result:   ts.Result,
			exc:      ts.Exc,
		}
		for j := range ts.Frames {
			fs := &ts.Frames[j]
			code, _ := vm.index.Code(fs.Code)
			t.frames = append(t.frames, &frame{
				code:   vm.loadCode(code),
				ip:     fs.IP,
				lastIP: fs.LastIP,
				base:   fs.Base,
				ns:     fs.NS,
				fn:     fs.Fn,
				locals: fs.Locals,
				cells:  fs.Cells,
				cont: continuation{
					kind:      fs.Cont.Kind,
					name:      fs.Cont.Name,
					bases:     fs.Cont.Bases,
					instance:  fs.Cont.Instance,
					gen:       fs.Cont.Gen,
					onExhaust: fs.Cont.OnExhaust,
					target:    fs.Cont.Target,
					collect:   fs.Cont.Collect,
					post:      fs.Cont.Post,
					postArgs:  fs.Cont.PostArgs,
				},
			})
		}
		vm.tasks = append(vm.tasks, t)
	}
	if s.State == snapshotWaitingCall {
		vm.state = stateWaitingCall
		vm.current = vm.taskByID(s.Current)
		vm.reload()
	} else {
		vm.state = stateWaitingFutures
	}
	s.consumed = true
	vm.logger.Debug().Str("state", s.State).Int("tasks", len(vm.tasks)).Msg("snapshot restored")
	return vm, nil
}
