package vm

import (
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/stretchr/testify/require"
)

// fetchProgram returns x + fetch("a") with x = 2.
func fetchProgram(t *testing.T) *bytecode.Code {
	b := newModule()
	b.LoadConst(2)
	storeGlobal(b, "x")
	loadGlobal(b, "x")
	callGlobal(b, "fetch", "a")
	binary(b, op.Add)
	b.Emit(op.ReturnValue)
	return build(t, b)
}

func TestExternalCall(t *testing.T) {
	vm, exit, err := start(t, fetchProgram(t), WithExternalFunctions("fetch"))
	require.NoError(t, err)
	require.Equal(t, ExitExternalCall, exit.Kind)
	require.Equal(t, "fetch", exit.Function)
	require.Equal(t, []any{"a"}, exit.Args)
	require.Equal(t, int64(1), exit.CallID)

	id, ok := vm.PendingCallID()
	require.True(t, ok)
	require.Equal(t, int64(1), id)

	_, err = vm.Resume(2, Return(1))
	require.Error(t, err)

	exit, err = vm.Resume(1, Return(40))
	require.NoError(t, err)
	require.Equal(t, ExitReturn, exit.Kind)
	require.Equal(t, int64(42), exit.Value)
	require.NoError(t, vm.AuditRefcounts())

	_, err = vm.Resume(1, Return(40))
	require.Error(t, err)
}

func TestExternalCallRaises(t *testing.T) {
	vm, _, err := start(t, fetchProgram(t), WithExternalFunctions("fetch"))
	require.NoError(t, err)
	_, err = vm.Resume(1, Raise(object.PermissionError, "denied"))
	var se *errz.StructuredError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "PermissionError", se.Type)
	require.Equal(t, "denied", se.Message)
}

func TestSnapshotRoundTrip(t *testing.T) {
	code := fetchProgram(t)
	vm, exit, err := start(t, code, WithExternalFunctions("fetch"))
	require.NoError(t, err)
	require.Equal(t, ExitExternalCall, exit.Kind)
	require.NoError(t, vm.AuditRefcounts())

	snap, err := vm.Snapshot()
	require.NoError(t, err)
	_, err = vm.Resume(1, Return(40))
	require.Error(t, err, "a snapshotted vm is detached")

	snapData, err := snap.Marshal()
	require.NoError(t, err)
	heapData, err := object.MarshalHeap(vm.Heap())
	require.NoError(t, err)

	loaded, err := UnmarshalSnapshot(snapData)
	require.NoError(t, err)
	index, err := bytecode.NewIndex(code)
	require.NoError(t, err)
	heap, err := object.UnmarshalHeap(heapData, resource.NewUnrestricted(), Interns(code, "fetch"), index)
	require.NoError(t, err)
	require.NoError(t, loaded.AuditRefcounts(heap))

	restored, err := Restore(code, loaded, heap)
	require.NoError(t, err)
	require.NoError(t, restored.AuditRefcounts())
	_, err = Restore(code, loaded, heap)
	require.Error(t, err, "a snapshot restores once")

	exit, err = restored.Resume(1, Return(40))
	require.NoError(t, err)
	require.Equal(t, int64(42), exit.Value)
	require.NoError(t, restored.AuditRefcounts())
}

func TestSnapshotRejectsForeignHeap(t *testing.T) {
	code := fetchProgram(t)
	vm, _, err := start(t, code, WithExternalFunctions("fetch"))
	require.NoError(t, err)
	snap, err := vm.Snapshot()
	require.NoError(t, err)

	other := object.NewHeap(resource.NewUnrestricted(), Interns(code, "fetch"))
	_, err = Restore(code, snap, other)
	require.ErrorContains(t, err, "belongs to heap")

	snap.Release(vm.Heap())
	require.Equal(t, 0, vm.Heap().Live())
}

func TestSnapshotRejectsMissingObjects(t *testing.T) {
	code := fetchProgram(t)
	vm, _, err := start(t, code, WithExternalFunctions("fetch"))
	require.NoError(t, err)
	snap, err := vm.Snapshot()
	require.NoError(t, err)
	heapData, err := object.MarshalHeap(vm.Heap())
	require.NoError(t, err)
	index, err := bytecode.NewIndex(code)
	require.NoError(t, err)
	heap, err := object.UnmarshalHeap(heapData, resource.NewUnrestricted(), Interns(code, "fetch"), index)
	require.NoError(t, err)

	// Same heap identity, but the globals namespace is gone.
	globals := snap.Globals.AsRef()
	for heap.Contains(globals) {
		heap.DecRef(snap.Globals)
	}
	_, err = Restore(code, snap, heap)
	require.ErrorContains(t, err, "reference to missing object")
}

func TestSnapshotRequiresSuspendedVM(t *testing.T) {
	b := newModule()
	b.Emit(op.None)
	b.Emit(op.ReturnValue)
	vm, _, err := start(t, build(t, b))
	require.NoError(t, err)
	_, err = vm.Snapshot()
	require.Error(t, err)
}

// gatherProgram runs two coroutines doubling fetch(x) concurrently:
//
//	async def work(x):
//	    return await fetch(x) * 2
//	return await asyncio.gather(work(5), work(10))
func gatherProgram(t *testing.T) *bytecode.Code {
	work := bytecode.NewBuilder("work", "work")
	work.Local("x")
	loadGlobal(work, "fetch")
	loadFast(work, "x")
	call(work, 1)
	work.Emit(op.Await)
	work.LoadConst(2)
	binary(work, op.Multiply)
	work.Emit(op.ReturnValue)

	b := newModule()
	function(b, work, bytecode.FunctionParams{Parameters: []string{"x"}, Kind: bytecode.Coroutine}, "work")
	b.Emit(op.ImportName, op.Code(b.Name("asyncio")))
	b.Emit(op.LoadAttr, op.Code(b.Name("gather")))
	callGlobal(b, "work", 5)
	callGlobal(b, "work", 10)
	call(b, 2)
	b.Emit(op.Await)
	b.Emit(op.ReturnValue)
	return build(t, b)
}

func TestGatherWithPendingCalls(t *testing.T) {
	vm, exit, err := start(t, gatherProgram(t), WithExternalFunctions("fetch"))
	require.NoError(t, err)
	require.Equal(t, ExitExternalCall, exit.Kind)
	require.Equal(t, int64(1), exit.CallID)
	require.Equal(t, []any{int64(5)}, exit.Args)

	exit, err = vm.Resume(1, Pending())
	require.NoError(t, err)
	require.Equal(t, ExitExternalCall, exit.Kind)
	require.Equal(t, int64(2), exit.CallID)
	require.Equal(t, []any{int64(10)}, exit.Args)

	exit, err = vm.Resume(2, Pending())
	require.NoError(t, err)
	require.Equal(t, ExitResolveFutures, exit.Kind)
	require.Equal(t, []int64{1, 2}, exit.CallIDs)
	require.NoError(t, vm.AuditRefcounts())

	exit, err = vm.ResolveFutures(map[int64]HostResult{1: Return(10), 2: Return(20)})
	require.NoError(t, err)
	require.Equal(t, ExitReturn, exit.Kind)
	require.Equal(t, []any{int64(20), int64(40)}, exit.Value)
	require.NoError(t, vm.AuditRefcounts())
}

func TestGatherSnapshotWhileWaitingOnFutures(t *testing.T) {
	code := gatherProgram(t)
	vm, _, err := start(t, code, WithExternalFunctions("fetch"))
	require.NoError(t, err)
	_, err = vm.Resume(1, Pending())
	require.NoError(t, err)
	exit, err := vm.Resume(2, Pending())
	require.NoError(t, err)
	require.Equal(t, ExitResolveFutures, exit.Kind)

	snap, err := vm.Snapshot()
	require.NoError(t, err)
	data, err := snap.Marshal()
	require.NoError(t, err)
	heapData, err := object.MarshalHeap(vm.Heap())
	require.NoError(t, err)

	loaded, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	index, err := bytecode.NewIndex(code)
	require.NoError(t, err)
	heap, err := object.UnmarshalHeap(heapData, resource.NewUnrestricted(), Interns(code, "fetch"), index)
	require.NoError(t, err)
	restored, err := Restore(code, loaded, heap)
	require.NoError(t, err)

	exit, err = restored.ResolveFutures(map[int64]HostResult{
		1: Return(1),
		2: Raise(object.ValueError, "bad fetch"),
	})
	var se *errz.StructuredError
	require.ErrorAs(t, err, &se)
	require.Nil(t, exit)
	require.Equal(t, "ValueError", se.Type)
	require.Equal(t, "bad fetch", se.Message)
}

func TestResolveUnknownFuture(t *testing.T) {
	vm, _, err := start(t, gatherProgram(t), WithExternalFunctions("fetch"))
	require.NoError(t, err)
	_, err = vm.Resume(1, Pending())
	require.NoError(t, err)
	require.ErrorContains(t, vm.Resolve(9, Return(1)), "unknown call 9")
}

func TestCreateTaskAwaitedByMain(t *testing.T) {
	work := bytecode.NewBuilder("work", "work")
	work.Local("x")
	loadGlobal(work, "fetch")
	loadFast(work, "x")
	call(work, 1)
	work.Emit(op.Await)
	work.LoadConst(2)
	binary(work, op.Multiply)
	work.Emit(op.ReturnValue)

	b := newModule()
	function(b, work, bytecode.FunctionParams{Parameters: []string{"x"}, Kind: bytecode.Coroutine}, "work")
	b.Emit(op.ImportName, op.Code(b.Name("asyncio")))
	b.Emit(op.LoadAttr, op.Code(b.Name("create_task")))
	callGlobal(b, "work", 3)
	call(b, 1)
	b.Emit(op.Await)
	b.Emit(op.ReturnValue)

	vm, exit, err := start(t, build(t, b), WithExternalFunctions("fetch"))
	require.NoError(t, err)
	require.Equal(t, ExitExternalCall, exit.Kind)
	require.Equal(t, []any{int64(3)}, exit.Args)

	exit, err = vm.Resume(exit.CallID, Pending())
	require.NoError(t, err)
	require.Equal(t, ExitResolveFutures, exit.Kind)
	require.Equal(t, []int64{1}, exit.CallIDs)

	exit, err = vm.ResolveFutures(map[int64]HostResult{1: Return(7)})
	require.NoError(t, err)
	require.Equal(t, ExitReturn, exit.Kind)
	require.Equal(t, int64(14), exit.Value)
	require.NoError(t, vm.AuditRefcounts())
}

func TestResolvedFuturesAreDropped(t *testing.T) {
	// await fetch(1) + await fetch(2), both answered later.
	b := newModule()
	callGlobal(b, "fetch", 1)
	b.Emit(op.Await)
	callGlobal(b, "fetch", 2)
	b.Emit(op.Await)
	binary(b, op.Add)
	b.Emit(op.ReturnValue)

	vm, exit, err := start(t, build(t, b), WithExternalFunctions("fetch"))
	require.NoError(t, err)
	exit, err = vm.Resume(exit.CallID, Pending())
	require.NoError(t, err)
	require.Equal(t, []int64{1}, exit.CallIDs)
	require.Len(t, vm.futures, 1)

	exit, err = vm.ResolveFutures(map[int64]HostResult{1: Return(10)})
	require.NoError(t, err)
	require.Equal(t, ExitExternalCall, exit.Kind)
	require.Empty(t, vm.futures)

	exit, err = vm.Resume(exit.CallID, Pending())
	require.NoError(t, err)
	exit, err = vm.ResolveFutures(map[int64]HostResult{2: Return(5)})
	require.NoError(t, err)
	require.Equal(t, int64(15), exit.Value)
	require.Empty(t, vm.futures)
	require.NoError(t, vm.AuditRefcounts())
}

func TestTasksResumeInCreationOrder(t *testing.T) {
	// work(x): v = await fetch(x); log(x); return v
	work := bytecode.NewBuilder("work", "work")
	work.Local("x")
	loadGlobal(work, "fetch")
	loadFast(work, "x")
	call(work, 1)
	work.Emit(op.Await)
	storeFast(work, "v")
	loadGlobal(work, "log")
	loadFast(work, "x")
	call(work, 1)
	work.Emit(op.PopTop)
	loadFast(work, "v")
	work.Emit(op.ReturnValue)

	b := newModule()
	function(b, work, bytecode.FunctionParams{Parameters: []string{"x"}, Kind: bytecode.Coroutine}, "work")
	b.Emit(op.ImportName, op.Code(b.Name("asyncio")))
	b.Emit(op.LoadAttr, op.Code(b.Name("gather")))
	callGlobal(b, "work", 1)
	callGlobal(b, "work", 2)
	call(b, 2)
	b.Emit(op.Await)
	b.Emit(op.ReturnValue)

	vm, exit, err := start(t, build(t, b), WithExternalFunctions("fetch", "log"))
	require.NoError(t, err)
	for exit.Kind == ExitExternalCall {
		exit, err = vm.Resume(exit.CallID, Pending())
		require.NoError(t, err)
	}
	require.Equal(t, ExitResolveFutures, exit.Kind)
	require.Equal(t, []int64{1, 2}, exit.CallIDs)

	// The later task's call is answered first.
	require.NoError(t, vm.Resolve(2, Return(20)))
	require.NoError(t, vm.Resolve(1, Return(10)))
	exit, err = vm.RunPending()
	require.NoError(t, err)

	var logged []any
	for exit.Kind == ExitExternalCall {
		require.Equal(t, "log", exit.Function)
		logged = append(logged, exit.Args[0])
		exit, err = vm.Resume(exit.CallID, Return(nil))
		require.NoError(t, err)
	}
	require.Equal(t, []any{int64(1), int64(2)}, logged)
	require.Equal(t, ExitReturn, exit.Kind)
	require.Equal(t, []any{int64(10), int64(20)}, exit.Value)
	require.NoError(t, vm.AuditRefcounts())
}

// persist moves a suspended VM through its serialized form onto a fresh
// heap.
func persist(t *testing.T, code *bytecode.Code, vm *VM) *VM {
	t.Helper()
	snap, err := vm.Snapshot()
	require.NoError(t, err)
	snapData, err := snap.Marshal()
	require.NoError(t, err)
	heapData, err := object.MarshalHeap(vm.Heap())
	require.NoError(t, err)

	loaded, err := UnmarshalSnapshot(snapData)
	require.NoError(t, err)
	index, err := bytecode.NewIndex(code)
	require.NoError(t, err)
	heap, err := object.UnmarshalHeap(heapData, resource.NewUnrestricted(), Interns(code, loaded.Externals...), index)
	require.NoError(t, err)
	restored, err := Restore(code, loaded, heap)
	require.NoError(t, err)
	require.NoError(t, restored.AuditRefcounts())
	return restored
}

// hostAnswer is what the test host returns for fetch(arg).
func hostAnswer(arg any) any {
	if n, ok := arg.(int64); ok {
		return n * 10
	}
	return int64(40)
}

// drive runs code to the end, answering every host call. With deferred set,
// calls are answered as futures and resolved when every task waits. With
// persisted set, the VM is serialized and restored at every suspension.
func drive(t *testing.T, code *bytecode.Code, deferred, persisted bool) (any, error, []string) {
	t.Helper()
	vm, exit, err := start(t, code, WithExternalFunctions("fetch"))
	var calls []string
	args := map[int64]any{}
	for err == nil && exit.Kind != ExitReturn {
		if persisted {
			vm = persist(t, code, vm)
		}
		switch exit.Kind {
		case ExitExternalCall:
			calls = append(calls, fmt.Sprintf("%s%v", exit.Function, exit.Args))
			if deferred {
				args[exit.CallID] = exit.Args[0]
				exit, err = vm.Resume(exit.CallID, Pending())
			} else {
				exit, err = vm.Resume(exit.CallID, Return(hostAnswer(exit.Args[0])))
			}
		case ExitResolveFutures:
			results := map[int64]HostResult{}
			for _, id := range exit.CallIDs {
				results[id] = Return(hostAnswer(args[id]))
			}
			exit, err = vm.ResolveFutures(results)
		default:
			t.Fatalf("unexpected exit %s", exit)
		}
	}
	if err != nil {
		return nil, err, calls
	}
	require.NoError(t, vm.AuditRefcounts())
	return exit.Value, nil, calls
}

func TestPersistedRunMatchesDirectRun(t *testing.T) {
	tests := []struct {
		name     string
		program  func(t *testing.T) *bytecode.Code
		deferred bool
		want     any
		wantErr  string
		calls    []string
	}{
		{
			name:    "plain call",
			program: fetchProgram,
			want:    int64(42),
			calls:   []string{"fetch[a]"},
		},
		{
			// try:
			//     raise ValueError("boom")
			// except:
			//     fetch(1)
			//     raise
			name: "call in except body",
			program: func(t *testing.T) *bytecode.Code {
				b := newModule()
				start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
				b.Mark(start)
				raiseNew(b, "ValueError", "boom")
				b.Mark(end)
				b.Mark(handler)
				b.Emit(op.PopTop)
				callGlobal(b, "fetch", 1)
				b.Emit(op.PopTop)
				b.Emit(op.Raise, 0)
				b.Handler(start, end, handler, 0)
				return build(t, b)
			},
			wantErr: "boom",
			calls:   []string{"fetch[1]"},
		},
		{
			// sum(gen()) where gen yields fetch(1) and fetch(2)
			name: "generator mid-drain",
			program: func(t *testing.T) *bytecode.Code {
				g := bytecode.NewBuilder("gen", "gen")
				for _, arg := range []int{1, 2} {
					callGlobal(g, "fetch", arg)
					g.Emit(op.YieldValue)
				}
				g.Emit(op.None)
				g.Emit(op.ReturnValue)
				b := newModule()
				function(b, g, bytecode.FunctionParams{Kind: bytecode.Generator}, "gen")
				loadGlobal(b, "sum")
				callGlobal(b, "gen")
				call(b, 1)
				b.Emit(op.ReturnValue)
				return build(t, b)
			},
			want:  int64(30),
			calls: []string{"fetch[1]", "fetch[2]"},
		},
		{
			name:     "gather",
			program:  gatherProgram,
			deferred: true,
			want:     []any{int64(100), int64(200)},
			calls:    []string{"fetch[5]", "fetch[10]"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := tt.program(t)
			direct, directErr, directCalls := drive(t, code, tt.deferred, false)
			restored, restoredErr, restoredCalls := drive(t, code, tt.deferred, true)

			require.Equal(t, tt.calls, directCalls)
			require.Equal(t, directCalls, restoredCalls)
			if tt.wantErr != "" {
				require.ErrorContains(t, directErr, tt.wantErr)
				require.ErrorContains(t, restoredErr, tt.wantErr)
				require.Equal(t, directErr.Error(), restoredErr.Error())
				return
			}
			require.NoError(t, directErr)
			require.NoError(t, restoredErr)
			require.Equal(t, tt.want, direct)
			require.Equal(t, direct, restored)
		})
	}
}
