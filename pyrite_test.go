package pyrite

import (
	"bytes"
	"testing"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/deepnoodle-ai/pyrite/vm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// sumProgram returns [base + fetch(1), base + fetch(2)] where base is a
// host-provided global.
func sumProgram(t *testing.T) *bytecode.Code {
	t.Helper()
	b := bytecode.NewBuilder("main", "<module>").SetSource("main.py", "")
	for _, arg := range []int{1, 2} {
		b.Emit(op.LoadGlobal, op.Code(b.Name("base")))
		b.Emit(op.LoadGlobal, op.Code(b.Name("fetch")))
		b.LoadConst(arg)
		b.Emit(op.Call, 1)
		b.Emit(op.BinaryOp, op.Code(op.Add))
	}
	b.Emit(op.BuildList, 2)
	b.Emit(op.ReturnValue)
	code, err := b.Build()
	require.NoError(t, err)
	return code
}

func TestSessionRun(t *testing.T) {
	s, err := NewSession(sumProgram(t),
		WithExternalFunctions("fetch"),
		WithGlobals(map[string]any{"base": 100}))
	require.NoError(t, err)
	defer s.Close()

	exit, err := s.Start()
	require.NoError(t, err)
	require.Equal(t, vm.ExitExternalCall, exit.Kind)
	require.Equal(t, []any{int64(1)}, exit.Args)
	require.Equal(t, exit, s.Last())

	exit, err = s.Resume(exit.CallID, vm.Return(10))
	require.NoError(t, err)
	require.Equal(t, int64(2), exit.CallID)

	exit, err = s.Resume(exit.CallID, vm.Return(20))
	require.NoError(t, err)
	require.Equal(t, vm.ExitReturn, exit.Kind)
	require.Equal(t, []any{int64(110), int64(120)}, exit.Value)

	base, ok := s.Global("base")
	require.True(t, ok)
	require.Equal(t, int64(100), base)
}

func TestSessionSaveAndLoad(t *testing.T) {
	s, err := NewSession(sumProgram(t),
		WithExternalFunctions("fetch"),
		WithGlobals(map[string]any{"base": 100}))
	require.NoError(t, err)
	exit, err := s.Start()
	require.NoError(t, err)
	exit, err = s.Resume(exit.CallID, vm.Return(10))
	require.NoError(t, err)
	require.Equal(t, int64(2), exit.CallID)

	var saved bytes.Buffer
	require.NoError(t, s.Save(&saved))

	// The original keeps running after a save.
	done, err := s.Resume(2, vm.Return(20))
	require.NoError(t, err)
	require.Equal(t, []any{int64(110), int64(120)}, done.Value)

	loaded, err := LoadSession(bytes.NewReader(saved.Bytes()))
	require.NoError(t, err)
	require.Equal(t, vm.ExitExternalCall, loaded.Last().Kind)
	require.Equal(t, int64(2), loaded.Last().CallID)
	exit, err = loaded.Resume(2, vm.Return(5))
	require.NoError(t, err)
	require.Equal(t, []any{int64(110), int64(105)}, exit.Value)
}

func TestLoadSessionRejectsGarbage(t *testing.T) {
	_, err := LoadSession(bytes.NewReader([]byte("not a bundle")))
	require.ErrorContains(t, err, "load session")
}

func TestSaveRequiresSuspendedSession(t *testing.T) {
	s, err := NewSession(sumProgram(t), WithExternalFunctions("fetch"))
	require.NoError(t, err)
	require.ErrorContains(t, s.Save(&bytes.Buffer{}), "cannot snapshot")
}

type reentrant struct {
	vm.NoOpObserver
	session *Session
	err     error
}

func (r *reentrant) OnCall(vm.CallEvent) bool {
	_, r.err = r.session.Start()
	return true
}

func TestSessionRejectsReentry(t *testing.T) {
	f := bytecode.NewBuilder("f", "f")
	f.Emit(op.None)
	f.Emit(op.ReturnValue)
	b := bytecode.NewBuilder("main", "<module>")
	c := b.Function(f, bytecode.FunctionParams{})
	b.Emit(op.MakeFunction, op.Code(c), 0, 0)
	b.Emit(op.Call, 0)
	b.Emit(op.ReturnValue)
	code, err := b.Build()
	require.NoError(t, err)

	obs := &reentrant{}
	s, err := NewSession(code, WithObserver(obs))
	require.NoError(t, err)
	obs.session = s
	exit, err := s.Start()
	require.NoError(t, err)
	require.Equal(t, vm.ExitReturn, exit.Kind)
	require.ErrorIs(t, obs.err, ErrAlreadyRunning)
}

func TestSessionLimitsAndMetrics(t *testing.T) {
	b := bytecode.NewBuilder("main", "<module>")
	top := b.NewLabel()
	b.Mark(top)
	b.Emit(op.BuildList, 0)
	b.Emit(op.PopTop)
	b.Jump(op.JumpBackward, top)
	code, err := b.Build()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	s, err := NewSession(code,
		WithLimits(resource.Limits{MaxAllocations: 50}),
		WithMetrics(reg))
	require.NoError(t, err)
	_, err = s.Start()
	require.True(t, errz.IsResource(err))

	usage, ok := s.Usage()
	require.True(t, ok)
	require.Equal(t, int64(50), usage.Allocations)

	metrics := s.Heap().Tracker().(*resource.Instrumented)
	require.Equal(t, 50.0, testutil.ToFloat64(metrics.Allocations))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Refusals.WithLabelValues("allocation")))
}

func TestInvalidLimits(t *testing.T) {
	_, err := NewSession(sumProgram(t), WithLimits(resource.Limits{MaxOperations: -1}))
	require.ErrorContains(t, err, "max_operations must not be negative")
}
