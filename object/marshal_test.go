package object

import (
	"testing"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/stretchr/testify/require"
)

func testProgram(t *testing.T) *bytecode.Index {
	t.Helper()
	fn := bytecode.NewBuilder("main.f", "f")
	fn.Local("x")
	fn.Emit(op.LoadFast, 0)
	fn.Emit(op.ReturnValue)
	main := bytecode.NewBuilder("main", "<module>")
	idx := main.Function(fn, bytecode.FunctionParams{Parameters: []string{"x"}})
	main.Emit(op.MakeFunction, op.Code(idx), 0, 0)
	main.Emit(op.ReturnValue)
	index, err := bytecode.NewIndex(main.MustBuild())
	require.NoError(t, err)
	return index
}

func TestHeapRoundTrip(t *testing.T) {
	program := testProgram(t)
	fn, ok := program.Function("main.f")
	require.True(t, ok)

	h := NewHeap(resource.NewUnrestricted(), InternsFor(program.Root()))
	s, err := h.NewStr("runtime")
	require.NoError(t, err)
	closure := mustAlloc(t, h, &Closure{FnID: fn.ID(), Fn: fn, Defaults: []Value{s}})
	d, err := h.NewDict()
	require.NoError(t, err)
	key, ok := h.Interns().Lookup("f")
	require.True(t, ok)
	h.IncRef(closure)
	require.NoError(t, h.Get(d.AsRef()).(*Dict).Set(h, Str(key), closure))

	// A freed slot keeps its generation across the round trip.
	gone := mustAlloc(t, h, &String{S: "gone"})
	gen := h.Generation(gone.AsRef())
	weak := mustAlloc(t, h, &WeakRef{Target: gone.AsRef(), Gen: gen})

	gen2 := mustAlloc(t, h, &Generator{Name: "g", State: GenSuspended, Frame: &SavedFrame{
		CodeID: "main.f",
		IP:     2,
		Fn:     closure,
		Locals: []Value{Int(3)},
	}})
	h.IncRef(closure)
	h.DecRef(gone)

	data, err := MarshalHeap(h)
	require.NoError(t, err)

	restored, err := UnmarshalHeap(data, resource.NewUnrestricted(), InternsFor(program.Root()), program)
	require.NoError(t, err)
	require.Equal(t, h.ID(), restored.ID())
	require.Equal(t, h.Live(), restored.Live())

	external := map[ID]int{closure.AsRef(): 1, d.AsRef(): 1, weak.AsRef(): 1, gen2.AsRef(): 1}
	require.NoError(t, h.Verify(external))
	require.NoError(t, restored.Verify(external))

	c := restored.Get(closure.AsRef()).(*Closure)
	require.Same(t, fn, c.Fn)
	text, ok := restored.StrOf(c.Defaults[0])
	require.True(t, ok)
	require.Equal(t, "runtime", text)

	v, ok := restored.Get(d.AsRef()).(*Dict).GetStr(restored, "f")
	require.True(t, ok)
	require.Equal(t, closure, v)

	g := restored.Get(gen2.AsRef()).(*Generator)
	require.Equal(t, "main.f", g.Frame.Code.ID())
	require.Equal(t, []Value{Int(3)}, g.Frame.Locals)

	w := restored.Get(weak.AsRef()).(*WeakRef)
	require.False(t, restored.IsLive(w.Target, w.Gen))

	reused := mustAlloc(t, restored, &String{S: "new"})
	require.Equal(t, gone.AsRef(), reused.AsRef())
	require.False(t, restored.IsLive(w.Target, w.Gen))
}

func TestUnmarshalHeapErrors(t *testing.T) {
	program := testProgram(t)
	in := NewInterns()
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad json", `{`, "unmarshal heap"},
		{"bad id", `{"id":"nope","entries":[{}]}`, "bad id"},
		{"no slots", `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","entries":[]}`, "missing reserved slot"},
		{"bad tag", `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","entries":[{},{"refs":1,"tag":"widget","payload":{}}]}`, "unknown payload tag"},
		{"unknown function", `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","entries":[{},{"refs":1,"tag":"function","payload":{"fn":"nope"}}]}`, `unknown function "nope"`},
		{"dangling", `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","entries":[{},{"refs":1,"tag":"list","payload":{"items":[[10,5]]}}]}`, "missing object 5"},
		{"bad free", `{"id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","entries":[{}],"free":[3]}`, "invalid free slot 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalHeap([]byte(tt.data), nil, in, program)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestInternsForIsDeterministic(t *testing.T) {
	program := testProgram(t)
	a := InternsFor(program.Root(), "print")
	b := InternsFor(program.Root(), "print")
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	id, ok := a.Lookup("print")
	require.True(t, ok)
	require.Equal(t, StrID(0), id)
	_, ok = a.Lookup("f")
	require.True(t, ok, "function names are interned")

	c := InternsFor(program.Root(), "len")
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}
