package vm

import (
	"testing"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/op"
	"github.com/stretchr/testify/require"
)

func newModule() *bytecode.Builder {
	return bytecode.NewBuilder("main", "<module>").SetSource("main.py", "")
}

func build(t *testing.T, b *bytecode.Builder) *bytecode.Code {
	t.Helper()
	code, err := b.Build()
	require.NoError(t, err)
	return code
}

func start(t *testing.T, code *bytecode.Code, options ...Option) (*VM, *FrameExit, error) {
	t.Helper()
	vm, err := New(code, options...)
	require.NoError(t, err)
	exit, err := vm.Run()
	return vm, exit, err
}

// runValue runs code to completion and returns its result.
func runValue(t *testing.T, code *bytecode.Code, options ...Option) any {
	t.Helper()
	vm, exit, err := start(t, code, options...)
	require.NoError(t, err)
	require.Equal(t, ExitReturn, exit.Kind)
	require.NoError(t, vm.AuditRefcounts())
	return exit.Value
}

func loadGlobal(b *bytecode.Builder, name string) {
	b.Emit(op.LoadGlobal, op.Code(b.Name(name)))
}

func storeGlobal(b *bytecode.Builder, name string) {
	b.Emit(op.StoreGlobal, op.Code(b.Name(name)))
}

func loadFast(b *bytecode.Builder, name string) {
	b.Emit(op.LoadFast, op.Code(b.Local(name)))
}

func storeFast(b *bytecode.Builder, name string) {
	b.Emit(op.StoreFast, op.Code(b.Local(name)))
}

func call(b *bytecode.Builder, argc int) {
	b.Emit(op.Call, op.Code(argc))
}

func binary(b *bytecode.Builder, kind op.BinaryOpType) {
	b.Emit(op.BinaryOp, op.Code(kind))
}

// callGlobal emits name(args...) with constant arguments.
func callGlobal(b *bytecode.Builder, name string, args ...any) {
	loadGlobal(b, name)
	for _, a := range args {
		b.LoadConst(a)
	}
	call(b, len(args))
}

// raiseNew emits raise excName(message).
func raiseNew(b *bytecode.Builder, excName, message string) {
	callGlobal(b, excName, message)
	b.Emit(op.Raise, 1)
}

// function adds a function to b, stores it in a global and returns nothing.
func function(b *bytecode.Builder, child *bytecode.Builder, params bytecode.FunctionParams, name string) {
	c := b.Function(child, params)
	b.Emit(op.MakeFunction, op.Code(c), 0, 0)
	storeGlobal(b, name)
}

// guard emits body protected by a handler for excName at stack depth
// depth. The handler pops the exception and its context before running
// handler; other exceptions are re-raised.
func guard(b *bytecode.Builder, depth int, excName string, body, handler func()) {
	tryStart, tryEnd := b.NewLabel(), b.NewLabel()
	handlerStart, noMatch, done := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(tryStart)
	body()
	b.Mark(tryEnd)
	b.Jump(op.JumpForward, done)
	b.Mark(handlerStart)
	loadGlobal(b, excName)
	b.Emit(op.CheckExcMatch)
	b.Jump(op.PopJumpForwardIfFalse, noMatch)
	b.Emit(op.PopTop)
	b.Emit(op.PopExcept)
	handler()
	b.Jump(op.JumpForward, done)
	b.Mark(noMatch)
	b.Emit(op.Reraise)
	b.Mark(done)
	b.Handler(tryStart, tryEnd, handlerStart, depth)
}

// generatorOf builds a generator function yielding the given constants.
func generatorOf(values ...any) *bytecode.Builder {
	g := bytecode.NewBuilder("gen", "gen")
	for _, v := range values {
		g.LoadConst(v)
		g.Emit(op.YieldValue)
	}
	g.Emit(op.None)
	g.Emit(op.ReturnValue)
	return g
}
