package vm

import (
	"github.com/deepnoodle-ai/pyrite/object"
)

type contKind uint8

const (
	contNone contKind = iota
	// contClass turns the frame's namespace into a class when the body
	// returns.
	contClass
	// contConstructor replaces __init__'s return value with the instance.
	contConstructor
	// contGenerator drives a generator or coroutine object.
	contGenerator
)

// exhaustKind says what happens in the caller when a generator frame
// returns instead of yielding.
type exhaustKind uint8

const (
	// exhaustJump pops the iterator and jumps; used by FOR_ITER.
	exhaustJump exhaustKind = iota + 1
	// exhaustRaise raises StopIteration; used by next().
	exhaustRaise
	// exhaustDeliver pushes the return value; used by await on a coroutine.
	exhaustDeliver
	// exhaustCollect gathers every yielded value into a list and passes it
	// to a builtin; used by list(), sorted() and friends on generators.
	exhaustCollect
)

// continuation is the special behavior attached to a frame. All values are
// owned by the frame.
type continuation struct {
	kind contKind

	// contClass
	name  string
	bases []object.Value

	// contConstructor
	instance object.Value

	// contGenerator
	gen       object.Value
	onExhaust exhaustKind
	target    int            // exhaustJump: caller ip
	collect   object.Value   // exhaustCollect: list being filled
	post      uint32         // exhaustCollect: builtin receiving the list
	postArgs  []object.Value // exhaustCollect: remaining builtin arguments
}

func (c *continuation) values(fn func(object.Value)) {
	for _, b := range c.bases {
		fn(b)
	}
	fn(c.instance)
	fn(c.gen)
	fn(c.collect)
	for _, a := range c.postArgs {
		fn(a)
	}
}

// frame is one activation record. The frame owns a reference to every value
// it holds.
type frame struct {
	code   *loadedCode
	ip     int // next instruction
	lastIP int // instruction in progress; used for handler lookup and traces
	base   int // operand stack height when the frame was entered
	ns     object.Value
	fn     object.Value // closure; Undefined for module and class bodies
	locals []object.Value
	cells  []object.Value
	cont   continuation
}

// values calls fn for every reference the frame owns.
func (f *frame) values(fn func(object.Value)) {
	fn(f.ns)
	fn(f.fn)
	for _, v := range f.locals {
		fn(v)
	}
	for _, v := range f.cells {
		fn(v)
	}
	f.cont.values(fn)
}

func (vm *VM) releaseFrame(f *frame) {
	f.values(vm.heap.DecRef)
	f.locals, f.cells, f.cont = nil, nil, continuation{}
}

func (f *frame) name() string {
	if f.cont.kind == contClass {
		return f.cont.name
	}
	return f.code.Name()
}
