package object

import (
	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
)

// Tag names a payload type. Tags are stable: heap snapshots use them.
type Tag string

const (
	TagList      Tag = "list"
	TagTuple     Tag = "tuple"
	TagDict      Tag = "dict"
	TagStr       Tag = "str"
	TagBytes     Tag = "bytes"
	TagCell      Tag = "cell"
	TagClosure   Tag = "function"
	TagMethod    Tag = "method"
	TagClass     Tag = "type"
	TagInstance  Tag = "instance"
	TagException Tag = "exception"
	TagGenerator Tag = "generator"
	TagTask      Tag = "task"
	TagFuture    Tag = "future"
	TagIter      Tag = "iterator"
	TagRange     Tag = "range"
	TagWeakRef   Tag = "weakref"
)

const (
	headerSize = 32
	slotSize   = 16
)

// Payload is the storage of one heap object.
type Payload interface {
	Tag() Tag
	// Size estimates the bytes the object occupies, for memory limits.
	Size() int
}

// Traceable payloads can hold references. They report every Value they own
// so the heap can release children and the collector can find cycles.
type Traceable interface {
	Payload
	Traverse(fn func(Value))
}

func traverseAll(values []Value, fn func(Value)) {
	for _, v := range values {
		fn(v)
	}
}

type List struct {
	Items []Value `json:"items"`

	grown int64
}

func (l *List) Tag() Tag                { return TagList }
func (l *List) Size() int               { return headerSize + cap(l.Items)*slotSize }
func (l *List) Traverse(fn func(Value)) { traverseAll(l.Items, fn) }

type Tuple struct {
	Items []Value `json:"items"`
}

func (t *Tuple) Tag() Tag                { return TagTuple }
func (t *Tuple) Size() int               { return headerSize + len(t.Items)*slotSize }
func (t *Tuple) Traverse(fn func(Value)) { traverseAll(t.Items, fn) }

// String is a string created at run time.
type String struct {
	S string `json:"s"`
}

func (s *String) Tag() Tag  { return TagStr }
func (s *String) Size() int { return headerSize + len(s.S) }

// Bytes is a byte string created at run time.
type Bytes struct {
	B []byte `json:"b"`
}

func (b *Bytes) Tag() Tag  { return TagBytes }
func (b *Bytes) Size() int { return headerSize + len(b.B) }

// Cell holds a variable shared between a scope and its closures.
type Cell struct {
	V Value `json:"v"`
}

func (c *Cell) Tag() Tag                { return TagCell }
func (c *Cell) Size() int               { return headerSize + slotSize }
func (c *Cell) Traverse(fn func(Value)) { fn(c.V) }

// Closure is a function value: a template plus the runtime state captured
// by MAKE_FUNCTION.
type Closure struct {
	FnID     string             `json:"fn"`
	Fn       *bytecode.Function `json:"-"`
	Defaults []Value            `json:"defaults,omitempty"`
	Cells    []Value            `json:"cells,omitempty"`
}

func (c *Closure) Tag() Tag { return TagClosure }
func (c *Closure) Size() int {
	return headerSize + (len(c.Defaults)+len(c.Cells))*slotSize
}
func (c *Closure) Traverse(fn func(Value)) {
	traverseAll(c.Defaults, fn)
	traverseAll(c.Cells, fn)
}

// Method is a function bound to the instance it was looked up on.
type Method struct {
	Self Value `json:"self"`
	Func Value `json:"func"`
}

func (m *Method) Tag() Tag  { return TagMethod }
func (m *Method) Size() int { return headerSize + 2*slotSize }
func (m *Method) Traverse(fn func(Value)) {
	fn(m.Self)
	fn(m.Func)
}

// Class is a user-defined class. ExcBase is set when the class derives,
// directly or through other classes, from a builtin exception class.
type Class struct {
	Name      string  `json:"name"`
	Bases     []Value `json:"bases,omitempty"`
	Namespace Value   `json:"ns"`
	ExcBase   ExcType `json:"exc,omitempty"`
}

func (c *Class) Tag() Tag  { return TagClass }
func (c *Class) Size() int { return headerSize + len(c.Name) + (len(c.Bases)+1)*slotSize }
func (c *Class) Traverse(fn func(Value)) {
	traverseAll(c.Bases, fn)
	fn(c.Namespace)
}

// Instance is an object of a user-defined class.
type Instance struct {
	Class Value `json:"class"`
	Attrs Dict  `json:"attrs"`
}

func (i *Instance) Tag() Tag  { return TagInstance }
func (i *Instance) Size() int { return headerSize + slotSize + i.Attrs.size() }
func (i *Instance) Traverse(fn func(Value)) {
	fn(i.Class)
	i.Attrs.Traverse(fn)
}

// ExceptionInstance is a raised or raisable exception. Class is set for instances
// of user-defined exception classes; Type is always the nearest builtin
// class.
type ExceptionInstance struct {
	Type    ExcType           `json:"type"`
	Class   Value             `json:"class,omitempty"`
	Args    []Value           `json:"args,omitempty"`
	Context Value             `json:"context,omitempty"`
	Cause   Value             `json:"cause,omitempty"`
	Attrs   Dict              `json:"attrs"`
	Trace   []errz.StackFrame `json:"trace,omitempty"`
}

func (e *ExceptionInstance) Tag() Tag { return TagException }
func (e *ExceptionInstance) Size() int {
	return headerSize + (len(e.Args)+3)*slotSize + len(e.Trace)*headerSize + e.Attrs.size()
}
func (e *ExceptionInstance) Traverse(fn func(Value)) {
	fn(e.Class)
	traverseAll(e.Args, fn)
	fn(e.Context)
	fn(e.Cause)
	e.Attrs.Traverse(fn)
}

// GenState is the lifecycle of a generator or coroutine.
type GenState uint8

const (
	GenCreated GenState = iota
	GenSuspended
	GenRunning
	GenDone
)

// SavedContext is an exception context captured with a suspended frame.
// Depth is relative to the frame's stack base.
type SavedContext struct {
	Exc   Value `json:"exc"`
	Depth int   `json:"depth"`
}

// SavedFrame is a frame parked in a generator while it is not running.
type SavedFrame struct {
	CodeID   string         `json:"code"`
	Code     *bytecode.Code `json:"-"`
	IP       int            `json:"ip"`
	Fn       Value          `json:"fn"`
	Locals   []Value        `json:"locals,omitempty"`
	Cells    []Value        `json:"cells,omitempty"`
	Stack    []Value        `json:"stack,omitempty"`
	Contexts []SavedContext `json:"contexts,omitempty"`
}

func (f *SavedFrame) traverse(fn func(Value)) {
	fn(f.Fn)
	traverseAll(f.Locals, fn)
	traverseAll(f.Cells, fn)
	traverseAll(f.Stack, fn)
	for _, c := range f.Contexts {
		fn(c.Exc)
	}
}

// Generator backs both generator objects and coroutine objects.
type Generator struct {
	Name      string      `json:"name"`
	Coroutine bool        `json:"coroutine,omitempty"`
	State     GenState    `json:"state"`
	Frame     *SavedFrame `json:"frame,omitempty"`
}

func (g *Generator) Tag() Tag { return TagGenerator }
func (g *Generator) Size() int {
	n := headerSize
	if g.Frame != nil {
		n += (len(g.Frame.Locals) + len(g.Frame.Cells) + len(g.Frame.Stack) + 1) * slotSize
	}
	return n
}
func (g *Generator) Traverse(fn func(Value)) {
	if g.Frame != nil {
		g.Frame.traverse(fn)
	}
}

// Task is the guest handle of a scheduler task. The task's frames and
// result live in the scheduler, which holds its own reference to the
// handle while the task exists.
type Task struct {
	ID int `json:"id"`
}

func (t *Task) Tag() Tag  { return TagTask }
func (t *Task) Size() int { return headerSize }

// Future is an awaitable placeholder for a host call answered as pending.
type Future struct {
	CallID int64 `json:"call_id"`
}

func (f *Future) Tag() Tag  { return TagFuture }
func (f *Future) Size() int { return headerSize }

// Iter iterates over a sequence, mapping, string or range.
type Iter struct {
	Source    Value  `json:"source"`
	Pos       int64  `json:"pos"`
	Enumerate bool   `json:"enumerate,omitempty"`
	Count     int64  `json:"count,omitempty"`
	Version   uint64 `json:"version,omitempty"`
}

func (it *Iter) Tag() Tag                { return TagIter }
func (it *Iter) Size() int               { return headerSize + slotSize }
func (it *Iter) Traverse(fn func(Value)) { fn(it.Source) }

type Range struct {
	Start int64 `json:"start"`
	Stop  int64 `json:"stop"`
	Step  int64 `json:"step"`
}

func (r *Range) Tag() Tag  { return TagRange }
func (r *Range) Size() int { return headerSize }

// Len returns the number of elements in the range.
func (r *Range) Len() int64 {
	switch {
	case r.Step > 0 && r.Start < r.Stop:
		return (r.Stop - r.Start + r.Step - 1) / r.Step
	case r.Step < 0 && r.Start > r.Stop:
		return (r.Start - r.Stop - r.Step - 1) / -r.Step
	default:
		return 0
	}
}

// At returns the i-th element. The caller checks bounds.
func (r *Range) At(i int64) int64 {
	return r.Start + i*r.Step
}

// WeakRef refers to an object without keeping it alive. Gen pins the
// referent's slot generation so a reused slot is not mistaken for it.
type WeakRef struct {
	Target ID     `json:"target"`
	Gen    uint32 `json:"gen"`
}

func (w *WeakRef) Tag() Tag  { return TagWeakRef }
func (w *WeakRef) Size() int { return headerSize }
