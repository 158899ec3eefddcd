package vm

import (
	"sort"

	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/object"
)

// builtinFunc implements a builtin. args are borrowed. A builtin that
// pushed a frame, or pushed its own result, returns Undefined.
type builtinFunc func(vm *VM, args []object.Value) (object.Value, error)

type builtinKind uint8

const (
	kindFunction builtinKind = iota
	kindType
	kindExcType
	kindModule
	kindMethod
	kindOsCall
)

type builtinDef struct {
	name    string
	kind    builtinKind
	fn      builtinFunc
	exc     object.ExcType
	members map[string]uint32 // kindModule
}

// registry is the immutable table of builtins. A builtin's id is its
// position, so the registration order below is part of the snapshot
// format: append only.
type registry struct {
	defs    []builtinDef
	globals map[string]uint32
	excs    map[object.ExcType]uint32
	methods map[string]map[string]uint32 // receiver type name, method name
	modules map[string]uint32
}

var builtins *registry

func init() {
	builtins = newRegistry()
}

func (r *registry) add(def builtinDef) uint32 {
	id := uint32(len(r.defs))
	r.defs = append(r.defs, def)
	return id
}

func (r *registry) global(name string, kind builtinKind, fn builtinFunc) {
	r.globals[name] = r.add(builtinDef{name: name, kind: kind, fn: fn})
}

func (r *registry) methodOf(receiver, name string, fn builtinFunc) {
	if r.methods[receiver] == nil {
		r.methods[receiver] = map[string]uint32{}
	}
	r.methods[receiver][name] = r.add(builtinDef{name: receiver + "." + name, kind: kindMethod, fn: fn})
}

func (r *registry) module(name string, members func(add func(member string, kind builtinKind, fn builtinFunc))) {
	m := map[string]uint32{}
	members(func(member string, kind builtinKind, fn builtinFunc) {
		m[member] = r.add(builtinDef{name: name + "." + member, kind: kind, fn: fn})
	})
	r.modules[name] = r.add(builtinDef{name: name, kind: kindModule, members: m})
}

func (r *registry) excType(id uint32) (object.ExcType, bool) {
	if int(id) >= len(r.defs) || r.defs[id].kind != kindExcType {
		return object.NoExc, false
	}
	return r.defs[id].exc, true
}

func (r *registry) method(receiver, name string) (uint32, bool) {
	id, ok := r.methods[receiver][name]
	return id, ok
}

func newRegistry() *registry {
	r := &registry{
		globals: map[string]uint32{},
		excs:    map[object.ExcType]uint32{},
		methods: map[string]map[string]uint32{},
		modules: map[string]uint32{},
	}
	r.global("print", kindFunction, builtinPrint)
	r.global("len", kindFunction, builtinLen)
	r.global("range", kindType, builtinRange)
	r.global("str", kindType, builtinStr)
	r.global("repr", kindFunction, builtinRepr)
	r.global("int", kindType, builtinInt)
	r.global("float", kindType, builtinFloat)
	r.global("bool", kindType, builtinBool)
	r.global("list", kindType, builtinList)
	r.global("tuple", kindType, builtinTuple)
	r.global("dict", kindType, builtinDict)
	r.global("isinstance", kindFunction, builtinIsInstance)
	r.global("abs", kindFunction, builtinAbs)
	r.global("min", kindFunction, builtinMin)
	r.global("max", kindFunction, builtinMax)
	r.global("sum", kindFunction, builtinSum)
	r.global("sorted", kindFunction, builtinSorted)
	r.global("enumerate", kindType, builtinEnumerate)
	r.global("next", kindFunction, builtinNext)
	r.global("iter", kindFunction, builtinIter)
	r.global("gc_collect", kindFunction, builtinGCCollect)
	r.global("bytes", kindType, builtinBytes)

	for _, t := range object.ExcTypes() {
		id := r.add(builtinDef{name: t.String(), kind: kindExcType, exc: t})
		r.globals[t.String()] = id
		r.excs[t] = id
	}

	r.methodOf("list", "append", listAppend)
	r.methodOf("list", "pop", listPop)
	r.methodOf("list", "extend", listExtend)
	r.methodOf("list", "insert", listInsert)
	r.methodOf("dict", "get", dictGet)
	r.methodOf("dict", "keys", dictKeys)
	r.methodOf("dict", "values", dictValues)
	r.methodOf("dict", "items", dictItems)
	r.methodOf("dict", "pop", dictPop)
	r.methodOf("str", "join", strJoin)
	r.methodOf("str", "upper", strUpper)
	r.methodOf("str", "lower", strLower)
	r.methodOf("str", "split", strSplit)
	r.methodOf("str", "strip", strStrip)
	r.methodOf("str", "startswith", strStartsWith)
	r.methodOf("str", "endswith", strEndsWith)
	r.methodOf("str", "replace", strReplace)

	r.module("asyncio", func(add func(string, builtinKind, builtinFunc)) {
		add("gather", kindFunction, asyncioGather)
		add("create_task", kindFunction, asyncioCreateTask)
	})
	r.module("os", func(add func(string, builtinKind, builtinFunc)) {
		add("getenv", kindOsCall, nil)
		add("listdir", kindOsCall, nil)
		add("remove", kindOsCall, nil)
	})
	r.module("time", func(add func(string, builtinKind, builtinFunc)) {
		add("time", kindOsCall, nil)
		add("sleep", kindOsCall, nil)
	})
	r.module("weakref", func(add func(string, builtinKind, builtinFunc)) {
		add("ref", kindFunction, weakrefRef)
	})

	// Collector passes run on these ids as continuations; they are not
	// reachable by name.
	collectPost.list = r.add(builtinDef{name: "list", kind: kindFunction, fn: postIdentity})
	collectPost.tuple = r.add(builtinDef{name: "tuple", kind: kindFunction, fn: postTuple})
	collectPost.sorted = r.add(builtinDef{name: "sorted", kind: kindFunction, fn: postSorted})
	collectPost.sum = r.add(builtinDef{name: "sum", kind: kindFunction, fn: postSum})
	collectPost.min = r.add(builtinDef{name: "min", kind: kindFunction, fn: postMin})
	collectPost.max = r.add(builtinDef{name: "max", kind: kindFunction, fn: postMax})
	collectPost.enumerate = r.add(builtinDef{name: "enumerate", kind: kindFunction, fn: postEnumerate})
	collectPost.join = r.add(builtinDef{name: "str.join", kind: kindFunction, fn: postJoin})
	collectPost.extend = r.add(builtinDef{name: "list.extend", kind: kindFunction, fn: postExtend})
	collectPost.dict = r.add(builtinDef{name: "dict", kind: kindFunction, fn: postDict})
	return r
}

// collectPost holds the ids of the builtins that finish a generator drain.
var collectPost struct {
	list, tuple, sorted, sum, min, max, enumerate, join, extend, dict uint32
}

// builtinNames lists every name the builtins make visible, in registration
// order. The names are interned ahead of the program's own strings.
func builtinNames() []string {
	names := make([]string, 0, len(builtins.defs))
	seen := map[string]bool{}
	addName := func(n string) {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, def := range builtins.defs {
		switch def.kind {
		case kindMethod:
			continue
		case kindModule:
			addName(def.name)
			members := make([]string, 0, len(def.members))
			for member := range def.members {
				members = append(members, member)
			}
			sort.Strings(members)
			for _, member := range members {
				addName(member)
			}
			continue
		}
		if _, ok := builtins.globals[def.name]; ok {
			addName(def.name)
		}
	}
	return names
}

// callBuiltin calls builtin id. args are owned.
func (vm *VM) callBuiltin(id uint32, args []object.Value) error {
	if int(id) >= len(builtins.defs) {
		vm.heap.ReleaseAll(args)
		return errz.Internalf("unknown builtin %d", id)
	}
	def := &builtins.defs[id]
	switch def.kind {
	case kindModule:
		vm.heap.ReleaseAll(args)
		return object.Errorf(object.TypeError, "'module' object is not callable")
	case kindOsCall:
		return vm.hostCall(&pendingCall{Kind: ExitOsCall, Function: def.name, Args: args})
	case kindExcType:
		exc, err := vm.heap.Allocate(&object.ExceptionInstance{Type: def.exc, Args: args})
		if err != nil {
			return err
		}
		vm.current.push(exc)
		return nil
	}
	result, err := def.fn(vm, args)
	vm.heap.ReleaseAll(args)
	if err != nil {
		return err
	}
	if !result.IsUndefined() {
		vm.current.push(result)
	}
	return nil
}
