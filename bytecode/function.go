package bytecode

import (
	"fmt"
	"slices"
	"strings"
)

// FunctionKind distinguishes plain functions from generator and coroutine
// functions. Calling a generator or coroutine function creates a suspended
// frame object instead of running the body.
type FunctionKind uint8

const (
	Plain FunctionKind = iota
	Generator
	Coroutine
)

func (k FunctionKind) String() string {
	switch k {
	case Generator:
		return "generator"
	case Coroutine:
		return "coroutine"
	default:
		return "function"
	}
}

// Function is an immutable function template. Default values are not part
// of the template; MAKE_FUNCTION takes them from the operand stack.
type Function struct {
	id         string
	name       string
	parameters []string
	restParam  string
	kind       FunctionKind
	code       *Code
}

// FunctionParams contains parameters for creating a new Function.
type FunctionParams struct {
	ID         string
	Name       string
	Parameters []string
	RestParam  string
	Kind       FunctionKind
	Code       *Code
}

// NewFunction creates a new immutable Function. The ID defaults to the id of
// the function's code block.
func NewFunction(params FunctionParams) *Function {
	id := params.ID
	if id == "" && params.Code != nil {
		id = params.Code.ID()
	}
	return &Function{
		id:         id,
		name:       params.Name,
		parameters: slices.Clone(params.Parameters),
		restParam:  params.RestParam,
		kind:       params.Kind,
		code:       params.Code,
	}
}

// ID returns the stable identifier for this function.
func (f *Function) ID() string {
	return f.id
}

// Name returns the function name, or empty string for anonymous functions.
func (f *Function) Name() string {
	return f.name
}

// Kind returns whether this is a plain, generator or coroutine function.
func (f *Function) Kind() FunctionKind {
	return f.kind
}

// Code returns the compiled body.
func (f *Function) Code() *Code {
	return f.code
}

// ParameterCount returns the number of positional parameters, not counting
// the rest parameter.
func (f *Function) ParameterCount() int {
	return len(f.parameters)
}

// Parameter returns the name of the parameter at the given index.
func (f *Function) Parameter(index int) string {
	return f.parameters[index]
}

// RestParam returns the name of the rest parameter, or empty string if none.
func (f *Function) RestParam() string {
	return f.restParam
}

// HasRestParam returns true if the function collects extra arguments.
func (f *Function) HasRestParam() bool {
	return f.restParam != ""
}

// LocalCount returns the number of local variables in the function body.
func (f *Function) LocalCount() int {
	if f.code == nil {
		return 0
	}
	return f.code.LocalCount()
}

func (f *Function) String() string {
	params := slices.Clone(f.parameters)
	if f.restParam != "" {
		params = append(params, "*"+f.restParam)
	}
	prefix := "def"
	if f.kind == Coroutine {
		prefix = "async def"
	}
	name := f.name
	if name == "" {
		name = "<lambda>"
	}
	return fmt.Sprintf("%s %s(%s)", prefix, name, strings.Join(params, ", "))
}
