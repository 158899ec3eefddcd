package bytecode

import (
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/pyrite/op"
)

// Marshal converts a program into its JSON representation.
func Marshal(code *Code) ([]byte, error) {
	state, err := stateFromCode(code)
	if err != nil {
		return nil, err
	}
	return json.Marshal(state)
}

// Unmarshal converts a JSON representation back into a program.
func Unmarshal(data []byte) (*Code, error) {
	var state codeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if len(state.Codes) == 0 {
		return nil, fmt.Errorf("unmarshal: no code blocks")
	}
	return codeFromState(&state)
}

type constantDef struct {
	Type     string       `json:"type"`
	Bool     bool         `json:"bool,omitempty"`
	Int      int64        `json:"int,omitempty"`
	Float    float64      `json:"float,omitempty"`
	String   string       `json:"string,omitempty"`
	Bytes    []byte       `json:"bytes,omitempty"`
	Function *functionDef `json:"function,omitempty"`
}

type functionDef struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Parameters []string     `json:"parameters"`
	RestParam  string       `json:"rest_param,omitempty"`
	Kind       FunctionKind `json:"kind,omitempty"`
	CodeIndex  int          `json:"code_index"`
}

type locationDef struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type exceptionHandlerDef struct {
	TryStart     int `json:"try_start"`
	TryEnd       int `json:"try_end"`
	HandlerStart int `json:"handler_start"`
	StackDepth   int `json:"stack_depth"`
}

type codeDef struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	ChildIndices      []int                 `json:"child_indices,omitempty"`
	Instructions      []op.Code             `json:"instructions"`
	Constants         []constantDef         `json:"constants"`
	Names             []string              `json:"names"`
	Source            string                `json:"source,omitempty"`
	Filename          string                `json:"filename,omitempty"`
	Locations         []locationDef         `json:"locations,omitempty"`
	LocalCount        int                   `json:"local_count"`
	LocalNames        []string              `json:"local_names,omitempty"`
	CellCount         int                   `json:"cell_count,omitempty"`
	FreeCount         int                   `json:"free_count,omitempty"`
	ExceptionHandlers []exceptionHandlerDef `json:"exception_handlers,omitempty"`
}

type codeState struct {
	Codes []*codeDef `json:"codes"`
}

func stateFromCode(code *Code) (*codeState, error) {
	allCodes := code.Flatten()
	codeIndexMap := make(map[*Code]int, len(allCodes))
	for i, c := range allCodes {
		codeIndexMap[c] = i
	}
	state := &codeState{Codes: make([]*codeDef, len(allCodes))}
	for i, c := range allCodes {
		constants := make([]constantDef, c.ConstantCount())
		for j := 0; j < c.ConstantCount(); j++ {
			def, err := marshalConstant(c.ConstantAt(j), codeIndexMap)
			if err != nil {
				return nil, fmt.Errorf("code %s constant %d: %w", c.ID(), j, err)
			}
			constants[j] = def
		}
		handlers := make([]exceptionHandlerDef, c.ExceptionHandlerCount())
		for j := range handlers {
			h := c.ExceptionHandlerAt(j)
			handlers[j] = exceptionHandlerDef{
				TryStart:     h.TryStart,
				TryEnd:       h.TryEnd,
				HandlerStart: h.HandlerStart,
				StackDepth:   h.StackDepth,
			}
		}
		locations := make([]locationDef, c.LocationCount())
		for j := range locations {
			loc := c.LocationAt(j)
			locations[j] = locationDef{Line: loc.Line, Column: loc.Column}
		}
		names := make([]string, c.NameCount())
		for j := range names {
			names[j] = c.NameAt(j)
		}
		localNames := make([]string, c.LocalNameCount())
		for j := range localNames {
			localNames[j] = c.LocalNameAt(j)
		}
		instructions := make([]op.Code, c.InstructionCount())
		for j := range instructions {
			instructions[j] = c.InstructionAt(j)
		}
		var childIndices []int
		for j := 0; j < c.ChildCount(); j++ {
			childIndices = append(childIndices, codeIndexMap[c.ChildAt(j)])
		}
		state.Codes[i] = &codeDef{
			ID:                c.ID(),
			Name:              c.Name(),
			ChildIndices:      childIndices,
			Instructions:      instructions,
			Constants:         constants,
			Names:             names,
			Source:            c.source,
			Filename:          c.filename,
			Locations:         locations,
			LocalCount:        c.LocalCount(),
			LocalNames:        localNames,
			CellCount:         c.CellCount(),
			FreeCount:         c.FreeCount(),
			ExceptionHandlers: handlers,
		}
	}
	return state, nil
}

// codeFromState rebuilds codes in reverse order. Flatten puts children after
// their parent, so every child exists by the time its parent is built.
func codeFromState(state *codeState) (*Code, error) {
	codes := make([]*Code, len(state.Codes))
	for i := len(state.Codes) - 1; i >= 0; i-- {
		def := state.Codes[i]
		if def == nil {
			return nil, fmt.Errorf("unmarshal: code %d is null", i)
		}
		handlers := make([]ExceptionHandler, len(def.ExceptionHandlers))
		for j, h := range def.ExceptionHandlers {
			handlers[j] = ExceptionHandler{
				TryStart:     h.TryStart,
				TryEnd:       h.TryEnd,
				HandlerStart: h.HandlerStart,
				StackDepth:   h.StackDepth,
			}
		}
		locations := make([]SourceLocation, len(def.Locations))
		for j, loc := range def.Locations {
			locations[j] = SourceLocation{Line: loc.Line, Column: loc.Column}
		}
		var children []*Code
		for _, childIdx := range def.ChildIndices {
			if childIdx <= i || childIdx >= len(codes) {
				return nil, fmt.Errorf("unmarshal: code %s has invalid child index %d", def.ID, childIdx)
			}
			children = append(children, codes[childIdx])
		}
		constants := make([]any, len(def.Constants))
		for j, c := range def.Constants {
			value, err := unmarshalConstant(c, codes, i)
			if err != nil {
				return nil, fmt.Errorf("code %s constant %d: %w", def.ID, j, err)
			}
			constants[j] = value
		}
		codes[i] = NewCode(CodeParams{
			ID:                def.ID,
			Name:              def.Name,
			Children:          children,
			Instructions:      def.Instructions,
			Constants:         constants,
			Names:             def.Names,
			Source:            def.Source,
			Filename:          def.Filename,
			Locations:         locations,
			LocalCount:        def.LocalCount,
			LocalNames:        def.LocalNames,
			CellCount:         def.CellCount,
			FreeCount:         def.FreeCount,
			ExceptionHandlers: handlers,
		})
	}
	return codes[0], nil
}

func marshalConstant(c any, codeIndexMap map[*Code]int) (constantDef, error) {
	switch v := c.(type) {
	case nil:
		return constantDef{Type: "none"}, nil
	case bool:
		return constantDef{Type: "bool", Bool: v}, nil
	case int:
		return constantDef{Type: "int", Int: int64(v)}, nil
	case int64:
		return constantDef{Type: "int", Int: v}, nil
	case float64:
		return constantDef{Type: "float", Float: v}, nil
	case string:
		return constantDef{Type: "str", String: v}, nil
	case []byte:
		return constantDef{Type: "bytes", Bytes: v}, nil
	case *Function:
		codeIndex := -1
		if idx, ok := codeIndexMap[v.Code()]; ok {
			codeIndex = idx
		}
		params := make([]string, v.ParameterCount())
		for i := range params {
			params[i] = v.Parameter(i)
		}
		return constantDef{Type: "function", Function: &functionDef{
			ID:         v.ID(),
			Name:       v.Name(),
			Parameters: params,
			RestParam:  v.RestParam(),
			Kind:       v.Kind(),
			CodeIndex:  codeIndex,
		}}, nil
	default:
		return constantDef{}, fmt.Errorf("unknown constant type: %T", c)
	}
}

func unmarshalConstant(def constantDef, codes []*Code, owner int) (any, error) {
	switch def.Type {
	case "none":
		return nil, nil
	case "bool":
		return def.Bool, nil
	case "int":
		return def.Int, nil
	case "float":
		return def.Float, nil
	case "str":
		return def.String, nil
	case "bytes":
		if def.Bytes == nil {
			return []byte{}, nil
		}
		return def.Bytes, nil
	case "function":
		if def.Function == nil {
			return nil, fmt.Errorf("function constant without definition")
		}
		f := def.Function
		var fnCode *Code
		if f.CodeIndex > owner && f.CodeIndex < len(codes) {
			fnCode = codes[f.CodeIndex]
		}
		if fnCode == nil {
			return nil, fmt.Errorf("function %q has invalid code index %d", f.Name, f.CodeIndex)
		}
		return NewFunction(FunctionParams{
			ID:         f.ID,
			Name:       f.Name,
			Parameters: f.Parameters,
			RestParam:  f.RestParam,
			Kind:       f.Kind,
			Code:       fnCode,
		}), nil
	default:
		return nil, fmt.Errorf("unknown constant type: %s", def.Type)
	}
}
