package object

import (
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/gofrs/uuid"
)

// Resolver finds code and function templates by stable id. *bytecode.Index
// implements it.
type Resolver interface {
	Code(id string) (*bytecode.Code, bool)
	Function(id string) (*bytecode.Function, bool)
}

type entryState struct {
	Refs    int32           `json:"refs,omitempty"`
	Gen     uint32          `json:"gen,omitempty"`
	Tag     Tag             `json:"tag,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type heapState struct {
	ID      string       `json:"id"`
	Entries []entryState `json:"entries"`
	Free    []ID         `json:"free,omitempty"`
	SinceGC int          `json:"since_gc,omitempty"`
}

// MarshalHeap encodes every slot of the heap, live or free, so ids and
// generations are preserved exactly.
func MarshalHeap(h *Heap) ([]byte, error) {
	state := heapState{
		ID:      h.id.String(),
		Entries: make([]entryState, len(h.entries)),
		Free:    h.free,
		SinceGC: h.sinceGC,
	}
	for i := 1; i < len(h.entries); i++ {
		e := &h.entries[i]
		state.Entries[i].Gen = e.gen
		if !e.live {
			continue
		}
		data, err := json.Marshal(e.payload)
		if err != nil {
			return nil, fmt.Errorf("marshal object %d (%s): %w", i, e.payload.Tag(), err)
		}
		state.Entries[i].Refs = e.refs
		state.Entries[i].Tag = e.payload.Tag()
		state.Entries[i].Payload = data
	}
	return json.Marshal(state)
}

// UnmarshalHeap rebuilds a heap. Closures and suspended generator frames
// are re-linked to their code through resolver. Restored objects are not
// re-admitted through the tracker.
func UnmarshalHeap(data []byte, tracker resource.Tracker, interns *Interns, resolver Resolver, opts ...Option) (*Heap, error) {
	var state heapState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal heap: %w", err)
	}
	id, err := uuid.FromString(state.ID)
	if err != nil {
		return nil, fmt.Errorf("unmarshal heap: bad id: %w", err)
	}
	if len(state.Entries) == 0 {
		return nil, fmt.Errorf("unmarshal heap: missing reserved slot")
	}
	h := NewHeap(tracker, interns, append(opts, WithID(id))...)
	h.entries = make([]entry, len(state.Entries))
	h.free = state.Free
	h.sinceGC = state.SinceGC
	for i := 1; i < len(state.Entries); i++ {
		es := state.Entries[i]
		h.entries[i].gen = es.Gen
		if es.Tag == "" {
			continue
		}
		p, err := decodePayload(es.Tag, es.Payload, resolver)
		if err != nil {
			return nil, fmt.Errorf("unmarshal object %d: %w", i, err)
		}
		h.entries[i] = entry{payload: p, refs: es.Refs, gen: es.Gen, live: true}
		h.live++
	}
	for _, fid := range h.free {
		if fid == 0 || int(fid) >= len(h.entries) || h.entries[fid].live {
			return nil, fmt.Errorf("unmarshal heap: invalid free slot %d", fid)
		}
	}
	var bad error
	h.Each(func(id ID, p Payload) {
		t, ok := p.(Traceable)
		if !ok || bad != nil {
			return
		}
		t.Traverse(func(child Value) {
			if bad == nil && child.IsRef() && !h.IsLive(child.AsRef(), h.genOf(child.AsRef())) {
				bad = fmt.Errorf("unmarshal heap: object %d refers to missing object %d", id, child.AsRef())
			}
		})
	})
	if bad != nil {
		return nil, bad
	}
	h.logger.Debug().Int("live", h.live).Str("heap", h.id.String()).Msg("heap restored")
	return h, nil
}

func decodePayload(tag Tag, data json.RawMessage, resolver Resolver) (Payload, error) {
	var p Payload
	switch tag {
	case TagList:
		p = &List{}
	case TagTuple:
		p = &Tuple{}
	case TagDict:
		p = &Dict{}
	case TagStr:
		p = &String{}
	case TagBytes:
		p = &Bytes{}
	case TagCell:
		p = &Cell{}
	case TagClosure:
		p = &Closure{}
	case TagMethod:
		p = &Method{}
	case TagClass:
		p = &Class{}
	case TagInstance:
		p = &Instance{}
	case TagException:
		p = &ExceptionInstance{}
	case TagGenerator:
		p = &Generator{}
	case TagTask:
		p = &Task{}
	case TagFuture:
		p = &Future{}
	case TagIter:
		p = &Iter{}
	case TagRange:
		p = &Range{}
	case TagWeakRef:
		p = &WeakRef{}
	default:
		return nil, fmt.Errorf("unknown payload tag %q", tag)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	switch v := p.(type) {
	case *Closure:
		fn, ok := resolver.Function(v.FnID)
		if !ok {
			return nil, fmt.Errorf("unknown function %q", v.FnID)
		}
		v.Fn = fn
	case *Generator:
		if v.Frame != nil {
			code, ok := resolver.Code(v.Frame.CodeID)
			if !ok {
				return nil, fmt.Errorf("unknown code %q", v.Frame.CodeID)
			}
			v.Frame.Code = code
		}
	}
	return p, nil
}
