package object

import (
	"hash/fnv"

	"github.com/deepnoodle-ai/pyrite/bytecode"
)

// StrID indexes an interned string.
type StrID uint32

// BytesID indexes an interned byte string.
type BytesID uint32

// Interns holds the strings and byte strings a program refers to by
// constant. The table is derived from the program: building it twice from
// the same code yields the same ids, so snapshots store ids without the
// table. Strings created at run time live on the heap instead.
type Interns struct {
	strs       []string
	strIndex   map[string]StrID
	bytes      [][]byte
	bytesIndex map[string]BytesID
}

// NewInterns returns a table seeded with the given strings in order.
func NewInterns(seed ...string) *Interns {
	in := &Interns{
		strIndex:   map[string]StrID{},
		bytesIndex: map[string]BytesID{},
	}
	for _, s := range seed {
		in.Intern(s)
	}
	return in
}

// InternsFor builds the intern table for a program: seed strings first, then
// every string constant, name and byte constant in code order.
func InternsFor(code *bytecode.Code, seed ...string) *Interns {
	in := NewInterns(seed...)
	for _, c := range code.Flatten() {
		for i := 0; i < c.NameCount(); i++ {
			in.Intern(c.NameAt(i))
		}
		for i := 0; i < c.ConstantCount(); i++ {
			switch v := c.ConstantAt(i).(type) {
			case string:
				in.Intern(v)
			case []byte:
				in.InternBytes(v)
			case *bytecode.Function:
				in.Intern(v.Name())
			}
		}
		in.Intern(c.Name())
	}
	return in
}

// Intern returns the id of s, adding it if needed.
func (in *Interns) Intern(s string) StrID {
	if id, ok := in.strIndex[s]; ok {
		return id
	}
	id := StrID(len(in.strs))
	in.strs = append(in.strs, s)
	in.strIndex[s] = id
	return id
}

// Lookup returns the id of s if it is interned.
func (in *Interns) Lookup(s string) (StrID, bool) {
	id, ok := in.strIndex[s]
	return id, ok
}

// Get returns the interned string. It panics on an unknown id.
func (in *Interns) Get(id StrID) string {
	if int(id) >= len(in.strs) {
		panic(internalf("unknown interned string %d", id))
	}
	return in.strs[id]
}

// InternBytes returns the id of b, adding a copy if needed.
func (in *Interns) InternBytes(b []byte) BytesID {
	if id, ok := in.bytesIndex[string(b)]; ok {
		return id
	}
	id := BytesID(len(in.bytes))
	in.bytes = append(in.bytes, append([]byte(nil), b...))
	in.bytesIndex[string(b)] = id
	return id
}

// GetBytes returns the interned byte string. Callers must not modify it.
func (in *Interns) GetBytes(id BytesID) []byte {
	if int(id) >= len(in.bytes) {
		panic(internalf("unknown interned bytes %d", id))
	}
	return in.bytes[id]
}

// Len returns the number of interned strings and byte strings.
func (in *Interns) Len() (strs, bytes int) {
	return len(in.strs), len(in.bytes)
}

// Fingerprint summarizes the table's contents. A snapshot records it so a
// restore against a different program is refused.
func (in *Interns) Fingerprint() uint64 {
	h := fnv.New64a()
	for _, s := range in.strs {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, b := range in.bytes {
		h.Write(b)
		h.Write([]byte{0})
	}
	return h.Sum64()
}
