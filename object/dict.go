package object

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
)

type keyKind uint8

const (
	keyNone keyKind = iota + 1
	keyNumber
	keyFloat
	keyStr
	keyBytes
	keyTuple
	keyIdentity
	keyBuiltin
	keyExternal
	keyProxy
)

// hashKey is the canonical form of a dict key. Keys that compare equal in
// the guest language map to the same hashKey, so 1, 1.0 and True collide,
// and an interned string equals the same text built at run time.
type hashKey struct {
	kind keyKind
	n    uint64
	s    string
}

func (k hashKey) encode(b *strings.Builder) {
	var buf [9]byte
	buf[0] = byte(k.kind)
	binary.LittleEndian.PutUint64(buf[1:], k.n)
	b.Write(buf[:])
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(k.s)))
	b.Write(n[:])
	b.WriteString(k.s)
}

// Dict is an insertion-ordered hash map. It is used both as a heap payload
// and embedded in instances and exceptions for their attributes. Deleted
// entries leave tombstones until enough accumulate to compact.
type Dict struct {
	keys    []Value
	vals    []Value
	index   map[hashKey]int
	live    int
	version uint64
	grown   int64
}

func (d *Dict) Tag() Tag                { return TagDict }
func (d *Dict) Size() int               { return headerSize + d.size() }
func (d *Dict) size() int               { return len(d.keys) * 2 * slotSize }
func (d *Dict) Len() int                { return d.live }
func (d *Dict) Version() uint64         { return d.version }
func (d *Dict) Traverse(fn func(Value)) {
	for i, k := range d.keys {
		if k.IsUndefined() {
			continue
		}
		fn(k)
		fn(d.vals[i])
	}
}

// Slots returns the number of entry positions, including tombstones.
func (d *Dict) Slots() int {
	return len(d.keys)
}

// EntryAt returns the entry at position i. ok is false for a tombstone.
func (d *Dict) EntryAt(i int) (key, val Value, ok bool) {
	if i < 0 || i >= len(d.keys) || d.keys[i].IsUndefined() {
		return Undefined, Undefined, false
	}
	return d.keys[i], d.vals[i], true
}

// Each calls fn for every entry in insertion order until fn returns false.
// Values are borrowed.
func (d *Dict) Each(fn func(key, val Value) bool) {
	for i, k := range d.keys {
		if k.IsUndefined() {
			continue
		}
		if !fn(k, d.vals[i]) {
			return
		}
	}
}

func (d *Dict) ensureIndex(h *Heap) {
	if d.index != nil {
		return
	}
	d.index = make(map[hashKey]int, len(d.keys))
	for i, k := range d.keys {
		if k.IsUndefined() {
			continue
		}
		hk, err := h.hashKey(k)
		if err != nil {
			panic(internalf("dict key became unhashable: %v", err))
		}
		d.index[hk] = i
	}
}

// Get looks up key. The returned value is borrowed.
func (d *Dict) Get(h *Heap, key Value) (Value, bool, error) {
	hk, err := h.hashKey(key)
	if err != nil {
		return Undefined, false, err
	}
	d.ensureIndex(h)
	i, ok := d.index[hk]
	if !ok {
		return Undefined, false, nil
	}
	return d.vals[i], true, nil
}

// GetStr looks up a string key without allocating.
func (d *Dict) GetStr(h *Heap, key string) (Value, bool) {
	d.ensureIndex(h)
	i, ok := d.index[hashKey{kind: keyStr, s: key}]
	if !ok {
		return Undefined, false
	}
	return d.vals[i], true
}

// Set stores val under key, taking ownership of both. An existing entry
// keeps its original key object; the replaced value is released. On error
// both arguments are released.
func (d *Dict) Set(h *Heap, key, val Value) error {
	hk, err := h.hashKey(key)
	if err != nil {
		h.DecRef(key)
		h.DecRef(val)
		return err
	}
	d.ensureIndex(h)
	if i, ok := d.index[hk]; ok {
		old := d.vals[i]
		d.vals[i] = val
		h.DecRef(key)
		h.DecRef(old)
		return nil
	}
	if err := h.Grow(d, 1); err != nil {
		h.DecRef(key)
		h.DecRef(val)
		return err
	}
	d.keys = append(d.keys, key)
	d.vals = append(d.vals, val)
	d.index[hk] = len(d.keys) - 1
	d.live++
	d.version++
	return nil
}

// Delete removes key, releasing the stored key and value. The key argument
// is borrowed.
func (d *Dict) Delete(h *Heap, key Value) (bool, error) {
	hk, err := h.hashKey(key)
	if err != nil {
		return false, err
	}
	d.ensureIndex(h)
	i, ok := d.index[hk]
	if !ok {
		return false, nil
	}
	delete(d.index, hk)
	oldKey, oldVal := d.keys[i], d.vals[i]
	d.keys[i], d.vals[i] = Undefined, Undefined
	d.live--
	d.version++
	if tombstones := len(d.keys) - d.live; tombstones > 8 && tombstones > d.live {
		d.compact()
	}
	h.DecRef(oldKey)
	h.DecRef(oldVal)
	return true, nil
}

func (d *Dict) compact() {
	keys := make([]Value, 0, d.live)
	vals := make([]Value, 0, d.live)
	for i, k := range d.keys {
		if k.IsUndefined() {
			continue
		}
		keys = append(keys, k)
		vals = append(vals, d.vals[i])
	}
	d.keys, d.vals = keys, vals
	d.index = nil
}

// clear empties the dict without releasing entries; the caller owns them.
func (d *Dict) clear() {
	d.keys, d.vals, d.index = nil, nil, nil
	d.live = 0
	d.version++
}

type dictJSON struct {
	Entries [][2]Value `json:"entries"`
}

func (d Dict) MarshalJSON() ([]byte, error) {
	out := dictJSON{Entries: make([][2]Value, 0, d.live)}
	for i, k := range d.keys {
		if !k.IsUndefined() {
			out.Entries = append(out.Entries, [2]Value{k, d.vals[i]})
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores entries. The index is rebuilt on first access,
// once the heap that owns the key strings is available.
func (d *Dict) UnmarshalJSON(data []byte) error {
	var in dictJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	d.keys = make([]Value, len(in.Entries))
	d.vals = make([]Value, len(in.Entries))
	for i, e := range in.Entries {
		d.keys[i], d.vals[i] = e[0], e[1]
	}
	d.live = len(in.Entries)
	d.index = nil
	return nil
}

// hashKey computes the canonical key for v, or a TypeError for unhashable
// values.
func (h *Heap) hashKey(v Value) (hashKey, error) {
	switch v.Kind() {
	case KindNone:
		return hashKey{kind: keyNone}, nil
	case KindBool:
		if v.AsBool() {
			return hashKey{kind: keyNumber, n: 1}, nil
		}
		return hashKey{kind: keyNumber}, nil
	case KindInt:
		return hashKey{kind: keyNumber, n: uint64(v.AsInt())}, nil
	case KindFloat:
		f := v.AsFloat()
		if f == math.Trunc(f) && f >= -(1<<63) && f < 1<<63 {
			return hashKey{kind: keyNumber, n: uint64(int64(f))}, nil
		}
		return hashKey{kind: keyFloat, n: math.Float64bits(f)}, nil
	case KindStr:
		return hashKey{kind: keyStr, s: h.interns.Get(v.AsStr())}, nil
	case KindBytes:
		return hashKey{kind: keyBytes, s: string(h.interns.GetBytes(v.AsBytes()))}, nil
	case KindBuiltin:
		return hashKey{kind: keyBuiltin, n: uint64(v.AsBuiltin())}, nil
	case KindExternal:
		return hashKey{kind: keyExternal, n: uint64(v.AsExternal())}, nil
	case KindProxy:
		return hashKey{kind: keyProxy, n: uint64(v.AsProxy())}, nil
	case KindRef:
		switch p := h.Get(v.AsRef()).(type) {
		case *String:
			return hashKey{kind: keyStr, s: p.S}, nil
		case *Bytes:
			return hashKey{kind: keyBytes, s: string(p.B)}, nil
		case *Tuple:
			var b strings.Builder
			for _, item := range p.Items {
				hk, err := h.hashKey(item)
				if err != nil {
					return hashKey{}, err
				}
				hk.encode(&b)
			}
			return hashKey{kind: keyTuple, s: b.String()}, nil
		case *List, *Dict:
			return hashKey{}, Errorf(TypeError, "unhashable type: '%s'", p.Tag())
		default:
			return hashKey{kind: keyIdentity, n: uint64(v.AsRef())}, nil
		}
	default:
		return hashKey{}, Errorf(TypeError, "unhashable value")
	}
}
