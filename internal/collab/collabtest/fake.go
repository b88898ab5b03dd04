// Package collabtest provides in-memory fakes of the collab interfaces,
// used across this module's tests to simulate a crash-mode target without
// a real kernel or core dump. It plays the role golang-debug's testdata
// core files play for internal/gocore's tests, but as a hand-built object
// graph instead of a parsed core file, since this subsystem's crash-mode
// collaborators (memory reader, symbol resolver, typed-memory accessor)
// are supplied externally by a host process and have no concrete
// implementation to reuse.
package collabtest

import (
	"github.com/PaulZ-98/kdiscover/internal/collab"
	"github.com/PaulZ-98/kdiscover/internal/kerr"
)

// Value is a fake typed-memory object: a node in a hand-built tree
// mirroring some kernel struct layout.
type Value struct {
	addr     uint64
	typeName string
	fields   map[string]*Value
	elems    []*Value
	uintVal  uint64
	isUint   bool
	str      string
	isCStr   bool
	ptrTo    *Value

	parent        *Value
	fieldInParent string
}

var _ collab.Object = (*Value)(nil)

// NewStruct creates a struct-typed fake object at addr.
func NewStruct(addr uint64, typeName string) *Value {
	return &Value{addr: addr, typeName: typeName, fields: map[string]*Value{}}
}

// NewUint creates a scalar unsigned-integer fake object.
func NewUint(v uint64) *Value {
	return &Value{isUint: true, uintVal: v}
}

// NewCString creates a fake object representing a pointer to a
// NUL-terminated string.
func NewCString(s string) *Value {
	return &Value{isCStr: true, str: s}
}

// NewPointer creates a fake object representing a pointer to target.
func NewPointer(addr uint64, target *Value) *Value {
	return &Value{addr: addr, ptrTo: target}
}

// NewSlice creates a fake object representing a slice/array of elems.
func NewSlice(elems ...*Value) *Value {
	return &Value{elems: elems}
}

// SetField attaches a child field, recording enough parentage to support
// ContainerOf.
func (v *Value) SetField(name string, child *Value) *Value {
	child.parent = v
	child.fieldInParent = name
	v.fields[name] = child
	return v
}

func (v *Value) Addr() uint64      { return v.addr }
func (v *Value) TypeName() string  { return v.typeName }
func (v *Value) HasField(name string) bool {
	_, ok := v.fields[name]
	return ok
}

func (v *Value) Field(name string) (collab.Object, error) {
	f, ok := v.fields[name]
	if !ok {
		return nil, collab.ErrLookup("no such field: " + name)
	}
	return f, nil
}

func (v *Value) Deref() (collab.Object, error) {
	if v.ptrTo == nil {
		return nil, kerr.New(kerr.OS, "dereferencing nil fake pointer")
	}
	return v.ptrTo, nil
}

func (v *Value) Index(i int64) (collab.Object, error) {
	if i < 0 || int(i) >= len(v.elems) {
		return nil, kerr.Newf(kerr.OS, "index %d out of range (len=%d)", i, len(v.elems))
	}
	return v.elems[i], nil
}

func (v *Value) SliceLen() (int64, error) {
	return int64(len(v.elems)), nil
}

func (v *Value) Uint() (uint64, error) {
	if !v.isUint {
		return 0, kerr.New(kerr.OS, "fake object is not a scalar")
	}
	return v.uintVal, nil
}

func (v *Value) CString() (string, error) {
	if !v.isCStr {
		return "", kerr.New(kerr.OS, "fake object is not a string")
	}
	return v.str, nil
}

func (v *Value) ContainerOf(containerType, member string) (collab.Object, error) {
	if v.parent == nil || v.fieldInParent != member || v.parent.typeName != containerType {
		return nil, collab.ErrLookup("container-of: no matching parent")
	}
	return v.parent, nil
}

// Resolver is a fake collab.SymbolResolver backed by name->address and
// name->Object maps.
type Resolver struct {
	Addrs   map[string]uint64
	Globals map[string]*Value
}

func NewResolver() *Resolver {
	return &Resolver{Addrs: map[string]uint64{}, Globals: map[string]*Value{}}
}

func (r *Resolver) Symbol(name string) (uint64, error) {
	addr, ok := r.Addrs[name]
	if !ok {
		return 0, collab.ErrLookup("no such symbol: " + name)
	}
	return addr, nil
}

func (r *Resolver) Global(name string) (collab.Object, error) {
	v, ok := r.Globals[name]
	if !ok {
		return nil, collab.ErrLookup("no such global: " + name)
	}
	return v, nil
}

// Memory is a fake collab.MemoryReader backed by address->bytes maps.
type Memory struct {
	Virtual  map[uint64][]byte
	Physical map[uint64][]byte
}

func NewMemory() *Memory {
	return &Memory{Virtual: map[uint64][]byte{}, Physical: map[uint64][]byte{}}
}

func (m *Memory) Read(addr uint64, length int) ([]byte, error) {
	b, ok := m.Virtual[addr]
	if !ok || len(b) < length {
		return nil, kerr.Newf(kerr.OS, "no virtual memory at %#x", addr)
	}
	return b[:length], nil
}

func (m *Memory) ReadPhysical(addr uint64, length int) ([]byte, error) {
	b, ok := m.Physical[addr]
	if !ok || len(b) < length {
		return nil, kerr.Newf(kerr.OS, "no physical memory at %#x", addr)
	}
	return b[:length], nil
}
