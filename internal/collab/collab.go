// Package collab declares the external collaborators the discovery
// pipeline consumes as abstract interfaces: a memory reader,
// a symbol/variable resolver, and a typed-memory accessor used to chase
// struct fields through raw kernel memory the way golang-debug's gocore
// package chases struct fields through a core-dumped Go process (see
// internal/gocore/module.go's region.Field, which this interface
// generalizes to a collaborator boundary instead of an owned
// implementation).
//
// None of these are implemented here: a real caller supplies them backed
// by a live ptrace'd kernel, a crash-dump reader, and DWARF type
// information. Tests in this module use the fakes in collabtest.
package collab

import "github.com/PaulZ-98/kdiscover/internal/kerr"

// MemoryReader reads kernel memory, either virtual or physical.
type MemoryReader interface {
	// Read returns length bytes of kernel virtual memory starting at
	// addr.
	Read(addr uint64, length int) ([]byte, error)
	// ReadPhysical returns length bytes of physical memory starting at
	// addr. Only used by the VMCOREINFO live fallback.
	ReadPhysical(addr uint64, length int) ([]byte, error)
}

// SymbolResolver locates named kernel globals and their address and type.
type SymbolResolver interface {
	// Symbol returns the address of a global kernel symbol (e.g.
	// "modules"). It fails with kerr.Lookup if the symbol is absent.
	Symbol(name string) (uint64, error)
	// Global returns a fully typed Object for a global kernel symbol,
	// using the target's debug info to determine its type. It fails
	// with kerr.Lookup if the symbol is absent.
	Global(name string) (Object, error)
}

// Object is a typed view onto a region of kernel memory: a struct, array,
// pointer, or scalar whose layout is known from the target's debug info.
//
// Field/Index/Deref return kerr.Lookup when the named member, index, or
// pointee type is not present in the target's debug info (the signal that
// drives the kernel-version fallbacks across struct layout changes), and
// kerr.OS when the underlying memory read fails.
type Object interface {
	// Addr returns the address of the object in kernel memory, or 0 if
	// it has no single contiguous address (e.g. register-resident).
	Addr() uint64
	// TypeName returns the target-language name of the object's type.
	TypeName() string
	// HasField reports whether a struct object has a member named
	// name, without fetching it.
	HasField(name string) bool
	// Field returns the named member of a struct object.
	Field(name string) (Object, error)
	// Deref dereferences a pointer object.
	Deref() (Object, error)
	// Index returns element i of an array or slice object.
	Index(i int64) (Object, error)
	// SliceLen returns the length of a slice object.
	SliceLen() (int64, error)
	// Uint reads an unsigned integer scalar (any width up to 64 bits).
	Uint() (uint64, error)
	// CString reads a NUL-terminated string the object points to.
	CString() (string, error)
	// ContainerOf recovers the address of the struct containing this
	// object, given the name of the member this object represents
	// within that struct type and the struct type's name.
	ContainerOf(containerType, member string) (Object, error)
}

// wrapLookup is a convenience for collaborator implementations: it tags
// an error as kerr.Lookup so the kernel-version-fallback machinery in
// kmod/secaddr can recognize it.
func wrapLookup(context string) error {
	return kerr.New(kerr.Lookup, context)
}

// ErrLookup constructs a Lookup error for a missing member/symbol.
func ErrLookup(context string) error { return wrapLookup(context) }
