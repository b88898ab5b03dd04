// Package kmod enumerates loaded kernel modules, in either of two modes
// behind one iterator interface: live (walking /proc/modules) and crash
// (walking the in-kernel modules linked list via typed memory reads). The
// live/crash duality is modeled as two implementations of one interface
// rather than inheritance, the same pattern golang-debug's internal/core
// uses for a Process backed by either a live inferior or a core file.
package kmod

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/PaulZ-98/kdiscover/internal/collab"
	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"github.com/spf13/afero"
)

// Module is one loaded kernel module's identity and load range. Start is
// inclusive, End is the exclusive upper bound of the module's code+data
// range in kernel virtual address space.
type Module struct {
	Name  string
	Start uint64
	End   uint64

	// Obj is the typed-memory Object for the module's "struct module",
	// non-nil only in crash mode. The build-ID and section-address
	// extractors use it to chase notes_attrs/sect_attrs without
	// re-walking the module list.
	Obj collab.Object
}

// Iterator produces the next loaded module, or signals exhaustion. It is
// not re-entrant: only one call to Next may be outstanding, and a failed
// call invalidates the iterator.
type Iterator interface {
	// Next returns the next module. At the end of iteration it returns
	// a nil Module and an error satisfying kerr.IsStop.
	Next() (*Module, error)
	Close() error
}

const procModulesPath = "/proc/modules"

type liveIterator struct {
	scanner *bufio.Scanner
	file    afero.File
}

// NewLive returns an Iterator that walks /proc/modules.
func NewLive(fs afero.Fs) (Iterator, error) {
	f, err := fs.Open(procModulesPath)
	if err != nil {
		return nil, kerr.OSError("open", procModulesPath, err)
	}
	return &liveIterator{file: f, scanner: bufio.NewScanner(f)}, nil
}

func (it *liveIterator) Next() (*Module, error) {
	if !it.scanner.Scan() {
		if err := it.scanner.Err(); err != nil {
			return nil, kerr.Wrap(err, "reading /proc/modules")
		}
		return nil, kerr.ErrStop
	}
	line := it.scanner.Text()
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return nil, kerr.Newf(kerr.Other, "/proc/modules: malformed line %q", line)
	}
	name := fields[0]
	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return nil, kerr.Newf(kerr.Overflow, "/proc/modules: bad size %q for module %s", fields[1], name)
	}
	addrField := strings.TrimPrefix(fields[5], "0x")
	addr, err := strconv.ParseUint(addrField, 16, 64)
	if err != nil {
		return nil, kerr.Newf(kerr.Overflow, "/proc/modules: bad address %q for module %s", fields[5], name)
	}
	return &Module{Name: name, Start: addr, End: addr + size}, nil
}

func (it *liveIterator) Close() error {
	return it.file.Close()
}

// Crash mode: the in-kernel "modules" list_head, walked by container-of
// against the embedded "list" field of struct module.
const (
	modulesListSymbol = "modules"
	moduleStructType  = "module"
	moduleListField   = "list"
)

type crashIterator struct {
	headAddr uint64
	cur      collab.Object // a "list_head"-typed object: the next link to visit
	done     bool
}

// NewCrash returns an Iterator that walks the in-kernel modules linked
// list via sym, chasing struct module fields through the typed-memory
// Objects sym returns.
func NewCrash(sym collab.SymbolResolver) (Iterator, error) {
	head, err := sym.Global(modulesListSymbol)
	if err != nil {
		return nil, kerr.Wrap(err, "resolving \"modules\" global")
	}
	next, err := head.Field("next")
	if err != nil {
		return nil, kerr.Wrap(err, "reading modules.next")
	}
	target, err := next.Deref()
	if err != nil {
		return nil, kerr.Wrap(err, "dereferencing modules.next")
	}
	return &crashIterator{headAddr: head.Addr(), cur: target}, nil
}

func (it *crashIterator) Next() (*Module, error) {
	if it.done {
		return nil, kerr.ErrStop
	}
	if it.cur.Addr() == it.headAddr {
		it.done = true
		return nil, kerr.ErrStop
	}

	modObj, err := it.cur.ContainerOf(moduleStructType, moduleListField)
	if err != nil {
		return nil, kerr.Wrap(err, "container-of struct module from list node")
	}

	base, size, err := readLayout(modObj)
	if err != nil {
		return nil, err
	}
	name, err := readName(modObj)
	if err != nil {
		return nil, err
	}

	// Advance before returning: the caller may hold on to cur's
	// identity (via modObj), but the iterator's own state moves on.
	next, err := it.cur.Field("next")
	if err != nil {
		return nil, kerr.Wrap(err, "reading module.list.next")
	}
	it.cur, err = next.Deref()
	if err != nil {
		return nil, kerr.Wrap(err, "dereferencing module.list.next")
	}

	return &Module{Name: name, Start: base, End: base + size, Obj: modObj}, nil
}

func (it *crashIterator) Close() error { return nil }

// readLayout extracts a module's base address and size, trying the
// kernel >=4.5 "core_layout" member first and falling back to the older
// separate "module_core"/"core_size" members when core_layout is absent.
// A Lookup error on the first attempt is the documented trigger for the
// fallback; any other error aborts.
func readLayout(mod collab.Object) (base, size uint64, err error) {
	layout, err := mod.Field("core_layout")
	if err == nil {
		baseObj, ferr := layout.Field("base")
		if ferr != nil {
			return 0, 0, kerr.Wrap(ferr, "reading core_layout.base")
		}
		base, ferr = baseObj.Uint()
		if ferr != nil {
			return 0, 0, kerr.Wrap(ferr, "reading core_layout.base")
		}
		sizeObj, ferr := layout.Field("size")
		if ferr != nil {
			return 0, 0, kerr.Wrap(ferr, "reading core_layout.size")
		}
		size, ferr = sizeObj.Uint()
		if ferr != nil {
			return 0, 0, kerr.Wrap(ferr, "reading core_layout.size")
		}
		return base, size, nil
	}
	if !kerr.IsLookup(err) {
		return 0, 0, kerr.Wrap(err, "reading core_layout")
	}

	baseObj, ferr := mod.Field("module_core")
	if ferr != nil {
		return 0, 0, kerr.Wrap(ferr, "reading module_core (core_layout fallback)")
	}
	base, ferr = baseObj.Uint()
	if ferr != nil {
		return 0, 0, kerr.Wrap(ferr, "reading module_core")
	}
	sizeObj, ferr := mod.Field("core_size")
	if ferr != nil {
		return 0, 0, kerr.Wrap(ferr, "reading core_size (core_layout fallback)")
	}
	size, ferr = sizeObj.Uint()
	if ferr != nil {
		return 0, 0, kerr.Wrap(ferr, "reading core_size")
	}
	return base, size, nil
}

func readName(mod collab.Object) (string, error) {
	nameObj, err := mod.Field("name")
	if err != nil {
		return "", kerr.Wrap(err, "reading module.name")
	}
	name, err := nameObj.CString()
	if err != nil {
		return "", kerr.Wrap(err, "reading module.name")
	}
	return name, nil
}
