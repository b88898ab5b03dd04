// Package elfinfo distinguishes vmlinux, kernel module, and other ELF
// files by section-name inspection, and patches section header addresses
// in an already-open *elf.File so downstream DWARF consumers resolve
// symbols against the kernel's live load addresses. It is not a general
// ELF editor: it never writes the patched headers back to disk.
package elfinfo

import (
	"debug/elf"

	"github.com/sirupsen/logrus"
)

// Kind classifies an ELF file for the discovery pipeline.
type Kind int

const (
	Other Kind = iota
	Vmlinux
	Module
)

func (k Kind) String() string {
	switch k {
	case Vmlinux:
		return "vmlinux"
	case Module:
		return "module"
	default:
		return "other"
	}
}

const (
	sectionThisModule = ".gnu.linkonce.this_module"
	sectionInitText   = ".init.text"
)

// Identify classifies f by scanning its section names: a module carries
// ".gnu.linkonce.this_module", a vmlinux image carries ".init.text" (and
// not the module marker), anything else is Other.
func Identify(f *elf.File) Kind {
	haveInitText := false
	for _, sec := range f.Sections {
		switch sec.Name {
		case sectionThisModule:
			return Module
		case sectionInitText:
			haveInitText = true
		}
	}
	if haveInitText {
		return Vmlinux
	}
	return Other
}

// Relocate rewrites the sh_addr field of every allocatable section in f
// whose name appears in addrs, to the corresponding live kernel address.
// Sections without SHF_ALLOC are never matched (they hold no runtime
// address). Addresses reported by the kernel with no matching ELF section
// are silently skipped, per the relocator's contract. If f holds more than
// one allocatable section with the same name (unusual but possible per
// design note 9b), only the first ELF section with that name is patched.
//
// Relocate mutates f.Sections in place; it never touches the file on
// disk.
func Relocate(f *elf.File, addrs map[string]uint64) (relocated int) {
	seen := make(map[string]bool, len(addrs))
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		addr, ok := addrs[sec.Name]
		if !ok {
			continue
		}
		if seen[sec.Name] {
			logrus.WithField("section", sec.Name).Debug("elfinfo: duplicate section name reported, keeping first relocation")
			continue
		}
		seen[sec.Name] = true
		sec.Addr = addr
		relocated++
	}
	return relocated
}
