// Package buildid extracts the GNU build-ID note for a kernel module,
// either from its live sysfs notes files or from kernel memory reached
// through the notes_attrs array of a crash-mode struct module. Build IDs
// returned by this package are slices into the note data they were parsed
// from (for ParseNotes, the caller's buffer); they are not copied.
package buildid

import (
	"debug/elf"
	"encoding/binary"
	"path/filepath"

	"github.com/PaulZ-98/kdiscover/internal/collab"
	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"github.com/spf13/afero"
)

const (
	ntGNUBuildID   = 3
	gnuNoteName    = "GNU\x00"
	gnuNoteNamesz  = 4
)

func align4(n int) int { return (n + 3) &^ 3 }

// ParseNotes scans a buffer of concatenated ELF notes and returns the
// descriptor of the first NT_GNU_BUILD_ID note found. It fails with
// kerr.NotFound if no such note exists, and kerr.Other for a truncated or
// malformed note stream.
func ParseNotes(data []byte, order binary.ByteOrder) ([]byte, error) {
	pos := 0
	for pos+12 <= len(data) {
		namesz := int(order.Uint32(data[pos : pos+4]))
		descsz := int(order.Uint32(data[pos+4 : pos+8]))
		typ := order.Uint32(data[pos+8 : pos+12])
		pos += 12

		if pos+namesz > len(data) {
			return nil, kerr.Newf(kerr.Other, "truncated ELF note name at offset %d", pos)
		}
		name := data[pos : pos+namesz]
		pos += align4(namesz)

		if pos+descsz > len(data) {
			return nil, kerr.Newf(kerr.Other, "truncated ELF note descriptor at offset %d", pos)
		}
		desc := data[pos : pos+descsz]
		pos += align4(descsz)

		if namesz == gnuNoteNamesz && string(name) == gnuNoteName && typ == ntGNUBuildID && descsz > 0 {
			return desc, nil
		}
	}
	return nil, kerr.ErrNotFound
}

// ReadLive returns the first NT_GNU_BUILD_ID note found among
// /sys/module/<name>/notes/*.
func ReadLive(fs afero.Fs, moduleName string, order binary.ByteOrder) ([]byte, error) {
	dir := "/sys/module/" + moduleName + "/notes"
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, kerr.OSError("readdir", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, kerr.OSError("read", path, err)
		}
		id, err := ParseNotes(data, order)
		if err == nil {
			return id, nil
		}
		if !kerr.IsNotFound(err) {
			return nil, kerr.Wrap(err, path)
		}
	}
	return nil, kerr.ErrNotFound
}

// ReadCrash reads mod.notes_attrs.notes and mod.notes_attrs.attrs[i], and
// returns the first NT_GNU_BUILD_ID note found across all note regions.
func ReadCrash(mod collab.Object, mem collab.MemoryReader, order binary.ByteOrder) ([]byte, error) {
	attrsField, err := mod.Field("notes_attrs")
	if err != nil {
		return nil, kerr.Wrap(err, "reading module.notes_attrs")
	}
	notesAttrs, err := attrsField.Deref()
	if err != nil {
		return nil, kerr.Wrap(err, "dereferencing module.notes_attrs")
	}
	countObj, err := notesAttrs.Field("notes")
	if err != nil {
		return nil, kerr.Wrap(err, "reading notes_attrs.notes")
	}
	count, err := countObj.Uint()
	if err != nil {
		return nil, kerr.Wrap(err, "reading notes_attrs.notes")
	}
	attrsArray, err := notesAttrs.Field("attrs")
	if err != nil {
		return nil, kerr.Wrap(err, "reading notes_attrs.attrs")
	}

	for i := int64(0); i < int64(count); i++ {
		attr, err := attrsArray.Index(i)
		if err != nil {
			return nil, kerr.Wrap(err, "indexing notes_attrs.attrs")
		}
		privateObj, err := attr.Field("private")
		if err != nil {
			return nil, kerr.Wrap(err, "reading bin_attribute.private")
		}
		private, err := privateObj.Uint()
		if err != nil {
			return nil, kerr.Wrap(err, "reading bin_attribute.private")
		}
		sizeObj, err := attr.Field("size")
		if err != nil {
			return nil, kerr.Wrap(err, "reading bin_attribute.size")
		}
		size, err := sizeObj.Uint()
		if err != nil {
			return nil, kerr.Wrap(err, "reading bin_attribute.size")
		}

		data, err := mem.Read(private, int(size))
		if err != nil {
			return nil, kerr.Wrap(err, "reading notes region from kernel memory")
		}
		id, err := ParseNotes(data, order)
		if err == nil {
			return id, nil
		}
		if !kerr.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, kerr.ErrNotFound
}

// FromELF returns the NT_GNU_BUILD_ID descriptor of a user-supplied ELF
// file, scanning every SHT_NOTE section in turn. This is the equivalent
// of the kernel's dwelf_elf_gnu_build_id helper, used by the discovery
// pipeline to key its user-supplied-file table.
func FromELF(f *elf.File, order binary.ByteOrder) ([]byte, error) {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, kerr.Wrap(err, "reading ELF note section "+sec.Name)
		}
		id, err := ParseNotes(data, order)
		if err == nil {
			return id, nil
		}
		if !kerr.IsNotFound(err) {
			return nil, kerr.Wrap(err, sec.Name)
		}
	}
	return nil, kerr.ErrNotFound
}
