// Package secaddr produces (section name, runtime address) pairs for
// every allocatable section of a loaded kernel module, from either
// /sys/module/<name>/sections/* (live) or sect_attrs (crash).
package secaddr

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PaulZ-98/kdiscover/internal/collab"
	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"github.com/spf13/afero"
)

// Section is one (name, address) pair.
type Section struct {
	Name    string
	Address uint64
}

// ReadLive enumerates /sys/module/<name>/sections/*, each a regular file
// holding one hex address, and returns every (name, address) pair found.
func ReadLive(fs afero.Fs, moduleName string) ([]Section, error) {
	dir := "/sys/module/" + moduleName + "/sections"
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, kerr.OSError("readdir", dir, err)
	}
	var out []Section
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, kerr.OSError("read", path, err)
		}
		addr, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")), 16, 64)
		if err != nil {
			return nil, kerr.Newf(kerr.Overflow, "%s: invalid address %q", path, string(data))
		}
		out = append(out, Section{Name: entry.Name(), Address: addr})
	}
	return out, nil
}

// ReadCrash reads mod.sect_attrs.nsections and iterates
// mod.sect_attrs.attrs[i] to produce (name, address) pairs. The section
// name is read from attr.battr.attr.name (kernel >=5.8), falling back to
// attr.name on a Lookup error.
func ReadCrash(mod collab.Object) ([]Section, error) {
	attrsField, err := mod.Field("sect_attrs")
	if err != nil {
		return nil, kerr.Wrap(err, "reading module.sect_attrs")
	}
	sectAttrs, err := attrsField.Deref()
	if err != nil {
		return nil, kerr.Wrap(err, "dereferencing module.sect_attrs")
	}
	countObj, err := sectAttrs.Field("nsections")
	if err != nil {
		return nil, kerr.Wrap(err, "reading sect_attrs.nsections")
	}
	count, err := countObj.Uint()
	if err != nil {
		return nil, kerr.Wrap(err, "reading sect_attrs.nsections")
	}
	attrsArray, err := sectAttrs.Field("attrs")
	if err != nil {
		return nil, kerr.Wrap(err, "reading sect_attrs.attrs")
	}

	out := make([]Section, 0, count)
	for i := int64(0); i < int64(count); i++ {
		attr, err := attrsArray.Index(i)
		if err != nil {
			return nil, kerr.Wrap(err, "indexing sect_attrs.attrs")
		}
		addrObj, err := attr.Field("address")
		if err != nil {
			return nil, kerr.Wrap(err, "reading module_sect_attr.address")
		}
		addr, err := addrObj.Uint()
		if err != nil {
			return nil, kerr.Wrap(err, "reading module_sect_attr.address")
		}
		name, err := readSectionName(attr)
		if err != nil {
			return nil, err
		}
		out = append(out, Section{Name: name, Address: addr})
	}
	return out, nil
}

func readSectionName(attr collab.Object) (string, error) {
	battr, err := attr.Field("battr")
	if err == nil {
		battrAttr, err := battr.Field("attr")
		if err != nil {
			return "", kerr.Wrap(err, "reading module_sect_attr.battr.attr")
		}
		nameObj, err := battrAttr.Field("name")
		if err != nil {
			return "", kerr.Wrap(err, "reading module_sect_attr.battr.attr.name")
		}
		return nameObj.CString()
	}
	if !kerr.IsLookup(err) {
		return "", kerr.Wrap(err, "reading module_sect_attr.battr")
	}
	nameObj, err := attr.Field("name")
	if err != nil {
		return "", kerr.Wrap(err, "reading module_sect_attr.name (battr fallback)")
	}
	return nameObj.CString()
}
