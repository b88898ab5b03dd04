// Package vmcoreinfo parses the VMCOREINFO ELF note: the textual
// key=value metadata the kernel emits describing its identity, page size,
// KASLR offset, and a handful of key symbols. It also knows how to recover
// that note from a live, pre-4.19 kernel via sysfs and a physical-memory
// read, for kernels that don't yet expose a VMCOREINFO ELF note directly.
package vmcoreinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// MaxOSReleaseLen bounds the length of the osrelease field, matching the
// kernel's own NEW_UTS_LEN-derived bound.
const MaxOSReleaseLen = 65

// Info is the parsed VMCOREINFO record. It is constructed once per program
// and is immutable afterward.
type Info struct {
	OSRelease         string
	PageSize          uint64
	KASLROffset       uint64
	SwapperPgDir      uint64
	PgtableL5Enabled  bool
	pgtableL5Explicit bool
}

// field prefixes recognized in the VMCOREINFO note, per the discovery
// subsystem's VMCOREINFO parser design.
const (
	prefixOSRelease    = "OSRELEASE="
	prefixPageSize     = "PAGESIZE="
	prefixKASLROffset  = "KERNELOFFSET="
	prefixSwapperPgDir = "SYMBOL(swapper_pg_dir)="
	prefixPgtableL5    = "NUMBER(pgtable_l5_enabled)="
)

// Parse parses a VMCOREINFO note descriptor (the raw key=value text, not
// including the ELF note header) into an Info record. It fails with
// kerr.Other if a required field is missing, or kerr.Overflow if a numeric
// field fails to parse.
func Parse(descriptor []byte) (*Info, error) {
	info := &Info{}
	var sawOSRelease, sawPageSize, sawSwapper bool

	scanner := bufio.NewScanner(bytes.NewReader(descriptor))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, prefixOSRelease):
			v := strings.TrimPrefix(line, prefixOSRelease)
			if len(v) == 0 || len(v) >= MaxOSReleaseLen {
				return nil, kerr.Newf(kerr.Other, "OSRELEASE value invalid length %d", len(v))
			}
			info.OSRelease = v
			sawOSRelease = true
		case strings.HasPrefix(line, prefixPageSize):
			v, err := parseUint(strings.TrimPrefix(line, prefixPageSize), 0)
			if err != nil {
				return nil, err
			}
			info.PageSize = v
			sawPageSize = true
		case strings.HasPrefix(line, prefixKASLROffset):
			v, err := parseUint(strings.TrimPrefix(line, prefixKASLROffset), 16)
			if err != nil {
				return nil, err
			}
			info.KASLROffset = v
		case strings.HasPrefix(line, prefixSwapperPgDir):
			v, err := parseUint(strings.TrimPrefix(line, prefixSwapperPgDir), 16)
			if err != nil {
				return nil, err
			}
			info.SwapperPgDir = v
			sawSwapper = true
		case strings.HasPrefix(line, prefixPgtableL5):
			v, err := parseUint(strings.TrimPrefix(line, prefixPgtableL5), 0)
			if err != nil {
				return nil, err
			}
			info.PgtableL5Enabled = v != 0
			info.pgtableL5Explicit = true
		default:
			// Unknown prefix: skipped.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, kerr.Wrap(err, "scanning VMCOREINFO descriptor")
	}

	var missing []string
	if !sawOSRelease {
		missing = append(missing, "OSRELEASE")
	}
	if !sawPageSize {
		missing = append(missing, "PAGESIZE")
	}
	if !sawSwapper {
		missing = append(missing, "SYMBOL(swapper_pg_dir)")
	}
	if len(missing) > 0 {
		return nil, kerr.Newf(kerr.Other, "VMCOREINFO missing required field(s): %s", strings.Join(missing, ", "))
	}
	if info.PageSize == 0 {
		return nil, kerr.New(kerr.Other, "VMCOREINFO PAGESIZE must be non-zero")
	}
	if info.PageSize&(info.PageSize-1) != 0 {
		return nil, kerr.Newf(kerr.Other, "VMCOREINFO PAGESIZE %d is not a power of two", info.PageSize)
	}
	if info.SwapperPgDir == 0 {
		return nil, kerr.New(kerr.Other, "VMCOREINFO swapper_pg_dir must be non-zero")
	}
	return info, nil
}

// parseUint parses an integer, auto-detecting a "0x" prefix when base is 0.
// It fails with kerr.Overflow if the value overflows uint64 or the line is
// not fully consumed.
func parseUint(s string, base int) (uint64, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		if numErr, ok := err.(*strconv.NumError); ok && numErr.Err == strconv.ErrRange {
			return 0, kerr.Newf(kerr.Overflow, "value %q overflows 64 bits", s)
		}
		return 0, kerr.Newf(kerr.Overflow, "value %q is not a valid integer: %v", s, err)
	}
	return v, nil
}

// sysfsVMCoreInfoPath is the pre-4.19 path exposing the physical address
// and size of the VMCOREINFO note.
const sysfsVMCoreInfoPath = "/sys/kernel/vmcoreinfo"

// PhysicalMemoryReader reads count bytes of physical memory starting at
// addr. It is the minimal slice of the memory-reader collaborator this
// package needs.
type PhysicalMemoryReader interface {
	ReadPhysical(addr uint64, count int) ([]byte, error)
}

// noteDescOffset is the size, in bytes, of an Elf64_Nhdr plus the padded
// "VMCOREINFO\0" name, which together precede the descriptor in the blob
// read from physical memory.
const (
	noteNameSize    = 11 // "VMCOREINFO\0"
	noteDescOffset  = 24 // offset of the descriptor within the note blob
	expectedNamesz  = 11
	expectedName    = "VMCOREINFO"
)

// ReadLive recovers the VMCOREINFO note from a running pre-4.19 kernel: it
// reads two whitespace-separated hex integers (physical address, size)
// from /sys/kernel/vmcoreinfo, reads that many bytes of physical memory,
// and parses the result as an ELF note whose descriptor starts at byte
// offset 24.
func ReadLive(fs afero.Fs, mem PhysicalMemoryReader) (*Info, error) {
	raw, err := afero.ReadFile(fs, sysfsVMCoreInfoPath)
	if err != nil {
		return nil, kerr.OSError("open", sysfsVMCoreInfoPath, err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return nil, kerr.Newf(kerr.Other, "%s: expected \"<paddr> <size>\", got %q", sysfsVMCoreInfoPath, string(raw))
	}
	paddr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return nil, kerr.Newf(kerr.Overflow, "%s: invalid physical address %q", sysfsVMCoreInfoPath, fields[0])
	}
	size, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return nil, kerr.Newf(kerr.Overflow, "%s: invalid size %q", sysfsVMCoreInfoPath, fields[1])
	}

	blob, err := mem.ReadPhysical(paddr, int(size))
	if err != nil {
		return nil, kerr.Wrap(err, "reading VMCOREINFO note from physical memory")
	}
	if len(blob) < noteDescOffset {
		return nil, kerr.Newf(kerr.Other, "VMCOREINFO note blob too short: %d bytes", len(blob))
	}

	logrus.WithFields(logrus.Fields{"paddr": fmt.Sprintf("%#x", paddr), "size": size}).
		Debug("vmcoreinfo: read note from physical memory")

	return Parse(blob[noteDescOffset:])
}
