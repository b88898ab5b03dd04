// Package discover orchestrates the kernel debug-info discovery pipeline:
// it identifies user-supplied ELF files, indexes vmlinux,
// iterates loaded kernel modules, matches them against the user files by
// GNU build ID, falls back to the depmod index for modules the user did
// not supply, and reports every unmatched user file as unloaded.
package discover

import (
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/PaulZ-98/kdiscover/internal/buildid"
	"github.com/PaulZ-98/kdiscover/internal/depmod"
	"github.com/PaulZ-98/kdiscover/internal/elfinfo"
	"github.com/PaulZ-98/kdiscover/internal/kconst"
	"github.com/PaulZ-98/kdiscover/internal/kerr"
	"github.com/PaulZ-98/kdiscover/internal/kmod"
	"github.com/PaulZ-98/kdiscover/internal/secaddr"
)

// userFile is a user-supplied module ELF awaiting a build-ID match.
type userFile struct {
	path    string
	file    afero.File
	elf     *elf.File
	buildID []byte
	next    *userFile
}

// chain is every userFile sharing one build ID, in insertion order.
type chain struct {
	head, tail *userFile
}

// Options configures one pipeline run.
type Options struct {
	// Paths are the user-supplied candidate ELF files (vmlinux, modules,
	// or anything else).
	Paths []string
	// LoadDefault enables the depmod fallback for loaded modules the
	// user did not supply.
	LoadDefault bool
	// LoadMain enables searching the default vmlinux path list when the
	// user supplied none.
	LoadMain bool
	// IsLiveKernel is true when the target is a running kernel rather
	// than a crash dump; it gates live-mode iterator selection alongside
	// DRGN_USE_PROC_AND_SYS_MODULES.
	IsLiveKernel bool
	// Osrelease is the kernel release string used to build default
	// vmlinux and depmod search paths (uname -r in the live case).
	Osrelease string
	// KaslrOffset is added to a newly-indexed vmlinux's section
	// addresses before reporting its range.
	KaslrOffset uint64
	// Arch supplies the pointer size and byte order used to interpret
	// build-ID buffers and addresses.
	Arch kconst.Arch
	// Getenv reads environment variables; defaults to os.Getenv. Tests
	// supply a fake to control DRGN_USE_PROC_AND_SYS_MODULES.
	Getenv func(string) string
	// OpenDepmod opens the depmod index for an osrelease; defaults to
	// depmod.OpenFile against /lib/modules/<osrelease>/modules.dep.bin.
	// Tests supply a fake backed by depmod.OpenBytes.
	OpenDepmod func(osrelease string) (*depmod.Index, error)
}

func (o *Options) setDefaults() {
	if o.Getenv == nil {
		o.Getenv = os.Getenv
	}
	if o.OpenDepmod == nil {
		o.OpenDepmod = func(osrelease string) (*depmod.Index, error) {
			return depmod.OpenFile(fmt.Sprintf("/lib/modules/%s/modules.dep.bin", osrelease))
		}
	}
}

// Result summarizes one pipeline run.
type Result struct {
	// Relocated counts sections patched across every ELF reported.
	Relocated int
	// Warnings aggregates every non-fatal per-file error encountered,
	// or nil if none occurred.
	Warnings error
}

// Pipeline runs one discovery pass against a filesystem and a set of
// external collaborators.
type Pipeline struct {
	Fs            afero.Fs
	Collaborators Collaborators
	Options       Options
}

// NewPipeline constructs a Pipeline, filling in Options defaults and
// wrapping the supplied indexer so every error it reports is also logged.
func NewPipeline(fs afero.Fs, collaborators Collaborators, opts Options) *Pipeline {
	opts.setDefaults()
	collaborators.Indexer = wrapWithWarnings(collaborators.Indexer)
	return &Pipeline{Fs: fs, Collaborators: collaborators, Options: opts}
}

// fatalSignal is returned internally by reportNonFatal to unwind Run when
// the indexer declares an error fatal or the cause is a NoMemory error; it
// carries the error Run returns.
type fatalSignal struct{ err error }

func (f *fatalSignal) Error() string { return f.err.Error() }

// Run executes the discovery pipeline end to end and returns a summary.
// An error return means a fatal condition (an indexer-declared-fatal
// error, a NoMemory condition, or a module iterator that could not be
// constructed) aborted the run; partial work already
// reported to the indexer remains indexed, since partial progress on a
// discovery run is still useful to a caller.
func (p *Pipeline) Run() (*Result, error) {
	merr := &multierror.Error{}
	indexer := p.Collaborators.Indexer
	relocated := 0

	reportNonFatal := func(file, message string, cause error) error {
		merr = multierror.Append(merr, kerr.Wrap(cause, fmt.Sprintf("%s: %s", file, message)))
		fatal := indexer.ReportError(file, message, cause)
		if kerr.IsNoMemory(cause) {
			return &fatalSignal{err: kerr.Wrap(cause, fmt.Sprintf("%s: %s", file, message))}
		}
		if fatal {
			return &fatalSignal{err: kerr.Newf(kerr.Other, "fatal error reported by DWARF indexer for %s: %s", file, message)}
		}
		return nil
	}

	var moduleFiles []*userFile
	haveVmlinux := false
	newlyIndexedVmlinux := false

	// Step 1: identify user files.
	for _, path := range p.Options.Paths {
		f, err := p.Fs.Open(path)
		if err != nil {
			if ferr := reportNonFatal(path, "opening file", err); ferr != nil {
				return nil, ferr
			}
			continue
		}
		ef, err := elf.NewFile(f)
		if err != nil {
			f.Close()
			if ferr := reportNonFatal(path, "parsing ELF", err); ferr != nil {
				return nil, ferr
			}
			continue
		}

		switch elfinfo.Identify(ef) {
		case elfinfo.Module:
			moduleFiles = append(moduleFiles, &userFile{path: path, file: f, elf: ef})
		case elfinfo.Vmlinux:
			start, end := vmlinuxRangeOf(ef, p.Options.KaslrOffset)
			isNew, err := indexer.ReportELF(path, f, ef, start, end, "vmlinux")
			if err != nil {
				f.Close()
				if ferr := reportNonFatal(path, "reporting vmlinux", err); ferr != nil {
					return nil, ferr
				}
				continue
			}
			haveVmlinux = true
			newlyIndexedVmlinux = newlyIndexedVmlinux || isNew
		default:
			if _, err := indexer.ReportELF(path, f, ef, 0, 0, ""); err != nil {
				f.Close()
				if ferr := reportNonFatal(path, "reporting file", err); ferr != nil {
					return nil, ferr
				}
			}
		}
	}

	// Step 2: report default vmlinux.
	if p.Options.LoadMain && !haveVmlinux && !indexer.IsIndexed("vmlinux") {
		for _, cand := range vmlinuxCandidates(p.Options.Osrelease) {
			f, err := p.Fs.Open(cand)
			if err != nil {
				continue
			}
			ef, err := elf.NewFile(f)
			if err != nil {
				f.Close()
				continue
			}
			start, end := vmlinuxRangeOf(ef, p.Options.KaslrOffset)
			isNew, err := indexer.ReportELF(cand, f, ef, start, end, "vmlinux")
			if err != nil {
				f.Close()
				if ferr := reportNonFatal(cand, "reporting default vmlinux", err); ferr != nil {
					return nil, ferr
				}
				continue
			}
			haveVmlinux = true
			newlyIndexedVmlinux = newlyIndexedVmlinux || isNew
			break
		}
	}

	// Step 4 (decided ahead of step 3's flush, which depends on it):
	// choose iterator mode.
	liveMode := p.Options.IsLiveKernel && envWantsLiveMode(p.Options.Getenv("DRGN_USE_PROC_AND_SYS_MODULES"))

	// Step 3: flush pending ELFs before crash-mode module iteration,
	// which needs struct module's layout from a newly-indexed vmlinux.
	if !liveMode && newlyIndexedVmlinux {
		if err := indexer.Flush(); err != nil {
			if ferr := reportNonFatal("<flush>", "flushing DWARF indexer before crash-mode iteration", err); ferr != nil {
				return nil, ferr
			}
		}
	}

	// Step 5: build the user-file table, keyed by GNU build ID.
	tree := iradix.New()
	for _, uf := range moduleFiles {
		id, err := buildid.FromELF(uf.elf, p.Options.Arch.ByteOrder)
		if err != nil {
			uf.file.Close()
			if ferr := reportNonFatal(uf.path, "reading build id", err); ferr != nil {
				return nil, ferr
			}
			continue
		}
		uf.buildID = id
		key := []byte(id)
		if v, ok := tree.Get(key); ok {
			c := v.(*chain)
			c.tail.next = uf
			c.tail = uf
		} else {
			tree, _, _ = tree.Insert(key, &chain{head: uf, tail: uf})
		}
	}

	// Step 6: iterate loaded modules.
	var it kmod.Iterator
	var err error
	if liveMode {
		it, err = kmod.NewLive(p.Fs)
	} else {
		it, err = kmod.NewCrash(p.Collaborators.Symbols)
	}
	if err != nil {
		return nil, kerr.Wrap(err, "constructing module iterator")
	}
	defer it.Close()

	var depIdx *depmod.Index
	depIdxFailed := false
	defer func() {
		if depIdx != nil {
			depIdx.Close()
		}
	}()

	for {
		m, nerr := it.Next()
		if kerr.IsStop(nerr) {
			break
		}
		if nerr != nil {
			if ferr := reportNonFatal("<module iterator>", "iterating loaded modules", nerr); ferr != nil {
				return nil, ferr
			}
			break
		}

		var id []byte
		if liveMode {
			id, err = buildid.ReadLive(p.Fs, m.Name, p.Options.Arch.ByteOrder)
		} else {
			id, err = buildid.ReadCrash(m.Obj, p.Collaborators.Memory, p.Options.Arch.ByteOrder)
		}
		if err != nil {
			if ferr := reportNonFatal(m.Name, "reading module build id", err); ferr != nil {
				return nil, ferr
			}
			id = nil
		}

		matched := false
		if id != nil {
			if v, ok := tree.Get(id); ok {
				c := v.(*chain)
				tree, _, _ = tree.Delete(id)
				sections, serr := readSections(p, liveMode, m)
				if serr != nil {
					if ferr := reportNonFatal(m.Name, "reading section addresses", serr); ferr != nil {
						return nil, ferr
					}
				}
				for uf := c.head; uf != nil; uf = uf.next {
					relocated += elfinfo.Relocate(uf.elf, sections)
					if _, rerr := indexer.ReportELF(uf.path, uf.file, uf.elf, m.Start, m.End, m.Name); rerr != nil {
						uf.file.Close()
						if ferr := reportNonFatal(uf.path, "reporting matched module", rerr); ferr != nil {
							return nil, ferr
						}
					}
				}
				matched = true
			}
		}
		if matched {
			continue
		}

		if !p.Options.LoadDefault || indexer.IsIndexed(m.Name) {
			continue
		}

		if depIdx == nil && !depIdxFailed {
			depIdx, err = p.Options.OpenDepmod(p.Options.Osrelease)
			if err != nil {
				depIdxFailed = true
				if ferr := reportNonFatal(m.Name, "opening depmod index", err); ferr != nil {
					return nil, ferr
				}
				continue
			}
		}
		if depIdx == nil {
			continue
		}

		depPath, err := depIdx.Find(m.Name)
		if err != nil {
			if ferr := reportNonFatal(m.Name, "depmod lookup miss", err); ferr != nil {
				return nil, ferr
			}
			continue
		}

		pathNoExt, ext := stripCompressedExt(depPath)
		candidates := []string{
			fmt.Sprintf("/usr/lib/debug/lib/modules/%s/%s", p.Options.Osrelease, pathNoExt),
			fmt.Sprintf("/usr/lib/debug/lib/modules/%s/%s.debug", p.Options.Osrelease, pathNoExt),
			fmt.Sprintf("/lib/modules/%s/%s%s", p.Options.Osrelease, pathNoExt, ext),
		}
		found := false
		for _, cand := range candidates {
			f, oerr := p.Fs.Open(cand)
			if oerr != nil {
				continue
			}
			ef, eerr := elf.NewFile(f)
			if eerr != nil {
				f.Close()
				continue
			}
			sections, serr := readSections(p, liveMode, m)
			if serr != nil {
				if ferr := reportNonFatal(m.Name, "reading section addresses", serr); ferr != nil {
					return nil, ferr
				}
			}
			relocated += elfinfo.Relocate(ef, sections)
			if _, rerr := indexer.ReportELF(cand, f, ef, m.Start, m.End, m.Name); rerr != nil {
				f.Close()
				if ferr := reportNonFatal(cand, "reporting depmod-discovered module", rerr); ferr != nil {
					return nil, ferr
				}
			}
			found = true
			break
		}
		if !found {
			if ferr := reportNonFatal(m.Name, "module not found on disk via depmod", kerr.ErrNotFound); ferr != nil {
				return nil, ferr
			}
		}
	}

	// Step 7: report leftovers, preserving insertion order within chains.
	tree.Root().Walk(func(_ []byte, v interface{}) bool {
		c := v.(*chain)
		for uf := c.head; uf != nil; uf = uf.next {
			if _, rerr := indexer.ReportELF(uf.path, uf.file, uf.elf, 0, 0, ""); rerr != nil {
				uf.file.Close()
				merr = multierror.Append(merr, kerr.Wrap(rerr, uf.path+": reporting unloaded user file"))
			}
		}
		return false
	})

	return &Result{Relocated: relocated, Warnings: merr.ErrorOrNil()}, nil
}

func readSections(p *Pipeline, live bool, m *kmod.Module) (map[string]uint64, error) {
	var secs []secaddr.Section
	var err error
	if live {
		secs, err = secaddr.ReadLive(p.Fs, m.Name)
	} else {
		secs, err = secaddr.ReadCrash(m.Obj)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, len(secs))
	for _, s := range secs {
		out[s.Name] = s.Address
	}
	return out, nil
}

func vmlinuxRangeOf(ef *elf.File, kaslrOffset uint64) (start, end uint64) {
	first := true
	var min, max uint64
	for _, sec := range ef.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Addr == 0 {
			continue
		}
		if first || sec.Addr < min {
			min = sec.Addr
		}
		if e := sec.Addr + sec.Size; e > max {
			max = e
		}
		first = false
	}
	return min + kaslrOffset, max + kaslrOffset
}

func vmlinuxCandidates(osrelease string) []string {
	return []string{
		fmt.Sprintf("/usr/lib/debug/boot/vmlinux-%s", osrelease),
		fmt.Sprintf("/usr/lib/debug/lib/modules/%s/vmlinux", osrelease),
		fmt.Sprintf("/boot/vmlinux-%s", osrelease),
		fmt.Sprintf("/lib/modules/%s/build/vmlinux", osrelease),
		fmt.Sprintf("/lib/modules/%s/vmlinux", osrelease),
	}
}

func stripCompressedExt(path string) (stripped, ext string) {
	for _, e := range []string{".gz", ".xz"} {
		if strings.HasSuffix(path, e) {
			return strings.TrimSuffix(path, e), e
		}
	}
	return path, ""
}

// envWantsLiveMode chooses live-filesystem iteration unless the
// environment variable is set to a zero integer.
func envWantsLiveMode(v string) bool {
	if v == "" {
		return true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return true
	}
	return n != 0
}
