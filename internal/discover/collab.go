package discover

import (
	"debug/elf"

	"github.com/PaulZ-98/kdiscover/internal/collab"
	"github.com/spf13/afero"
)

// DWARFIndexer is the externally-supplied collaborator that consumes the
// ELF handles this pipeline reports, tracks which binaries are already
// indexed, and decides whether a per-file error is fatal to the whole
// run. A real implementation owns DWARF type information and backs the
// SymbolResolver/Object side of Collaborators too; this package only
// depends on the narrow interface it needs.
type DWARFIndexer interface {
	// ReportELF hands path/file/elfFile to the indexer, along with the
	// module's live load range (zero for unloaded/other files) and its
	// name ("" for non-module, non-vmlinux files). isNew reports whether
	// this is the first time this name has been indexed. Ownership of
	// file and elfFile transfers to the indexer on success.
	ReportELF(path string, file afero.File, elfFile *elf.File, start, end uint64, name string) (isNew bool, err error)
	// IsIndexed reports whether name (a module or "vmlinux") has already
	// been reported in a prior call.
	IsIndexed(name string) bool
	// Flush forces any ELFs reported so far to be indexed before the
	// pipeline relies on their debug info (e.g. before crash-mode module
	// iteration, which needs struct module's layout).
	Flush() error
	// ReportError surfaces a non-fatal per-file problem. The return value
	// tells the pipeline whether to abort entirely.
	ReportError(file, message string, cause error) (fatal bool)
}

// Collaborators bundles every external interface the pipeline consumes:
// a memory reader, a symbol/variable resolver (whose collab.Object values
// are the typed-memory accessor), and a DWARF indexer, each backed by a
// real implementation the pipeline never owns. ELF parsing itself is handled by internal/elfinfo plus
// debug/elf directly, not part of this bundle.
type Collaborators struct {
	Memory  collab.MemoryReader
	Symbols collab.SymbolResolver
	Indexer DWARFIndexer
}
