package discover

import (
	"debug/elf"

	"github.com/spf13/afero"
)

// fakeIndexer is a recording DWARFIndexer used across this package's
// pipeline tests, standing in for the real out-of-scope collaborator.
type fakeIndexer struct {
	reports []reportedELF
	indexed map[string]bool
	errors  []reportedError
	flushes int
	fatalOn map[string]bool
}

type reportedELF struct {
	path       string
	start, end uint64
	name       string
}

type reportedError struct {
	file, message string
	cause         error
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{indexed: map[string]bool{}, fatalOn: map[string]bool{}}
}

func (f *fakeIndexer) ReportELF(path string, file afero.File, elfFile *elf.File, start, end uint64, name string) (bool, error) {
	isNew := name != "" && !f.indexed[name]
	if name != "" {
		f.indexed[name] = true
	}
	f.reports = append(f.reports, reportedELF{path: path, start: start, end: end, name: name})
	return isNew, nil
}

func (f *fakeIndexer) IsIndexed(name string) bool {
	return f.indexed[name]
}

func (f *fakeIndexer) Flush() error {
	f.flushes++
	return nil
}

func (f *fakeIndexer) ReportError(file, message string, cause error) bool {
	f.errors = append(f.errors, reportedError{file: file, message: message, cause: cause})
	return f.fatalOn[file]
}
