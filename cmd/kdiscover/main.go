// Command kdiscover runs the kernel debug-info discovery pipeline against
// a running kernel for manual inspection, reporting what it finds to a
// logging stub in place of a real DWARF indexer. Most callers drive
// internal/discover directly with a real DWARF-indexer collaborator; this
// binary exists the way viewcore exists for golang-debug's core/gocore
// packages, as a thin driver rather than the library's primary surface.
package main

import (
	"debug/elf"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/PaulZ-98/kdiscover/internal/discover"
	"github.com/PaulZ-98/kdiscover/internal/kconst"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		osrelease   string
		loadDefault bool
		loadMain    bool
		kaslr       uint64
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "kdiscover [files...]",
		Short: "Discover and relocate kernel module debug info",
		Long: "kdiscover runs the discovery pipeline against the running kernel, matching\n" +
			"any ELF files given on the command line against loaded modules by GNU\n" +
			"build ID, falling back to depmod for the rest, and logging the outcome.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
			if osrelease == "" {
				rel, err := hostRelease()
				if err != nil {
					return fmt.Errorf("determining kernel release: %w", err)
				}
				osrelease = rel
			}

			p := discover.NewPipeline(afero.NewOsFs(), discover.Collaborators{
				Indexer: &loggingIndexer{},
			}, discover.Options{
				Paths:        args,
				LoadDefault:  loadDefault,
				LoadMain:     loadMain,
				IsLiveKernel: true,
				Osrelease:    osrelease,
				KaslrOffset:  kaslr,
				Arch:         kconst.Host(),
			})

			result, err := p.Run()
			if err != nil {
				return fmt.Errorf("discovery pipeline aborted: %w", err)
			}
			logrus.WithField("relocated_sections", result.Relocated).Info("discovery complete")
			if result.Warnings != nil {
				logrus.WithError(result.Warnings).Warn("discovery completed with non-fatal errors")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&osrelease, "os", "", "kernel release to use for default search paths (default: /proc/sys/kernel/osrelease)")
	cmd.Flags().BoolVar(&loadDefault, "load-default", true, "search depmod and debug paths for modules not supplied on the command line")
	cmd.Flags().BoolVar(&loadMain, "load-main", true, "search default paths for vmlinux if none is supplied")
	cmd.Flags().Uint64Var(&kaslr, "kaslr-offset", 0, "KASLR offset to apply to a newly indexed vmlinux")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func hostRelease() (string, error) {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// loggingIndexer is a minimal DWARFIndexer that logs every report instead
// of indexing DWARF type information, standing in for the real collaborator
// this library expects a caller to supply.
type loggingIndexer struct {
	indexed map[string]bool
}

func (l *loggingIndexer) ReportELF(path string, file afero.File, elfFile *elf.File, start, end uint64, name string) (bool, error) {
	if l.indexed == nil {
		l.indexed = map[string]bool{}
	}
	isNew := name != "" && !l.indexed[name]
	if name != "" {
		l.indexed[name] = true
	}
	logrus.WithFields(logrus.Fields{
		"path":  path,
		"name":  name,
		"start": fmt.Sprintf("%#x", start),
		"end":   fmt.Sprintf("%#x", end),
	}).Info("reported ELF")
	return isNew, nil
}

func (l *loggingIndexer) IsIndexed(name string) bool { return l.indexed[name] }

func (l *loggingIndexer) Flush() error {
	logrus.Debug("flushing pending ELF reports")
	return nil
}

func (l *loggingIndexer) ReportError(file, message string, cause error) bool {
	return false
}
