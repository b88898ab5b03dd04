package discover

import "github.com/sirupsen/logrus"

// warningSink decorates a DWARFIndexer so every ReportError call also
// produces a structured log line, independent of whatever the indexer
// itself does with the error. This keeps a discovery run debuggable even
// against a DWARF indexer collaborator that reports errors silently.
type warningSink struct {
	DWARFIndexer
}

func wrapWithWarnings(inner DWARFIndexer) DWARFIndexer {
	return &warningSink{DWARFIndexer: inner}
}

func (w *warningSink) ReportError(file, message string, cause error) bool {
	fatal := w.DWARFIndexer.ReportError(file, message, cause)
	entry := logrus.WithFields(logrus.Fields{"file": file, "fatal": fatal})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	if fatal {
		entry.Error(message)
	} else {
		entry.Warn(message)
	}
	return fatal
}
