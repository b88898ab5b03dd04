// Package kerr defines the closed set of error kinds the discovery
// subsystem uses to drive control flow: Lookup triggers kernel-version
// fallbacks, NotFound and Stop never escape their immediate caller, and
// NoMemory is always fatal to the pipeline.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds from the discovery subsystem's error
// handling design.
type Kind int

const (
	// OS wraps a failing syscall (open, read, stat, mmap, readdir).
	OS Kind = iota
	// Overflow is a numeric parse overflow or malformed integer.
	Overflow
	// NoMemory is an allocation failure. Always fatal.
	NoMemory
	// Lookup is a symbol or struct member that isn't present.
	Lookup
	// Other is malformed VMCOREINFO, /proc/modules, depmod index, ELF
	// note, or section metadata.
	Other
	// NotFound is a control-flow signal: a name absent from depmod or
	// the user-supplied build-ID table.
	NotFound
	// Stop is a control-flow signal: iterator exhaustion.
	Stop
)

func (k Kind) String() string {
	switch k {
	case OS:
		return "OS"
	case Overflow:
		return "Overflow"
	case NoMemory:
		return "NoMemory"
	case Lookup:
		return "Lookup"
	case Other:
		return "Other"
	case NotFound:
		return "NotFound"
	case Stop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// Error is a kinded error, optionally carrying the syscall/context that
// produced it and an underlying cause.
type Error struct {
	Kind    Kind
	Syscall string // only meaningful for Kind == OS
	Context string
	cause   error
}

func (e *Error) Error() string {
	msg := e.Context
	if e.Syscall != "" {
		msg = fmt.Sprintf("%s: %s", e.Syscall, msg)
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the deepest error below e, per github.com/pkg/errors.
func (e *Error) Cause() error {
	if e.cause == nil {
		return e
	}
	return errors.Cause(e.cause)
}

// New constructs a kinded error with no underlying cause.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Context: fmt.Sprintf(format, args...)}
}

// Wrap attaches context to an existing error, preserving its kind if it is
// already a *Error, otherwise classifying it as Other.
func Wrap(err error, context string) *Error {
	if err == nil {
		return nil
	}
	var ke *Error
	if errors.As(err, &ke) {
		return &Error{Kind: ke.Kind, Syscall: ke.Syscall, Context: context, cause: err}
	}
	return &Error{Kind: Other, Context: context, cause: err}
}

// OSError wraps a failing syscall with its name and errno/cause.
func OSError(syscall, context string, cause error) *Error {
	return &Error{Kind: OS, Syscall: syscall, Context: context, cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error
	if !errors.As(err, &ke) {
		return false
	}
	return ke.Kind == kind
}

func IsLookup(err error) bool   { return Is(err, Lookup) }
func IsNotFound(err error) bool { return Is(err, NotFound) }
func IsStop(err error) bool     { return Is(err, Stop) }
func IsNoMemory(err error) bool { return Is(err, NoMemory) }

// ErrStop is the sentinel iterator-exhaustion error value, since it carries
// no additional context.
var ErrStop = New(Stop, "iteration complete")

// ErrNotFound is the sentinel not-found value for lookups with no
// additional context to report.
var ErrNotFound = New(NotFound, "not found")
