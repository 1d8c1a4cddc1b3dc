// Package fault defines the error kinds shared by every stage of a scan.
// All of them are fatal: the scanner never retries, inputs are a static
// snapshot read exactly once.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// AccessDenied: a path outside the declared allow-list was requested.
	AccessDenied
	// SourceMissing: a required input could not be read.
	SourceMissing
	// MalformedDescriptor: a table signature mismatch, invalid BAR encoding
	// or structurally invalid field.
	MalformedDescriptor
	// UnsupportedConfiguration: multiple MMIO config windows, non-zero PCI
	// segment, too many IOMMU units, duplicate IOAPIC identifiers.
	UnsupportedConfiguration
	// UnresolvedIOMMU: a PCI device was never claimed by any IOMMU unit.
	UnresolvedIOMMU
	// AllocationFailure: no RAM region can satisfy the requested reservation.
	AllocationFailure
)

func (k Kind) String() string {
	switch k {
	case AccessDenied:
		return "access denied"
	case SourceMissing:
		return "source missing"
	case MalformedDescriptor:
		return "malformed descriptor"
	case UnsupportedConfiguration:
		return "unsupported configuration"
	case UnresolvedIOMMU:
		return "unresolved IOMMU assignment"
	case AllocationFailure:
		return "allocation failure"
	default:
		return "unknown fault"
	}
}

// Error carries a kind, an operator-facing message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality, so errors.Is(err, &Error{Kind: k}) matches any
// fault of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New constructs a fault of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs a fault of the given kind around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first fault in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain contains a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
