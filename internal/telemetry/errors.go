package telemetry

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the transport-level failure reported by a Source.
type Kind int

const (
	ProcessNotFound Kind = iota
	ModuleNotFound
	SnapshotFailed
	ReadFailed
	WriteFailed
)

func (k Kind) String() string {
	switch k {
	case ProcessNotFound:
		return "process not found"
	case ModuleNotFound:
		return "module not found"
	case SnapshotFailed:
		return "snapshot failed"
	case ReadFailed:
		return "read failed"
	case WriteFailed:
		return "write failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Class groups failures by how the system reacts to them.
type Class int

const (
	// SourceUnavailable: the application is not running or not attachable.
	// Retried with a fixed backoff.
	SourceUnavailable Class = iota
	// TransientRead: a read failed mid-tick. Triggers a reconnect.
	TransientRead
	// SinkInitFailed: an output module could not start and is left out.
	SinkInitFailed
	// DecodeDegraded: text could not be decoded and was replaced by a sentinel.
	DecodeDegraded
)

func (c Class) String() string {
	switch c {
	case SourceUnavailable:
		return "source unavailable"
	case TransientRead:
		return "read failed"
	case SinkInitFailed:
		return "sink init failed"
	case DecodeDegraded:
		return "decode degraded"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Error is returned by Source implementations. Pointer and Address are
// diagnostic only and may be empty.
type Error struct {
	Kind    Kind
	Pointer string
	Address uintptr
	Err     error
}

// NewError creates an Error of the given kind wrapping err.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Class maps the transport kind onto the reaction class.
func (e *Error) Class() Class {
	switch e.Kind {
	case ProcessNotFound, ModuleNotFound, SnapshotFailed:
		return SourceUnavailable
	}
	return TransientRead
}

// Equal reports whether two errors describe the same failure. Used to
// suppress repeated reports of an unchanged condition.
func (e *Error) Equal(o *Error) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Kind != o.Kind || e.Pointer != o.Pointer || e.Address != o.Address {
		return false
	}
	return errMessage(e.Err) == errMessage(o.Err)
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// AsError extracts the *Error in err's chain. Errors from outside the
// telemetry layer are reported as ReadFailed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: ReadFailed, Err: err}
}
