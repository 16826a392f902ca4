// Package status defines the response status taxonomy shared by every
// dispatcher opcode and the typed errors internal packages raise on the
// way to becoming one.
package status

import "fmt"

// Code mirrors the status codes enumerated in the wire protocol (spec.md
// section 6). Handlers never return a bare Go error to a caller; they
// project failures onto one of these codes.
type Code int

const (
	OK Code = iota
	UnknownTablet
	UnknownIndexlet
	ObjectDoesntExist
	ObjectExists
	WrongVersion
	InvalidObject
	RequestFormatError
	Retry
	NoTableSpace
	InternalError
	UnimplementedRequest
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case UnknownTablet:
		return "UNKNOWN_TABLET"
	case UnknownIndexlet:
		return "UNKNOWN_INDEXLET"
	case ObjectDoesntExist:
		return "OBJECT_DOESNT_EXIST"
	case ObjectExists:
		return "OBJECT_EXISTS"
	case WrongVersion:
		return "WRONG_VERSION"
	case InvalidObject:
		return "INVALID_OBJECT"
	case RequestFormatError:
		return "REQUEST_FORMAT_ERROR"
	case Retry:
		return "RETRY"
	case NoTableSpace:
		return "NO_TABLE_SPACE"
	case InternalError:
		return "INTERNAL_ERROR"
	case UnimplementedRequest:
		return "UNIMPLEMENTED_REQUEST"
	default:
		return fmt.Sprintf("STATUS(%d)", int(c))
	}
}

// Error wraps a Code with an optional underlying cause, so callers can
// either switch on Code directly or errors.As back to the status for
// logging.
type Error struct {
	Code  Code
	Cause error
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Cause: err}
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf projects any error onto a status Code, defaulting to
// InternalError for errors that were never classified.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if asError(err, &se) {
		return se.Code
	}
	return InternalError
}

// asError is a tiny indirection over errors.As so this file doesn't need to
// import "errors" just for one call site used twice.
func asError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// SegmentIteratorError is raised when a fetched segment fails an
// integrity check during replay: an entry fails checksum verification or
// the segment image cannot be decoded. Recovery treats this
// as a per-replica failure, not a fatal one (spec.md section 7).
type SegmentIteratorError struct {
	SegmentID uint64
	Cause     error
}

func (e *SegmentIteratorError) Error() string {
	return fmt.Sprintf("segment %d failed integrity check: %v", e.SegmentID, e.Cause)
}

func (e *SegmentIteratorError) Unwrap() error { return e.Cause }

// ServerNotUpError models a backup that failed to respond at all (the
// transport-level failure detector surfaced it). Recovery treats this the
// same as SegmentIteratorError: mark the replica FAILED, try a sibling.
type ServerNotUpError struct {
	BackupID uint64
}

func (e *ServerNotUpError) Error() string {
	return fmt.Sprintf("backup %d is not up", e.BackupID)
}

// SegmentRecoveryFailedError is fatal: some segmentId in the recovery
// partition had no surviving replica.
type SegmentRecoveryFailedError struct {
	SegmentID uint64
}

func (e *SegmentRecoveryFailedError) Error() string {
	return fmt.Sprintf("segment %d has no viable replica", e.SegmentID)
}
