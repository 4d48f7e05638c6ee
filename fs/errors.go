package fs

import "fmt"

// Kind classifies an AFS-level failure so the executor and status handler
// can decide retry/ignore/abort policy without string-matching messages.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAccessDenied
	KindTransportError
	KindTimeout
	KindAuthFailed
	KindAlreadyExists
	KindMoveUnsupported
	KindFileLocked
	KindRecycleUnavailable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAccessDenied:
		return "AccessDenied"
	case KindTransportError:
		return "TransportError"
	case KindTimeout:
		return "Timeout"
	case KindAuthFailed:
		return "AuthFailed"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindMoveUnsupported:
		return "MoveUnsupported"
	case KindFileLocked:
		return "FileLocked"
	case KindRecycleUnavailable:
		return "RecycleUnavailable"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the executor's retry loop should attempt this
// kind of error again before escalating to the status handler.
func (k Kind) Retryable() bool {
	switch k {
	case KindAccessDenied, KindTransportError, KindTimeout, KindAuthFailed, KindFileLocked:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a Kind and the display path of the
// item the failure concerns: user-visible failures carry the display
// path of the involved item and a single-sentence cause.
type Error struct {
	Kind    Kind
	Path    string // display path, may be empty for process-level errors
	Cause   error
	Message string // single-sentence cause, used when Cause is nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an *Error with a formatted message.
func NewError(kind Kind, path string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Cause: cause, Message: fmt.Sprintf(format, args...)}
}
