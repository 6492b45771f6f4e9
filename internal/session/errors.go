package session

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes the failures a session reports.
type ErrorKind int

const (
	// KindBusy rejects a submission while another turn is streaming.
	KindBusy ErrorKind = iota + 1
	// KindTransportFailure means the request could not be sent, the server answered with a non-2xx
	// status, or the stream broke or reported an error.
	KindTransportFailure
	// KindMalformedChunk marks one stream object that failed to parse. It is always recovered.
	KindMalformedChunk
	// KindTimeout means no bytes arrived within the idle-read window.
	KindTimeout
	// KindPersistenceFailure means the finished transcript could not be saved.
	KindPersistenceFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindTransportFailure:
		return "transport failure"
	case KindMalformedChunk:
		return "malformed chunk"
	case KindTimeout:
		return "timeout"
	case KindPersistenceFailure:
		return "persistence failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a session failure of a given kind, wrapping its cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Sentinel errors, one per kind. errors.Is matches any *Error of the same kind against them.
var (
	ErrBusy               = &Error{Kind: KindBusy}
	ErrTransportFailure   = &Error{Kind: KindTransportFailure}
	ErrMalformedChunk     = &Error{Kind: KindMalformedChunk}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrPersistenceFailure = &Error{Kind: KindPersistenceFailure}
)

// ErrEmptyMessage rejects a submission with neither text nor attachments.
var ErrEmptyMessage = errors.New("message is empty")

// errCancelled is the cancellation cause of a turn stopped by Cancel.
var errCancelled = errors.New("turn cancelled")

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or zero if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
