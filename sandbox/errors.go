package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies execution and transport failures.
type ErrorKind string

const (
	// Program-level kinds, reported in a failed Result.
	KindSyntaxError  ErrorKind = "SyntaxError"
	KindNameError    ErrorKind = "NameError"
	KindRuntimeError ErrorKind = "RuntimeError"
	KindTimeout      ErrorKind = "Timeout"
	KindCancelled    ErrorKind = "Cancelled"

	// Infrastructure kinds, returned as *Error.
	KindConnection         ErrorKind = "ConnectionError"
	KindMalformedResponse  ErrorKind = "MalformedResponse"
	KindBackendUnavailable ErrorKind = "BackendUnavailable"
	KindSessionNotFound    ErrorKind = "SessionNotFound"
	KindSessionState       ErrorKind = "SessionState"
	KindRequestRejected    ErrorKind = "RequestRejected"
)

var (
	// ErrBusy is returned when a session is used while an execution is running.
	ErrBusy = errors.New("session is executing")
	// ErrDestroyed is returned by operations on a destroyed session.
	ErrDestroyed = errors.New("session destroyed")
	// ErrFailed is returned by operations on a session in StateError.
	ErrFailed = errors.New("session failed; create a new session")
)

// Error is an infrastructure failure of a backend or session.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("sandbox %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Temporary reports whether retrying the operation on a new session may help.
func (e *Error) Temporary() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindBackendUnavailable:
		return true
	}
	return false
}

func newError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// KindOf returns the ErrorKind carried by err, or "" when err is not a
// sandbox error.
func KindOf(err error) ErrorKind {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr.Kind
	}
	return ""
}

func asError(op string, err error) *Error {
	var sbErr *Error
	if errors.As(err, &sbErr) {
		return sbErr
	}
	return newError(KindConnection, op, err)
}
