package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the user refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrTransport marks a failed or closed client socket.
	ErrTransport = errors.New("transport error")
	// ErrInvalidSessionState marks an operation on a session that is not active.
	ErrInvalidSessionState = errors.New("invalid session state")
	// ErrSessionExists is returned when a start targets an id already in use.
	ErrSessionExists = errors.New("session already exists")
	// ErrUnknownSession is returned when no session has the given id.
	ErrUnknownSession = errors.New("unknown session")
)

// UpstreamError wraps a failure reported by, or while talking to, the
// upstream speech provider. Its message is surfaced to the user verbatim.
type UpstreamError struct {
	Code string
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewUpstreamError wraps err as an UpstreamError.
func NewUpstreamError(code string, err error) *UpstreamError {
	return &UpstreamError{Code: code, Err: err}
}
