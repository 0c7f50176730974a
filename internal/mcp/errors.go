package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisconnected is matched by every error reported after the server
// connection has been lost. Use errors.Is to test for it.
var ErrDisconnected = errors.New("mcp: server disconnected")

// ErrTimeout is matched by [*TimeoutError].
var ErrTimeout = errors.New("mcp: request timed out")

// SpawnError is returned when the server executable cannot be launched.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying exec error.
func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError is returned when a frame cannot be written to the server's
// stdin, typically because the pipe is closed.
type WriteError struct {
	Err error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("write frame: %v", e.Err)
}

// Unwrap returns the underlying I/O error.
func (e *WriteError) Unwrap() error { return e.Err }

// DecodeError reports bytes read from the server that do not form a
// well-formed frame. The session survives a DecodeError; the frame is
// dropped.
type DecodeError struct {
	Line []byte
	Err  error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	const maxShown = 120
	line := e.Line
	if len(line) > maxShown {
		line = line[:maxShown]
	}
	return fmt.Sprintf("decode frame %q: %v", line, e.Err)
}

// Unwrap returns the parse error.
func (e *DecodeError) Unwrap() error { return e.Err }

// DisconnectedError is delivered to every pending and subsequent call
// once the server's output stream has ended. Cause is the read error
// that ended the session (usually io.EOF).
type DisconnectedError struct {
	Cause error
}

// Error implements the error interface.
func (e *DisconnectedError) Error() string {
	if e.Cause == nil {
		return ErrDisconnected.Error()
	}
	return fmt.Sprintf("%s: %v", ErrDisconnected.Error(), e.Cause)
}

// Is reports whether target is [ErrDisconnected].
func (e *DisconnectedError) Is(target error) bool { return target == ErrDisconnected }

// Unwrap returns the cause.
func (e *DisconnectedError) Unwrap() error { return e.Cause }

// TimeoutError is returned when a response does not arrive within the
// per-request timeout. The request id is never reused; a late response
// is dropped.
type TimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d): no response within %s", e.Method, e.ID, e.Timeout)
}

// Is reports whether target is [ErrTimeout].
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// retryable reports whether err is transient enough to retry a
// read-only request.
func retryable(err error) bool {
	var we *WriteError
	return errors.Is(err, ErrTimeout) || errors.As(err, &we)
}
