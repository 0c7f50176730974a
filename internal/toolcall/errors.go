package toolcall

import (
	"errors"
	"fmt"
)

// ErrToolNotFound is returned by [SchemaCache.Get] when the server does
// not advertise the named tool.
var ErrToolNotFound = errors.New("tool not found")

// UnknownToolError is returned by [Adapter.Invoke] for a tool name the
// server does not advertise. No tools/call is sent.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolName)
}

// Is reports whether target is [ErrToolNotFound].
func (e *UnknownToolError) Is(target error) bool { return target == ErrToolNotFound }

// InvalidTokenError is returned by [Adapter.Confirm] when the token was
// never issued, has expired, or was already used.
type InvalidTokenError struct {
	Token  string
	Reason string
}

// Error implements the error interface.
func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("confirmation token %q is %s", e.Token, e.Reason)
}

// CandidateIndexError is returned by [Adapter.Confirm] for an index
// outside the offered candidates. The token remains usable.
type CandidateIndexError struct {
	Index int
	Count int
}

// Error implements the error interface.
func (e *CandidateIndexError) Error() string {
	return fmt.Sprintf("candidate index %d out of range (%d candidates)", e.Index, e.Count)
}
