package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common engine error conditions.
var (
	// ErrSessionExpired is returned when a cookie names a session the
	// store no longer knows. Resolve recovers by issuing a fresh session.
	ErrSessionExpired = errors.New("server: session expired")

	// ErrSessionClosed is returned when an operation is attempted on a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrActionNotFound is returned when an action id is unknown or has
	// been superseded by a re-render of its owning page.
	ErrActionNotFound = errors.New("server: action not found")

	// ErrMalformedBody is returned when a form body cannot be decoded
	// into a nested structure.
	ErrMalformedBody = errors.New("server: malformed body")

	// ErrDuplicateRoute is returned when a page is registered twice for
	// the same method and path. First registration wins.
	ErrDuplicateRoute = errors.New("server: duplicate route")

	// ErrMaxSessionsReached is returned when the maximum number of tracked sessions is reached.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrSendQueueFull is returned when a push channel's outbound queue
	// overflows and the connection is dropped as a slow consumer.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrSecureCookiesRequired is returned when SecureCookies is enabled
	// but the request did not arrive over a secure transport.
	ErrSecureCookiesRequired = errors.New("server: secure cookies required but request is not secure")
)

// BodyError wraps a body decode failure with the offending key.
type BodyError struct {
	Key string
	Err error
}

// Error returns the error message with the key that failed to decode.
func (e *BodyError) Error() string {
	return fmt.Sprintf("server: body key %q: %v", e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *BodyError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a panic that occurred in a page or action handler.
type HandlerError struct {
	SessionID string
	Route     string
	Panic     any
	Stack     []byte
}

// Error returns the error message.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("server: handler panic in session %s, route %s: %v",
		e.SessionID, e.Route, e.Panic)
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(sessionID, route string, panicVal any, stack []byte) *HandlerError {
	return &HandlerError{
		SessionID: sessionID,
		Route:     route,
		Panic:     panicVal,
		Stack:     stack,
	}
}

// SessionError wraps an error with session context for debugging.
type SessionError struct {
	SessionID string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *SessionError) Unwrap() error {
	return e.Err
}
