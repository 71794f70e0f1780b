package docker

import (
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies Docker Engine API failures.
type ErrorKind string

const (
	ErrKindNotFound    ErrorKind = "not_found"   // 404: container/image doesn't exist
	ErrKindConflict    ErrorKind = "conflict"    // 409: name conflict, already exists
	ErrKindTemporary   ErrorKind = "temporary"   // 5xx: server error, retryable
	ErrKindTimeout     ErrorKind = "timeout"     // request timeout
	ErrKindUnreachable ErrorKind = "unreachable" // cannot connect to Docker
	ErrKindBadRequest  ErrorKind = "bad_request" // 400: invalid parameters
	ErrKindForbidden   ErrorKind = "forbidden"   // 403: permission denied
	ErrKindUnknown     ErrorKind = "unknown"
)

// Error is a typed Docker API error.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Operation  string // e.g. "create", "start", "stop"
	Target     string // container name/ID or image name
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("docker %s %s: %s (cause: %v)", e.Operation, e.Target, e.Message, e.Cause)
	}
	return fmt.Sprintf("docker %s %s: %s", e.Operation, e.Target, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newAPIError(operation, target string, statusCode int, body string) *Error {
	err := &Error{
		Operation:  operation,
		Target:     target,
		StatusCode: statusCode,
		Message:    strings.TrimSpace(body),
	}

	switch {
	case statusCode == 404:
		err.Kind = ErrKindNotFound
	case statusCode == 409:
		err.Kind = ErrKindConflict
	case statusCode == 400:
		err.Kind = ErrKindBadRequest
	case statusCode == 403:
		err.Kind = ErrKindForbidden
	case statusCode >= 500:
		err.Kind = ErrKindTemporary
		err.Retryable = true
	default:
		err.Kind = ErrKindUnknown
	}
	return err
}

func newConnectionError(operation, target string, cause error) *Error {
	kind := ErrKindUnreachable
	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		kind = ErrKindTimeout
	}
	return &Error{
		Kind:      kind,
		Operation: operation,
		Target:    target,
		Message:   "connection failed",
		Retryable: true,
		Cause:     cause,
	}
}

// IsNotFound reports whether err is a 404 from the engine.
func IsNotFound(err error) bool {
	if de, ok := err.(*Error); ok {
		return de.Kind == ErrKindNotFound
	}
	return false
}

// IsConflict reports whether err is a 409 from the engine.
func IsConflict(err error) bool {
	if de, ok := err.(*Error); ok {
		return de.Kind == ErrKindConflict
	}
	return false
}

// IsTemporary reports whether err is worth retrying.
func IsTemporary(err error) bool {
	if de, ok := err.(*Error); ok {
		return de.Retryable
	}
	return false
}

// IsUnreachable reports whether the engine could not be reached at all.
func IsUnreachable(err error) bool {
	if de, ok := err.(*Error); ok {
		return de.Kind == ErrKindUnreachable || de.Kind == ErrKindTimeout
	}
	return false
}
