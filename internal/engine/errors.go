package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed local or remote operation.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindUnauthorized     ErrorKind = "unauthorized"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindServerError      ErrorKind = "server_error"
	KindTimeout          ErrorKind = "timeout"
	KindLocked           ErrorKind = "locked"
	KindInvalidName      ErrorKind = "invalid_name"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindUnknown          ErrorKind = "unknown"
)

// OpError is the typed failure returned by collaborator clients.
type OpError struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *OpError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Message, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError builds a typed operation failure.
func NewOpError(kind ErrorKind, op, message string, err error) *OpError {
	return &OpError{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting to KindUnknown for untyped
// errors.
func KindOf(err error) ErrorKind {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether a failure should be retried through the
// blacklist queue. Untyped failures (plain I/O errors, broken pipes) count as
// transient; typed policy failures do not.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindServerError, KindTimeout, KindLocked, KindUnknown:
		return true
	case KindNotFound, KindUnauthorized, KindPermissionDenied, KindInvalidName, KindQuotaExceeded:
		return false
	}
	return true
}
