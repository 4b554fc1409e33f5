package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures shared by every backend adapter and the
// orchestrator. Adapters close their stream with one of these rather than
// letting raw errors cross the boundary.
type ErrorKind string

const (
	ErrKindNotAvailable     ErrorKind = "backend_unavailable"
	ErrKindProcessFailure   ErrorKind = "process_failure"
	ErrKindProtocolError    ErrorKind = "protocol_error"
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindCancelled        ErrorKind = "cancelled"
	ErrKindDuplicateRequest ErrorKind = "duplicate_request"
	ErrKindRecoveryFailed   ErrorKind = "recovery_failed"
)

// Sentinels for errors.Is checks.
var (
	ErrNotAvailable     = &EngineError{Kind: ErrKindNotAvailable, Message: "backend unavailable"}
	ErrProcessFailure   = &EngineError{Kind: ErrKindProcessFailure, Message: "process failure"}
	ErrProtocolError    = &EngineError{Kind: ErrKindProtocolError, Message: "protocol error"}
	ErrTimeout          = &EngineError{Kind: ErrKindTimeout, Message: "timeout"}
	ErrCancelled        = &EngineError{Kind: ErrKindCancelled, Message: "cancelled"}
	ErrDuplicateRequest = &EngineError{Kind: ErrKindDuplicateRequest, Message: "request already in flight"}
	ErrRecoveryFailed   = &EngineError{Kind: ErrKindRecoveryFailed, Message: "recovery failed"}
)

// EngineError is a typed backend/orchestrator error.
type EngineError struct {
	Kind    ErrorKind
	Backend string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s: %s", e.Backend, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches any EngineError with the same kind, so callers can test against
// the sentinels above.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewEngineError builds a typed error for the given backend and kind.
func NewEngineError(kind ErrorKind, backend, message string, err error) *EngineError {
	return &EngineError{Kind: kind, Backend: backend, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, or ErrKindProcessFailure when err
// carries no classification.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindProcessFailure
}
