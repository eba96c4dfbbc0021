package services

import (
	"errors"
	"fmt"

	"github.com/escrow-market/backend/internal/storage"
)

// ErrNotFound aliases the storage sentinel so callers only import this
// package.
var ErrNotFound = storage.ErrNotFound

// PermissionError: the actor's role is not entitled to the requested
// transition.
type PermissionError struct {
	ActorType string
	From      string
	To        string
}

func (e *PermissionError) Error() string {
	actor := e.ActorType
	if actor == "" {
		actor = "a non-party"
	}
	return fmt.Sprintf("cannot transition from %s to %s as %s", e.From, e.To, actor)
}

// ValidationError: missing required fields or an unreachable target.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ConflictError: no-op transition or a duplicate active timeout.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// TransientError wraps infrastructure hiccups the job runtime should
// retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTerminalFailure reports whether an error is a definitive rejection
// (permission, validation, conflict, not-found) rather than something
// retryable.
func IsTerminalFailure(err error) bool {
	var perm *PermissionError
	var val *ValidationError
	var conf *ConflictError
	return errors.As(err, &perm) || errors.As(err, &val) || errors.As(err, &conf) || errors.Is(err, ErrNotFound)
}
