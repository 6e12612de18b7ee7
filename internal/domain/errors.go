// Package domain defines the error taxonomy shared by the orchestration core.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Typed errors below wrap one of these so callers can use
// errors.Is for classification and errors.As for details.
var (
	// ErrValidation is returned when input is rejected before any work is accepted.
	// It is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrTransient marks failures worth retrying: timeouts, connection resets.
	ErrTransient = errors.New("transient failure")

	// ErrPermanent marks execution failures that must not be retried.
	ErrPermanent = errors.New("permanent failure")

	// ErrBackendUnavailable is returned when a provider backend fails a probe or call.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackpressure is returned when a queue is at capacity.
	ErrBackpressure = errors.New("backpressure")

	// ErrPersistence is returned when the durable store rejects an operation.
	ErrPersistence = errors.New("persistence failure")

	// ErrAlreadyTerminal is returned when an operation targets finished work.
	ErrAlreadyTerminal = errors.New("already terminal")

	// ErrNotFound is returned when a task, process or stream is unknown.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the permission gate denies an operation.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// TransientError wraps a retryable failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

// BackendUnavailableError names the backend that could not serve a request.
type BackendUnavailableError struct {
	BackendID string
	Err       error
}

func (e *BackendUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend %s unavailable: %v", e.BackendID, e.Err)
	}
	return fmt.Sprintf("backend %s unavailable", e.BackendID)
}

func (e *BackendUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBackendUnavailable}
	}
	return []error{ErrBackendUnavailable, e.Err}
}

// BackpressureError reports a full category backlog.
type BackpressureError struct {
	Category   string
	Backlog    int
	RetryAfter time.Duration
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("category %s backlog full (%d pending)", e.Category, e.Backlog)
}

func (e *BackpressureError) Unwrap() error { return ErrBackpressure }

// PersistenceError scopes a store failure to the operation that needed it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: persistence failure: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// AlreadyTerminalError is returned when cancelling or updating finished work.
type AlreadyTerminalError struct {
	ID    string
	State string
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("%s is already %s", e.ID, e.State)
}

func (e *AlreadyTerminalError) Unwrap() error { return ErrAlreadyTerminal }

// ForbiddenError carries the permission gate's reason code.
type ForbiddenError struct {
	Capability string
	Reason     string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s denied: %s", e.Capability, e.Reason)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsRetryable reports whether a task failure should be retried.
// Validation and permanent failures never are; everything else is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrPermanent) &&
		!errors.Is(err, ErrForbidden)
}
