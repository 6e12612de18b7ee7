package store

import (
	"errors"
	"fmt"
)

// Errors shared by every store implementation.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when a record violates a schema constraint.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrProcessNotFound indicates that the requested process record does not exist.
	ErrProcessNotFound = fmt.Errorf("%w: process", ErrNotFound)

	// ErrProcessExists indicates that a process with the same ID was already registered.
	ErrProcessExists = fmt.Errorf("%w: process", ErrDuplicate)
)

// StoreError carries the entity and operation of a failed store call.
type StoreError struct {
	Entity    string
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s operation on %s failed: %s: %v", e.Operation, e.Entity, e.Message, e.Err)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{Entity: entity, Operation: operation, Message: message, Err: err}
}
