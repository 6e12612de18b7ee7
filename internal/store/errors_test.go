package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityErrorsWrapGeneric(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, ErrProcessNotFound, ErrNotFound)
	assert.ErrorIs(t, ErrProcessExists, ErrDuplicate)
	assert.NotErrorIs(t, ErrProcessExists, ErrNotFound)
}

func TestStoreError(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("%w: id 42", ErrProcessNotFound)
	err := NewStoreError("process", "update", "row missing", cause)

	assert.Equal(t, "update operation on process failed: row missing: entity not found: process: id 42", err.Error())
	assert.ErrorIs(t, err, ErrNotFound)

	var se *StoreError
	assert.True(t, errors.As(fmt.Errorf("outer: %w", err), &se))
	assert.Equal(t, "update", se.Operation)

	bare := NewStoreError("process", "insert", "constraint", nil)
	assert.Equal(t, "insert operation on process failed: constraint", bare.Error())
}
