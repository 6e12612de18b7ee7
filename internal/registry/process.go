// Package registry keeps the durable record of long-running work so that
// clients can rebuild their view after a reconnect and the scheduler can
// tell which work was cut short by a restart.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the persisted lifecycle state of a process.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusRetrying    Status = "retrying"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusRetrying,
		StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	}
	return false
}

// Process is one persisted record. The retry columns (Category through
// MaxAttempts) let queued and retrying work be re-admitted after a restart.
type Process struct {
	ID          uuid.UUID       `json:"process_id"`
	CaseID      string          `json:"case_id"`
	ProcessType string          `json:"process_type"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Description string          `json:"description,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`

	Category    string          `json:"category,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"-"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
}

// Update is a partial change to a process. Nil fields are left untouched.
// When no record exists yet and CaseID is set, the update creates one.
type Update struct {
	ID          uuid.UUID
	CaseID      string
	ProcessType string
	Status      Status
	Progress    *int
	Description *string
	Result      json.RawMessage
	Error       *string
	Attempt     *int
}

// Store persists process records. Apply must run fn inside a transaction that
// holds the row for id exclusively; found is false when no row exists, and a
// nil return from fn then inserts *p.
type Store interface {
	Insert(ctx context.Context, p Process) error
	Apply(ctx context.Context, id uuid.UUID, fn func(p *Process, found bool) error) (Process, error)
	Get(ctx context.Context, id uuid.UUID) (Process, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Process, error)
	ListByCase(ctx context.Context, caseID string) ([]Process, error)
}

// Report summarizes a startup reconciliation.
type Report struct {
	Interrupted []Process
	Recoverable []Process
}
