package task

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/registry"
)

// State is a task's lifecycle position.
type State string

// Task states. Completed, failed, cancelled and interrupted are terminal.
const (
	StateQueued      State = "queued"
	StateRunning     State = "running"
	StateRetrying    State = "retrying"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
	StateInterrupted State = "interrupted"
)

var transitions = map[State][]State{
	StateQueued:   {StateRunning, StateCancelled},
	StateRunning:  {StateCompleted, StateFailed, StateRetrying, StateCancelled, StateInterrupted},
	StateRetrying: {StateRunning, StateCancelled},
}

// Terminal reports whether s admits no further transition.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// CanTransition reports whether the state machine allows from → to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Priority orders pending tasks within a category.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority accepts the four priority names; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return p, nil
	default:
		return "", domain.NewValidationError("priority", fmt.Sprintf("unknown priority %q", s))
	}
}

// SubmitRequest describes work to admit.
type SubmitRequest struct {
	CaseID      string          `json:"case_id"`
	Category    string          `json:"category"`
	Priority    string          `json:"priority,omitempty"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// Handle is returned by Submit as soon as a task is accepted.
type Handle struct {
	ID       uuid.UUID `json:"task_id"`
	CaseID   string    `json:"case_id"`
	Category string    `json:"category"`
	State    State     `json:"state"`
}

// Task is a point-in-time view of a task.
type Task struct {
	ID            uuid.UUID       `json:"task_id"`
	CaseID        string          `json:"case_id"`
	Category      string          `json:"category"`
	Priority      Priority        `json:"priority"`
	State         State           `json:"state"`
	Attempt       int             `json:"attempt"`
	MaxAttempts   int             `json:"max_attempts"`
	Description   string          `json:"description,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Progress      int             `json:"progress"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// fromProcess rebuilds a task view from its persisted record, for tasks no
// longer held in memory.
func fromProcess(p registry.Process) Task {
	prio, err := ParsePriority(p.Priority)
	if err != nil {
		prio = PriorityNormal
	}
	t := Task{
		ID:          p.ID,
		CaseID:      p.CaseID,
		Category:    p.Category,
		Priority:    prio,
		State:       State(p.Status),
		Attempt:     p.Attempt,
		MaxAttempts: p.MaxAttempts,
		Description: p.Description,
		Progress:    p.Progress,
		SubmittedAt: p.StartedAt,
		CompletedAt: p.CompletedAt,
		Result:      p.Result,
		Error:       p.Error,
	}
	if t.Category == "" {
		t.Category = p.ProcessType
	}
	return t
}
