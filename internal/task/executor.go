package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/phrazzld/casework/internal/events"
	"github.com/phrazzld/casework/internal/registry"
)

// Executor runs one attempt of a task. A non-nil result returned together
// with an error is kept as the task's partial result.
//
// Return an error wrapping domain.ErrPermanent or a domain.ValidationError
// for failures that retrying cannot fix. ctx is cancelled when the task is
// cancelled or the scheduler stops.
type Executor interface {
	Execute(ctx context.Context, run *Run) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, run *Run) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, run *Run) (json.RawMessage, error) {
	return f(ctx, run)
}

// Run is an executor's handle on the attempt it is running.
type Run struct {
	// Task is the task as it was when the attempt started.
	Task Task

	s *Scheduler
	j *job
}

// Emit publishes rec into the task's event feed.
func (r *Run) Emit(rec events.Record) {
	r.s.publish(r.Task.ID.String(), rec)
}

// Progress records completion percentage pct and an optional description.
// Progress never moves backwards.
func (r *Run) Progress(pct int, description string) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	r.s.mu.Lock()
	if pct > r.j.task.Progress {
		r.j.task.Progress = pct
	}
	if description != "" {
		r.j.task.Description = description
	}
	r.s.mu.Unlock()

	u := registry.Update{ID: r.Task.ID, Progress: &pct}
	if description != "" {
		u.Description = &description
	}
	r.s.persist("progress", u)

	msg := fmt.Sprintf("progress %d%%", pct)
	if description != "" {
		msg = fmt.Sprintf("progress %d%%: %s", pct, description)
	}
	r.Emit(events.Info("%s", msg).WithPayload(map[string]any{"progress": pct}))
}

// Partial stores an intermediate result that survives a later failure.
func (r *Run) Partial(result json.RawMessage) {
	if len(result) == 0 {
		return
	}
	r.s.mu.Lock()
	r.j.task.Result = result
	r.s.mu.Unlock()
	r.s.persist("partial result", registry.Update{ID: r.Task.ID, Result: result})
}
