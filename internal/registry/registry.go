package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/store"
)

// InterruptedReason is recorded on processes reclassified at startup.
const InterruptedReason = "interrupted: no live execution after restart"

// Registry validates and merges process changes on top of a Store.
type Registry struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Registry backed by s.
func New(s Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "process_registry"),
	}
}

// Register persists a new record. Status defaults to running and progress to 0.
func (r *Registry) Register(ctx context.Context, p Process) (Process, error) {
	if p.ID == uuid.Nil {
		return Process{}, domain.NewValidationError("process_id", "must be set")
	}
	if p.CaseID == "" {
		return Process{}, domain.NewValidationError("case_id", "must not be empty")
	}
	if p.Status == "" {
		p.Status = StatusRunning
	}
	if !p.Status.Valid() || p.Status.Terminal() {
		return Process{}, domain.NewValidationError("status", fmt.Sprintf("cannot register as %q", p.Status))
	}

	now := r.now()
	p.Progress = 0
	p.StartedAt = now
	p.UpdatedAt = now
	p.CompletedAt = nil

	if err := r.store.Insert(ctx, p); err != nil {
		return Process{}, &domain.PersistenceError{Op: "register process", Err: err}
	}

	r.logger.Debug("process registered",
		"process_id", p.ID,
		"case_id", p.CaseID,
		"process_type", p.ProcessType,
		"status", p.Status)
	return p, nil
}

// Update applies u transactionally. Repeating an update is harmless.
//
// Progress never decreases: a lower value than the stored one is ignored.
// A terminal record keeps its status; asking for a different status returns
// an AlreadyTerminalError and changes nothing.
func (r *Registry) Update(ctx context.Context, u Update) (Process, error) {
	if u.Status != "" && !u.Status.Valid() {
		return Process{}, domain.NewValidationError("status", fmt.Sprintf("unknown status %q", u.Status))
	}

	var terminal *domain.AlreadyTerminalError
	p, err := r.store.Apply(ctx, u.ID, func(p *Process, found bool) error {
		if !found {
			if u.CaseID == "" {
				return fmt.Errorf("%w: process %s", store.ErrProcessNotFound, u.ID)
			}
			now := r.now()
			*p = Process{
				ID:          u.ID,
				CaseID:      u.CaseID,
				ProcessType: u.ProcessType,
				Status:      StatusRunning,
				StartedAt:   now,
			}
		}
		if p.Status.Terminal() {
			if u.Status != "" && u.Status != p.Status {
				terminal = &domain.AlreadyTerminalError{ID: p.ID.String(), State: string(p.Status)}
				return terminal
			}
			return nil
		}
		r.merge(p, u)
		return nil
	})
	if err != nil {
		if terminal != nil {
			return Process{}, terminal
		}
		if errors.Is(err, store.ErrNotFound) {
			return Process{}, fmt.Errorf("%w: process %s", domain.ErrNotFound, u.ID)
		}
		return Process{}, &domain.PersistenceError{Op: "update process", Err: err}
	}
	return p, nil
}

func (r *Registry) merge(p *Process, u Update) {
	now := r.now()
	if u.Progress != nil {
		next := clampProgress(*u.Progress)
		if next > p.Progress {
			p.Progress = next
		}
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Result != nil {
		p.Result = u.Result
	}
	if u.Error != nil {
		p.Error = *u.Error
	}
	if u.Attempt != nil {
		p.Attempt = *u.Attempt
	}
	if u.Status != "" {
		p.Status = u.Status
		if u.Status.Terminal() {
			p.CompletedAt = &now
		}
		if u.Status == StatusCompleted {
			p.Progress = 100
		}
	}
	p.UpdatedAt = now
}

// ReconcileOnStartup reclassifies every running record with no live
// counterpart as interrupted. It never resumes or completes such work.
// Queued and retrying records are returned as recoverable.
func (r *Registry) ReconcileOnStartup(ctx context.Context, isLive func(uuid.UUID) bool) (Report, error) {
	var report Report

	running, err := r.store.ListByStatus(ctx, StatusRunning)
	if err != nil {
		return report, &domain.PersistenceError{Op: "list running processes", Err: err}
	}

	reason := InterruptedReason
	for _, p := range running {
		if isLive != nil && isLive(p.ID) {
			continue
		}
		updated, err := r.store.Apply(ctx, p.ID, func(cur *Process, found bool) error {
			if !found {
				return fmt.Errorf("%w: process %s", store.ErrProcessNotFound, p.ID)
			}
			if cur.Status != StatusRunning {
				return nil
			}
			r.merge(cur, Update{Status: StatusInterrupted, Error: &reason})
			return nil
		})
		if err != nil {
			r.logger.Error("failed to mark process interrupted",
				"process_id", p.ID,
				"error", err)
			return report, &domain.PersistenceError{Op: "reconcile process", Err: err}
		}
		if updated.Status == StatusInterrupted {
			report.Interrupted = append(report.Interrupted, updated)
		}
	}

	pending, err := r.store.ListByStatus(ctx, StatusQueued, StatusRetrying)
	if err != nil {
		return report, &domain.PersistenceError{Op: "list pending processes", Err: err}
	}
	for _, p := range pending {
		if isLive != nil && isLive(p.ID) {
			continue
		}
		report.Recoverable = append(report.Recoverable, p)
	}

	r.logger.Info("process registry reconciled",
		"interrupted", len(report.Interrupted),
		"recoverable", len(report.Recoverable))
	return report, nil
}

// Query lists the processes of a case, newest first.
func (r *Registry) Query(ctx context.Context, caseID string) ([]Process, error) {
	if caseID == "" {
		return nil, domain.NewValidationError("case_id", "must not be empty")
	}
	ps, err := r.store.ListByCase(ctx, caseID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "query processes", Err: err}
	}
	return ps, nil
}

// Get returns one process.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Process, error) {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Process{}, fmt.Errorf("%w: process %s", domain.ErrNotFound, id)
		}
		return Process{}, &domain.PersistenceError{Op: "get process", Err: err}
	}
	return p, nil
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
