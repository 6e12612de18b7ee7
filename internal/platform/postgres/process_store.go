package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/platform/logger"
	"github.com/phrazzld/casework/internal/registry"
	"github.com/phrazzld/casework/internal/store"
)

const processColumns = `process_id, case_id, process_type, status, progress, description,
	started_at, updated_at, completed_at, result, error,
	category, priority, payload, attempt, max_attempts`

// maxApplyAttempts bounds retries of an Apply transaction that lost a
// serialization conflict.
const maxApplyAttempts = 3

// ProcessStore implements registry.Store on PostgreSQL.
type ProcessStore struct {
	db *sql.DB
}

// NewProcessStore creates a ProcessStore over an open pgx-backed *sql.DB.
func NewProcessStore(db *sql.DB) *ProcessStore {
	return &ProcessStore{db: db}
}

var _ registry.Store = (*ProcessStore)(nil)

// Insert persists a new process record.
func (s *ProcessStore) Insert(ctx context.Context, p registry.Process) error {
	if err := insertProcess(ctx, s.db, p); err != nil {
		logger.FromContext(ctx).Error("failed to insert process",
			"process_id", p.ID,
			"case_id", p.CaseID,
			"error", err)
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrProcessExists, err)
		}
		return MapError(err)
	}
	return nil
}

// Apply locks the row for id with SELECT ... FOR UPDATE, lets fn mutate it and
// writes the result back in the same transaction.
func (s *ProcessStore) Apply(
	ctx context.Context,
	id uuid.UUID,
	fn func(*registry.Process, bool) error,
) (registry.Process, error) {
	var out registry.Process
	var err error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		err = s.applyOnce(ctx, id, fn, &out)
		if !IsSerializationFailure(err) {
			break
		}
		logger.FromContext(ctx).Warn("process update conflicted, retrying",
			"process_id", id,
			"attempt", attempt)
	}
	if err != nil {
		return registry.Process{}, err
	}
	return out, nil
}

func (s *ProcessStore) applyOnce(
	ctx context.Context,
	id uuid.UUID,
	fn func(*registry.Process, bool) error,
	out *registry.Process,
) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+processColumns+` FROM processes WHERE process_id = $1 FOR UPDATE`, id)
		p, err := scanProcess(row)
		found := true
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			p = registry.Process{}
		} else if err != nil {
			return store.NewStoreError("process", "lock", "select for update failed", MapError(err))
		}

		if err := fn(&p, found); err != nil {
			return err
		}

		if !found {
			if err := insertProcess(ctx, tx, p); err != nil {
				return store.NewStoreError("process", "insert", "upsert failed", MapError(err))
			}
			*out = p
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE processes
			SET status = $2, progress = $3, description = $4, updated_at = $5,
			    completed_at = $6, result = $7, error = $8, attempt = $9
			WHERE process_id = $1`,
			p.ID, string(p.Status), p.Progress, p.Description, p.UpdatedAt,
			nullTime(p.CompletedAt), nullJSON(p.Result), p.Error, p.Attempt,
		)
		if err != nil {
			return store.NewStoreError("process", "update", "write back failed", MapError(err))
		}
		if err := CheckRowsAffected(res, "process"); err != nil {
			return err
		}
		*out = p
		return nil
	})
}

// Get returns the process with id.
func (s *ProcessStore) Get(ctx context.Context, id uuid.UUID) (registry.Process, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM processes WHERE process_id = $1`, id)
	p, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Process{}, fmt.Errorf("%w: %s", store.ErrProcessNotFound, id)
		}
		return registry.Process{}, MapError(err)
	}
	return p, nil
}

// ListByStatus returns processes in any of statuses, oldest first.
func (s *ProcessStore) ListByStatus(ctx context.Context, statuses ...registry.Status) ([]registry.Process, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	query := `SELECT ` + processColumns + ` FROM processes
		WHERE status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY started_at ASC`
	return s.query(ctx, query, args...)
}

// ListByCase returns the processes of caseID, newest first.
func (s *ProcessStore) ListByCase(ctx context.Context, caseID string) ([]registry.Process, error) {
	return s.query(ctx, `SELECT `+processColumns+` FROM processes
		WHERE case_id = $1
		ORDER BY started_at DESC`, caseID)
}

func (s *ProcessStore) query(ctx context.Context, query string, args ...any) ([]registry.Process, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query processes", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []registry.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate processes: %w", err)
	}
	return out, nil
}

func insertProcess(ctx context.Context, db store.DBTX, p registry.Process) error {
	_, err := db.ExecContext(ctx, `INSERT INTO processes (`+processColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		p.ID, p.CaseID, p.ProcessType, string(p.Status), p.Progress, p.Description,
		p.StartedAt, p.UpdatedAt, nullTime(p.CompletedAt), nullJSON(p.Result), p.Error,
		p.Category, p.Priority, nullJSON(p.Payload), p.Attempt, p.MaxAttempts,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(row scanner) (registry.Process, error) {
	var (
		p           registry.Process
		status      string
		completedAt sql.NullTime
		result      []byte
		payload     []byte
	)
	err := row.Scan(
		&p.ID, &p.CaseID, &p.ProcessType, &status, &p.Progress, &p.Description,
		&p.StartedAt, &p.UpdatedAt, &completedAt, &result, &p.Error,
		&p.Category, &p.Priority, &payload, &p.Attempt, &p.MaxAttempts,
	)
	if err != nil {
		return registry.Process{}, err
	}
	p.Status = registry.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	p.Result = result
	p.Payload = payload
	return p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
