// Package sqlite stores process records in a local SQLite file for
// single-node deployments that run without PostgreSQL.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/registry"
	"github.com/phrazzld/casework/internal/store"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

const schema = `
CREATE TABLE IF NOT EXISTS processes (
    process_id   TEXT PRIMARY KEY,
    case_id      TEXT NOT NULL CHECK (case_id <> ''),
    process_type TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    progress     INTEGER NOT NULL DEFAULT 0,
    description  TEXT NOT NULL DEFAULT '',
    started_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL,
    completed_at TEXT,
    result       TEXT,
    error        TEXT NOT NULL DEFAULT '',
    category     TEXT NOT NULL DEFAULT '',
    priority     TEXT NOT NULL DEFAULT 'normal',
    payload      TEXT,
    attempt      INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_processes_case_id ON processes (case_id, started_at);
CREATE INDEX IF NOT EXISTS idx_processes_status ON processes (status);
`

// timeLayout is fixed width so that TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const processColumns = `process_id, case_id, process_type, status, progress, description,
	started_at, updated_at, completed_at, result, error,
	category, priority, payload, attempt, max_attempts`

// Open opens (creating if needed) the SQLite database at path and ensures the
// schema exists. SQLite allows one writer, so the pool is a single connection;
// that also serializes Apply transactions.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// ProcessStore implements registry.Store on SQLite.
type ProcessStore struct {
	db *sql.DB
}

// NewProcessStore creates a ProcessStore over a database opened with Open.
func NewProcessStore(db *sql.DB) *ProcessStore {
	return &ProcessStore{db: db}
}

var _ registry.Store = (*ProcessStore)(nil)

// Insert persists a new process record.
func (s *ProcessStore) Insert(ctx context.Context, p registry.Process) error {
	if err := insertProcess(ctx, s.db, p); err != nil {
		return mapError(err)
	}
	return nil
}

// Apply reads, mutates and writes one row inside a single transaction.
func (s *ProcessStore) Apply(
	ctx context.Context,
	id uuid.UUID,
	fn func(*registry.Process, bool) error,
) (registry.Process, error) {
	var out registry.Process
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+processColumns+` FROM processes WHERE process_id = ?`, id.String())
		p, err := scanProcess(row)
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if !found {
			p = registry.Process{}
		}

		if err := fn(&p, found); err != nil {
			return err
		}

		if !found {
			if err := insertProcess(ctx, tx, p); err != nil {
				return mapError(err)
			}
			out = p
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE processes
			SET status = ?, progress = ?, description = ?, updated_at = ?,
			    completed_at = ?, result = ?, error = ?, attempt = ?
			WHERE process_id = ?`,
			string(p.Status), p.Progress, p.Description, formatTime(p.UpdatedAt),
			formatTimePtr(p.CompletedAt), nullText(p.Result), p.Error, p.Attempt,
			p.ID.String(),
		)
		if err != nil {
			return mapError(err)
		}
		out = p
		return nil
	})
	if err != nil {
		return registry.Process{}, err
	}
	return out, nil
}

// Get returns the process with id.
func (s *ProcessStore) Get(ctx context.Context, id uuid.UUID) (registry.Process, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+processColumns+` FROM processes WHERE process_id = ?`, id.String())
	p, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Process{}, fmt.Errorf("%w: %s", store.ErrProcessNotFound, id)
	}
	return p, err
}

// ListByStatus returns processes in any of statuses, oldest first.
func (s *ProcessStore) ListByStatus(ctx context.Context, statuses ...registry.Status) ([]registry.Process, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	return s.query(ctx, `SELECT `+processColumns+` FROM processes
		WHERE status IN (`+marks+`) ORDER BY started_at ASC`, args...)
}

// ListByCase returns the processes of caseID, newest first.
func (s *ProcessStore) ListByCase(ctx context.Context, caseID string) ([]registry.Process, error) {
	return s.query(ctx, `SELECT `+processColumns+` FROM processes
		WHERE case_id = ? ORDER BY started_at DESC`, caseID)
}

func (s *ProcessStore) query(ctx context.Context, query string, args ...any) ([]registry.Process, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query processes: %w", err)
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
	return out, rows.Err()
}

func insertProcess(ctx context.Context, db store.DBTX, p registry.Process) error {
	_, err := db.ExecContext(ctx, `INSERT INTO processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.CaseID, p.ProcessType, string(p.Status), p.Progress, p.Description,
		formatTime(p.StartedAt), formatTime(p.UpdatedAt), formatTimePtr(p.CompletedAt),
		nullText(p.Result), p.Error,
		p.Category, p.Priority, nullText(p.Payload), p.Attempt, p.MaxAttempts,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProcess(row scanner) (registry.Process, error) {
	var (
		p                registry.Process
		id, status       string
		started, updated string
		completed        sql.NullString
		result, payload  sql.NullString
	)
	err := row.Scan(
		&id, &p.CaseID, &p.ProcessType, &status, &p.Progress, &p.Description,
		&started, &updated, &completed, &result, &p.Error,
		&p.Category, &p.Priority, &payload, &p.Attempt, &p.MaxAttempts,
	)
	if err != nil {
		return registry.Process{}, err
	}

	if p.ID, err = uuid.Parse(id); err != nil {
		return registry.Process{}, fmt.Errorf("invalid process_id %q: %w", id, err)
	}
	p.Status = registry.Status(status)
	if p.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return registry.Process{}, fmt.Errorf("invalid started_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return registry.Process{}, fmt.Errorf("invalid updated_at: %w", err)
	}
	if completed.Valid {
		t, err := time.Parse(timeLayout, completed.String)
		if err != nil {
			return registry.Process{}, fmt.Errorf("invalid completed_at: %w", err)
		}
		p.CompletedAt = &t
	}
	if result.Valid {
		p.Result = []byte(result.String)
	}
	if payload.Valid {
		p.Payload = []byte(payload.String)
	}
	return p, nil
}

func mapError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", store.ErrProcessExists, err)
	case strings.Contains(msg, "CHECK constraint failed"), strings.Contains(msg, "NOT NULL constraint failed"):
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
