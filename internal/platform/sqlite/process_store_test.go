package sqlite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/domain"
	"github.com/phrazzld/casework/internal/registry"
	"github.com/phrazzld/casework/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *ProcessStore {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "casework.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewProcessStore(db)
}

func TestProcessStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	started := time.Date(2026, 5, 1, 8, 30, 0, 123456789, time.UTC)
	p := registry.Process{
		ID:          uuid.New(),
		CaseID:      "case-42",
		ProcessType: "disk_imaging",
		Status:      registry.StatusQueued,
		StartedAt:   started,
		UpdatedAt:   started,
		Category:    "disk_imaging",
		Priority:    "critical",
		Payload:     json.RawMessage(`{"command":"ewfacquire"}`),
		MaxAttempts: 3,
	}
	require.NoError(t, s.Insert(ctx, p))

	err := s.Insert(ctx, p)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, started.Equal(got.StartedAt))
	assert.Equal(t, "critical", got.Priority)
	assert.JSONEq(t, `{"command":"ewfacquire"}`, string(got.Payload))
	assert.Nil(t, got.Result)
	assert.Nil(t, got.CompletedAt)

	_, err = s.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessStoreRejectsEmptyCase(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	err := s.Insert(context.Background(), registry.Process{ID: uuid.New(), Status: registry.StatusRunning})

	assert.ErrorIs(t, err, store.ErrInvalidEntity)
}

func TestRegistryOnSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := registry.New(openTestStore(t), slog.New(slog.NewTextHandler(io.Discard, nil)))

	running, err := r.Register(ctx, registry.Process{ID: uuid.New(), CaseID: "case-1", ProcessType: "memory_capture"})
	require.NoError(t, err)
	progress := 35
	_, err = r.Update(ctx, registry.Update{ID: running.ID, Progress: &progress, Result: json.RawMessage(`{"pages":10}`)})
	require.NoError(t, err)

	queued, err := r.Register(ctx, registry.Process{ID: uuid.New(), CaseID: "case-1", Status: registry.StatusQueued})
	require.NoError(t, err)

	report, err := r.ReconcileOnStartup(ctx, func(uuid.UUID) bool { return false })
	require.NoError(t, err)
	require.Len(t, report.Interrupted, 1)
	assert.Equal(t, running.ID, report.Interrupted[0].ID)
	require.Len(t, report.Recoverable, 1)
	assert.Equal(t, queued.ID, report.Recoverable[0].ID)

	got, err := r.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInterrupted, got.Status)
	assert.Equal(t, 35, got.Progress)
	assert.JSONEq(t, `{"pages":10}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)

	_, err = r.Update(ctx, registry.Update{ID: running.ID, Status: registry.StatusCompleted})
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	list, err := r.Query(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, queued.ID, list[0].ID)
}
