package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/casework/internal/store"
)

// MemoryStore is a Store kept in process memory. It is used by tests and by
// deployments that run without a database.
type MemoryStore struct {
	mu    sync.Mutex
	procs map[uuid.UUID]Process
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{procs: make(map[uuid.UUID]Process)}
}

var _ Store = (*MemoryStore)(nil)

// Insert stores p, failing if the ID is taken.
func (s *MemoryStore) Insert(_ context.Context, p Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[p.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrProcessExists, p.ID)
	}
	s.procs[p.ID] = clone(p)
	return nil
}

// Apply runs fn under the store lock and saves the result when fn succeeds.
func (s *MemoryStore) Apply(_ context.Context, id uuid.UUID, fn func(*Process, bool) error) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found := s.procs[id]
	p := clone(cur)
	if err := fn(&p, found); err != nil {
		return Process{}, err
	}
	s.procs[id] = clone(p)
	return p, nil
}

// Get returns the process with id.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return Process{}, fmt.Errorf("%w: %s", store.ErrProcessNotFound, id)
	}
	return clone(p), nil
}

// ListByStatus returns processes in any of statuses, oldest first.
func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]Process, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	var out []Process
	for _, p := range s.procs {
		if want[p.Status] {
			out = append(out, clone(p))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ListByCase returns the processes of caseID, newest first.
func (s *MemoryStore) ListByCase(_ context.Context, caseID string) ([]Process, error) {
	s.mu.Lock()
	var out []Process
	for _, p := range s.procs {
		if p.CaseID == caseID {
			out = append(out, clone(p))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func clone(p Process) Process {
	if p.Result != nil {
		p.Result = append(json.RawMessage(nil), p.Result...)
	}
	if p.Payload != nil {
		p.Payload = append(json.RawMessage(nil), p.Payload...)
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		p.CompletedAt = &t
	}
	return p
}
