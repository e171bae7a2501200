package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status Status
	Kind   Kind
}

func (f Filter) matches(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	return true
}

// Store owns Task records. All mutation flows through Create/Transition;
// no other component writes task state directly.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Create allocates an id and records a new pending task.
	Create(ctx context.Context, kind Kind, payload Payload) (Task, error)

	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id string) (Task, error)

	// List returns matching tasks in insertion order.
	List(ctx context.Context, f Filter) ([]Task, error)

	// Transition moves the task to status, enforcing the forward-only
	// lifecycle. result and failure are recorded only on the transition
	// into completed/failed respectively. Returns ErrNotFound or
	// ErrInvalidTransition.
	Transition(ctx context.Context, id string, status Status, result []byte, failure *Failure) (Task, error)

	// Delete removes a task. Only terminal-state tasks may be deleted;
	// ErrNotTerminal otherwise.
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps task records in memory, guarded by a mutex.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]Task
	order []string

	timeFunc func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]Task),
		timeFunc: func() time.Time { return time.Now().UTC() },
	}
}

// WithNow injects deterministic time for tests.
func (s *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	s.timeFunc = now
	return s
}

func (s *MemoryStore) Create(_ context.Context, kind Kind, payload Payload) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.timeFunc()
	t := Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return t, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if f.matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, status Status, result []byte, failure *Failure) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if !t.Status.CanTransition(status) {
		return Task{}, InvalidTransitionError(t.Status, status)
	}

	now := s.timeFunc()
	t.Status = status
	t.UpdatedAt = now

	switch status {
	case StatusRunning:
		started := now
		t.StartedAt = &started
	case StatusCompleted:
		ended := now
		t.EndedAt = &ended
		t.Result = append([]byte(nil), result...)
	case StatusFailed:
		ended := now
		t.EndedAt = &ended
		t.Error = failure
	case StatusStopped:
		ended := now
		t.EndedAt = &ended
	}

	s.tasks[id] = t
	return t, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Status.Terminal() {
		return ErrNotTerminal
	}
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Sweep removes terminal tasks whose last update is older than retention.
// Returns the number of removed records.
func (s *MemoryStore) Sweep(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.timeFunc().Add(-retention)
	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		if t.Status.Terminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}
