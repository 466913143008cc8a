package scheduler

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps jobs in memory.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func byFireAt(a, b *Job) int {
	if c := a.FireAt.Compare(b.FireAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string, liveOnly bool) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Job
	for _, j := range m.jobs {
		if j.ClientID != clientID || (liveOnly && !j.Status.Live()) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	slices.SortFunc(out, byFireAt)
	return out, nil
}

func (m *MemoryStore) Claim(_ context.Context, now, staleBefore time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Job
	for _, j := range m.jobs {
		switch {
		case j.Status == StatusPending && !j.FireAt.After(now):
			due = append(due, j)
		case j.Status == StatusRunning && j.UpdatedAt.Before(staleBefore):
			due = append(due, j)
		}
	}
	slices.SortFunc(due, byFireAt)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.Status = StatusRunning
		j.Attempts++
		j.UpdatedAt = now
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status.Live() {
		j.Status = StatusCancelled
		j.UpdatedAt = now
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, status Status, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != StatusRunning {
		return nil
	}
	j.Status = status
	j.LastError = lastError
	j.UpdatedAt = now
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, id string, fireAt time.Time, lastError string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != StatusRunning {
		return nil
	}
	j.Status = StatusPending
	j.FireAt = fireAt
	j.LastError = lastError
	j.UpdatedAt = now
	return nil
}

var _ Store = (*MemoryStore)(nil)
