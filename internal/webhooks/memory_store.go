package webhooks

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps endpoints in memory.
type MemoryStore struct {
	eps map[string]*Endpoint
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		eps: make(map[string]*Endpoint),
	}
}

func clone(ep *Endpoint) *Endpoint {
	cp := *ep
	cp.Events = slices.Clone(ep.Events)
	if ep.LastSuccess != nil {
		t := *ep.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, ep *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eps[ep.ID] = clone(ep)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ep, ok := m.eps[id]; ok {
		return clone(ep), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Endpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Endpoint
	for _, ep := range m.eps {
		if ep.OwnerID == ownerID {
			result = append(result, clone(ep))
		}
	}
	slices.SortFunc(result, func(a, b *Endpoint) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return result, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, at time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.eps[id]
	if !ok {
		return ErrNotFound
	}
	if errMsg == "" {
		ep.LastSuccess = &at
	}
	ep.LastError = errMsg
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.eps[id]; !ok {
		return ErrNotFound
	}
	delete(m.eps, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
