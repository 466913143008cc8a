package agent

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps agents in memory.
type MemoryStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent
	byExternal map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*Agent),
		byExternal: make(map[string]string),
	}
}

func clone(a *Agent) *Agent {
	cp := *a
	cp.Tags = slices.Clone(a.Tags)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byExternal[a.ExternalID]; taken {
		return ErrExternalIDTaken
	}
	m.agents[a.ID] = clone(a)
	m.byExternal[a.ExternalID] = a.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return clone(a), nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return clone(m.agents[id]), nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID, tag string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if a.OwnerID != ownerID || (tag != "" && !a.HasTag(tag)) {
			continue
		}
		out = append(out, clone(a))
	}
	slices.SortFunc(out, func(x, y *Agent) int {
		if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(x.ID, y.ID)
	})
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.agents[a.ID]
	if !ok {
		return ErrAgentNotFound
	}
	if old.ExternalID != a.ExternalID {
		if _, taken := m.byExternal[a.ExternalID]; taken {
			return ErrExternalIDTaken
		}
		delete(m.byExternal, old.ExternalID)
		m.byExternal[a.ExternalID] = a.ID
	}
	m.agents[a.ID] = clone(a)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	delete(m.byExternal, a.ExternalID)
	delete(m.agents, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
