package client

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/voicedesk/voicedesk/internal/syncutil"
)

// MemoryStore keeps clients in memory. Mutations of one client are
// serialized with a sharded lock; the maps are guarded by mu.
type MemoryStore struct {
	locks syncutil.ShardedMutex

	mu         sync.RWMutex
	clients    map[string]*Client
	byUsername map[string]string
	byEmail    map[string]string
	byAgent    map[string]map[string]struct{} // agent ID -> client IDs
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:    make(map[string]*Client),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		byAgent:    make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Create(_ context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byUsername[c.Username]; taken {
		return ErrUsernameTaken
	}
	if c.Email != "" {
		if _, taken := m.byEmail[c.Email]; taken {
			return ErrEmailTaken
		}
		m.byEmail[c.Email] = c.ID
	}
	cp := c.Clone()
	cp.AgentIDs = nil
	m.clients[c.ID] = cp
	m.byUsername[c.Username] = c.ID
	for _, a := range c.AgentIDs {
		m.assignLocked(c.ID, a)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) GetByUsername(ctx context.Context, username string) (*Client, error) {
	m.mu.RLock()
	id, ok := m.byUsername[username]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotFound
	}
	return m.Get(ctx, id)
}

func sortClients(out []*Client) {
	slices.SortFunc(out, func(a, b *Client) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Client
	for _, c := range m.clients {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sortClients(out)
	return out, nil
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byAgent[agentID]
	out := make([]*Client, 0, len(ids))
	for id := range ids {
		if c, ok := m.clients[id]; ok {
			out = append(out, c.Clone())
		}
	}
	sortClients(out)
	return out, nil
}

func (m *MemoryStore) Mutate(_ context.Context, id string, fn MutateFunc) (*Client, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	cur, ok := m.clients[id]
	var work *Client
	if ok {
		work = cur.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrClientNotFound
	}

	if err := fn(work); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok = m.clients[id]
	if !ok {
		return nil, ErrClientNotFound
	}
	if work.Email != cur.Email {
		if work.Email != "" {
			if _, taken := m.byEmail[work.Email]; taken {
				return nil, ErrEmailTaken
			}
			m.byEmail[work.Email] = id
		}
		if cur.Email != "" {
			delete(m.byEmail, cur.Email)
		}
	}
	// identity and assignments are not mutable through Mutate
	work.ID, work.OwnerID, work.Username, work.CreatedAt = cur.ID, cur.OwnerID, cur.Username, cur.CreatedAt
	work.AgentIDs = slices.Clone(cur.AgentIDs)
	m.clients[id] = work.Clone()
	return work, nil
}

// caller holds m.mu
func (m *MemoryStore) assignLocked(clientID, agentID string) {
	c := m.clients[clientID]
	if !c.HasAgent(agentID) {
		c.AgentIDs = append(c.AgentIDs, agentID)
		slices.Sort(c.AgentIDs)
	}
	set, ok := m.byAgent[agentID]
	if !ok {
		set = make(map[string]struct{})
		m.byAgent[agentID] = set
	}
	set[clientID] = struct{}{}
}

// caller holds m.mu
func (m *MemoryStore) unassignLocked(clientID, agentID string) {
	if c, ok := m.clients[clientID]; ok {
		c.AgentIDs = slices.DeleteFunc(c.AgentIDs, func(a string) bool { return a == agentID })
	}
	if set, ok := m.byAgent[agentID]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.byAgent, agentID)
		}
	}
}

func (m *MemoryStore) AssignAgent(_ context.Context, clientID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return ErrClientNotFound
	}
	m.assignLocked(clientID, agentID)
	return nil
}

func (m *MemoryStore) UnassignAgent(_ context.Context, clientID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	if !c.HasAgent(agentID) {
		return ErrNotAssigned
	}
	m.unassignLocked(clientID, agentID)
	return nil
}

func (m *MemoryStore) UnassignAgentEverywhere(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for clientID := range m.byAgent[agentID] {
		m.unassignLocked(clientID, agentID)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	for _, a := range slices.Clone(c.AgentIDs) {
		m.unassignLocked(id, a)
	}
	delete(m.byUsername, c.Username)
	if c.Email != "" {
		delete(m.byEmail, c.Email)
	}
	delete(m.clients, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
