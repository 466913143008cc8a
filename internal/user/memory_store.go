package user

import (
	"context"
	"sync"
)

// MemoryStore keeps users in memory for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*User
	byEmail map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func clone(u *User) *User {
	cp := *u
	cp.VendorKeySealed = append([]byte(nil), u.VendorKeySealed...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byEmail[u.Email]; exists {
		return ErrEmailTaken
	}
	m.users[u.ID] = clone(u)
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return clone(u), nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return clone(m.users[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.users[u.ID]
	if !ok {
		return ErrUserNotFound
	}
	if old.Email != u.Email {
		if _, taken := m.byEmail[u.Email]; taken {
			return ErrEmailTaken
		}
		delete(m.byEmail, old.Email)
		m.byEmail[u.Email] = u.ID
	}
	m.users[u.ID] = clone(u)
	return nil
}

var _ Store = (*MemoryStore)(nil)
