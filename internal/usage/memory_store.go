package usage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/voicedesk/voicedesk/internal/pagination"
)

// MemoryStore keeps usage records in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	byClient map[string][]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byClient: make(map[string][]*Record)}
}

func (m *MemoryStore) Append(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.byClient[r.ClientID] = append(m.byClient[r.ClientID], &cp)
	return nil
}

func (m *MemoryStore) ListByClient(_ context.Context, clientID string, limit int, after *pagination.Cursor) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, r := range m.byClient[clientID] {
		if after.Before(r.CreatedAt, r.ID) {
			cp := *r
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
