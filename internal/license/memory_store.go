package license

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/outreach/internal/pagination"
)

// MemoryStore is an in-memory license store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	licenses map[string]*License
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{licenses: make(map[string]*License)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, l *License) error {
	if err := l.Check(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.licenses[l.Key]; ok {
		return ErrDuplicateKey
	}
	m.licenses[l.Key] = l.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (m *MemoryStore) SetActive(_ context.Context, key string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[key]
	if !ok {
		return ErrNotFound
	}
	l.Active = active
	return nil
}

func (m *MemoryStore) ListByBillingRef(_ context.Context, ref string) ([]*License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*License
	for _, l := range m.licenses {
		if ref != "" && l.BillingRef == ref {
			out = append(out, l.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string, limit int, after *pagination.Cursor) ([]*License, error) {
	m.mu.RLock()
	var out []*License
	for _, l := range m.licenses {
		if strings.EqualFold(l.Owner, owner) && after.Before(l.CreatedAt, l.Key) {
			out = append(out, l.Clone())
		}
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(ls []*License) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].Key > ls[j].Key
		}
		return ls[i].CreatedAt.After(ls[j].CreatedAt)
	})
}
