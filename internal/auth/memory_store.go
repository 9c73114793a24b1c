package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps API keys in memory for demo/testing.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string // hash -> id
}

// NewMemoryStore creates an in-memory API key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *key
	m.byID[key.ID] = &cp
	m.byHash[key.Hash] = key.ID
	return nil
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) GetByUser(_ context.Context, userID string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*APIKey
	for _, k := range m.byID {
		if k.UserID == userID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[key.ID]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	m.byID[key.ID] = &cp
	return nil
}

func (m *MemoryStore) RevokeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	revoked := 0
	for _, k := range m.byID {
		if !k.Revoked && k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
			k.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

var _ Store = (*MemoryStore)(nil)
