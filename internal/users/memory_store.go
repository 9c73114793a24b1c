package users

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps users in memory for demo/testing.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*User
	byEmail map[string]string // email -> id
}

// NewMemoryStore creates an in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, exists := m.byEmail[email]; exists {
		return ErrEmailTaken
	}
	cp := *u
	m.byID[u.ID] = &cp
	m.byEmail[email] = u.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[u.ID]; !ok {
		return ErrUserNotFound
	}
	cp := *u
	cp.UpdatedAt = time.Now()
	m.byID[u.ID] = &cp
	return nil
}

func (m *MemoryStore) IncrementCounter(_ context.Context, userID string, c Counter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	switch c {
	case CounterCompletedExchanges:
		u.CompletedExchanges++
	case CounterCancelledRequests:
		u.CancelledRequests++
	case CounterDisputesAgainst:
		u.DisputesAgainst++
	case CounterAdminFlags:
		u.AdminFlags++
	}
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	result := make([]*User, 0, len(m.byID))
	for _, u := range m.byID {
		cp := *u
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, u := range m.byID {
		if u.Active {
			active++
		}
	}
	return len(m.byID), active, nil
}

var _ Store = (*MemoryStore)(nil)
