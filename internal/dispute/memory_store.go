package dispute

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
)

// MemoryStore is an in-memory dispute store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	auditLog audit.Logger
}

// NewMemoryStore creates an in-memory dispute store.
func NewMemoryStore(auditLog audit.Logger) *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		auditLog: auditLog,
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute, entry *audit.Entry) error {
	m.mu.Lock()
	cp := *d
	m.disputes[d.ID] = &cp
	m.mu.Unlock()
	if entry == nil {
		return nil
	}
	return m.auditLog.Record(ctx, entry)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute, entry *audit.Entry) error {
	m.mu.Lock()
	if _, ok := m.disputes[d.ID]; !ok {
		m.mu.Unlock()
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	m.mu.Unlock()
	if entry == nil {
		return nil
	}
	return m.auditLog.Record(ctx, entry)
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status == status {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListInvolving(_ context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.FiledBy == userID || d.Against == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetByRequest(_ context.Context, requestID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes {
		if d.RequestID == requestID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) CountOpenAgainst(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.disputes {
		if d.Against == userID && d.Status.Open() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountRecentAgainst(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.disputes {
		if d.Against == userID && d.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, d := range m.disputes {
		counts[d.Status]++
	}
	return counts, nil
}

func sortOldestFirst(ds []*Dispute) {
	sort.Slice(ds, func(i, j int) bool {
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
