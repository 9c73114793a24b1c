package listing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
)

// MemoryStore is an in-memory listing store for tests and local development.
// Audit entries are forwarded to the given logger since there is no
// transaction to share.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
	auditLog audit.Logger
}

// NewMemoryStore creates an in-memory listing store.
func NewMemoryStore(auditLog audit.Logger) *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
		auditLog: auditLog,
	}
}

func (m *MemoryStore) Create(ctx context.Context, l *Listing, entry *audit.Entry) error {
	m.mu.Lock()
	cp := *l
	m.listings[l.ID] = &cp
	m.mu.Unlock()
	return m.auditLog.Record(ctx, entry)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, l *Listing, entry *audit.Entry) error {
	m.mu.Lock()
	if _, ok := m.listings[l.ID]; !ok {
		m.mu.Unlock()
		return ErrListingNotFound
	}
	cp := *l
	m.listings[l.ID] = &cp
	m.mu.Unlock()
	return m.auditLog.Record(ctx, entry)
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Listing
	for _, l := range m.listings {
		if l.OwnerID == ownerID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, category string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Listing
	for _, l := range m.listings {
		if l.Status != status {
			continue
		}
		if category != "" && l.Category != category {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountRecentByOwner(_ context.Context, ownerID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.listings {
		if l.OwnerID == ownerID && l.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListStale(_ context.Context, status Status, cutoff time.Time, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Listing
	for _, l := range m.listings {
		if l.Status == status && l.UpdatedAt.Before(cutoff) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, l := range m.listings {
		counts[l.Status]++
	}
	return counts, nil
}

func sortNewestFirst(ls []*Listing) {
	sort.Slice(ls, func(i, j int) bool {
		return ls[i].CreatedAt.After(ls[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
