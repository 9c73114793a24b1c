package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/syncutil"
	"github.com/mwalcott/unibazaar/internal/users"
)

// MemoryStore is an in-memory request store for tests and local development.
// A per-request keyed mutex emulates the row lock: Transact callers queue on
// it with a context-bounded wait, so transitions on one request serialize
// exactly as they would against PostgreSQL.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	idem     map[string]*IdempotencyRecord

	locks    *syncutil.KeyedMutex
	auditLog audit.Logger
	users    users.Store
	disputes dispute.Store
}

// NewMemoryStore creates an in-memory request store. Counter, audit, and
// dispute side effects are applied against the given collaborators when a
// transaction commits.
func NewMemoryStore(auditLog audit.Logger, userStore users.Store, disputeStore dispute.Store) *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		idem:     make(map[string]*IdempotencyRecord),
		locks:    syncutil.NewKeyedMutex(),
		auditLog: auditLog,
		users:    userStore,
		disputes: disputeStore,
	}
}

func idemKey(key, actorID string) string { return key + "|" + actorID }

func (m *MemoryStore) CreateRequest(ctx context.Context, r *Request, entry *audit.Entry) error {
	m.mu.Lock()
	for _, existing := range m.requests {
		if existing.ListingID == r.ListingID && existing.BuyerID == r.BuyerID && existing.Status.Active() {
			m.mu.Unlock()
			return fmt.Errorf("%w: an active request already exists for this listing", ErrConflict)
		}
	}
	cp := *r
	m.requests[r.ID] = &cp
	m.mu.Unlock()
	return m.auditLog.Record(ctx, entry)
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) HasActiveRequest(_ context.Context, listingID, buyerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.ListingID == listingID && r.BuyerID == buyerID && r.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if r.BuyerID == userID || r.SellerID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStale(_ context.Context, status Status, cutoff time.Time, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Request
	for _, r := range m.requests {
		if r.Status == status && r.UpdatedAt.Before(cutoff) {
			cp := *r
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
	for _, r := range m.requests {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) CountRecentCancellationsBy(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if !r.UpdatedAt.After(since) {
			continue
		}
		switch r.Status {
		case StatusWithdrawn:
			if r.BuyerID == userID {
				n++
			}
		case StatusCancelled:
			if r.Participant(userID) {
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) GetIdempotency(_ context.Context, key, actorID string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idem[idemKey(key, actorID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) DeleteExpiredIdempotency(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, rec := range m.idem {
		if rec.Expired(now) {
			delete(m.idem, k)
			n++
		}
	}
	return n, nil
}

// Transact acquires the per-request lock with a context-bounded wait, runs
// fn against a snapshot, and applies the staged writes only when fn returns
// nil. A lock wait that outlives ctx surfaces as ErrBusy.
func (m *MemoryStore) Transact(ctx context.Context, requestID string, fn func(Tx) error) error {
	unlock, err := m.locks.LockContext(ctx, requestID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: lock wait exceeded", ErrBusy)
		}
		return err
	}
	defer unlock()

	m.mu.RLock()
	r, ok := m.requests[requestID]
	if !ok {
		m.mu.RUnlock()
		return ErrRequestNotFound
	}
	snapshot := *r
	m.mu.RUnlock()

	tx := &memTx{ctx: ctx, store: m, request: &snapshot}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// memTx stages writes and applies them on commit. The per-request lock is
// held for the whole transaction, so the staged request write cannot race
// another transaction on the same row.
type memTx struct {
	ctx     context.Context
	store   *MemoryStore
	request *Request

	updated *Request
	ops     []func() error
}

func (t *memTx) Request() *Request { return t.request }

func (t *memTx) UpdateRequest(r *Request, expectedVersion int64) error {
	t.store.mu.RLock()
	current, ok := t.store.requests[r.ID]
	if !ok {
		t.store.mu.RUnlock()
		return ErrRequestNotFound
	}
	if current.Version != expectedVersion {
		t.store.mu.RUnlock()
		return fmt.Errorf("%w: version %d is stale (row at %d)", ErrConflict, expectedVersion, current.Version)
	}
	t.store.mu.RUnlock()

	r.Version = expectedVersion + 1
	cp := *r
	t.updated = &cp
	return nil
}

func (t *memTx) IncrementCounter(userID string, c users.Counter) error {
	t.ops = append(t.ops, func() error {
		return t.store.users.IncrementCounter(t.ctx, userID, c)
	})
	return nil
}

func (t *memTx) AppendAudit(entry *audit.Entry) error {
	t.ops = append(t.ops, func() error {
		return t.store.auditLog.Record(t.ctx, entry)
	})
	return nil
}

func (t *memTx) SaveIdempotency(rec *IdempotencyRecord) error {
	cp := *rec
	t.ops = append(t.ops, func() error {
		t.store.mu.Lock()
		t.store.idem[idemKey(cp.Key, cp.ActorID)] = &cp
		t.store.mu.Unlock()
		return nil
	})
	return nil
}

func (t *memTx) InsertDispute(d *dispute.Dispute) error {
	cp := *d
	t.ops = append(t.ops, func() error {
		return t.store.disputes.Create(t.ctx, &cp, nil)
	})
	return nil
}

func (t *memTx) commit() error {
	if t.updated != nil {
		t.store.mu.Lock()
		cp := *t.updated
		t.store.requests[cp.ID] = &cp
		t.store.mu.Unlock()
	}
	for _, op := range t.ops {
		if err := op(); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Tx = (*memTx)(nil)
