package exchange

import (
	"context"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/users"
)

// Tx is the unit of work the coordinator executes under the request row lock.
// Everything staged on it commits atomically or not at all.
type Tx interface {
	// Request returns the locked row as read at lock acquisition.
	Request() *Request

	// UpdateRequest persists the new state conditioned on expectedVersion
	// matching the row's current version. A mismatch fails with ErrConflict
	// and aborts the transaction.
	UpdateRequest(r *Request, expectedVersion int64) error

	// IncrementCounter bumps a behavioral counter in the same commit as the
	// state change.
	IncrementCounter(userID string, c users.Counter) error

	// AppendAudit stages the audit entry for the transition.
	AppendAudit(entry *audit.Entry) error

	// SaveIdempotency stages the idempotency record for the call.
	SaveIdempotency(rec *IdempotencyRecord) error

	// InsertDispute stages the dispute row created by the DISPUTE event.
	InsertDispute(d *dispute.Dispute) error
}

// Store persists requests and idempotency records.
type Store interface {
	// CreateRequest inserts a new request together with its audit entry.
	// A racing duplicate for the same active (listing, buyer) pair fails
	// with ErrConflict.
	CreateRequest(ctx context.Context, r *Request, entry *audit.Entry) error

	GetRequest(ctx context.Context, id string) (*Request, error)

	// HasActiveRequest is the application-level duplicate check; the store
	// constraint in CreateRequest is the last line of defense.
	HasActiveRequest(ctx context.Context, listingID, buyerID string) (bool, error)

	ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error)

	// ListStale returns requests in the given status untouched since cutoff,
	// oldest first. The recovery sweep feeds on it.
	ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Request, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)

	// CountRecentCancellationsBy counts requests the user cancelled or
	// withdrew since the given time. Feeds the fraud heuristics.
	CountRecentCancellationsBy(ctx context.Context, userID string, since time.Time) (int, error)

	GetIdempotency(ctx context.Context, key, actorID string) (*IdempotencyRecord, error)
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error)

	// Transact runs fn under an exclusive lock on the request row. The lock
	// wait is bounded by ctx; a timeout surfaces as ErrBusy. fn's staged
	// writes commit atomically when it returns nil.
	Transact(ctx context.Context, requestID string, fn func(Tx) error) error
}
