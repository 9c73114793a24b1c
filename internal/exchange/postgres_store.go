package exchange

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/users"
)

// pq error codes the store maps onto domain errors.
const (
	pqUniqueViolation      = "23505"
	pqLockNotAvailable     = "55P03"
	pqSerializationFailure = "40001"
)

// PostgresStore persists requests in PostgreSQL. Transact runs a serializable
// transaction with a FOR UPDATE NOWAIT row lock; the bounded lock wait the
// coordinator asks for degenerates to fail-fast, which satisfies the same
// contract (the client retries with its idempotency key).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, listing_id, buyer_id, seller_id, COALESCE(message, ''), status, version, created_at, updated_at`

func (p *PostgresStore) CreateRequest(ctx context.Context, r *Request, entry *audit.Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO requests (id, listing_id, buyer_id, seller_id, message, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ListingID, r.BuyerID, r.SellerID, nullString(r.Message),
		string(r.Status), r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		_ = tx.Rollback()
		// The partial unique index on active (listing, buyer) pairs is the
		// last line of defense against racing creates.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: an active request already exists for this listing", ErrConflict)
		}
		return err
	}
	if err := audit.RecordTx(ctx, tx, entry); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) HasActiveRequest(ctx context.Context, listingID, buyerID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM requests
			WHERE listing_id = $1 AND buyer_id = $2
			  AND status IN ('SENT', 'ACCEPTED', 'MEETING_SCHEDULED')
		)`, listingID, buyerID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE status = $1
		ORDER BY created_at ASC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`, string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *PostgresStore) CountRecentCancellationsBy(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE updated_at > $2 AND (
			(status = 'WITHDRAWN' AND buyer_id = $1) OR
			(status = 'CANCELLED' AND (buyer_id = $1 OR seller_id = $1))
		)`, userID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) GetIdempotency(ctx context.Context, key, actorID string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	err := p.db.QueryRowContext(ctx, `
		SELECT key, actor_id, request_id, response, created_at, expires_at
		FROM idempotency_keys WHERE key = $1 AND actor_id = $2`, key, actorID).
		Scan(&rec.Key, &rec.ActorID, &rec.RequestID, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Transact locks the request row with FOR UPDATE NOWAIT inside a serializable
// transaction and runs fn against it.
func (p *PostgresStore) Transact(ctx context.Context, requestID string, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE NOWAIT`, requestID)
	r, err := scanRequest(row)
	if err != nil {
		_ = tx.Rollback()
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqLockNotAvailable {
			return fmt.Errorf("%w: row lock held elsewhere", ErrBusy)
		}
		return err
	}

	if err := fn(&pgTx{ctx: ctx, tx: tx, request: r}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == pqSerializationFailure {
			return fmt.Errorf("%w: serialization failure", ErrConflict)
		}
		return err
	}
	return nil
}

// pgTx runs the coordinator's unit of work inside the open transaction.
type pgTx struct {
	ctx     context.Context
	tx      *sql.Tx
	request *Request
}

func (t *pgTx) Request() *Request { return t.request }

func (t *pgTx) UpdateRequest(r *Request, expectedVersion int64) error {
	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE requests SET status = $1, version = $2, updated_at = $3
		WHERE id = $4 AND version = $5`,
		string(r.Status), expectedVersion+1, r.UpdatedAt, r.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: version %d is stale", ErrConflict, expectedVersion)
	}
	r.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) IncrementCounter(userID string, c users.Counter) error {
	return users.IncrementCounterTx(t.ctx, t.tx, userID, c)
}

func (t *pgTx) AppendAudit(entry *audit.Entry) error {
	return audit.RecordTx(t.ctx, t.tx, entry)
}

func (t *pgTx) SaveIdempotency(rec *IdempotencyRecord) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO idempotency_keys (key, actor_id, request_id, response, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key, actor_id) DO NOTHING`,
		rec.Key, rec.ActorID, rec.RequestID, []byte(rec.Response), rec.CreatedAt, rec.ExpiresAt,
	)
	return err
}

func (t *pgTx) InsertDispute(d *dispute.Dispute) error {
	return dispute.InsertTx(t.ctx, t.tx, d)
}

func collectRequests(rows *sql.Rows) ([]*Request, error) {
	defer func() { _ = rows.Close() }()
	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var status string
	err := s.Scan(&r.ID, &r.ListingID, &r.BuyerID, &r.SellerID, &r.Message,
		&status, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return r, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
var _ Tx = (*pgTx)(nil)
