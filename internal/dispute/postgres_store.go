package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, filed_by, against, type, description, status,
		COALESCE(listing_id, ''), COALESCE(request_id, ''),
		COALESCE(resolution, ''), COALESCE(resolved_by, ''), resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute, entry *audit.Entry) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := InsertTx(ctx, tx, d); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		return audit.RecordTx(ctx, tx, entry)
	})
}

// InsertTx writes a dispute row inside an existing transaction. The exchange
// coordinator uses this so the DISPUTE transition and its dispute row commit
// atomically.
func InsertTx(ctx context.Context, tx *sql.Tx, d *Dispute) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (
			id, filed_by, against, type, description, status,
			listing_id, request_id, resolution, resolved_by, resolved_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.FiledBy, d.Against, d.Type, d.Description, string(d.Status),
		nullString(d.ListingID), nullString(d.RequestID),
		nullString(d.Resolution), nullString(d.ResolvedBy), d.ResolvedAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute, entry *audit.Entry) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE disputes SET
				status = $1, resolution = $2, resolved_by = $3, resolved_at = $4, updated_at = $5
			WHERE id = $6`,
			string(d.Status), nullString(d.Resolution), nullString(d.ResolvedBy),
			d.ResolvedAt, d.UpdatedAt, d.ID,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrDisputeNotFound
		}
		if entry == nil {
			return nil
		}
		return audit.RecordTx(ctx, tx, entry)
	})
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectDisputes(rows)
}

func (p *PostgresStore) ListInvolving(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE filed_by = $1 OR against = $1 ORDER BY created_at ASC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	return collectDisputes(rows)
}

func (p *PostgresStore) GetByRequest(ctx context.Context, requestID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes WHERE request_id = $1 ORDER BY created_at ASC LIMIT 1`, requestID)
	return scanDispute(row)
}

func (p *PostgresStore) CountOpenAgainst(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM disputes WHERE against = $1 AND status IN ('OPEN', 'UNDER_REVIEW')`, userID).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountRecentAgainst(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM disputes WHERE against = $1 AND created_at > $2`, userID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM disputes GROUP BY status`)
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

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	defer func() { _ = rows.Close() }()
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var status string
	var resolvedAt sql.NullTime
	err := s.Scan(
		&d.ID, &d.FiledBy, &d.Against, &d.Type, &d.Description, &status,
		&d.ListingID, &d.RequestID, &d.Resolution, &d.ResolvedBy,
		&resolvedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return d, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
