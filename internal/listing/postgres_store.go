package listing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mwalcott/unibazaar/internal/audit"
)

// PostgresStore persists listings in PostgreSQL. Mutations commit their
// audit entry in the same transaction as the row change.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, owner_id, title, COALESCE(description, ''), category, COALESCE(module, ''),
		price_cents, status, fraud_flagged, fraud_reasons, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing, entry *audit.Entry) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO listings (
				id, owner_id, title, description, category, module,
				price_cents, status, fraud_flagged, fraud_reasons, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			l.ID, l.OwnerID, l.Title, nullString(l.Description), l.Category, nullString(l.Module),
			l.PriceCents, string(l.Status), l.FraudFlagged, pq.Array(l.FraudReasons), l.CreatedAt, l.UpdatedAt,
		)
		if err != nil {
			return err
		}
		return audit.RecordTx(ctx, tx, entry)
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	return scanListing(row)
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing, entry *audit.Entry) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE listings SET
				title = $1, description = $2, category = $3, module = $4,
				price_cents = $5, status = $6, updated_at = $7
			WHERE id = $8`,
			l.Title, nullString(l.Description), l.Category, nullString(l.Module),
			l.PriceCents, string(l.Status), l.UpdatedAt, l.ID,
		)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrListingNotFound
		}
		return audit.RecordTx(ctx, tx, entry)
	})
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID string) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM listings WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, category string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + listingColumns + ` FROM listings WHERE status = $1`
	args := []interface{}{string(status)}
	if category != "" {
		args = append(args, category)
		query += ` AND category = $2`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (p *PostgresStore) CountRecentByOwner(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM listings WHERE owner_id = $1 AND created_at > $2`, ownerID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC LIMIT $3`,
		string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectListings(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM listings GROUP BY status`)
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

func collectListings(rows *sql.Rows) ([]*Listing, error) {
	defer func() { _ = rows.Close() }()
	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var status string
	err := s.Scan(
		&l.ID, &l.OwnerID, &l.Title, &l.Description, &l.Category, &l.Module,
		&l.PriceCents, &status, &l.FraudFlagged, pq.Array(&l.FraudReasons),
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Status = Status(status)
	return l, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
