package users

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, name, email, role,
		completed_exchanges, cancelled_requests, disputes_against, admin_flags,
		admin_override, COALESCE(restriction_reason, ''), active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (
			id, name, email, role,
			completed_exchanges, cancelled_requests, disputes_against, admin_flags,
			admin_override, restriction_reason, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		u.ID, u.Name, strings.ToLower(u.Email), string(u.Role),
		u.CompletedExchanges, u.CancelledRequests, u.DisputesAgainst, u.AdminFlags,
		string(u.AdminOverride), nullString(u.RestrictionReason), u.Active, u.CreatedAt, u.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email))
	return scanUser(row)
}

func (p *PostgresStore) Update(ctx context.Context, u *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET
			name = $1, role = $2, admin_flags = $3,
			admin_override = $4, restriction_reason = $5, active = $6, updated_at = NOW()
		WHERE id = $7`,
		u.Name, string(u.Role), u.AdminFlags,
		string(u.AdminOverride), nullString(u.RestrictionReason), u.Active, u.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) IncrementCounter(ctx context.Context, userID string, c Counter) error {
	return incrementCounter(ctx, p.db, userID, c)
}

// IncrementCounterTx bumps a counter inside an existing transaction. The
// exchange coordinator uses this so counter mutations commit atomically with
// the triggering state transition.
func IncrementCounterTx(ctx context.Context, tx *sql.Tx, userID string, c Counter) error {
	return incrementCounter(ctx, tx, userID, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func incrementCounter(ctx context.Context, ex execer, userID string, c Counter) error {
	var column string
	switch c {
	case CounterCompletedExchanges:
		column = "completed_exchanges"
	case CounterCancelledRequests:
		column = "cancelled_requests"
	case CounterDisputesAgainst:
		column = "disputes_against"
	case CounterAdminFlags:
		column = "admin_flags"
	default:
		return nil
	}
	result, err := ex.ExecContext(ctx,
		`UPDATE users SET `+column+` = `+column+` + 1, updated_at = NOW() WHERE id = $1`, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int, int, error) {
	var total, active int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM users`).Scan(&total, &active)
	return total, active, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(s scanner) (*User, error) {
	u := &User{}
	var role, override string
	err := s.Scan(
		&u.ID, &u.Name, &u.Email, &role,
		&u.CompletedExchanges, &u.CancelledRequests, &u.DisputesAgainst, &u.AdminFlags,
		&override, &u.RestrictionReason, &u.Active, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role = Role(role)
	u.AdminOverride = Override(override)
	return u, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
