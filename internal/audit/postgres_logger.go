package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresLogger writes audit entries to PostgreSQL.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) Record(ctx context.Context, entry *Entry) error {
	return insert(ctx, l.db, entry)
}

// RecordTx writes an entry inside an existing transaction. Services that must
// commit their audit entry atomically with a state change use this.
func RecordTx(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	return insert(ctx, tx, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insert(ctx context.Context, ex execer, entry *Entry) error {
	metaJSON, _ := json.Marshal(entry.Metadata)
	if entry.Metadata == nil {
		metaJSON = []byte("{}")
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_log (actor_id, actor_role, action, target_type, target_id, metadata, request_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8, $9)
	`, entry.ActorID, entry.ActorRole, entry.Action, entry.TargetType, entry.TargetID,
		metaJSON, entry.RequestID, entry.IPAddress, createdAt)
	if err == nil {
		Count(entry.Action)
	}
	return err
}

func (l *PostgresLogger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, actor_id, actor_role, action, target_type, target_id,
		COALESCE(metadata::TEXT, '{}'), COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_log WHERE 1=1`
	var args []interface{}

	add := func(clause, value string) {
		if value != "" {
			args = append(args, value)
			query += clause + argn(len(args))
		}
	}
	add(" AND actor_id = ", f.ActorID)
	add(" AND target_type = ", f.TargetType)
	add(" AND target_id = ", f.TargetID)
	add(" AND action = ", f.Action)
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += " AND created_at >= " + argn(len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += " AND created_at <= " + argn(len(args))
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT " + argn(len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var metaJSON string
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorRole, &e.Action, &e.TargetType, &e.TargetID,
			&metaJSON, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		if metaJSON != "" && metaJSON != "{}" {
			_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// argn renders the nth positional parameter ($1, $2, ...).
func argn(n int) string {
	const digits = "0123456789"
	if n < 10 {
		return "$" + digits[n:n+1]
	}
	return "$" + digits[n/10:n/10+1] + digits[n%10:n%10+1]
}

var _ Logger = (*PostgresLogger)(nil)
