// Package audit provides the append-only audit log for all mutating actions.
//
// Every mutating operation in the core writes one entry, either directly or
// inside the same database transaction as its final commit. Entries are never
// updated or deleted by application code.
package audit

import (
	"context"
	"time"

	"github.com/mwalcott/unibazaar/internal/metrics"
)

type contextKey string

const (
	ctxActorID   contextKey = "audit_actor_id"
	ctxActorRole contextKey = "audit_actor_role"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	ctx = context.WithValue(ctx, ctxActorRole, role)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches an HTTP request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext returns actor info previously attached to the context.
// Role defaults to "system" so background jobs are attributed correctly.
func ActorFromContext(ctx context.Context) (actorID, role, ip, requestID string) {
	role = "system"
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxActorRole).(string); ok {
		role = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry represents a single audit log record.
type Entry struct {
	ID         int64             `json:"id"`
	ActorID    string            `json:"actorId"`
	ActorRole  string            `json:"actorRole"`
	Action     string            `json:"action"`
	TargetType string            `json:"targetType"`
	TargetID   string            `json:"targetId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
	IPAddress  string            `json:"ipAddress,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// NewEntry builds an entry for the given action, pulling actor info from ctx.
func NewEntry(ctx context.Context, action, targetType, targetID string, metadata map[string]string) *Entry {
	actorID, role, ip, requestID := ActorFromContext(ctx)
	return &Entry{
		ActorID:    actorID,
		ActorRole:  role,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
		RequestID:  requestID,
		IPAddress:  ip,
		CreatedAt:  time.Now(),
	}
}

// Filter narrows a Query.
type Filter struct {
	ActorID    string
	TargetType string
	TargetID   string
	Action     string
	From       time.Time
	To         time.Time
	Limit      int
}

// Logger persists audit entries.
type Logger interface {
	Record(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, f Filter) ([]*Entry, error)
}

// Count bumps the audit metric; stores call it on every successful write so
// direct writes and in-transaction writes are counted the same way.
func Count(action string) {
	metrics.AuditEntriesTotal.WithLabelValues(action).Inc()
}
