// Package dispute records and resolves claims raised against a counterparty.
//
// Disputes are created directly (standalone claim) or indirectly by the
// request state machine's DISPUTE event; both paths converge on the same
// entity. Only admins move a dispute out of its open states.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/idgen"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrForbidden       = errors.New("only an admin may move a dispute")
	ErrClosed          = errors.New("dispute is already closed")
	ErrSelfDispute     = errors.New("cannot file a dispute against yourself")
	ErrBadStatus       = errors.New("unknown dispute resolution status")
)

// Status is a dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
	StatusRejected    Status = "REJECTED"
	StatusEscalated   Status = "ESCALATED"
)

// Open reports whether the dispute still awaits an admin decision.
func (s Status) Open() bool {
	return s == StatusOpen || s == StatusUnderReview
}

// ParseClosedStatus accepts the admin-chosen closure status.
func ParseClosedStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusResolved, StatusRejected, StatusEscalated:
		return Status(s), nil
	}
	return "", ErrBadStatus
}

// Dispute is a claim filed by one user against another.
type Dispute struct {
	ID          string `json:"id"`
	FiledBy     string `json:"filedBy"`
	Against     string `json:"against"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Status      Status `json:"status"`

	// Optional references back to the originating entities.
	ListingID string `json:"listingId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	Resolution string     `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New builds an OPEN dispute. Used by the standalone path and by the
// exchange coordinator when the DISPUTE event fires.
func New(filedBy, against, dtype, description, listingID, requestID string) *Dispute {
	now := time.Now()
	return &Dispute{
		ID:          idgen.WithPrefix(idgen.PrefixDispute),
		FiledBy:     filedBy,
		Against:     against,
		Type:        dtype,
		Description: description,
		Status:      StatusOpen,
		ListingID:   listingID,
		RequestID:   requestID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Store persists disputes. Create and Update take the audit entry for the
// mutation so postgres stores commit both atomically.
type Store interface {
	Create(ctx context.Context, d *Dispute, entry *audit.Entry) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute, entry *audit.Entry) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	ListInvolving(ctx context.Context, userID string, limit int) ([]*Dispute, error)
	GetByRequest(ctx context.Context, requestID string) (*Dispute, error)
	CountOpenAgainst(ctx context.Context, userID string) (int, error)
	CountRecentAgainst(ctx context.Context, userID string, since time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
