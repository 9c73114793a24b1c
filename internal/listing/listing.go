// Package listing manages the catalogue of exchangeable resources and the
// approval lifecycle each one moves through.
//
// A listing is created in DRAFT by its owner, reviewed by an admin, and then
// driven through the transaction states by the exchange coordinator. Listings
// are never hard-deleted; REMOVED and ARCHIVED are logical terminals so
// requests and disputes keep a valid reference.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrForbidden       = errors.New("actor may not apply this listing event")
	ErrUnknownEvent    = errors.New("unknown listing event")
)

// Status is a listing lifecycle state.
type Status string

const (
	StatusDraft            Status = "DRAFT"
	StatusPendingReview    Status = "PENDING_REVIEW"
	StatusApproved         Status = "APPROVED"
	StatusRejected         Status = "REJECTED"
	StatusInterestReceived Status = "INTEREST_RECEIVED"
	StatusInTransaction    Status = "IN_TRANSACTION"
	StatusCompleted        Status = "COMPLETED"
	StatusExpired          Status = "EXPIRED"
	StatusFlagged          Status = "FLAGGED"
	StatusArchived         Status = "ARCHIVED"
	StatusRemoved          Status = "REMOVED"
)

// Terminal reports whether a status ends the listing lifecycle.
// COMPLETED is terminal for the listing even though the underlying
// request may still be disputed.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusArchived, StatusRemoved, StatusCompleted:
		return true
	}
	return false
}

// Listing is a proposed resource for exchange.
type Listing struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category"`
	// Module is the domain area within the category (course code,
	// dorm block, club name).
	Module     string `json:"module,omitempty"`
	PriceCents int64  `json:"priceCents"`
	Status     Status `json:"status"`

	// Advisory fraud signal captured at creation time. Never blocks the
	// listing by itself; surfaced on the admin fraud overview.
	FraudFlagged bool     `json:"fraudFlagged,omitempty"`
	FraudReasons []string `json:"fraudReasons,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists listings. Create and Update take the audit entry for the
// mutation so postgres stores can commit both in one transaction.
type Store interface {
	Create(ctx context.Context, l *Listing, entry *audit.Entry) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing, entry *audit.Entry) error
	ListByOwner(ctx context.Context, ownerID string) ([]*Listing, error)
	ListByStatus(ctx context.Context, status Status, category string, limit int) ([]*Listing, error)
	CountRecentByOwner(ctx context.Context, ownerID string, since time.Time) (int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// ListStale returns listings in the given status untouched since cutoff,
	// oldest first. The recovery sweep feeds on it.
	ListStale(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Listing, error)
}
