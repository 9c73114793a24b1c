// Package exchange implements the exchange ledger: the request state machine
// and the coordinator that serializes every transition on a request.
//
// A request is one exchange attempt between a buyer and the listing's seller.
// All mutations flow through the Coordinator, which locks the row, authorizes
// the actor, runs the FSM, and commits state, counters, audit entry, and any
// dispute row in one atomic unit.
package exchange

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrRequestNotFound = errors.New("request not found")
	ErrForbidden       = errors.New("actor may not apply this request event")
	ErrUnknownEvent    = errors.New("unknown request event")

	// ErrConflict covers stale-version writes, duplicate active requests,
	// and serialization failures. Not retryable with the same input.
	ErrConflict = errors.New("conflicting update")

	// ErrBusy means the row lock could not be acquired within the bounded
	// wait. Safe to retry with the same idempotency key.
	ErrBusy = errors.New("request is busy")

	// ErrSelfRequest rejects a buyer requesting their own listing before
	// any row is created.
	ErrSelfRequest = errors.New("cannot request your own listing")

	// ErrListingClosed rejects request creation against a listing that is
	// not open for new requests.
	ErrListingClosed = errors.New("listing is not open for requests")
)

// Status is a request lifecycle state.
type Status string

const (
	StatusIdle             Status = "IDLE"
	StatusSent             Status = "SENT"
	StatusAccepted         Status = "ACCEPTED"
	StatusDeclined         Status = "DECLINED"
	StatusMeetingScheduled Status = "MEETING_SCHEDULED"
	StatusCompleted        Status = "COMPLETED"
	StatusExpired          Status = "EXPIRED"
	StatusCancelled        Status = "CANCELLED"
	StatusWithdrawn        Status = "WITHDRAWN"
	StatusDisputed         Status = "DISPUTED"
	StatusResolved         Status = "RESOLVED"
)

// Terminal reports whether the status ends the request lifecycle outright.
// COMPLETED and DISPUTED are quasi-terminal: COMPLETED still accepts DISPUTE,
// DISPUTED still accepts the admin RESOLVE.
func (s Status) Terminal() bool {
	switch s {
	case StatusDeclined, StatusExpired, StatusCancelled, StatusWithdrawn, StatusResolved:
		return true
	}
	return false
}

// Active reports whether the request still occupies the (listing, buyer)
// slot. At most one active request may exist per pair.
func (s Status) Active() bool {
	switch s {
	case StatusSent, StatusAccepted, StatusMeetingScheduled:
		return true
	}
	return false
}

// activeStatuses is used by stores for the duplicate-active constraint.
var activeStatuses = []Status{StatusSent, StatusAccepted, StatusMeetingScheduled}

// Request is one exchange attempt between a buyer and a seller.
type Request struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	Message   string `json:"message,omitempty"`
	Status    Status `json:"status"`

	// Version increases with every successful mutation. Writes carrying a
	// stale version are rejected, never merged.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participant reports whether the actor is the buyer or the seller.
func (r *Request) Participant(actorID string) bool {
	return actorID == r.BuyerID || actorID == r.SellerID
}

// Counterparty returns the other participant, or "" for a non-participant.
func (r *Request) Counterparty(actorID string) string {
	switch actorID {
	case r.BuyerID:
		return r.SellerID
	case r.SellerID:
		return r.BuyerID
	}
	return ""
}

// IdempotencyRecord maps a client key + actor to a previously produced
// response so retried calls are side-effect-free.
type IdempotencyRecord struct {
	Key       string          `json:"key"`
	ActorID   string          `json:"actorId"`
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the record is past its expiry.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// auditTarget is the audit target type for requests.
const auditTarget = "request"
