package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/idgen"
	"github.com/mwalcott/unibazaar/internal/listing"
	"github.com/mwalcott/unibazaar/internal/logging"
	"github.com/mwalcott/unibazaar/internal/metrics"
	"github.com/mwalcott/unibazaar/internal/traces"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// ListingService is the slice of the listing API the coordinator needs:
// reads at request creation, system-driven side transitions after commit.
type ListingService interface {
	Get(ctx context.Context, id string) (*listing.Listing, error)
	ApplyEvent(ctx context.Context, listingID string, event listing.Event, actorID string) (*listing.Listing, error)
}

// Gate is the restriction pre-flight check, implemented by trust.Service.
type Gate interface {
	Allow(ctx context.Context, userID string, cap trust.Capability) error
}

// Coordinator orchestrates every request mutation: idempotency, row lock,
// authorization, FSM, optimistic version check, counters, audit, and the
// dispute row, all in one atomic unit.
type Coordinator struct {
	store    Store
	listings ListingService
	gate     Gate
	admins   auth.AdminPolicy
	lockWait time.Duration
	idemTTL  time.Duration
}

// NewCoordinator creates an exchange coordinator.
func NewCoordinator(store Store, listings ListingService, gate Gate, admins auth.AdminPolicy, lockWait, idemTTL time.Duration) *Coordinator {
	if lockWait <= 0 {
		lockWait = 3 * time.Second
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Coordinator{
		store:    store,
		listings: listings,
		gate:     gate,
		admins:   admins,
		lockWait: lockWait,
		idemTTL:  idemTTL,
	}
}

// CreateRequest opens a new exchange attempt by the buyer on a listing.
// Self-requests and duplicate active requests are rejected before any row
// is created; a racing duplicate is caught again by the store constraint.
func (c *Coordinator) CreateRequest(ctx context.Context, listingID, buyerID, message string) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "exchange.CreateRequest",
		traces.ListingID(listingID), traces.ActorID(buyerID))
	defer span.End()

	message = validation.SanitizeString(message, validation.MaxTextLength)
	if errs := validation.Validate(
		validation.ValidID("listingId", listingID, idgen.PrefixListing),
	); len(errs) > 0 {
		return nil, errs
	}

	if err := c.gate.Allow(ctx, buyerID, trust.CapCreateRequest); err != nil {
		return nil, err
	}

	l, err := c.listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID == buyerID {
		return nil, ErrSelfRequest
	}
	switch l.Status {
	case listing.StatusApproved, listing.StatusInterestReceived:
	default:
		return nil, fmt.Errorf("%w: listing is %s", ErrListingClosed, l.Status)
	}

	exists, err := c.store.HasActiveRequest(ctx, listingID, buyerID)
	if err != nil {
		return nil, fmt.Errorf("check active request: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: an active request already exists for this listing", ErrConflict)
	}

	// Creation goes through the machine too: IDLE advances to SENT.
	m := NewMachine(StatusIdle)
	t, err := m.Apply(EventSend)
	if err != nil {
		return nil, err
	}

	r := &Request{
		ID:        idgen.WithPrefix(idgen.PrefixRequest),
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  l.OwnerID,
		Message:   message,
		Status:    t.To,
		Version:   1,
		CreatedAt: t.At,
		UpdatedAt: t.At,
	}
	entry := audit.NewEntry(ctx, "request.create", auditTarget, r.ID, map[string]string{
		"listing_id": listingID,
		"seller_id":  r.SellerID,
	})
	if err := c.store.CreateRequest(ctx, r, entry); err != nil {
		metrics.RequestTransitionsTotal.WithLabelValues(string(EventSend), outcomeFor(err)).Inc()
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(EventSend), "applied").Inc()

	if l.Status == listing.StatusApproved {
		c.driveListing(ctx, listingID, listing.EventInterest)
	}
	return r, nil
}

// ApplyEvent drives one request transition for the given actor.
//
// The contract, in order: idempotency replay, restriction gate, bounded row
// lock, authorization, FSM, optimistic version check, counters + audit +
// dispute row in the same commit, idempotency record persisted with it.
func (c *Coordinator) ApplyEvent(ctx context.Context, requestID string, event Event, actorID, idempotencyKey string) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "exchange.ApplyEvent",
		traces.RequestID(requestID), traces.Event(string(event)), traces.ActorID(actorID))
	defer span.End()

	if idempotencyKey != "" {
		if errs := validation.Validate(
			validation.ValidIdempotencyKey("idempotencyKey", idempotencyKey),
		); len(errs) > 0 {
			return nil, errs
		}
		rec, err := c.store.GetIdempotency(ctx, idempotencyKey, actorID)
		if err == nil && rec != nil && !rec.Expired(time.Now()) {
			var cached Request
			if err := json.Unmarshal(rec.Response, &cached); err == nil {
				metrics.IdempotentReplaysTotal.Inc()
				return &cached, nil
			}
		}
	}

	if actorID != auth.SystemActor {
		capability := trust.CapApplyEvent
		if event == EventDispute {
			capability = trust.CapFileDispute
		}
		if err := c.gate.Allow(ctx, actorID, capability); err != nil {
			metrics.RequestTransitionsTotal.WithLabelValues(string(event), "restricted").Inc()
			return nil, err
		}
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()

	var updated *Request
	err := c.store.Transact(lockCtx, requestID, func(tx Tx) error {
		r := tx.Request()
		expected := r.Version

		if err := c.authorize(ctx, r, event, actorID); err != nil {
			return err
		}

		m := NewMachine(r.Status)
		t, err := m.Apply(event)
		if err != nil {
			return err
		}
		r.Status = t.To
		r.UpdatedAt = t.At

		if err := tx.UpdateRequest(r, expected); err != nil {
			return err
		}
		if err := c.applySideEffects(ctx, tx, r, event, actorID, t); err != nil {
			return err
		}
		if idempotencyKey != "" {
			resp, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal idempotency response: %w", err)
			}
			now := time.Now()
			if err := tx.SaveIdempotency(&IdempotencyRecord{
				Key:       idempotencyKey,
				ActorID:   actorID,
				RequestID: r.ID,
				Response:  resp,
				CreatedAt: now,
				ExpiresAt: now.Add(c.idemTTL),
			}); err != nil {
				return err
			}
		}
		cp := *r
		updated = &cp
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: lock wait exceeded", ErrBusy)
		}
		metrics.RequestTransitionsTotal.WithLabelValues(string(event), outcomeFor(err)).Inc()
		return nil, err
	}
	metrics.RequestTransitionsTotal.WithLabelValues(string(event), "applied").Inc()

	c.driveListingFor(ctx, updated, event)
	return updated, nil
}

// applySideEffects stages counters, the audit entry, and the dispute row
// inside the transaction.
func (c *Coordinator) applySideEffects(ctx context.Context, tx Tx, r *Request, event Event, actorID string, t Transition) error {
	switch event {
	case EventComplete:
		// Both sides earn the completion.
		if err := tx.IncrementCounter(r.BuyerID, users.CounterCompletedExchanges); err != nil {
			return err
		}
		if err := tx.IncrementCounter(r.SellerID, users.CounterCompletedExchanges); err != nil {
			return err
		}
	case EventCancel, EventWithdraw:
		if r.Participant(actorID) {
			if err := tx.IncrementCounter(actorID, users.CounterCancelledRequests); err != nil {
				return err
			}
		}
	case EventDispute:
		against := r.Counterparty(actorID)
		if against == "" {
			// Admin-filed: the claim lands on the seller.
			against = r.SellerID
		}
		if err := tx.IncrementCounter(against, users.CounterDisputesAgainst); err != nil {
			return err
		}
		d := dispute.New(actorID, against, "exchange", "dispute raised on a completed exchange", r.ListingID, r.ID)
		if err := tx.InsertDispute(d); err != nil {
			return err
		}
	}

	entry := audit.NewEntry(ctx, "request."+strings.ToLower(string(event)), auditTarget, r.ID, map[string]string{
		"from":  string(t.From),
		"to":    string(t.To),
		"actor": actorID,
	})
	return tx.AppendAudit(entry)
}

// Per-event actor policy on top of the participant check. EXPIRE, RESOLVE,
// and SEND never come from members.
func (c *Coordinator) authorize(ctx context.Context, r *Request, event Event, actorID string) error {
	if actorID == auth.SystemActor {
		return nil
	}
	isAdmin, err := c.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolve admin policy: %w", err)
	}
	if isAdmin {
		return nil
	}
	if !r.Participant(actorID) {
		return fmt.Errorf("%w: actor %s is not a participant", ErrForbidden, actorID)
	}
	switch event {
	case EventAccept, EventDecline:
		if actorID != r.SellerID {
			return fmt.Errorf("%w: only the seller may %s", ErrForbidden, event)
		}
	case EventWithdraw:
		if actorID != r.BuyerID {
			return fmt.Errorf("%w: only the buyer may withdraw", ErrForbidden)
		}
	case EventScheduleMeeting, EventCancel, EventComplete, EventDispute:
		// Either participant.
	default:
		return fmt.Errorf("%w: %s is not a member event", ErrForbidden, event)
	}
	return nil
}

// ResolveDisputed applies the paired RESOLVE transition on behalf of the
// dispute subsystem. Implements dispute.RequestResolver.
func (c *Coordinator) ResolveDisputed(ctx context.Context, requestID, actorID string) error {
	_, err := c.ApplyEvent(ctx, requestID, EventResolve, actorID, "")
	return err
}

// listingEventFor maps a committed request event onto the listing machine.
var listingEventFor = map[Event]listing.Event{
	EventAccept:   listing.EventBeginTransaction,
	EventComplete: listing.EventComplete,
}

func (c *Coordinator) driveListingFor(ctx context.Context, r *Request, event Event) {
	le, ok := listingEventFor[event]
	if !ok {
		return
	}
	c.driveListing(ctx, r.ListingID, le)
}

// driveListing runs a best-effort listing side transition after commit.
// The request transition already committed; a listing that cannot follow
// (concurrent archive, repeat INTEREST) is logged and left alone.
func (c *Coordinator) driveListing(ctx context.Context, listingID string, event listing.Event) {
	if _, err := c.listings.ApplyEvent(ctx, listingID, event, auth.SystemActor); err != nil {
		if errors.Is(err, listing.ErrInvalidTransition) {
			return
		}
		logging.FromContext(ctx).Warn("listing side transition failed",
			"listing_id", listingID, "event", string(event), "error", err)
	}
}

// Get returns one request, visible to its participants and admins.
func (c *Coordinator) Get(ctx context.Context, requestID, actorID string) (*Request, error) {
	r, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Participant(actorID) || actorID == auth.SystemActor {
		return r, nil
	}
	isAdmin, err := c.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("resolve admin policy: %w", err)
	}
	if !isAdmin {
		return nil, fmt.Errorf("%w: actor %s is not a participant", ErrForbidden, actorID)
	}
	return r, nil
}

// ListForUser returns the requests the user participates in.
func (c *Coordinator) ListForUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return c.store.ListByUser(ctx, userID, limit)
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, trust.ErrRestricted):
		return "restricted"
	default:
		return "error"
	}
}
