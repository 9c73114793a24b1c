package listing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/idgen"
	"github.com/mwalcott/unibazaar/internal/logging"
	"github.com/mwalcott/unibazaar/internal/metrics"
	"github.com/mwalcott/unibazaar/internal/traces"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// Gate is the restriction pre-flight check, implemented by trust.Service.
type Gate interface {
	Allow(ctx context.Context, userID string, cap trust.Capability) error
}

// FraudAdvisor surfaces the advisory fraud signal captured at creation.
type FraudAdvisor interface {
	FraudFor(ctx context.Context, userID string) (*trust.FraudResult, error)
}

// Service implements listing operations.
type Service struct {
	store   Store
	gate    Gate
	advisor FraudAdvisor
	admins  auth.AdminPolicy
}

// NewService creates a listing service.
func NewService(store Store, gate Gate, advisor FraudAdvisor, admins auth.AdminPolicy) *Service {
	return &Service{store: store, gate: gate, advisor: advisor, admins: admins}
}

// CreateInput are the owner-supplied listing fields.
type CreateInput struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category" binding:"required"`
	Module      string `json:"module"`
	PriceCents  int64  `json:"priceCents"`
}

// Create makes a new listing in DRAFT for the owner. The restriction gate
// runs before anything is persisted; the fraud heuristics run after it as an
// advisory signal only.
func (s *Service) Create(ctx context.Context, ownerID string, in CreateInput) (*Listing, error) {
	ctx, span := traces.StartSpan(ctx, "listing.Create", traces.ActorID(ownerID))
	defer span.End()

	in.Title = validation.SanitizeString(in.Title, validation.MaxTitleLength)
	in.Description = validation.SanitizeString(in.Description, validation.MaxTextLength)
	in.Module = validation.SanitizeString(in.Module, validation.MaxTitleLength)

	if errs := validation.Validate(
		validation.Required("title", in.Title),
		validation.Required("category", in.Category),
		validation.ValidCategory("category", in.Category),
		validation.ValidPriceCents("priceCents", in.PriceCents),
	); len(errs) > 0 {
		return nil, errs
	}

	if err := s.gate.Allow(ctx, ownerID, trust.CapCreateListing); err != nil {
		return nil, err
	}

	now := time.Now()
	l := &Listing{
		ID:          idgen.WithPrefix(idgen.PrefixListing),
		OwnerID:     ownerID,
		Title:       in.Title,
		Description: in.Description,
		Category:    in.Category,
		Module:      in.Module,
		PriceCents:  in.PriceCents,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Advisory only. A failed heuristics run never blocks the listing.
	if fraud, err := s.advisor.FraudFor(ctx, ownerID); err != nil {
		logging.FromContext(ctx).Warn("fraud heuristics unavailable at listing creation",
			"owner_id", ownerID, "error", err)
	} else if fraud.Flagged {
		l.FraudFlagged = true
		l.FraudReasons = fraud.Reasons
	}

	entry := audit.NewEntry(ctx, "listing.create", "listing", l.ID, map[string]string{
		"category": l.Category,
		"fraud":    fmt.Sprintf("%t", l.FraudFlagged),
	})
	if err := s.store.Create(ctx, l, entry); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return l, nil
}

// ApplyEvent drives one listing transition for the given actor.
func (s *Service) ApplyEvent(ctx context.Context, listingID string, event Event, actorID string) (*Listing, error) {
	ctx, span := traces.StartSpan(ctx, "listing.ApplyEvent",
		traces.ListingID(listingID), traces.Event(string(event)), traces.ActorID(actorID))
	defer span.End()

	l, err := s.store.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, l, event, actorID); err != nil {
		metrics.ListingTransitionsTotal.WithLabelValues(string(event), "forbidden").Inc()
		return nil, err
	}

	m := NewMachine(l.Status)
	t, err := m.Apply(event)
	if err != nil {
		metrics.ListingTransitionsTotal.WithLabelValues(string(event), "invalid").Inc()
		return nil, err
	}

	l.Status = t.To
	l.UpdatedAt = t.At
	entry := audit.NewEntry(ctx, "listing."+strings.ToLower(string(event)), "listing", l.ID, map[string]string{
		"from": string(t.From),
		"to":   string(t.To),
	})
	if err := s.store.Update(ctx, l, entry); err != nil {
		metrics.ListingTransitionsTotal.WithLabelValues(string(event), "error").Inc()
		return nil, fmt.Errorf("update listing: %w", err)
	}
	metrics.ListingTransitionsTotal.WithLabelValues(string(event), "applied").Inc()
	return l, nil
}

// Event authorization classes. Review events belong to admins, transaction
// events to the exchange coordinator (system actor), the rest to the owner.
var (
	ownerEvents = map[Event]bool{EventSubmit: true, EventArchive: true, EventRemove: true}
	adminEvents = map[Event]bool{EventApprove: true, EventReject: true, EventFlag: true, EventExpire: true}
)

func (s *Service) authorize(ctx context.Context, l *Listing, event Event, actorID string) error {
	if actorID == auth.SystemActor {
		return nil
	}
	isAdmin, err := s.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolve admin policy: %w", err)
	}
	if isAdmin {
		return nil
	}
	if ownerEvents[event] && actorID == l.OwnerID {
		// Owners stay gated on their own lifecycle events.
		return s.gate.Allow(ctx, actorID, trust.CapApplyEvent)
	}
	if adminEvents[event] {
		return fmt.Errorf("%w: %s requires an admin", ErrForbidden, event)
	}
	return fmt.Errorf("%w: actor %s", ErrForbidden, actorID)
}

// Get returns one listing.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// ListByOwner returns the owner's listings, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*Listing, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Browse returns approved listings, optionally narrowed to a category.
func (s *Service) Browse(ctx context.Context, category string, limit int) ([]*Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusApproved, category, limit)
}
