package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/logging"
	"github.com/mwalcott/unibazaar/internal/metrics"
	"github.com/mwalcott/unibazaar/internal/traces"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// Gate is the restriction pre-flight check, implemented by trust.Service.
type Gate interface {
	Allow(ctx context.Context, userID string, cap trust.Capability) error
}

// RequestResolver applies the paired RESOLVE transition on the originating
// request. Implemented by the exchange coordinator.
type RequestResolver interface {
	ResolveDisputed(ctx context.Context, requestID, actorID string) error
}

// AdminPolicy decides whether an actor may adjudicate disputes.
type AdminPolicy interface {
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// Service implements dispute operations.
type Service struct {
	store    Store
	users    users.Store
	gate     Gate
	admins   AdminPolicy
	resolver RequestResolver
}

// NewService creates a dispute service. The resolver may be nil until the
// exchange coordinator exists; SetResolver wires it in.
func NewService(store Store, userStore users.Store, gate Gate, admins AdminPolicy) *Service {
	return &Service{store: store, users: userStore, gate: gate, admins: admins}
}

// SetResolver wires the exchange coordinator in after construction.
func (s *Service) SetResolver(r RequestResolver) { s.resolver = r }

// CreateInput are the fields for a standalone claim.
type CreateInput struct {
	Against     string `json:"against" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Description string `json:"description" binding:"required"`
	ListingID   string `json:"listingId"`
}

// Create files a standalone dispute. The respondent's disputes_against
// counter feeds the trust engine immediately.
func (s *Service) Create(ctx context.Context, filedBy string, in CreateInput) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create", traces.ActorID(filedBy))
	defer span.End()

	in.Description = validation.SanitizeString(in.Description, validation.MaxTextLength)
	in.Type = validation.SanitizeString(in.Type, validation.MaxTitleLength)

	if errs := validation.Validate(
		validation.Required("against", in.Against),
		validation.ValidID("against", in.Against, "usr_"),
		validation.Required("type", in.Type),
		validation.Required("description", in.Description),
	); len(errs) > 0 {
		return nil, errs
	}
	if in.Against == filedBy {
		return nil, ErrSelfDispute
	}
	if _, err := s.users.Get(ctx, in.Against); err != nil {
		return nil, err
	}
	if err := s.gate.Allow(ctx, filedBy, trust.CapFileDispute); err != nil {
		return nil, err
	}

	d := New(filedBy, in.Against, in.Type, in.Description, in.ListingID, "")
	entry := audit.NewEntry(ctx, "dispute.create", "dispute", d.ID, map[string]string{
		"against": d.Against,
		"type":    d.Type,
	})
	if err := s.store.Create(ctx, d, entry); err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}
	if err := s.users.IncrementCounter(ctx, d.Against, users.CounterDisputesAgainst); err != nil {
		logging.FromContext(ctx).Error("dispute counter increment failed",
			"dispute_id", d.ID, "against", d.Against, "error", err)
	}
	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	return d, nil
}

// Review moves an OPEN dispute to UNDER_REVIEW. Admin only.
func (s *Service) Review(ctx context.Context, disputeID, actorID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Review", traces.DisputeID(disputeID), traces.ActorID(actorID))
	defer span.End()

	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: status %s", ErrClosed, d.Status)
	}
	d.Status = StatusUnderReview
	d.UpdatedAt = time.Now()

	entry := audit.NewEntry(ctx, "dispute.review", "dispute", d.ID, nil)
	if err := s.store.Update(ctx, d, entry); err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}
	metrics.DisputesTotal.WithLabelValues("reviewed").Inc()
	return d, nil
}

// Resolve closes a dispute with the given status and resolution note. Admin
// only. When the dispute originated from a request, the paired RESOLVE event
// runs first so a stuck DISPUTED request can never outlive its dispute.
func (s *Service) Resolve(ctx context.Context, disputeID string, status Status, resolution, actorID string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID), traces.ActorID(actorID))
	defer span.End()

	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	if _, err := ParseClosedStatus(string(status)); err != nil {
		return nil, err
	}
	resolution = validation.SanitizeString(resolution, validation.MaxTextLength)
	if resolution == "" {
		return nil, validation.Errors{{Field: "resolution", Message: "is required"}}
	}

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Open() {
		return nil, fmt.Errorf("%w: status %s", ErrClosed, d.Status)
	}

	if d.RequestID != "" && s.resolver != nil {
		if err := s.resolver.ResolveDisputed(ctx, d.RequestID, actorID); err != nil {
			// The request may already be past DISPUTED; anything else
			// aborts so the dispute never closes with a stuck request.
			if !isInvalidTransition(err) {
				return nil, fmt.Errorf("resolve origin request: %w", err)
			}
			logging.FromContext(ctx).Warn("origin request not in DISPUTED at dispute resolution",
				"dispute_id", d.ID, "request_id", d.RequestID, "error", err)
		}
	}

	now := time.Now()
	d.Status = status
	d.Resolution = resolution
	d.ResolvedBy = actorID
	d.ResolvedAt = &now
	d.UpdatedAt = now

	entry := audit.NewEntry(ctx, "dispute.resolve", "dispute", d.ID, map[string]string{
		"status":     string(status),
		"request_id": d.RequestID,
	})
	if err := s.store.Update(ctx, d, entry); err != nil {
		return nil, fmt.Errorf("update dispute: %w", err)
	}
	metrics.DisputesTotal.WithLabelValues(closureLabel(status)).Inc()
	return d, nil
}

// Get returns one dispute, visible to its participants and admins.
func (s *Service) Get(ctx context.Context, disputeID, actorID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if actorID == d.FiledBy || actorID == d.Against {
		return d, nil
	}
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	return d, nil
}

// ListInvolving returns disputes the user filed or faces.
func (s *Service) ListInvolving(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListInvolving(ctx, userID, limit)
}

// ListOpen returns open disputes for the admin queue.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	open, err := s.store.ListByStatus(ctx, StatusOpen, limit)
	if err != nil {
		return nil, err
	}
	review, err := s.store.ListByStatus(ctx, StatusUnderReview, limit)
	if err != nil {
		return nil, err
	}
	return append(open, review...), nil
}

func (s *Service) requireAdmin(ctx context.Context, actorID string) error {
	ok, err := s.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolve admin policy: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func closureLabel(s Status) string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusRejected:
		return "rejected"
	case StatusEscalated:
		return "escalated"
	}
	return "closed"
}

// isInvalidTransition matches the exchange package's invalid-transition error
// without importing it (the exchange package depends on this one).
func isInvalidTransition(err error) bool {
	type invalid interface{ InvalidTransition() bool }
	var iv invalid
	return errors.As(err, &iv) && iv.InvalidTransition()
}
