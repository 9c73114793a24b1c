package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwalcott/unibazaar/internal/metrics"
	"github.com/mwalcott/unibazaar/internal/users"
)

// ErrRestricted marks a mutating call denied by the restriction engine.
// Distinct from authorization failures so clients can tell "you can't"
// from "your account is limited".
var ErrRestricted = errors.New("account restricted")

// RestrictedError carries the denial reason; unwraps to ErrRestricted.
type RestrictedError struct {
	Reason string
}

func (e *RestrictedError) Error() string {
	return fmt.Sprintf("account restricted: %s", e.Reason)
}

func (e *RestrictedError) Unwrap() error { return ErrRestricted }

// ActivitySource supplies the recent-activity counts the fraud heuristics
// and restriction engine need. Implemented in the server wiring over the
// listing, exchange, and dispute stores.
type ActivitySource interface {
	ActiveDisputesAgainst(ctx context.Context, userID string) (int, error)
	RecentActivity(ctx context.Context, userID string, since time.Time) (Activity, error)
}

// Activity is a recent-window activity snapshot for one user.
type Activity struct {
	Listings      int `json:"listings"`
	Cancellations int `json:"cancellations"`
	Disputes      int `json:"disputes"`
}

// FraudWindow is the lookback window for recent-activity signals.
const FraudWindow = 72 * time.Hour

// Service computes live trust/fraud/restriction views for real users.
// All scoring goes through the same pure functions the tests call directly.
type Service struct {
	users       users.Store
	activity    ActivitySource
	policy      Policy
	fraudPolicy FraudPolicy
	restriction RestrictionPolicy
}

// NewService creates a trust service.
func NewService(userStore users.Store, activity ActivitySource, p Policy, fp FraudPolicy, rp RestrictionPolicy) *Service {
	return &Service{
		users:       userStore,
		activity:    activity,
		policy:      p,
		fraudPolicy: fp,
		restriction: rp,
	}
}

// TrustFor computes the trust score for a user.
func (s *Service) TrustFor(ctx context.Context, userID string) (*Score, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	score := Compute(s.policy, Inputs{
		CompletedExchanges: u.CompletedExchanges,
		CancelledRequests:  u.CancelledRequests,
		DisputesAgainst:    u.DisputesAgainst,
		AdminFlags:         u.AdminFlags,
		AccountAgeDays:     u.AccountAgeDays(),
	})
	return &score, nil
}

// FraudFor evaluates the fraud heuristics over the user's recent activity.
func (s *Service) FraudFor(ctx context.Context, userID string) (*FraudResult, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	act, err := s.activity.RecentActivity(ctx, userID, time.Now().Add(-FraudWindow))
	if err != nil {
		return nil, err
	}
	result := EvaluateFraud(s.fraudPolicy, FraudInputs{
		RecentListings:      act.Listings,
		RecentCancellations: act.Cancellations,
		RecentDisputes:      act.Disputes,
		AccountAgeDays:      u.AccountAgeDays(),
	})
	return &result, nil
}

// RestrictionFor computes the live capability mask for a user.
func (s *Service) RestrictionFor(ctx context.Context, userID string) (*Restriction, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	score := Compute(s.policy, Inputs{
		CompletedExchanges: u.CompletedExchanges,
		CancelledRequests:  u.CancelledRequests,
		DisputesAgainst:    u.DisputesAgainst,
		AdminFlags:         u.AdminFlags,
		AccountAgeDays:     u.AccountAgeDays(),
	})
	active, err := s.activity.ActiveDisputesAgainst(ctx, userID)
	if err != nil {
		return nil, err
	}
	r := ComputeRestriction(s.restriction, score.Status, active, OverrideState(u.AdminOverride))
	if r.Restricted && u.RestrictionReason != "" {
		r.Reason = u.RestrictionReason
	}
	return &r, nil
}

// Allow is the pre-flight gate mutating services call before any FSM logic
// runs. The system actor is never gated.
func (s *Service) Allow(ctx context.Context, userID string, cap Capability) error {
	if userID == "" || userID == "system" {
		return nil
	}
	r, err := s.RestrictionFor(ctx, userID)
	if err != nil {
		return err
	}
	if r.Denies(cap) {
		metrics.RestrictionDenialsTotal.WithLabelValues(string(cap)).Inc()
		return &RestrictedError{Reason: r.Reason}
	}
	return nil
}
