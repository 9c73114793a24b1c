// Package admin provides the reporting and integrity surface for platform
// operators: aggregate stats, per-user drilldowns, cross-entity consistency
// checks, and a fraud overview.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/exchange"
	"github.com/mwalcott/unibazaar/internal/listing"
	"github.com/mwalcott/unibazaar/internal/logging"
	"github.com/mwalcott/unibazaar/internal/traces"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
)

// TrustSource is the trust read surface, implemented by trust.Service.
type TrustSource interface {
	TrustFor(ctx context.Context, userID string) (*trust.Score, error)
	FraudFor(ctx context.Context, userID string) (*trust.FraudResult, error)
	RestrictionFor(ctx context.Context, userID string) (*trust.Restriction, error)
}

// Service aggregates reads across every subsystem. All callers are admins;
// route-level enforcement happens in the handlers' router group.
type Service struct {
	users    users.Store
	listings listing.Store
	requests exchange.Store
	disputes dispute.Store
	trust    TrustSource
	auditLog audit.Logger
}

// NewService creates the admin reporting service.
func NewService(userStore users.Store, listingStore listing.Store, requestStore exchange.Store, disputeStore dispute.Store, trustSource TrustSource, auditLog audit.Logger) *Service {
	return &Service{
		users:    userStore,
		listings: listingStore,
		requests: requestStore,
		disputes: disputeStore,
		trust:    trustSource,
		auditLog: auditLog,
	}
}

// Stats is the platform-wide status breakdown.
type Stats struct {
	Users struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"users"`
	Listings map[listing.Status]int  `json:"listings"`
	Requests map[exchange.Status]int `json:"requests"`
	Disputes map[dispute.Status]int  `json:"disputes"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// Stats returns counts by status for every entity.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := traces.StartSpan(ctx, "admin.Stats")
	defer span.End()

	st := &Stats{GeneratedAt: time.Now()}
	var err error
	if st.Users.Total, st.Users.Active, err = s.users.Count(ctx); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if st.Listings, err = s.listings.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count listings: %w", err)
	}
	if st.Requests, err = s.requests.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	if st.Disputes, err = s.disputes.CountByStatus(ctx); err != nil {
		return nil, fmt.Errorf("count disputes: %w", err)
	}
	return st, nil
}

// UserDetail is the admin drilldown for one user.
type UserDetail struct {
	User        *users.User        `json:"user"`
	Trust       *trust.Score       `json:"trust"`
	Fraud       *trust.FraudResult `json:"fraud"`
	Restriction *trust.Restriction `json:"restriction"`
	RecentAudit []*audit.Entry     `json:"recentAudit"`
}

// UserDetail assembles profile, counters, trust state, and recent audit
// entries for one user.
func (s *Service) UserDetail(ctx context.Context, userID string) (*UserDetail, error) {
	ctx, span := traces.StartSpan(ctx, "admin.UserDetail", traces.ActorID(userID))
	defer span.End()

	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	d := &UserDetail{User: u}
	if d.Trust, err = s.trust.TrustFor(ctx, userID); err != nil {
		return nil, fmt.Errorf("trust: %w", err)
	}
	if d.Fraud, err = s.trust.FraudFor(ctx, userID); err != nil {
		return nil, fmt.Errorf("fraud: %w", err)
	}
	if d.Restriction, err = s.trust.RestrictionFor(ctx, userID); err != nil {
		return nil, fmt.Errorf("restriction: %w", err)
	}
	if d.RecentAudit, err = s.auditLog.Query(ctx, audit.Filter{ActorID: userID, Limit: 20}); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return d, nil
}

// Issue is one integrity finding.
type Issue struct {
	Kind     string `json:"kind"`
	EntityID string `json:"entityId"`
	Detail   string `json:"detail"`
}

// Integrity finding kinds.
const (
	IssueDisputedWithoutDispute  = "disputed_request_without_dispute"
	IssueOrphanedRequest         = "orphaned_request"
	IssueActiveOnTerminalListing = "active_request_on_terminal_listing"
)

const integrityScanLimit = 500

// Integrity runs cross-entity consistency checks and reports findings.
// It detects DISPUTED requests without a dispute row, requests whose listing
// is gone, and active requests pointing at listings already terminal.
func (s *Service) Integrity(ctx context.Context) ([]Issue, error) {
	ctx, span := traces.StartSpan(ctx, "admin.Integrity")
	defer span.End()

	var issues []Issue

	disputed, err := s.requests.ListByStatus(ctx, exchange.StatusDisputed, integrityScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list disputed requests: %w", err)
	}
	for _, r := range disputed {
		if _, err := s.disputes.GetByRequest(ctx, r.ID); errors.Is(err, dispute.ErrDisputeNotFound) {
			issues = append(issues, Issue{
				Kind:     IssueDisputedWithoutDispute,
				EntityID: r.ID,
				Detail:   "request is DISPUTED but no dispute references it",
			})
		} else if err != nil {
			return nil, fmt.Errorf("lookup dispute for %s: %w", r.ID, err)
		}
	}

	for _, status := range []exchange.Status{exchange.StatusSent, exchange.StatusAccepted, exchange.StatusMeetingScheduled} {
		rs, err := s.requests.ListByStatus(ctx, status, integrityScanLimit)
		if err != nil {
			return nil, fmt.Errorf("list %s requests: %w", status, err)
		}
		for _, r := range rs {
			l, err := s.listings.Get(ctx, r.ListingID)
			if errors.Is(err, listing.ErrListingNotFound) {
				issues = append(issues, Issue{
					Kind:     IssueOrphanedRequest,
					EntityID: r.ID,
					Detail:   fmt.Sprintf("listing %s no longer exists", r.ListingID),
				})
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("lookup listing %s: %w", r.ListingID, err)
			}
			if l.Status.Terminal() {
				issues = append(issues, Issue{
					Kind:     IssueActiveOnTerminalListing,
					EntityID: r.ID,
					Detail:   fmt.Sprintf("listing %s is %s but the request is still %s", l.ID, l.Status, r.Status),
				})
			}
		}
	}

	if len(issues) > 0 {
		logging.FromContext(ctx).Warn("integrity check found issues", "count", len(issues))
	}
	return issues, nil
}

// FraudOverview summarizes which users the fraud heuristics currently flag.
type FraudOverview struct {
	Scanned     int           `json:"scanned"`
	Flagged     []FlaggedUser `json:"flagged"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// FlaggedUser pairs a user with their current fraud reasons.
type FlaggedUser struct {
	UserID  string   `json:"userId"`
	Name    string   `json:"name"`
	Reasons []string `json:"reasons"`
}

// FraudOverview runs the fraud heuristics over recent users and collects
// the flagged ones.
func (s *Service) FraudOverview(ctx context.Context) (*FraudOverview, error) {
	ctx, span := traces.StartSpan(ctx, "admin.FraudOverview")
	defer span.End()

	us, err := s.users.List(ctx, 200)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	overview := &FraudOverview{Scanned: len(us), GeneratedAt: time.Now()}
	for _, u := range us {
		result, err := s.trust.FraudFor(ctx, u.ID)
		if err != nil {
			logging.FromContext(ctx).Warn("fraud heuristics failed for user", "user_id", u.ID, "error", err)
			continue
		}
		if result.Flagged {
			overview.Flagged = append(overview.Flagged, FlaggedUser{
				UserID:  u.ID,
				Name:    u.Name,
				Reasons: result.Reasons,
			})
		}
	}
	return overview, nil
}
