// Package recovery runs the periodic housekeeping sweep: expiring stale
// requests and listings, revoking expired API keys, and pruning idempotency
// records.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/exchange"
	"github.com/mwalcott/unibazaar/internal/listing"
	"github.com/mwalcott/unibazaar/internal/logging"
	"github.com/mwalcott/unibazaar/internal/metrics"
	"github.com/mwalcott/unibazaar/internal/traces"
)

// batchSize bounds each sub-sweep so no sweep holds locks for unbounded time.
const batchSize = 100

// Report is the outcome of one sweep run. Errors are collected per sub-sweep
// so one failure never hides the others' counts.
type Report struct {
	ExpiredRequests        int       `json:"expiredRequests"`
	ExpiredListings        int       `json:"expiredListings"`
	RevokedCredentials     int       `json:"revokedCredentials"`
	DeletedIdempotencyKeys int       `json:"deletedIdempotencyKeys"`
	Errors                 []string  `json:"errors,omitempty"`
	StartedAt              time.Time `json:"startedAt"`
	FinishedAt             time.Time `json:"finishedAt"`
}

// Sweeper runs the sub-sweeps. Each is idempotent and isolated: the sweep
// may be triggered twice concurrently (timer plus admin endpoint) and every
// item is still handled at most once, because expiry goes through the
// serialized transition paths.
type Sweeper struct {
	coordinator  *exchange.Coordinator
	requests     exchange.Store
	listings     *listing.Service
	listingStore listing.Store
	keys         *auth.Manager
	requestTTL   time.Duration
	listingTTL   time.Duration
	now          func() time.Time
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(coordinator *exchange.Coordinator, requests exchange.Store, listings *listing.Service, listingStore listing.Store, keys *auth.Manager, requestTTL, listingTTL time.Duration) *Sweeper {
	if requestTTL <= 0 {
		requestTTL = 7 * 24 * time.Hour
	}
	if listingTTL <= 0 {
		listingTTL = 60 * 24 * time.Hour
	}
	return &Sweeper{
		coordinator:  coordinator,
		requests:     requests,
		listings:     listings,
		listingStore: listingStore,
		keys:         keys,
		requestTTL:   requestTTL,
		listingTTL:   listingTTL,
		now:          time.Now,
	}
}

// Run executes all sub-sweeps and reports their counts. A failure in one
// sub-sweep is recorded and the others still run.
func (s *Sweeper) Run(ctx context.Context) Report {
	ctx, span := traces.StartSpan(ctx, "recovery.Run")
	defer span.End()

	report := Report{StartedAt: s.now()}
	log := logging.FromContext(ctx)

	n, err := s.expireStaleRequests(ctx)
	report.ExpiredRequests = n
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("expire requests: %v", err))
		log.Error("recovery: expire sweep failed", "error", err, "expired", n)
	}
	metrics.RecoverySweepTotal.WithLabelValues("expired_requests").Add(float64(n))

	n, err = s.expireStaleListings(ctx)
	report.ExpiredListings = n
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("expire listings: %v", err))
		log.Error("recovery: listing sweep failed", "error", err, "expired", n)
	}
	metrics.RecoverySweepTotal.WithLabelValues("expired_listings").Add(float64(n))

	n, err = s.keys.RevokeExpired(ctx, s.now())
	report.RevokedCredentials = n
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("revoke credentials: %v", err))
		log.Error("recovery: credential sweep failed", "error", err)
	}
	metrics.RecoverySweepTotal.WithLabelValues("revoked_credentials").Add(float64(n))

	n, err = s.requests.DeleteExpiredIdempotency(ctx, s.now())
	report.DeletedIdempotencyKeys = n
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("prune idempotency: %v", err))
		log.Error("recovery: idempotency sweep failed", "error", err)
	}
	metrics.RecoverySweepTotal.WithLabelValues("deleted_idempotency_keys").Add(float64(n))

	report.FinishedAt = s.now()
	log.Info("recovery sweep finished",
		"expired_requests", report.ExpiredRequests,
		"expired_listings", report.ExpiredListings,
		"revoked_credentials", report.RevokedCredentials,
		"deleted_idempotency_keys", report.DeletedIdempotencyKeys,
		"errors", len(report.Errors),
	)
	return report
}

// expireStaleRequests moves SENT requests untouched for longer than the TTL
// to EXPIRED through the coordinator, one serialized transition per request.
// A request that raced into another state between listing and expiry fails
// its transition and is simply skipped.
func (s *Sweeper) expireStaleRequests(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.requestTTL)
	stale, err := s.requests.ListStale(ctx, exchange.StatusSent, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale requests: %w", err)
	}

	expired := 0
	for _, r := range stale {
		if _, err := s.coordinator.ApplyEvent(ctx, r.ID, exchange.EventExpire, auth.SystemActor, ""); err != nil {
			logging.FromContext(ctx).Warn("recovery: could not expire request",
				"request_id", r.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// expireStaleListings moves APPROVED listings untouched for longer than the
// listing TTL to EXPIRED as the system actor.
func (s *Sweeper) expireStaleListings(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.listingTTL)
	stale, err := s.listingStore.ListStale(ctx, listing.StatusApproved, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale listings: %w", err)
	}

	expired := 0
	for _, l := range stale {
		if _, err := s.listings.ApplyEvent(ctx, l.ID, listing.EventExpire, auth.SystemActor); err != nil {
			logging.FromContext(ctx).Warn("recovery: could not expire listing",
				"listing_id", l.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}
