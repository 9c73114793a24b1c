package server

import (
	"context"
	"time"

	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/exchange"
	"github.com/mwalcott/unibazaar/internal/listing"
	"github.com/mwalcott/unibazaar/internal/trust"
)

// activitySource feeds the trust engine from the live stores. It lives here
// because the listing and exchange packages already depend on trust for the
// capability gate.
type activitySource struct {
	listings listing.Store
	requests exchange.Store
	disputes dispute.Store
}

func (a *activitySource) ActiveDisputesAgainst(ctx context.Context, userID string) (int, error) {
	return a.disputes.CountOpenAgainst(ctx, userID)
}

func (a *activitySource) RecentActivity(ctx context.Context, userID string, since time.Time) (trust.Activity, error) {
	listings, err := a.listings.CountRecentByOwner(ctx, userID, since)
	if err != nil {
		return trust.Activity{}, err
	}
	cancellations, err := a.requests.CountRecentCancellationsBy(ctx, userID, since)
	if err != nil {
		return trust.Activity{}, err
	}
	disputes, err := a.disputes.CountRecentAgainst(ctx, userID, since)
	if err != nil {
		return trust.Activity{}, err
	}
	return trust.Activity{
		Listings:      listings,
		Cancellations: cancellations,
		Disputes:      disputes,
	}, nil
}

var _ trust.ActivitySource = (*activitySource)(nil)
