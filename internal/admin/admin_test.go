package admin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/dispute"
	"github.com/mwalcott/unibazaar/internal/exchange"
	"github.com/mwalcott/unibazaar/internal/idgen"
	"github.com/mwalcott/unibazaar/internal/listing"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
)

// mapActivity is a per-user recent-activity stub.
type mapActivity map[string]trust.Activity

func (mapActivity) ActiveDisputesAgainst(context.Context, string) (int, error) {
	return 0, nil
}

func (m mapActivity) RecentActivity(_ context.Context, userID string, _ time.Time) (trust.Activity, error) {
	return m[userID], nil
}

type fixture struct {
	service  *Service
	users    *users.MemoryStore
	listings *listing.MemoryStore
	requests *exchange.MemoryStore
	disputes *dispute.MemoryStore
	audit    *audit.MemoryLogger
	activity mapActivity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := audit.NewMemoryLogger()
	userStore := users.NewMemoryStore()
	for _, id := range []string{"usr_buyer", "usr_seller"} {
		require.NoError(t, userStore.Create(context.Background(), &users.User{
			ID: id, Email: id + "@example.edu", Active: true, CreatedAt: time.Now().Add(-60 * 24 * time.Hour),
		}))
	}
	listingStore := listing.NewMemoryStore(log)
	disputeStore := dispute.NewMemoryStore(log)
	requestStore := exchange.NewMemoryStore(log, userStore, disputeStore)
	activity := mapActivity{}
	trustSvc := trust.NewService(userStore, activity, trust.DefaultPolicy(),
		trust.DefaultFraudPolicy(), trust.DefaultRestrictionPolicy())
	return &fixture{
		service:  NewService(userStore, listingStore, requestStore, disputeStore, trustSvc, log),
		users:    userStore,
		listings: listingStore,
		requests: requestStore,
		disputes: disputeStore,
		audit:    log,
		activity: activity,
	}
}

func (f *fixture) listing(t *testing.T, status listing.Status) *listing.Listing {
	t.Helper()
	now := time.Now()
	l := &listing.Listing{
		ID:        idgen.WithPrefix(idgen.PrefixListing),
		OwnerID:   "usr_seller",
		Title:     "desk lamp",
		Category:  "resale",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.listings.Create(context.Background(), l,
		audit.NewEntry(context.Background(), "listing.create", "listing", l.ID, nil)))
	return l
}

func (f *fixture) request(t *testing.T, listingID string, status exchange.Status) *exchange.Request {
	t.Helper()
	now := time.Now()
	r := &exchange.Request{
		ID:        idgen.WithPrefix(idgen.PrefixRequest),
		ListingID: listingID,
		BuyerID:   "usr_buyer",
		SellerID:  "usr_seller",
		Status:    status,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.requests.CreateRequest(context.Background(),
		r, audit.NewEntry(context.Background(), "request.create", "request", r.ID, nil)))
	return r
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, listing.StatusApproved)
	f.listing(t, listing.StatusDraft)
	f.request(t, l.ID, exchange.StatusSent)

	st, err := f.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Users.Total)
	assert.Equal(t, 2, st.Users.Active)
	assert.Equal(t, 1, st.Listings[listing.StatusApproved])
	assert.Equal(t, 1, st.Listings[listing.StatusDraft])
	assert.Equal(t, 1, st.Requests[exchange.StatusSent])
	assert.Empty(t, st.Disputes)
}

func TestUserDetail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.service.UserDetail(ctx, "usr_seller")
	require.NoError(t, err)
	assert.Equal(t, "usr_seller", d.User.ID)
	require.NotNil(t, d.Trust)
	require.NotNil(t, d.Fraud)
	require.NotNil(t, d.Restriction)

	_, err = f.service.UserDetail(ctx, "usr_ghost")
	assert.ErrorIs(t, err, users.ErrUserNotFound)
}

func TestIntegrityClean(t *testing.T) {
	f := newFixture(t)
	l := f.listing(t, listing.StatusApproved)
	f.request(t, l.ID, exchange.StatusSent)

	issues, err := f.service.Integrity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestIntegrityFindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A DISPUTED request with no dispute row behind it.
	l := f.listing(t, listing.StatusInTransaction)
	disputed := f.request(t, l.ID, exchange.StatusDisputed)

	// An active request whose listing does not exist.
	orphan := f.request(t, "lst_gone", exchange.StatusAccepted)

	// An active request pointing at a terminal listing.
	removed := f.listing(t, listing.StatusRemoved)
	stuck := f.request(t, removed.ID, exchange.StatusSent)

	issues, err := f.service.Integrity(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 3)

	byKind := map[string]Issue{}
	for _, issue := range issues {
		byKind[issue.Kind] = issue
	}
	assert.Equal(t, disputed.ID, byKind[IssueDisputedWithoutDispute].EntityID)
	assert.Equal(t, orphan.ID, byKind[IssueOrphanedRequest].EntityID)
	assert.Equal(t, stuck.ID, byKind[IssueActiveOnTerminalListing].EntityID)
}

func TestIntegrityDisputedWithRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, listing.StatusInTransaction)
	r := f.request(t, l.ID, exchange.StatusDisputed)

	d := dispute.New("usr_buyer", "usr_seller", "exchange", "item not as described", l.ID, r.ID)
	require.NoError(t, f.disputes.Create(ctx, d, nil))

	issues, err := f.service.Integrity(ctx)
	require.NoError(t, err)
	for _, issue := range issues {
		assert.NotEqual(t, IssueDisputedWithoutDispute, issue.Kind)
	}
}

func TestFraudOverview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A brand-new account with a dispute burst trips the heuristics.
	require.NoError(t, f.users.Create(ctx, &users.User{
		ID: "usr_fresh", Email: "fresh@example.edu", Active: true, CreatedAt: time.Now(),
	}))
	f.activity["usr_fresh"] = trust.Activity{Disputes: 3}

	overview, err := f.service.FraudOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, overview.Scanned)
	require.Len(t, overview.Flagged, 1)
	assert.Equal(t, "usr_fresh", overview.Flagged[0].UserID)
	assert.NotEmpty(t, overview.Flagged[0].Reasons)
}
