package listing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/testutil"
	"github.com/mwalcott/unibazaar/internal/users"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC()

	// Listings reference their owner.
	userStore := users.NewPostgresStore(db)
	require.NoError(t, userStore.Create(ctx, &users.User{
		ID: "usr_owner", Name: "Olive", Email: "olive@example.edu",
		Role: users.RoleMember, Active: true, CreatedAt: now, UpdatedAt: now,
	}))

	store := NewPostgresStore(db)
	mk := func(id string, status Status, updatedAt time.Time) *Listing {
		return &Listing{
			ID:         id,
			OwnerID:    "usr_owner",
			Title:      "desk lamp",
			Category:   "resale",
			PriceCents: 1500,
			Status:     status,
			CreatedAt:  updatedAt,
			UpdatedAt:  updatedAt,
		}
	}
	entry := func(id string) *audit.Entry {
		return audit.NewEntry(ctx, "listing.create", "listing", id, nil)
	}

	fresh := mk("lst_fresh", StatusApproved, now)
	stale := mk("lst_stale", StatusApproved, now.Add(-90*24*time.Hour))
	draft := mk("lst_draft", StatusDraft, now)
	for _, l := range []*Listing{fresh, stale, draft} {
		require.NoError(t, store.Create(ctx, l, entry(l.ID)))
	}

	got, err := store.Get(ctx, "lst_fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.EqualValues(t, 1500, got.PriceCents)

	_, err = store.Get(ctx, "lst_missing")
	assert.ErrorIs(t, err, ErrListingNotFound)

	approved, err := store.ListByStatus(ctx, StatusApproved, "", 10)
	require.NoError(t, err)
	assert.Len(t, approved, 2)

	none, err := store.ListByStatus(ctx, StatusApproved, "academic", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	byOwner, err := store.ListByOwner(ctx, "usr_owner")
	require.NoError(t, err)
	assert.Len(t, byOwner, 3)

	// Only the backdated approved listing is stale.
	staleOut, err := store.ListStale(ctx, StatusApproved, now.Add(-60*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, staleOut, 1)
	assert.Equal(t, "lst_stale", staleOut[0].ID)

	got.Status = StatusFlagged
	got.UpdatedAt = now
	require.NoError(t, store.Update(ctx, got, audit.NewEntry(ctx, "listing.flag", "listing", got.ID, nil)))

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusApproved])
	assert.Equal(t, 1, counts[StatusFlagged])
	assert.Equal(t, 1, counts[StatusDraft])

	recent, err := store.CountRecentByOwner(ctx, "usr_owner", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, recent)

	// The audit entries committed with the rows.
	log := audit.NewPostgresLogger(db)
	entries, err := log.Query(ctx, audit.Filter{TargetID: "lst_stale"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
