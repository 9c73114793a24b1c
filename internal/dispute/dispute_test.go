package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/trust"
	"github.com/mwalcott/unibazaar/internal/users"
)

type allowAllGate struct{}

func (allowAllGate) Allow(context.Context, string, trust.Capability) error { return nil }

type stubResolver struct {
	calls []string
	err   error
}

func (s *stubResolver) ResolveDisputed(_ context.Context, requestID, _ string) error {
	s.calls = append(s.calls, requestID)
	return s.err
}

type invalidTransitionErr struct{}

func (invalidTransitionErr) Error() string           { return "invalid transition" }
func (invalidTransitionErr) InvalidTransition() bool { return true }

type fixture struct {
	service  *Service
	store    *MemoryStore
	users    *users.MemoryStore
	audit    *audit.MemoryLogger
	resolver *stubResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := audit.NewMemoryLogger()
	userStore := users.NewMemoryStore()
	for _, id := range []string{"usr_alice", "usr_bob"} {
		require.NoError(t, userStore.Create(context.Background(), &users.User{
			ID: id, Email: id + "@example.edu", Active: true, CreatedAt: time.Now(),
		}))
	}
	store := NewMemoryStore(log)
	svc := NewService(store, userStore, allowAllGate{}, auth.StaticPolicy{"usr_admin": true})
	resolver := &stubResolver{}
	svc.SetResolver(resolver)
	return &fixture{service: svc, store: store, users: userStore, audit: log, resolver: resolver}
}

func TestCreateDispute(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithActor(context.Background(), "usr_alice", "member")

	d, err := f.service.Create(ctx, "usr_alice", CreateInput{
		Against:     "usr_bob",
		Type:        "item_not_as_described",
		Description: "the textbook was missing half its pages",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, "usr_alice", d.FiledBy)
	assert.Empty(t, d.RequestID)

	// Counter feeds the trust engine.
	bob, err := f.users.Get(ctx, "usr_bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.DisputesAgainst)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "dispute.create", entries[0].Action)
}

func TestCreateDisputeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Create(ctx, "usr_alice", CreateInput{
		Against: "usr_alice", Type: "x", Description: "y",
	})
	assert.ErrorIs(t, err, ErrSelfDispute)

	_, err = f.service.Create(ctx, "usr_alice", CreateInput{
		Against: "usr_ghost", Type: "x", Description: "y",
	})
	assert.ErrorIs(t, err, users.ErrUserNotFound)

	_, err = f.service.Create(ctx, "usr_alice", CreateInput{Against: "usr_bob"})
	require.Error(t, err)
	assert.Empty(t, f.audit.Entries())
}

func TestReviewAndResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.service.Create(ctx, "usr_alice", CreateInput{
		Against: "usr_bob", Type: "no_show", Description: "never met for the handoff",
	})
	require.NoError(t, err)

	_, err = f.service.Review(ctx, d.ID, "usr_alice")
	assert.ErrorIs(t, err, ErrForbidden)

	d, err = f.service.Review(ctx, d.ID, "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, StatusUnderReview, d.Status)

	// Review is only legal from OPEN.
	_, err = f.service.Review(ctx, d.ID, "usr_admin")
	assert.ErrorIs(t, err, ErrClosed)

	d, err = f.service.Resolve(ctx, d.ID, StatusRejected, "no evidence either way", "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, d.Status)
	assert.Equal(t, "usr_admin", d.ResolvedBy)
	require.NotNil(t, d.ResolvedAt)

	// Closed disputes stay closed.
	_, err = f.service.Resolve(ctx, d.ID, StatusResolved, "changed my mind", "usr_admin")
	assert.ErrorIs(t, err, ErrClosed)

	// No origin request: the resolver is never touched.
	assert.Empty(t, f.resolver.calls)
}

func TestResolveValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.service.Create(ctx, "usr_alice", CreateInput{
		Against: "usr_bob", Type: "no_show", Description: "x",
	})
	require.NoError(t, err)

	_, err = f.service.Resolve(ctx, d.ID, Status("OPEN"), "note", "usr_admin")
	assert.ErrorIs(t, err, ErrBadStatus)

	_, err = f.service.Resolve(ctx, d.ID, StatusResolved, "", "usr_admin")
	require.Error(t, err)
}

func TestResolvePairsOriginRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d := New("usr_alice", "usr_bob", "exchange", "contested completion", "lst_1", "req_1")
	require.NoError(t, f.store.Create(ctx, d, nil))

	got, err := f.service.Resolve(ctx, d.ID, StatusResolved, "buyer refunded in person", "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, []string{"req_1"}, f.resolver.calls)
}

func TestResolveOriginRequestFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An already-resolved request does not block closing the dispute.
	d := New("usr_alice", "usr_bob", "exchange", "contested", "", "req_2")
	require.NoError(t, f.store.Create(ctx, d, nil))
	f.resolver.err = invalidTransitionErr{}
	got, err := f.service.Resolve(ctx, d.ID, StatusResolved, "note", "usr_admin")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)

	// Any other resolver failure aborts so the request never gets stuck.
	d2 := New("usr_alice", "usr_bob", "exchange", "contested", "", "req_3")
	require.NoError(t, f.store.Create(ctx, d2, nil))
	f.resolver.err = errors.New("storage down")
	_, err = f.service.Resolve(ctx, d2.ID, StatusResolved, "note", "usr_admin")
	require.Error(t, err)

	got2, err := f.store.Get(ctx, d2.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got2.Status)
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d, err := f.service.Create(ctx, "usr_alice", CreateInput{
		Against: "usr_bob", Type: "no_show", Description: "x",
	})
	require.NoError(t, err)

	for _, actor := range []string{"usr_alice", "usr_bob", "usr_admin"} {
		_, err := f.service.Get(ctx, d.ID, actor)
		assert.NoError(t, err, "actor %s", actor)
	}
	_, err = f.service.Get(ctx, d.ID, "usr_stranger")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListOpenQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Create(ctx, "usr_alice", CreateInput{Against: "usr_bob", Type: "a", Description: "x"})
	require.NoError(t, err)
	_, err = f.service.Create(ctx, "usr_bob", CreateInput{Against: "usr_alice", Type: "b", Description: "y"})
	require.NoError(t, err)

	_, err = f.service.Review(ctx, first.ID, "usr_admin")
	require.NoError(t, err)

	queue, err := f.service.ListOpen(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, queue, 2)
}
