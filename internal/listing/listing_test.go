package listing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/auth"
	"github.com/mwalcott/unibazaar/internal/trust"
)

var allEvents = []Event{
	EventSubmit, EventApprove, EventReject, EventFlag, EventInterest,
	EventBeginTransaction, EventComplete, EventExpire, EventArchive, EventRemove,
}

var allStatuses = []Status{
	StatusDraft, StatusPendingReview, StatusApproved, StatusRejected,
	StatusInterestReceived, StatusInTransaction, StatusCompleted,
	StatusExpired, StatusFlagged, StatusArchived, StatusRemoved,
}

func TestParseEvent(t *testing.T) {
	e, err := ParseEvent("SUBMIT")
	require.NoError(t, err)
	assert.Equal(t, EventSubmit, e)

	_, err = ParseEvent("submit")
	assert.ErrorIs(t, err, ErrUnknownEvent)
	_, err = ParseEvent("DESTROY")
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine(StatusDraft)
	for _, e := range []Event{EventSubmit, EventApprove, EventInterest, EventBeginTransaction, EventComplete} {
		_, err := m.Apply(e)
		require.NoError(t, err, "event %s", e)
	}
	assert.Equal(t, StatusCompleted, m.State())

	history := m.History()
	require.Len(t, history, 5)
	assert.Equal(t, StatusDraft, history[0].From)
	assert.Equal(t, StatusCompleted, history[4].To)
	// Each transition chains off the previous one.
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].To, history[i].From)
	}
}

func TestMachineTotality(t *testing.T) {
	for _, s := range allStatuses {
		for _, e := range allEvents {
			m := NewMachine(s)
			_, legal := transitions[s][e]
			_, err := m.Apply(e)
			if legal {
				assert.NoError(t, err, "(%s, %s)", s, e)
				continue
			}
			require.Error(t, err, "(%s, %s)", s, e)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, s, m.State(), "failed apply must not move the machine")

			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, s, ite.From)
			assert.Equal(t, e, ite.Event)
		}
	}
}

func TestTerminalStatesAcceptNothingButArchive(t *testing.T) {
	for _, s := range []Status{StatusRejected, StatusExpired, StatusArchived, StatusRemoved} {
		assert.Empty(t, transitions[s], "terminal state %s must have no outgoing transitions", s)
	}
	// COMPLETED is terminal for the lifecycle but may still be tidied away.
	assert.Equal(t, map[Event]Status{EventArchive: StatusArchived}, transitions[StatusCompleted])
}

type allowAllGate struct{}

func (allowAllGate) Allow(context.Context, string, trust.Capability) error { return nil }

type denyGate struct{}

func (denyGate) Allow(context.Context, string, trust.Capability) error {
	return &trust.RestrictedError{Reason: "test restriction"}
}

type stubAdvisor struct {
	result trust.FraudResult
	err    error
}

func (s *stubAdvisor) FraudFor(context.Context, string) (*trust.FraudResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := s.result
	return &r, nil
}

type fixture struct {
	service *Service
	store   *MemoryStore
	audit   *audit.MemoryLogger
}

func newFixture(gate Gate, advisor FraudAdvisor) *fixture {
	log := audit.NewMemoryLogger()
	store := NewMemoryStore(log)
	return &fixture{
		service: NewService(store, gate, advisor, auth.StaticPolicy{"usr_admin": true}),
		store:   store,
		audit:   log,
	}
}

func TestServiceCreate(t *testing.T) {
	f := newFixture(allowAllGate{}, &stubAdvisor{})
	ctx := audit.WithActor(context.Background(), "usr_owner", "member")

	l, err := f.service.Create(ctx, "usr_owner", CreateInput{
		Title:      "calculus textbook, 3rd edition",
		Category:   "academic",
		Module:     "MATH201",
		PriceCents: 1500,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, l.Status)
	assert.Equal(t, "usr_owner", l.OwnerID)
	assert.False(t, l.FraudFlagged)

	entries := f.audit.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "listing.create", entries[0].Action)
	assert.Equal(t, l.ID, entries[0].TargetID)
	assert.Equal(t, "usr_owner", entries[0].ActorID)
}

func TestServiceCreateValidation(t *testing.T) {
	f := newFixture(allowAllGate{}, &stubAdvisor{})

	_, err := f.service.Create(context.Background(), "usr_owner", CreateInput{Category: "academic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title")

	_, err = f.service.Create(context.Background(), "usr_owner", CreateInput{Title: "x", Category: "weapons"})
	require.Error(t, err)

	_, err = f.service.Create(context.Background(), "usr_owner", CreateInput{Title: "x", Category: "resale", PriceCents: -1})
	require.Error(t, err)

	// Nothing persisted, nothing audited.
	assert.Empty(t, f.audit.Entries())
}

func TestServiceCreateRestricted(t *testing.T) {
	f := newFixture(denyGate{}, &stubAdvisor{})

	_, err := f.service.Create(context.Background(), "usr_owner", CreateInput{Title: "bike", Category: "resale"})
	assert.ErrorIs(t, err, trust.ErrRestricted)
	assert.Empty(t, f.audit.Entries())
}

func TestServiceCreateFraudAdvisory(t *testing.T) {
	advisor := &stubAdvisor{result: trust.FraudResult{Flagged: true, Reasons: []string{"listing burst on a young account"}}}
	f := newFixture(allowAllGate{}, advisor)

	l, err := f.service.Create(context.Background(), "usr_owner", CreateInput{Title: "bike", Category: "resale"})
	require.NoError(t, err)
	assert.True(t, l.FraudFlagged)
	assert.NotEmpty(t, l.FraudReasons)

	// A broken advisor never blocks creation.
	advisor.err = errors.New("activity source down")
	l, err = f.service.Create(context.Background(), "usr_owner", CreateInput{Title: "desk", Category: "resale"})
	require.NoError(t, err)
	assert.False(t, l.FraudFlagged)
}

func createApproved(t *testing.T, f *fixture, ownerID string) *Listing {
	t.Helper()
	ctx := context.Background()
	l, err := f.service.Create(ctx, ownerID, CreateInput{Title: "bike", Category: "resale"})
	require.NoError(t, err)
	l, err = f.service.ApplyEvent(ctx, l.ID, EventSubmit, ownerID)
	require.NoError(t, err)
	l, err = f.service.ApplyEvent(ctx, l.ID, EventApprove, "usr_admin")
	require.NoError(t, err)
	return l
}

func TestServiceApplyEventAuthorization(t *testing.T) {
	f := newFixture(allowAllGate{}, &stubAdvisor{})
	ctx := context.Background()
	l := createApproved(t, f, "usr_owner")

	// A stranger cannot archive someone else's listing.
	_, err := f.service.ApplyEvent(ctx, l.ID, EventArchive, "usr_stranger")
	assert.ErrorIs(t, err, ErrForbidden)

	// A member cannot run review events.
	_, err = f.service.ApplyEvent(ctx, l.ID, EventFlag, "usr_owner")
	assert.ErrorIs(t, err, ErrForbidden)

	// The system actor drives transaction events.
	l2, err := f.service.ApplyEvent(ctx, l.ID, EventInterest, auth.SystemActor)
	require.NoError(t, err)
	assert.Equal(t, StatusInterestReceived, l2.Status)

	// The owner can archive.
	l3, err := f.service.ApplyEvent(ctx, l2.ID, EventArchive, "usr_owner")
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, l3.Status)
}

func TestServiceApplyEventInvalid(t *testing.T) {
	f := newFixture(allowAllGate{}, &stubAdvisor{})
	ctx := context.Background()
	l := createApproved(t, f, "usr_owner")

	_, err := f.service.ApplyEvent(ctx, l.ID, EventComplete, "usr_admin")
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Persisted state unchanged.
	got, err := f.service.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestServiceApplyEventNotFound(t *testing.T) {
	f := newFixture(allowAllGate{}, &stubAdvisor{})
	_, err := f.service.ApplyEvent(context.Background(), "lst_missing", EventSubmit, "usr_owner")
	assert.ErrorIs(t, err, ErrListingNotFound)
}

func TestBrowseFiltersApproved(t *testing.T) {
	f := newFixture(allowAllGate{}, &stubAdvisor{})
	ctx := context.Background()

	approved := createApproved(t, f, "usr_owner")
	draft, err := f.service.Create(ctx, "usr_owner", CreateInput{Title: "couch", Category: "resale"})
	require.NoError(t, err)

	ls, err := f.service.Browse(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, approved.ID, ls[0].ID)

	ls, err = f.service.Browse(ctx, "accommodation", 0)
	require.NoError(t, err)
	assert.Empty(t, ls)

	owned, err := f.service.ListByOwner(ctx, "usr_owner")
	require.NoError(t, err)
	assert.Len(t, owned, 2)
	_ = draft
}
