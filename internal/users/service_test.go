package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/validation"
)

type stubIssuer struct {
	issued []string
}

func (s *stubIssuer) Issue(_ context.Context, userID string, _ Role, _ string) (string, error) {
	s.issued = append(s.issued, userID)
	return "sk_test", nil
}

type staticAdmins map[string]bool

func (p staticAdmins) IsAdmin(_ context.Context, actorID string) (bool, error) {
	return p[actorID], nil
}

func newService(t *testing.T) (*Service, *MemoryStore, *stubIssuer, *audit.MemoryLogger) {
	t.Helper()
	store := NewMemoryStore()
	issuer := &stubIssuer{}
	log := audit.NewMemoryLogger()
	svc := NewService(store, issuer, staticAdmins{"usr_admin": true}, log)
	return svc, store, issuer, log
}

func TestRegister(t *testing.T) {
	svc, _, issuer, log := newService(t)
	ctx := context.Background()

	u, rawKey, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "Ada@Example.edu"})
	require.NoError(t, err)
	assert.Equal(t, "sk_test", rawKey)
	assert.Equal(t, RoleMember, u.Role)
	assert.True(t, u.Active)
	assert.Equal(t, "ada@example.edu", u.Email)
	assert.Equal(t, []string{u.ID}, issuer.issued)

	entries, err := log.Query(ctx, audit.Filter{Action: "user.register"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, issuer, _ := newService(t)
	ctx := context.Background()

	var verrs validation.Errors
	_, _, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "not-an-email"})
	require.ErrorAs(t, err, &verrs)

	_, _, err = svc.Register(ctx, RegisterInput{Name: "", Email: "ada@example.edu"})
	require.ErrorAs(t, err, &verrs)

	// Nothing failed half-way: no credential was minted.
	assert.Empty(t, issuer.issued)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.edu"})
	require.NoError(t, err)
	_, _, err = svc.Register(ctx, RegisterInput{Name: "Imposter", Email: "ADA@example.edu"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestGetVisibility(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	u, _, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.edu"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, u.ID, u.ID)
	assert.NoError(t, err)
	_, err = svc.Get(ctx, u.ID, "usr_admin")
	assert.NoError(t, err)
	_, err = svc.Get(ctx, u.ID, "usr_stranger")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDeactivateReactivate(t *testing.T) {
	svc, store, _, log := newService(t)
	ctx := context.Background()
	u, _, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.edu"})
	require.NoError(t, err)

	_, err = svc.Deactivate(ctx, u.ID, "usr_stranger")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := svc.Deactivate(ctx, u.ID, "usr_admin")
	require.NoError(t, err)
	assert.False(t, got.Active)

	// The row survives deactivation.
	stored, err := store.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	got, err = svc.Reactivate(ctx, u.ID, "usr_admin")
	require.NoError(t, err)
	assert.True(t, got.Active)

	entries, err := log.Query(ctx, audit.Filter{Action: "user.deactivate"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFlag(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	u, _, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.edu"})
	require.NoError(t, err)

	var verrs validation.Errors
	_, err = svc.Flag(ctx, u.ID, "usr_admin", "")
	require.ErrorAs(t, err, &verrs)

	got, err := svc.Flag(ctx, u.ID, "usr_admin", "repeated no-shows")
	require.NoError(t, err)
	assert.Equal(t, 1, got.AdminFlags)
}

func TestSetOverride(t *testing.T) {
	svc, _, _, log := newService(t)
	ctx := context.Background()
	u, _, err := svc.Register(ctx, RegisterInput{Name: "Ada", Email: "ada@example.edu"})
	require.NoError(t, err)

	_, err = svc.SetOverride(ctx, u.ID, "usr_admin", Override("banish"), "")
	assert.Error(t, err)
	_, err = svc.SetOverride(ctx, u.ID, "usr_admin", OverrideRestrict, "")
	assert.Error(t, err)

	got, err := svc.SetOverride(ctx, u.ID, "usr_admin", OverrideRestrict, "fraud confirmed")
	require.NoError(t, err)
	assert.Equal(t, OverrideRestrict, got.AdminOverride)
	assert.Equal(t, "fraud confirmed", got.RestrictionReason)

	got, err = svc.SetOverride(ctx, u.ID, "usr_admin", OverrideNone, "")
	require.NoError(t, err)
	assert.Equal(t, OverrideNone, got.AdminOverride)
	assert.Empty(t, got.RestrictionReason)

	entries, err := log.Query(ctx, audit.Filter{Action: "user.override"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
