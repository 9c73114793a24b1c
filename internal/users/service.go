package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mwalcott/unibazaar/internal/audit"
	"github.com/mwalcott/unibazaar/internal/idgen"
	"github.com/mwalcott/unibazaar/internal/traces"
	"github.com/mwalcott/unibazaar/internal/validation"
)

// ErrForbidden is returned when an actor may not see or change a user.
var ErrForbidden = errors.New("not allowed")

// CredentialIssuer mints an API key at registration. Implemented by a thin
// wrapper over the auth manager at wiring time; the interface lives here
// because auth already depends on this package.
type CredentialIssuer interface {
	Issue(ctx context.Context, userID string, role Role, name string) (rawKey string, err error)
}

// AdminPolicy decides whether an actor holds admin privileges.
type AdminPolicy interface {
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// Service implements user registration and admin user management.
type Service struct {
	store    Store
	creds    CredentialIssuer
	admins   AdminPolicy
	auditLog audit.Logger
}

// NewService creates a user service.
func NewService(store Store, creds CredentialIssuer, admins AdminPolicy, auditLog audit.Logger) *Service {
	return &Service{store: store, creds: creds, admins: admins, auditLog: auditLog}
}

// RegisterInput are the self-service registration fields.
type RegisterInput struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required"`
}

// Register creates a member account and issues its first API key. The raw
// key is returned exactly once and never stored.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, string, error) {
	ctx, span := traces.StartSpan(ctx, "users.Register")
	defer span.End()

	in.Name = validation.SanitizeString(in.Name, validation.MaxTitleLength)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if errs := validation.Validate(
		validation.Required("name", in.Name),
		validation.Required("email", in.Email),
		validation.ValidEmail("email", in.Email),
		validation.MaxLen("email", in.Email, validation.MaxTitleLength),
	); len(errs) > 0 {
		return nil, "", errs
	}

	now := time.Now()
	u := &User{
		ID:        idgen.WithPrefix(idgen.PrefixUser),
		Name:      in.Name,
		Email:     in.Email,
		Role:      RoleMember,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, "", err
	}

	rawKey, err := s.creds.Issue(ctx, u.ID, u.Role, "registration")
	if err != nil {
		return nil, "", fmt.Errorf("issue credential: %w", err)
	}

	s.record(ctx, audit.NewEntry(ctx, "user.register", "user", u.ID, map[string]string{
		"email": u.Email,
	}))
	return u, rawKey, nil
}

// Get returns a user profile. Counters and override state are sensitive, so
// only the user themselves or an admin may read them.
func (s *Service) Get(ctx context.Context, id, actorID string) (*User, error) {
	if err := s.authorize(ctx, id, actorID); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Deactivate disables a user account. The account and its history remain;
// only authentication and participation stop.
func (s *Service) Deactivate(ctx context.Context, id, actorID string) (*User, error) {
	return s.adminMutate(ctx, id, actorID, "user.deactivate", nil, func(u *User) {
		u.Active = false
	})
}

// Reactivate re-enables a previously deactivated account.
func (s *Service) Reactivate(ctx context.Context, id, actorID string) (*User, error) {
	return s.adminMutate(ctx, id, actorID, "user.reactivate", nil, func(u *User) {
		u.Active = true
	})
}

// Flag records an admin strike against a user. Strikes feed the trust score.
func (s *Service) Flag(ctx context.Context, id, actorID, reason string) (*User, error) {
	reason = validation.SanitizeString(reason, validation.MaxTextLength)
	if errs := validation.Validate(validation.Required("reason", reason)); len(errs) > 0 {
		return nil, errs
	}
	return s.adminMutate(ctx, id, actorID, "user.flag", map[string]string{"reason": reason}, func(u *User) {
		u.AdminFlags++
	})
}

// SetOverride sets or clears the admin restriction override. OverrideRestrict
// forces restriction regardless of the computed state, OverrideClear forces
// it off, and OverrideNone returns the user to the computed state.
func (s *Service) SetOverride(ctx context.Context, id, actorID string, o Override, reason string) (*User, error) {
	switch o {
	case OverrideNone, OverrideRestrict, OverrideClear:
	default:
		return nil, validation.Errors{{Field: "override", Message: "must be restrict, clear, or empty"}}
	}
	reason = validation.SanitizeString(reason, validation.MaxTextLength)
	if o == OverrideRestrict && reason == "" {
		return nil, validation.Errors{{Field: "reason", Message: "is required when restricting"}}
	}
	meta := map[string]string{"override": string(o)}
	if reason != "" {
		meta["reason"] = reason
	}
	return s.adminMutate(ctx, id, actorID, "user.override", meta, func(u *User) {
		u.AdminOverride = o
		u.RestrictionReason = reason
	})
}

// List returns users for the admin console.
func (s *Service) List(ctx context.Context, actorID string, limit int) ([]*User, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.List(ctx, limit)
}

func (s *Service) adminMutate(ctx context.Context, id, actorID, action string, meta map[string]string, mutate func(*User)) (*User, error) {
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return nil, err
	}
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(u)
	u.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, u); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	s.record(ctx, audit.NewEntry(ctx, action, "user", u.ID, meta))
	return u, nil
}

func (s *Service) authorize(ctx context.Context, id, actorID string) error {
	if actorID == id {
		return nil
	}
	return s.requireAdmin(ctx, actorID)
}

func (s *Service) requireAdmin(ctx context.Context, actorID string) error {
	isAdmin, err := s.admins.IsAdmin(ctx, actorID)
	if err != nil {
		return fmt.Errorf("resolve admin policy: %w", err)
	}
	if !isAdmin {
		return fmt.Errorf("%w: actor %s", ErrForbidden, actorID)
	}
	return nil
}

func (s *Service) record(ctx context.Context, entry *audit.Entry) {
	if s.auditLog == nil {
		return
	}
	// Registration and admin edits are single-row writes; the entry rides
	// outside the row transaction.
	_ = s.auditLog.Record(ctx, entry)
}
