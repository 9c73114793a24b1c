// Package users manages community members and their behavioral counters.
//
// Users are never deleted, only deactivated. Behavioral counters are mutated
// only inside the exchange coordinator's transaction (completed/cancelled) or
// by the dispute subsystem (disputes against); admins may additionally flag a
// user or override their restriction state.
package users

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailTaken   = errors.New("email already registered")
	ErrDeactivated  = errors.New("user is deactivated")
)

// Role determines the authorization class of a user.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Override is the admin restriction override state.
// OverrideNone defers to the computed trust restriction; the other two
// values always win over it.
type Override string

const (
	OverrideNone     Override = ""
	OverrideRestrict Override = "restrict"
	OverrideClear    Override = "clear"
)

// Counter names a behavioral counter on a user row.
type Counter string

const (
	CounterCompletedExchanges Counter = "completed_exchanges"
	CounterCancelledRequests  Counter = "cancelled_requests"
	CounterDisputesAgainst    Counter = "disputes_against"
	CounterAdminFlags         Counter = "admin_flags"
)

// User represents a community member.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Email is the community identity; uniqueness is enforced by the store.
	Email string `json:"email"`
	Role  Role   `json:"role"`

	CompletedExchanges int `json:"completedExchanges"`
	CancelledRequests  int `json:"cancelledRequests"`
	DisputesAgainst    int `json:"disputesAgainst"`
	AdminFlags         int `json:"adminFlags"`

	AdminOverride     Override `json:"adminOverride,omitempty"`
	RestrictionReason string   `json:"restrictionReason,omitempty"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// AccountAgeDays returns whole days since account creation.
func (u *User) AccountAgeDays() int {
	return int(time.Since(u.CreatedAt).Hours() / 24)
}

// Store persists users.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	IncrementCounter(ctx context.Context, userID string, c Counter) error
	List(ctx context.Context, limit int) ([]*User, error)
	// Count returns total and active user counts for admin reporting.
	Count(ctx context.Context) (total, active int, err error)
}
