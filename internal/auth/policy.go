package auth

import (
	"context"

	"github.com/mwalcott/unibazaar/internal/users"
)

// AdminPolicy decides whether an actor may perform admin-only operations.
// It is injected wherever admin authority is checked, so tests can swap in
// a static policy instead of a live user store.
type AdminPolicy interface {
	IsAdmin(ctx context.Context, actorID string) (bool, error)
}

// RolePolicy grants admin authority to active users with the admin role,
// and to the system actor.
type RolePolicy struct {
	Users users.Store
}

// NewRolePolicy creates the production admin policy.
func NewRolePolicy(store users.Store) *RolePolicy {
	return &RolePolicy{Users: store}
}

func (p *RolePolicy) IsAdmin(ctx context.Context, actorID string) (bool, error) {
	if actorID == SystemActor {
		return true, nil
	}
	u, err := p.Users.Get(ctx, actorID)
	if err != nil {
		if err == users.ErrUserNotFound {
			return false, nil
		}
		return false, err
	}
	return u.Active && u.IsAdmin(), nil
}

// StaticPolicy is a fixed admin set for tests.
type StaticPolicy map[string]bool

func (p StaticPolicy) IsAdmin(_ context.Context, actorID string) (bool, error) {
	if actorID == SystemActor {
		return true, nil
	}
	return p[actorID], nil
}
