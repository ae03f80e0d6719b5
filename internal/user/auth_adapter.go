package user

import (
	"context"
	"errors"

	"github.com/alecgard/taskforge/internal/auth"
)

// Lookup is the subset of user storage needed to resolve identities.
type Lookup interface {
	GetByID(ctx context.Context, id string) (*User, error)
}

// AuthAdapter adapts a user store to the auth.UserLookup interface.
type AuthAdapter struct {
	store Lookup
}

// NewAuthAdapter creates a new AuthAdapter wrapping the given user store.
func NewAuthAdapter(store Lookup) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// LookupIdentity resolves a user ID to an auth.Identity. A deleted or
// unknown user yields auth.ErrUnknownUser.
func (a *AuthAdapter) LookupIdentity(ctx context.Context, id string) (*auth.Identity, error) {
	u, err := a.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, auth.ErrUnknownUser
		}
		return nil, err
	}
	return &auth.Identity{
		UserID:          u.ID,
		Email:           u.Email,
		Name:            u.Name,
		IsEmailVerified: u.IsEmailVerified,
	}, nil
}
