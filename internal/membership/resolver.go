package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/org"
	"github.com/alecgard/taskforge/internal/rbac"
)

// RoleSource is the authoritative store the Resolver falls back to.
type RoleSource interface {
	GetOrganization(ctx context.Context, id string) (*org.Organization, error)
	GetMembership(ctx context.Context, orgID, userID string) (*org.Membership, error)
}

// Resolver answers "which role does this user hold in this organization".
type Resolver struct {
	cache *Cache
	store RoleSource
}

// NewResolver creates a resolver reading through c in front of store.
func NewResolver(c *Cache, store RoleSource) *Resolver {
	return &Resolver{cache: c, store: store}
}

// Resolve returns the user's role in orgID. A cache hit is trusted. On a miss
// the organization must exist and be live (BadRequest otherwise) and the user
// must hold a membership (Forbidden otherwise); the result is written through.
func (r *Resolver) Resolve(ctx context.Context, orgID, userID string) (rbac.Role, error) {
	if role, ok := r.cache.Get(ctx, orgID, userID); ok {
		return role, nil
	}

	if _, err := r.store.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return "", apperr.BadRequest("organization not found")
		}
		return "", fmt.Errorf("resolving organization: %w", err)
	}

	m, err := r.store.GetMembership(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return "", apperr.Forbidden("not a member of this organization")
		}
		return "", fmt.Errorf("resolving membership: %w", err)
	}

	r.cache.Set(ctx, orgID, userID, m.Role)
	return m.Role, nil
}
