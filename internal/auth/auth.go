// Package auth turns a request's bearer token and tenant header into a
// resolved identity, organization role and permission decision.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/alecgard/taskforge/internal/token"
	"github.com/google/uuid"
)

// OrganizationHeader carries the tenant for organization-scoped requests.
const OrganizationHeader = "X-Organization-ID"

// ErrUnknownUser is returned by a UserLookup when the token's subject no
// longer exists.
var ErrUnknownUser = errors.New("auth: unknown user")

// Authentication outcomes reported to GateOptions.OnAuthenticate.
const (
	OutcomeOK           = "ok"
	OutcomeMissing      = "missing"
	OutcomeInvalidToken = "invalid_token"
	OutcomeUnknownUser  = "unknown_user"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID          string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	IsEmailVerified bool   `json:"is_email_verified"`
}

// OrgContext is the caller's resolved organization and role.
type OrgContext struct {
	OrganizationID string    `json:"organization_id"`
	Role           rbac.Role `json:"role"`
}

// TokenVerifier checks signed bearer tokens.
type TokenVerifier interface {
	Verify(raw string, expected token.Type) (*token.Claims, bool)
}

// UserLookup resolves a token subject to an identity.
type UserLookup interface {
	LookupIdentity(ctx context.Context, userID string) (*Identity, error)
}

// RoleResolver resolves a user's role within an organization.
type RoleResolver interface {
	Resolve(ctx context.Context, orgID, userID string) (rbac.Role, error)
}

// GateOptions holds optional hooks.
type GateOptions struct {
	OnAuthenticate func(outcome string)
}

// Gate makes the per-request authentication and authorization decisions.
type Gate struct {
	tokens   TokenVerifier
	users    UserLookup
	resolver RoleResolver
	opts     GateOptions
}

// NewGate wires a gate.
func NewGate(tokens TokenVerifier, users UserLookup, resolver RoleResolver, opts GateOptions) *Gate {
	return &Gate{tokens: tokens, users: users, resolver: resolver, opts: opts}
}

// Authenticate verifies the bearer access token in h and loads its user.
// Every credential failure is Unauthenticated; the specific cause is logged.
func (g *Gate) Authenticate(ctx context.Context, h http.Header) (*Identity, error) {
	raw := BearerToken(h)
	if raw == "" {
		g.report(OutcomeMissing)
		return nil, apperr.Unauthenticated("missing or malformed authorization header")
	}

	claims, ok := g.tokens.Verify(raw, token.TypeAccess)
	if !ok {
		g.report(OutcomeInvalidToken)
		slog.InfoContext(ctx, "authentication failed", "reason", "invalid access token")
		return nil, apperr.Unauthenticated("invalid or expired token")
	}

	id, err := g.users.LookupIdentity(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			g.report(OutcomeUnknownUser)
			slog.InfoContext(ctx, "authentication failed", "reason", "unknown user", "user_id", claims.UserID)
			return nil, apperr.Unauthenticated("invalid or expired token")
		}
		return nil, fmt.Errorf("looking up identity: %w", err)
	}
	g.report(OutcomeOK)
	return id, nil
}

// ResolveOrganization reads the tenant header and resolves id's role there.
// The header must be a UUID; it is carried onward in canonical form.
func (g *Gate) ResolveOrganization(ctx context.Context, id *Identity, h http.Header) (*OrgContext, error) {
	raw := strings.TrimSpace(h.Get(OrganizationHeader))
	if raw == "" {
		return nil, apperr.BadRequest("missing " + OrganizationHeader + " header")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return nil, apperr.BadRequest("invalid " + OrganizationHeader + " header")
	}
	orgID := parsed.String()
	role, err := g.resolver.Resolve(ctx, orgID, id.UserID)
	if err != nil {
		return nil, err
	}
	return &OrgContext{OrganizationID: orgID, Role: role}, nil
}

func (g *Gate) report(outcome string) {
	if g.opts.OnAuthenticate != nil {
		g.opts.OnAuthenticate(outcome)
	}
}

// Mode selects how a permission list is combined.
type Mode int

const (
	ModeAll Mode = iota
	ModeAny
)

// Authorize reports whether role satisfies perms under mode.
func Authorize(role rbac.Role, mode Mode, perms ...rbac.Permission) bool {
	if mode == ModeAny {
		return rbac.RequireAny(role, perms...)
	}
	return rbac.RequireAll(role, perms...)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(h http.Header) string {
	v := h.Get("Authorization")
	if v == "" {
		return ""
	}
	parts := strings.SplitN(v, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
