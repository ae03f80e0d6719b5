package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/rbac"
)

type contextKey int

const (
	identityContextKey contextKey = iota
	orgContextKey
)

// ContextWithIdentity returns a new context carrying id.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the identity, or nil if not present.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// ContextWithOrg returns a new context carrying oc.
func ContextWithOrg(ctx context.Context, oc *OrgContext) context.Context {
	return context.WithValue(ctx, orgContextKey, oc)
}

// OrgFromContext extracts the organization context, or nil if not present.
func OrgFromContext(ctx context.Context) *OrgContext {
	oc, _ := ctx.Value(orgContextKey).(*OrgContext)
	return oc
}

// RequireUser rejects requests without a valid access token.
func (g *Gate) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := g.Authenticate(r.Context(), r.Header)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// OptionalUser attaches an identity when the request carries a valid token
// and passes every request through.
func (g *Gate) OptionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if BearerToken(r.Header) != "" {
			if id, err := g.Authenticate(r.Context(), r.Header); err == nil {
				r = r.WithContext(ContextWithIdentity(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOrganization resolves the tenant header for the authenticated user.
// It must run after RequireUser.
func (g *Gate) RequireOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil {
			WriteError(w, r, apperr.Unauthenticated("authentication required"))
			return
		}
		oc, err := g.ResolveOrganization(r.Context(), id, r.Header)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithOrg(r.Context(), oc)))
	})
}

// OptionalOrganization attaches an organization context when an identity and
// a resolvable tenant header are both present.
func (g *Gate) OptionalOrganization(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := IdentityFromContext(r.Context()); id != nil && r.Header.Get(OrganizationHeader) != "" {
			if oc, err := g.ResolveOrganization(r.Context(), id, r.Header); err == nil {
				r = r.WithContext(ContextWithOrg(r.Context(), oc))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePermissions rejects requests whose resolved role does not satisfy
// perms under mode. It must run after RequireOrganization.
func RequirePermissions(mode Mode, perms ...rbac.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			oc := OrgFromContext(r.Context())
			if oc == nil {
				WriteError(w, r, apperr.BadRequest("organization context required"))
				return
			}
			if !Authorize(oc.Role, mode, perms...) {
				slog.InfoContext(r.Context(), "authorization denied", "org_id", oc.OrganizationID, "role", oc.Role, "required", perms)
				WriteError(w, r, apperr.Forbidden("insufficient permissions"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireMinimumRole rejects requests whose resolved role weighs less than
// floor. ACCOUNTANT sits outside the hierarchy and never passes.
func RequireMinimumRole(floor rbac.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			oc := OrgFromContext(r.Context())
			if oc == nil {
				WriteError(w, r, apperr.BadRequest("organization context required"))
				return
			}
			if !rbac.IsHierarchical(oc.Role) || !rbac.HasMinimumRole(oc.Role, floor) {
				WriteError(w, r, apperr.Forbidden("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError renders err as the JSON error envelope with the status its kind
// maps to. Internal causes are logged, never returned.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		slog.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    kind.String(),
			Message: apperr.MessageOf(err),
		},
	})
}
