package api

import (
	"context"
	"net/http"

	"github.com/alecgard/taskforge/internal/auth"
	"github.com/alecgard/taskforge/internal/membership"
	"github.com/alecgard/taskforge/internal/metrics"
	"github.com/alecgard/taskforge/internal/ratelimit"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/alecgard/taskforge/internal/session"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Sessions    *session.Manager
	Memberships *membership.Service
	Users       profileStore
	Gate        *auth.Gate
	Limiter     *ratelimit.Limiter
	// AuthRate caps credential endpoints per client per limiter window.
	// Zero uses the limiter default.
	AuthRate       int
	Metrics        *metrics.Metrics
	DBPool         Pinger
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(slogRequestLogger)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Instrument)
	}

	r.Get("/health", healthHandler(deps.DBPool))

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.PrometheusHandler())
		r.Get("/metrics/summary", deps.Metrics.Handler())
	}

	if deps.Sessions == nil || deps.Memberships == nil || deps.Gate == nil {
		return r
	}

	authH := newAuthHandler(deps.Sessions, deps.Users)
	orgs := newOrganizationsHandler(deps.Memberships)
	limit := credentialLimit(deps)

	r.Route("/api/v1", func(api chi.Router) {
		// Public credential endpoints, rate limited per client.
		api.Route("/auth", func(ar chi.Router) {
			ar.With(limit("signup")).Post("/signup", authH.Signup)
			ar.With(limit("login")).Post("/login", authH.Login)
			ar.With(limit("verify_email")).Post("/verify-email", authH.VerifyEmail)
			ar.With(limit("resend_otp")).Post("/resend-otp", authH.ResendOTP)
			ar.With(limit("forgot_password")).Post("/forgot-password", authH.ForgotPassword)
			ar.With(limit("reset_password")).Post("/reset-password", authH.ResetPassword)
			ar.Post("/refresh", authH.Refresh)

			ar.Group(func(ur chi.Router) {
				ur.Use(deps.Gate.RequireUser)
				ur.Post("/change-password", authH.ChangePassword)
				ur.Post("/logout-all", authH.LogoutAll)
				ur.Get("/me", authH.Me)
				ur.Patch("/me", authH.UpdateMe)
			})
		})

		api.With(limit("invite_validate")).Post("/invites/validate", orgs.ValidateInvite)

		// Authenticated, not tenant scoped.
		api.Group(func(ur chi.Router) {
			ur.Use(deps.Gate.RequireUser)
			ur.Post("/organizations", orgs.Create)
			ur.Get("/organizations", orgs.List)
			ur.Post("/invites/accept", orgs.AcceptInvite)
			ur.Post("/invites/decline", orgs.DeclineInvite)
		})

		// Tenant scoped: X-Organization-ID selects the organization.
		api.Route("/organization", func(or chi.Router) {
			or.Use(deps.Gate.RequireUser)
			or.Use(deps.Gate.RequireOrganization)

			or.With(need(rbac.PermOrgRead)).Get("/", orgs.Get)
			or.Get("/access", orgs.Access)
			or.With(need(rbac.PermOrgDelete)).Delete("/", orgs.Delete)
			or.With(need(rbac.PermOrgTransfer)).Post("/transfer", orgs.Transfer)
			or.Post("/leave", orgs.Leave)

			or.With(need(rbac.PermMemberRead)).Get("/members", orgs.ListMembers)
			or.With(need(rbac.PermMemberUpdateRole)).Patch("/members/{userID}", orgs.UpdateMemberRole)
			or.With(need(rbac.PermMemberRemove)).Delete("/members/{userID}", orgs.RemoveMember)

			or.With(need(rbac.PermMemberInvite)).Get("/invites", orgs.ListInvites)
			or.With(need(rbac.PermMemberInvite)).Post("/invites", orgs.CreateInvite)
		})
	})

	return r
}

func need(perms ...rbac.Permission) func(http.Handler) http.Handler {
	return auth.RequirePermissions(auth.ModeAll, perms...)
}

// credentialLimit returns a per-scope rate limit middleware factory. Without
// a limiter every scope passes through.
func credentialLimit(deps RouterDeps) func(scope string) func(http.Handler) http.Handler {
	if deps.Limiter == nil {
		return func(string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	var onReject func(string)
	if deps.Metrics != nil {
		onReject = deps.Metrics.IncRateLimitRejection
	}
	return func(scope string) func(http.Handler) http.Handler {
		return ratelimit.Middleware(deps.Limiter, scope, deps.AuthRate, onReject)
	}
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "none"})
			return
		}
		if err := db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}
