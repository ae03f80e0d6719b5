package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/auth"
	"github.com/alecgard/taskforge/internal/session"
	"github.com/alecgard/taskforge/internal/user"
)

// profileStore is the subset of the user store the profile endpoints need.
type profileStore interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
	UpdateProfile(ctx context.Context, id string, in user.UpdateProfileInput) (*user.User, error)
}

// authHandler groups authentication HTTP handlers.
type authHandler struct {
	sessions *session.Manager
	users    profileStore
}

func newAuthHandler(sessions *session.Manager, users profileStore) *authHandler {
	return &authHandler{sessions: sessions, users: users}
}

// Signup handles POST /api/v1/auth/signup.
func (h *authHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email            string `json:"email"`
		Password         string `json:"password"`
		Name             string `json:"name"`
		InviteToken      string `json:"invite_token"`
		OrganizationName string `json:"organization_name"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.sessions.Signup(r.Context(), session.SignupInput{
		Email:            req.Email,
		Password:         req.Password,
		Name:             req.Name,
		InviteToken:      req.InviteToken,
		OrganizationName: req.OrganizationName,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	auditLog(r, "signup", "user", res.User.ID, "via_invite", req.InviteToken != "")
	writeJSON(w, http.StatusCreated, res)
}

// Login handles POST /api/v1/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, r, apperr.BadRequest("email and password are required"))
		return
	}

	res, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VerifyEmail handles POST /api/v1/auth/verify-email.
func (h *authHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.sessions.VerifyEmail(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "verify_email", "user", res.User.ID)
	writeJSON(w, http.StatusOK, res)
}

// ResendOTP handles POST /api/v1/auth/resend-otp. The response is the same
// whether or not the address is registered.
func (h *authHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	h.emailOnly(w, r, h.sessions.ResendOTP)
}

// ForgotPassword handles POST /api/v1/auth/forgot-password. The response is
// the same whether or not the address is registered.
func (h *authHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	h.emailOnly(w, r, h.sessions.ForgotPassword)
}

func (h *authHandler) emailOnly(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, email string) error) {
	var req struct {
		Email string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := fn(r.Context(), req.Email); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "If the address is registered, a code has been sent.",
	})
}

// ResetPassword handles POST /api/v1/auth/reset-password.
func (h *authHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Code        string `json:"code"`
		NewPassword string `json:"new_password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.sessions.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "reset_password", "user", strings.ToLower(strings.TrimSpace(req.Email)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *authHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	pair, err := h.sessions.RefreshTokens(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// ChangePassword handles POST /api/v1/auth/change-password. Every other
// session is revoked and the caller receives a fresh pair.
func (h *authHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	pair, err := h.sessions.ChangePassword(r.Context(), id.UserID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "change_password", "user", id.UserID)
	writeJSON(w, http.StatusOK, pair)
}

// LogoutAll handles POST /api/v1/auth/logout-all.
func (h *authHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	if err := h.sessions.LogoutAll(r.Context(), id.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "logout_all", "user", id.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	u, err := h.users.GetByID(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInternal, "failed to load profile", err))
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateMe handles PATCH /api/v1/auth/me.
func (h *authHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())

	var req user.UpdateProfileInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeError(w, r, apperr.BadRequest("name must not be empty"))
			return
		}
		req.Name = &name
	}

	u, err := h.users.UpdateProfile(r.Context(), id.UserID, req)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindInternal, "failed to update profile", err))
		return
	}
	writeJSON(w, http.StatusOK, u)
}
