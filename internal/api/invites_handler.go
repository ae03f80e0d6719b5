package api

import (
	"net/http"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/auth"
	"github.com/alecgard/taskforge/internal/rbac"
)

type inviteTokenRequest struct {
	Token string `json:"token"`
}

// CreateInvite handles POST /api/v1/organization/invites. The invite token
// is delivered by email only.
func (h *organizationsHandler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role, err := rbac.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, apperr.BadRequest("invalid role"))
		return
	}

	inv, err := h.svc.CreateInvite(r.Context(), actorFrom(r), req.Email, role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "create", "invite", inv.ID, "email", inv.Email, "role", inv.Role)
	writeJSON(w, http.StatusCreated, inv)
}

// ListInvites handles GET /api/v1/organization/invites.
func (h *organizationsHandler) ListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.svc.ListInvites(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
}

// ValidateInvite handles POST /api/v1/invites/validate. It lets a signup form
// check a token before an account exists.
func (h *organizationsHandler) ValidateInvite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Email string `json:"email"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	inv, err := h.svc.ValidateInvite(r.Context(), req.Token, req.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": inv.OrganizationID,
		"role":            inv.Role,
		"expires_at":      inv.ExpiresAt,
	})
}

// AcceptInvite handles POST /api/v1/invites/accept.
func (h *organizationsHandler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())

	var req inviteTokenRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	m, err := h.svc.AcceptInvite(r.Context(), id.UserID, req.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "accept", "invite", m.OrganizationID, "role", m.Role)
	writeJSON(w, http.StatusOK, m)
}

// DeclineInvite handles POST /api/v1/invites/decline.
func (h *organizationsHandler) DeclineInvite(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())

	var req inviteTokenRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := h.svc.DeclineInvite(r.Context(), id.UserID, req.Token); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "decline", "invite", id.UserID)
	w.WriteHeader(http.StatusNoContent)
}
