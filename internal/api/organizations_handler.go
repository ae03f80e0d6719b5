package api

import (
	"net/http"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/auth"
	"github.com/alecgard/taskforge/internal/membership"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/go-chi/chi/v5"
)

// organizationsHandler groups organization and membership HTTP handlers.
// Routes under /organization act on the tenant named by X-Organization-ID.
type organizationsHandler struct {
	svc *membership.Service
}

func newOrganizationsHandler(svc *membership.Service) *organizationsHandler {
	return &organizationsHandler{svc: svc}
}

// actorFrom builds the membership actor from the gate's request context.
func actorFrom(r *http.Request) membership.Actor {
	id := auth.IdentityFromContext(r.Context())
	oc := auth.OrgFromContext(r.Context())
	return membership.Actor{UserID: id.UserID, OrganizationID: oc.OrganizationID, Role: oc.Role}
}

// Create handles POST /api/v1/organizations.
func (h *organizationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	o, err := h.svc.CreateOrganization(r.Context(), id.UserID, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "create", "organization", o.ID, "name", o.Name)
	writeJSON(w, http.StatusCreated, o)
}

// List handles GET /api/v1/organizations.
func (h *organizationsHandler) List(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	orgs, err := h.svc.ListOrganizations(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

// Get handles GET /api/v1/organization.
func (h *organizationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.GetOrganization(r.Context(), auth.OrgFromContext(r.Context()).OrganizationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Access handles GET /api/v1/organization/access: the caller's role in the
// current organization and the permissions it grants.
func (h *organizationsHandler) Access(w http.ResponseWriter, r *http.Request) {
	oc := auth.OrgFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"organization_id": oc.OrganizationID,
		"role":            oc.Role,
		"permissions":     rbac.Permissions(oc.Role),
	})
}

// Delete handles DELETE /api/v1/organization.
func (h *organizationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if err := h.svc.DeleteOrganization(r.Context(), actor); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "delete", "organization", actor.OrganizationID)
	w.WriteHeader(http.StatusNoContent)
}

// Transfer handles POST /api/v1/organization/transfer.
func (h *organizationsHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewOwnerID string `json:"new_owner_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.NewOwnerID == "" {
		writeError(w, r, apperr.BadRequest("new_owner_id is required"))
		return
	}

	actor := actorFrom(r)
	if err := h.svc.TransferOwnership(r.Context(), actor, req.NewOwnerID); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "transfer_ownership", "organization", actor.OrganizationID, "new_owner_id", req.NewOwnerID)
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers handles GET /api/v1/organization/members.
func (h *organizationsHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.ListMembers(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

// UpdateMemberRole handles PATCH /api/v1/organization/members/{userID}.
func (h *organizationsHandler) UpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "userID")

	var req struct {
		Role string `json:"role"`
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

	m, err := h.svc.UpdateRole(r.Context(), actorFrom(r), targetID, role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "update_role", "membership", targetID, "new_role", role)
	writeJSON(w, http.StatusOK, m)
}

// RemoveMember handles DELETE /api/v1/organization/members/{userID}.
func (h *organizationsHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "userID")
	if err := h.svc.RemoveMember(r.Context(), actorFrom(r), targetID); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "remove", "membership", targetID)
	w.WriteHeader(http.StatusNoContent)
}

// Leave handles POST /api/v1/organization/leave.
func (h *organizationsHandler) Leave(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if err := h.svc.Leave(r.Context(), actor); err != nil {
		writeError(w, r, err)
		return
	}
	auditLog(r, "leave", "membership", actor.UserID)
	w.WriteHeader(http.StatusNoContent)
}
