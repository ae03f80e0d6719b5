package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/taskforge/internal/auth"
	"github.com/alecgard/taskforge/internal/ratelimit"
)

// auditLog emits a structured audit log entry for a membership or
// credential change.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", ratelimit.ClientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if id := auth.IdentityFromContext(r.Context()); id != nil {
		attrs = append(attrs, "user_id", id.UserID, "user_email", id.Email)
	}
	if oc := auth.OrgFromContext(r.Context()); oc != nil {
		attrs = append(attrs, "org_id", oc.OrganizationID, "user_role", oc.Role)
	}

	attrs = append(attrs, detail...)
	slog.InfoContext(r.Context(), "audit", attrs...)
}
