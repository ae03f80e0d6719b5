package rbac

import (
	"fmt"
	"sort"
)

// Permission is a namespaced capability token of the form "<resource>:<action>".
type Permission string

const (
	PermOrgRead     Permission = "org:read"
	PermOrgUpdate   Permission = "org:update"
	PermOrgDelete   Permission = "org:delete"
	PermOrgTransfer Permission = "org:transfer"

	PermMemberRead       Permission = "member:read"
	PermMemberInvite     Permission = "member:invite"
	PermMemberUpdateRole Permission = "member:update_role"
	PermMemberRemove     Permission = "member:remove"

	PermProjectRead    Permission = "project:read"
	PermProjectCreate  Permission = "project:create"
	PermProjectUpdate  Permission = "project:update"
	PermProjectDelete  Permission = "project:delete"
	PermProjectArchive Permission = "project:archive"

	PermTaskRead   Permission = "task:read"
	PermTaskCreate Permission = "task:create"
	PermTaskUpdate Permission = "task:update"
	PermTaskDelete Permission = "task:delete"
	PermTaskAssign Permission = "task:assign"

	PermExpenseRead    Permission = "expense:read"
	PermExpenseCreate  Permission = "expense:create"
	PermExpenseUpdate  Permission = "expense:update"
	PermExpenseDelete  Permission = "expense:delete"
	PermExpenseApprove Permission = "expense:approve"
	PermExpenseReject  Permission = "expense:reject"

	PermFinanceRead   Permission = "finance:read"
	PermFinanceCreate Permission = "finance:create"
	PermFinanceUpdate Permission = "finance:update"
	PermFinanceDelete Permission = "finance:delete"
	PermFinanceReport Permission = "finance:report"

	PermReportRead     Permission = "report:read"
	PermReportGenerate Permission = "report:generate"

	PermAuditRead        Permission = "audit:read"
	PermPresenceRead     Permission = "presence:read"
	PermNotificationRead Permission = "notification:read"
)

// matrix is the role -> permission table. Rows are enumerated in full so that
// each (role, permission) pair can be read off directly.
var matrix = map[Role][]Permission{
	RoleViewer: {
		PermOrgRead,
		PermMemberRead,
		PermProjectRead,
		PermTaskRead,
		PermExpenseRead,
		PermPresenceRead,
		PermNotificationRead,
	},
	RoleMember: {
		PermOrgRead,
		PermMemberRead,
		PermProjectRead,
		PermTaskRead, PermTaskCreate, PermTaskUpdate,
		PermExpenseRead, PermExpenseCreate, PermExpenseUpdate,
		PermPresenceRead,
		PermNotificationRead,
	},
	RoleManager: {
		PermOrgRead,
		PermMemberRead, PermMemberInvite,
		PermProjectRead, PermProjectCreate, PermProjectUpdate, PermProjectArchive,
		PermTaskRead, PermTaskCreate, PermTaskUpdate, PermTaskDelete, PermTaskAssign,
		PermExpenseRead, PermExpenseCreate, PermExpenseUpdate, PermExpenseApprove, PermExpenseReject,
		PermReportRead,
		PermPresenceRead,
		PermNotificationRead,
	},
	RoleAdmin: {
		PermOrgRead, PermOrgUpdate,
		PermMemberRead, PermMemberInvite, PermMemberUpdateRole, PermMemberRemove,
		PermProjectRead, PermProjectCreate, PermProjectUpdate, PermProjectDelete, PermProjectArchive,
		PermTaskRead, PermTaskCreate, PermTaskUpdate, PermTaskDelete, PermTaskAssign,
		PermExpenseRead, PermExpenseCreate, PermExpenseUpdate, PermExpenseDelete, PermExpenseApprove, PermExpenseReject,
		PermFinanceRead, PermFinanceCreate, PermFinanceUpdate, PermFinanceDelete, PermFinanceReport,
		PermReportRead, PermReportGenerate,
		PermAuditRead,
		PermPresenceRead,
		PermNotificationRead,
	},
	RoleOwner: {
		PermOrgRead, PermOrgUpdate, PermOrgDelete, PermOrgTransfer,
		PermMemberRead, PermMemberInvite, PermMemberUpdateRole, PermMemberRemove,
		PermProjectRead, PermProjectCreate, PermProjectUpdate, PermProjectDelete, PermProjectArchive,
		PermTaskRead, PermTaskCreate, PermTaskUpdate, PermTaskDelete, PermTaskAssign,
		PermExpenseRead, PermExpenseCreate, PermExpenseUpdate, PermExpenseDelete, PermExpenseApprove, PermExpenseReject,
		PermFinanceRead, PermFinanceCreate, PermFinanceUpdate, PermFinanceDelete, PermFinanceReport,
		PermReportRead, PermReportGenerate,
		PermAuditRead,
		PermPresenceRead,
		PermNotificationRead,
	},
	RoleAccountant: {
		PermOrgRead,
		PermMemberRead,
		PermExpenseRead, PermExpenseApprove, PermExpenseReject,
		PermFinanceRead, PermFinanceCreate, PermFinanceUpdate, PermFinanceDelete, PermFinanceReport,
		PermReportRead, PermReportGenerate,
		PermNotificationRead,
	},
}

// grants is the set form of matrix, built once at init.
var grants map[Role]map[Permission]struct{}

func init() {
	if err := Validate(); err != nil {
		panic(err)
	}
	grants = make(map[Role]map[Permission]struct{}, len(matrix))
	for role, perms := range matrix {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		grants[role] = set
	}
}

// Validate checks that every role has exactly one weight and one matrix row,
// and that no row names an undeclared role.
func Validate() error {
	seen := make(map[int]Role, len(Roles))
	for _, r := range Roles {
		w, ok := roleWeights[r]
		if !ok {
			return fmt.Errorf("rbac: role %s has no weight", r)
		}
		if other, dup := seen[w]; dup {
			return fmt.Errorf("rbac: roles %s and %s share weight %d", other, r, w)
		}
		seen[w] = r
		if _, ok := matrix[r]; !ok {
			return fmt.Errorf("rbac: role %s has no permission row", r)
		}
	}
	if len(roleWeights) != len(Roles) || len(matrix) != len(Roles) {
		return fmt.Errorf("rbac: weight table or matrix names undeclared roles")
	}
	return nil
}

// HasPermission reports whether role is granted perm. Unknown roles hold nothing.
func HasPermission(role Role, perm Permission) bool {
	set, ok := grants[role]
	if !ok {
		return false
	}
	_, ok = set[perm]
	return ok
}

// RequireAll reports whether role holds every one of perms.
func RequireAll(role Role, perms ...Permission) bool {
	for _, p := range perms {
		if !HasPermission(role, p) {
			return false
		}
	}
	return true
}

// RequireAny reports whether role holds at least one of perms.
func RequireAny(role Role, perms ...Permission) bool {
	for _, p := range perms {
		if HasPermission(role, p) {
			return true
		}
	}
	return false
}

// Permissions returns a sorted copy of the permissions granted to role.
func Permissions(role Role) []Permission {
	out := append([]Permission(nil), matrix[role]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AllPermissions returns every permission granted to any role, sorted.
func AllPermissions() []Permission {
	set := map[Permission]struct{}{}
	for _, perms := range matrix {
		for _, p := range perms {
			set[p] = struct{}{}
		}
	}
	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
