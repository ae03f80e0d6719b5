// Package rbac holds the static role -> permission matrix and role ordering.
package rbac

import (
	"fmt"
	"strings"
)

// Role is an authorization level a user holds within one organization.
type Role string

const (
	RoleViewer     Role = "VIEWER"
	RoleMember     Role = "MEMBER"
	RoleManager    Role = "MANAGER"
	RoleAdmin      Role = "ADMIN"
	RoleOwner      Role = "OWNER"
	RoleAccountant Role = "ACCOUNTANT"
)

// Roles lists every defined role in weight order.
var Roles = []Role{RoleViewer, RoleMember, RoleManager, RoleAdmin, RoleOwner, RoleAccountant}

// roleWeights is the explicit weight table. ACCOUNTANT keeps its list position
// but is not part of the VIEWER..OWNER hierarchy.
var roleWeights = map[Role]int{
	RoleViewer:     0,
	RoleMember:     1,
	RoleManager:    2,
	RoleAdmin:      3,
	RoleOwner:      4,
	RoleAccountant: 5,
}

// ParseRole converts a case-insensitive role name into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := roleWeights[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is a defined role.
func (r Role) Valid() bool {
	_, ok := roleWeights[r]
	return ok
}

func (r Role) String() string { return string(r) }

// RoleWeight returns the weight of role, or -1 if the role is unknown.
func RoleWeight(role Role) int {
	w, ok := roleWeights[role]
	if !ok {
		return -1
	}
	return w
}

// IsHierarchical reports whether role takes part in the VIEWER..OWNER order.
func IsHierarchical(role Role) bool {
	return role.Valid() && role != RoleAccountant
}

// HasMinimumRole reports whether role weighs at least as much as minRole.
// Unknown roles never satisfy the check.
func HasMinimumRole(role, minRole Role) bool {
	w, floor := RoleWeight(role), RoleWeight(minRole)
	if w < 0 || floor < 0 {
		return false
	}
	return w >= floor
}

// authorityRank is the weight used when one member acts on another's
// membership. ACCOUNTANT ranks alongside MEMBER there.
func authorityRank(role Role) int {
	if role == RoleAccountant {
		return roleWeights[RoleMember]
	}
	return RoleWeight(role)
}

// Outranks reports whether actor may manage a membership held at target.
// Only hierarchical roles can act, and equal rank never suffices.
func Outranks(actor, target Role) bool {
	if !IsHierarchical(actor) || !target.Valid() {
		return false
	}
	return authorityRank(actor) > authorityRank(target)
}
