// Package org persists organizations, memberships and invites.
package org

import (
	"errors"
	"time"

	"github.com/alecgard/taskforge/internal/rbac"
)

var (
	ErrNotFound         = errors.New("org: not found")
	ErrSlugTaken        = errors.New("org: slug already taken")
	ErrAlreadyMember    = errors.New("org: user is already a member")
	ErrInviteNotPending = errors.New("org: invite is no longer pending")
)

// Organization is the tenant boundary.
type Organization struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	OwnerID   string     `json:"owner_id"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Membership is the (user, organization, role) relation.
type Membership struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           rbac.Role `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Member is a membership joined with the user's public profile.
type Member struct {
	Membership
	Email string `json:"email"`
	Name  string `json:"name"`
}

// InviteStatus tracks an invite through its single transition.
type InviteStatus string

const (
	InvitePending  InviteStatus = "PENDING"
	InviteAccepted InviteStatus = "ACCEPTED"
	InviteDeclined InviteStatus = "DECLINED"
	InviteExpired  InviteStatus = "EXPIRED"
)

// Invite is a single-use credential granting membership on acceptance.
type Invite struct {
	ID             string       `json:"id"`
	Email          string       `json:"email"`
	OrganizationID string       `json:"organization_id"`
	InvitedByID    string       `json:"invited_by_id"`
	Role           rbac.Role    `json:"role"`
	Token          string       `json:"-"`
	Status         InviteStatus `json:"status"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Usable reports whether the invite can still be accepted or declined at now.
func (i *Invite) Usable(now time.Time) bool {
	return i.Status == InvitePending && now.Before(i.ExpiresAt)
}

// CreateInviteInput holds the fields for a new invite.
type CreateInviteInput struct {
	Email          string
	OrganizationID string
	InvitedByID    string
	Role           rbac.Role
	Token          string
	ExpiresAt      time.Time
}
