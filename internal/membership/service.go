package membership

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/notify"
	"github.com/alecgard/taskforge/internal/org"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/alecgard/taskforge/internal/realtime"
	"github.com/alecgard/taskforge/internal/user"
)

const (
	DefaultInviteExpiry = 7 * 24 * time.Hour

	inviteTokenBytes = 32
)

// Store is the authoritative organization store.
type Store interface {
	RoleSource
	CreateOrganization(ctx context.Context, name, ownerID string) (*org.Organization, error)
	ListForUser(ctx context.Context, userID string) ([]org.Organization, error)
	ListMembers(ctx context.Context, orgID string) ([]org.Member, error)
	MemberUserIDs(ctx context.Context, orgID string) ([]string, error)
	AcceptInvite(ctx context.Context, inviteID, userID string) (*org.Membership, error)
	UpdateMemberRole(ctx context.Context, orgID, userID string, role rbac.Role) (*org.Membership, error)
	RemoveMember(ctx context.Context, orgID, userID string) error
	TransferOwnership(ctx context.Context, orgID, fromUserID, toUserID string) error
	SoftDeleteOrganization(ctx context.Context, orgID string) error
	CreateInvite(ctx context.Context, in org.CreateInviteInput) (*org.Invite, error)
	GetInviteByToken(ctx context.Context, token string) (*org.Invite, error)
	UpdateInviteStatus(ctx context.Context, id string, status org.InviteStatus) error
	ListInvites(ctx context.Context, orgID string) ([]org.Invite, error)
}

// Directory looks users up for invite addressing.
type Directory interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
}

// Actor is the caller of an organization-scoped operation, with the role the
// authorization gate resolved for them.
type Actor struct {
	UserID         string
	OrganizationID string
	Role           rbac.Role
}

// Config holds service tunables.
type Config struct {
	InviteExpiry time.Duration
}

// Service applies membership mutations, enforcing role guardrails and cache
// invalidation.
type Service struct {
	store    Store
	users    Directory
	cache    *Cache
	events   realtime.Broadcaster
	notifier notify.Enqueuer

	inviteExpiry time.Duration
	now          func() time.Time
}

// NewService wires the membership service.
func NewService(store Store, users Directory, c *Cache, events realtime.Broadcaster, notifier notify.Enqueuer, cfg Config) *Service {
	if cfg.InviteExpiry <= 0 {
		cfg.InviteExpiry = DefaultInviteExpiry
	}
	if events == nil {
		events = realtime.Nop{}
	}
	return &Service{
		store:        store,
		users:        users,
		cache:        c,
		events:       events,
		notifier:     notifier,
		inviteExpiry: cfg.InviteExpiry,
		now:          time.Now,
	}
}

// CreateOrganization creates an organization owned by userID.
func (s *Service) CreateOrganization(ctx context.Context, userID, name string) (*org.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.BadRequest("organization name is required")
	}
	o, err := s.store.CreateOrganization(ctx, name, userID)
	if err != nil {
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	return o, nil
}

// GetOrganization returns a live organization.
func (s *Service) GetOrganization(ctx context.Context, orgID string) (*org.Organization, error) {
	o, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return nil, apperr.NotFound("organization not found")
		}
		return nil, err
	}
	return o, nil
}

// ListOrganizations returns the organizations userID belongs to.
func (s *Service) ListOrganizations(ctx context.Context, userID string) ([]org.Organization, error) {
	return s.store.ListForUser(ctx, userID)
}

// ListMembers returns the members of the actor's organization.
func (s *Service) ListMembers(ctx context.Context, actor Actor) ([]org.Member, error) {
	if !rbac.HasPermission(actor.Role, rbac.PermMemberRead) {
		return nil, apperr.Forbidden("insufficient permissions")
	}
	return s.store.ListMembers(ctx, actor.OrganizationID)
}

// UpdateRole changes target's role. OWNER is never assigned or removed here,
// nobody changes their own role, and the actor must strictly outrank both the
// target's current role and the new one.
func (s *Service) UpdateRole(ctx context.Context, actor Actor, targetUserID string, newRole rbac.Role) (*org.Membership, error) {
	if !rbac.HasPermission(actor.Role, rbac.PermMemberUpdateRole) {
		return nil, apperr.Forbidden("insufficient permissions")
	}
	if targetUserID == actor.UserID {
		return nil, apperr.BadRequest("cannot change your own role")
	}
	if !newRole.Valid() {
		return nil, apperr.BadRequest("invalid role")
	}
	if newRole == rbac.RoleOwner {
		return nil, apperr.Forbidden("ownership can only be assigned by transfer")
	}

	target, err := s.member(ctx, actor.OrganizationID, targetUserID)
	if err != nil {
		return nil, err
	}
	if target.Role == rbac.RoleOwner {
		return nil, apperr.Forbidden("the owner's role can only change by transfer")
	}
	if !rbac.Outranks(actor.Role, target.Role) || !rbac.Outranks(actor.Role, newRole) {
		return nil, apperr.Forbidden("cannot manage a member of equal or higher role")
	}

	m, err := s.store.UpdateMemberRole(ctx, actor.OrganizationID, targetUserID, newRole)
	if err != nil {
		return nil, fmt.Errorf("updating role: %w", err)
	}
	if err := s.cache.Invalidate(ctx, actor.OrganizationID, targetUserID); err != nil {
		return nil, err
	}

	payload := map[string]any{"user_id": targetUserID, "old_role": target.Role, "new_role": newRole, "changed_by": actor.UserID}
	s.publishOrg(ctx, actor.OrganizationID, realtime.EventMemberRoleChanged, payload)
	s.publishUser(ctx, targetUserID, realtime.EventMemberRoleChanged, payload)
	return m, nil
}

// RemoveMember removes target from the actor's organization.
func (s *Service) RemoveMember(ctx context.Context, actor Actor, targetUserID string) error {
	if !rbac.HasPermission(actor.Role, rbac.PermMemberRemove) {
		return apperr.Forbidden("insufficient permissions")
	}
	if targetUserID == actor.UserID {
		return apperr.BadRequest("use leave to remove yourself")
	}
	target, err := s.member(ctx, actor.OrganizationID, targetUserID)
	if err != nil {
		return err
	}
	if target.Role == rbac.RoleOwner {
		return apperr.Forbidden("the owner cannot be removed")
	}
	if !rbac.Outranks(actor.Role, target.Role) {
		return apperr.Forbidden("cannot manage a member of equal or higher role")
	}
	return s.remove(ctx, actor.OrganizationID, targetUserID, actor.UserID)
}

// Leave removes the actor from their organization. The owner must transfer
// ownership first.
func (s *Service) Leave(ctx context.Context, actor Actor) error {
	if actor.Role == rbac.RoleOwner {
		return apperr.BadRequest("the owner must transfer ownership before leaving")
	}
	return s.remove(ctx, actor.OrganizationID, actor.UserID, actor.UserID)
}

func (s *Service) remove(ctx context.Context, orgID, userID, by string) error {
	if err := s.store.RemoveMember(ctx, orgID, userID); err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return apperr.NotFound("member not found")
		}
		return fmt.Errorf("removing member: %w", err)
	}
	if err := s.cache.Invalidate(ctx, orgID, userID); err != nil {
		return err
	}
	payload := map[string]any{"user_id": userID, "removed_by": by}
	s.publishOrg(ctx, orgID, realtime.EventMemberRemoved, payload)
	s.publishUser(ctx, userID, realtime.EventMemberRemoved, payload)
	return nil
}

// TransferOwnership makes newOwnerID the owner and demotes the actor to ADMIN
// in a single store transaction.
func (s *Service) TransferOwnership(ctx context.Context, actor Actor, newOwnerID string) error {
	if actor.Role != rbac.RoleOwner || !rbac.HasPermission(actor.Role, rbac.PermOrgTransfer) {
		return apperr.Forbidden("only the owner can transfer ownership")
	}
	if newOwnerID == actor.UserID {
		return apperr.BadRequest("you already own this organization")
	}
	if _, err := s.member(ctx, actor.OrganizationID, newOwnerID); err != nil {
		return err
	}

	if err := s.store.TransferOwnership(ctx, actor.OrganizationID, actor.UserID, newOwnerID); err != nil {
		return fmt.Errorf("transferring ownership: %w", err)
	}
	if err := s.cache.Invalidate(ctx, actor.OrganizationID, actor.UserID, newOwnerID); err != nil {
		return err
	}
	s.publishOrg(ctx, actor.OrganizationID, realtime.EventOwnershipTransferred, map[string]any{
		"previous_owner_id": actor.UserID,
		"new_owner_id":      newOwnerID,
	})
	return nil
}

// DeleteOrganization soft-deletes the actor's organization and drops every
// cached membership for it. Each member's key is deleted by name as well as
// by prefix, and each member is told on their own channel.
func (s *Service) DeleteOrganization(ctx context.Context, actor Actor) error {
	if !rbac.HasPermission(actor.Role, rbac.PermOrgDelete) {
		return apperr.Forbidden("only the owner can delete the organization")
	}
	memberIDs, err := s.store.MemberUserIDs(ctx, actor.OrganizationID)
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}
	if err := s.store.SoftDeleteOrganization(ctx, actor.OrganizationID); err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return apperr.NotFound("organization not found")
		}
		return fmt.Errorf("deleting organization: %w", err)
	}
	if err := s.cache.Invalidate(ctx, actor.OrganizationID, memberIDs...); err != nil {
		return err
	}
	if err := s.cache.InvalidateOrganization(ctx, actor.OrganizationID); err != nil {
		return err
	}

	payload := map[string]any{"organization_id": actor.OrganizationID, "deleted_by": actor.UserID}
	s.publishOrg(ctx, actor.OrganizationID, realtime.EventOrganizationDeleted, payload)
	for _, id := range memberIDs {
		s.publishUser(ctx, id, realtime.EventOrganizationDeleted, payload)
	}
	return nil
}

// CreateInvite issues a single-use invite to email at role and queues the
// invite email.
func (s *Service) CreateInvite(ctx context.Context, actor Actor, email string, role rbac.Role) (*org.Invite, error) {
	if !rbac.HasPermission(actor.Role, rbac.PermMemberInvite) {
		return nil, apperr.Forbidden("insufficient permissions")
	}
	email = user.NormalizeEmail(email)
	if !user.ValidEmail(email) {
		return nil, apperr.BadRequest("a valid email is required")
	}
	if !role.Valid() || role == rbac.RoleOwner {
		return nil, apperr.BadRequest("invite role must be below OWNER")
	}
	if rbac.Outranks(role, actor.Role) {
		return nil, apperr.Forbidden("cannot invite at a role above your own")
	}

	if existing, err := s.users.GetByEmail(ctx, email); err == nil {
		if _, err := s.store.GetMembership(ctx, actor.OrganizationID, existing.ID); err == nil {
			return nil, apperr.Conflict("user is already a member")
		}
	}

	o, err := s.GetOrganization(ctx, actor.OrganizationID)
	if err != nil {
		return nil, err
	}
	token, err := newInviteToken()
	if err != nil {
		return nil, err
	}
	inv, err := s.store.CreateInvite(ctx, org.CreateInviteInput{
		Email:          email,
		OrganizationID: actor.OrganizationID,
		InvitedByID:    actor.UserID,
		Role:           role,
		Token:          token,
		ExpiresAt:      s.now().UTC().Add(s.inviteExpiry),
	})
	if err != nil {
		return nil, err
	}

	inviter := actor.UserID
	if u, err := s.users.GetByID(ctx, actor.UserID); err == nil {
		inviter = u.Name
	}
	if s.notifier != nil {
		s.notifier.Enqueue(notify.InviteJob(email, o.Name, inviter, string(role), token))
	}
	return inv, nil
}

// ValidateInvite checks that token names a pending, unexpired invite
// addressed to email. Every failure is a BadRequest.
func (s *Service) ValidateInvite(ctx context.Context, token, email string) (*org.Invite, error) {
	inv, err := s.store.GetInviteByToken(ctx, token)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return nil, apperr.BadRequest("invalid invite token")
		}
		return nil, err
	}
	if !inv.Usable(s.now()) {
		return nil, apperr.BadRequest("invite is no longer valid")
	}
	if !strings.EqualFold(inv.Email, user.NormalizeEmail(email)) {
		return nil, apperr.BadRequest("invite was issued to a different email")
	}
	return inv, nil
}

// AcceptInvite consumes token and grants userID the invited role.
func (s *Service) AcceptInvite(ctx context.Context, userID, token string) (*org.Membership, error) {
	inv, u, err := s.openInvite(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetOrganization(ctx, inv.OrganizationID); err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return nil, apperr.BadRequest("organization no longer exists")
		}
		return nil, err
	}

	m, err := s.store.AcceptInvite(ctx, inv.ID, u.ID)
	if err != nil {
		switch {
		case errors.Is(err, org.ErrAlreadyMember):
			return nil, apperr.Conflict("user is already a member")
		case errors.Is(err, org.ErrInviteNotPending):
			return nil, apperr.BadRequest("invite is no longer pending")
		}
		return nil, fmt.Errorf("accepting invite: %w", err)
	}
	if err := s.cache.Invalidate(ctx, inv.OrganizationID, u.ID); err != nil {
		return nil, err
	}
	s.publishOrg(ctx, inv.OrganizationID, realtime.EventMemberJoined, map[string]any{"user_id": u.ID, "role": m.Role})
	return m, nil
}

// DeclineInvite consumes token without granting membership.
func (s *Service) DeclineInvite(ctx context.Context, userID, token string) error {
	inv, _, err := s.openInvite(ctx, userID, token)
	if err != nil {
		return err
	}
	if err := s.store.UpdateInviteStatus(ctx, inv.ID, org.InviteDeclined); err != nil {
		if errors.Is(err, org.ErrInviteNotPending) {
			return apperr.BadRequest("invite is no longer pending")
		}
		return fmt.Errorf("declining invite: %w", err)
	}
	return nil
}

// openInvite loads a PENDING invite addressed to userID, marking it EXPIRED
// when its window has passed.
func (s *Service) openInvite(ctx context.Context, userID, token string) (*org.Invite, *user.User, error) {
	inv, err := s.store.GetInviteByToken(ctx, token)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return nil, nil, apperr.NotFound("invite not found")
		}
		return nil, nil, err
	}
	if inv.Status != org.InvitePending {
		return nil, nil, apperr.BadRequest("invite is no longer pending")
	}
	if !s.now().Before(inv.ExpiresAt) {
		if err := s.store.UpdateInviteStatus(ctx, inv.ID, org.InviteExpired); err != nil && !errors.Is(err, org.ErrInviteNotPending) {
			slog.WarnContext(ctx, "failed to mark invite expired", "invite_id", inv.ID, "error", err)
		}
		return nil, nil, apperr.BadRequest("invite has expired")
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, nil, apperr.Unauthenticated("unknown user")
		}
		return nil, nil, err
	}
	if !strings.EqualFold(u.Email, inv.Email) {
		return nil, nil, apperr.Forbidden("invite was issued to a different email")
	}
	return inv, u, nil
}

// ListInvites returns the invites of the actor's organization.
func (s *Service) ListInvites(ctx context.Context, actor Actor) ([]org.Invite, error) {
	if !rbac.HasPermission(actor.Role, rbac.PermMemberInvite) {
		return nil, apperr.Forbidden("insufficient permissions")
	}
	return s.store.ListInvites(ctx, actor.OrganizationID)
}

func (s *Service) member(ctx context.Context, orgID, userID string) (*org.Membership, error) {
	m, err := s.store.GetMembership(ctx, orgID, userID)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return nil, apperr.NotFound("member not found")
		}
		return nil, err
	}
	return m, nil
}

func (s *Service) publishOrg(ctx context.Context, orgID, event string, payload map[string]any) {
	if err := s.events.PublishToOrganization(ctx, orgID, event, payload); err != nil {
		slog.WarnContext(ctx, "realtime publish failed", "event", event, "org_id", orgID, "error", err)
	}
}

func (s *Service) publishUser(ctx context.Context, userID, event string, payload map[string]any) {
	if err := s.events.PublishToUser(ctx, userID, event, payload); err != nil {
		slog.WarnContext(ctx, "realtime publish failed", "event", event, "user_id", userID, "error", err)
	}
}

func newInviteToken() (string, error) {
	b := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating invite token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
