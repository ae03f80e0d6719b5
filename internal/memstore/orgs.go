package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/alecgard/taskforge/internal/org"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/google/uuid"
)

// ErrInjected is returned by a transfer step armed with FailTransferAt.
var ErrInjected = errors.New("memstore: injected failure")

type memberKey struct {
	orgID, userID string
}

// Orgs is an in-memory organization, membership and invite store. Profile
// fields for ListMembers come from the Users store it was built with.
type Orgs struct {
	mu      sync.Mutex
	users   *Users
	orgs    map[string]*org.Organization
	slugs   map[string]string
	members map[memberKey]*org.Membership
	invites map[string]*org.Invite
	now     func() time.Time

	// FailTransferAt, when set to 1, 2 or 3, makes TransferOwnership fail at
	// that step (demote, promote, owner_id update) and roll back.
	FailTransferAt int
}

// NewOrgs creates an empty org store reading profiles from users.
func NewOrgs(users *Users) *Orgs {
	return &Orgs{
		users:   users,
		orgs:    make(map[string]*org.Organization),
		slugs:   make(map[string]string),
		members: make(map[memberKey]*org.Membership),
		invites: make(map[string]*org.Invite),
		now:     time.Now,
	}
}

func (s *Orgs) CreateOrganization(_ context.Context, name, ownerID string) (*org.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slug := org.Slugify(name)
	if _, taken := s.slugs[slug]; taken {
		slug = org.SlugWithSuffix(slug)
	}
	now := s.now().UTC()
	o := &org.Organization{ID: uuid.NewString(), Name: name, Slug: slug, OwnerID: ownerID, CreatedAt: now}
	s.orgs[o.ID] = o
	s.slugs[slug] = o.ID
	s.members[memberKey{o.ID, ownerID}] = &org.Membership{
		OrganizationID: o.ID, UserID: ownerID, Role: rbac.RoleOwner, CreatedAt: now, UpdatedAt: now,
	}
	cp := *o
	return &cp, nil
}

func (s *Orgs) GetOrganization(_ context.Context, id string) (*org.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok || o.DeletedAt != nil {
		return nil, org.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Orgs) ListForUser(_ context.Context, userID string) ([]org.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []org.Organization
	for k := range s.members {
		if k.userID != userID {
			continue
		}
		if o := s.orgs[k.orgID]; o != nil && o.DeletedAt == nil {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Orgs) GetMembership(_ context.Context, orgID, userID string) (*org.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{orgID, userID}]
	if !ok {
		return nil, org.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Orgs) ListMembers(ctx context.Context, orgID string) ([]org.Member, error) {
	s.mu.Lock()
	var ms []org.Membership
	for k, m := range s.members {
		if k.orgID == orgID {
			ms = append(ms, *m)
		}
	}
	s.mu.Unlock()

	out := make([]org.Member, 0, len(ms))
	for _, m := range ms {
		mem := org.Member{Membership: m}
		if u, err := s.users.GetByID(ctx, m.UserID); err == nil {
			mem.Email, mem.Name = u.Email, u.Name
		}
		out = append(out, mem)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Email < out[j].Email
	})
	return out, nil
}

func (s *Orgs) MemberUserIDs(_ context.Context, orgID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for k := range s.members {
		if k.orgID == orgID {
			ids = append(ids, k.userID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Orgs) AddMember(_ context.Context, orgID, userID string, role rbac.Role) (*org.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMemberLocked(orgID, userID, role)
}

func (s *Orgs) addMemberLocked(orgID, userID string, role rbac.Role) (*org.Membership, error) {
	k := memberKey{orgID, userID}
	if _, ok := s.members[k]; ok {
		return nil, org.ErrAlreadyMember
	}
	now := s.now().UTC()
	m := &org.Membership{OrganizationID: orgID, UserID: userID, Role: role, CreatedAt: now, UpdatedAt: now}
	s.members[k] = m
	cp := *m
	return &cp, nil
}

func (s *Orgs) AcceptInvite(_ context.Context, inviteID, userID string) (*org.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[inviteID]
	if !ok || inv.Status != org.InvitePending {
		return nil, org.ErrInviteNotPending
	}
	m, err := s.addMemberLocked(inv.OrganizationID, userID, inv.Role)
	if err != nil {
		return nil, err
	}
	inv.Status = org.InviteAccepted
	return m, nil
}

func (s *Orgs) UpdateMemberRole(_ context.Context, orgID, userID string, role rbac.Role) (*org.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberKey{orgID, userID}]
	if !ok {
		return nil, org.ErrNotFound
	}
	m.Role = role
	m.UpdatedAt = s.now().UTC()
	cp := *m
	return &cp, nil
}

func (s *Orgs) RemoveMember(_ context.Context, orgID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memberKey{orgID, userID}
	if _, ok := s.members[k]; !ok {
		return org.ErrNotFound
	}
	delete(s.members, k)
	return nil
}

// TransferOwnership applies demote, promote and owner_id update as one unit.
// A failure at any step restores the state captured before the first.
func (s *Orgs) TransferOwnership(_ context.Context, orgID, fromUserID, toUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, okFrom := s.members[memberKey{orgID, fromUserID}]
	to, okTo := s.members[memberKey{orgID, toUserID}]
	o, okOrg := s.orgs[orgID]
	if !okFrom || !okTo || !okOrg || from.Role != rbac.RoleOwner {
		return org.ErrNotFound
	}
	fromSnap, toSnap, orgSnap := *from, *to, *o
	rollback := func() {
		*from, *to, *o = fromSnap, toSnap, orgSnap
	}

	now := s.now().UTC()
	steps := []func(){
		func() { from.Role, from.UpdatedAt = rbac.RoleAdmin, now },
		func() { to.Role, to.UpdatedAt = rbac.RoleOwner, now },
		func() { o.OwnerID = toUserID },
	}
	for i, step := range steps {
		if s.FailTransferAt == i+1 {
			rollback()
			return ErrInjected
		}
		step()
	}
	return nil
}

func (s *Orgs) SoftDeleteOrganization(_ context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[orgID]
	if !ok || o.DeletedAt != nil {
		return org.ErrNotFound
	}
	now := s.now().UTC()
	o.DeletedAt = &now
	return nil
}

func (s *Orgs) CreateInvite(_ context.Context, in org.CreateInviteInput) (*org.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := &org.Invite{
		ID:             uuid.NewString(),
		Email:          in.Email,
		OrganizationID: in.OrganizationID,
		InvitedByID:    in.InvitedByID,
		Role:           in.Role,
		Token:          in.Token,
		Status:         org.InvitePending,
		ExpiresAt:      in.ExpiresAt,
		CreatedAt:      s.now().UTC(),
	}
	s.invites[inv.ID] = inv
	cp := *inv
	return &cp, nil
}

func (s *Orgs) GetInviteByToken(_ context.Context, token string) (*org.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invites {
		if inv.Token == token {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, org.ErrNotFound
}

func (s *Orgs) UpdateInviteStatus(_ context.Context, id string, status org.InviteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok || inv.Status != org.InvitePending {
		return org.ErrInviteNotPending
	}
	inv.Status = status
	return nil
}

func (s *Orgs) ListInvites(_ context.Context, orgID string) ([]org.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []org.Invite
	for _, inv := range s.invites {
		if inv.OrganizationID == orgID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// OwnerCount returns how many OWNER memberships orgID has.
func (s *Orgs) OwnerCount(orgID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.members {
		if k.orgID == orgID && m.Role == rbac.RoleOwner {
			n++
		}
	}
	return n
}
