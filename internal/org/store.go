package org

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/taskforge/internal/database"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	orgColumns        = `id, name, slug, owner_id, created_at, deleted_at`
	membershipColumns = `organization_id, user_id, role, created_at, updated_at`
	inviteColumns     = `id, email, organization_id, invited_by_id, role, token, status, expires_at, created_at`

	// slugAttempts bounds the suffix retries after a slug collision.
	slugAttempts = 5
)

// Store provides database operations for organizations, memberships and invites.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new org store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanOrganization(scan func(dest ...any) error) (*Organization, error) {
	o := &Organization{}
	if err := scan(&o.ID, &o.Name, &o.Slug, &o.OwnerID, &o.CreatedAt, &o.DeletedAt); err != nil {
		if database.IsNoRows(err) || database.IsInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

func scanMembership(scan func(dest ...any) error) (*Membership, error) {
	m := &Membership{}
	var role string
	if err := scan(&m.OrganizationID, &m.UserID, &role, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if database.IsNoRows(err) || database.IsInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Role = rbac.Role(role)
	return m, nil
}

func scanInvite(scan func(dest ...any) error) (*Invite, error) {
	i := &Invite{}
	var role, status string
	if err := scan(&i.ID, &i.Email, &i.OrganizationID, &i.InvitedByID, &role, &i.Token, &status, &i.ExpiresAt, &i.CreatedAt); err != nil {
		if database.IsNoRows(err) || database.IsInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	i.Role = rbac.Role(role)
	i.Status = InviteStatus(status)
	return i, nil
}

// CreateOrganization inserts the organization and its OWNER membership in one
// transaction. A slug collision is retried with a random suffix.
func (s *Store) CreateOrganization(ctx context.Context, name, ownerID string) (*Organization, error) {
	base := Slugify(name)
	slug := base
	for attempt := 0; attempt < slugAttempts; attempt++ {
		o, err := s.createOrganization(ctx, name, slug, ownerID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrSlugTaken) {
			return nil, err
		}
		slug = SlugWithSuffix(base)
	}
	return nil, ErrSlugTaken
}

func (s *Store) createOrganization(ctx context.Context, name, slug, ownerID string) (*Organization, error) {
	var o *Organization
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		o, err = scanOrganization(func(dest ...any) error {
			return tx.QueryRow(ctx,
				`INSERT INTO organizations (name, slug, owner_id)
				 VALUES ($1, $2, $3)
				 RETURNING `+orgColumns,
				name, slug, ownerID,
			).Scan(dest...)
		})
		if err != nil {
			if database.IsUniqueViolation(err, "organizations_slug_key") {
				return ErrSlugTaken
			}
			return fmt.Errorf("inserting organization: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO memberships (organization_id, user_id, role) VALUES ($1, $2, $3)`,
			o.ID, ownerID, string(rbac.RoleOwner),
		); err != nil {
			return fmt.Errorf("inserting owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrganization returns a live (not soft-deleted) organization.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	o, err := scanOrganization(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+orgColumns+` FROM organizations WHERE id = $1 AND deleted_at IS NULL`, id,
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("getting organization: %w", err)
	}
	return o, nil
}

// ListForUser returns the live organizations userID belongs to.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]Organization, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.id, o.name, o.slug, o.owner_id, o.created_at, o.deleted_at
		 FROM organizations o
		 JOIN memberships m ON m.organization_id = o.id
		 WHERE m.user_id = $1 AND o.deleted_at IS NULL
		 ORDER BY o.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		o, err := scanOrganization(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning organization: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating organizations: %w", err)
	}
	return out, nil
}

// GetMembership returns the membership of userID in orgID.
func (s *Store) GetMembership(ctx context.Context, orgID, userID string) (*Membership, error) {
	m, err := scanMembership(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+membershipColumns+` FROM memberships WHERE organization_id = $1 AND user_id = $2`,
			orgID, userID,
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("getting membership: %w", err)
	}
	return m, nil
}

// ListMembers returns every member of orgID with profile fields, oldest first.
func (s *Store) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT m.organization_id, m.user_id, m.role, m.created_at, m.updated_at, u.email, u.name
		 FROM memberships m
		 JOIN users u ON u.id = m.user_id
		 WHERE m.organization_id = $1
		 ORDER BY m.created_at, u.email`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var mem Member
		var role string
		if err := rows.Scan(&mem.OrganizationID, &mem.UserID, &role, &mem.CreatedAt, &mem.UpdatedAt, &mem.Email, &mem.Name); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		mem.Role = rbac.Role(role)
		out = append(out, mem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating members: %w", err)
	}
	return out, nil
}

// AddMember inserts a membership. An existing membership yields ErrAlreadyMember.
func (s *Store) AddMember(ctx context.Context, orgID, userID string, role rbac.Role) (*Membership, error) {
	m, err := scanMembership(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO memberships (organization_id, user_id, role)
			 VALUES ($1, $2, $3)
			 RETURNING `+membershipColumns,
			orgID, userID, string(role),
		).Scan(dest...)
	})
	if err != nil {
		if database.IsUniqueViolation(err, "memberships_pkey") {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("adding member: %w", err)
	}
	return m, nil
}

// AcceptInvite marks a pending invite accepted and inserts the membership in
// one transaction.
func (s *Store) AcceptInvite(ctx context.Context, inviteID, userID string) (*Membership, error) {
	var m *Membership
	err := database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var orgID, role string
		err := tx.QueryRow(ctx,
			`UPDATE invites SET status = 'ACCEPTED'
			 WHERE id = $1 AND status = 'PENDING'
			 RETURNING organization_id, role`, inviteID,
		).Scan(&orgID, &role)
		if err != nil {
			if database.IsNoRows(err) {
				return ErrInviteNotPending
			}
			return fmt.Errorf("accepting invite: %w", err)
		}
		m, err = scanMembership(func(dest ...any) error {
			return tx.QueryRow(ctx,
				`INSERT INTO memberships (organization_id, user_id, role)
				 VALUES ($1, $2, $3)
				 RETURNING `+membershipColumns,
				orgID, userID, role,
			).Scan(dest...)
		})
		if err != nil {
			if database.IsUniqueViolation(err, "memberships_pkey") {
				return ErrAlreadyMember
			}
			return fmt.Errorf("adding member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMemberRole changes the role of an existing membership.
func (s *Store) UpdateMemberRole(ctx context.Context, orgID, userID string, role rbac.Role) (*Membership, error) {
	m, err := scanMembership(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`UPDATE memberships SET role = $3, updated_at = now()
			 WHERE organization_id = $1 AND user_id = $2
			 RETURNING `+membershipColumns,
			orgID, userID, string(role),
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("updating member role: %w", err)
	}
	return m, nil
}

// RemoveMember deletes a membership.
func (s *Store) RemoveMember(ctx context.Context, orgID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memberships WHERE organization_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return fmt.Errorf("removing member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransferOwnership moves the OWNER role from the current owner to newOwnerID
// and demotes the previous owner to ADMIN. The demotion runs first so the
// single-owner index is never violated mid-transaction; any failure rolls the
// whole transfer back.
func (s *Store) TransferOwnership(ctx context.Context, orgID, fromUserID, toUserID string) error {
	return database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE memberships SET role = $3, updated_at = now()
			 WHERE organization_id = $1 AND user_id = $2 AND role = 'OWNER'`,
			orgID, fromUserID, string(rbac.RoleAdmin))
		if err != nil {
			return fmt.Errorf("demoting owner: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		tag, err = tx.Exec(ctx,
			`UPDATE memberships SET role = $3, updated_at = now()
			 WHERE organization_id = $1 AND user_id = $2`,
			orgID, toUserID, string(rbac.RoleOwner))
		if err != nil {
			return fmt.Errorf("promoting new owner: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		if _, err := tx.Exec(ctx,
			`UPDATE organizations SET owner_id = $2, updated_at = now() WHERE id = $1`,
			orgID, toUserID); err != nil {
			return fmt.Errorf("updating organization owner: %w", err)
		}
		return nil
	})
}

// SoftDeleteOrganization marks the organization deleted. Memberships are kept
// for audit but the resolver refuses deleted organizations.
func (s *Store) SoftDeleteOrganization(ctx context.Context, orgID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, orgID)
	if err != nil {
		return fmt.Errorf("deleting organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberUserIDs returns the user IDs of every member of orgID.
func (s *Store) MemberUserIDs(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM memberships WHERE organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing member ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting member ids: %w", err)
	}
	return ids, nil
}

// CreateInvite inserts a pending invite.
func (s *Store) CreateInvite(ctx context.Context, in CreateInviteInput) (*Invite, error) {
	inv, err := scanInvite(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO invites (email, organization_id, invited_by_id, role, token, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+inviteColumns,
			in.Email, in.OrganizationID, in.InvitedByID, string(in.Role), in.Token, in.ExpiresAt,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("creating invite: %w", err)
	}
	return inv, nil
}

// GetInviteByToken looks an invite up by its opaque token.
func (s *Store) GetInviteByToken(ctx context.Context, token string) (*Invite, error) {
	inv, err := scanInvite(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+inviteColumns+` FROM invites WHERE token = $1`, token,
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("getting invite: %w", err)
	}
	return inv, nil
}

// UpdateInviteStatus moves a PENDING invite to status. Invites that already
// left PENDING yield ErrInviteNotPending.
func (s *Store) UpdateInviteStatus(ctx context.Context, id string, status InviteStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE invites SET status = $2 WHERE id = $1 AND status = 'PENDING'`, id, string(status))
	if err != nil {
		return fmt.Errorf("updating invite status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInviteNotPending
	}
	return nil
}

// ListInvites returns the invites of orgID, newest first.
func (s *Store) ListInvites(ctx context.Context, orgID string) ([]Invite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing invites: %w", err)
	}
	defer rows.Close()

	var out []Invite
	for rows.Next() {
		inv, err := scanInvite(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning invite: %w", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invites: %w", err)
	}
	return out, nil
}
