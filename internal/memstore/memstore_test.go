package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/alecgard/taskforge/internal/org"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/alecgard/taskforge/internal/user"
)

func TestUsersEmailUniqueIgnoringCase(t *testing.T) {
	ctx := context.Background()
	users := NewUsers()
	if _, err := users.Create(ctx, user.CreateUserInput{Email: "A@X.com", Name: "A"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := users.Create(ctx, user.CreateUserInput{Email: "a@x.COM", Name: "B"}); !errors.Is(err, user.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	u, err := users.GetByEmail(ctx, " a@X.com ")
	if err != nil || u.Email != "a@x.com" {
		t.Fatalf("GetByEmail = %+v, %v", u, err)
	}
}

func TestUpdatePasswordBumpsVersion(t *testing.T) {
	ctx := context.Background()
	users := NewUsers()
	u, _ := users.Create(ctx, user.CreateUserInput{Email: "a@x.com", Name: "A"})
	got, err := users.UpdatePassword(ctx, u.ID, "new-hash")
	if err != nil {
		t.Fatalf("UpdatePassword: %v", err)
	}
	if got.TokenVersion != u.TokenVersion+1 || got.PasswordHash != "new-hash" {
		t.Errorf("unexpected user after update: %+v", got)
	}
}

func TestTransferOwnershipRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	users := NewUsers()
	orgs := NewOrgs(users)
	owner, _ := users.Create(ctx, user.CreateUserInput{Email: "o@x.com", Name: "O"})
	admin, _ := users.Create(ctx, user.CreateUserInput{Email: "a@x.com", Name: "A"})
	o, _ := orgs.CreateOrganization(ctx, "Acme", owner.ID)
	if _, err := orgs.AddMember(ctx, o.ID, admin.ID, rbac.RoleAdmin); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	for step := 1; step <= 3; step++ {
		orgs.FailTransferAt = step
		if err := orgs.TransferOwnership(ctx, o.ID, owner.ID, admin.ID); !errors.Is(err, ErrInjected) {
			t.Fatalf("step %d: expected injected failure, got %v", step, err)
		}
		m, _ := orgs.GetMembership(ctx, o.ID, owner.ID)
		if m.Role != rbac.RoleOwner {
			t.Fatalf("step %d: owner role not restored: %s", step, m.Role)
		}
		if n := orgs.OwnerCount(o.ID); n != 1 {
			t.Fatalf("step %d: expected 1 owner, got %d", step, n)
		}
	}

	orgs.FailTransferAt = 0
	if err := orgs.TransferOwnership(ctx, o.ID, owner.ID, admin.ID); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	got, _ := orgs.GetOrganization(ctx, o.ID)
	if got.OwnerID != admin.ID || orgs.OwnerCount(o.ID) != 1 {
		t.Errorf("transfer not applied: owner=%s count=%d", got.OwnerID, orgs.OwnerCount(o.ID))
	}
}

func TestAcceptInviteIsSingleUse(t *testing.T) {
	ctx := context.Background()
	users := NewUsers()
	orgs := NewOrgs(users)
	owner, _ := users.Create(ctx, user.CreateUserInput{Email: "o@x.com"})
	bob, _ := users.Create(ctx, user.CreateUserInput{Email: "bob@x.com"})
	o, _ := orgs.CreateOrganization(ctx, "Acme", owner.ID)
	inv, _ := orgs.CreateInvite(ctx, org.CreateInviteInput{Email: bob.Email, OrganizationID: o.ID, InvitedByID: owner.ID, Role: rbac.RoleMember, Token: "t"})

	if _, err := orgs.AcceptInvite(ctx, inv.ID, bob.ID); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if _, err := orgs.AcceptInvite(ctx, inv.ID, bob.ID); !errors.Is(err, org.ErrInviteNotPending) {
		t.Fatalf("expected ErrInviteNotPending, got %v", err)
	}
}
