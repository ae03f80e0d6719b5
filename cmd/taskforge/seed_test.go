package main

import (
	"context"
	"testing"

	"github.com/alecgard/taskforge/internal/memstore"
	"github.com/alecgard/taskforge/internal/rbac"
	"golang.org/x/crypto/bcrypt"
)

func TestSeedDemo(t *testing.T) {
	ctx := context.Background()
	users := memstore.NewUsers()
	orgs := memstore.NewOrgs(users)

	demo, created, err := seedDemo(ctx, users, orgs, "demo-password", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("seedDemo: %v", err)
	}
	if !created || demo == nil {
		t.Fatal("expected demo data to be created")
	}

	members, err := orgs.ListMembers(ctx, demo.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != len(demoRoles) {
		t.Fatalf("expected %d members, got %d", len(demoRoles), len(members))
	}
	got := make(map[rbac.Role]string, len(members))
	for _, m := range members {
		got[m.Role] = m.Email
	}
	for _, role := range demoRoles {
		if got[role] != demoEmail(role) {
			t.Errorf("role %s held by %q, want %q", role, got[role], demoEmail(role))
		}
	}
	if n := orgs.OwnerCount(demo.ID); n != 1 {
		t.Errorf("expected one owner, got %d", n)
	}

	owner, err := users.GetByEmail(ctx, demoEmail(rbac.RoleOwner))
	if err != nil {
		t.Fatalf("GetByEmail: %v", err)
	}
	if !owner.IsEmailVerified {
		t.Error("demo users should be verified")
	}
	if bcrypt.CompareHashAndPassword([]byte(owner.PasswordHash), []byte("demo-password")) != nil {
		t.Error("demo password does not match stored hash")
	}
}

func TestSeedDemoSkipsWhenPresent(t *testing.T) {
	ctx := context.Background()
	users := memstore.NewUsers()
	orgs := memstore.NewOrgs(users)

	if _, _, err := seedDemo(ctx, users, orgs, "demo-password", bcrypt.MinCost); err != nil {
		t.Fatalf("first seedDemo: %v", err)
	}
	demo, created, err := seedDemo(ctx, users, orgs, "demo-password", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("second seedDemo: %v", err)
	}
	if created || demo != nil {
		t.Error("second seed should be a no-op")
	}
}

func TestDemoEmail(t *testing.T) {
	if got := demoEmail(rbac.RoleAccountant); got != "accountant@demo.taskforge.local" {
		t.Errorf("demoEmail = %q", got)
	}
}
