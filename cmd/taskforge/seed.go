package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/taskforge/internal/config"
	"github.com/alecgard/taskforge/internal/database"
	"github.com/alecgard/taskforge/internal/org"
	"github.com/alecgard/taskforge/internal/rbac"
	"github.com/alecgard/taskforge/internal/user"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var seedPassword string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo organization with one verified user per role",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedPassword, "password", "taskforge-demo", "password for every demo user")
	rootCmd.AddCommand(seedCmd)
}

// seedUsers and seedOrgs are satisfied by both the Postgres and in-memory stores.
type seedUsers interface {
	Create(ctx context.Context, in user.CreateUserInput) (*user.User, error)
	MarkEmailVerified(ctx context.Context, id string) error
}

type seedOrgs interface {
	CreateOrganization(ctx context.Context, name, ownerID string) (*org.Organization, error)
	AddMember(ctx context.Context, orgID, userID string, role rbac.Role) (*org.Membership, error)
}

var demoRoles = []rbac.Role{
	rbac.RoleOwner,
	rbac.RoleAdmin,
	rbac.RoleManager,
	rbac.RoleMember,
	rbac.RoleViewer,
	rbac.RoleAccountant,
}

func demoEmail(role rbac.Role) string {
	return fmt.Sprintf("%s@demo.taskforge.local", user.NormalizeEmail(string(role)))
}

// seedDemo creates "Demo Organization" owned by the OWNER demo user, with one
// verified member per remaining role. It reports false when the demo owner
// already exists.
func seedDemo(ctx context.Context, users seedUsers, orgs seedOrgs, password string, cost int) (*org.Organization, bool, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, false, fmt.Errorf("hashing demo password: %w", err)
	}

	var demo *org.Organization
	for _, role := range demoRoles {
		u, err := users.Create(ctx, user.CreateUserInput{
			Email:        demoEmail(role),
			PasswordHash: string(hash),
			Name:         "Demo " + string(role),
		})
		if errors.Is(err, user.ErrEmailTaken) && role == rbac.RoleOwner {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("creating %s user: %w", role, err)
		}
		if err := users.MarkEmailVerified(ctx, u.ID); err != nil {
			return nil, false, fmt.Errorf("verifying %s user: %w", role, err)
		}

		if role == rbac.RoleOwner {
			demo, err = orgs.CreateOrganization(ctx, "Demo Organization", u.ID)
			if err != nil {
				return nil, false, fmt.Errorf("creating demo organization: %w", err)
			}
			continue
		}
		if _, err := orgs.AddMember(ctx, demo.ID, u.ID, role); err != nil {
			return nil, false, fmt.Errorf("adding %s member: %w", role, err)
		}
	}
	return demo, true, nil
}

func printDemo(o *org.Organization, password string) {
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Organization: %s (%s)\n", o.Name, o.ID)
	for _, role := range demoRoles {
		fmt.Printf("  %-10s %s\n", role, demoEmail(role))
	}
	fmt.Printf("Password:     %s\n", password)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -X POST -d '{\"email\":\"%s\",\"password\":\"%s\"}' http://localhost:8080/api/v1/auth/login\n", demoEmail(rbac.RoleOwner), password)
	fmt.Printf("  curl -H 'Authorization: Bearer <access_token>' -H 'X-Organization-ID: %s' http://localhost:8080/api/v1/organization/members\n", o.ID)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Server.InMemory {
		return errors.New("seed writes to the database; use serve --seed for in-memory mode")
	}

	ctx := context.Background()
	pool, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	demo, created, err := seedDemo(ctx, user.NewStore(pool), org.NewStore(pool), seedPassword, cfg.Auth.BcryptCost)
	if err != nil {
		return err
	}
	if !created {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	slog.Info("seeded demo organization", "org_id", demo.ID)
	printDemo(demo, seedPassword)
	return nil
}
