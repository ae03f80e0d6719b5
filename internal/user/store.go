package user

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/alecgard/taskforge/internal/database"
	"github.com/jackc/pgx/v5/pgxpool"
)

const userColumns = `id, email, password_hash, name, is_email_verified, token_version, created_at, updated_at`

// Store provides database operations for users.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new user store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanUser(scan func(dest ...any) error) (*User, error) {
	u := &User{}
	err := scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.IsEmailVerified, &u.TokenVersion, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if database.IsNoRows(err) || database.IsInvalidText(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email is a bare, dotted-domain address.
func ValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email[strings.LastIndex(email, "@")+1:], ".")
}

// Create inserts a new, unverified user.
func (s *Store) Create(ctx context.Context, in CreateUserInput) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO users (email, password_hash, name)
			 VALUES ($1, $2, $3)
			 RETURNING `+userColumns,
			NormalizeEmail(in.Email), in.PasswordHash, in.Name,
		).Scan(dest...)
	})
	if err != nil {
		if database.IsUniqueViolation(err, "users_email_key") {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetByID retrieves a live user by primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id,
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("getting user by id: %w", err)
	}
	return u, nil
}

// GetByEmail retrieves a live user by email address, ignoring case.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE lower(email) = $1 AND deleted_at IS NULL`,
			NormalizeEmail(email),
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return u, nil
}

// MarkEmailVerified flips the verification flag. It never clears it.
func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	return s.execOne(ctx, "marking email verified",
		`UPDATE users SET is_email_verified = TRUE, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
}

// UpdatePassword replaces the password hash and bumps the token version so
// that every previously issued refresh token stops working.
func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`UPDATE users SET password_hash = $2, token_version = token_version + 1, updated_at = now()
			 WHERE id = $1 AND deleted_at IS NULL
			 RETURNING `+userColumns,
			id, passwordHash,
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("updating password: %w", err)
	}
	return u, nil
}

// BumpTokenVersion revokes all outstanding refresh tokens for the user.
func (s *Store) BumpTokenVersion(ctx context.Context, id string) error {
	return s.execOne(ctx, "bumping token version",
		`UPDATE users SET token_version = token_version + 1, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
}

// UpdateProfile performs a partial update of profile fields.
func (s *Store) UpdateProfile(ctx context.Context, id string, in UpdateProfileInput) (*User, error) {
	if in.Name == nil {
		return s.GetByID(ctx, id)
	}
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`UPDATE users SET name = $2, updated_at = now()
			 WHERE id = $1 AND deleted_at IS NULL
			 RETURNING `+userColumns,
			id, *in.Name,
		).Scan(dest...)
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("updating profile: %w", err)
	}
	return u, nil
}

// Delete removes the user row outright. It is used to undo a signup that
// failed part way; memberships cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.execOne(ctx, "deleting user", `DELETE FROM users WHERE id = $1`, id)
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
