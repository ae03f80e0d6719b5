package user

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("user: not found")
	ErrEmailTaken = errors.New("user: email already registered")
)

// User represents a registered user account.
type User struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	Name            string    `json:"name"`
	IsEmailVerified bool      `json:"is_email_verified"`
	TokenVersion    int       `json:"-"` // bumped to revoke every outstanding refresh token
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateUserInput holds the fields required to create a new user. The
// password must already be hashed.
type CreateUserInput struct {
	Email        string
	PasswordHash string
	Name         string
}

// UpdateProfileInput holds optional fields for a partial profile update.
type UpdateProfileInput struct {
	Name *string `json:"name,omitempty"`
}
