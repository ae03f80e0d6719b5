// Package otp stores and generates the short numeric codes used for email
// verification and password reset.
package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Type scopes a code to one flow.
type Type string

const (
	TypeEmailVerification Type = "EMAIL_VERIFICATION"
	TypePasswordReset     Type = "PASSWORD_RESET"
)

const (
	CodeLength    = 6
	DefaultExpiry = 10 * time.Minute

	// MaxAttempts is the number of wrong guesses after which a code is discarded.
	MaxAttempts = 5
)

var ErrNotFound = errors.New("otp: not found")

// Record is the single live code for an (email, type) pair.
type Record struct {
	Email     string    `json:"email"`
	Type      Type      `json:"type"`
	Code      string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the code is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Exhausted reports whether the code has taken MaxAttempts wrong guesses.
func (r *Record) Exhausted() bool {
	return r.Attempts >= MaxAttempts
}

// Matches compares code against the stored value in constant time.
func (r *Record) Matches(code string) bool {
	return subtle.ConstantTimeCompare([]byte(r.Code), []byte(code)) == 1
}

var codeSpace = big.NewInt(1_000_000)

// GenerateCode returns a uniformly random zero-padded numeric code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generating otp: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}
