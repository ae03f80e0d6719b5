package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"}
	fk := &pgconn.PgError{Code: "23503", ConstraintName: "memberships_user_id_fkey"}

	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{"any unique", dup, "", true},
		{"named unique", fmt.Errorf("creating user: %w", dup), "users_email_key", true},
		{"other constraint", dup, "organizations_slug_key", false},
		{"foreign key", fk, "", false},
		{"plain error", errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("getting user: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(errors.New("other")) {
		t.Error("unexpected match")
	}
}

func TestIsInvalidText(t *testing.T) {
	if !IsInvalidText(fmt.Errorf("getting org: %w", &pgconn.PgError{Code: "22P02"})) {
		t.Error("expected invalid text representation to match")
	}
	if IsInvalidText(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation is not invalid text")
	}
}
