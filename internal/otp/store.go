package otp

import (
	"context"
	"fmt"

	"github.com/alecgard/taskforge/internal/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists OTP records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new OTP store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Replace deletes any live code for (email, type) and stores rec in its place.
func (s *Store) Replace(ctx context.Context, rec Record) error {
	return database.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM otps WHERE email = $1 AND type = $2`, rec.Email, string(rec.Type)); err != nil {
			return fmt.Errorf("deleting previous otp: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO otps (email, type, code, expires_at) VALUES ($1, $2, $3, $4)`,
			rec.Email, string(rec.Type), rec.Code, rec.ExpiresAt,
		); err != nil {
			return fmt.Errorf("inserting otp: %w", err)
		}
		return nil
	})
}

// Latest returns the live code for (email, type).
func (s *Store) Latest(ctx context.Context, email string, typ Type) (*Record, error) {
	rec := &Record{}
	var t string
	err := s.pool.QueryRow(ctx,
		`SELECT email, type, code, expires_at, attempts, created_at FROM otps WHERE email = $1 AND type = $2`,
		email, string(typ),
	).Scan(&rec.Email, &t, &rec.Code, &rec.ExpiresAt, &rec.Attempts, &rec.CreatedAt)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting otp: %w", err)
	}
	rec.Type = Type(t)
	return rec, nil
}

// Delete removes the code for (email, type). Deleting a missing code is not an error.
func (s *Store) Delete(ctx context.Context, email string, typ Type) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM otps WHERE email = $1 AND type = $2`, email, string(typ)); err != nil {
		return fmt.Errorf("deleting otp: %w", err)
	}
	return nil
}

// RecordFailure counts one wrong guess against the code for (email, type) and
// returns the new total.
func (s *Store) RecordFailure(ctx context.Context, email string, typ Type) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE otps SET attempts = attempts + 1 WHERE email = $1 AND type = $2 RETURNING attempts`,
		email, string(typ),
	).Scan(&attempts)
	if err != nil {
		if database.IsNoRows(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("recording otp failure: %w", err)
	}
	return attempts, nil
}
