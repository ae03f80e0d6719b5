// Package memstore provides in-memory implementations of the user, org and
// OTP stores. They back the dev server mode and the service tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/alecgard/taskforge/internal/user"
	"github.com/google/uuid"
)

// Users is an in-memory user store.
type Users struct {
	mu      sync.RWMutex
	byID    map[string]*user.User
	byEmail map[string]string
	now     func() time.Time
}

// NewUsers creates an empty user store.
func NewUsers() *Users {
	return &Users{
		byID:    make(map[string]*user.User),
		byEmail: make(map[string]string),
		now:     time.Now,
	}
}

func (s *Users) Create(_ context.Context, in user.CreateUserInput) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := user.NormalizeEmail(in.Email)
	if _, ok := s.byEmail[email]; ok {
		return nil, user.ErrEmailTaken
	}
	now := s.now().UTC()
	u := &user.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: in.PasswordHash,
		Name:         in.Name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[u.ID] = u
	s.byEmail[email] = u.ID
	cp := *u
	return &cp, nil
}

func (s *Users) GetByID(_ context.Context, id string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Users) GetByEmail(ctx context.Context, email string) (*user.User, error) {
	s.mu.RLock()
	id, ok := s.byEmail[user.NormalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, user.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *Users) MarkEmailVerified(_ context.Context, id string) error {
	return s.mutate(id, func(u *user.User) { u.IsEmailVerified = true })
}

func (s *Users) UpdatePassword(ctx context.Context, id, passwordHash string) (*user.User, error) {
	err := s.mutate(id, func(u *user.User) {
		u.PasswordHash = passwordHash
		u.TokenVersion++
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *Users) BumpTokenVersion(_ context.Context, id string) error {
	return s.mutate(id, func(u *user.User) { u.TokenVersion++ })
}

func (s *Users) UpdateProfile(ctx context.Context, id string, in user.UpdateProfileInput) (*user.User, error) {
	if in.Name != nil {
		if err := s.mutate(id, func(u *user.User) { u.Name = *in.Name }); err != nil {
			return nil, err
		}
	}
	return s.GetByID(ctx, id)
}

func (s *Users) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return user.ErrNotFound
	}
	delete(s.byEmail, u.Email)
	delete(s.byID, id)
	return nil
}

func (s *Users) mutate(id string, fn func(u *user.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return user.ErrNotFound
	}
	fn(u)
	u.UpdatedAt = s.now().UTC()
	return nil
}
