package memstore

import (
	"context"
	"sync"

	"github.com/alecgard/taskforge/internal/otp"
)

type otpKey struct {
	email string
	typ   otp.Type
}

// OTPs is an in-memory OTP store holding one code per (email, type).
type OTPs struct {
	mu   sync.Mutex
	recs map[otpKey]otp.Record
}

// NewOTPs creates an empty OTP store.
func NewOTPs() *OTPs {
	return &OTPs{recs: make(map[otpKey]otp.Record)}
}

func (s *OTPs) Replace(_ context.Context, rec otp.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[otpKey{rec.Email, rec.Type}] = rec
	return nil
}

func (s *OTPs) Latest(_ context.Context, email string, typ otp.Type) (*otp.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[otpKey{email, typ}]
	if !ok {
		return nil, otp.ErrNotFound
	}
	return &rec, nil
}

func (s *OTPs) Delete(_ context.Context, email string, typ otp.Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, otpKey{email, typ})
	return nil
}

func (s *OTPs) RecordFailure(_ context.Context, email string, typ otp.Type) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := otpKey{email, typ}
	rec, ok := s.recs[k]
	if !ok {
		return 0, otp.ErrNotFound
	}
	rec.Attempts++
	s.recs[k] = rec
	return rec.Attempts, nil
}
