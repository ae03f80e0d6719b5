// Package token issues and verifies the signed bearer credentials used for
// sessions. Access and refresh tokens are signed with separate secrets.
package token

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

const (
	DefaultAccessExpiry  = 15 * time.Minute
	DefaultRefreshExpiry = 7 * 24 * time.Hour

	// fallbackExpiry applies when an expiry string cannot be parsed.
	fallbackExpiry = time.Hour
	defaultIssuer  = "taskforge"
)

// Claims is the payload embedded in every token.
type Claims struct {
	UserID  string `json:"uid"`
	Email   string `json:"email"`
	Type    Type   `json:"typ"`
	Version int    `json:"ver,omitempty"`
	jwt.RegisteredClaims
}

// Pair is an access/refresh token pair returned to clients.
type Pair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`
}

// Config holds the signing secrets and lifetimes.
type Config struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

// Service signs and verifies tokens. It holds no per-request state.
type Service struct {
	accessSecret  []byte
	refreshSecret []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	issuer        string
	now           func() time.Time // injectable clock for testing
}

// NewService creates a token service. Both secrets are required and must
// differ so that one cannot mint the other's tokens.
func NewService(cfg Config) (*Service, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("token: access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("token: access and refresh secrets must differ")
	}
	if cfg.AccessExpiry <= 0 {
		cfg.AccessExpiry = DefaultAccessExpiry
	}
	if cfg.RefreshExpiry <= 0 {
		cfg.RefreshExpiry = DefaultRefreshExpiry
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	return &Service{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		issuer:        cfg.Issuer,
		now:           time.Now,
	}, nil
}

// IssueAccessToken signs a short-lived access token.
func (s *Service) IssueAccessToken(userID, email string) (string, time.Time, error) {
	return s.issue(userID, email, TypeAccess, 0)
}

// IssueRefreshToken signs a long-lived refresh token carrying the user's
// current token version.
func (s *Service) IssueRefreshToken(userID, email string, version int) (string, time.Time, error) {
	return s.issue(userID, email, TypeRefresh, version)
}

// IssuePair signs a fresh access and refresh token.
func (s *Service) IssuePair(userID, email string, version int) (*Pair, error) {
	access, accessExp, err := s.IssueAccessToken(userID, email)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.IssueRefreshToken(userID, email, version)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		TokenType:        "Bearer",
	}, nil
}

func (s *Service) issue(userID, email string, typ Type, version int) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("token: userID is required")
	}

	secret, ttl := s.secretFor(typ)
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	claims := Claims{
		UserID:  userID,
		Email:   email,
		Type:    typ,
		Version: version,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing %s token: %w", typ, err)
	}
	return signed, expiresAt, nil
}

// Verify validates signature, expiry, issuer and type against the secret for
// expected. It returns false on any failure and never errors; callers treat
// false as unauthenticated.
func (s *Service) Verify(raw string, expected Type) (*Claims, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if expected != TypeAccess && expected != TypeRefresh {
		return nil, false
	}
	secret, _ := s.secretFor(expected)

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	},
		jwt.WithTimeFunc(s.now),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, false
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, false
	}
	if claims.Type != expected || claims.UserID == "" {
		return nil, false
	}
	return claims, true
}

func (s *Service) secretFor(typ Type) ([]byte, time.Duration) {
	if typ == TypeRefresh {
		return s.refreshSecret, s.refreshExpiry
	}
	return s.accessSecret, s.accessExpiry
}

var expiryUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseExpiry converts strings such as "15m" or "7d" into a duration.
// Unparseable or out-of-range input falls back to one hour rather than failing.
func ParseExpiry(s string) time.Duration {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return fallbackExpiry
	}
	unit, ok := expiryUnits[s[len(s)-1]]
	if !ok {
		return fallbackExpiry
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 || n > int64(math.MaxInt64/unit) {
		return fallbackExpiry
	}
	return time.Duration(n) * unit
}
