// Package session implements the account and token lifecycle: signup, email
// verification, login, refresh, password reset and change, and revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/taskforge/internal/apperr"
	"github.com/alecgard/taskforge/internal/notify"
	"github.com/alecgard/taskforge/internal/org"
	"github.com/alecgard/taskforge/internal/otp"
	"github.com/alecgard/taskforge/internal/token"
	"github.com/alecgard/taskforge/internal/user"
)

// UserStore is the credential store.
type UserStore interface {
	Create(ctx context.Context, in user.CreateUserInput) (*user.User, error)
	GetByID(ctx context.Context, id string) (*user.User, error)
	GetByEmail(ctx context.Context, email string) (*user.User, error)
	MarkEmailVerified(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string) (*user.User, error)
	BumpTokenVersion(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// OTPStore holds the live code per (email, type).
type OTPStore interface {
	Replace(ctx context.Context, rec otp.Record) error
	Latest(ctx context.Context, email string, typ otp.Type) (*otp.Record, error)
	Delete(ctx context.Context, email string, typ otp.Type) error
	RecordFailure(ctx context.Context, email string, typ otp.Type) (int, error)
}

// Organizations creates a signup's first organization and checks invites.
type Organizations interface {
	CreateOrganization(ctx context.Context, userID, name string) (*org.Organization, error)
	ValidateInvite(ctx context.Context, token, email string) (*org.Invite, error)
}

// Tokens issues and verifies session tokens.
type Tokens interface {
	IssuePair(userID, email string, version int) (*token.Pair, error)
	Verify(raw string, expected token.Type) (*token.Claims, bool)
}

// Config holds manager tunables.
type Config struct {
	OTPExpiry  time.Duration
	BcryptCost int
	// OnOperation is called with the operation name and "ok" or the error kind.
	OnOperation func(op, outcome string)
}

// Manager runs session operations. It is safe for concurrent use.
type Manager struct {
	users    UserStore
	otps     OTPStore
	orgs     Organizations
	tokens   Tokens
	notifier notify.Enqueuer
	hasher   *hasher

	otpExpiry   time.Duration
	onOperation func(op, outcome string)
	now         func() time.Time
}

// NewManager wires a session manager.
func NewManager(users UserStore, otps OTPStore, orgs Organizations, tokens Tokens, notifier notify.Enqueuer, cfg Config) *Manager {
	if cfg.OTPExpiry <= 0 {
		cfg.OTPExpiry = otp.DefaultExpiry
	}
	return &Manager{
		users:       users,
		otps:        otps,
		orgs:        orgs,
		tokens:      tokens,
		notifier:    notifier,
		hasher:      newHasher(cfg.BcryptCost),
		otpExpiry:   cfg.OTPExpiry,
		onOperation: cfg.OnOperation,
		now:         time.Now,
	}
}

var (
	errInvalidCredentials = apperr.Unauthenticated("invalid credentials")
	errInvalidCode        = apperr.BadRequest("invalid or expired code")
)

// SignupInput is the signup request.
type SignupInput struct {
	Email            string
	Password         string
	Name             string
	InviteToken      string
	OrganizationName string
}

// SignupResult is the created account. Organization is nil for invite signups.
type SignupResult struct {
	User         *user.User        `json:"user"`
	Organization *org.Organization `json:"organization,omitempty"`
}

// Signup creates an unverified account and sends its verification code. Without
// an invite the user also gets a new organization as OWNER; with one, the
// invite is checked and membership waits for acceptance. No tokens are issued.
func (m *Manager) Signup(ctx context.Context, in SignupInput) (res *SignupResult, err error) {
	defer m.observe("signup", &err)

	email := user.NormalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	switch {
	case !user.ValidEmail(email):
		return nil, apperr.BadRequest("a valid email is required")
	case !validPassword(in.Password):
		return nil, apperr.BadRequest(fmt.Sprintf("password must be %d to %d characters", MinPasswordLength, maxPasswordBytes))
	case name == "":
		return nil, apperr.BadRequest("name is required")
	}

	if in.InviteToken != "" {
		if _, err := m.orgs.ValidateInvite(ctx, in.InviteToken, email); err != nil {
			return nil, err
		}
	}

	if _, err := m.users.GetByEmail(ctx, email); err == nil {
		return nil, apperr.Conflict("email already registered")
	} else if !errors.Is(err, user.ErrNotFound) {
		return nil, err
	}

	hash, err := m.hasher.hash(in.Password)
	if err != nil {
		return nil, err
	}
	u, err := m.users.Create(ctx, user.CreateUserInput{Email: email, PasswordHash: hash, Name: name})
	if err != nil {
		if errors.Is(err, user.ErrEmailTaken) {
			return nil, apperr.Conflict("email already registered")
		}
		return nil, err
	}

	// Nothing is mailed until every step has succeeded; a failed step
	// removes the account so the address can sign up again.
	code, err := m.storeOTP(ctx, email, otp.TypeEmailVerification)
	if err != nil {
		return nil, m.abandonSignup(ctx, u, err)
	}

	res = &SignupResult{User: u}
	if in.InviteToken == "" {
		orgName := strings.TrimSpace(in.OrganizationName)
		if orgName == "" {
			orgName = name + "'s Organization"
		}
		o, err := m.orgs.CreateOrganization(ctx, u.ID, orgName)
		if err != nil {
			_ = m.otps.Delete(ctx, email, otp.TypeEmailVerification)
			return nil, m.abandonSignup(ctx, u, fmt.Errorf("creating signup organization: %w", err))
		}
		res.Organization = o
	}

	m.mailOTP(email, code, otp.TypeEmailVerification)
	return res, nil
}

// abandonSignup deletes the half-created account u and returns cause.
func (m *Manager) abandonSignup(ctx context.Context, u *user.User, cause error) error {
	if err := m.users.Delete(ctx, u.ID); err != nil {
		slog.ErrorContext(ctx, "signup rollback failed", "user_id", u.ID, "error", err, "cause", cause)
		return errors.Join(cause, fmt.Errorf("removing partial signup: %w", err))
	}
	slog.WarnContext(ctx, "signup rolled back", "user_id", u.ID, "error", cause)
	return cause
}

// LoginResult is a successful login.
type LoginResult struct {
	User   *user.User  `json:"user"`
	Tokens *token.Pair `json:"tokens"`
}

// Login checks credentials and issues a token pair. Unknown email and wrong
// password are indistinguishable to the caller. Unverified accounts are refused.
func (m *Manager) Login(ctx context.Context, email, password string) (res *LoginResult, err error) {
	defer m.observe("login", &err)

	email = user.NormalizeEmail(email)
	u, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			m.hasher.burn(password)
			slog.InfoContext(ctx, "login failed", "reason", "unknown email")
			return nil, errInvalidCredentials
		}
		return nil, err
	}
	if !m.hasher.check(u.PasswordHash, password) {
		slog.InfoContext(ctx, "login failed", "reason", "wrong password", "user_id", u.ID)
		return nil, errInvalidCredentials
	}
	if !u.IsEmailVerified {
		slog.InfoContext(ctx, "login refused", "reason", "email not verified", "user_id", u.ID)
		return nil, apperr.Unauthenticated("email not verified")
	}

	pair, err := m.tokens.IssuePair(u.ID, u.Email, u.TokenVersion)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Tokens: pair}, nil
}

// VerifyEmail consumes the verification code for email and signs the user
// in. Verification is one-way.
func (m *Manager) VerifyEmail(ctx context.Context, email, code string) (res *LoginResult, err error) {
	defer m.observe("verify_email", &err)

	email = user.NormalizeEmail(email)
	if err := m.checkCode(ctx, email, code, otp.TypeEmailVerification); err != nil {
		return nil, err
	}
	u, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, errInvalidCode
		}
		return nil, err
	}
	if err := m.users.MarkEmailVerified(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("marking email verified: %w", err)
	}
	if err := m.otps.Delete(ctx, email, otp.TypeEmailVerification); err != nil {
		return nil, err
	}
	u.IsEmailVerified = true

	pair, err := m.tokens.IssuePair(u.ID, u.Email, u.TokenVersion)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Tokens: pair}, nil
}

// ResendOTP issues a fresh verification code. It reports success whether or
// not the account exists or is already verified.
func (m *Manager) ResendOTP(ctx context.Context, email string) (err error) {
	defer m.observe("resend_otp", &err)

	email = user.NormalizeEmail(email)
	u, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			slog.InfoContext(ctx, "otp resend skipped", "reason", "unknown email")
			return nil
		}
		return err
	}
	if u.IsEmailVerified {
		slog.InfoContext(ctx, "otp resend skipped", "reason", "already verified", "user_id", u.ID)
		return nil
	}
	return m.issueOTP(ctx, email, otp.TypeEmailVerification)
}

// ForgotPassword sends a reset code when the account exists. It reports
// success either way.
func (m *Manager) ForgotPassword(ctx context.Context, email string) (err error) {
	defer m.observe("forgot_password", &err)

	email = user.NormalizeEmail(email)
	if _, err := m.users.GetByEmail(ctx, email); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			slog.InfoContext(ctx, "password reset skipped", "reason", "unknown email")
			return nil
		}
		return err
	}
	return m.issueOTP(ctx, email, otp.TypePasswordReset)
}

// ResetPassword sets a new password using a reset code and revokes every
// outstanding refresh token.
func (m *Manager) ResetPassword(ctx context.Context, email, code, newPassword string) (err error) {
	defer m.observe("reset_password", &err)

	if !validPassword(newPassword) {
		return apperr.BadRequest(fmt.Sprintf("password must be %d to %d characters", MinPasswordLength, maxPasswordBytes))
	}
	email = user.NormalizeEmail(email)
	if err := m.checkCode(ctx, email, code, otp.TypePasswordReset); err != nil {
		return err
	}
	u, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return errInvalidCode
		}
		return err
	}
	hash, err := m.hasher.hash(newPassword)
	if err != nil {
		return err
	}
	if _, err := m.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("resetting password: %w", err)
	}
	return m.otps.Delete(ctx, email, otp.TypePasswordReset)
}

// RefreshTokens exchanges a refresh token for a new pair. The old refresh
// token stays valid until it expires unless the user's token version moved.
func (m *Manager) RefreshTokens(ctx context.Context, refreshToken string) (pair *token.Pair, err error) {
	defer m.observe("refresh", &err)

	claims, ok := m.tokens.Verify(refreshToken, token.TypeRefresh)
	if !ok {
		slog.InfoContext(ctx, "refresh failed", "reason", "invalid refresh token")
		return nil, apperr.Unauthenticated("invalid refresh token")
	}
	u, err := m.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			slog.InfoContext(ctx, "refresh failed", "reason", "unknown user", "user_id", claims.UserID)
			return nil, apperr.Unauthenticated("invalid refresh token")
		}
		return nil, err
	}
	if claims.Version != u.TokenVersion {
		slog.InfoContext(ctx, "refresh failed", "reason", "revoked", "user_id", u.ID)
		return nil, apperr.Unauthenticated("refresh token revoked")
	}
	return m.tokens.IssuePair(u.ID, u.Email, u.TokenVersion)
}

// ChangePassword replaces the password after checking the current one. Every
// other session is revoked and a fresh pair is returned for this one.
func (m *Manager) ChangePassword(ctx context.Context, userID, current, next string) (pair *token.Pair, err error) {
	defer m.observe("change_password", &err)

	if !validPassword(next) {
		return nil, apperr.BadRequest(fmt.Sprintf("password must be %d to %d characters", MinPasswordLength, maxPasswordBytes))
	}
	if current == next {
		return nil, apperr.BadRequest("new password must differ from the current one")
	}
	u, err := m.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, apperr.Unauthenticated("unknown user")
		}
		return nil, err
	}
	if !m.hasher.check(u.PasswordHash, current) {
		slog.InfoContext(ctx, "password change refused", "reason", "wrong current password", "user_id", u.ID)
		return nil, apperr.Unauthenticated("current password is incorrect")
	}
	hash, err := m.hasher.hash(next)
	if err != nil {
		return nil, err
	}
	updated, err := m.users.UpdatePassword(ctx, u.ID, hash)
	if err != nil {
		return nil, fmt.Errorf("changing password: %w", err)
	}
	return m.tokens.IssuePair(updated.ID, updated.Email, updated.TokenVersion)
}

// LogoutAll revokes every refresh token issued to userID. Access tokens run
// out on their own short expiry.
func (m *Manager) LogoutAll(ctx context.Context, userID string) (err error) {
	defer m.observe("logout_all", &err)

	if err := m.users.BumpTokenVersion(ctx, userID); err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return apperr.Unauthenticated("unknown user")
		}
		return fmt.Errorf("revoking sessions: %w", err)
	}
	return nil
}

func (m *Manager) issueOTP(ctx context.Context, email string, typ otp.Type) error {
	code, err := m.storeOTP(ctx, email, typ)
	if err != nil {
		return err
	}
	m.mailOTP(email, code, typ)
	return nil
}

func (m *Manager) storeOTP(ctx context.Context, email string, typ otp.Type) (string, error) {
	code, err := otp.GenerateCode()
	if err != nil {
		return "", err
	}
	rec := otp.Record{Email: email, Type: typ, Code: code, ExpiresAt: m.now().UTC().Add(m.otpExpiry)}
	if err := m.otps.Replace(ctx, rec); err != nil {
		return "", fmt.Errorf("storing otp: %w", err)
	}
	return code, nil
}

func (m *Manager) mailOTP(email, code string, typ otp.Type) {
	if m.notifier != nil {
		m.notifier.Enqueue(notify.OTPJob(email, code, string(typ)))
	}
}

func (m *Manager) checkCode(ctx context.Context, email, code string, typ otp.Type) error {
	rec, err := m.otps.Latest(ctx, email, typ)
	if err != nil {
		if errors.Is(err, otp.ErrNotFound) {
			return errInvalidCode
		}
		return err
	}
	if rec.Expired(m.now()) {
		_ = m.otps.Delete(ctx, email, typ)
		return errInvalidCode
	}
	if rec.Exhausted() {
		_ = m.otps.Delete(ctx, email, typ)
		return errInvalidCode
	}
	if !rec.Matches(strings.TrimSpace(code)) {
		slog.InfoContext(ctx, "otp rejected", "type", typ, "reason", "mismatch")
		failures, err := m.otps.RecordFailure(ctx, email, typ)
		if err != nil && !errors.Is(err, otp.ErrNotFound) {
			return fmt.Errorf("recording otp failure: %w", err)
		}
		if failures >= otp.MaxAttempts {
			slog.WarnContext(ctx, "otp discarded", "type", typ, "reason", "too many attempts")
			if err := m.otps.Delete(ctx, email, typ); err != nil {
				return fmt.Errorf("deleting otp: %w", err)
			}
		}
		return errInvalidCode
	}
	return nil
}

func (m *Manager) observe(op string, errp *error) {
	if m.onOperation == nil {
		return
	}
	outcome := "ok"
	if *errp != nil {
		outcome = apperr.KindOf(*errp).String()
	}
	m.onOperation(op, outcome)
}
