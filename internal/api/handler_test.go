package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/taskforge/internal/auth"
	"github.com/alecgard/taskforge/internal/cache"
	"github.com/alecgard/taskforge/internal/membership"
	"github.com/alecgard/taskforge/internal/memstore"
	"github.com/alecgard/taskforge/internal/metrics"
	"github.com/alecgard/taskforge/internal/notify"
	"github.com/alecgard/taskforge/internal/ratelimit"
	"github.com/alecgard/taskforge/internal/realtime"
	"github.com/alecgard/taskforge/internal/session"
	"github.com/alecgard/taskforge/internal/token"
	"github.com/alecgard/taskforge/internal/user"
	"golang.org/x/crypto/bcrypt"
)

// ---------------------------------------------------------------------------
// Test server
// ---------------------------------------------------------------------------

type mailbox struct {
	mu   sync.Mutex
	jobs []notify.Job
}

func (m *mailbox) Enqueue(job notify.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// last returns the newest value of key in a job of kind sent to email.
func (m *mailbox) last(kind notify.Kind, email, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if j := m.jobs[i]; j.Kind == kind && j.To == email {
			return j.Data[key]
		}
	}
	return ""
}

type testServer struct {
	t       *testing.T
	handler http.Handler
	mail    *mailbox
	events  *realtime.Recorder
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, authRate int) *testServer {
	t.Helper()
	ts := &testServer{t: t, mail: &mailbox{}, events: realtime.NewRecorder(), metrics: metrics.New()}

	users := memstore.NewUsers()
	orgs := memstore.NewOrgs(users)
	mc := membership.NewCache(cache.NewMemory(), membership.CacheOptions{OnLookup: ts.metrics.IncCacheLookup})
	members := membership.NewService(orgs, users, mc, ts.events, ts.mail, membership.Config{})

	tokens, err := token.NewService(token.Config{AccessSecret: "access-test", RefreshSecret: "refresh-test"})
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	sessions := session.NewManager(users, memstore.NewOTPs(), members, tokens, ts.mail, session.Config{
		BcryptCost:  bcrypt.MinCost,
		OnOperation: ts.metrics.IncSessionOp,
	})
	gate := auth.NewGate(tokens, user.NewAuthAdapter(users), membership.NewResolver(mc, orgs), auth.GateOptions{
		OnAuthenticate: ts.metrics.IncAuthOutcome,
	})

	ts.handler = NewRouter(RouterDeps{
		Sessions:    sessions,
		Memberships: members,
		Users:       users,
		Gate:        gate,
		Limiter:     ratelimit.New(100, time.Minute),
		AuthRate:    authRate,
		Metrics:     ts.metrics,
	})
	return ts
}

type call struct {
	method string
	path   string
	body   any
	token  string
	org    string
}

func (ts *testServer) do(c call) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&buf).Encode(c.body); err != nil {
			ts.t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.RemoteAddr = "192.0.2.10:4000"
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.org != "" {
		req.Header.Set(auth.OrganizationHeader, c.org)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response (status %d): %v", rec.Code, err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectStatus(t, rec, status)
	body := decode[map[string]map[string]string](t, rec)
	if body["error"]["code"] != code {
		t.Fatalf("expected error code %q, got %v", code, body)
	}
}

type account struct {
	userID string
	access string
	orgID  string
}

// register signs up, verifies and logs in, returning the session.
func (ts *testServer) register(email, name, inviteToken string) account {
	t := ts.t
	t.Helper()

	rec := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/signup", body: map[string]string{
		"email": email, "password": "correct-horse", "name": name, "invite_token": inviteToken,
	}})
	expectStatus(t, rec, http.StatusCreated)
	signup := decode[struct {
		User         struct{ ID string } `json:"user"`
		Organization *struct{ ID string } `json:"organization"`
	}](t, rec)

	code := ts.mail.last(notify.KindOTP, email, "code")
	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/verify-email", body: map[string]string{"email": email, "code": code}})
	expectStatus(t, rec, http.StatusOK)
	verified := decode[struct {
		User   struct{ ID string } `json:"user"`
		Tokens *token.Pair          `json:"tokens"`
	}](t, rec)
	if verified.User.ID != signup.User.ID || verified.Tokens == nil || verified.Tokens.AccessToken == "" {
		t.Fatalf("verify-email should sign %s in, got %+v", email, verified)
	}

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"email": email, "password": "correct-horse"}})
	expectStatus(t, rec, http.StatusOK)
	login := decode[struct {
		Tokens token.Pair `json:"tokens"`
	}](t, rec)

	a := account{userID: signup.User.ID, access: login.Tokens.AccessToken}
	if signup.Organization != nil {
		a.orgID = signup.Organization.ID
	}
	return a
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantStatus int
		wantDB     string
	}{
		{"no database", nil, http.StatusOK, "none"},
		{"connected", &fakePinger{}, http.StatusOK, "connected"},
		{"unreachable", &fakePinger{err: errors.New("dial tcp: refused")}, http.StatusServiceUnavailable, "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRouter(RouterDeps{DBPool: tt.db})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			expectStatus(t, rec, tt.wantStatus)
			body := decode[map[string]string](t, rec)
			if body["database"] != tt.wantDB {
				t.Errorf("expected database=%s, got %q", tt.wantDB, body["database"])
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", ct)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Auth endpoints
// ---------------------------------------------------------------------------

func TestSignupLoginAndMe(t *testing.T) {
	ts := newTestServer(t, 0)
	a := ts.register("ada@example.com", "Ada", "")
	if a.orgID == "" {
		t.Fatal("signup without invite should create an organization")
	}

	rec := ts.do(call{method: http.MethodGet, path: "/api/v1/auth/me", token: a.access})
	expectStatus(t, rec, http.StatusOK)
	me := decode[map[string]any](t, rec)
	if me["email"] != "ada@example.com" || me["is_email_verified"] != true {
		t.Errorf("unexpected profile %v", me)
	}
	if _, leaked := me["PasswordHash"]; leaked {
		t.Error("password hash must not be serialized")
	}

	rec = ts.do(call{method: http.MethodPatch, path: "/api/v1/auth/me", token: a.access, body: map[string]string{"name": "Ada L."}})
	expectStatus(t, rec, http.StatusOK)
	if decode[map[string]any](t, rec)["name"] != "Ada L." {
		t.Error("profile name not updated")
	}

	rec = ts.do(call{method: http.MethodPatch, path: "/api/v1/auth/me", token: a.access, body: map[string]string{"name": "  "}})
	expectError(t, rec, http.StatusBadRequest, "bad_request")
}

func TestLoginFailuresAreUniform(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.register("ada@example.com", "Ada", "")

	wrongPassword := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"email": "ada@example.com", "password": "nope-nope"}})
	unknownEmail := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"email": "ghost@example.com", "password": "nope-nope"}})

	expectError(t, wrongPassword, http.StatusUnauthorized, "unauthenticated")
	expectError(t, unknownEmail, http.StatusUnauthorized, "unauthenticated")
}

func TestUnverifiedLoginRefused(t *testing.T) {
	ts := newTestServer(t, 0)
	rec := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/signup", body: map[string]string{
		"email": "bo@example.com", "password": "correct-horse", "name": "Bo",
	}})
	expectStatus(t, rec, http.StatusCreated)

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"email": "bo@example.com", "password": "correct-horse"}})
	expectError(t, rec, http.StatusUnauthorized, "unauthenticated")
}

func TestDuplicateSignupConflicts(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.register("ada@example.com", "Ada", "")
	rec := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/signup", body: map[string]string{
		"email": "ADA@example.com", "password": "correct-horse", "name": "Ada again",
	}})
	expectError(t, rec, http.StatusConflict, "conflict")
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ts := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusBadRequest, "bad_request")
}

func TestForgotPasswordIsUniform(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.register("ada@example.com", "Ada", "")

	known := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/forgot-password", body: map[string]string{"email": "ada@example.com"}})
	unknown := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/forgot-password", body: map[string]string{"email": "ghost@example.com"}})

	expectStatus(t, known, http.StatusAccepted)
	expectStatus(t, unknown, http.StatusAccepted)
	if known.Body.String() != unknown.Body.String() {
		t.Errorf("responses differ: %q vs %q", known.Body.String(), unknown.Body.String())
	}
}

func TestRefreshAndLogoutAll(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.register("ada@example.com", "Ada", "")

	rec := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/login", body: map[string]string{"email": "ada@example.com", "password": "correct-horse"}})
	expectStatus(t, rec, http.StatusOK)
	pair := decode[struct {
		Tokens token.Pair `json:"tokens"`
	}](t, rec).Tokens

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/refresh", body: map[string]string{"refresh_token": pair.RefreshToken}})
	expectStatus(t, rec, http.StatusOK)

	// An access token is never accepted as a refresh token.
	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/refresh", body: map[string]string{"refresh_token": pair.AccessToken}})
	expectError(t, rec, http.StatusUnauthorized, "unauthenticated")

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/logout-all", token: pair.AccessToken})
	expectStatus(t, rec, http.StatusNoContent)

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/refresh", body: map[string]string{"refresh_token": pair.RefreshToken}})
	expectError(t, rec, http.StatusUnauthorized, "unauthenticated")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, 0)
	tests := []struct {
		method, path, token string
	}{
		{http.MethodGet, "/api/v1/auth/me", ""},
		{http.MethodGet, "/api/v1/organizations", ""},
		{http.MethodGet, "/api/v1/organization/members", "garbage"},
	}
	for _, tt := range tests {
		rec := ts.do(call{method: tt.method, path: tt.path, token: tt.token})
		expectError(t, rec, http.StatusUnauthorized, "unauthenticated")
	}
}

func TestCredentialEndpointsAreRateLimited(t *testing.T) {
	ts := newTestServer(t, 2)
	body := map[string]string{"email": "ghost@example.com", "password": "whatever-1"}

	for i := 0; i < 2; i++ {
		rec := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/login", body: body})
		expectStatus(t, rec, http.StatusUnauthorized)
	}
	rec := ts.do(call{method: http.MethodPost, path: "/api/v1/auth/login", body: body})
	expectError(t, rec, http.StatusTooManyRequests, "rate_limited")

	// Scopes are independent.
	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/auth/forgot-password", body: map[string]string{"email": "ghost@example.com"}})
	expectStatus(t, rec, http.StatusAccepted)

	s, err := ts.metrics.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.RateLimit != 1 {
		t.Errorf("expected 1 recorded rejection, got %v", s.RateLimit)
	}
}

// ---------------------------------------------------------------------------
// Organization endpoints
// ---------------------------------------------------------------------------

func TestTenantHeaderRequired(t *testing.T) {
	ts := newTestServer(t, 0)
	a := ts.register("ada@example.com", "Ada", "")

	rec := ts.do(call{method: http.MethodGet, path: "/api/v1/organization/members", token: a.access})
	expectError(t, rec, http.StatusBadRequest, "bad_request")

	other := ts.register("bo@example.com", "Bo", "")
	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization/members", token: a.access, org: other.orgID})
	expectError(t, rec, http.StatusForbidden, "forbidden")

	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization/members", token: a.access, org: "acme"})
	expectError(t, rec, http.StatusBadRequest, "bad_request")

	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization/members", token: a.access, org: strings.ToUpper(a.orgID)})
	expectStatus(t, rec, http.StatusOK)
}

func TestOrganizationAccess(t *testing.T) {
	ts := newTestServer(t, 0)
	a := ts.register("ada@example.com", "Ada", "")

	rec := ts.do(call{method: http.MethodGet, path: "/api/v1/organization/access", token: a.access, org: a.orgID})
	expectStatus(t, rec, http.StatusOK)
	access := decode[struct {
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	}](t, rec)
	if access.Role != "OWNER" || len(access.Permissions) == 0 {
		t.Errorf("unexpected access %+v", access)
	}

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/organizations", token: a.access, body: map[string]string{"name": "Second Co"}})
	expectStatus(t, rec, http.StatusCreated)

	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organizations", token: a.access})
	expectStatus(t, rec, http.StatusOK)
	list := decode[struct {
		Organizations []struct{ ID string } `json:"organizations"`
	}](t, rec)
	if len(list.Organizations) != 2 {
		t.Errorf("expected 2 organizations, got %d", len(list.Organizations))
	}
}

func TestInviteFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t, 0)
	owner := ts.register("owner@example.com", "Owner", "")

	rec := ts.do(call{method: http.MethodPost, path: "/api/v1/organization/invites", token: owner.access, org: owner.orgID,
		body: map[string]string{"email": "new@example.com", "role": "manager"}})
	expectStatus(t, rec, http.StatusCreated)
	if _, leaked := decode[map[string]any](t, rec)["token"]; leaked {
		t.Error("invite token must only travel by email")
	}
	inviteToken := ts.mail.last(notify.KindInvite, "new@example.com", "token")
	if inviteToken == "" {
		t.Fatal("invite email not queued")
	}

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/invites/validate", body: map[string]string{"token": inviteToken, "email": "new@example.com"}})
	expectStatus(t, rec, http.StatusOK)

	invitee := ts.register("new@example.com", "Newcomer", inviteToken)
	if invitee.orgID != "" {
		t.Fatal("invite signup must not create an organization")
	}

	// Not yet a member until the invite is accepted.
	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization", token: invitee.access, org: owner.orgID})
	expectError(t, rec, http.StatusForbidden, "forbidden")

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/invites/accept", token: invitee.access, body: map[string]string{"token": inviteToken}})
	expectStatus(t, rec, http.StatusOK)

	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization/access", token: invitee.access, org: owner.orgID})
	expectStatus(t, rec, http.StatusOK)
	if role := decode[map[string]any](t, rec)["role"]; role != "MANAGER" {
		t.Errorf("expected MANAGER, got %v", role)
	}

	// Single use.
	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/invites/accept", token: invitee.access, body: map[string]string{"token": inviteToken}})
	expectError(t, rec, http.StatusBadRequest, "bad_request")

	if got := ts.events.Types(realtime.OrganizationChannel(owner.orgID)); len(got) != 1 || got[0] != realtime.EventMemberJoined {
		t.Errorf("unexpected org events %v", got)
	}
}

func TestMemberManagementOverHTTP(t *testing.T) {
	ts := newTestServer(t, 0)
	owner := ts.register("owner@example.com", "Owner", "")

	invite := func(email, role string) account {
		rec := ts.do(call{method: http.MethodPost, path: "/api/v1/organization/invites", token: owner.access, org: owner.orgID,
			body: map[string]string{"email": email, "role": role}})
		expectStatus(t, rec, http.StatusCreated)
		tok := ts.mail.last(notify.KindInvite, email, "token")
		a := ts.register(email, email, tok)
		rec = ts.do(call{method: http.MethodPost, path: "/api/v1/invites/accept", token: a.access, body: map[string]string{"token": tok}})
		expectStatus(t, rec, http.StatusOK)
		return a
	}
	admin := invite("admin@example.com", "ADMIN")
	member := invite("member@example.com", "MEMBER")

	path := "/api/v1/organization/members/"

	// A member lacks member:update_role.
	rec := ts.do(call{method: http.MethodPatch, path: path + admin.userID, token: member.access, org: owner.orgID, body: map[string]string{"role": "VIEWER"}})
	expectError(t, rec, http.StatusForbidden, "forbidden")

	// Promotion to OWNER is only possible by transfer.
	rec = ts.do(call{method: http.MethodPatch, path: path + member.userID, token: owner.access, org: owner.orgID, body: map[string]string{"role": "OWNER"}})
	expectError(t, rec, http.StatusForbidden, "forbidden")

	rec = ts.do(call{method: http.MethodPatch, path: path + member.userID, token: admin.access, org: owner.orgID, body: map[string]string{"role": "MANAGER"}})
	expectStatus(t, rec, http.StatusOK)

	// The cached role was invalidated; the next request sees MANAGER.
	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization/access", token: member.access, org: owner.orgID})
	expectStatus(t, rec, http.StatusOK)
	if role := decode[map[string]any](t, rec)["role"]; role != "MANAGER" {
		t.Errorf("expected MANAGER after role change, got %v", role)
	}

	rec = ts.do(call{method: http.MethodPatch, path: path + member.userID, token: owner.access, org: owner.orgID, body: map[string]string{"role": "superuser"}})
	expectError(t, rec, http.StatusBadRequest, "bad_request")

	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization/members", token: member.access, org: owner.orgID})
	expectStatus(t, rec, http.StatusOK)
	members := decode[struct {
		Members []map[string]any `json:"members"`
	}](t, rec)
	if len(members.Members) != 3 {
		t.Errorf("expected 3 members, got %d", len(members.Members))
	}

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/organization/leave", token: owner.access, org: owner.orgID})
	expectError(t, rec, http.StatusBadRequest, "bad_request")

	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/organization/transfer", token: owner.access, org: owner.orgID, body: map[string]string{"new_owner_id": admin.userID}})
	expectStatus(t, rec, http.StatusNoContent)

	rec = ts.do(call{method: http.MethodDelete, path: path + member.userID, token: admin.access, org: owner.orgID})
	expectStatus(t, rec, http.StatusNoContent)

	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization", token: member.access, org: owner.orgID})
	expectError(t, rec, http.StatusForbidden, "forbidden")

	// The former owner is now ADMIN and may leave.
	rec = ts.do(call{method: http.MethodPost, path: "/api/v1/organization/leave", token: owner.access, org: owner.orgID})
	expectStatus(t, rec, http.StatusNoContent)

	rec = ts.do(call{method: http.MethodDelete, path: "/api/v1/organization", token: admin.access, org: owner.orgID})
	expectStatus(t, rec, http.StatusNoContent)

	rec = ts.do(call{method: http.MethodGet, path: "/api/v1/organization", token: admin.access, org: owner.orgID})
	expectError(t, rec, http.StatusBadRequest, "bad_request")
}

func TestMetricsEndpoints(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.register("ada@example.com", "Ada", "")

	rec := ts.do(call{method: http.MethodGet, path: "/metrics"})
	expectStatus(t, rec, http.StatusOK)

	rec = ts.do(call{method: http.MethodGet, path: "/metrics/summary"})
	expectStatus(t, rec, http.StatusOK)
	s := decode[metrics.Summary](t, rec)
	if s.Sessions["ok"] < 3 {
		t.Errorf("expected signup, verify and login recorded, got %v", s.Sessions)
	}
	if s.HTTP.TotalRequests < 3 {
		t.Errorf("expected instrumented requests, got %v", s.HTTP.TotalRequests)
	}
}
