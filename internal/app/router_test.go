package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sitekeeper/sitekeeper/internal/app"
	"github.com/sitekeeper/sitekeeper/internal/audit"
	audithttp "github.com/sitekeeper/sitekeeper/internal/audit/http"
	"github.com/sitekeeper/sitekeeper/internal/auth"
	"github.com/sitekeeper/sitekeeper/internal/gate"
	"github.com/sitekeeper/sitekeeper/internal/lockout"
	"github.com/sitekeeper/sitekeeper/internal/observability"
	"github.com/sitekeeper/sitekeeper/internal/rbac"
	"github.com/sitekeeper/sitekeeper/internal/session"
	"github.com/sitekeeper/sitekeeper/internal/shared"
	"github.com/sitekeeper/sitekeeper/internal/users"
	_ "github.com/sitekeeper/sitekeeper/testing"
)

const password = "correct horse battery"

type memoryUsers map[string]*users.User

func (m memoryUsers) FindByEmail(ctx context.Context, email string) (*users.User, error) {
	for _, u := range m {
		if u.Email == shared.NormalizeEmail(email) {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m memoryUsers) FindByID(ctx context.Context, id string) (*users.User, error) {
	if u, ok := m[id]; ok {
		return u, nil
	}
	return nil, shared.ErrNotFound
}

type stack struct {
	handler http.Handler
	csrf    *shared.CSRFManager
	audit   *audit.Log
}

func newStack(t *testing.T) *stack {
	t.Helper()
	hasher := auth.BcryptHasher{Cost: bcrypt.MinCost}
	hash, err := hasher.Hash(password)
	require.NoError(t, err)
	store := memoryUsers{
		"root":  {ID: "root", Email: "root@example.com", PasswordHash: hash, Role: string(rbac.RoleSuperAdmin), IsActive: true},
		"admin": {ID: "admin", Email: "admin@example.com", PasswordHash: hash, Role: string(rbac.RoleAdmin), IsActive: true},
	}

	metrics := observability.NewMetrics()
	log := audit.NewLog(nil, audit.WithSink(metrics.AuditSink()))
	policy := lockout.NewPolicy(lockout.DefaultConfig(), lockout.NewMemoryStore(), log, nil)
	registry := session.NewRegistry(session.DefaultConfig(), log, nil)
	rbacService := rbac.NewService(store, nil, log, nil)
	cookies := shared.NewCookieJar("sk", false)
	csrf := shared.NewCSRFManager("secret")
	cfg := &app.Config{AppEnv: "test", LandingPath: "/dashboard"}

	handler := app.NewRouter(app.RouterParams{
		Config:             cfg,
		Cookies:            cookies,
		CSRFManager:        csrf,
		Gate:               gate.New(gate.Config{}, registry, cookies, log, nil),
		AuthHandler:        auth.NewHandler(nil, auth.NewService(store, policy, registry, hasher, log, nil), cookies, csrf, cfg.LandingPath),
		SecurityHandler:    auth.NewSecurityHandler(nil, policy, registry),
		AuditHandler:       audithttp.NewHandler(nil, log),
		PermissionsHandler: rbac.NewPermissionsHandler(nil, rbacService),
		RBACMiddleware:     rbac.Middleware{Service: rbacService},
		Metrics:            metrics,
	})
	return &stack{handler: handler, csrf: csrf, audit: log}
}

func (s *stack) do(t *testing.T, method, target, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Header.Set("Accept", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *stack) login(t *testing.T, email string) (*http.Cookie, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+password+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, c := range rec.Result().Cookies() {
		if c.Name == "sk" {
			return c, body.CSRFToken
		}
	}
	t.Fatal("session cookie missing")
	return nil, ""
}

func TestHealthAndMetrics(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "sitekeeper_http_requests_total")
}

func TestAnonymousSecurityAccessIsRejected(t *testing.T) {
	s := newStack(t)
	rec := s.do(t, http.MethodGet, "/security/sessions/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Len(t, s.audit.Query(audit.Filter{Type: audit.EventUnauthorizedAccess}), 1)
}

func TestSecurityRoutesRequireManagePermission(t *testing.T) {
	s := newStack(t)
	adminCookie, _ := s.login(t, "admin@example.com")
	rec := s.do(t, http.MethodGet, "/security/sessions/stats", "", func(r *http.Request) { r.AddCookie(adminCookie) })
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Admins still read the audit ledger.
	rec = s.do(t, http.MethodGet, "/security/audit", "", func(r *http.Request) { r.AddCookie(adminCookie) })
	require.Equal(t, http.StatusOK, rec.Code)

	rootCookie, _ := s.login(t, "root@example.com")
	rec = s.do(t, http.MethodGet, "/security/sessions/stats", "", func(r *http.Request) { r.AddCookie(rootCookie) })
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"activeSessions":2`)
}

func TestCSRFProtectsCookieSessions(t *testing.T) {
	s := newStack(t)
	cookie, token := s.login(t, "root@example.com")

	rec := s.do(t, http.MethodPost, "/security/users/u9/unlock", "", func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/security/users/u9/unlock", "", func(r *http.Request) {
		r.AddCookie(cookie)
		r.Header.Set(shared.CSRFHeader, token)
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPost, "/security/users/u9/unlock", "", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+cookie.Value)
	})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPermissionsForCurrentUser(t *testing.T) {
	s := newStack(t)
	cookie, _ := s.login(t, "admin@example.com")
	rec := s.do(t, http.MethodGet, "/permissions/me", "", func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), rbac.PermAuditRead)
	require.NotContains(t, rec.Body.String(), rbac.PermSecurityManage)
}

func TestFormLoginCanFetchCSRFTokenAndLogout(t *testing.T) {
	s := newStack(t)
	form := url.Values{"email": {"root@example.com"}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == "sk" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	rec = s.do(t, http.MethodPost, "/auth/logout", "", func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/auth/csrf", "", func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var body struct {
		CSRFToken string `json:"csrfToken"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, s.csrf.Token(cookie.Value), body.CSRFToken)

	logout := url.Values{shared.CSRFFormField: {body.CSRFToken}}
	req = httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(logout.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/auth/csrf", "", func(r *http.Request) { r.AddCookie(cookie) })
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
