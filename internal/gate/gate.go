// Package gate guards protected path prefixes behind a valid session.
package gate

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sitekeeper/sitekeeper/internal/audit"
	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/session"
	"github.com/sitekeeper/sitekeeper/internal/shared"
)

// DefaultProtectedPrefixes lists the areas that require a session.
var DefaultProtectedPrefixes = []string{
	"/sites", "/rooms", "/assets", "/users", "/security", "/permissions", "/dashboard",
}

// Config controls which paths are gated and where callers are sent.
type Config struct {
	ProtectedPrefixes []string
	SignInPath        string
	LandingPath       string
}

// Gate resolves the session of every request and turns away anonymous
// callers on protected paths.
type Gate struct {
	cfg      Config
	sessions *session.Registry
	cookies  *shared.CookieJar
	audit    *audit.Log
	logger   *slog.Logger
}

// New constructs a Gate. Empty config fields take their defaults.
func New(cfg Config, sessions *session.Registry, cookies *shared.CookieJar, auditLog *audit.Log, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.ProtectedPrefixes) == 0 {
		cfg.ProtectedPrefixes = DefaultProtectedPrefixes
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/auth/login"
	}
	if cfg.LandingPath == "" {
		cfg.LandingPath = "/dashboard"
	}
	return &Gate{cfg: cfg, sessions: sessions, cookies: cookies, audit: auditLog, logger: logger}
}

// Middleware validates the presented session, stores the principal in the
// request context and applies the redirect rules.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		meta := shared.RequestMetaFromContext(ctx)
		if meta.IP == "" {
			meta.IP = shared.ClientIP(r)
			meta.UserAgent = r.UserAgent()
			ctx = shared.ContextWithRequestMeta(ctx, meta)
		}

		authenticated := false
		reason := "No session"
		if token := g.cookies.SessionToken(r); token != "" {
			v := g.sessions.ValidateSession(ctx, token, meta.IP, meta.UserAgent)
			if v.Valid {
				authenticated = true
				ctx = shared.ContextWithPrincipal(ctx, shared.Principal{UserID: v.Session.UserID, SessionToken: token})
			} else {
				reason = v.Reason
			}
		}
		r = r.WithContext(ctx)
		path := r.URL.Path

		switch {
		case authenticated && path == g.cfg.SignInPath && (r.Method == http.MethodGet || r.Method == http.MethodHead):
			http.Redirect(w, r, g.cfg.LandingPath, http.StatusSeeOther)
		case !authenticated && g.isProtected(path):
			g.audit.LogSecurityEvent(ctx, audit.AnonymousUser, "unauthenticated_access",
				"Unauthenticated request to protected path", audit.SeverityMedium,
				map[string]any{"path": path, "method": r.Method, "reason": reason},
				meta.IP, meta.UserAgent)
			if wantsJSON(r) {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			http.Redirect(w, r, g.signInURL(r), http.StatusSeeOther)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (g *Gate) isProtected(path string) bool {
	for _, prefix := range g.cfg.ProtectedPrefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func (g *Gate) signInURL(r *http.Request) string {
	next := r.URL.Path
	if r.URL.RawQuery != "" {
		next += "?" + r.URL.RawQuery
	}
	return g.cfg.SignInPath + "?" + url.Values{"next": {next}}.Encode()
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
