package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	audithttp "github.com/sitekeeper/sitekeeper/internal/audit/http"
	"github.com/sitekeeper/sitekeeper/internal/auth"
	"github.com/sitekeeper/sitekeeper/internal/gate"
	"github.com/sitekeeper/sitekeeper/internal/observability"
	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/rbac"
	"github.com/sitekeeper/sitekeeper/internal/shared"
	"github.com/sitekeeper/sitekeeper/jobs"
)

// loginRate bounds sign-in attempts per client IP, independent of lockout.
const loginRate = 20

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Cookies            *shared.CookieJar
	CSRFManager        *shared.CSRFManager
	Gate               *gate.Gate
	AuthHandler        *auth.Handler
	SecurityHandler    *auth.SecurityHandler
	AuditHandler       *audithttp.Handler
	PermissionsHandler *rbac.PermissionsHandler
	RBACMiddleware     rbac.Middleware
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	RequireHTTPS       func() bool
}

// loginLimiter throttles POST /auth/login per client IP.
func loginLimiter() func(http.Handler) http.Handler {
	limit := httprate.Limit(loginRate, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "")
		}),
	)
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/login") {
				limited.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter constructs the chi.Router with SiteKeeper defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:       params.Logger,
		Config:       params.Config,
		Cookies:      params.Cookies,
		CSRFManager:  params.CSRFManager,
		Metrics:      params.Metrics,
		RequireHTTPS: params.RequireHTTPS,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)
	if params.Gate != nil {
		r.Use(params.Gate.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	if params.AuthHandler != nil {
		r.Route("/auth", func(r chi.Router) {
			if !InTestMode() {
				r.Use(loginLimiter())
			}
			params.AuthHandler.MountRoutes(r)
		})
	}
	if params.PermissionsHandler != nil {
		r.Route("/permissions", params.PermissionsHandler.MountRoutes)
	}
	r.Route("/security", func(r chi.Router) {
		if params.AuditHandler != nil {
			r.Route("/audit", func(r chi.Router) {
				params.AuditHandler.MountRoutes(r, params.RBACMiddleware)
			})
		}
		r.Group(func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequirePermission(rbac.PermSecurityManage))
			if params.SecurityHandler != nil {
				params.SecurityHandler.MountRoutes(r)
			}
			if params.JobHandler != nil {
				r.Route("/jobs", params.JobHandler.MountRoutes)
			}
		})
	})

	return r
}
