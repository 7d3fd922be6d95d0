package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/sitekeeper/sitekeeper/internal/observability"
	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/shared"
)

// csrfExempt lists routes reachable before a session token exists.
var csrfExempt = map[string]struct{}{
	"/auth/login":   {},
	"/auth/refresh": {},
}

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger       *slog.Logger
	Config       *Config
	Cookies      *shared.CookieJar
	CSRFManager  *shared.CSRFManager
	Metrics      *observability.Metrics
	// RequireHTTPS is consulted per request so runtime session config
	// changes take effect. Nil means never.
	RequireHTTPS func() bool
}

// MiddlewareStack installs the SiteKeeper middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	secureOptions := secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentSecurityPolicy: "default-src 'self'",
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !cfg.Config.IsProduction(),
	}
	plainSecure := secure.New(secureOptions)
	secureOptions.SSLRedirect = true
	httpsSecure := secure.New(secureOptions)
	httpsRequired := func() bool {
		return cfg.RequireHTTPS != nil && cfg.Config.IsProduction() && cfg.RequireHTTPS()
	}

	requestMeta := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := shared.ContextWithRequestMeta(r.Context(), shared.RequestMeta{
				IP:        shared.ClientIP(r),
				UserAgent: r.UserAgent(),
				RequestID: middleware.GetReqID(r.Context()),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		requestMeta,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				secureMiddleware := plainSecure
				if httpsRequired() {
					secureMiddleware = httpsSecure
				}
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					return
				}
				next.ServeHTTP(w, r)
			})
		},
	}
	if cfg.Config != nil && len(cfg.Config.CORSAllowedOrigins) > 0 {
		middlewares = append(middlewares, cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Config.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", shared.CSRFHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if !InTestMode() {
		middlewares = append(middlewares, httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}
	middlewares = append(middlewares, CSRF(cfg.Cookies, cfg.CSRFManager, cfg.Logger))
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	return middlewares
}

// CSRF rejects unsafe requests that carry a session cookie without the
// matching token. Bearer-only clients are not subject to the check.
func CSRF(cookies *shared.CookieJar, manager *shared.CSRFManager, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := csrfExempt[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			cookie, err := r.Cookie(cookies.CookieName())
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get(shared.CSRFHeader)
			if token == "" {
				token = r.PostFormValue(shared.CSRFFormField)
			}
			if err := manager.VerifyToken(cookie.Value, token); err != nil {
				logger.Warn("csrf validation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
