package audithttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/sitekeeper/sitekeeper/internal/rbac"
	"github.com/sitekeeper/sitekeeper/internal/shared"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes registers the audit listing and CSV export endpoints.
func (h *Handler) MountRoutes(r chi.Router, guard rbac.Middleware) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Group(func(gr chi.Router) {
		gr.Use(guard.RequirePermission(rbac.PermAuditRead))
		gr.Get("/", h.handleEvents)
		gr.Get("/security", h.handleSecurityEvents)
	})
	r.Group(func(gr chi.Router) {
		gr.Use(guard.RequirePermission(rbac.PermAuditExport))
		gr.Use(limiter)
		gr.Get("/export.csv", h.handleExport)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if principal, ok := shared.PrincipalFromContext(r.Context()); ok {
		return "user:" + principal.UserID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
