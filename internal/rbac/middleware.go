package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Require ensures the current user may perform action on resource. The site
// and resource are read from the siteID and id route parameters (or the
// site_id query value) when present.
func (m Middleware) Require(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if m.Service == nil {
				if m.Logger != nil {
					m.Logger.Error("rbac require: service not configured")
				}
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			siteID := strings.TrimSpace(chi.URLParam(r, "siteID"))
			if siteID == "" {
				siteID = strings.TrimSpace(r.URL.Query().Get("site_id"))
			}
			resourceID := strings.TrimSpace(chi.URLParam(r, "id"))
			access := m.Service.CanAccessResource(r.Context(), principal.UserID, resource, action, resourceID, siteID)
			if !access.Allowed {
				httpx.RespondError(w, httpx.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission is Require for a full resource:action identifier.
func (m Middleware) RequirePermission(permissionID string) func(http.Handler) http.Handler {
	resource, action, _ := strings.Cut(permissionID, ":")
	return m.Require(resource, action)
}
