package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/shared"
)

// PermissionsHandler exposes the permission catalog.
type PermissionsHandler struct {
	logger  *slog.Logger
	service *Service
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, service: service}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/", h.listPermissions)
	r.Get("/me", h.myPermissions)
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": Catalog()})
}

type effectivePermissions struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	SiteIDs     []string `json:"siteIds,omitempty"`
}

func (h *PermissionsHandler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	perms, sites, err := h.service.EffectivePermissions(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Error("effective permissions", slog.String("user_id", principal.UserID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if perms == nil {
		perms = []string{}
	}
	httpx.JSON(w, http.StatusOK, effectivePermissions{UserID: principal.UserID, Permissions: perms, SiteIDs: sites})
}
