package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sitekeeper/sitekeeper/internal/lockout"
	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/session"
	"github.com/sitekeeper/sitekeeper/internal/shared"
)

// SecurityHandler exposes lockout and session administration.
type SecurityHandler struct {
	logger   *slog.Logger
	policy   *lockout.Policy
	sessions *session.Registry
}

// NewSecurityHandler builds a SecurityHandler.
func NewSecurityHandler(logger *slog.Logger, policy *lockout.Policy, sessions *session.Registry) *SecurityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityHandler{logger: logger, policy: policy, sessions: sessions}
}

// MountRoutes registers the administration routes. Callers guard the
// router with the security:manage permission.
func (h *SecurityHandler) MountRoutes(r chi.Router) {
	r.Get("/users/{userID}/lock", h.lockStatus)
	r.Post("/users/{userID}/unlock", h.unlock)
	r.Delete("/users/{userID}/sessions", h.revokeUserSessions)
	r.Get("/sessions/stats", h.sessionStats)
	r.Get("/config/session", h.sessionConfig)
	r.Put("/config/session", h.updateSessionConfig)
	r.Get("/config/lockout", h.lockoutConfig)
	r.Put("/config/lockout", h.updateLockoutConfig)
}

func (h *SecurityHandler) lockStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.policy.IsAccountLocked(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.logger.Error("lock status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

func (h *SecurityHandler) unlock(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	meta := shared.RequestMetaFromContext(r.Context())
	userID := chi.URLParam(r, "userID")
	if err := h.policy.UnlockAccount(r.Context(), userID, principal.UserID, meta.IP, meta.UserAgent); err != nil {
		h.logger.Error("unlock account", slog.String("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SecurityHandler) revokeUserSessions(w http.ResponseWriter, r *http.Request) {
	meta := shared.RequestMetaFromContext(r.Context())
	count := h.sessions.InvalidateAllUserSessions(r.Context(), chi.URLParam(r, "userID"), "admin_revoked", meta.IP, meta.UserAgent)
	httpx.JSON(w, http.StatusOK, map[string]int{"invalidated": count})
}

func (h *SecurityHandler) sessionStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.sessions.Stats())
}

// sessionConfigBody mirrors session.Config with durations as Go duration
// strings.
type sessionConfigBody struct {
	SessionTimeout        string `json:"sessionTimeout"`
	MaxConcurrentSessions int    `json:"maxConcurrentSessions"`
	RefreshTokenRotation  bool   `json:"refreshTokenRotation"`
	RequireHTTPS          bool   `json:"requireHttps"`
	SessionFingerprinting bool   `json:"sessionFingerprinting"`
}

func (h *SecurityHandler) sessionConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.sessions.Config()
	httpx.JSON(w, http.StatusOK, sessionConfigBody{
		SessionTimeout:        cfg.SessionTimeout.String(),
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		RefreshTokenRotation:  cfg.RefreshTokenRotation,
		RequireHTTPS:          cfg.RequireHTTPS,
		SessionFingerprinting: cfg.SessionFingerprinting,
	})
}

func (h *SecurityHandler) updateSessionConfig(w http.ResponseWriter, r *http.Request) {
	var body sessionConfigBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	timeout, err := time.ParseDuration(body.SessionTimeout)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: sessionTimeout: %v", httpx.ErrValidation, err))
		return
	}
	cfg := session.Config{
		SessionTimeout:        timeout,
		MaxConcurrentSessions: body.MaxConcurrentSessions,
		RefreshTokenRotation:  body.RefreshTokenRotation,
		RequireHTTPS:          body.RequireHTTPS,
		SessionFingerprinting: body.SessionFingerprinting,
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	if err := h.sessions.UpdateConfig(r.Context(), cfg, principal.UserID); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	h.sessionConfig(w, r)
}

type lockoutConfigBody struct {
	MaxFailedAttempts  int    `json:"maxFailedAttempts"`
	LockoutDuration    string `json:"lockoutDuration"`
	ProgressiveLockout bool   `json:"progressiveLockout"`
	MaxLockoutDuration string `json:"maxLockoutDuration"`
}

func (h *SecurityHandler) lockoutConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.policy.Config()
	httpx.JSON(w, http.StatusOK, lockoutConfigBody{
		MaxFailedAttempts:  cfg.MaxFailedAttempts,
		LockoutDuration:    cfg.LockoutDuration.String(),
		ProgressiveLockout: cfg.ProgressiveLockout,
		MaxLockoutDuration: cfg.MaxLockoutDuration.String(),
	})
}

func (h *SecurityHandler) updateLockoutConfig(w http.ResponseWriter, r *http.Request) {
	var body lockoutConfigBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	duration, err := time.ParseDuration(body.LockoutDuration)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: lockoutDuration: %v", httpx.ErrValidation, err))
		return
	}
	maxDuration, err := time.ParseDuration(body.MaxLockoutDuration)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: maxLockoutDuration: %v", httpx.ErrValidation, err))
		return
	}
	cfg := lockout.Config{
		MaxFailedAttempts:  body.MaxFailedAttempts,
		LockoutDuration:    duration,
		ProgressiveLockout: body.ProgressiveLockout,
		MaxLockoutDuration: maxDuration,
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	if err := h.policy.UpdateConfig(r.Context(), cfg, principal.UserID); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	h.lockoutConfig(w, r)
}
