package auth

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sitekeeper/sitekeeper/internal/platform/httpx"
	"github.com/sitekeeper/sitekeeper/internal/session"
	"github.com/sitekeeper/sitekeeper/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	cookies     *shared.CookieJar
	csrfManager *shared.CSRFManager
	landingPath string
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, cookies *shared.CookieJar, csrf *shared.CSRFManager, landingPath string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if landingPath == "" {
		landingPath = "/dashboard"
	}
	return &Handler{
		logger:      logger,
		service:     service,
		cookies:     cookies,
		csrfManager: csrf,
		landingPath: landingPath,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/refresh", h.handleRefresh)
	r.Get("/csrf", h.csrfToken)
	r.Get("/sessions", h.listSessions)
	r.Delete("/sessions", h.revokeAllSessions)
}

type loginDescriptor struct {
	Action string   `json:"action"`
	Method string   `json:"method"`
	Fields []string `json:"fields"`
	Next   string   `json:"next,omitempty"`
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, loginDescriptor{
		Action: "/auth/login",
		Method: http.MethodPost,
		Fields: []string{"email", "password"},
		Next:   safeNext(r.URL.Query().Get("next")),
	})
}

type loginResponse struct {
	User      *Identity `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
	CSRFToken string    `json:"csrfToken"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	isForm := !isJSON(r)
	var creds Credentials
	if isForm {
		if err := r.ParseForm(); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "")
			return
		}
		creds = Credentials{Email: r.PostFormValue("email"), Password: r.PostFormValue("password")}
	} else if err := httpx.DecodeJSON(r, &creds); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "")
		return
	}

	identity, err := h.service.Authorize(r.Context(), creds, requestContext(r))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.cookies.Issue(w, identity.SessionToken, identity.RefreshToken, identity.ExpiresAt)

	if isForm {
		target := safeNext(r.FormValue("next"))
		if target == "" {
			target = h.landingPath
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
		return
	}
	httpx.JSON(w, http.StatusOK, loginResponse{
		User:      identity,
		ExpiresAt: identity.ExpiresAt,
		CSRFToken: h.csrfManager.Token(identity.SessionToken),
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	meta := shared.RequestMetaFromContext(r.Context())
	principal, _ := shared.PrincipalFromContext(r.Context())
	h.service.Logout(r.Context(), h.cookies.SessionToken(r), principal.UserID, meta.IP, meta.UserAgent)
	h.cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
	CSRFToken string    `json:"csrfToken"`
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := h.cookies.RefreshToken(r)
	if token == "" && isJSON(r) {
		var req refreshRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "")
			return
		}
		token = req.RefreshToken
	}
	meta := shared.RequestMetaFromContext(r.Context())
	sess, err := h.service.Refresh(r.Context(), token, meta.IP, meta.UserAgent)
	if err != nil {
		h.cookies.Clear(w)
		httpx.RespondError(w, err)
		return
	}
	h.cookies.Issue(w, sess.SessionToken, sess.RefreshToken, sess.ExpiresAt)
	httpx.JSON(w, http.StatusOK, refreshResponse{
		ExpiresAt: sess.ExpiresAt,
		CSRFToken: h.csrfManager.Token(sess.SessionToken),
	})
}

type csrfResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// csrfToken hands cookie-session clients the token bound to their session,
// so form logins can still reach the protected unsafe endpoints.
func (h *Handler) csrfToken(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok || principal.SessionToken == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httpx.JSON(w, http.StatusOK, csrfResponse{CSRFToken: h.csrfManager.Token(principal.SessionToken)})
}

type sessionView struct {
	session.Session
	Current bool `json:"current"`
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	sessions := h.service.Sessions(principal.UserID)
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{Session: s, Current: s.SessionToken == principal.SessionToken})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	meta := shared.RequestMetaFromContext(r.Context())
	count := h.service.LogoutEverywhere(r.Context(), principal.UserID, meta.IP, meta.UserAgent)
	h.cookies.Clear(w)
	httpx.JSON(w, http.StatusOK, map[string]int{"invalidated": count})
}

func requestContext(r *http.Request) RequestContext {
	meta := shared.RequestMetaFromContext(r.Context())
	rc := RequestContext{IP: meta.IP, UserAgent: meta.UserAgent, DeviceInfo: r.Header.Get("X-Device-Info")}
	if rc.IP == "" {
		rc.IP = shared.ClientIP(r)
	}
	if rc.UserAgent == "" {
		rc.UserAgent = r.UserAgent()
	}
	return rc
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

// safeNext only accepts local absolute paths.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return ""
	}
	return next
}
