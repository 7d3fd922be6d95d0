package shared

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// CookieJar carries session and refresh tokens between the browser and the
// session registry.
type CookieJar struct {
	cookieName  string
	refreshName string
	secure      func() bool
}

// NewCookieJar constructs a CookieJar. Secure cookies are emitted when
// secure is true.
func NewCookieJar(cookieName string, secure bool) *CookieJar {
	return NewCookieJarFunc(cookieName, func() bool { return secure })
}

// NewCookieJarFunc constructs a CookieJar whose Secure flag is decided each
// time a cookie is written.
func NewCookieJarFunc(cookieName string, secure func() bool) *CookieJar {
	if cookieName == "" {
		cookieName = "sitekeeper_session"
	}
	if secure == nil {
		secure = func() bool { return false }
	}
	return &CookieJar{
		cookieName:  cookieName,
		refreshName: cookieName + "_refresh",
		secure:      secure,
	}
}

// SessionToken returns the session token presented by the request, either
// through the session cookie or an Authorization bearer header.
func (j *CookieJar) SessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(j.cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	} else if err != nil && !errors.Is(err, http.ErrNoCookie) {
		return ""
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

// RefreshToken returns the refresh token cookie value, if any.
func (j *CookieJar) RefreshToken(r *http.Request) string {
	cookie, err := r.Cookie(j.refreshName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Issue writes both token cookies.
func (j *CookieJar) Issue(w http.ResponseWriter, sessionToken, refreshToken string, expiresAt time.Time) {
	secure := j.secure()
	http.SetCookie(w, &http.Cookie{
		Name:     j.cookieName,
		Value:    sessionToken,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  expiresAt,
	})
	if refreshToken == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     j.refreshName,
		Value:    refreshToken,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear expires both token cookies.
func (j *CookieJar) Clear(w http.ResponseWriter) {
	secure := j.secure()
	for _, c := range []struct{ name, path string }{{j.cookieName, "/"}, {j.refreshName, "/auth"}} {
		http.SetCookie(w, &http.Cookie{
			Name:     c.name,
			Value:    "",
			Path:     c.path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// CookieName returns the cookie identifier used for sessions.
func (j *CookieJar) CookieName() string {
	return j.cookieName
}
