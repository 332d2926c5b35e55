package auth

import (
	"net/http"
	"time"
)

const (
	// SessionCookieName carries the raw session token for browser clients.
	SessionCookieName = "waitline_session"
	// SessionAuthHeader lets native clients present the token outside a cookie.
	SessionAuthHeader = "Authorization"
	sessionBearerPrefix = "Bearer "
)

// SetSessionCookie attaches the session token, mirroring the host cookie's
// shape (HttpOnly, Secure, SameSite=Lax so the OAuth-redirect GET still
// carries it).
func SetSessionCookie(w http.ResponseWriter, rawToken string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    rawToken,
		Path:     "/",
		MaxAge:   int(SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie immediately, for logout.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// ExtractSessionToken reads the raw session token from the cookie, falling
// back to a bearer Authorization header for native/cross-origin clients.
func ExtractSessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get(SessionAuthHeader); len(h) > len(sessionBearerPrefix) && h[:len(sessionBearerPrefix)] == sessionBearerPrefix {
		return h[len(sessionBearerPrefix):]
	}
	return ""
}
