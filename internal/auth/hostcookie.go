// Package auth implements the host-cookie MAC, OAuth-derived user
// sessions, exchange tokens, and the admin gate described in the design's
// auth module. It is grounded on the teacher's plugins/auth package:
// the JWT signing mechanics there are repurposed for VAPID assertions
// (internal/notify), while session tokens here are opaque, hashed, and
// never self-contained.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

const (
	// HostCookieName is the cookie carrying device-level queue authority.
	HostCookieName = "queue_host_auth"
	// HostAuthHeader lets native/cross-origin clients present the same
	// value outside of a cookie.
	HostAuthHeader = "x-host-auth"
	// HostCookieMaxAge is the device-authority lifetime.
	HostCookieMaxAge = 24 * time.Hour
)

// GenerateHostToken produces "sessionId.base64url(HMAC_SHA256(secret,sessionId))".
func GenerateHostToken(sessionID, secret string) string {
	mac := computeMAC(sessionID, secret)
	return sessionID + "." + base64.RawURLEncoding.EncodeToString(mac)
}

// VerifyHostToken reports whether token authorizes sessionID under secret.
// The comparison is constant-time over the decoded MAC bytes.
func VerifyHostToken(token, sessionID, secret string) bool {
	idPart, macPart, ok := strings.Cut(token, ".")
	if !ok || idPart != sessionID {
		return false
	}
	given, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return false
	}
	want := computeMAC(sessionID, secret)
	return subtle.ConstantTimeCompare(given, want) == 1
}

func computeMAC(sessionID, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(sessionID))
	return h.Sum(nil)
}

// SetHostCookie attaches the host-authority cookie to the response.
func SetHostCookie(w http.ResponseWriter, sessionID, secret string) {
	http.SetCookie(w, &http.Cookie{
		Name:     HostCookieName,
		Value:    GenerateHostToken(sessionID, secret),
		Path:     "/",
		MaxAge:   int(HostCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ExtractHostToken reads the host-authority token from the cookie, falling
// back to the x-host-auth header for native clients and cross-origin flows.
func ExtractHostToken(r *http.Request) string {
	if c, err := r.Cookie(HostCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get(HostAuthHeader)
}

// IsHostAuthorized reports whether the request carries a valid host
// token for sessionID.
func IsHostAuthorized(r *http.Request, sessionID, secret string) bool {
	token := ExtractHostToken(r)
	if token == "" {
		return false
	}
	return VerifyHostToken(token, sessionID, secret)
}
