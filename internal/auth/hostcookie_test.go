package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateAndVerifyHostToken(t *testing.T) {
	token := GenerateHostToken("sess-1", "secret-a")
	if !VerifyHostToken(token, "sess-1", "secret-a") {
		t.Fatal("expected a freshly generated token to verify")
	}
}

func TestVerifyHostTokenRejectsWrongSecret(t *testing.T) {
	token := GenerateHostToken("sess-1", "secret-a")
	if VerifyHostToken(token, "sess-1", "secret-b") {
		t.Fatal("token signed with a different secret should not verify")
	}
}

func TestVerifyHostTokenRejectsSessionIDSubstitution(t *testing.T) {
	token := GenerateHostToken("sess-1", "secret-a")
	if VerifyHostToken(token, "sess-2", "secret-a") {
		t.Fatal("token should not verify against a different sessionID, even with a matching secret")
	}
}

func TestVerifyHostTokenRejectsMalformedToken(t *testing.T) {
	if VerifyHostToken("not-a-valid-token", "sess-1", "secret-a") {
		t.Fatal("malformed token should not verify")
	}
	if VerifyHostToken("", "sess-1", "secret-a") {
		t.Fatal("empty token should not verify")
	}
}

func TestIsHostAuthorizedPrefersCookieOverHeader(t *testing.T) {
	secret := "secret-a"
	sessionID := "sess-1"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: HostCookieName, Value: GenerateHostToken(sessionID, secret)})
	req.Header.Set(HostAuthHeader, "garbage")

	if !IsHostAuthorized(req, sessionID, secret) {
		t.Fatal("expected cookie-carried token to authorize despite a garbage header")
	}
}

func TestIsHostAuthorizedFallsBackToHeader(t *testing.T) {
	secret := "secret-a"
	sessionID := "sess-1"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HostAuthHeader, GenerateHostToken(sessionID, secret))

	if !IsHostAuthorized(req, sessionID, secret) {
		t.Fatal("expected header-carried token to authorize when no cookie is present")
	}
}

func TestIsHostAuthorizedRejectsMissingToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if IsHostAuthorized(req, "sess-1", "secret-a") {
		t.Fatal("request with no token should not be authorized")
	}
}
