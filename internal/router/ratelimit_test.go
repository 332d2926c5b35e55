package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"
)

func TestRateLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 2)

	if !rl.Allow("1.2.3.4") {
		t.Fatal("first request should be allowed")
	}
	if !rl.Allow("1.2.3.4") {
		t.Fatal("second request (within burst) should be allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("third request should exceed burst and be blocked")
	}
}

func TestRateLimiterTracksIPsIndependently(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first IP's first request should be allowed")
	}
	if !rl.Allow("10.0.0.2") {
		t.Fatal("second IP's first request should be allowed independently of the first")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	if got := ClientIP(req); got != "198.51.100.7" {
		t.Errorf("ClientIP = %q, want %q", got, "198.51.100.7")
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:12345"

	if got := ClientIP(req); got != "203.0.113.5" {
		t.Errorf("ClientIP = %q, want %q", got, "203.0.113.5")
	}
}
