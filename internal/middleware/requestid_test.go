package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDGeneratesWhenMissing(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	RequestID(inner).ServeHTTP(rec, req)

	if seen == "" {
		t.Fatal("expected a generated request ID in the request context")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header %s = %q, want %q", RequestIDHeader, rec.Header().Get(RequestIDHeader), seen)
	}
}

func TestRequestIDPreservesIncoming(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "incoming-id-123")
	rec := httptest.NewRecorder()
	RequestID(inner).ServeHTTP(rec, req)

	if seen != "incoming-id-123" {
		t.Errorf("GetRequestID = %q, want incoming-id-123", seen)
	}
	if rec.Header().Get(RequestIDHeader) != "incoming-id-123" {
		t.Errorf("response header = %q, want incoming-id-123", rec.Header().Get(RequestIDHeader))
	}
}

func TestGetRequestIDReturnsEmptyWhenAbsent(t *testing.T) {
	if got := GetRequestID(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "" {
		t.Errorf("GetRequestID on bare context = %q, want empty", got)
	}
}
