package router

import (
	"context"
	"testing"
)

func TestCaptchaVerifierNoSecretIsNoOp(t *testing.T) {
	v := NewCaptchaVerifier("")

	ok, err := v.Verify(context.Background(), "", "1.2.3.4")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("expected no-op success when no secret key is configured")
	}
}

func TestCaptchaVerifierRejectsEmptyTokenWhenConfigured(t *testing.T) {
	v := NewCaptchaVerifier("dummy-secret")

	ok, err := v.Verify(context.Background(), "", "1.2.3.4")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("expected empty token to be rejected once a secret key is configured")
	}
}
