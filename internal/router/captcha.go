package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const turnstileVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// CaptchaVerifier checks a client-submitted Turnstile token against
// Cloudflare's verification endpoint, the external collaborator named in
// spec §1. An empty secret key disables verification (dev/test).
type CaptchaVerifier struct {
	secretKey string
	client    *http.Client
}

func NewCaptchaVerifier(secretKey string) *CaptchaVerifier {
	return &CaptchaVerifier{secretKey: secretKey, client: &http.Client{Timeout: 5 * time.Second}}
}

type turnstileResponse struct {
	Success bool `json:"success"`
}

// Verify reports whether token is valid for remoteIP. When no secret key
// is configured, verification is a no-op success so local/dev deployments
// don't require a live Turnstile account.
func (v *CaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if v.secretKey == "" {
		return true, nil
	}
	if token == "" {
		return false, nil
	}

	form := url.Values{"secret": {v.secretKey}, "response": {token}}
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, turnstileVerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var out turnstileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Success, nil
}
