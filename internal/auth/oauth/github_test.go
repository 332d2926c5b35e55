package oauth

import (
	"strings"
	"testing"
)

func TestGitHubProviderAuthCodeURL(t *testing.T) {
	p := NewGitHubProvider("client-id", "client-secret")

	if p.Name() != "github" {
		t.Errorf("Name() = %q, want github", p.Name())
	}

	url := p.AuthCodeURL("state-123", "https://app.test/callback")
	if url == "" {
		t.Fatal("expected a non-empty authorization URL")
	}
	if !strings.Contains(url, "state-123") {
		t.Errorf("authorization URL %q should carry the state param", url)
	}
	if !strings.Contains(url, "client_id=client-id") {
		t.Errorf("authorization URL %q should carry the client id", url)
	}
}
