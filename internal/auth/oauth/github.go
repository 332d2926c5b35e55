package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

// GitHubProvider exchanges an authorization code for a GitHub access
// token and resolves the account's primary verified email via the REST
// API — GitHub has no OIDC discovery endpoint, so this is a plain
// oauth2.Config rather than the go-oidc path used for Google.
type GitHubProvider struct {
	config oauth2.Config
}

func NewGitHubProvider(clientID, clientSecret string) *GitHubProvider {
	return &GitHubProvider{
		config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     githuboauth.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
	}
}

func (p *GitHubProvider) Name() string { return "github" }

func (p *GitHubProvider) AuthCodeURL(state, redirectURI string) string {
	return p.config.AuthCodeURL(state, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
}

func (p *GitHubProvider) Exchange(ctx context.Context, code, redirectURI string) (Identity, error) {
	token, err := p.config.Exchange(ctx, code, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	if err != nil {
		return Identity{}, fmt.Errorf("github: code exchange failed: %w", err)
	}

	client := p.config.Client(ctx, token)

	var profile struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := getJSON(ctx, client, "https://api.github.com/user", &profile); err != nil {
		return Identity{}, fmt.Errorf("github: fetch profile failed: %w", err)
	}

	email, verified := profile.Email, profile.Email != ""
	if email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := getJSON(ctx, client, "https://api.github.com/user/emails", &emails); err == nil {
			for _, e := range emails {
				if e.Primary && e.Verified {
					email, verified = e.Email, true
					break
				}
			}
		}
	}

	name := profile.Name
	if name == "" {
		name = profile.Login
	}

	return Identity{
		ProviderUserID: fmt.Sprintf("%d", profile.ID),
		Email:          email,
		EmailVerified:  verified,
		Name:           name,
	}, nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
