// Package oauth implements the provider-agnostic OAuth flow from §4.3:
// state issuance, atomic single-use consumption, code exchange, and the
// upsert-by-provider-id-then-link-by-verified-email identity resolution,
// grounded on the teacher's OIDCAuthProvider.HandleCallback/findOrCreateUser.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/rjsadow/waitline/internal/auth"
	"github.com/rjsadow/waitline/internal/store"
)

// Identity is what a provider resolves an authorization code to.
type Identity struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
}

// Provider is implemented once per external identity provider (github,
// google). AuthCodeURL and Exchange are the only two points where a
// provider's wire protocol leaks into the flow.
type Provider interface {
	Name() string
	AuthCodeURL(state, redirectURI string) string
	Exchange(ctx context.Context, code, redirectURI string) (Identity, error)
}

const stateTTL = 10 * time.Minute

var (
	ErrUnknownProvider = errors.New("oauth: unknown provider")
	ErrInvalidState    = errors.New("oauth: invalid or expired state")
)

// Flow coordinates the OAuth dance across whichever providers are
// registered with it.
type Flow struct {
	db        *store.DB
	providers map[string]Provider
}

func NewFlow(db *store.DB, providers ...Provider) *Flow {
	f := &Flow{db: db, providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		f.providers[p.Name()] = p
	}
	return f
}

// Begin allocates a CSRF state, persists it, and returns the
// provider's authorization URL.
func (f *Flow) Begin(providerName, platform, redirectURI, returnTo string) (authURL string, err error) {
	p, ok := f.providers[providerName]
	if !ok {
		return "", ErrUnknownProvider
	}
	state, err := randomState()
	if err != nil {
		return "", err
	}
	if err := f.db.SaveOAuthState(&store.OAuthState{
		State:       state,
		Provider:    providerName,
		Platform:    platform,
		RedirectURI: redirectURI,
		ReturnTo:    returnTo,
		ExpiresAt:   time.Now().Add(stateTTL),
	}); err != nil {
		return "", err
	}
	return p.AuthCodeURL(state, redirectURI), nil
}

// CallbackResult carries the outcome of a completed provider callback.
type CallbackResult struct {
	User     *store.User
	Platform string
	ReturnTo string
}

// Callback atomically consumes state, exchanges code with the matching
// provider, and resolves a local user: by provider id first, falling
// back to linking an existing account with a matching verified email.
func (f *Flow) Callback(ctx context.Context, providerName, code, state string) (*CallbackResult, error) {
	entry, err := f.db.ConsumeOAuthState(state)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Provider != providerName {
		return nil, ErrInvalidState
	}

	p, ok := f.providers[providerName]
	if !ok {
		return nil, ErrUnknownProvider
	}

	ident, err := p.Exchange(ctx, code, entry.RedirectURI)
	if err != nil {
		return nil, err
	}

	user, err := f.resolveUser(providerName, ident)
	if err != nil {
		return nil, err
	}

	return &CallbackResult{User: user, Platform: entry.Platform, ReturnTo: entry.ReturnTo}, nil
}

func (f *Flow) resolveUser(providerName string, ident Identity) (*store.User, error) {
	if user, err := f.db.GetUserByProviderID(providerName, ident.ProviderUserID); err != nil {
		return nil, err
	} else if user != nil {
		return user, nil
	}

	if ident.EmailVerified && ident.Email != "" {
		if user, err := f.db.GetUserByEmail(ident.Email); err != nil {
			return nil, err
		} else if user != nil {
			if err := f.db.LinkOAuthIdentity(providerName, ident.ProviderUserID, user.ID); err != nil {
				return nil, err
			}
			return user, nil
		}
	}

	user := &store.User{ID: auth.NewUserID(), Email: ident.Email, Name: ident.Name, CreatedAt: time.Now()}
	if err := f.db.CreateUser(user); err != nil {
		return nil, err
	}
	if err := f.db.LinkOAuthIdentity(providerName, ident.ProviderUserID, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
