package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/waitline/internal/store"
)

const (
	sessionTokenBytes = 32
	SessionTTL        = 14 * 24 * time.Hour
	ExchangeTokenTTL  = 2 * time.Minute
)

// Sessions wraps the durable store with the account-session operations
// from §4.3: opaque random tokens, only their SHA-256 persisted.
type Sessions struct {
	db *store.DB
}

func NewSessions(db *store.DB) *Sessions {
	return &Sessions{db: db}
}

// IssueSession mints a new 32-byte random session token for userID,
// persists only its hash, and returns the raw token to hand to the client.
func (s *Sessions) IssueSession(userID string) (rawToken string, err error) {
	raw, err := randomToken(sessionTokenBytes)
	if err != nil {
		return "", err
	}
	hash := store.HashToken(raw)
	if err := s.db.CreateSession(hash, userID, time.Now().Add(SessionTTL)); err != nil {
		return "", err
	}
	return raw, nil
}

// Validate hashes token and returns the owning user iff the session
// exists and has not expired.
func (s *Sessions) Validate(token string) (*store.User, error) {
	if token == "" {
		return nil, nil
	}
	return s.db.ValidateSession(store.HashToken(token))
}

// Delete removes the session identified by the raw token.
func (s *Sessions) Delete(token string) error {
	if token == "" {
		return nil
	}
	return s.db.DeleteSession(store.HashToken(token))
}

// IssueExchangeToken mints a one-shot token for handing a session across
// an origin boundary (native apps, cross-origin redirects).
func (s *Sessions) IssueExchangeToken(userID string) (rawToken string, err error) {
	raw, err := randomToken(sessionTokenBytes)
	if err != nil {
		return "", err
	}
	hash := store.HashToken(raw)
	if err := s.db.CreateExchangeToken(hash, userID, time.Now().Add(ExchangeTokenTTL)); err != nil {
		return "", err
	}
	return raw, nil
}

// ErrExchangeTokenInvalid is returned when an exchange token is unknown,
// already used, or expired — callers should respond 401.
var ErrExchangeTokenInvalid = errors.New("exchange token invalid or already used")

// RedeemExchangeToken atomically consumes rawToken and, on success, issues
// a fresh session for the owning user. Exactly one concurrent redeemer
// succeeds; the rest observe ErrExchangeTokenInvalid.
func (s *Sessions) RedeemExchangeToken(rawToken string) (sessionToken string, user *store.User, err error) {
	userID, err := s.db.ConsumeExchangeToken(store.HashToken(rawToken))
	if err != nil {
		return "", nil, err
	}
	if userID == "" {
		return "", nil, ErrExchangeTokenInvalid
	}
	user, err = s.db.GetUserByID(userID)
	if err != nil {
		return "", nil, err
	}
	sessionToken, err = s.IssueSession(userID)
	if err != nil {
		return "", nil, err
	}
	return sessionToken, user, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewUserID generates a stable account identity.
func NewUserID() string { return uuid.NewString() }
