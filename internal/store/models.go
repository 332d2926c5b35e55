// Package store persists queues, parties, users, sessions, and the
// analytics event log behind a bun-backed relational schema, the way the
// teacher's internal/db package persisted applications and launch
// sessions. All entities map onto the data model of the queue
// coordination service rather than app-launcher sessions.
package store

import (
	"time"

	"github.com/uptrace/bun"
)

// QueueStatus is the lifecycle state of a queue.
type QueueStatus string

const (
	QueueActive QueueStatus = "active"
	QueueClosed QueueStatus = "closed"
)

// PartyStatus is the lifecycle state of a single join entry.
type PartyStatus string

const (
	PartyWaiting PartyStatus = "waiting"
	PartyCalled  PartyStatus = "called"
	PartyServed  PartyStatus = "served"
	PartyLeft    PartyStatus = "left"
	PartyNoShow  PartyStatus = "no_show"
	PartyKicked  PartyStatus = "kicked"
)

// Queue is a single coordinated waitlist, identified by SessionID and
// reachable by humans via ShortCode.
type Queue struct {
	bun.BaseModel `bun:"table:queues"`

	SessionID    string      `bun:"session_id,pk"`
	ShortCode    string      `bun:"short_code,unique,notnull"`
	Status       QueueStatus `bun:"status,notnull"`
	EventName    string      `bun:"event_name,notnull"`
	MaxGuests    int         `bun:"max_guests,notnull"`
	Location     string      `bun:"location"`
	ContactInfo  string      `bun:"contact_info"`
	OpenTime     string      `bun:"open_time"`
	CloseTime    string      `bun:"close_time"`
	CreatedAt    time.Time   `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	OwnerID      string      `bun:"owner_id"`
	RequiresAuth bool        `bun:"requires_auth,notnull"`
	Version      int64       `bun:"version,notnull,default:1"`
}

// Party is one join entry in a queue; Size counts the people it represents.
type Party struct {
	bun.BaseModel `bun:"table:parties"`

	ID              string      `bun:"id,pk"`
	SessionID       string      `bun:"session_id,notnull"`
	IdentityKey     string      `bun:"identity_key"`
	Name            string      `bun:"name"`
	Size            int         `bun:"size,notnull"`
	Status          PartyStatus `bun:"status,notnull"`
	JoinedAt        time.Time   `bun:"joined_at,nullzero,notnull"`
	Nearby          bool        `bun:"nearby,notnull"`
	CalledAt        *time.Time  `bun:"called_at"`
	CompletedAt     *time.Time  `bun:"completed_at"`
	EstimatedWaitMs int64       `bun:"estimated_wait_ms"`
	PositionAtLeave int         `bun:"position_at_leave"`
	WaitMsAtLeave   int64       `bun:"wait_ms_at_leave"`
}

// User is a stable account identity, linked to one or more OAuth providers.
type User struct {
	bun.BaseModel `bun:"table:users"`

	ID        string    `bun:"id,pk"`
	Email     string    `bun:"email"`
	Name      string    `bun:"name"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// OAuthIdentity links a provider account to a User. The primary key is
// (provider, provider_user_id) so a provider id always resolves to exactly
// one local user.
type OAuthIdentity struct {
	bun.BaseModel `bun:"table:oauth_identities"`

	Provider       string `bun:"provider,pk"`
	ProviderUserID string `bun:"provider_user_id,pk"`
	UserID         string `bun:"user_id,notnull"`
}

// UserSession is a server-side record of an issued session token; only the
// SHA-256 hash of the raw token is ever stored.
type UserSession struct {
	bun.BaseModel `bun:"table:user_sessions"`

	TokenHash string    `bun:"token_hash,pk"`
	UserID    string    `bun:"user_id,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// ExchangeToken is a one-shot token used to hand a freshly-created session
// off across an origin boundary (native apps, cross-origin redirects).
type ExchangeToken struct {
	bun.BaseModel `bun:"table:exchange_tokens"`

	TokenHash string    `bun:"token_hash,pk"`
	UserID    string    `bun:"user_id,notnull"`
	Used      bool      `bun:"used,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// OAuthState is a one-shot CSRF state value created at the start of an
// OAuth flow and consumed (deleted) when the provider redirects back.
type OAuthState struct {
	bun.BaseModel `bun:"table:oauth_states"`

	State       string    `bun:"state,pk"`
	Provider    string    `bun:"provider,notnull"`
	Platform    string    `bun:"platform"`
	RedirectURI string    `bun:"redirect_uri"`
	ReturnTo    string    `bun:"return_to"`
	ExpiresAt   time.Time `bun:"expires_at,notnull"`
}

// PushSubscription is a Web Push endpoint a browser registered for a
// specific party in a specific queue.
type PushSubscription struct {
	bun.BaseModel `bun:"table:push_subscriptions"`

	Endpoint  string    `bun:"endpoint,pk"`
	P256dh    string    `bun:"p256dh,notnull"`
	Auth      string    `bun:"auth,notnull"`
	SessionID string    `bun:"session_id,notnull"`
	PartyID   string    `bun:"party_id,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// PushSent records a dedup key once a notification of a given kind has
// been delivered for a party, so repeats are skipped. A failed delivery
// records nothing.
type PushSent struct {
	bun.BaseModel `bun:"table:push_sent"`

	SessionID string    `bun:"session_id,pk"`
	PartyID   string    `bun:"party_id,pk"`
	Kind      string    `bun:"kind,pk"`
	SentAt    time.Time `bun:"sent_at,nullzero,notnull,default:current_timestamp"`
}

// Event is one append-only analytics row.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID          int64     `bun:"id,pk,autoincrement"`
	SessionID   string    `bun:"session_id"`
	PartyID     string    `bun:"party_id"`
	Type        string    `bun:"type,notnull"`
	TS          time.Time `bun:"ts,nullzero,notnull,default:current_timestamp"`
	DetailsJSON string    `bun:"details_json"`
}
