package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// DB wraps the bun.DB connection and dialect selection, exactly as the
// teacher's db.DB wraps its own connection.
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns "sqlite" or "postgres".
func (d *DB) DBType() string { return d.dbType }

// Open opens a sqlite database at the given path (convenience wrapper).
func Open(path string) (*DB, error) {
	return OpenDB("sqlite", path)
}

// OpenDB opens a database connection for the given type and DSN, runs
// pending migrations, and returns the handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		conn.SetMaxIdleConns(1)
	}

	if err := runMigrations(conn, dbType); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB, dbType: dbType}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.bun.Close() }

// Ping checks the underlying connection, for readiness probes.
func (d *DB) Ping() error { return d.bun.PingContext(ctx()) }

func ctx() context.Context { return context.Background() }

// HashToken returns the hex-encoded SHA-256 hash of a raw token. Only the
// hash is ever persisted; the caller retains the raw value.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// --- Queue ---

func (d *DB) CreateQueue(q *Queue) error {
	_, err := d.bun.NewInsert().Model(q).Exec(ctx())
	return err
}

func (d *DB) GetQueue(sessionID string) (*Queue, error) {
	q := new(Queue)
	err := d.bun.NewSelect().Model(q).Where("session_id = ?", sessionID).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return q, err
}

func (d *DB) GetQueueByShortCode(code string) (*Queue, error) {
	q := new(Queue)
	err := d.bun.NewSelect().Model(q).Where("short_code = ?", code).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return q, err
}

// ShortCodeExists is used by the router's rejection-sampling generator to
// check candidate codes for collisions.
func (d *DB) ShortCodeExists(code string) (bool, error) {
	count, err := d.bun.NewSelect().Model((*Queue)(nil)).Where("short_code = ?", code).Count(ctx())
	return count > 0, err
}

// CloseQueue marks a queue closed and bumps its version, returning the new
// version so the caller can broadcast a terminal snapshot with it.
func (d *DB) CloseQueue(sessionID string) (int64, error) {
	var version int64
	err := d.bun.RunInTx(ctx(), nil, func(txCtx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*Queue)(nil)).
			Set("status = ?", QueueClosed).
			Set("version = version + 1").
			Where("session_id = ?", sessionID).
			Exec(txCtx)
		if err != nil {
			return err
		}
		return tx.NewSelect().Model((*Queue)(nil)).Column("version").
			Where("session_id = ?", sessionID).Scan(txCtx, &version)
	})
	return version, err
}

// BumpQueueVersion increments and returns the new version number, used as
// both the ETag and the subscriber resume token.
func (d *DB) BumpQueueVersion(sessionID string) (int64, error) {
	var version int64
	err := d.bun.RunInTx(ctx(), nil, func(txCtx context.Context, tx bun.Tx) error {
		_, err := tx.NewUpdate().Model((*Queue)(nil)).
			Set("version = version + 1").
			Where("session_id = ?", sessionID).
			Exec(txCtx)
		if err != nil {
			return err
		}
		return tx.NewSelect().Model((*Queue)(nil)).Column("version").
			Where("session_id = ?", sessionID).Scan(txCtx, &version)
	})
	return version, err
}

// --- Party ---

func (d *DB) CreateParty(p *Party) error {
	_, err := d.bun.NewInsert().Model(p).Exec(ctx())
	return err
}

func (d *DB) SaveParty(p *Party) error {
	_, err := d.bun.NewUpdate().Model(p).WherePK().Exec(ctx())
	return err
}

func (d *DB) GetParty(id string) (*Party, error) {
	p := new(Party)
	err := d.bun.NewSelect().Model(p).Where("id = ?", id).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListParties returns every party row for a queue, ordered by join time.
// Used both by the HTTP snapshot path and by the coordinator's cold-start
// rebuild.
func (d *DB) ListParties(sessionID string) ([]*Party, error) {
	var parties []*Party
	err := d.bun.NewSelect().Model(&parties).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC", "id ASC").
		Scan(ctx())
	return parties, err
}

// CountActiveParties counts parties with status in {waiting, called} —
// the count that maxGuests caps.
func (d *DB) CountActiveParties(sessionID string) (int, error) {
	count, err := d.bun.NewSelect().Model((*Party)(nil)).
		Where("session_id = ? AND status IN (?, ?)", sessionID, PartyWaiting, PartyCalled).
		Count(ctx())
	return count, err
}

// FindActivePartyByIdentity looks for a non-terminal party sharing the
// given identity key in the queue, used to enforce already_joined.
func (d *DB) FindActivePartyByIdentity(sessionID, identityKey string) (*Party, error) {
	if identityKey == "" {
		return nil, nil
	}
	p := new(Party)
	err := d.bun.NewSelect().Model(p).
		Where("session_id = ? AND identity_key = ? AND status IN (?, ?)", sessionID, identityKey, PartyWaiting, PartyCalled).
		Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// --- Events ---

// AppendEvent inserts an analytics row. Failures are the caller's to log
// and swallow — this call must never propagate as a mutation failure.
func (d *DB) AppendEvent(e *Event) error {
	_, err := d.bun.NewInsert().Model(e).Exec(ctx())
	return err
}

func (d *DB) ListEvents(sessionID string) ([]*Event, error) {
	var events []*Event
	err := d.bun.NewSelect().Model(&events).Where("session_id = ?", sessionID).Order("id ASC").Scan(ctx())
	return events, err
}

// --- Push subscriptions ---

func (d *DB) UpsertPushSubscription(s *PushSubscription) error {
	_, err := d.bun.NewInsert().Model(s).
		On("CONFLICT (endpoint) DO UPDATE").
		Set("p256dh = EXCLUDED.p256dh").
		Set("auth = EXCLUDED.auth").
		Set("session_id = EXCLUDED.session_id").
		Set("party_id = EXCLUDED.party_id").
		Exec(ctx())
	return err
}

func (d *DB) GetPushSubscriptionsForParty(partyID string) ([]*PushSubscription, error) {
	var subs []*PushSubscription
	err := d.bun.NewSelect().Model(&subs).Where("party_id = ?", partyID).Scan(ctx())
	return subs, err
}

func (d *DB) DeletePushSubscription(endpoint string) error {
	_, err := d.bun.NewDelete().Model((*PushSubscription)(nil)).Where("endpoint = ?", endpoint).Exec(ctx())
	return err
}

// --- Push dedup ---

// HasPushSent reports whether a (sessionId, partyId, kind) dedup record
// already exists.
func (d *DB) HasPushSent(sessionID, partyID, kind string) (bool, error) {
	count, err := d.bun.NewSelect().Model((*PushSent)(nil)).
		Where("session_id = ? AND party_id = ? AND kind = ?", sessionID, partyID, kind).
		Count(ctx())
	return count > 0, err
}

// RecordPushSent inserts the dedup row; a duplicate insert (lost race) is
// not an error — the dispatcher only needs at-least-one record to exist.
func (d *DB) RecordPushSent(sessionID, partyID, kind string) error {
	_, err := d.bun.NewInsert().Model(&PushSent{SessionID: sessionID, PartyID: partyID, Kind: kind}).
		On("CONFLICT DO NOTHING").
		Exec(ctx())
	return err
}

// --- Users & OAuth identities ---

func (d *DB) CreateUser(u *User) error {
	_, err := d.bun.NewInsert().Model(u).Exec(ctx())
	return err
}

func (d *DB) GetUserByID(id string) (*User, error) {
	u := new(User)
	err := d.bun.NewSelect().Model(u).Where("id = ?", id).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (d *DB) GetUserByEmail(email string) (*User, error) {
	if email == "" {
		return nil, nil
	}
	u := new(User)
	err := d.bun.NewSelect().Model(u).Where("email = ?", email).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (d *DB) GetUserByProviderID(provider, providerUserID string) (*User, error) {
	ident := new(OAuthIdentity)
	err := d.bun.NewSelect().Model(ident).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.GetUserByID(ident.UserID)
}

func (d *DB) LinkOAuthIdentity(provider, providerUserID, userID string) error {
	_, err := d.bun.NewInsert().Model(&OAuthIdentity{
		Provider: provider, ProviderUserID: providerUserID, UserID: userID,
	}).Exec(ctx())
	return err
}

// --- User sessions ---

// CreateSession persists SHA256(rawToken) keyed as the session id.
func (d *DB) CreateSession(tokenHash, userID string, expiresAt time.Time) error {
	_, err := d.bun.NewInsert().Model(&UserSession{
		TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt,
	}).Exec(ctx())
	return err
}

// ValidateSession looks up a session by token hash and returns the user
// iff it exists and has not expired.
func (d *DB) ValidateSession(tokenHash string) (*User, error) {
	s := new(UserSession)
	err := d.bun.NewSelect().Model(s).Where("token_hash = ?", tokenHash).Scan(ctx())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return d.GetUserByID(s.UserID)
}

func (d *DB) DeleteSession(tokenHash string) error {
	_, err := d.bun.NewDelete().Model((*UserSession)(nil)).Where("token_hash = ?", tokenHash).Exec(ctx())
	return err
}

// --- Exchange tokens ---

func (d *DB) CreateExchangeToken(tokenHash, userID string, expiresAt time.Time) error {
	_, err := d.bun.NewInsert().Model(&ExchangeToken{
		TokenHash: tokenHash, UserID: userID, Used: false, ExpiresAt: expiresAt,
	}).Exec(ctx())
	return err
}

// ConsumeExchangeToken atomically marks the token used and returns the
// owning userId, iff it was unused and unexpired. Exactly one concurrent
// caller succeeds; all others receive ("", nil) — mirrored as an atomic
// conditional UPDATE guarded by a rows-affected check inside one
// transaction, never a read-then-write.
func (d *DB) ConsumeExchangeToken(tokenHash string) (userID string, err error) {
	err = d.bun.RunInTx(ctx(), nil, func(txCtx context.Context, tx bun.Tx) error {
		var tok ExchangeToken
		if scanErr := tx.NewSelect().Model(&tok).Where("token_hash = ?", tokenHash).Scan(txCtx); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return nil
			}
			return scanErr
		}

		res, updErr := tx.NewUpdate().Model((*ExchangeToken)(nil)).
			Set("used = ?", true).
			Where("token_hash = ? AND used = ? AND expires_at > ?", tokenHash, false, time.Now()).
			Exec(txCtx)
		if updErr != nil {
			return updErr
		}
		n, _ := res.RowsAffected()
		if n == 1 {
			userID = tok.UserID
		}
		return nil
	})
	return userID, err
}

// --- OAuth state ---

func (d *DB) SaveOAuthState(state *OAuthState) error {
	_, err := d.bun.NewInsert().Model(state).Exec(ctx())
	return err
}

// ConsumeOAuthState atomically deletes and returns the state row, so a
// replayed callback with the same state is rejected. The DELETE's
// rows-affected count is the source of truth, not the preceding SELECT:
// under concurrent consumption only one transaction's DELETE affects a
// row, mirroring ConsumeExchangeToken's guarded UPDATE.
func (d *DB) ConsumeOAuthState(state string) (*OAuthState, error) {
	var entry OAuthState
	err := d.bun.RunInTx(ctx(), nil, func(txCtx context.Context, tx bun.Tx) error {
		if scanErr := tx.NewSelect().Model(&entry).Where("state = ?", state).Scan(txCtx); scanErr != nil {
			return scanErr
		}
		res, delErr := tx.NewDelete().Model((*OAuthState)(nil)).Where("state = ?", state).Exec(txCtx)
		if delErr != nil {
			return delErr
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return sql.ErrNoRows
		}
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.ExpiresAt.Before(time.Now()) {
		return nil, nil
	}
	return &entry, nil
}

// CleanupExpiredOAuthStates removes stale state rows; called periodically
// so an abandoned flow doesn't linger in the table forever.
func (d *DB) CleanupExpiredOAuthStates() error {
	_, err := d.bun.NewDelete().Model((*OAuthState)(nil)).Where("expires_at < ?", time.Now()).Exec(ctx())
	return err
}
