package router

import (
	"sync"
	"time"

	"github.com/rjsadow/waitline/internal/store"
)

// shortCodeCacheTTL bounds how long a cached shortCode->sessionId mapping
// is trusted before a miss forces a durable refresh. The mapping is
// immutable once a code is assigned, so staleness here only ever means an
// extra round-trip, never a wrong answer (§4.2: "stale entries are
// acceptable, fallback to durable lookup and refresh").
const shortCodeCacheTTL = 30 * time.Second

type directoryEntry struct {
	sessionID string
	expiresAt time.Time
}

// ShortCodeDirectory resolves shortCode -> sessionId: KV cache first, then
// durable lookup, with write-through on miss (§4.2). Modeled on the
// teacher's sessions.Manager in-memory map guarded by a single mutex,
// scaled down from its session-lifecycle cleanup loop to a plain TTL
// since short codes, unlike sessions, never need active eviction.
type ShortCodeDirectory struct {
	mu      sync.RWMutex
	entries map[string]directoryEntry
}

// NewShortCodeDirectory returns an empty directory ready for use.
func NewShortCodeDirectory() *ShortCodeDirectory {
	return &ShortCodeDirectory{entries: make(map[string]directoryEntry)}
}

// Resolve returns the sessionId owning code, consulting the cache before
// falling back to db and writing the result through on a miss or expiry.
// A not-found result is never cached, so a code created moments ago is
// visible immediately rather than waiting out a negative-cache TTL.
func (d *ShortCodeDirectory) Resolve(db *store.DB, code string) (string, error) {
	d.mu.RLock()
	entry, ok := d.entries[code]
	d.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.sessionID, nil
	}

	q, err := db.GetQueueByShortCode(code)
	if err != nil {
		return "", err
	}
	if q == nil {
		return "", nil
	}

	d.mu.Lock()
	d.entries[code] = directoryEntry{sessionID: q.SessionID, expiresAt: time.Now().Add(shortCodeCacheTTL)}
	d.mu.Unlock()
	return q.SessionID, nil
}

// Invalidate drops a cached mapping. Called when a queue closes, so the
// next Resolve re-reads the durable store. A closed queue keeps its row
// and its short code, so the code still resolves to the same sessionId
// and is never assigned to another queue.
func (d *ShortCodeDirectory) Invalidate(code string) {
	d.mu.Lock()
	delete(d.entries, code)
	d.mu.Unlock()
}
