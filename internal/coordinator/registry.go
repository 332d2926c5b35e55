package coordinator

import (
	"sync"

	"github.com/rjsadow/waitline/internal/config"
	"github.com/rjsadow/waitline/internal/store"
)

// EventSink receives every emission a coordinator produces. Implementations
// (the notification dispatcher, the analytics sink) must not block —
// Publish is called from the coordinator's single writer goroutine.
type EventSink interface {
	Publish(e Emission)
}

// Registry is the map of live per-queue coordinators, loaded on first
// access. The map is not sharded: one mutex guards every lookup. A
// coordinator stays registered until Evict removes it, and EvictClosed
// does so only for closed queues, so an open queue's coordinator stays
// loaded whether or not subscribers are attached or writes are recent.
// GetOrCreate is idempotent under races: the loser of a
// concurrent create disposes its candidate and returns the winner's,
// exactly as §9 specifies for the router's coordinator lookup.
type Registry struct {
	mu     sync.Mutex
	queues map[string]*Coordinator

	db   *store.DB
	cfg  *config.Config
	sink EventSink
}

// NewRegistry constructs an empty registry bound to the durable store and
// the configured call window / ETA tuning.
func NewRegistry(db *store.DB, cfg *config.Config, sink EventSink) *Registry {
	return &Registry{
		queues: make(map[string]*Coordinator),
		db:     db,
		cfg:    cfg,
		sink:   sink,
	}
}

// GetOrCreate returns the live coordinator for sessionID, rebuilding it
// from the durable store on first access.
func (r *Registry) GetOrCreate(sessionID string) (*Coordinator, error) {
	r.mu.Lock()
	if c, ok := r.queues[sessionID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	c, err := newCoordinator(sessionID, r.db, r.cfg, r.sink)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.queues[sessionID]; ok {
		// Lost the race: dispose our candidate, return the winner's.
		c.stop()
		return existing, nil
	}
	r.queues[sessionID] = c
	c.start()
	return c, nil
}

// Peek returns the live coordinator for sessionID without constructing
// one, for callers that must not trigger a cold-start rebuild (e.g. a
// short-code lookup miss that should 404, not resurrect).
func (r *Registry) Peek(sessionID string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.queues[sessionID]
	return c, ok
}

// MultiSink fans an emission out to every constituent sink in order.
// Each constituent must itself be non-blocking; MultiSink adds no
// buffering of its own.
type MultiSink []EventSink

func (m MultiSink) Publish(e Emission) {
	for _, s := range m {
		s.Publish(e)
	}
}

// Evict stops and removes a coordinator; EvictClosed uses it to reap
// closed queues. No open queue's coordinator is evicted by age or idleness.
func (r *Registry) Evict(sessionID string) {
	r.mu.Lock()
	c, ok := r.queues[sessionID]
	if ok {
		delete(r.queues, sessionID)
	}
	r.mu.Unlock()
	if ok {
		c.stop()
	}
}

// EvictClosed reaps every live coordinator whose queue has closed: a
// closed queue takes no further mutations, so keeping its actor goroutine
// and mailbox warm only wastes memory. Returns the evicted sessionIds.
func (r *Registry) EvictClosed() []string {
	r.mu.Lock()
	var closed []string
	for sessionID, c := range r.queues {
		if c.Current().Status == store.QueueClosed {
			closed = append(closed, sessionID)
		}
	}
	r.mu.Unlock()

	for _, sessionID := range closed {
		r.Evict(sessionID)
	}
	return closed
}
