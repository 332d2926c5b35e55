// Package analytics appends coordinator and auth-surface events to the
// durable event log. It is the emitter side of §4.5 only — aggregation
// queries and CSV export are explicitly out of scope.
package analytics

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rjsadow/waitline/internal/coordinator"
	"github.com/rjsadow/waitline/internal/store"
)

const mailboxSize = 4096

// Sink implements coordinator.EventSink. Publish never blocks the
// coordinator's writer: it hands off to a background goroutine with a
// bounded mailbox, and appends are logged and swallowed on failure.
type Sink struct {
	db      *store.DB
	mailbox chan coordinator.Emission
	stopCh  chan struct{}
}

func NewSink(db *store.DB) *Sink {
	return &Sink{
		db:      db,
		mailbox: make(chan coordinator.Emission, mailboxSize),
		stopCh:  make(chan struct{}),
	}
}

func (s *Sink) Start() { go s.run() }
func (s *Sink) Stop()  { close(s.stopCh) }

func (s *Sink) Publish(e coordinator.Emission) {
	select {
	case s.mailbox <- e:
	default:
		slog.Warn("analytics: mailbox full, dropping event", "sessionId", e.SessionID, "type", e.Kind)
	}
}

func (s *Sink) run() {
	for {
		select {
		case e := <-s.mailbox:
			s.append(e)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Sink) append(e coordinator.Emission) {
	details := "{}"
	if len(e.Details) > 0 {
		if b, err := json.Marshal(e.Details); err == nil {
			details = string(b)
		}
	}
	row := &store.Event{
		SessionID:   e.SessionID,
		PartyID:     e.PartyID,
		Type:        string(e.Kind),
		TS:          e.TS,
		DetailsJSON: details,
	}
	if err := s.db.AppendEvent(row); err != nil {
		slog.Error("analytics: append failed", "error", err)
	}
}

// Mark appends a join-funnel marker (qr_scanned, join_started,
// join_completed, abandon_after_eta) directly, outside the coordinator's
// emission stream, since these originate in the router before any
// coordinator action is accepted.
func (s *Sink) Mark(sessionID, partyID, markType string) {
	s.Publish(coordinator.Emission{SessionID: sessionID, PartyID: partyID, Kind: coordinator.EventKind(markType), TS: time.Now()})
}
