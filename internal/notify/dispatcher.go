package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rjsadow/waitline/internal/coordinator"
	"github.com/rjsadow/waitline/internal/store"
)

const dispatcherMailboxSize = 4096

// Dispatcher consumes coordinator emissions and converts the ones that
// carry a NotifyKind into deduplicated Web Push deliveries. It implements
// coordinator.EventSink; Publish is non-blocking so a slow or stalled
// dispatcher never back-pressures a queue's writer, per §4.4/§9.
type Dispatcher struct {
	db      *store.DB
	keys    *VAPIDKeys
	subject string
	sender  Sender

	mailbox chan coordinator.Emission
	stopCh  chan struct{}
}

func NewDispatcher(db *store.DB, keys *VAPIDKeys, subject string, sender Sender) *Dispatcher {
	if sender == nil {
		sender = NewHTTPSender()
	}
	return &Dispatcher{
		db:      db,
		keys:    keys,
		subject: subject,
		sender:  sender,
		mailbox: make(chan coordinator.Emission, dispatcherMailboxSize),
		stopCh:  make(chan struct{}),
	}
}

func (d *Dispatcher) Start() { go d.run() }
func (d *Dispatcher) Stop()  { close(d.stopCh) }

// Publish implements coordinator.EventSink.
func (d *Dispatcher) Publish(e coordinator.Emission) {
	select {
	case d.mailbox <- e:
	default:
		slog.Warn("notify: dispatcher mailbox full, dropping emission", "sessionId", e.SessionID, "partyId", e.PartyID)
	}
}

func (d *Dispatcher) run() {
	for {
		select {
		case e := <-d.mailbox:
			d.handle(context.Background(), e)
		case <-d.stopCh:
			return
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, e coordinator.Emission) {
	if e.NotifyKind == "" {
		return
	}
	d.deliver(ctx, e.SessionID, e.PartyID, e.NotifyKind, bodyFor(e), true)
}

// SendDirect delivers an ad-hoc notification outside the coordinator's
// emission stream: join_confirm (on push subscribe) and test (diagnostic,
// never deduplicated).
func (d *Dispatcher) SendDirect(ctx context.Context, sessionID, partyID, kind, body string, dedup bool) {
	d.deliver(ctx, sessionID, partyID, kind, body, dedup)
}

func bodyFor(e coordinator.Emission) string {
	switch e.NotifyKind {
	case "called":
		remaining := "now"
		if e.Deadline != nil {
			if mins := int(time.Until(*e.Deadline).Round(time.Minute) / time.Minute); mins > 0 {
				remaining = fmt.Sprintf("in %d min", mins)
			}
		}
		return fmt.Sprintf("You're up! Please check in %s.", remaining)
	case "pos_2":
		return "You're almost up — 2nd in line."
	case "pos_5":
		return "You're getting close — 5th in line."
	default:
		return "Queue update."
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sessionID, partyID, kind, body string, dedup bool) {
	if dedup {
		sent, err := d.db.HasPushSent(sessionID, partyID, kind)
		if err != nil {
			slog.Error("notify: dedup check failed", "error", err)
			return
		}
		if sent {
			return
		}
	}

	if d.keys == nil {
		slog.Warn("notify: VAPID keys not configured, skipping delivery")
		return
	}

	subs, err := d.db.GetPushSubscriptionsForParty(partyID)
	if err != nil {
		slog.Error("notify: failed to load subscriptions", "error", err)
		return
	}

	delivered := false
	for _, sub := range subs {
		auth, err := d.keys.Authorization(sub.Endpoint, d.subject)
		if err != nil {
			slog.Error("notify: vapid assertion failed", "error", err)
			continue
		}

		payload := Payload{Title: "Waitline", Body: body, Kind: kind}
		status, err := d.sender.Send(ctx, sub.Endpoint, auth, defaultTTL, payload)
		if err != nil {
			slog.Warn("notify: push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}

		switch {
		case status >= 200 && status < 300:
			delivered = true
		case status == http.StatusNotFound || status == http.StatusGone:
			if err := d.db.DeletePushSubscription(sub.Endpoint); err != nil {
				slog.Error("notify: failed to purge stale subscription", "error", err)
			}
		default:
			slog.Warn("notify: push gateway returned non-2xx", "status", status, "endpoint", sub.Endpoint)
		}
	}

	if delivered && dedup {
		if err := d.db.RecordPushSent(sessionID, partyID, kind); err != nil {
			slog.Error("notify: failed to record dedup row", "error", err)
		}
	}
}
