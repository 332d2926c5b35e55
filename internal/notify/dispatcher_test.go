package notify

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rjsadow/waitline/internal/coordinator"
	"github.com/rjsadow/waitline/internal/store"
)

// fakeSender records every send attempt instead of hitting a push gateway.
type fakeSender struct {
	mu    sync.Mutex
	sent  []Payload
	reply int
}

func (s *fakeSender) Send(ctx context.Context, endpoint, authorization string, ttl int, payload Payload) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	status := s.reply
	if status == 0 {
		status = http.StatusCreated
	}
	return status, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeSender, *store.DB) {
	t.Helper()
	db, err := store.OpenDB("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	keys, err := ParseVAPIDKeys("public-key-placeholder", testPrivateKey)
	if err != nil {
		t.Fatalf("ParseVAPIDKeys: %v", err)
	}
	sender := &fakeSender{}
	d := NewDispatcher(db, keys, "mailto:ops@example.test", sender)
	return d, sender, db
}

func subscribeParty(t *testing.T, db *store.DB, sessionID, partyID, endpoint string) {
	t.Helper()
	if err := db.UpsertPushSubscription(&store.PushSubscription{
		Endpoint:  endpoint,
		P256dh:    "p256dh-placeholder",
		Auth:      "auth-placeholder",
		SessionID: sessionID,
		PartyID:   partyID,
	}); err != nil {
		t.Fatalf("UpsertPushSubscription: %v", err)
	}
}

func TestDispatcherSkipsDeliveryWithoutVAPIDKeys(t *testing.T) {
	db, err := store.OpenDB("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer db.Close()
	sender := &fakeSender{}
	d := NewDispatcher(db, nil, "mailto:ops@example.test", sender)

	subscribeParty(t, db, "sess-1", "party-1", "https://push.example.test/a")
	d.SendDirect(context.Background(), "sess-1", "party-1", "called", "You're up!", true)

	if sender.count() != 0 {
		t.Fatalf("expected no delivery attempts without VAPID keys, got %d", sender.count())
	}
}

func TestDispatcherDeliversAndDedupesSameKind(t *testing.T) {
	d, sender, db := newTestDispatcher(t)
	subscribeParty(t, db, "sess-1", "party-1", "https://push.example.test/a")

	d.SendDirect(context.Background(), "sess-1", "party-1", "called", "You're up!", true)
	if sender.count() != 1 {
		t.Fatalf("expected one delivery, got %d", sender.count())
	}

	d.SendDirect(context.Background(), "sess-1", "party-1", "called", "You're up!", true)
	if sender.count() != 1 {
		t.Fatalf("expected dedup to suppress a second delivery of the same kind, got %d sends", sender.count())
	}
}

func TestDispatcherDoesNotDedupeAcrossDifferentKinds(t *testing.T) {
	d, sender, db := newTestDispatcher(t)
	subscribeParty(t, db, "sess-1", "party-1", "https://push.example.test/a")

	d.SendDirect(context.Background(), "sess-1", "party-1", "pos_5", "5th in line", true)
	d.SendDirect(context.Background(), "sess-1", "party-1", "pos_2", "2nd in line", true)

	if sender.count() != 2 {
		t.Fatalf("expected both distinct kinds to deliver, got %d sends", sender.count())
	}
}

func TestDispatcherDoesNotDedupeTestDiagnostic(t *testing.T) {
	d, sender, db := newTestDispatcher(t)
	subscribeParty(t, db, "sess-1", "party-1", "https://push.example.test/a")

	d.SendDirect(context.Background(), "sess-1", "party-1", "test", "ping", false)
	d.SendDirect(context.Background(), "sess-1", "party-1", "test", "ping", false)

	if sender.count() != 2 {
		t.Fatalf("expected undeduplicated sends to both go through, got %d", sender.count())
	}
}

func TestDispatcherPublishIgnoresEmptyNotifyKind(t *testing.T) {
	d, sender, db := newTestDispatcher(t)
	subscribeParty(t, db, "sess-1", "party-1", "https://push.example.test/a")

	d.Start()
	defer d.Stop()
	d.Publish(coordinator.Emission{SessionID: "sess-1", PartyID: "party-1", NotifyKind: "", TS: time.Now()})

	time.Sleep(200 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("expected no delivery for an emission with no NotifyKind, got %d", sender.count())
	}
}
