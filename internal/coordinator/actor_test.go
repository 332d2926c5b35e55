package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/waitline/internal/apperr"
	"github.com/rjsadow/waitline/internal/config"
	"github.com/rjsadow/waitline/internal/store"
)

type recordingSink struct {
	mu        sync.Mutex
	emissions []Emission
}

func (s *recordingSink) Publish(e Emission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emissions = append(s.emissions, e)
}

func (s *recordingSink) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emissions {
		if e.NotifyKind == kind {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		CallWindow:  2 * time.Minute,
		MailboxSize: 64,
		ETAPrior:    5 * time.Minute,
		ETAHistoryN: 20,
	}
}

func newTestCoordinator(t *testing.T, maxGuests int) (*Coordinator, *store.DB, *recordingSink) {
	t.Helper()
	db, err := store.OpenDB("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessionID := uuid.NewString()
	q := &store.Queue{
		SessionID: sessionID,
		ShortCode: "ABCD23",
		Status:    store.QueueActive,
		EventName: "Taco Night",
		MaxGuests: maxGuests,
		CreatedAt: time.Now(),
		Version:   1,
	}
	if err := db.CreateQueue(q); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	sink := &recordingSink{}
	c, err := newCoordinator(sessionID, db, testConfig(), sink)
	if err != nil {
		t.Fatalf("newCoordinator: %v", err)
	}
	c.start()
	t.Cleanup(c.stop)
	return c, db, sink
}

func TestJoinAssignsSequentialPositions(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 3)
	ctx := context.Background()

	snapA, err := c.Join(ctx, JoinInput{Name: "A", Size: 2})
	if err != nil {
		t.Fatalf("join A: %v", err)
	}
	if len(snapA.Waiting) != 1 || snapA.Waiting[0].Position != 1 {
		t.Fatalf("expected A at position 1, got %+v", snapA.Waiting)
	}

	snapB, err := c.Join(ctx, JoinInput{Name: "B", Size: 1})
	if err != nil {
		t.Fatalf("join B: %v", err)
	}
	if len(snapB.Waiting) != 2 || snapB.Waiting[1].Position != 2 {
		t.Fatalf("expected B at position 2, got %+v", snapB.Waiting)
	}
}

func TestAdvanceServesThenCallsNext(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 3)
	ctx := context.Background()

	snapA, _ := c.Join(ctx, JoinInput{Name: "A", Size: 2})
	_, _ = c.Join(ctx, JoinInput{Name: "B", Size: 1})

	snap, err := c.Advance(ctx, AdvanceInput{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if snap.NowServing == nil || snap.NowServing.ID != snapA.Waiting[0].ID {
		t.Fatalf("expected A now serving, got %+v", snap.NowServing)
	}

	aID := snap.NowServing.ID
	snap, err = c.Advance(ctx, AdvanceInput{ServedParty: aID})
	if err != nil {
		t.Fatalf("advance serve A: %v", err)
	}
	if snap.NowServing == nil {
		t.Fatalf("expected B now serving, got nil")
	}
	if len(snap.Waiting) != 0 {
		t.Fatalf("expected no one waiting, got %+v", snap.Waiting)
	}
}

func TestQueueFullRejectsJoin(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 1)
	ctx := context.Background()

	if _, err := c.Join(ctx, JoinInput{Name: "A", Size: 1}); err != nil {
		t.Fatalf("join A: %v", err)
	}
	_, err := c.Join(ctx, JoinInput{Name: "B", Size: 1})
	ae, ok := apperr.As(err)
	if !ok || ae.Code() != "queue_full" {
		t.Fatalf("expected queue_full, got %v", err)
	}
}

func TestAtMostOneCalledInvariant(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 5)
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C"} {
		if _, err := c.Join(ctx, JoinInput{Name: name, Size: 1}); err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
	}

	snap, err := c.Advance(ctx, AdvanceInput{})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	firstCalled := snap.NowServing.ID

	// Advancing again without confirming completion must not call a
	// second party.
	snap, err = c.Advance(ctx, AdvanceInput{})
	if err != nil {
		t.Fatalf("advance again: %v", err)
	}
	if snap.NowServing.ID != firstCalled {
		t.Fatalf("now-serving changed without a servedParty confirmation: %+v", snap.NowServing)
	}
}

func TestLeaveOnTerminalPartyIsNoop(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 5)
	ctx := context.Background()

	snap, _ := c.Join(ctx, JoinInput{Name: "A", Size: 1})
	id := snap.Waiting[0].ID

	if _, err := c.Leave(ctx, id); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if _, err := c.Leave(ctx, id); err != nil {
		t.Fatalf("second leave on terminal party should be a no-op success, got %v", err)
	}
}

func TestDeclareNearbyIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 5)
	ctx := context.Background()

	snap, _ := c.Join(ctx, JoinInput{Name: "A", Size: 1})
	id := snap.Waiting[0].ID

	s1, err := c.DeclareNearby(ctx, id)
	if err != nil {
		t.Fatalf("declareNearby: %v", err)
	}
	s2, err := c.DeclareNearby(ctx, id)
	if err != nil {
		t.Fatalf("declareNearby repeat: %v", err)
	}
	if s1.Version != s2.Version {
		t.Fatalf("repeat declareNearby must not bump version: %d -> %d", s1.Version, s2.Version)
	}
}

func TestClosedQueueRejectsJoin(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 5)
	ctx := context.Background()

	if _, err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := c.Join(ctx, JoinInput{Name: "A", Size: 1})
	ae, ok := apperr.As(err)
	if !ok || ae.Code() != "queue_closed" {
		t.Fatalf("expected queue_closed, got %v", err)
	}
}

func TestPositionThresholdEmittedOnce(t *testing.T) {
	c, _, sink := newTestCoordinator(t, 20)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		snap, err := c.Join(ctx, JoinInput{Name: "p", Size: 1})
		if err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
		ids = append(ids, snap.Waiting[len(snap.Waiting)-1].ID)
	}

	for i := 0; i < 5; i++ {
		snap, err := c.Advance(ctx, AdvanceInput{})
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if snap.NowServing == nil {
			t.Fatalf("advance %d: expected someone serving", i)
		}
		if _, err := c.Advance(ctx, AdvanceInput{ServedParty: snap.NowServing.ID}); err != nil {
			t.Fatalf("serve %d: %v", i, err)
		}
	}

	if got := sink.count("pos_5"); got == 0 {
		t.Fatalf("expected at least one pos_5 emission")
	}
	if got := sink.count("pos_2"); got == 0 {
		t.Fatalf("expected at least one pos_2 emission")
	}

	// The 10th joiner should have crossed each threshold exactly once
	// regardless of how many advances happened.
	lastID := ids[len(ids)-1]
	crossings := 0
	sink.mu.Lock()
	for _, e := range sink.emissions {
		if e.PartyID == lastID && e.NotifyKind == "pos_5" {
			crossings++
		}
	}
	sink.mu.Unlock()
	if crossings != 1 {
		t.Fatalf("expected pos_5 emitted exactly once for party %s, got %d", lastID, crossings)
	}
}

func TestCallTimeoutMarksNoShow(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 5)
	c.cfg.CallWindow = 30 * time.Millisecond
	ctx := context.Background()

	snap, _ := c.Join(ctx, JoinInput{Name: "A", Size: 1})
	id := snap.Waiting[0].ID

	if _, err := c.Advance(ctx, AdvanceInput{}); err != nil {
		t.Fatalf("advance: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		cur := c.Current()
		if cur.NowServing == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for call-window expiry of party %s", id)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
