package coordinator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/waitline/internal/apperr"
	"github.com/rjsadow/waitline/internal/config"
	"github.com/rjsadow/waitline/internal/store"
)

const (
	maxNameLength = 100
	subscriberBuf = 8
)

var positionThresholds = []int{2, 5}

type actionMsg struct {
	fn       func() (Snapshot, error)
	resultCh chan actionResult
}

type actionResult struct {
	snap Snapshot
	err  error
}

// Coordinator is the single-writer actor for one queue. All fields below
// this comment are touched only from the run() goroutine; everything
// above is safe for concurrent use.
type Coordinator struct {
	sessionID string
	db        *store.DB
	cfg       *config.Config
	sink      EventSink

	mailbox chan actionMsg
	stopCh  chan struct{}

	current atomic.Value // Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	// actor-owned state
	queue         store.Queue
	parties       map[string]*store.Party
	calledPartyID string
	version       int64
	callTimer     *time.Timer
	eta           *etaEstimator
	lastPosition  map[string]int
	notified      map[string]map[string]bool // partyID -> notifyKind -> emitted
}

func newCoordinator(sessionID string, db *store.DB, cfg *config.Config, sink EventSink) (*Coordinator, error) {
	q, err := db.GetQueue(sessionID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, apperr.ErrNotFound
	}

	rows, err := db.ListParties(sessionID)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		sessionID:    sessionID,
		db:           db,
		cfg:          cfg,
		sink:         sink,
		mailbox:      make(chan actionMsg, cfg.MailboxSize),
		stopCh:       make(chan struct{}),
		subs:         make(map[chan Snapshot]struct{}),
		queue:        *q,
		parties:      make(map[string]*store.Party, len(rows)),
		version:      q.Version,
		eta:          newETAEstimator(cfg.ETAPrior, cfg.ETAHistoryN),
		lastPosition: make(map[string]int),
		notified:     make(map[string]map[string]bool),
	}

	var served []*store.Party
	for _, p := range rows {
		c.parties[p.ID] = p
		if p.Status == store.PartyCalled {
			c.calledPartyID = p.ID
		}
		if p.Status == store.PartyServed && p.CompletedAt != nil {
			served = append(served, p)
		}
	}
	sort.Slice(served, func(i, j int) bool { return served[i].CompletedAt.Before(*served[j].CompletedAt) })
	if len(served) > cfg.ETAHistoryN {
		served = served[len(served)-cfg.ETAHistoryN:]
	}
	for _, p := range served {
		c.eta.observe(p.CompletedAt.Sub(p.JoinedAt))
	}

	if c.calledPartyID != "" {
		called := c.parties[c.calledPartyID]
		remaining := time.Until(called.CalledAt.Add(cfg.CallWindow))
		if remaining < 0 {
			remaining = 0
		}
		c.callTimer = time.NewTimer(remaining)
	}

	c.current.Store(c.buildSnapshot())
	return c, nil
}

func (c *Coordinator) start() { go c.run() }

func (c *Coordinator) stop() {
	close(c.stopCh)
	c.subMu.Lock()
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
	c.subMu.Unlock()
}

// Current returns the most recently published snapshot without touching
// the writer's mailbox — readers never block writes.
func (c *Coordinator) Current() Snapshot {
	return c.current.Load().(Snapshot)
}

// Subscribe attaches a buffered channel that receives every future
// snapshot. The caller must call the returned unsubscribe func when done.
func (c *Coordinator) Subscribe() (ch chan Snapshot, unsubscribe func()) {
	ch = make(chan Snapshot, subscriberBuf)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, ch)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) broadcast(snap Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// slow subscriber: drop, do not back-pressure the writer.
		}
	}
}

func (c *Coordinator) run() {
	for {
		var timerC <-chan time.Time
		if c.callTimer != nil {
			timerC = c.callTimer.C
		}
		select {
		case msg := <-c.mailbox:
			snap, err := msg.fn()
			msg.resultCh <- actionResult{snap, err}
		case <-timerC:
			c.handleCallTimeout()
		case <-c.stopCh:
			return
		}
	}
}

// submit enqueues fn for serialized execution by the writer, rejecting
// immediately with busy above the mailbox high-water mark rather than
// blocking the caller.
func (c *Coordinator) submit(ctx context.Context, fn func() (Snapshot, error)) (Snapshot, error) {
	resultCh := make(chan actionResult, 1)
	select {
	case c.mailbox <- actionMsg{fn: fn, resultCh: resultCh}:
	default:
		return Snapshot{}, apperr.ErrBusy
	}
	select {
	case res := <-resultCh:
		return res.snap, res.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// --- public actions ---

func (c *Coordinator) Join(ctx context.Context, in JoinInput) (Snapshot, error) {
	return c.submit(ctx, func() (Snapshot, error) { return c.doJoin(in) })
}

func (c *Coordinator) DeclareNearby(ctx context.Context, partyID string) (Snapshot, error) {
	return c.submit(ctx, func() (Snapshot, error) { return c.doDeclareNearby(partyID) })
}

func (c *Coordinator) Leave(ctx context.Context, partyID string) (Snapshot, error) {
	return c.submit(ctx, func() (Snapshot, error) { return c.doLeave(partyID) })
}

func (c *Coordinator) Advance(ctx context.Context, in AdvanceInput) (Snapshot, error) {
	return c.submit(ctx, func() (Snapshot, error) { return c.doAdvance(in) })
}

func (c *Coordinator) Kick(ctx context.Context, partyID string) (Snapshot, error) {
	return c.submit(ctx, func() (Snapshot, error) { return c.doKick(partyID) })
}

func (c *Coordinator) Close(ctx context.Context) (Snapshot, error) {
	return c.submit(ctx, func() (Snapshot, error) { return c.doClose() })
}

// --- action bodies (run only on the writer goroutine) ---

func (c *Coordinator) doJoin(in JoinInput) (Snapshot, error) {
	if c.queue.Status == store.QueueClosed {
		return Snapshot{}, apperr.ErrQueueClosed
	}
	if in.Size < 1 {
		return Snapshot{}, apperr.New(apperr.KindInvalidInput, "size must be at least 1")
	}
	if len(in.Name) > maxNameLength {
		return Snapshot{}, apperr.New(apperr.KindInvalidInput, "name exceeds maximum length")
	}
	if c.activeCount() >= c.queue.MaxGuests {
		return Snapshot{}, apperr.ErrQueueFull
	}
	if c.queue.RequiresAuth && in.IdentityKey != "" {
		for _, p := range c.parties {
			if p.IdentityKey == in.IdentityKey && (p.Status == store.PartyWaiting || p.Status == store.PartyCalled) {
				return Snapshot{}, apperr.ErrAlreadyJoined
			}
		}
	}

	now := time.Now()
	p := &store.Party{
		ID:          uuid.NewString(),
		SessionID:   c.sessionID,
		IdentityKey: in.IdentityKey,
		Name:        in.Name,
		Size:        in.Size,
		Status:      store.PartyWaiting,
		JoinedAt:    now,
	}
	if err := c.db.CreateParty(p); err != nil {
		return Snapshot{}, apperr.New(apperr.KindStorageError, err.Error())
	}
	c.parties[p.ID] = p

	c.recomputeWaiting()
	if err := c.bumpVersion(); err != nil {
		return Snapshot{}, err
	}
	c.emit(Emission{SessionID: c.sessionID, PartyID: p.ID, Kind: EventMemberJoined, TS: now})
	return c.publish(), nil
}

func (c *Coordinator) doDeclareNearby(partyID string) (Snapshot, error) {
	p, ok := c.parties[partyID]
	if !ok {
		return Snapshot{}, apperr.ErrNotFound
	}
	if p.Nearby {
		return c.Current(), nil // idempotent: no change, no broadcast
	}
	p.Nearby = true
	if err := c.db.SaveParty(p); err != nil {
		return Snapshot{}, apperr.New(apperr.KindStorageError, err.Error())
	}
	if err := c.bumpVersion(); err != nil {
		return Snapshot{}, err
	}
	return c.publish(), nil
}

func (c *Coordinator) doLeave(partyID string) (Snapshot, error) {
	p, ok := c.parties[partyID]
	if !ok {
		return Snapshot{}, apperr.ErrNotFound
	}
	if p.Status != store.PartyWaiting && p.Status != store.PartyCalled {
		return c.Current(), nil // already terminal: no-op success
	}

	now := time.Now()
	if p.Status == store.PartyCalled {
		c.clearCalled(p.ID)
		p.PositionAtLeave = 0
	} else {
		p.PositionAtLeave = c.lastPosition[p.ID]
	}
	p.WaitMsAtLeave = now.Sub(p.JoinedAt).Milliseconds()
	p.Status = store.PartyLeft
	p.CompletedAt = &now

	if err := c.db.SaveParty(p); err != nil {
		return Snapshot{}, apperr.New(apperr.KindStorageError, err.Error())
	}
	c.recomputeWaiting()
	if err := c.bumpVersion(); err != nil {
		return Snapshot{}, err
	}
	c.emit(Emission{SessionID: c.sessionID, PartyID: p.ID, Kind: EventMemberLeft, TS: now})
	return c.publish(), nil
}

func (c *Coordinator) doAdvance(in AdvanceInput) (Snapshot, error) {
	if c.queue.Status == store.QueueClosed {
		return Snapshot{}, apperr.ErrQueueClosed
	}

	now := time.Now()

	if in.ServedParty != "" {
		p, ok := c.parties[in.ServedParty]
		if !ok || p.ID != c.calledPartyID {
			return Snapshot{}, apperr.New(apperr.KindInvalidInput, "servedParty is not the party currently being served")
		}
		p.Status = store.PartyServed
		p.CompletedAt = &now
		if err := c.db.SaveParty(p); err != nil {
			return Snapshot{}, apperr.New(apperr.KindStorageError, err.Error())
		}
		c.eta.observe(now.Sub(p.JoinedAt))
		c.clearCalled(p.ID)
		c.emit(Emission{SessionID: c.sessionID, PartyID: p.ID, Kind: EventMemberServed, TS: now})
	} else if c.calledPartyID != "" {
		// Someone is already being served and the host did not confirm
		// completion: nothing to advance to without violating the
		// at-most-one-called invariant.
		return c.Current(), nil
	}

	var next *store.Party
	if in.NextParty != "" {
		p, ok := c.parties[in.NextParty]
		if !ok || p.Status != store.PartyWaiting {
			return Snapshot{}, apperr.New(apperr.KindInvalidInput, "nextParty is not currently waiting")
		}
		next = p
	} else {
		next = c.headOfLine()
	}

	if next != nil {
		next.Status = store.PartyCalled
		next.CalledAt = &now
		if err := c.db.SaveParty(next); err != nil {
			return Snapshot{}, apperr.New(apperr.KindStorageError, err.Error())
		}
		c.calledPartyID = next.ID
		deadline := now.Add(c.cfg.CallWindow)
		c.resetCallTimer(c.cfg.CallWindow)
		c.emit(Emission{SessionID: c.sessionID, PartyID: next.ID, Kind: EventMemberCalled, NotifyKind: "called", Deadline: &deadline, TS: now})
	}

	c.recomputeWaiting()
	if err := c.bumpVersion(); err != nil {
		return Snapshot{}, err
	}
	return c.publish(), nil
}

func (c *Coordinator) doKick(partyID string) (Snapshot, error) {
	if c.queue.Status == store.QueueClosed {
		return Snapshot{}, apperr.ErrQueueClosed
	}
	p, ok := c.parties[partyID]
	if !ok {
		return Snapshot{}, apperr.ErrNotFound
	}
	if isTerminal(p.Status) {
		return c.Current(), nil // already terminal: no-op success
	}

	now := time.Now()
	if p.ID == c.calledPartyID {
		c.clearCalled(p.ID)
	}
	p.Status = store.PartyKicked
	p.CompletedAt = &now

	if err := c.db.SaveParty(p); err != nil {
		return Snapshot{}, apperr.New(apperr.KindStorageError, err.Error())
	}
	c.recomputeWaiting()
	if err := c.bumpVersion(); err != nil {
		return Snapshot{}, err
	}
	c.emit(Emission{SessionID: c.sessionID, PartyID: p.ID, Kind: EventMemberKicked, TS: now})
	return c.publish(), nil
}

func (c *Coordinator) doClose() (Snapshot, error) {
	if c.queue.Status == store.QueueClosed {
		return c.Current(), nil // already closed: idempotent
	}
	version, err := c.db.CloseQueue(c.sessionID)
	if err != nil {
		return Snapshot{}, apperr.New(apperr.KindStorageError, err.Error())
	}
	c.queue.Status = store.QueueClosed
	c.version = version
	c.emit(Emission{SessionID: c.sessionID, Kind: EventQueueClosed, TS: time.Now()})
	return c.publish(), nil
}

func (c *Coordinator) handleCallTimeout() {
	c.callTimer = nil
	partyID := c.calledPartyID
	if partyID == "" {
		return
	}
	p, ok := c.parties[partyID]
	if !ok || p.Status != store.PartyCalled {
		return
	}

	now := time.Now()
	p.Status = store.PartyNoShow
	p.CompletedAt = &now
	if err := c.db.SaveParty(p); err != nil {
		// Persistence failure on a timer fire: leave in-memory state as
		// "called" so the next host action or restart can retry; do not
		// clear calledPartyID.
		p.Status = store.PartyCalled
		p.CompletedAt = nil
		return
	}
	c.calledPartyID = ""
	c.recomputeWaiting()
	if err := c.bumpVersion(); err != nil {
		return
	}
	c.emit(Emission{SessionID: c.sessionID, PartyID: p.ID, Kind: EventMemberNoShow, TS: now})
	c.publish()
}

// --- helpers ---

func (c *Coordinator) activeCount() int {
	n := 0
	for _, p := range c.parties {
		if p.Status == store.PartyWaiting || p.Status == store.PartyCalled {
			n++
		}
	}
	return n
}

func (c *Coordinator) headOfLine() *store.Party {
	var head *store.Party
	for _, p := range c.parties {
		if p.Status != store.PartyWaiting {
			continue
		}
		if head == nil || lessParty(p, head) {
			head = p
		}
	}
	return head
}

func lessParty(a, b *store.Party) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ID < b.ID
}

func isTerminal(s store.PartyStatus) bool {
	switch s {
	case store.PartyServed, store.PartyLeft, store.PartyNoShow, store.PartyKicked:
		return true
	}
	return false
}

func (c *Coordinator) clearCalled(partyID string) {
	if c.calledPartyID != partyID {
		return
	}
	c.calledPartyID = ""
	if c.callTimer != nil {
		c.callTimer.Stop()
		c.callTimer = nil
	}
}

func (c *Coordinator) resetCallTimer(d time.Duration) {
	if c.callTimer != nil {
		c.callTimer.Stop()
	}
	c.callTimer = time.NewTimer(d)
}

// recomputeWaiting recomputes 1-based positions and ETAs for every
// waiting party and enqueues pos_2/pos_5 notifications on downward
// threshold crossings.
func (c *Coordinator) recomputeWaiting() {
	var waiting []*store.Party
	for _, p := range c.parties {
		if p.Status == store.PartyWaiting {
			waiting = append(waiting, p)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return lessParty(waiting[i], waiting[j]) })

	for i, p := range waiting {
		position := i + 1
		p.EstimatedWaitMs = c.eta.estimate(position).Milliseconds()

		prev, seen := c.lastPosition[p.ID]
		c.lastPosition[p.ID] = position
		for _, threshold := range positionThresholds {
			crossed := position <= threshold && (!seen || prev > threshold)
			if !crossed {
				continue
			}
			kind := "pos_5"
			if threshold == 2 {
				kind = "pos_2"
			}
			if c.notified[p.ID] == nil {
				c.notified[p.ID] = make(map[string]bool)
			}
			if c.notified[p.ID][kind] {
				continue
			}
			c.notified[p.ID][kind] = true
			c.emit(Emission{SessionID: c.sessionID, PartyID: p.ID, Kind: EventPosThreshold, NotifyKind: kind, TS: time.Now()})
		}
	}
}

func (c *Coordinator) bumpVersion() error {
	v, err := c.db.BumpQueueVersion(c.sessionID)
	if err != nil {
		return apperr.New(apperr.KindStorageError, err.Error())
	}
	c.version = v
	return nil
}

func (c *Coordinator) emit(e Emission) {
	if c.sink != nil {
		c.sink.Publish(e)
	}
}

func (c *Coordinator) publish() Snapshot {
	snap := c.buildSnapshot()
	c.current.Store(snap)
	c.broadcast(snap)
	return snap
}

func (c *Coordinator) buildSnapshot() Snapshot {
	var waiting []PartyView
	var serving *PartyView

	var ordered []*store.Party
	for _, p := range c.parties {
		if p.Status == store.PartyWaiting {
			ordered = append(ordered, p)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return lessParty(ordered[i], ordered[j]) })
	for i, p := range ordered {
		waiting = append(waiting, PartyView{
			ID: p.ID, Name: p.Name, Size: p.Size, Status: p.Status,
			Nearby: p.Nearby, JoinedAt: p.JoinedAt, Position: i + 1,
			EstimatedWaitMs: p.EstimatedWaitMs,
		})
	}

	if c.calledPartyID != "" {
		if p, ok := c.parties[c.calledPartyID]; ok {
			v := PartyView{ID: p.ID, Name: p.Name, Size: p.Size, Status: p.Status, Nearby: p.Nearby, JoinedAt: p.JoinedAt}
			serving = &v
		}
	}

	var deadline *time.Time
	if c.calledPartyID != "" {
		if p, ok := c.parties[c.calledPartyID]; ok && p.CalledAt != nil {
			d := p.CalledAt.Add(c.cfg.CallWindow)
			deadline = &d
		}
	}

	return Snapshot{
		SessionID:    c.sessionID,
		Status:       c.queue.Status,
		Version:      c.version,
		Waiting:      waiting,
		NowServing:   serving,
		MaxGuests:    c.queue.MaxGuests,
		CallDeadline: deadline,
	}
}
