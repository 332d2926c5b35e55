// Package coordinator implements the per-queue authoritative state machine:
// a single-writer actor that serializes joins, advances, and kicks, runs
// call-window timers, and broadcasts versioned snapshots to subscribers.
// It is the Go-actor analogue of the teacher's sessions.SessionQueue
// (bounded queue of pending work with a dedicated processing loop) crossed
// with its sse.Hub (non-blocking fan-out to slow subscribers).
package coordinator

import (
	"time"

	"github.com/rjsadow/waitline/internal/store"
)

// PartyView is the wire-shape of a single party in a queue_update snapshot.
type PartyView struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Size            int               `json:"size"`
	Status          store.PartyStatus `json:"status"`
	Nearby          bool              `json:"nearby"`
	JoinedAt        time.Time         `json:"joinedAt"`
	Position        int               `json:"position,omitempty"`
	EstimatedWaitMs int64             `json:"estimatedWaitMs,omitempty"`
}

// Snapshot is the full broadcast payload for a queue: the ordered waiting
// list plus now-serving and the monotonic version used as both ETag and
// subscriber resume token.
type Snapshot struct {
	SessionID    string      `json:"sessionId"`
	Status       store.QueueStatus `json:"status"`
	Version      int64       `json:"version"`
	Waiting      []PartyView `json:"waiting"`
	NowServing   *PartyView  `json:"nowServing"`
	MaxGuests    int         `json:"maxGuests"`
	CallDeadline *time.Time  `json:"callDeadline,omitempty"`
}

// EventKind identifies the coordinator-emitted notification/analytics
// events, mirrored from §4 of the design.
type EventKind string

const (
	EventMemberJoined EventKind = "QUEUE_MEMBER_JOINED"
	EventMemberLeft   EventKind = "QUEUE_MEMBER_LEFT"
	EventMemberCalled EventKind = "QUEUE_MEMBER_CALLED"
	EventMemberKicked EventKind = "QUEUE_MEMBER_KICKED"
	EventMemberServed EventKind = "QUEUE_MEMBER_SERVED"
	EventMemberNoShow EventKind = "QUEUE_MEMBER_NO_SHOW"
	EventPosThreshold EventKind = "QUEUE_POSITION_THRESHOLD"
	EventQueueClosed  EventKind = "QUEUE_CLOSED"
)

// Emission is one coordinator-produced event, fed to the notification
// dispatcher and the analytics sink. NotifyKind is non-empty only for
// events that should additionally trigger a push ("called", "pos_2",
// "pos_5"); analytics always receives the event regardless.
type Emission struct {
	SessionID  string
	PartyID    string
	Kind       EventKind
	NotifyKind string // "", "called", "pos_2", "pos_5"
	Deadline   *time.Time
	TS         time.Time
	Details    map[string]any
}

// JoinInput is the validated input to the join action.
type JoinInput struct {
	Name        string
	Size        int
	IdentityKey string
}

// AdvanceInput is the validated input to the advance action.
type AdvanceInput struct {
	ServedParty string
	NextParty   string
}
