// Package stream serves the live snapshot channel at
// /api/queue/{code}/connect. It is adapted from the teacher's
// internal/sse.Hub — same per-client buffered-channel fan-out and
// heartbeat shape — but upgrades to a gorilla/websocket connection
// instead of text/event-stream, since the queue-create response carries
// a literal wsUrl field (§6) rather than an SSE URL.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjsadow/waitline/internal/coordinator"
)

const (
	// clientBufSize is the per-client snapshot channel buffer. A client
	// that falls behind has its connection closed rather than letting
	// the coordinator's broadcast block on it.
	clientBufSize = 8

	heartbeatInterval = 30 * time.Second
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin allow-listing happens in router.CORS
}

// wireSnapshot is the JSON message pushed over the socket on every
// broadcast and on initial connect.
type wireSnapshot struct {
	Type     string               `json:"type"`
	Snapshot coordinator.Snapshot `json:"snapshot"`
}

// Hub serves one coordinator's live snapshot stream. It holds no
// per-connection state beyond what ServeHTTP needs locally; all fan-out
// happens through the coordinator's own Subscribe/broadcast.
type Hub struct {
	registry *coordinator.Registry
}

func NewHub(registry *coordinator.Registry) *Hub {
	return &Hub{registry: registry}
}

// ServeHTTP upgrades the request and streams snapshots for sessionID
// until the client disconnects or the coordinator is evicted. Callers
// resolve the short code to a sessionID and authenticate (host cookie or
// party identity) before calling this.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, sessionID string) {
	c, ok := h.registry.Peek(sessionID)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("stream: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	snapshots, unsubscribe := c.Subscribe()
	defer unsubscribe()

	send := make(chan coordinator.Snapshot, clientBufSize)
	done := make(chan struct{})
	go h.writePump(conn, send, done)

	current := c.Current()
	if sinceVersion, ok := parseSinceVersion(r); !ok || sinceVersion != current.Version {
		select {
		case send <- current:
		default:
		}
	}

	go h.readPump(conn, done)

	for {
		select {
		case snap, ok := <-snapshots:
			if !ok {
				safeClose(done)
				return
			}
			select {
			case send <- snap:
			default:
				// Client is behind; drop it rather than block the
				// coordinator's broadcast.
				safeClose(done)
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send <-chan coordinator.Snapshot, done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-send:
			if !ok {
				return
			}
			body, err := json.Marshal(wireSnapshot{Type: "queue_update", Snapshot: snap})
			if err != nil {
				slog.Error("stream: marshal snapshot failed", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				safeClose(done)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				safeClose(done)
				return
			}
		case <-done:
			return
		}
	}
}

// readPump drains control frames and detects client-initiated close;
// this connection never expects application-level reads from the client.
func (h *Hub) readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			safeClose(done)
			return
		}
	}
}

func safeClose(done chan struct{}) {
	select {
	case <-done:
	default:
		close(done)
	}
}

func parseSinceVersion(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
