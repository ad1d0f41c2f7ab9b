// Package broadcast manages the set of WebSocket connections attached to
// each room and fans a full room-state snapshot out to them.
package broadcast

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
	"github.com/andrewginns/wikirace-arena/internal/v1/metrics"
)

// Frame is the single message shape pushed to attached sockets: a full
// room snapshot, never a delta.
type Frame struct {
	Type string `json:"type"`
	Room any    `json:"room"`
}

// socket pairs a connection with the player id (if any) it was attached
// under, so disconnect can flip that player's connected flag.
type socket struct {
	conn     *websocket.Conn
	playerID string
}

// Hub owns the per-room socket sets for the whole process.
type Hub struct {
	mu      sync.Mutex
	sockets map[string]map[*socket]struct{}
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{sockets: make(map[string]map[*socket]struct{})}
}

// Attach registers conn under roomCode and immediately sends it one
// snapshot frame. Returns a detach func the caller must invoke exactly
// once (typically in the handler's read-loop defer) when the socket
// closes.
func (h *Hub) Attach(roomCode, playerID string, conn *websocket.Conn, initialRoom any) (detach func()) {
	s := &socket{conn: conn, playerID: playerID}

	h.mu.Lock()
	set, ok := h.sockets[roomCode]
	if !ok {
		set = make(map[*socket]struct{})
		h.sockets[roomCode] = set
	}
	set[s] = struct{}{}
	metrics.IncConnection()
	h.mu.Unlock()

	_ = conn.WriteJSON(Frame{Type: "room_state", Room: initialRoom})

	return func() {
		h.mu.Lock()
		if set, ok := h.sockets[roomCode]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.sockets, roomCode)
			}
		}
		metrics.DecConnection()
		h.mu.Unlock()
	}
}

// Broadcast pushes a full room snapshot to every socket attached to
// roomCode. It is fan-out-then-reap: every socket in the snapshot gets a
// concurrent send attempt, and any socket whose send fails is removed
// from the room's set after the pass completes — a slow or dead socket
// never stalls the others.
func (h *Hub) Broadcast(ctx context.Context, roomCode string, room any) {
	h.mu.Lock()
	set, ok := h.sockets[roomCode]
	if !ok || len(set) == 0 {
		h.mu.Unlock()
		return
	}
	snapshot := make([]*socket, 0, len(set))
	for s := range set {
		snapshot = append(snapshot, s)
	}
	h.mu.Unlock()

	frame := Frame{Type: "room_state", Room: room}

	var wg sync.WaitGroup
	dead := make([]*socket, 0)
	var deadMu sync.Mutex

	for _, s := range snapshot {
		wg.Add(1)
		go func(s *socket) {
			defer wg.Done()
			if err := s.conn.WriteJSON(frame); err != nil {
				deadMu.Lock()
				dead = append(dead, s)
				deadMu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	metrics.BroadcastFanout.Observe(float64(len(snapshot)))

	if len(dead) == 0 {
		return
	}

	h.mu.Lock()
	if set, ok := h.sockets[roomCode]; ok {
		for _, s := range dead {
			delete(set, s)
		}
		if len(set) == 0 {
			delete(h.sockets, roomCode)
		}
	}
	h.mu.Unlock()

	metrics.BroadcastDeadSockets.Add(float64(len(dead)))
	for _, s := range dead {
		_ = s.conn.Close()
	}
	logging.Warn(ctx, "reaped dead sockets during broadcast", zap.String("room_id", roomCode), zap.Int("count", len(dead)))
}

// ConnectedPlayerIDs returns the distinct player ids with at least one
// live socket attached to roomCode — used to decide whether a
// disconnecting socket should flip a player's connected flag to false
// (it shouldn't, if another tab/socket for the same player is still up).
func (h *Hub) ConnectedPlayerIDs(roomCode string) map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make(map[string]bool)
	for s := range h.sockets[roomCode] {
		if s.playerID != "" {
			result[s.playerID] = true
		}
	}
	return result
}

// SocketCount returns the number of live sockets attached to roomCode.
func (h *Hub) SocketCount(roomCode string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets[roomCode])
}
