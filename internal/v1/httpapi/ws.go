package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/andrewginns/wikirace-arena/internal/v1/logging"
)

// splitHostPort splits a request Host header into host and port, tolerating
// a bare host with no port (net.SplitHostPort would error on that case).
func splitHostPort(hostport string) (host, port string, err error) {
	if host, port, err = net.SplitHostPort(hostport); err == nil {
		return host, port, nil
	}
	return hostport, "", nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	WriteBufferPool: &sync.Pool{},
	// The arena UI is served from a different origin during local
	// development (Vite dev server); origin checking is handled upstream
	// by the CORS-configured allow-list, not here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// roomWebSocket handles GET /rooms/{id}/ws: upgrades the connection, pushes
// one full snapshot immediately, marks the player connected, then blocks
// reading (and discarding) frames until the socket closes (§4.6 — the
// channel is push-only, clients never send commands).
func (s *Server) roomWebSocket(c *gin.Context) {
	playerID := c.Query("player_id")
	roomCode := c.Param("id")

	room, err := s.Reg.Get(roomCode)
	if err != nil {
		c.JSON(http.StatusNotFound, detail("room not found"))
		return
	}

	if s.RateLimiter != nil {
		if !s.RateLimiter.CheckWebSocket(c) {
			return
		}
		if playerID != "" {
			if err := s.RateLimiter.CheckWebSocketPlayer(c.Request.Context(), playerID); err != nil {
				c.JSON(http.StatusTooManyRequests, detail("too many connections for this player"))
				return
			}
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	detach := s.Hub.Attach(roomCode, playerID, conn, room)
	if playerID != "" {
		s.Orchestrator.SetPlayerConnected(c.Request.Context(), roomCode, playerID, true)
	}

	defer func() {
		detach()
		conn.Close()
		if playerID != "" && !s.Hub.ConnectedPlayerIDs(roomCode)[playerID] {
			s.Orchestrator.SetPlayerConnected(c.Request.Context(), roomCode, playerID, false)
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
