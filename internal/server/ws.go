package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleLogStream upgrades to a websocket and streams log records: the
// configured burst of recent records first, then live records in publish
// order. Token checks happen before the upgrade (requireObserverToken runs
// as middleware), so a rejected client gets a clean 401, not a broken socket.
func (s *Server) handleLogStream(c *gin.Context) {
	sub, err := s.bus.Subscribe(s.cfg.LogBurst)
	if err != nil {
		c.JSON(503, gin.H{"error": gin.H{"kind": "Unavailable", "message": err.Error()}})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.bus.Unsubscribe(sub)
		s.logger.Warn("log stream upgrade failed: %v", err)
		return
	}
	defer func() {
		s.bus.Unsubscribe(sub)
		conn.Close()
	}()

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// what surfaces close frames and pong responses.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-sub.Records():
			if !ok {
				// Dropped for falling behind, or the bus closed.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
