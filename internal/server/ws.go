package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/ensembleai/ensemble/internal/common/errors"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by whatever fronts this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamExecution replays an execution's event history and follows the
// live stream until the hub closes after the terminal event.
func (s *Server) streamExecution(c *gin.Context) {
	exec, ok := s.deps.Orchestrator.Get(c.Param("id"))
	if !ok {
		respondError(c, apperrors.NotFound("execution", c.Param("id")))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	replay, ch, cancel := exec.Hub.Subscribe()
	defer cancel()

	events := make(chan any, len(replay)+1)
	for _, ev := range replay {
		events <- ev
	}
	done := make(chan struct{})
	go forward(ch, events, done)

	s.writePump(conn, events)
	close(done)
}

// streamInstance follows an instance's live event stream.
func (s *Server) streamInstance(c *gin.Context) {
	ch, cancel, err := s.deps.Instances.Subscribe(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	conn, upgradeErr := upgrader.Upgrade(c.Writer, c.Request, nil)
	if upgradeErr != nil {
		cancel()
		s.logger.Warn("websocket upgrade failed", zap.Error(upgradeErr))
		return
	}
	defer cancel()

	events := make(chan any, 1)
	done := make(chan struct{})
	go forward(ch, events, done)

	s.writePump(conn, events)
	close(done)
}

// forward copies subscription events into the write pump's channel. The
// done channel releases the goroutine when the peer disconnects while
// events are still buffered upstream.
func forward[T any](ch <-chan T, events chan<- any, done <-chan struct{}) {
	defer close(events)
	for ev := range ch {
		select {
		case events <- ev:
		case <-done:
			return
		}
	}
}

// writePump marshals events to the peer with ping/pong keepalive; a
// reader goroutine consumes control frames and surfaces peer closes.
func (s *Server) writePump(conn *websocket.Conn, events <-chan any) {
	defer conn.Close()

	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Stream finished; tell the peer before hanging up.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("marshal stream event failed", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-peerGone:
			return
		}
	}
}
