package hub

import (
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"vtt/internal/scene"
)

// Session is one connected client: a websocket plus the profile the client
// announced at upgrade time.
type Session struct {
	ID   string
	Name string
	Role scene.Role

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// enqueue hands a marshaled event to the session's write pump without
// blocking. It reports false when the buffer is full, which marks the
// session as a slow consumer.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// reject refuses the session with a policy-violation close frame and tears
// it down. Control frames may be written concurrently with the write pump.
func (s *Session) reject(reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second))
	s.close()
}

// close shuts the connection down exactly once. The pumps notice and exit,
// which triggers hub cleanup.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readPump consumes client intents until the connection drops. Disconnect
// cleanup happens here: the session leaves every room it was in.
func (s *Session) readPump() {
	defer func() {
		s.hub.detach(s)
		s.close()
	}()

	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.logger.Error("ws read", slog.String("session", s.ID), slog.String("error", err.Error()))
			}
			return
		}

		var intent Intent
		if err := json.Unmarshal(message, &intent); err != nil {
			s.hub.logger.Error("bad intent", slog.String("session", s.ID), slog.String("error", err.Error()))
			continue
		}
		s.hub.handleIntent(s, intent)
		s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.ReadTimeout))
	}
}

// writePump serializes all writes to the connection and keeps it alive with
// pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.hub.logger.Error("ws write", slog.String("session", s.ID), slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteTimeout))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
