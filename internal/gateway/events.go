package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 10 * time.Second
	wsWriteTimeout = 5 * time.Second
	// subBuffer bounds a subscriber's queue; a stalled client drops
	// events rather than blocking the publisher.
	subBuffer = 64
)

// Event is one orchestration event pushed to WebSocket clients.
type Event struct {
	Type    string      `json:"type"` // status, task_result
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// Publish fans an event out to all connected WebSocket clients. Slow
// clients miss events instead of applying backpressure.
func (s *Server) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Server) subscribe() chan Event {
	ch := make(chan Event, subBuffer)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// handleWebSocket upgrades the connection and streams events. On connect
// the client gets a full status snapshot, then pushed events as they occur.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}

	s.log.Info("websocket client connected", slog.String("remote", r.RemoteAddr))

	// Subscribe before the snapshot so no event falls in the gap.
	sub := s.subscribe()
	defer s.unsubscribe(sub)

	snapshot := Event{Type: "status", Time: time.Now().UTC(), Payload: s.statusPayload()}
	if err := writeEvent(conn, snapshot); err != nil {
		_ = conn.Close()
		return
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: clients send nothing, but reading detects disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case <-done:
			return
		case event := <-sub:
			if err := writeEvent(conn, event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, event Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(event)
}
