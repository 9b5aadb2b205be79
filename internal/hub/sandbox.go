package hub

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventIngester lets the sandbox socket's inbound events reach the Sandbox
// Event Router without the hub importing that package (same pattern as
// Enqueuer/PromptDriver — avoids import cycles by keeping the dependency
// direction hub -> {lifecycle}, others -> hub).
type EventIngester interface {
	IngestEvent(ctx context.Context, raw json.RawMessage)
}

// SetEventIngester wires the Sandbox Event Router in after construction.
func (h *Hub) SetEventIngester(e EventIngester) { h.eventIngester = e }

// sandboxConn wraps the single sandbox WebSocket connection and satisfies
// lifecycle.SandboxSocket.
type sandboxConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
	mu      sync.Mutex
}

func newSandboxConn(conn *websocket.Conn) *sandboxConn {
	return &sandboxConn{conn: conn}
}

func (s *sandboxConn) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *sandboxConn) Send(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *sandboxConn) Close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.conn.Close()
}

// readPump consumes opaque sandbox->coordinator events and hands each off
// to the Sandbox Event Router for persistence and dispatch (§4.5).
func (sc *sandboxConn) readPump(h *Hub, ctx context.Context) {
	defer func() {
		sc.mu.Lock()
		sc.closed = true
		sc.mu.Unlock()
		h.handleSandboxDisconnect(sc)
		sc.conn.Close()
	}()

	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		if h.eventIngester != nil {
			h.eventIngester.IngestEvent(ctx, json.RawMessage(raw))
		} else {
			log.Printf("hub: dropped sandbox event, no ingester wired: %s", raw)
		}
	}
}
