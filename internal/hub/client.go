package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Enqueuer lets a client socket's `prompt` message reach the Prompt Queue
// without the hub importing the queue package directly (queue depends on
// the hub for dispatch, so the hub takes this narrow interface instead).
type Enqueuer interface {
	EnqueueFromClient(ctx context.Context, participantID, content, model, attachments string)
}

// SetEnqueuer wires the prompt queue's enqueue path in after construction.
func (h *Hub) SetEnqueuer(e Enqueuer) { h.enqueuer = e }

// clientConn wraps one authenticated client WebSocket. gorilla/websocket
// connections support only one concurrent writer, so every send goes
// through writeMu.
type clientConn struct {
	socketID      string
	participantID string
	clientID      string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newClientConn(socketID string, conn *websocket.Conn) *clientConn {
	return &clientConn{socketID: socketID, conn: conn}
}

func (c *clientConn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// readPump processes client->server messages until the socket closes
// (§6 client message types).
func (c *clientConn) readPump(h *Hub, ctx context.Context) {
	defer func() {
		h.removeClient(c.socketID)
		c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			_ = c.send(serverMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
		case "typing":
			sess, err := h.store.GetSession()
			if err == nil {
				h.ctl.Warm(ctx, sess)
			}
		case "prompt":
			if h.enqueuer != nil {
				h.enqueuer.EnqueueFromClient(ctx, c.participantID, msg.Content, msg.Model, msg.Attachments)
			}
		case "stop":
			if err := h.SendToSandbox(map[string]string{"type": "stop"}); err != nil {
				log.Printf("hub: stop command failed, no sandbox connected: %v", err)
			}
		case "presence":
			snapshot := h.updatePresence(c.socketID, c.participantID, msg.Status, msg.Cursor)
			h.Broadcast("presence_update", map[string]any{"participants": snapshot})
		case "subscribe":
			// already authenticated; a repeat subscribe is ignored
		default:
			_ = c.send(serverMessage{Type: "error", Code: "INVALID_MESSAGE", Message: "unknown message type " + msg.Type})
		}
	}
}
