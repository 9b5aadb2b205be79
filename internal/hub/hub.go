// Package hub implements the Connection Hub (§4.2): accepts and
// authenticates inbound WebSocket upgrades from clients and the sandbox,
// fans out broadcasts, and enforces the subscribe-handshake deadline.
//
// A note on "hibernation recovery": the design this is modeled on assumes a
// runtime where the host can evict a connection handler from memory while
// the underlying socket stays open at the edge, then reattach it later by a
// tag. A long-lived Go process has no such primitive — when the process
// restarts, every TCP socket it held closes with it, so there is no live
// connection left to reattach to and no way to skip re-authentication
// without accepting an unauthenticated socket. ws_client_mapping is still
// the durable record of (socket, participant, client); acceptClient uses it
// to retire the row a prior, ungracefully-ended connection left behind, and
// a reconnecting client is still required to subscribe with a valid token.
package hub

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/lifecycle"
	"github.com/anthropics/sandboxctl/server/internal/middleware"
	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin enforced upstream by the transport-layer proxy (§1 out of scope)
}

// PromptDriver re-enters the prompt queue, e.g. after a sandbox socket
// accepts (§4.2 "the prompt queue is re-driven"). Satisfied structurally by
// *queue.Queue; declared here to avoid hub importing the queue package.
type PromptDriver interface {
	Drive(ctx context.Context)
}

// Hub is the per-session Connection Hub.
type Hub struct {
	store *store.Store
	cfg   *config.Config
	ctl   *lifecycle.Controller

	mu       sync.RWMutex
	clients  map[string]*clientConn   // socket id -> conn
	sandbox  *sandboxConn             // nil if not connected
	presence map[string]presenceEntry // socket id -> live presence

	promptQ       PromptDriver
	enqueuer      Enqueuer
	eventIngester EventIngester
}

// New constructs a Hub bound to one session's store. The lifecycle
// controller is wired in afterward via SetController: the two are mutually
// dependent (the controller broadcasts through the hub; the hub hands the
// controller its sandbox socket), so neither can be a constructor argument
// of the other.
func New(st *store.Store, cfg *config.Config) *Hub {
	return &Hub{store: st, cfg: cfg, clients: make(map[string]*clientConn), presence: make(map[string]presenceEntry)}
}

// SetController wires the lifecycle controller in after construction.
func (h *Hub) SetController(ctl *lifecycle.Controller) { h.ctl = ctl }

// SetPromptDriver wires the prompt queue in after construction (the queue
// itself depends on the hub to dispatch commands, so the cycle is broken
// by injecting this after both are built).
func (h *Hub) SetPromptDriver(d PromptDriver) { h.promptQ = d }

// IsSandboxOpen reports whether a sandbox socket is currently connected,
// satisfying queue.SandboxDispatcher.
func (h *Hub) IsSandboxOpen() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sandbox != nil && h.sandbox.IsOpen()
}

// SendToSandbox delivers a command to the connected sandbox, satisfying
// queue.SandboxDispatcher.
func (h *Hub) SendToSandbox(v any) error {
	h.mu.RLock()
	sb := h.sandbox
	h.mu.RUnlock()
	if sb == nil {
		return fmt.Errorf("no sandbox connected")
	}
	return sb.Send(v)
}

// presenceEntry is one connected client's live presence, keyed by socket id
// so a participant connected from more than one client each gets their own
// entry (§6 presence{status, cursor?} / presence_update{participants}).
type presenceEntry struct {
	ParticipantID string `json:"participantId"`
	Status        string `json:"status"`
	Cursor        string `json:"cursor,omitempty"`
}

// updatePresence records a client's reported status/cursor and returns the
// resulting snapshot of every connected client's presence. A blank status
// defaults to "active" rather than being stored as a blank string, since the
// absence of an explicit status still means the client is present.
func (h *Hub) updatePresence(socketID, participantID, status, cursor string) []presenceEntry {
	if status == "" {
		status = "active"
	}
	h.mu.Lock()
	h.presence[socketID] = presenceEntry{ParticipantID: participantID, Status: status, Cursor: cursor}
	snapshot := h.presenceSnapshotLocked()
	h.mu.Unlock()
	return snapshot
}

func (h *Hub) presenceSnapshotLocked() []presenceEntry {
	out := make([]presenceEntry, 0, len(h.presence))
	for _, p := range h.presence {
		out = append(out, p)
	}
	return out
}

func (h *Hub) presenceSnapshot() []presenceEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceSnapshotLocked()
}

// ConnectedClientCount is used as the Inactivity decision's input (§4.4.5).
func (h *Hub) ConnectedClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast implements lifecycle.Broadcaster: deliver a server-originated
// message to every open client socket (sandbox excluded), skipping and
// logging any individual send failure (§4.2 broadcast semantics).
func (h *Hub) Broadcast(msgType string, payload any) {
	msg := serverMessage{Type: msgType}
	mergeServerMessage(&msg, payload)

	h.mu.RLock()
	targets := make([]*clientConn, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(msg); err != nil {
			log.Printf("hub: broadcast to %s failed, skipping: %v", c.socketID, err)
		}
	}
}

// mergeServerMessage flattens a handler-provided payload map into the
// envelope's named fields. Handlers pass simple map[string]... literals;
// this avoids every call site hand-building the full serverMessage struct.
func mergeServerMessage(msg *serverMessage, payload any) {
	if payload == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	if v, ok := fields["status"].(string); ok {
		msg.Status = v
	}
	if v, ok := fields["message"].(string); ok {
		msg.Message = v
	}
	if v, ok := fields["error"].(string); ok {
		msg.Error = v
	}
	if v, ok := fields["imageId"].(string); ok {
		msg.ImageID = v
	}
	if v, ok := fields["reason"].(string); ok {
		msg.Reason = v
	}
	if v, ok := fields["code"].(string); ok {
		msg.Code = v
	}
	if _, ok := fields["event"]; ok {
		msg.Event = fields["event"]
	}
	if _, ok := fields["participants"]; ok {
		msg.Participants = fields["participants"]
	}
	if _, ok := fields["artifact"]; ok {
		msg.Artifact = fields["artifact"]
	}
}

// ServeHTTP upgrades the connection, classifying it as sandbox (declared by
// ?type=sandbox) or client (§4.2).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: upgrade failed: %v", err)
		return
	}

	if r.URL.Query().Get("type") == "sandbox" {
		h.acceptSandbox(r.Context(), conn, r)
		return
	}
	h.acceptClient(r.Context(), conn)
}

// acceptSandbox validates the bearer token and sandbox id against the
// persisted sandbox row before accepting (§4.2).
func (h *Hub) acceptSandbox(ctx context.Context, conn *websocket.Conn, r *http.Request) {
	token := bearerToken(r)
	sandboxID := r.URL.Query().Get("sandboxId")

	sb, err := h.store.GetSandbox()
	if err != nil {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4001, "no sandbox record"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	if sb.Status == model.SandboxStopped || sb.Status == model.SandboxStale {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(410, "sandbox terminated"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	if !middleware.ConstantTimeEquals(token, sb.AuthToken) || subtle.ConstantTimeCompare([]byte(sandboxID), []byte(sb.ExternalSandboxID)) != 1 {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeInvalidAuth, "invalid sandbox credentials"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	h.mu.Lock()
	previous := h.sandbox
	sc := newSandboxConn(conn)
	h.sandbox = sc
	h.mu.Unlock()

	if previous != nil {
		previous.Close(1000, "New sandbox connecting")
	}

	h.ctl.SetSandboxSocket(sc)
	_ = h.store.SetSandboxStatus(model.SandboxReady)
	_ = h.store.StampActivity(time.Now())
	h.Broadcast("sandbox_status", map[string]string{"status": string(model.SandboxReady)})

	if h.promptQ != nil {
		h.promptQ.Drive(ctx)
	}

	go sc.readPump(h, ctx)
}

// acceptClient performs the subscribe handshake under a 30-second deadline
// (§4.2), replaying history on success.
func (h *Hub) acceptClient(ctx context.Context, conn *websocket.Conn) {
	socketID := uuid.NewString()
	c := newClientConn(socketID, conn)

	deadline := h.cfg.AuthDeadline
	conn.SetReadDeadline(time.Now().Add(deadline))

	var authenticated bool
	timer := time.AfterFunc(deadline, func() {
		if !authenticated {
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeAuthTimeout, "Authentication timeout"), time.Now().Add(time.Second))
			conn.Close()
		}
	})

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			timer.Stop()
			conn.Close()
			return
		}
		if msg.Type != "subscribe" {
			continue // ignore anything before subscribe, per §4.2
		}

		participant, err := h.store.GetParticipantByWSTokenHash(middleware.HashWSToken(msg.Token))
		if err != nil {
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCodeInvalidAuth, "Invalid authentication token"), time.Now().Add(time.Second))
			conn.Close()
			timer.Stop()
			return
		}

		authenticated = true
		timer.Stop()
		conn.SetReadDeadline(time.Time{})

		c.participantID = participant.ID
		c.clientID = msg.ClientID
		h.mu.Lock()
		h.clients[socketID] = c
		h.mu.Unlock()

		if msg.ReconnectSocketID != "" && msg.ReconnectSocketID != socketID {
			if prior, err := h.store.GetWSClientMapping(msg.ReconnectSocketID); err == nil && prior.ParticipantID == participant.ID {
				_ = h.store.DeleteWSClientMapping(msg.ReconnectSocketID)
			}
		}

		_ = h.store.UpsertWSClientMapping(&model.WSClientMapping{
			SocketID: socketID, ParticipantID: participant.ID, ClientID: msg.ClientID,
		})

		h.sendHistory(c, socketID, participant)
		go c.readPump(h, ctx)
		return
	}
}

// sendHistory replays up to 100 messages + 500 events interleaved by
// creation timestamp, followed by current presence (§4.2). The echoed
// socket id lets the client present it as ReconnectSocketID on its next
// subscribe, so a later reconnect can retire this mapping row.
func (h *Hub) sendHistory(c *clientConn, socketID string, participant *model.Participant) {
	sess, _ := h.store.GetSession()
	msg := serverMessage{Type: "subscribed", SocketID: socketID, ParticipantID: participant.ID, Participant: participant}
	if sess != nil {
		msg.SessionID = sess.ID
		msg.State = sess
	}
	_ = c.send(msg)

	messages, _ := h.store.RecentMessages(100)
	events, _ := h.store.RecentEvents(500)
	replay := interleave(messages, events)
	for _, item := range replay {
		_ = c.send(item)
	}

	participants, _ := h.store.ListParticipants()
	_ = c.send(serverMessage{Type: "presence_sync", Participants: participants})
}

func interleave(messages []*model.Message, events []*model.Event) []any {
	out := make([]any, 0, len(messages)+len(events))
	mi, ei := 0, 0
	for mi < len(messages) || ei < len(events) {
		switch {
		case mi >= len(messages):
			out = append(out, events[ei])
			ei++
		case ei >= len(events):
			out = append(out, messages[mi])
			mi++
		case messages[mi].CreatedAt.Before(events[ei].CreatedAt):
			out = append(out, messages[mi])
			mi++
		default:
			out = append(out, events[ei])
			ei++
		}
	}
	return out
}

// removeClient drops a disconnected client socket from the in-memory map
// and the mapping table, and broadcasts the client's departure from the
// presence snapshot if it had reported one.
func (h *Hub) removeClient(socketID string) {
	h.mu.Lock()
	delete(h.clients, socketID)
	_, hadPresence := h.presence[socketID]
	delete(h.presence, socketID)
	snapshot := h.presenceSnapshotLocked()
	h.mu.Unlock()
	_ = h.store.DeleteWSClientMapping(socketID)
	if hadPresence {
		h.Broadcast("presence_update", map[string]any{"participants": snapshot})
	}
}

// handleSandboxDisconnect clears the hub's sandbox reference when the
// socket closes.
func (h *Hub) handleSandboxDisconnect(sc *sandboxConn) {
	h.mu.Lock()
	if h.sandbox == sc {
		h.sandbox = nil
	}
	h.mu.Unlock()
	h.ctl.SetSandboxSocket(nil)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
