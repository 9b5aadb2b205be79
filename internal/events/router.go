// Package events implements the Sandbox Event Router (§4.5): it persists
// every inbound sandbox event, dispatches the handful of types the
// coordinator interprets, and broadcasts everything else to clients as-is.
package events

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

// Completer is the prompt queue's completion entry point, satisfied
// structurally by *queue.Queue.
type Completer interface {
	Complete(ctx context.Context, messageID string, success bool, errMsg string)
}

// Broadcaster fans the raw event out to clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// HeartbeatStamper records the sandbox's heartbeat without routing through
// the full lifecycle controller (the controller reads it back on its own
// alarm cadence).
type HeartbeatStamper interface {
	StampHeartbeat(now time.Time) error
}

type pendingPush struct {
	resolve chan error
	timer   *time.Timer
}

// Router is the per-session Sandbox Event Router.
type Router struct {
	store *store.Store
	bus   Broadcaster
	queue Completer

	mu      sync.Mutex
	pending map[string]*pendingPush // normalized branch -> waiter
}

// New constructs a Router bound to one session's store.
func New(st *store.Store, bus Broadcaster, queue Completer) *Router {
	return &Router{store: st, bus: bus, queue: queue, pending: make(map[string]*pendingPush)}
}

type envelope struct {
	Type       string `json:"type"`
	MessageID  string `json:"messageId"`
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	SHA        string `json:"sha"`
	BranchName string `json:"branchName"`
	Error      string `json:"error"`
}

// IngestEvent implements hub.EventIngester: persist, dispatch, broadcast.
func (r *Router) IngestEvent(ctx context.Context, raw json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("events: malformed sandbox event, dropping: %v", err)
		return
	}
	if env.Type == "" {
		log.Printf("events: sandbox event missing type, dropping")
		return
	}

	evt := &model.Event{
		ID:   uuid.NewString(),
		Type: model.EventType(env.Type),
		Data: string(raw),
	}
	if env.MessageID != "" {
		evt.MessageID = env.MessageID
	}
	if err := r.store.InsertEvent(evt); err != nil {
		log.Printf("events: persist failed: %v", err)
	}

	switch model.EventType(env.Type) {
	case model.EventExecutionComplete:
		errMsg := ""
		if !env.Success {
			errMsg = env.Error
		}
		r.queue.Complete(ctx, env.MessageID, env.Success, errMsg)

	case model.EventGitSync:
		if err := r.store.UpdateGitSyncStatus(env.Status); err != nil {
			log.Printf("events: update git sync status failed: %v", err)
		}
		if env.SHA != "" {
			sess, err := r.store.GetSession()
			if err == nil && sess != nil {
				if err := r.store.UpdateSessionSHA(sess.ID, env.SHA); err != nil {
					log.Printf("events: update session sha failed: %v", err)
				}
			}
		}

	case model.EventHeartbeat:
		if err := r.store.StampHeartbeat(time.Now()); err != nil {
			log.Printf("events: stamp heartbeat failed: %v", err)
		}

	case model.EventPushComplete:
		r.resolvePush(env.BranchName, nil)

	case model.EventPushError:
		r.resolvePush(env.BranchName, errFromString(env.Error))
	}

	r.bus.Broadcast("sandbox_event", map[string]any{"event": evt})
}

// AwaitPush registers a wait for the push round-trip for branch, timing out
// after 180 s (§4.6 step 4, §9 "pending-push map"). Unknown/late resolutions
// for branches nobody is waiting on are ignored (§4.5).
func (r *Router) AwaitPush(branch string, timeout time.Duration) error {
	key := normalizeBranch(branch)
	p := &pendingPush{resolve: make(chan error, 1)}

	r.mu.Lock()
	r.pending[key] = p
	r.mu.Unlock()

	p.timer = time.AfterFunc(timeout, func() {
		r.resolvePush(branch, errTimeout)
	})

	err := <-p.resolve
	p.timer.Stop()
	return err
}

func (r *Router) resolvePush(branch string, err error) {
	key := normalizeBranch(branch)
	r.mu.Lock()
	p, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if !ok {
		return // unknown branch, ignored per §4.5
	}
	select {
	case p.resolve <- err:
	default:
	}
}

func normalizeBranch(branch string) string {
	return strings.ToLower(strings.TrimSpace(branch))
}

type pushError string

func (e pushError) Error() string { return string(e) }

var errTimeout = pushError("push timed out waiting for sandbox acknowledgement")

func errFromString(s string) error {
	if s == "" {
		s = "sandbox reported push failure"
	}
	return pushError(s)
}
