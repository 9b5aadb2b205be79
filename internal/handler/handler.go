// Package handler implements the full HTTP route surface of §6: session
// and participant bootstrap, prompt submission, paginated history reads,
// the pull-request path, and WebSocket-token minting.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/anthropics/sandboxctl/server/internal/codehost"
	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/crypto"
	"github.com/anthropics/sandboxctl/server/internal/events"
	"github.com/anthropics/sandboxctl/server/internal/identity"
	"github.com/anthropics/sandboxctl/server/internal/queue"
	"github.com/anthropics/sandboxctl/server/internal/secretstore"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

// SandboxCommander is the subset of the Connection Hub the handler needs to
// deliver best-effort commands directly (stop, push), satisfied
// structurally by *hub.Hub.
type SandboxCommander interface {
	IsSandboxOpen() bool
	SendToSandbox(v any) error
}

// Broadcaster is the subset of the Connection Hub the handler needs to fan
// a server-originated message out to clients (e.g. session_status after
// archive/unarchive), satisfied structurally by *hub.Hub.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// Handler wires the per-session store and collaborators to the §6 route
// surface.
type Handler struct {
	store    *store.Store
	cfg      *config.Config
	enc      *crypto.Encryptor
	q        *queue.Queue
	router   *events.Router
	sandbox  SandboxCommander
	bus      Broadcaster
	codehost *codehost.Client
	identity *identity.Minter
	secrets  *secretstore.Store
}

// New constructs a Handler.
func New(st *store.Store, cfg *config.Config, enc *crypto.Encryptor, q *queue.Queue, router *events.Router, sandbox SandboxCommander, bus Broadcaster, secrets *secretstore.Store) *Handler {
	return &Handler{
		store:    st,
		cfg:      cfg,
		enc:      enc,
		q:        q,
		router:   router,
		sandbox:  sandbox,
		bus:      bus,
		codehost: codehost.New(cfg.UpstreamTimeout),
		identity: identity.New(cfg),
		secrets:  secrets,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// Healthz is the ambient process liveness probe (§6, §10).
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
