package handler

import (
	"context"
	"testing"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/codehost"
	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/crypto"
	"github.com/anthropics/sandboxctl/server/internal/events"
	"github.com/anthropics/sandboxctl/server/internal/identity"
	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/queue"
	"github.com/anthropics/sandboxctl/server/internal/secretstore"
	"github.com/anthropics/sandboxctl/server/internal/store"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeSandbox struct {
	open bool
	sent []any
}

func (f *fakeSandbox) IsSandboxOpen() bool { return f.open }
func (f *fakeSandbox) SendToSandbox(v any) error {
	f.sent = append(f.sent, v)
	return nil
}

type fakeBroadcaster struct {
	types []string
	last  any
}

func (f *fakeBroadcaster) Broadcast(msgType string, payload any) {
	f.types = append(f.types, msgType)
	f.last = payload
}

type fakeEffects struct{}

func (fakeEffects) EnsureSandbox(ctx context.Context, sess *model.Session) error { return nil }
func (fakeEffects) Snapshot(ctx context.Context, reason string)                  {}
func (fakeEffects) RescheduleInactivityAlarm()                                   {}

func newTestSecretStore(t *testing.T) *secretstore.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open secret store db: %v", err)
	}
	enc, err := crypto.NewEncryptor(make([]byte, 32))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	s, err := secretstore.OpenWithDB(db, enc)
	if err != nil {
		t.Fatalf("OpenWithDB: %v", err)
	}
	return s
}

// newTestHandler wires a Handler to a fresh in-memory store and the same
// collaborators New would build, with the code host and identity minter
// pointed at no-op defaults that tests override per-case via h.codehost /
// h.identity.
func newTestHandler(t *testing.T) (*Handler, *store.Store, *fakeSandbox, *fakeBroadcaster) {
	t.Helper()
	st, err := store.OpenMemory(t.Name())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		DefaultModel:    "default-model",
		TokenSkew:       time.Minute,
		PushTimeout:     time.Second,
		UpstreamTimeout: 5 * time.Second,
	}
	sandbox := &fakeSandbox{}
	bus := &fakeBroadcaster{}
	q := queue.New(st, cfg, sandbox, bus, fakeEffects{}, nil)
	router := events.New(st, bus, q)

	enc, err := crypto.NewEncryptor(make([]byte, 32))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	h := New(st, cfg, enc, q, router, sandbox, bus, nil)
	h.codehost = codehost.New(cfg.UpstreamTimeout)
	h.identity = identity.New(cfg)
	return h, st, sandbox, bus
}
