package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/provider/providertest"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

func newReconcileFixture(t *testing.T, sessionID string) (*config.Config, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		SessionDBDir:        dir,
		InactivityTimeout:   10 * time.Minute,
		InactivityExtension: 5 * time.Minute,
		InactivityMinCheck:  30 * time.Second,
	}
	st, err := store.Open(dir, sessionID)
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return cfg, st
}

func TestReconcileMarksGoneSpawningObjectFailed(t *testing.T) {
	cfg, st := newReconcileFixture(t, "sess-gone")
	if err := st.CreatePendingSandbox("sb-1", "sess-gone"); err != nil {
		t.Fatalf("create pending sandbox: %v", err)
	}
	if err := st.BeginSpawn("sandbox-acme-widget-1", "tok", time.Now()); err != nil {
		t.Fatalf("begin spawn: %v", err)
	}
	if err := st.SetProviderObjectID("obj-1"); err != nil {
		t.Fatalf("set object id: %v", err)
	}
	st.Close()

	fake := providertest.New()
	fake.GoneObjects = map[string]bool{"obj-1": true}

	ReconcileAll(context.Background(), cfg, fake)

	reopened, err := store.Open(cfg.SessionDBDir, "sess-gone")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	sb, err := reopened.GetSandbox()
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.Status != model.SandboxFailed {
		t.Fatalf("expected status failed after reconciling a gone provider object, got %s", sb.Status)
	}
}

func TestReconcileLeavesLiveSpawningObjectAlone(t *testing.T) {
	cfg, st := newReconcileFixture(t, "sess-live")
	if err := st.CreatePendingSandbox("sb-1", "sess-live"); err != nil {
		t.Fatalf("create pending sandbox: %v", err)
	}
	if err := st.BeginSpawn("sandbox-acme-widget-1", "tok", time.Now()); err != nil {
		t.Fatalf("begin spawn: %v", err)
	}
	if err := st.SetProviderObjectID("obj-1"); err != nil {
		t.Fatalf("set object id: %v", err)
	}
	st.Close()

	fake := providertest.New() // Exists defaults to true for any object id

	ReconcileAll(context.Background(), cfg, fake)

	reopened, err := store.Open(cfg.SessionDBDir, "sess-live")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	sb, err := reopened.GetSandbox()
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.Status != model.SandboxSpawning {
		t.Fatalf("expected status to remain spawning when the provider object is still live, got %s", sb.Status)
	}
}

func TestReconcileStopsStaleReadySandbox(t *testing.T) {
	cfg, st := newReconcileFixture(t, "sess-stale")
	if err := st.CreatePendingSandbox("sb-1", "sess-stale"); err != nil {
		t.Fatalf("create pending sandbox: %v", err)
	}
	if err := st.SetSandboxStatus(model.SandboxReady); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := st.StampActivity(time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("stamp activity: %v", err)
	}
	st.Close()

	fake := providertest.New()
	ReconcileAll(context.Background(), cfg, fake)

	reopened, err := store.Open(cfg.SessionDBDir, "sess-stale")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	sb, err := reopened.GetSandbox()
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.Status != model.SandboxStopped {
		t.Fatalf("expected a long-idle ready sandbox to be stopped on reconciliation, got %s", sb.Status)
	}
}

func TestReconcileSkipsSessionsWithoutASandboxRow(t *testing.T) {
	cfg, st := newReconcileFixture(t, "sess-empty")
	st.Close()

	fake := providertest.New()
	// Must not panic or error just because the session has no sandbox row yet.
	ReconcileAll(context.Background(), cfg, fake)
}
