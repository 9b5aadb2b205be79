package lifecycle

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/provider"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

// ReconcileAll implements §4.4.9: on process start, walk every known
// session's persisted sandbox row and reconcile in-memory/provider-observed
// state against it. No hub exists yet at this point in startup, so this
// reuses the inactivity/heartbeat predicates directly rather than going
// through a per-session Controller (which needs a live Broadcaster).
func ReconcileAll(ctx context.Context, cfg *config.Config, prov provider.Port) {
	entries, err := os.ReadDir(cfg.SessionDBDir)
	if err != nil {
		log.Printf("lifecycle: reconciliation sweep skipped, cannot list %s: %v", cfg.SessionDBDir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".db")
		reconcileOne(ctx, cfg, prov, sessionID)
	}
}

func reconcileOne(ctx context.Context, cfg *config.Config, prov provider.Port, sessionID string) {
	st, err := store.Open(cfg.SessionDBDir, sessionID)
	if err != nil {
		log.Printf("lifecycle: reconcile %s: open failed: %v", sessionID, err)
		return
	}
	defer st.Close()

	sb, err := st.GetSandbox()
	if err != nil {
		return // no sandbox row yet; nothing to reconcile
	}

	now := time.Now()
	switch sb.Status {
	case model.SandboxSpawning, model.SandboxConnecting:
		exists := sb.ProviderObjectID != "" && objectExists(ctx, prov, sb.ProviderObjectID)
		if !exists {
			_ = st.RecordSpawnFailure("reconciliation: provider object no longer exists after restart", now)
			log.Printf("lifecycle: reconcile %s: %s -> failed (no live provider object)", sessionID, sb.Status)
		}
	case model.SandboxReady, model.SandboxRunning:
		// No live socket exists immediately after a restart by definition;
		// replay the inactivity predicate exactly as the alarm path would.
		decision := DecideInactivity(InactivityInputs{
			LastActivity:         sb.LastActivity,
			Status:               sb.Status,
			ConnectedClientCount: 0,
			Timeout:              cfg.InactivityTimeout,
			Extension:            cfg.InactivityExtension,
			MinCheck:             cfg.InactivityMinCheck,
			Now:                  now,
		})
		if decision.Action == InactivityActionTimeout {
			_ = st.SetSandboxStatus(model.SandboxStopped)
			log.Printf("lifecycle: reconcile %s: %s -> stopped (stale after restart)", sessionID, sb.Status)
		}
	}
}

// objectExists is a best-effort liveness probe; treated conservatively
// (assume gone) if the provider errors, consistent with "a sandbox
// recorded as spawning/connecting whose provider object no longer exists
// is moved to failed" (§4.4.9).
func objectExists(ctx context.Context, prov provider.Port, objectID string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := prov.Exists(ctx, objectID)
	return err == nil && ok
}
