package lifecycle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/provider"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

// SecretMaterializer decrypts a repository's secrets for injection into a
// freshly spawned sandbox's environment (§4.7 "used when materializing
// secrets into a sandbox session"). Satisfied by *secretstore.Store.
type SecretMaterializer interface {
	DecryptAll(repoID string) (map[string]string, error)
}

// Broadcaster is the narrow slice of the Connection Hub the controller
// needs: fan out a server->client message (§4.2 broadcast).
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// SandboxSocket is the narrow slice of the hub's sandbox connection the
// controller needs to drive shutdown/push commands and observe liveness.
type SandboxSocket interface {
	IsOpen() bool
	Close(code int, reason string)
	Send(v any) error
}

// AlarmScheduler lets the controller (re)schedule the single per-instance
// alarm (§5 "Timers": at most one scheduled alarm, replacing the previous).
type AlarmScheduler interface {
	ScheduleAlarm(at time.Time)
}

// Controller is the lifecycle effect layer: it applies the pure decision
// functions above and then executes the corresponding side effects.
type Controller struct {
	store    *store.Store
	provider provider.Port
	cfg      *config.Config
	bus      Broadcaster
	alarms   AlarmScheduler
	secrets  SecretMaterializer // nil if the repo-secrets store is unavailable

	mu            sync.Mutex
	spawning      bool
	sandboxSocket SandboxSocket // nil when no sandbox is connected

	// reqMu serializes every request/timer-driven entry point against every
	// other one (§5's single-active-callback invariant), so that e.g. an
	// enqueue-triggered EnsureSandbox can never interleave with a
	// typing-triggered Warm and double-spawn a sandbox. mu above still
	// guards the individual fields read outside this serialized section
	// (SetSandboxSocket is called from the hub's own goroutine).
	reqMu sync.Mutex
}

// New constructs a Controller bound to one session's store.
func New(st *store.Store, p provider.Port, cfg *config.Config, bus Broadcaster, alarms AlarmScheduler, secrets SecretMaterializer) *Controller {
	return &Controller{store: st, provider: p, cfg: cfg, bus: bus, alarms: alarms, secrets: secrets}
}

// materializeSecrets decrypts repoID's stored secrets for injection into the
// sandbox's environment, logging and continuing on failure rather than
// blocking the spawn (§4.7's terminal decrypt error names the offending key
// but is not fatal to the session as a whole).
func (c *Controller) materializeSecrets(repoID string) map[string]string {
	if c.secrets == nil || repoID == "" {
		return nil
	}
	env, err := c.secrets.DecryptAll(repoID)
	if err != nil {
		log.Printf("lifecycle: materialize secrets for repo %s failed: %v", repoID, err)
		return nil
	}
	return env
}

// SetSandboxSocket records (or clears, with nil) the hub's current sandbox
// connection, used by spawn-decision inputs and shutdown effects.
func (c *Controller) SetSandboxSocket(s SandboxSocket) {
	c.mu.Lock()
	c.sandboxSocket = s
	c.mu.Unlock()
}

func (c *Controller) hasSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sandboxSocket != nil && c.sandboxSocket.IsOpen()
}

// EnsureSandbox runs the spawn decision and executes the resulting effect
// (§4.4.2). Called whenever the prompt queue or a warm signal needs a live
// sandbox. Serialized against every other request/timer entry point via
// reqMu so two racing callers can't both observe "not spawning" and both
// spawn.
func (c *Controller) EnsureSandbox(ctx context.Context, sess *model.Session) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.ensureSandboxLocked(ctx, sess)
}

func (c *Controller) ensureSandboxLocked(ctx context.Context, sess *model.Session) error {
	sb, err := c.store.GetSandbox()
	if err != nil {
		return fmt.Errorf("load sandbox: %w", err)
	}

	c.mu.Lock()
	spawning := c.spawning
	c.mu.Unlock()

	decision := DecideSpawn(SpawnInputs{
		Status:           sb.Status,
		CreatedAt:        sb.CreatedAt,
		SnapshotImageID:  sb.SnapshotImageID,
		HasSocket:        c.hasSocket(),
		Cooldown:         c.cfg.SpawnCooldown,
		ReadyWait:        c.cfg.SpawnReadyWait,
		Now:              time.Now(),
		InMemorySpawning: spawning,
	})

	switch decision.Action {
	case SpawnActionSkip, SpawnActionWait:
		log.Printf("lifecycle: spawn decision=%v reason=%q", decision.Action, decision.Reason)
		return nil
	case SpawnActionRestore:
		return c.restore(ctx, sess, sb)
	default:
		return c.spawnFresh(ctx, sess, sb)
	}
}

// spawnFresh implements §4.4.3.
func (c *Controller) spawnFresh(ctx context.Context, sess *model.Session, sb *model.Sandbox) error {
	breaker := DecideBreaker(sb.FailureCount, derefTime(sb.LastFailureTime), c.cfg.CircuitBreakerThreshold, c.cfg.CircuitBreakerWindow, time.Now())
	if !breaker.Proceed {
		c.bus.Broadcast("sandbox_error", map[string]any{
			"error": fmt.Sprintf("spawning is temporarily disabled after repeated failures; retry in %dms", breaker.WaitMs),
		})
		return nil
	}
	if breaker.Reset {
		_ = c.store.ResetFailureCount()
	}

	c.mu.Lock()
	c.spawning = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.spawning = false
		c.mu.Unlock()
	}()

	c.bus.Broadcast("sandbox_spawning", nil)

	authToken, err := randomToken()
	if err != nil {
		return fmt.Errorf("generate sandbox auth token: %w", err)
	}
	now := time.Now()
	expectedID := fmt.Sprintf("sandbox-%s-%s-%d", sess.RepoOwner, sess.RepoName, now.Unix())

	// Persist before calling the provider so the concurrently-connecting
	// sandbox finds its validation record (§4.4.3, §8 pre-allocation).
	if err := c.store.BeginSpawn(expectedID, authToken, now); err != nil {
		return fmt.Errorf("persist spawn record: %w", err)
	}

	handle, err := c.provider.CreateSandbox(ctx, provider.CreateOptions{
		SessionID:         sess.ID,
		ExpectedSandboxID: expectedID,
		RepoOwner:         sess.RepoOwner,
		RepoName:          sess.RepoName,
		ControlPlaneURL:   c.cfg.ControlPlaneURL,
		AuthToken:         authToken,
		Model:             sess.Model,
		Env:               c.materializeSecrets(sess.RepoID),
	})
	if err != nil {
		return c.failSpawn(err)
	}

	if err := c.store.SetProviderObjectID(handle.ObjectID); err != nil {
		return fmt.Errorf("persist provider object id: %w", err)
	}
	if err := c.store.SetSandboxStatus(model.SandboxConnecting); err != nil {
		return fmt.Errorf("set connecting status: %w", err)
	}
	_ = c.store.ResetFailureCount()
	c.bus.Broadcast("sandbox_status", map[string]string{"status": string(model.SandboxConnecting)})
	return nil
}

// restore implements §4.4.4.
func (c *Controller) restore(ctx context.Context, sess *model.Session, sb *model.Sandbox) error {
	c.mu.Lock()
	c.spawning = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.spawning = false
		c.mu.Unlock()
	}()

	authToken, err := randomToken()
	if err != nil {
		return fmt.Errorf("generate sandbox auth token: %w", err)
	}
	now := time.Now()
	expectedID := fmt.Sprintf("sandbox-%s-%s-%d", sess.RepoOwner, sess.RepoName, now.Unix())

	if err := c.store.BeginSpawn(expectedID, authToken, now); err != nil {
		return fmt.Errorf("persist spawn record: %w", err)
	}

	handle, err := c.provider.RestoreFromSnapshot(ctx, sb.SnapshotImageID, provider.CreateOptions{
		SessionID:         sess.ID,
		ExpectedSandboxID: expectedID,
		RepoOwner:         sess.RepoOwner,
		RepoName:          sess.RepoName,
		ControlPlaneURL:   c.cfg.ControlPlaneURL,
		AuthToken:         authToken,
		Model:             sess.Model,
		Env:               c.materializeSecrets(sess.RepoID),
	})
	if err != nil {
		return c.failSpawn(err)
	}

	if err := c.store.SetProviderObjectID(handle.ObjectID); err != nil {
		return fmt.Errorf("persist provider object id: %w", err)
	}
	if err := c.store.SetSandboxStatus(model.SandboxConnecting); err != nil {
		return fmt.Errorf("set connecting status: %w", err)
	}
	c.bus.Broadcast("sandbox_restored", map[string]string{"message": "restored from snapshot " + sb.SnapshotImageID})
	return nil
}

// failSpawn classifies a provider error and applies the circuit-breaker
// and status effects common to spawnFresh and restore (§4.4.3, §7).
func (c *Controller) failSpawn(err error) error {
	now := time.Now()
	class := provider.ClassOf(err)
	if class == provider.ErrorClassTransient {
		_ = c.store.RecordTransientFailure(err.Error(), now)
	} else {
		// Unknown classes are treated as permanent (§4.4.3, §7).
		_ = c.store.RecordSpawnFailure(err.Error(), now)
	}
	c.bus.Broadcast("sandbox_error", map[string]any{"error": err.Error()})
	return nil
}

// CheckInactivity implements §4.4.5, invoked from the single per-instance
// alarm handler. Serialized via reqMu alongside the request-driven entry
// points.
func (c *Controller) CheckInactivity(ctx context.Context, connectedClients int) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	sb, err := c.store.GetSandbox()
	if err != nil {
		return
	}
	decision := DecideInactivity(InactivityInputs{
		LastActivity:         sb.LastActivity,
		Status:               sb.Status,
		ConnectedClientCount: connectedClients,
		Timeout:              c.cfg.InactivityTimeout,
		Extension:            c.cfg.InactivityExtension,
		MinCheck:             c.cfg.InactivityMinCheck,
		Now:                  time.Now(),
	})

	switch decision.Action {
	case InactivityActionExtend:
		c.bus.Broadcast("sandbox_warning", map[string]string{"message": "session will pause soon unless you send a message"})
		c.alarms.ScheduleAlarm(time.Now().Add(decision.After))
	case InactivityActionTimeout:
		if err := c.store.SetSandboxStatus(model.SandboxStopped); err == nil {
			c.bus.Broadcast("sandbox_status", map[string]string{"status": string(model.SandboxStopped)})
		}
		c.snapshotLocked(ctx, "inactivity_timeout")
		c.mu.Lock()
		sock := c.sandboxSocket
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Send(map[string]string{"type": "shutdown"})
			sock.Close(1000, "inactivity timeout")
		}
	default:
		c.alarms.ScheduleAlarm(time.Now().Add(decision.After))
	}
}

// CheckHeartbeat implements §4.4.6, invoked from the same alarm handler as
// CheckInactivity (§5: one alarm inspects both). Serialized via reqMu.
func (c *Controller) CheckHeartbeat(ctx context.Context) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	sb, err := c.store.GetSandbox()
	if err != nil {
		return
	}
	if IsHeartbeatStale(sb.LastHeartbeat, c.cfg.HeartbeatStale, time.Now()) {
		if err := c.store.SetSandboxStatus(model.SandboxStale); err == nil {
			c.bus.Broadcast("sandbox_status", map[string]string{"status": string(model.SandboxStale)})
		}
		go c.Snapshot(ctx, "heartbeat_timeout")
	}
}

// Warm implements §4.4.7, triggered by a client `typing` signal. Serialized
// via reqMu: shares the spawn decision's critical section with
// EnsureSandbox so a typing signal can't race an enqueue into a
// double-spawn.
func (c *Controller) Warm(ctx context.Context, sess *model.Session) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	sb, err := c.store.GetSandbox()
	if err != nil {
		return
	}
	c.mu.Lock()
	spawning := c.spawning
	c.mu.Unlock()
	if !ShouldWarm(c.hasSocket(), spawning, sb.Status) {
		return
	}
	c.bus.Broadcast("sandbox_warming", nil)
	_ = c.ensureSandboxLocked(ctx, sess)
}

// Snapshot implements §4.4.8. Terminal states are sticky: the previous
// status is restored after the call unless reason is heartbeat_timeout,
// which stays stale. Serialized via reqMu; CheckInactivity, which already
// holds reqMu, calls snapshotLocked directly instead.
func (c *Controller) Snapshot(ctx context.Context, reason string) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.snapshotLocked(ctx, reason)
}

func (c *Controller) snapshotLocked(ctx context.Context, reason string) {
	if !c.provider.SupportsSnapshot() {
		return
	}
	sb, err := c.store.GetSandbox()
	if err != nil || sb.ProviderObjectID == "" || sb.Status == model.SandboxSnapshotting {
		return
	}

	previous := sb.Status
	wasTerminal := previous.IsTerminal()
	if !wasTerminal {
		if err := c.store.SetSandboxStatus(model.SandboxSnapshotting); err != nil {
			return
		}
		c.bus.Broadcast("sandbox_status", map[string]string{"status": string(model.SandboxSnapshotting)})
	}

	imageID, err := c.provider.TakeSnapshot(ctx, sb.ProviderObjectID)

	restoreTo := previous
	if reason == "heartbeat_timeout" {
		restoreTo = model.SandboxStale
	}
	if err := c.store.SetSandboxStatus(restoreTo); err == nil {
		c.bus.Broadcast("sandbox_status", map[string]string{"status": string(restoreTo)})
	}

	if err != nil {
		log.Printf("lifecycle: snapshot failed reason=%s err=%v", reason, err)
		return
	}
	if err := c.store.SetSnapshotImageID(imageID); err != nil {
		log.Printf("lifecycle: persist snapshot image failed: %v", err)
		return
	}
	c.bus.Broadcast("snapshot_saved", map[string]string{"imageId": imageID, "reason": reason})
}

// RescheduleInactivityAlarm arms the single per-instance alarm for
// cfg.InactivityTimeout out from now, e.g. right after a prompt dispatch
// or completion stamps last_activity (§4.3 completion path).
func (c *Controller) RescheduleInactivityAlarm() {
	c.alarms.ScheduleAlarm(time.Now().Add(c.cfg.InactivityTimeout))
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
