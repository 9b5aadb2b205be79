// Package lifecycle implements the Sandbox Lifecycle Controller (§4.4):
// pure decision functions over sandbox/session state, plus an effect layer
// (Controller) that drives the provider port, schedules alarms, and
// broadcasts status transitions.
package lifecycle

import (
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// BreakerDecision is the circuit breaker's verdict (§4.4.1).
type BreakerDecision struct {
	Proceed bool
	Reset   bool
	WaitMs  int64
}

// DecideBreaker implements the circuit breaker pure function. Boundary
// rule: at exactly the window, reset (">=").
func DecideBreaker(failureCount int, lastFailureTime time.Time, threshold int, window time.Duration, now time.Time) BreakerDecision {
	if failureCount > 0 && !lastFailureTime.IsZero() {
		elapsed := now.Sub(lastFailureTime)
		if elapsed >= window {
			return BreakerDecision{Proceed: true, Reset: true}
		}
		if failureCount >= threshold {
			return BreakerDecision{Proceed: false, WaitMs: (window - elapsed).Milliseconds()}
		}
	}
	return BreakerDecision{Proceed: true}
}

// SpawnAction is the verdict of the spawn decision (§4.4.2).
type SpawnAction int

const (
	SpawnActionSpawn SpawnAction = iota
	SpawnActionRestore
	SpawnActionSkip
	SpawnActionWait
)

// SpawnDecision carries the action plus a human-readable reason for
// skip/wait outcomes (surfaced in logs/broadcasts).
type SpawnDecision struct {
	Action SpawnAction
	Reason string
}

// SpawnInputs bundles the spawn decision's inputs (§4.4.2).
type SpawnInputs struct {
	Status           model.SandboxStatus
	CreatedAt        time.Time
	SnapshotImageID  string
	HasSocket        bool
	Cooldown         time.Duration
	ReadyWait        time.Duration
	Now              time.Time
	InMemorySpawning bool
}

// DecideSpawn evaluates the six ordered spawn rules (§4.4.2).
func DecideSpawn(in SpawnInputs) SpawnDecision {
	if in.SnapshotImageID != "" && (in.Status == model.SandboxStopped || in.Status == model.SandboxStale || in.Status == model.SandboxFailed) {
		return SpawnDecision{Action: SpawnActionRestore}
	}
	if in.Status == model.SandboxSpawning || in.Status == model.SandboxConnecting {
		return SpawnDecision{Action: SpawnActionSkip, Reason: "already " + string(in.Status)}
	}
	if in.Status == model.SandboxReady {
		if in.HasSocket {
			return SpawnDecision{Action: SpawnActionSkip, Reason: "ready with active WS"}
		}
		if in.Now.Sub(in.CreatedAt) < in.ReadyWait {
			return SpawnDecision{Action: SpawnActionWait}
		}
	}
	if in.Now.Sub(in.CreatedAt) < in.Cooldown && in.Status != model.SandboxFailed && in.Status != model.SandboxStopped {
		return SpawnDecision{Action: SpawnActionWait}
	}
	if in.InMemorySpawning {
		return SpawnDecision{Action: SpawnActionSkip, Reason: "spawn already in flight"}
	}
	return SpawnDecision{Action: SpawnActionSpawn}
}

// InactivityAction is the verdict of the inactivity-timeout decision
// (§4.4.5).
type InactivityAction int

const (
	InactivityActionSchedule InactivityAction = iota
	InactivityActionExtend
	InactivityActionTimeout
)

// InactivityDecision carries the action plus, for Schedule/Extend, the
// delay until the next check.
type InactivityDecision struct {
	Action InactivityAction
	After  time.Duration
}

// InactivityInputs bundles the inactivity decision's inputs (§4.4.5).
type InactivityInputs struct {
	LastActivity         *time.Time
	Status               model.SandboxStatus
	ConnectedClientCount int
	Timeout              time.Duration
	Extension            time.Duration
	MinCheck             time.Duration
	Now                  time.Time
}

// DecideInactivity implements the four inactivity-timeout rules (§4.4.5).
func DecideInactivity(in InactivityInputs) InactivityDecision {
	if in.Status.IsTerminal() || in.LastActivity == nil || (in.Status != model.SandboxReady && in.Status != model.SandboxRunning) {
		return InactivityDecision{Action: InactivityActionSchedule, After: in.MinCheck}
	}
	inactiveFor := in.Now.Sub(*in.LastActivity)
	if inactiveFor >= in.Timeout {
		if in.ConnectedClientCount > 0 {
			return InactivityDecision{Action: InactivityActionExtend, After: in.Extension}
		}
		return InactivityDecision{Action: InactivityActionTimeout}
	}
	remaining := in.Timeout - inactiveFor
	if remaining < in.MinCheck {
		remaining = in.MinCheck
	}
	return InactivityDecision{Action: InactivityActionSchedule, After: remaining}
}

// IsHeartbeatStale implements the heartbeat-health predicate (§4.4.6).
// A nil last_heartbeat is not stale — the sandbox is still warming up.
func IsHeartbeatStale(lastHeartbeat *time.Time, staleAfter time.Duration, now time.Time) bool {
	if lastHeartbeat == nil {
		return false
	}
	return now.Sub(*lastHeartbeat) > staleAfter
}

// ShouldWarm implements the warm decision (§4.4.7): spawn only if the
// sandbox isn't already open, spawning, or connecting.
func ShouldWarm(hasSocket, inMemorySpawning bool, status model.SandboxStatus) bool {
	if hasSocket || inMemorySpawning {
		return false
	}
	return status != model.SandboxSpawning && status != model.SandboxConnecting
}
