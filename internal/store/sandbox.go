package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

const selectSandboxSQL = `SELECT id, session_id, external_sandbox_id, provider_object_id, snapshot_image_id,
	auth_token, status, git_sync_status, last_heartbeat, last_activity, last_spawn_error,
	last_spawn_error_at, failure_count, last_failure_time, created_at, updated_at FROM sandbox`

// CreatePendingSandbox inserts the session's single sandbox row with
// created_at=0 so the first spawn is not gated by cooldown (§3 invariant).
func (s *Store) CreatePendingSandbox(id, sessionID string) error {
	_, err := s.db.Exec(`INSERT INTO sandbox (id, session_id, status, created_at, updated_at) VALUES (?, ?, ?, 0, 0)`,
		id, sessionID, string(model.SandboxPending))
	return err
}

// GetSandbox returns the session's single sandbox row.
func (s *Store) GetSandbox() (*model.Sandbox, error) {
	row := s.db.QueryRow(selectSandboxSQL)
	return scanSandbox(row)
}

func scanSandbox(row *sql.Row) (*model.Sandbox, error) {
	var sb model.Sandbox
	var status string
	var lastHeartbeat, lastActivity, lastSpawnErrorAt, lastFailureTime sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&sb.ID, &sb.SessionID, &sb.ExternalSandboxID, &sb.ProviderObjectID, &sb.SnapshotImageID,
		&sb.AuthToken, &status, &sb.GitSyncStatus, &lastHeartbeat, &lastActivity, &sb.LastSpawnError,
		&lastSpawnErrorAt, &sb.FailureCount, &lastFailureTime, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sb.Status = model.SandboxStatus(status)
	sb.LastHeartbeat = nullToPtr(lastHeartbeat)
	sb.LastActivity = nullToPtr(lastActivity)
	sb.LastSpawnErrorAt = nullToPtr(lastSpawnErrorAt)
	sb.LastFailureTime = nullToPtr(lastFailureTime)
	sb.CreatedAt = fromMillis(createdAt)
	sb.UpdatedAt = fromMillis(updatedAt)
	return &sb, nil
}

func nullToPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

// BeginSpawn persists the pre-allocated external sandbox id and auth token,
// status=spawning, created_at=now, *before* the provider is called (§4.4.3,
// §8 pre-allocation invariant). Guarded by a status CAS so two racing
// callers can't both pre-allocate a spawn record for the same session
// (§3 "at most one active sandbox record"); the loser gets an error instead
// of silently overwriting the winner's row.
func (s *Store) BeginSpawn(externalSandboxID, authToken string, now time.Time) error {
	res, err := s.db.Exec(`UPDATE sandbox SET external_sandbox_id = ?, auth_token = ?, status = ?, created_at = ?, updated_at = ?
		WHERE status NOT IN (?, ?)`,
		externalSandboxID, authToken, string(model.SandboxSpawning), toMillis(now), toMillis(now),
		string(model.SandboxSpawning), string(model.SandboxConnecting))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sandbox already spawning or connecting")
	}
	return nil
}

// SetSandboxStatus transitions status unconditionally.
func (s *Store) SetSandboxStatus(status model.SandboxStatus) error {
	_, err := s.db.Exec(`UPDATE sandbox SET status = ?, updated_at = ? WHERE 1=1`, string(status), toMillis(time.Now()))
	return err
}

// SetProviderObjectID persists the provider-internal handle after a
// successful createSandbox/restoreFromSnapshot call (§4.4.3/§4.4.4).
func (s *Store) SetProviderObjectID(id string) error {
	_, err := s.db.Exec(`UPDATE sandbox SET provider_object_id = ?, updated_at = ?`, id, toMillis(time.Now()))
	return err
}

// SetSnapshotImageID persists a new snapshot handle (§4.4.8).
func (s *Store) SetSnapshotImageID(imageID string) error {
	_, err := s.db.Exec(`UPDATE sandbox SET snapshot_image_id = ?, updated_at = ?`, imageID, toMillis(time.Now()))
	return err
}

// RecordSpawnFailure increments the failure counter and stamps
// last_failure_time, moves status to failed, and records the error message
// (§4.4.1/§4.4.3). Permanent failures only; transient failures leave the
// counter unchanged (call RecordTransientFailure instead).
func (s *Store) RecordSpawnFailure(errMsg string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sandbox SET status = ?, failure_count = failure_count + 1,
		last_failure_time = ?, last_spawn_error = ?, last_spawn_error_at = ?, updated_at = ?`,
		string(model.SandboxFailed), toMillis(now), errMsg, toMillis(now), toMillis(now))
	return err
}

// RecordTransientFailure moves status to failed and records the error
// without mutating the circuit-breaker counter (§7 upstream-transient).
func (s *Store) RecordTransientFailure(errMsg string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sandbox SET status = ?, last_spawn_error = ?, last_spawn_error_at = ?, updated_at = ?`,
		string(model.SandboxFailed), errMsg, toMillis(now), toMillis(now))
	return err
}

// ResetFailureCount clears the circuit breaker counter on successful spawn
// (§4.4.3) or on a boundary-reset decision (§4.4.1).
func (s *Store) ResetFailureCount() error {
	_, err := s.db.Exec(`UPDATE sandbox SET failure_count = 0, updated_at = ?`, toMillis(time.Now()))
	return err
}

// StampActivity updates last_activity, e.g. on prompt dispatch or sandbox
// connect (§4.2, §4.3).
func (s *Store) StampActivity(now time.Time) error {
	_, err := s.db.Exec(`UPDATE sandbox SET last_activity = ?, updated_at = ?`, toMillis(now), toMillis(now))
	return err
}

// StampHeartbeat updates last_heartbeat (§4.5 heartbeat dispatch).
func (s *Store) StampHeartbeat(now time.Time) error {
	_, err := s.db.Exec(`UPDATE sandbox SET last_heartbeat = ?, updated_at = ?`, toMillis(now), toMillis(now))
	return err
}

// UpdateGitSyncStatus updates sandbox.git_sync_status (§4.5).
func (s *Store) UpdateGitSyncStatus(status string) error {
	_, err := s.db.Exec(`UPDATE sandbox SET git_sync_status = ?, updated_at = ?`, status, toMillis(time.Now()))
	return err
}
