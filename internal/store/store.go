// Package store implements the per-session durable store (§4.1). Each
// session owns exactly one SQLite database file; the store applies a fixed,
// ordered list of additive migrations on open, swallowing "already exists"
// errors and treating any other migration error as fatal.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite" // pure-Go sqlite driver, registers "sqlite"
)

// Store is the per-session SQL store.
type Store struct {
	db        *sql.DB
	SessionID string
}

// Open opens (creating if necessary) the SQLite file for sessionID under
// dir and applies all migrations.
func Open(dir, sessionID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session db dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// WAL allows concurrent readers while a writer is active; busy_timeout
	// makes the driver wait instead of immediately returning SQLITE_BUSY.
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout = 5000")
	db.Exec("PRAGMA foreign_keys = ON")
	// One instance owns this file; a single connection avoids SQLITE_BUSY
	// races between request-handling and alarm-firing goroutines entirely,
	// which pairs with the single-threaded-actor discipline enforced above
	// the store by the session actor's mutex (§5).
	db.SetMaxOpenConns(1)

	s := &Store{db: db, SessionID: sessionID}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory(sessionID string) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, SessionID: sessionID}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migration is one step in the fixed, ordered migration list.
type migration struct {
	name string
	sql  string
}

// migrations is the fixed, ordered list of schema statements. New fields
// are added by appending new entries, never by editing existing ones.
var migrations = []migration{
	{"create_session", `CREATE TABLE session (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		repo_owner TEXT NOT NULL DEFAULT '',
		repo_name TEXT NOT NULL DEFAULT '',
		repo_default TEXT NOT NULL DEFAULT '',
		repo_id TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		base_sha TEXT NOT NULL DEFAULT '',
		current_sha TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'created',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`},
	{"create_participants", `CREATE TABLE participants (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT 'member',
		github_login TEXT NOT NULL DEFAULT '',
		github_name TEXT NOT NULL DEFAULT '',
		github_email TEXT NOT NULL DEFAULT '',
		github_user_id INTEGER NOT NULL DEFAULT 0,
		host_access_token_enc TEXT NOT NULL DEFAULT '',
		host_refresh_token_enc TEXT NOT NULL DEFAULT '',
		host_token_expires_at INTEGER NOT NULL DEFAULT 0,
		ws_auth_token_hash TEXT NOT NULL DEFAULT '',
		ws_auth_token_issued_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`},
	{"create_messages", `CREATE TABLE messages (
		id TEXT PRIMARY KEY,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'web',
		model TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		callback_context TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	)`},
	{"create_messages_status_idx", `CREATE INDEX idx_messages_status ON messages(status, created_at)`},
	{"create_events", `CREATE TABLE events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '',
		message_id TEXT,
		created_at INTEGER NOT NULL
	)`},
	{"create_events_idx", `CREATE INDEX idx_events_created_at ON events(created_at)`},
	{"create_artifacts", `CREATE TABLE artifacts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`},
	{"create_sandbox", `CREATE TABLE sandbox (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		external_sandbox_id TEXT NOT NULL DEFAULT '',
		provider_object_id TEXT NOT NULL DEFAULT '',
		snapshot_image_id TEXT NOT NULL DEFAULT '',
		auth_token TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		git_sync_status TEXT NOT NULL DEFAULT '',
		last_heartbeat INTEGER,
		last_activity INTEGER,
		last_spawn_error TEXT NOT NULL DEFAULT '',
		last_spawn_error_at INTEGER,
		failure_count INTEGER NOT NULL DEFAULT 0,
		last_failure_time INTEGER,
		created_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	)`},
	{"create_ws_client_mapping", `CREATE TABLE ws_client_mapping (
		socket_id TEXT PRIMARY KEY,
		participant_id TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		if err := s.applyOnce(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyOnce(m migration) error {
	var exists int
	_ = s.db.QueryRow(`SELECT 1 FROM schema_migrations WHERE name = ?`, m.name).Scan(&exists)
	if exists == 1 {
		return nil
	}
	if _, err := s.db.Exec(m.sql); err != nil {
		// "already exists" errors are swallowed: a migration may have been
		// applied by an older binary that didn't record it in
		// schema_migrations, or a concurrent open raced us.
		if isAlreadyExistsErr(err) {
			_, _ = s.db.Exec(`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, strftime('%s','now'))`, m.name)
			return nil
		}
		return fmt.Errorf("migration %s: %w", m.name, err)
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO schema_migrations (name, applied_at) VALUES (?, strftime('%s','now'))`, m.name); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	return nil
}

func isAlreadyExistsErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column")
}
