package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// CreateSession inserts the session row. Per §4.4.3/§3, the companion
// sandbox row must be created separately with created_at=0.
func (s *Store) CreateSession(sess *model.Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = model.SessionStatusCreated
	}
	_, err := s.db.Exec(`INSERT INTO session
		(id, name, title, repo_owner, repo_name, repo_default, repo_id, branch_name, base_sha, current_sha, model, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.Title, sess.RepoOwner, sess.RepoName, sess.RepoDefault, sess.RepoID,
		sess.BranchName, sess.BaseSHA, sess.CurrentSHA, sess.Model, string(sess.Status),
		toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the single session row, or sql.ErrNoRows if none exists
// yet (a session instance has at most one).
func (s *Store) GetSession() (*model.Session, error) {
	row := s.db.QueryRow(`SELECT id, name, title, repo_owner, repo_name, repo_default, repo_id,
		branch_name, base_sha, current_sha, model, status, created_at, updated_at FROM session LIMIT 1`)
	var sess model.Session
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&sess.ID, &sess.Name, &sess.Title, &sess.RepoOwner, &sess.RepoName, &sess.RepoDefault,
		&sess.RepoID, &sess.BranchName, &sess.BaseSHA, &sess.CurrentSHA, &sess.Model, &status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return &sess, nil
}

// UpdateSessionSHA updates the current commit SHA, e.g. from a git_sync
// event (§4.5).
func (s *Store) UpdateSessionSHA(sessionID, sha string) error {
	_, err := s.db.Exec(`UPDATE session SET current_sha = ?, updated_at = ? WHERE id = ?`,
		sha, toMillis(time.Now()), sessionID)
	return err
}

// UpdateSessionBranch updates the working branch name, e.g. after PR
// creation (§4.6).
func (s *Store) UpdateSessionBranch(sessionID, branch string) error {
	_, err := s.db.Exec(`UPDATE session SET branch_name = ?, updated_at = ? WHERE id = ?`,
		branch, toMillis(time.Now()), sessionID)
	return err
}

// UpdateSessionStatus transitions session.status (archive/unarchive, §6).
func (s *Store) UpdateSessionStatus(sessionID string, status model.SessionStatus) error {
	_, err := s.db.Exec(`UPDATE session SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toMillis(time.Now()), sessionID)
	return err
}

// ErrNotFound is returned by lookups that found no matching row, distinct
// from the driver's sql.ErrNoRows so callers at the handler boundary don't
// need to import database/sql.
var ErrNotFound = sql.ErrNoRows
