package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// InsertMessage enqueues a new prompt with status=pending (§4.3 step 1:
// "Enqueue is an atomic insert with status=pending").
func (s *Store) InsertMessage(m *model.Message) error {
	m.CreatedAt = time.Now()
	m.Status = model.MessageStatusPending
	_, err := s.db.Exec(`INSERT INTO messages
		(id, author_id, content, source, model, attachments, status, callback_context, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AuthorID, m.Content, string(m.Source), m.Model, m.Attachments, string(m.Status),
		m.CallbackContext, m.ErrorMessage, toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// QueuePosition returns the count of pending+processing messages, used as
// the position returned by /internal/prompt (§6).
func (s *Store) QueuePosition() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status IN ('pending', 'processing')`).Scan(&n)
	return n, err
}

// HasProcessingMessage reports whether any message currently has
// status=processing (§4.3 rule 1, §8 single-in-flight).
func (s *Store) HasProcessingMessage() (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE status = 'processing'`).Scan(&n)
	return n > 0, err
}

// GetProcessingMessage returns the currently-processing message, if any.
// Used as the fallback attribution target when a completion event omits a
// message id (§4.3, §9).
func (s *Store) GetProcessingMessage() (*model.Message, error) {
	row := s.db.QueryRow(selectMessageSQL+` WHERE status = 'processing' LIMIT 1`)
	return scanMessage(row)
}

// OldestPending returns the oldest pending message, tie-broken by id
// (§4.3 rule 2).
func (s *Store) OldestPending() (*model.Message, error) {
	row := s.db.QueryRow(selectMessageSQL + ` WHERE status = 'pending' ORDER BY created_at ASC, id ASC LIMIT 1`)
	return scanMessage(row)
}

// GetMessage returns a message by id.
func (s *Store) GetMessage(id string) (*model.Message, error) {
	row := s.db.QueryRow(selectMessageSQL+` WHERE id = ?`, id)
	return scanMessage(row)
}

const selectMessageSQL = `SELECT id, author_id, content, source, model, attachments, status,
	callback_context, error_message, created_at, started_at, completed_at FROM messages`

func scanMessage(row *sql.Row) (*model.Message, error) {
	var m model.Message
	var source, status string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	err := row.Scan(&m.ID, &m.AuthorID, &m.Content, &source, &m.Model, &m.Attachments, &status,
		&m.CallbackContext, &m.ErrorMessage, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	m.Source = model.MessageSource(source)
	m.Status = model.MessageStatus(status)
	m.CreatedAt = fromMillis(createdAt)
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		m.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		m.CompletedAt = &t
	}
	return &m, nil
}

// MarkProcessing transitions a message pending->processing and stamps
// started_at (§4.3 rule 4).
func (s *Store) MarkProcessing(id string) error {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE messages SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'`,
		toMillis(now), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message %s not in pending status", id)
	}
	return nil
}

// CompleteMessage transitions processing->completed or processing->failed
// (§4.3 completion path, monotonic per §3/§8).
func (s *Store) CompleteMessage(id string, success bool, errMsg string) error {
	status := model.MessageStatusCompleted
	if !success {
		status = model.MessageStatusFailed
	}
	now := time.Now()
	res, err := s.db.Exec(`UPDATE messages SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND status = 'processing'`,
		string(status), errMsg, toMillis(now), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message %s not in processing status", id)
	}
	return nil
}

// ListMessages returns a cursor-paginated page of messages, newest first,
// optionally filtered by status (§6 GET /internal/messages).
func (s *Store) ListMessages(cursor int64, limit int, status string) ([]*model.Message, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := selectMessageSQL + ` WHERE created_at < ?`
	args := []any{cursorOrMax(cursor)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Message
	var nextCursor int64
	for rows.Next() {
		var m model.Message
		var source, st string
		var createdAt int64
		var startedAt, completedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Content, &source, &m.Model, &m.Attachments, &st,
			&m.CallbackContext, &m.ErrorMessage, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, 0, err
		}
		m.Source = model.MessageSource(source)
		m.Status = model.MessageStatus(st)
		m.CreatedAt = fromMillis(createdAt)
		if startedAt.Valid {
			t := fromMillis(startedAt.Int64)
			m.StartedAt = &t
		}
		if completedAt.Valid {
			t := fromMillis(completedAt.Int64)
			m.CompletedAt = &t
		}
		out = append(out, &m)
		nextCursor = createdAt
	}
	return out, nextCursor, rows.Err()
}

// RecentMessages returns up to limit most-recent messages ascending by
// creation time, for history replay on subscribe (§4.2: up to 100
// messages interleaved with up to 500 events).
func (s *Store) RecentMessages(limit int) ([]*model.Message, error) {
	rows, err := s.db.Query(selectMessageSQL+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		var source, st string
		var createdAt int64
		var startedAt, completedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.Content, &source, &m.Model, &m.Attachments, &st,
			&m.CallbackContext, &m.ErrorMessage, &createdAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		m.Source = model.MessageSource(source)
		m.Status = model.MessageStatus(st)
		m.CreatedAt = fromMillis(createdAt)
		if startedAt.Valid {
			t := fromMillis(startedAt.Int64)
			m.StartedAt = &t
		}
		if completedAt.Valid {
			t := fromMillis(completedAt.Int64)
			m.CompletedAt = &t
		}
		out = append([]*model.Message{&m}, out...) // reverse to ascending
	}
	return out, rows.Err()
}

func cursorOrMax(cursor int64) int64 {
	if cursor <= 0 {
		return 1<<63 - 1
	}
	return cursor
}
