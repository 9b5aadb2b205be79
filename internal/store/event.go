package store

import (
	"database/sql"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// InsertEvent persists an inbound sandbox event (§4.5: "every inbound
// sandbox event is persisted"). Events are append-only.
func (s *Store) InsertEvent(e *model.Event) error {
	e.CreatedAt = time.Now()
	var messageID any
	if e.MessageID != "" {
		messageID = e.MessageID
	}
	_, err := s.db.Exec(`INSERT INTO events (id, type, data, message_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Data, messageID, toMillis(e.CreatedAt))
	return err
}

// ListEvents returns a cursor-paginated page of events, optionally filtered
// by type and/or message id (§6 GET /internal/events).
func (s *Store) ListEvents(cursor int64, limit int, eventType, messageID string) ([]*model.Event, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	query := `SELECT id, type, data, message_id, created_at FROM events WHERE created_at > ?`
	args := []any{cursor}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	if messageID != "" {
		query += ` AND message_id = ?`
		args = append(args, messageID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Event
	var nextCursor = cursor
	for rows.Next() {
		e, createdAt, err := scanEventRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
		nextCursor = createdAt
	}
	return out, nextCursor, rows.Err()
}

// RecentEvents returns up to limit most-recent events ascending by creation
// time, for history replay on subscribe (§4.2).
func (s *Store) RecentEvents(limit int) ([]*model.Event, error) {
	rows, err := s.db.Query(`SELECT id, type, data, message_id, created_at FROM events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		e, _, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append([]*model.Event{e}, out...)
	}
	return out, rows.Err()
}

func scanEventRow(rows *sql.Rows) (*model.Event, int64, error) {
	var e model.Event
	var eventType string
	var messageID sql.NullString
	var createdAt int64
	if err := rows.Scan(&e.ID, &eventType, &e.Data, &messageID, &createdAt); err != nil {
		return nil, 0, err
	}
	e.Type = model.EventType(eventType)
	if messageID.Valid {
		e.MessageID = messageID.String
	}
	e.CreatedAt = fromMillis(createdAt)
	return &e, createdAt, nil
}
