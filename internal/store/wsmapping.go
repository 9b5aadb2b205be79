package store

import (
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// UpsertWSClientMapping records (socket id -> participant id, client id),
// used to reconstruct client identity after host hibernation (§4.2, §5).
func (s *Store) UpsertWSClientMapping(m *model.WSClientMapping) error {
	m.CreatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO ws_client_mapping (socket_id, participant_id, client_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(socket_id) DO UPDATE SET participant_id = excluded.participant_id, client_id = excluded.client_id`,
		m.SocketID, m.ParticipantID, m.ClientID, toMillis(m.CreatedAt))
	return err
}

// GetWSClientMapping looks up a socket's recorded identity.
func (s *Store) GetWSClientMapping(socketID string) (*model.WSClientMapping, error) {
	row := s.db.QueryRow(`SELECT socket_id, participant_id, client_id, created_at FROM ws_client_mapping WHERE socket_id = ?`, socketID)
	var m model.WSClientMapping
	var createdAt int64
	if err := row.Scan(&m.SocketID, &m.ParticipantID, &m.ClientID, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

// DeleteWSClientMapping removes a mapping once its socket closes.
func (s *Store) DeleteWSClientMapping(socketID string) error {
	_, err := s.db.Exec(`DELETE FROM ws_client_mapping WHERE socket_id = ?`, socketID)
	return err
}
