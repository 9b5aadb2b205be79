package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// CreateParticipant inserts a new participant. At most one participant may
// exist per user id (§3); callers should check GetParticipantByUserID first.
func (s *Store) CreateParticipant(p *model.Participant) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Role == "" {
		p.Role = model.RoleMember
	}
	_, err := s.db.Exec(`INSERT INTO participants
		(id, user_id, role, github_login, github_name, github_email, github_user_id,
		 host_access_token_enc, host_refresh_token_enc, host_token_expires_at,
		 ws_auth_token_hash, ws_auth_token_issued_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, string(p.Role), p.GitHubLogin, p.GitHubName, p.GitHubEmail, p.GitHubUserID,
		p.HostAccessTokenEnc, p.HostRefreshTokenEnc, toMillis(p.HostTokenExpiresAt),
		p.WSAuthTokenHash, toMillis(p.WSAuthTokenIssuedAt), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func scanParticipant(row *sql.Row) (*model.Participant, error) {
	var p model.Participant
	var role string
	var hostExp, wsIssued, createdAt, updatedAt int64
	err := row.Scan(&p.ID, &p.UserID, &role, &p.GitHubLogin, &p.GitHubName, &p.GitHubEmail, &p.GitHubUserID,
		&p.HostAccessTokenEnc, &p.HostRefreshTokenEnc, &hostExp, &p.WSAuthTokenHash, &wsIssued, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Role = model.ParticipantRole(role)
	p.HostTokenExpiresAt = fromMillis(hostExp)
	p.WSAuthTokenIssuedAt = fromMillis(wsIssued)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

const participantCols = `id, user_id, role, github_login, github_name, github_email, github_user_id,
	host_access_token_enc, host_refresh_token_enc, host_token_expires_at,
	ws_auth_token_hash, ws_auth_token_issued_at, created_at, updated_at`

// GetParticipantByUserID looks up a participant by external user id.
func (s *Store) GetParticipantByUserID(userID string) (*model.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantCols+` FROM participants WHERE user_id = ?`, userID)
	return scanParticipant(row)
}

// GetParticipantByID looks up a participant by internal id.
func (s *Store) GetParticipantByID(id string) (*model.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantCols+` FROM participants WHERE id = ?`, id)
	return scanParticipant(row)
}

// GetParticipantByWSTokenHash looks up a participant by the SHA-256 hash of
// its plaintext WebSocket auth token (§4.2 subscribe validation).
func (s *Store) GetParticipantByWSTokenHash(hash string) (*model.Participant, error) {
	row := s.db.QueryRow(`SELECT `+participantCols+` FROM participants WHERE ws_auth_token_hash = ?`, hash)
	return scanParticipant(row)
}

// ListParticipants returns all participants for the session.
func (s *Store) ListParticipants() ([]*model.Participant, error) {
	rows, err := s.db.Query(`SELECT ` + participantCols + ` FROM participants ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Participant
	for rows.Next() {
		var p model.Participant
		var role string
		var hostExp, wsIssued, createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.UserID, &role, &p.GitHubLogin, &p.GitHubName, &p.GitHubEmail, &p.GitHubUserID,
			&p.HostAccessTokenEnc, &p.HostRefreshTokenEnc, &hostExp, &p.WSAuthTokenHash, &wsIssued, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.Role = model.ParticipantRole(role)
		p.HostTokenExpiresAt = fromMillis(hostExp)
		p.WSAuthTokenIssuedAt = fromMillis(wsIssued)
		p.CreatedAt = fromMillis(createdAt)
		p.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// SetParticipantWSToken persists a newly minted WebSocket token's hash
// (§6 POST /internal/ws-token). The plaintext token is never stored.
func (s *Store) SetParticipantWSToken(participantID, hash string) error {
	now := time.Now()
	_, err := s.db.Exec(`UPDATE participants SET ws_auth_token_hash = ?, ws_auth_token_issued_at = ?, updated_at = ? WHERE id = ?`,
		hash, toMillis(now), toMillis(now), participantID)
	return err
}

// SetParticipantHostTokens persists refreshed, envelope-encrypted host
// access/refresh tokens and their expiry.
func (s *Store) SetParticipantHostTokens(participantID, accessEnc, refreshEnc string, expiresAt time.Time) error {
	_, err := s.db.Exec(`UPDATE participants SET host_access_token_enc = ?, host_refresh_token_enc = ?, host_token_expires_at = ?, updated_at = ? WHERE id = ?`,
		accessEnc, refreshEnc, toMillis(expiresAt), toMillis(time.Now()), participantID)
	return err
}
