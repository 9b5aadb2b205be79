package store

import (
	"time"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// InsertArtifact persists a new artifact (§4.6 step 6, append-only per §3).
func (s *Store) InsertArtifact(a *model.Artifact) error {
	a.CreatedAt = time.Now()
	_, err := s.db.Exec(`INSERT INTO artifacts (id, type, url, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, string(a.Type), a.URL, a.Metadata, toMillis(a.CreatedAt))
	return err
}

// ListArtifacts returns all artifacts for the session, newest first.
func (s *Store) ListArtifacts() ([]*model.Artifact, error) {
	rows, err := s.db.Query(`SELECT id, type, url, metadata, created_at FROM artifacts ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Artifact
	for rows.Next() {
		var a model.Artifact
		var t string
		var createdAt int64
		if err := rows.Scan(&a.ID, &t, &a.URL, &a.Metadata, &createdAt); err != nil {
			return nil, err
		}
		a.Type = model.ArtifactType(t)
		a.CreatedAt = fromMillis(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
