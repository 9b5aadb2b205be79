package handler

import (
	"encoding/json"
	"net/http"

	"github.com/anthropics/sandboxctl/server/internal/secretstore"
)

// ListSecrets handles GET /internal/secrets (§4.7): key metadata only, no
// decrypted values.
func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no session")
		return
	}
	metas, err := h.secrets.List(sess.RepoID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list secrets failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": metas})
}

type setSecretsRequest struct {
	Secrets []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"secrets"`
}

// SetSecrets handles POST /internal/secrets (§4.7): validate and batch-
// upsert a repository's secrets, enforcing the keyspace/quota rules.
func (h *Handler) SetSecrets(w http.ResponseWriter, r *http.Request) {
	var req setSecretsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}

	sess, err := h.store.GetSession()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no session")
		return
	}

	secrets := make([]secretstore.Secret, 0, len(req.Secrets))
	for _, s := range req.Secrets {
		secrets = append(secrets, secretstore.Secret{Key: s.Key, Value: s.Value})
	}

	if err := h.secrets.SetSecrets(sess.RepoID, sess.RepoOwner, sess.RepoName, secrets, h.cfg); err != nil {
		if _, ok := err.(*secretstore.ValidationError); ok {
			writeError(w, http.StatusBadRequest, "validation", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "set secrets failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
