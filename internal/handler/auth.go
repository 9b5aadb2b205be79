package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/anthropics/sandboxctl/server/internal/middleware"
	"github.com/anthropics/sandboxctl/server/internal/model"
)

// WSToken handles POST /internal/ws-token: mint a 256-bit token, persist
// only its SHA-256, return the plaintext once (§6).
func (h *Handler) WSToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "participantId is required")
		return
	}
	token, err := randomToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "token generation failed")
		return
	}
	if err := h.store.SetParticipantWSToken(req.ParticipantID, middleware.HashWSToken(token)); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "persist token failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// VerifySandboxToken handles POST /internal/verify-sandbox-token.
func (h *Handler) VerifySandboxToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	sb, err := h.store.GetSandbox()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"valid": false})
		return
	}
	valid := middleware.ConstantTimeEquals(req.Token, sb.AuthToken) &&
		sb.Status != model.SandboxStopped && sb.Status != model.SandboxStale
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
