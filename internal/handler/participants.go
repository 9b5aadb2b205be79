package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

// ListParticipants handles GET /internal/participants.
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := h.store.ListParticipants()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list participants failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": participants})
}

type addParticipantRequest struct {
	UserID      string `json:"userId"`
	Role        string `json:"role"`
	GitHubLogin string `json:"githubLogin"`
	GitHubName  string `json:"githubName"`
	GitHubEmail string `json:"githubEmail"`
}

// AddParticipant handles POST /internal/participants.
func (h *Handler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req addParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	if existing, _ := h.store.GetParticipantByUserID(req.UserID); existing != nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}
	role := model.ParticipantRole(req.Role)
	if role == "" {
		role = model.RoleMember
	}
	p := &model.Participant{
		ID: uuid.NewString(), UserID: req.UserID, Role: role,
		GitHubLogin: req.GitHubLogin, GitHubName: req.GitHubName, GitHubEmail: req.GitHubEmail,
	}
	if err := h.store.CreateParticipant(p); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "create participant failed")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
