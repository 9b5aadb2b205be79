package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/anthropics/sandboxctl/server/internal/middleware"
	"github.com/anthropics/sandboxctl/server/internal/model"
)

type initRequest struct {
	SessionName          string `json:"sessionName"`
	RepoOwner            string `json:"repoOwner"`
	RepoName             string `json:"repoName"`
	RepoID               string `json:"repoId"`
	Title                string `json:"title"`
	Model                string `json:"model"`
	UserID               string `json:"userId"`
	GitHubLogin          string `json:"githubLogin"`
	GitHubName           string `json:"githubName"`
	GitHubEmail          string `json:"githubEmail"`
	GitHubToken          string `json:"githubToken"`
	GitHubTokenEncrypted string `json:"githubTokenEncrypted"`
}

// Init handles POST /internal/init: creates the session row, the pending
// sandbox row (created_at=0, §3 invariant), and the owner participant.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.SessionName == "" || req.RepoOwner == "" || req.RepoName == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "sessionName, repoOwner, repoName, userId are required")
		return
	}

	sess := &model.Session{
		ID:        uuid.NewString(),
		Name:      req.SessionName,
		Title:     req.Title,
		RepoOwner: req.RepoOwner,
		RepoName:  req.RepoName,
		RepoID:    req.RepoID,
		Model:     req.Model,
		Status:    model.SessionStatusCreated,
	}
	if err := h.store.CreateSession(sess); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "create session failed")
		return
	}
	if err := h.store.CreatePendingSandbox(uuid.NewString(), sess.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "create sandbox failed")
		return
	}

	accessEnc := req.GitHubTokenEncrypted
	if accessEnc == "" && req.GitHubToken != "" {
		var err error
		accessEnc, err = h.enc.EncryptString(req.GitHubToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "encrypt token failed")
			return
		}
	}
	participant := &model.Participant{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		Role:               model.RoleOwner,
		GitHubLogin:        req.GitHubLogin,
		GitHubName:         req.GitHubName,
		GitHubEmail:        req.GitHubEmail,
		HostAccessTokenEnc: accessEnc,
	}
	if err := h.store.CreateParticipant(participant); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "create participant failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": sess.ID, "status": "created"})
}

// State handles GET /internal/state.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	sess, err := h.store.GetSession()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no session")
		return
	}
	sb, _ := h.store.GetSandbox()
	writeJSON(w, http.StatusOK, map[string]any{"session": sess, "sandbox": sb})
}

type archiveRequest struct {
	UserID string `json:"userId"`
}

// Archive handles POST /internal/archive.
func (h *Handler) Archive(w http.ResponseWriter, r *http.Request) {
	h.setSessionStatus(w, r, model.SessionStatusArchived)
}

// Unarchive handles POST /internal/unarchive.
func (h *Handler) Unarchive(w http.ResponseWriter, r *http.Request) {
	h.setSessionStatus(w, r, model.SessionStatusActive)
}

func (h *Handler) setSessionStatus(w http.ResponseWriter, r *http.Request, status model.SessionStatus) {
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	// A bearer-derived identity takes precedence over the body field: the
	// control plane forwards userId in the body today, but a caller that
	// authenticates directly with a user bearer token should not be able to
	// claim a different userId in the body.
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required")
		return
	}
	if _, err := h.store.GetParticipantByUserID(userID); err != nil {
		writeError(w, http.StatusForbidden, "forbidden", "userId does not match an existing participant")
		return
	}
	sess, err := h.store.GetSession()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no session")
		return
	}
	if err := h.store.UpdateSessionStatus(sess.ID, status); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "update status failed")
		return
	}
	h.bus.Broadcast("session_status", map[string]string{"status": string(status)})
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}
