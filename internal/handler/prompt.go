package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

type promptRequest struct {
	Content         string `json:"content"`
	AuthorID        string `json:"authorId"`
	Source          string `json:"source"`
	Attachments     string `json:"attachments"`
	CallbackContext string `json:"callbackContext"`
	Model           string `json:"model"`
}

// Prompt handles POST /internal/prompt.
func (h *Handler) Prompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Content == "" || req.AuthorID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "content and authorId are required")
		return
	}
	source := model.MessageSource(req.Source)
	if source == "" {
		source = model.SourceWeb
	}

	messageID, position, err := h.q.Enqueue(r.Context(), req.AuthorID, req.Content, source, req.Model, req.Attachments, req.CallbackContext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"messageId": messageID, "status": "queued", "position": position})
}

// Stop handles POST /internal/stop: a best-effort send, never an error to
// the caller if no sandbox is connected (§6).
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	if h.sandbox.IsSandboxOpen() {
		_ = h.sandbox.SendToSandbox(map[string]string{"type": "stop"})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SandboxEventHTTP handles POST /internal/sandbox-event: the HTTP fallback
// ingestion path for sandboxes that post instead of holding a socket open
// (§6).
func (h *Handler) SandboxEventHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	h.router.IngestEvent(r.Context(), raw)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
