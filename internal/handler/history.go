package handler

import (
	"net/http"
	"strconv"
)

// Events handles GET /internal/events?cursor=&limit=&type=&message_id=.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	cursor := parseInt64(r.URL.Query().Get("cursor"), 0)
	limit := clampLimit(r.URL.Query().Get("limit"), 200, 50)
	eventType := r.URL.Query().Get("type")
	messageID := r.URL.Query().Get("message_id")

	items, nextCursor, err := h.store.ListEvents(cursor, limit, eventType, messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items, "nextCursor": nextCursor})
}

// Artifacts handles GET /internal/artifacts.
func (h *Handler) Artifacts(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListArtifacts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list artifacts failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": items})
}

// Messages handles GET /internal/messages?cursor=&limit=&status=.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	cursor := parseInt64(r.URL.Query().Get("cursor"), 0)
	limit := clampLimit(r.URL.Query().Get("limit"), 100, 50)
	status := r.URL.Query().Get("status")

	items, nextCursor, err := h.store.ListMessages(cursor, limit, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "list messages failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": items, "nextCursor": nextCursor})
}

func parseInt64(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func clampLimit(s string, max, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
