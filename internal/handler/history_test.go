package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

func TestEventsReturnsInsertedEvents(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	for i := 0; i < 3; i++ {
		if err := st.InsertEvent(&model.Event{ID: uuid.NewString(), Type: model.EventToken, Data: "{}"}); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/events?limit=2", nil)
	rec := httptest.NewRecorder()
	h.Events(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Events     []model.Event `json:"events"`
		NextCursor int64         `json:"nextCursor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 2 {
		t.Fatalf("expected limit=2 to be honored, got %d events", len(body.Events))
	}
}

func TestArtifactsReturnsInsertedArtifacts(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	if err := st.InsertArtifact(&model.Artifact{ID: "a1", Type: model.ArtifactPR, URL: "https://example.test/pr/1"}); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}

	rec := doJSON(h.Artifacts, http.MethodGet, "/internal/artifacts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Artifacts []model.Artifact `json:"artifacts"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %d", len(body.Artifacts))
	}
}

func TestMessagesFiltersByStatus(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	if err := st.InsertMessage(&model.Message{ID: "m1", AuthorID: "a1", Content: "hi"}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if err := st.InsertMessage(&model.Message{ID: "m2", AuthorID: "a1", Content: "done"}); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	if err := st.MarkProcessing("m2"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := st.CompleteMessage("m2", true, ""); err != nil {
		t.Fatalf("complete message: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/messages?status=completed", nil)
	rec := httptest.NewRecorder()
	h.Messages(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body struct {
		Messages []model.Message `json:"messages"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Messages) != 1 || body.Messages[0].ID != "m2" {
		t.Fatalf("expected only completed message m2, got %+v", body.Messages)
	}
}

func TestParseInt64AndClampLimit(t *testing.T) {
	if got := parseInt64("", 5); got != 5 {
		t.Errorf("parseInt64 default = %d, want 5", got)
	}
	if got := parseInt64("not-a-number", 5); got != 5 {
		t.Errorf("parseInt64 invalid = %d, want 5", got)
	}
	if got := parseInt64("42", 5); got != 42 {
		t.Errorf("parseInt64 = %d, want 42", got)
	}

	if got := clampLimit("", 200, 50); got != 50 {
		t.Errorf("clampLimit default = %d, want 50", got)
	}
	if got := clampLimit("9999", 200, 50); got != 200 {
		t.Errorf("clampLimit cap = %d, want 200", got)
	}
	if got := clampLimit("-1", 200, 50); got != 50 {
		t.Errorf("clampLimit negative = %d, want default 50", got)
	}
}
