package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/sandboxctl/server/internal/middleware"
	"github.com/anthropics/sandboxctl/server/internal/model"
)

func doJSON(h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestInitCreatesSessionSandboxAndOwner(t *testing.T) {
	h, st, _, _ := newTestHandler(t)

	rec := doJSON(h.Init, http.MethodPost, "/internal/init", initRequest{
		SessionName: "my-session",
		RepoOwner:   "acme",
		RepoName:    "widget",
		RepoID:      "repo-1",
		UserID:      "user-1",
		GitHubLogin: "alice",
		GitHubToken: "gho_plaintext",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	sess, err := st.GetSession()
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Name != "my-session" || sess.Status != model.SessionStatusCreated {
		t.Fatalf("unexpected session: %+v", sess)
	}

	sb, err := st.GetSandbox()
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.Status != model.SandboxPending {
		t.Fatalf("expected pending sandbox, got %v", sb.Status)
	}

	participants, err := st.ListParticipants()
	if err != nil || len(participants) != 1 {
		t.Fatalf("expected one owner participant, got %+v, err %v", participants, err)
	}
	if participants[0].Role != model.RoleOwner {
		t.Fatalf("expected owner role, got %v", participants[0].Role)
	}
	if participants[0].HostAccessTokenEnc == "" {
		t.Fatal("expected github token to be encrypted and stored")
	}
}

func TestInitRejectsMissingFields(t *testing.T) {
	h, _, _, _ := newTestHandler(t)

	rec := doJSON(h.Init, http.MethodPost, "/internal/init", initRequest{SessionName: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStateReturnsSessionAndSandbox(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	sess := &model.Session{ID: "sess-1", Name: "s", RepoOwner: "acme", RepoName: "widget", Status: model.SessionStatusActive}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := st.CreatePendingSandbox("sb-1", sess.ID); err != nil {
		t.Fatalf("create sandbox: %v", err)
	}

	rec := doJSON(h.State, http.MethodGet, "/internal/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStateNotFoundWithoutSession(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	rec := doJSON(h.State, http.MethodGet, "/internal/state", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestArchiveAndUnarchiveBroadcastStatus(t *testing.T) {
	h, st, _, bus := newTestHandler(t)
	sess := &model.Session{ID: "sess-1", Name: "s", RepoOwner: "acme", RepoName: "widget", Status: model.SessionStatusActive}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	owner := &model.Participant{ID: "part-1", UserID: "user-1", Role: model.RoleOwner}
	if err := st.CreateParticipant(owner); err != nil {
		t.Fatalf("create participant: %v", err)
	}

	rec := doJSON(h.Archive, http.MethodPost, "/internal/archive", archiveRequest{UserID: "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("archive status = %d, body = %s", rec.Code, rec.Body.String())
	}
	sess, _ = st.GetSession()
	if sess.Status != model.SessionStatusArchived {
		t.Fatalf("expected archived, got %v", sess.Status)
	}

	rec = doJSON(h.Unarchive, http.MethodPost, "/internal/unarchive", archiveRequest{UserID: "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unarchive status = %d", rec.Code)
	}
	sess, _ = st.GetSession()
	if sess.Status != model.SessionStatusActive {
		t.Fatalf("expected active, got %v", sess.Status)
	}

	if len(bus.types) != 2 || bus.types[0] != "session_status" || bus.types[1] != "session_status" {
		t.Fatalf("expected two session_status broadcasts, got %+v", bus.types)
	}
}

func TestArchiveRejectsUnknownUser(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	sess := &model.Session{ID: "sess-1", Name: "s", RepoOwner: "acme", RepoName: "widget", Status: model.SessionStatusActive}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := doJSON(h.Archive, http.MethodPost, "/internal/archive", archiveRequest{UserID: "ghost"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

// TestArchivePrefersBearerUserIDOverBody confirms that a bearer-derived
// identity wins over a conflicting userId in the body, matching the
// precedence RequireUserID is wired for.
func TestArchivePrefersBearerUserIDOverBody(t *testing.T) {
	h, st, _, _ := newTestHandler(t)
	sess := &model.Session{ID: "sess-1", Name: "s", RepoOwner: "acme", RepoName: "widget", Status: model.SessionStatusActive}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	owner := &model.Participant{ID: "part-1", UserID: "user-1", Role: model.RoleOwner}
	if err := st.CreateParticipant(owner); err != nil {
		t.Fatalf("create participant: %v", err)
	}

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(archiveRequest{UserID: "ghost"})
	req := httptest.NewRequest(http.MethodPost, "/internal/archive", &buf)
	req.Header.Set("Authorization", "Bearer user-1")
	rec := httptest.NewRecorder()

	middleware.RequireUserID(http.HandlerFunc(h.Archive)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	sess, _ = st.GetSession()
	if sess.Status != model.SessionStatusArchived {
		t.Fatalf("expected archived using bearer identity despite mismatched body userId, got %v", sess.Status)
	}
}
