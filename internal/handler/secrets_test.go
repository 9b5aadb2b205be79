package handler

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/model"
)

func newTestHandlerWithSecrets(t *testing.T) (*Handler, *fakeBroadcaster) {
	t.Helper()
	h, st, _, bus := newTestHandler(t)
	h.secrets = newTestSecretStore(t)
	h.cfg = &config.Config{SecretMaxCount: 10, SecretMaxValueBytes: 1024, SecretMaxTotalBytes: 8192}

	sess := &model.Session{ID: "sess-1", Name: "s", RepoOwner: "acme", RepoName: "widget", RepoID: "repo-1", Status: model.SessionStatusActive}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return h, bus
}

func TestSetSecretsThenListSecrets(t *testing.T) {
	h, _ := newTestHandlerWithSecrets(t)

	setRec := doJSON(h.SetSecrets, http.MethodPost, "/internal/secrets", setSecretsRequest{
		Secrets: []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}{{Key: "api_key", Value: "shh"}},
	})
	if setRec.Code != http.StatusOK {
		t.Fatalf("set status = %d, body = %s", setRec.Code, setRec.Body.String())
	}

	listRec := doJSON(h.ListSecrets, http.MethodGet, "/internal/secrets", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRec.Code)
	}
	var body struct {
		Secrets []struct {
			Key string `json:"key"`
		} `json:"secrets"`
	}
	json.Unmarshal(listRec.Body.Bytes(), &body)
	if len(body.Secrets) != 1 || body.Secrets[0].Key != "API_KEY" {
		t.Fatalf("unexpected secrets list: %+v", body)
	}
}

func TestSetSecretsRejectsValidationErrorAsBadRequest(t *testing.T) {
	h, _ := newTestHandlerWithSecrets(t)

	rec := doJSON(h.SetSecrets, http.MethodPost, "/internal/secrets", setSecretsRequest{
		Secrets: []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}{{Key: "anthropic_api_key", Value: "x"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListSecretsNotFoundWithoutSession(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	h.secrets = newTestSecretStore(t)

	rec := doJSON(h.ListSecrets, http.MethodGet, "/internal/secrets", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
