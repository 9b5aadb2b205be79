package codehost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultBranch(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(repoResponse{DefaultBranch: "main"})
	}))
	defer srv.Close()

	c := &Client{httpClient: srv.Client(), baseURL: srv.URL}
	branch, err := c.DefaultBranch(context.Background(), "token-abc", "acme", "widget")
	if err != nil {
		t.Fatalf("DefaultBranch: %v", err)
	}
	if branch != "main" {
		t.Errorf("branch = %q, want main", branch)
	}
	if gotAuth != "Bearer token-abc" {
		t.Errorf("Authorization header = %q", gotAuth)
	}
	if gotPath != "/repos/acme/widget" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestCreatePullRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body createPRRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Head != "sandboxctl/my-session" || body.Base != "main" {
			t.Errorf("unexpected PR request body: %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(PullRequest{Number: 42, URL: "https://github.com/acme/widget/pull/42"})
	}))
	defer srv.Close()

	c := &Client{httpClient: srv.Client(), baseURL: srv.URL}
	pr, err := c.CreatePullRequest(context.Background(), "token-abc", "acme", "widget", "title", "sandboxctl/my-session", "main", "body")
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 42 || pr.URL == "" {
		t.Errorf("unexpected PR: %+v", pr)
	}
}

func TestDoSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"bad credentials"}`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	err := c.do(context.Background(), http.MethodGet, srv.URL, "bad-token", nil, nil)
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
}
