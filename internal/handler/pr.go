package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/sandboxctl/server/internal/model"
)

type createPRRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CreatePR handles POST /internal/create-pr (§4.6): resolves the default
// branch, derives the head branch, mints a push-scoped installation token,
// asks the sandbox to push, then opens the PR with the acting user's own
// token.
func (h *Handler) CreatePR(w http.ResponseWriter, r *http.Request) {
	var req createPRRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	msg, err := h.store.GetProcessingMessage()
	if err != nil || msg == nil {
		writeError(w, http.StatusBadRequest, "no_processing_message", "no message is currently processing")
		return
	}
	author, err := h.store.GetParticipantByID(msg.AuthorID)
	if err != nil || author == nil {
		writeError(w, http.StatusBadRequest, "no_processing_message", "processing message has no resolvable author")
		return
	}

	if author.HostTokenExpiresAt.Before(time.Now().Add(h.cfg.TokenSkew)) {
		writeError(w, http.StatusUnauthorized, "reauth_required", "acting user's host token is expired or about to expire")
		return
	}
	accessToken, err := h.enc.DecryptString(author.HostAccessTokenEnc)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "reauth_required", "acting user's host token could not be decrypted")
		return
	}

	sess, err := h.store.GetSession()
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no session")
		return
	}

	ctx := r.Context()
	defaultBranch, err := h.codehost.DefaultBranch(ctx, accessToken, sess.RepoOwner, sess.RepoName)
	if err != nil {
		writeError(w, http.StatusBadGateway, "codehost_error", "resolve default branch failed: "+err.Error())
		return
	}

	headBranch := fmt.Sprintf("sandboxctl/%s", sess.Name)

	if h.sandbox.IsSandboxOpen() {
		// sess.RepoID doubles as the GitHub App installation id bound to
		// this repository at init time.
		installToken, err := h.identity.InstallationToken(ctx, sess.RepoID)
		if err != nil {
			writeError(w, http.StatusBadGateway, "identity_error", "mint installation token failed: "+err.Error())
			return
		}
		if err := h.sandbox.SendToSandbox(map[string]any{
			"type":        "push",
			"branchName":  headBranch,
			"repoOwner":   sess.RepoOwner,
			"repoName":    sess.RepoName,
			"githubToken": installToken,
		}); err != nil {
			writeError(w, http.StatusBadGateway, "push_failed", "dispatch push command failed: "+err.Error())
			return
		}
		if err := h.router.AwaitPush(headBranch, h.cfg.PushTimeout); err != nil {
			writeError(w, http.StatusGatewayTimeout, "push_failed", err.Error())
			return
		}
	}
	// No sandbox connected: assume the user pushed manually and continue (§4.6 step 4).

	body := req.Body + fmt.Sprintf("\n\n---\n_Session: %s_", sess.Name)
	pr, err := h.codehost.CreatePullRequest(ctx, accessToken, sess.RepoOwner, sess.RepoName, req.Title, headBranch, defaultBranch, body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "codehost_error", "create pull request failed: "+err.Error())
		return
	}

	metadata, _ := json.Marshal(map[string]any{"number": pr.Number, "headBranch": headBranch, "baseBranch": defaultBranch})
	artifact := &model.Artifact{ID: uuid.NewString(), Type: model.ArtifactPR, URL: pr.URL, Metadata: string(metadata)}
	if err := h.store.InsertArtifact(artifact); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "persist artifact failed")
		return
	}
	if err := h.store.UpdateSessionBranch(sess.ID, headBranch); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "update session branch failed")
		return
	}
	h.bus.Broadcast("artifact_created", map[string]any{"artifact": artifact})

	writeJSON(w, http.StatusCreated, map[string]any{"url": pr.URL, "number": pr.Number})
}
