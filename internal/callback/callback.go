// Package callback implements the outbound callback port (§6): a signed
// HTTP notification posted to a third party when a message carrying
// callback_context completes.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notifier posts signed completion notifications with a bounded retry,
// grounded on the teacher's raw net/http + encoding/json outbound-call
// idiom (internal/oauth/anthropic.go).
type Notifier struct {
	endpoint string
	secret   string
	client   *http.Client
}

// New constructs a Notifier. endpoint is the configured per-deployment
// callback URL; an empty endpoint makes Notify a no-op (no callback
// configured is a valid deployment, per §6 "when a message carries
// callback_context").
func New(endpoint, secret string) *Notifier {
	return &Notifier{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type unsignedBody struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Timestamp int64  `json:"timestamp"`
	Context   string `json:"context"`
}

type signedBody struct {
	unsignedBody
	Signature string `json:"signature"`
}

// Notify posts the completion payload, retrying at most twice, 1 s apart.
// Failure is logged, never fatal (§6 "Retries").
func (n *Notifier) Notify(ctx context.Context, sessionID, messageID string, success bool, callbackContext string) {
	if n.endpoint == "" {
		return
	}

	unsigned := unsignedBody{
		SessionID: sessionID,
		MessageID: messageID,
		Success:   success,
		Timestamp: time.Now().UnixMilli(),
		Context:   callbackContext,
	}
	canonical, err := json.Marshal(unsigned)
	if err != nil {
		log.Printf("callback: marshal failed: %v", err)
		return
	}

	body := signedBody{unsignedBody: unsigned, Signature: n.sign(canonical)}
	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("callback: marshal signed body failed: %v", err)
		return
	}

	const maxAttempts = 2
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Second)
		}
		if lastErr = n.post(ctx, payload); lastErr == nil {
			return
		}
	}
	log.Printf("callback: notify failed after %d attempts: %v", maxAttempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// sign computes HMAC-SHA-256 over the canonical JSON of the unsigned body
// (§6 "Signature = HMAC-SHA-256 ... over the canonical JSON").
func (n *Notifier) sign(canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(n.secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}
