// Package queue implements the Prompt Queue (§4.3): an ordered, persisted
// FIFO of user prompts with a strict single-in-flight policy.
package queue

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/anthropics/sandboxctl/server/internal/callback"
	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

// SandboxDispatcher is the narrow slice of the Connection Hub the queue
// needs to deliver a prompt command and check sandbox liveness (§4.3 rule
// 3). Satisfied structurally by *hub.Hub.
type SandboxDispatcher interface {
	IsSandboxOpen() bool
	SendToSandbox(v any) error
}

// Broadcaster fans a queue-originated message out to clients.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// LifecycleEffects is the slice of the lifecycle Controller the queue
// drives directly: spawning when work arrives with no sandbox, requesting
// a snapshot on completion, and rearming the single inactivity alarm.
// Satisfied by *lifecycle.Controller.
type LifecycleEffects interface {
	EnsureSandbox(ctx context.Context, sess *model.Session) error
	Snapshot(ctx context.Context, reason string)
	RescheduleInactivityAlarm()
}

// Queue is the per-session Prompt Queue.
type Queue struct {
	store      *store.Store
	cfg        *config.Config
	dispatcher SandboxDispatcher
	bus        Broadcaster
	ensurer    LifecycleEffects
	callbacks  *callback.Notifier
}

// New constructs a Queue bound to one session's store.
func New(st *store.Store, cfg *config.Config, dispatcher SandboxDispatcher, bus Broadcaster, ensurer LifecycleEffects, notifier *callback.Notifier) *Queue {
	return &Queue{store: st, cfg: cfg, dispatcher: dispatcher, bus: bus, ensurer: ensurer, callbacks: notifier}
}

// Enqueue performs the atomic insert described in §4.3 step 1 and returns
// the new queue position.
func (q *Queue) Enqueue(ctx context.Context, authorID, content string, source model.MessageSource, modelOverride, attachments, callbackContext string) (string, int, error) {
	msg := &model.Message{
		ID:              uuid.NewString(),
		AuthorID:        authorID,
		Content:         content,
		Source:          source,
		Model:           modelOverride,
		Attachments:     attachments,
		CallbackContext: callbackContext,
	}
	if err := q.store.InsertMessage(msg); err != nil {
		return "", 0, fmt.Errorf("enqueue message: %w", err)
	}
	position, err := q.store.QueuePosition()
	if err != nil {
		return "", 0, fmt.Errorf("compute queue position: %w", err)
	}
	q.bus.Broadcast("prompt_queued", map[string]any{"messageId": msg.ID, "position": position})
	q.Drive(ctx)
	return msg.ID, position, nil
}

// EnqueueFromClient adapts a client `prompt` WebSocket message to Enqueue,
// satisfying hub.Enqueuer.
func (q *Queue) EnqueueFromClient(ctx context.Context, participantID, content, modelOverride, attachments string) {
	if _, _, err := q.Enqueue(ctx, participantID, content, model.SourceWeb, modelOverride, attachments, ""); err != nil {
		log.Printf("queue: enqueue from client failed: %v", err)
	}
}

// Drive implements the four ordered rules of §4.3's processing driver, and
// satisfies hub.PromptDriver (invoked again whenever the sandbox accepts).
func (q *Queue) Drive(ctx context.Context) {
	processing, err := q.store.HasProcessingMessage()
	if err != nil {
		log.Printf("queue: drive: check processing failed: %v", err)
		return
	}
	if processing {
		return // a completion event will re-trigger (§4.3 rule 1)
	}

	msg, err := q.store.OldestPending()
	if err != nil {
		return // nothing pending
	}

	if !q.dispatcher.IsSandboxOpen() {
		sess, err := q.store.GetSession()
		if err != nil {
			return
		}
		if err := q.ensurer.EnsureSandbox(ctx, sess); err != nil {
			log.Printf("queue: drive: ensure sandbox failed: %v", err)
		}
		return // message stays pending, picked up when the sandbox connects
	}

	sess, err := q.store.GetSession()
	if err != nil {
		return
	}
	if err := q.store.MarkProcessing(msg.ID); err != nil {
		log.Printf("queue: drive: mark processing failed: %v", err)
		return
	}
	_ = q.store.StampActivity(time.Now())

	resolvedModel := msg.Model
	if resolvedModel == "" {
		resolvedModel = sess.Model
	}
	if resolvedModel == "" {
		resolvedModel = q.cfg.DefaultModel
	}

	author, _ := q.store.GetParticipantByID(msg.AuthorID)
	command := map[string]any{
		"type":      "prompt",
		"messageId": msg.ID,
		"content":   msg.Content,
		"model":     resolvedModel,
	}
	if author != nil {
		command["author"] = map[string]any{
			"id":    author.ID,
			"login": author.GitHubLogin,
			"name":  author.GitHubName,
		}
	}
	if msg.Attachments != "" {
		command["attachments"] = msg.Attachments
	}
	if err := q.dispatcher.SendToSandbox(command); err != nil {
		log.Printf("queue: drive: dispatch to sandbox failed: %v", err)
	}
}

// Complete implements the completion path of §4.3: resolve the processing
// message, fire a snapshot request, stamp activity, reschedule the alarm,
// and re-enter the driver. messageID may be empty, in which case the
// currently-processing row is used as a fallback (§9 "Event-to-message
// attribution").
func (q *Queue) Complete(ctx context.Context, messageID string, success bool, errMsg string) {
	var msg *model.Message
	var err error
	if messageID != "" {
		msg, err = q.store.GetMessage(messageID)
	} else {
		msg, err = q.store.GetProcessingMessage()
	}
	if err != nil || msg == nil {
		log.Printf("queue: complete: no matching message (id=%q): %v", messageID, err)
		return
	}

	if err := q.store.CompleteMessage(msg.ID, success, errMsg); err != nil {
		log.Printf("queue: complete: %v", err)
		return
	}
	_ = q.store.StampActivity(time.Now())
	q.ensurer.Snapshot(ctx, "execution_complete")
	q.ensurer.RescheduleInactivityAlarm()

	if msg.CallbackContext != "" && q.callbacks != nil {
		sess, _ := q.store.GetSession()
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
		}
		go q.callbacks.Notify(context.Background(), sessionID, msg.ID, success, msg.CallbackContext)
	}

	q.Drive(ctx)
}
