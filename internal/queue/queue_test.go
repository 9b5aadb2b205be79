package queue

import (
	"context"
	"testing"
	"time"

	"github.com/anthropics/sandboxctl/server/internal/config"
	"github.com/anthropics/sandboxctl/server/internal/model"
	"github.com/anthropics/sandboxctl/server/internal/store"
)

type fakeDispatcher struct {
	open    bool
	sent    []any
	sendErr error
}

func (f *fakeDispatcher) IsSandboxOpen() bool { return f.open }
func (f *fakeDispatcher) SendToSandbox(v any) error {
	f.sent = append(f.sent, v)
	return f.sendErr
}

type fakeBus struct {
	msgTypes []string
}

func (f *fakeBus) Broadcast(msgType string, payload any) { f.msgTypes = append(f.msgTypes, msgType) }

type fakeEnsurer struct {
	ensureCalls      int
	snapshotCalls    []string
	alarmRescheduled bool
}

func (f *fakeEnsurer) EnsureSandbox(ctx context.Context, sess *model.Session) error {
	f.ensureCalls++
	return nil
}
func (f *fakeEnsurer) Snapshot(ctx context.Context, reason string) { f.snapshotCalls = append(f.snapshotCalls, reason) }
func (f *fakeEnsurer) RescheduleInactivityAlarm()                  { f.alarmRescheduled = true }

func newTestQueue(t *testing.T) (*Queue, *store.Store, *fakeDispatcher, *fakeBus, *fakeEnsurer) {
	t.Helper()
	st, err := store.OpenMemory(t.Name())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sess := &model.Session{ID: "sess-1", Name: "test", RepoOwner: "acme", RepoName: "widget", Status: model.SessionStatusActive}
	if err := st.CreateSession(sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := st.CreatePendingSandbox("sb-1", sess.ID); err != nil {
		t.Fatalf("create sandbox: %v", err)
	}
	author := &model.Participant{ID: "part-1", UserID: "user-1", Role: model.RoleOwner, GitHubLogin: "alice"}
	if err := st.CreateParticipant(author); err != nil {
		t.Fatalf("create participant: %v", err)
	}

	dispatcher := &fakeDispatcher{}
	bus := &fakeBus{}
	ensurer := &fakeEnsurer{}
	cfg := &config.Config{DefaultModel: "default-model"}
	q := New(st, cfg, dispatcher, bus, ensurer, nil)
	return q, st, dispatcher, bus, ensurer
}

func TestEnqueueNoOpenSandboxTriggersEnsure(t *testing.T) {
	q, st, dispatcher, bus, ensurer := newTestQueue(t)
	dispatcher.open = false

	id, position, err := q.Enqueue(context.Background(), "part-1", "hello", model.SourceWeb, "", "", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if position != 1 {
		t.Errorf("position = %d, want 1", position)
	}
	if ensurer.ensureCalls != 1 {
		t.Errorf("expected EnsureSandbox called once, got %d", ensurer.ensureCalls)
	}
	if len(dispatcher.sent) != 0 {
		t.Errorf("expected no dispatch while sandbox closed, got %+v", dispatcher.sent)
	}
	if len(bus.msgTypes) == 0 || bus.msgTypes[0] != "prompt_queued" {
		t.Errorf("expected prompt_queued broadcast, got %+v", bus.msgTypes)
	}

	msg, err := st.GetMessage(id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != model.MessageStatusPending {
		t.Errorf("expected message to remain pending, got %v", msg.Status)
	}
}

func TestEnqueueWithOpenSandboxDispatchesImmediately(t *testing.T) {
	q, st, dispatcher, _, _ := newTestQueue(t)
	dispatcher.open = true

	id, _, err := q.Enqueue(context.Background(), "part-1", "hello", model.SourceWeb, "", "", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(dispatcher.sent) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(dispatcher.sent))
	}
	cmd, ok := dispatcher.sent[0].(map[string]any)
	if !ok || cmd["messageId"] != id || cmd["model"] != "default-model" {
		t.Errorf("unexpected command: %+v", cmd)
	}
	if author, ok := cmd["author"].(map[string]any); !ok || author["login"] != "alice" {
		t.Errorf("expected author info attached, got %+v", cmd["author"])
	}

	msg, err := st.GetMessage(id)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Status != model.MessageStatusProcessing {
		t.Errorf("expected message marked processing, got %v", msg.Status)
	}
}

func TestDriveSkipsWhileMessageProcessing(t *testing.T) {
	q, st, dispatcher, _, _ := newTestQueue(t)
	dispatcher.open = true

	id1, _, _ := q.Enqueue(context.Background(), "part-1", "first", model.SourceWeb, "", "", "")
	_, _, _ = q.Enqueue(context.Background(), "part-1", "second", model.SourceWeb, "", "", "")

	if len(dispatcher.sent) != 1 {
		t.Fatalf("expected only the first message dispatched, got %d sends", len(dispatcher.sent))
	}

	msg1, _ := st.GetMessage(id1)
	if msg1.Status != model.MessageStatusProcessing {
		t.Fatalf("expected first message processing, got %v", msg1.Status)
	}
}

func TestCompleteDrivesNextMessage(t *testing.T) {
	q, st, dispatcher, _, ensurer := newTestQueue(t)
	dispatcher.open = true

	id1, _, _ := q.Enqueue(context.Background(), "part-1", "first", model.SourceWeb, "", "", "")
	id2, _, _ := q.Enqueue(context.Background(), "part-1", "second", model.SourceWeb, "", "", "")

	q.Complete(context.Background(), id1, true, "")

	msg1, _ := st.GetMessage(id1)
	if msg1.Status != model.MessageStatusCompleted {
		t.Fatalf("expected first message completed, got %v", msg1.Status)
	}
	msg2, _ := st.GetMessage(id2)
	if msg2.Status != model.MessageStatusProcessing {
		t.Fatalf("expected second message to start processing after completion, got %v", msg2.Status)
	}
	if len(ensurer.snapshotCalls) != 1 || ensurer.snapshotCalls[0] != "execution_complete" {
		t.Fatalf("expected a snapshot request on completion, got %+v", ensurer.snapshotCalls)
	}
	if !ensurer.alarmRescheduled {
		t.Fatal("expected inactivity alarm rescheduled on completion")
	}
}

func TestCompleteFallsBackToProcessingMessage(t *testing.T) {
	q, st, dispatcher, _, _ := newTestQueue(t)
	dispatcher.open = true

	id, _, _ := q.Enqueue(context.Background(), "part-1", "only", model.SourceWeb, "", "", "")

	q.Complete(context.Background(), "", false, "sandbox crashed")

	msg, _ := st.GetMessage(id)
	if msg.Status != model.MessageStatusFailed {
		t.Fatalf("expected message failed, got %v", msg.Status)
	}
	if msg.ErrorMessage != "sandbox crashed" {
		t.Fatalf("expected error message recorded, got %q", msg.ErrorMessage)
	}
}

func TestEnqueueFromClientLogsAndDoesNotPanicOnFailure(t *testing.T) {
	q, _, dispatcher, _, _ := newTestQueue(t)
	dispatcher.open = true
	q.EnqueueFromClient(context.Background(), "part-1", "hi", "", "")

	deadline := time.Now().Add(time.Second)
	for len(dispatcher.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(dispatcher.sent) != 1 {
		t.Fatalf("expected EnqueueFromClient to dispatch, got %d sends", len(dispatcher.sent))
	}
}
