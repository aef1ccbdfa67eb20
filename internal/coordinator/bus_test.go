package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/pkg/models"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "memory.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := NewBus(store.DB(), nil)
	t.Cleanup(b.Close)
	return b
}

func TestSendDeliversAndPersists(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	inbox := bus.Subscribe("scout")

	sent, err := bus.Send(ctx, models.BotMessage{
		Sender:    "leader",
		Recipient: "scout",
		Type:      models.BotMessageQuery,
		Content:   "what did we learn about grafana?",
		Context:   map[string]any{"room": "general"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ID == "" || sent.ConversationID == "" {
		t.Fatalf("send must assign id and conversation, got %+v", sent)
	}

	got := <-inbox
	if got.ID != sent.ID || got.Content != sent.Content {
		t.Fatalf("delivered message mismatch: %+v", got)
	}

	thread, err := bus.Conversation(ctx, sent.ConversationID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(thread) != 1 || thread[0].Context["room"] != "general" {
		t.Fatalf("persisted thread mismatch: %+v", thread)
	}
}

func TestBroadcastSkipsSender(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	scout := bus.Subscribe("scout")
	writer := bus.Subscribe("writer")
	leader := bus.Subscribe("leader")

	if _, err := bus.Send(ctx, models.BotMessage{
		Sender:    "leader",
		Recipient: models.BroadcastRecipient,
		Type:      models.BotMessageInfo,
		Content:   "standup in 5",
	}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if len(scout) != 1 || len(writer) != 1 {
		t.Fatalf("both peers should receive the broadcast, got %d/%d", len(scout), len(writer))
	}
	if len(leader) != 0 {
		t.Fatal("broadcast must not echo to the sender")
	}
}

func TestReplyThreadsOntoOriginal(t *testing.T) {
	ctx := context.Background()
	bus := newTestBus(t)
	bus.Subscribe("leader")

	query, err := bus.Send(ctx, models.BotMessage{
		Sender:    "leader",
		Recipient: "scout",
		Type:      models.BotMessageQuery,
		Content:   "status?",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	resp, err := bus.Reply(ctx, query, "scout", "halfway done")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if resp.ResponseTo != query.ID || resp.ConversationID != query.ConversationID {
		t.Fatalf("reply must thread onto the original, got %+v", resp)
	}

	thread, err := bus.Conversation(ctx, query.ConversationID)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(thread) != 2 {
		t.Fatalf("expected 2 messages in thread, got %d", len(thread))
	}
}

func TestResponseRequiresThreading(t *testing.T) {
	bus := newTestBus(t)
	_, err := bus.Send(context.Background(), models.BotMessage{
		Sender:    "scout",
		Recipient: "leader",
		Type:      models.BotMessageResponse,
		Content:   "orphan answer",
	})
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}
