package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/ensembleai/ensemble/internal/agent"
	"github.com/ensembleai/ensemble/internal/providers"
	"github.com/ensembleai/ensemble/internal/tools"
	"github.com/ensembleai/ensemble/pkg/models"
)

type cannedProvider struct {
	reply string
}

func (p *cannedProvider) Name() string { return "canned" }

func (p *cannedProvider) Chat(ctx context.Context, _ string, _ []providers.Message, _ []providers.ToolDef, _ providers.Options) (*providers.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &providers.Response{Content: p.reply}, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *captureSink) Append(_ context.Context, ev *models.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func (s *captureSink) botMessages() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, ev := range s.events {
		if ev.Type == models.EventBotMessage {
			out = append(out, ev)
		}
	}
	return out
}

func testRoster() *Roster {
	return NewRoster(
		models.RoleCard{Name: "leader", Role: "coordinator"},
		models.RoleCard{Name: "scout", Role: "researcher"},
		models.RoleCard{Name: "writer", Role: "writer", MaxConcurrentTasks: 1},
	)
}

func newTestDispatcher(t *testing.T, reply string, announce Announcer) (*Dispatcher, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	builder := agent.NewContextBuilder(nil, nil, nil, nil, agent.DefaultBudget(), 10)
	reg := tools.NewRegistry()
	exec := tools.NewExecutor(reg, sink, nil, nil)
	loop := agent.NewLoop(&cannedProvider{reply: reply}, reg, exec, builder, sink, nil, nil, nil, agent.Config{}, nil)
	return NewDispatcher(testRoster(), loop, sink, announce, nil), sink
}

func testRoom() *models.Room {
	return &models.Room{ID: "general", Type: models.RoomOpen, Participants: []string{"leader", "scout", "writer"}}
}

func event(content string) *models.Event {
	return &models.Event{
		ID:         "ev-1",
		Channel:    models.ChannelCLI,
		Type:       models.EventMessage,
		Content:    content,
		SessionKey: "room:general",
	}
}

func TestParseMentions(t *testing.T) {
	cases := []struct {
		content string
		bots    []string
		rooms   []string
	}{
		{"hello there", nil, nil},
		{"@scout find the report", []string{"scout"}, nil},
		{"@coordinator plan this", []string{"leader"}, nil},
		{"@nanobot and @Leader are one", []string{"leader"}, nil},
		{"@scout @writer split this up", []string{"scout", "writer"}, nil},
		{"move this to #planning please @scout", []string{"scout"}, []string{"planning"}},
	}
	for _, tc := range cases {
		got := ParseMentions(tc.content)
		if !reflect.DeepEqual(got.Bots, tc.bots) || !reflect.DeepEqual(got.Rooms, tc.rooms) {
			t.Errorf("ParseMentions(%q) = %+v, want bots=%v rooms=%v", tc.content, got, tc.bots, tc.rooms)
		}
	}
}

func TestRouteDefaultsToLeader(t *testing.T) {
	d, _ := newTestDispatcher(t, "ok", nil)
	primary, also, err := d.Route(testRoom(), event("no mentions here"))
	if err != nil {
		t.Fatal(err)
	}
	if primary.Name != "leader" || len(also) != 0 {
		t.Errorf("primary = %s, also = %v", primary.Name, also)
	}
}

func TestRouteSingleMentionFansOutThroughLeader(t *testing.T) {
	d, _ := newTestDispatcher(t, "ok", nil)
	primary, also, err := d.Route(testRoom(), event("@scout dig into this"))
	if err != nil {
		t.Fatal(err)
	}
	if primary.Name != "leader" {
		t.Errorf("primary = %s, want leader", primary.Name)
	}
	if len(also) != 1 || also[0].Name != "scout" {
		t.Errorf("also = %v, want [scout]", also)
	}
}

func TestRouteLeaderMentionIsJustTheLeaderTurn(t *testing.T) {
	d, _ := newTestDispatcher(t, "ok", nil)
	primary, also, err := d.Route(testRoom(), event("@leader what do you think"))
	if err != nil {
		t.Fatal(err)
	}
	if primary.Name != "leader" || len(also) != 0 {
		t.Errorf("primary = %s, also = %v", primary.Name, also)
	}
}

func TestRouteMultipleMentionsGoThroughLeader(t *testing.T) {
	d, _ := newTestDispatcher(t, "ok", nil)
	primary, also, err := d.Route(testRoom(), event("@scout @writer team up"))
	if err != nil {
		t.Fatal(err)
	}
	if primary.Name != "leader" {
		t.Errorf("primary = %s", primary.Name)
	}
	if len(also) != 2 || also[0].Name != "scout" || also[1].Name != "writer" {
		t.Errorf("also = %v", also)
	}
}

func TestRouteUnknownMentionIsUserError(t *testing.T) {
	d, _ := newTestDispatcher(t, "ok", nil)
	_, _, err := d.Route(testRoom(), event("@ghost are you there"))
	if !errors.Is(err, ErrUnknownBot) {
		t.Fatalf("err = %v, want ErrUnknownBot", err)
	}
}

func TestInvokeEmitsBotMessageAndAnnounces(t *testing.T) {
	var mu sync.Mutex
	var announced []string
	announce := func(_ context.Context, roomID, text string) {
		mu.Lock()
		defer mu.Unlock()
		announced = append(announced, text)
	}
	d, sink := newTestDispatcher(t, "research complete", announce)

	done := make(chan struct{})
	scout, _ := d.roster.Get("scout")
	d.Invoke(context.Background(), scout, Invocation{
		RoomID: "general",
		Task:   "find migration requirements",
		Done:   func(string, error) { close(done) },
	})
	<-done
	d.Wait()

	msgs := sink.botMessages()
	if len(msgs) != 1 {
		t.Fatalf("bot_message events = %d", len(msgs))
	}
	if msgs[0].Content != "research complete" || msgs[0].Bot.Name != "scout" {
		t.Errorf("bot_message = %+v", msgs[0])
	}
	if msgs[0].SessionKey != "room:general" {
		t.Errorf("session = %q", msgs[0].SessionKey)
	}
	if by, _ := msgs[0].Metadata["triggered_by"].(string); by != "leader" {
		t.Errorf("triggered_by = %q, want leader", by)
	}

	mu.Lock()
	defer mu.Unlock()
	want := "[Bot @scout completed] Task: find migration requirements. Result: research complete"
	if len(announced) != 1 || announced[0] != want {
		t.Errorf("announced = %v, want [%s]", announced, want)
	}
}

func TestInvokeOutlivesCallerContext(t *testing.T) {
	d, sink := newTestDispatcher(t, "still finished", nil)

	// The caller's turn ends (and is canceled) before the invocation
	// completes; the invocation must not die with it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errs := make(chan error, 1)
	scout, _ := d.roster.Get("scout")
	d.Invoke(ctx, scout, Invocation{
		RoomID: "general",
		Task:   "summarize the thread",
		Done:   func(_ string, err error) { errs <- err },
	})
	if err := <-errs; err != nil {
		t.Fatalf("invocation died with caller: %v", err)
	}
	d.Wait()

	if msgs := sink.botMessages(); len(msgs) != 1 || msgs[0].Content != "still finished" {
		t.Errorf("bot_message events = %v", msgs)
	}
}

func TestDispatchMentionAcksAndCompletesInBackground(t *testing.T) {
	var mu sync.Mutex
	var announced []string
	announce := func(_ context.Context, _, text string) {
		mu.Lock()
		defer mu.Unlock()
		announced = append(announced, text)
	}
	d, sink := newTestDispatcher(t, "on it", announce)

	got, err := d.Dispatch(context.Background(), testRoom(), event("@scout write a parser"))
	if err != nil {
		t.Fatal(err)
	}
	// The synchronous reply is the leader's acknowledgment.
	if got != "on it" {
		t.Errorf("ack = %q", got)
	}
	d.Wait()

	msgs := sink.botMessages()
	if len(msgs) != 1 || msgs[0].Bot.Name != "scout" {
		t.Fatalf("bot_message events = %v", msgs)
	}
	if by, _ := msgs[0].Metadata["triggered_by"].(string); by != "leader" {
		t.Errorf("triggered_by = %q, want leader", by)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(announced) != 1 {
		t.Fatalf("announcements = %v", announced)
	}
}

func TestInvokeBoundedByMaxConcurrentTasks(t *testing.T) {
	d, _ := newTestDispatcher(t, "done", nil)

	// writer has max_concurrent_tasks 1; saturate it manually and
	// verify the next invocation is rejected.
	writer, _ := d.roster.Get("writer")
	if !d.acquire(writer) {
		t.Fatal("first acquire failed")
	}

	errs := make(chan error, 1)
	d.Invoke(context.Background(), writer, Invocation{
		RoomID: "general",
		Task:   "draft the intro",
		Done:   func(_ string, err error) { errs <- err },
	})
	if err := <-errs; err == nil {
		t.Error("expected capacity rejection")
	}
	d.release(writer)
	d.Wait()
}

func TestDispatchRunsPrimaryInline(t *testing.T) {
	d, _ := newTestDispatcher(t, "hello from the leader", nil)
	got, err := d.Dispatch(context.Background(), testRoom(), event("hi team"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello from the leader" {
		t.Errorf("reply = %q", got)
	}
}
