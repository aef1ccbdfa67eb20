package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ensembleai/ensemble/internal/dispatch"
	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/pkg/models"
)

// fakeInvoker resolves invocations synchronously in a goroutine using
// a per-bot script.
type fakeInvoker struct {
	mu    sync.Mutex
	calls []string // "bot:first line of task"
	run   func(bot, task string) (string, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, bot models.RoleCard, inv dispatch.Invocation) {
	f.mu.Lock()
	f.calls = append(f.calls, bot.Name+":"+firstLine(inv.Task))
	f.mu.Unlock()
	go func() {
		result, err := f.run(bot.Name, inv.Task)
		if inv.Done != nil {
			inv.Done(result, err)
		}
	}()
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAnalyzer struct{ plan *Plan }

func (f *fakeAnalyzer) Analyze(context.Context, *models.Room, string, []models.RoleCard) (*Plan, error) {
	return f.plan, nil
}

type fakeExpertise struct {
	mu       sync.Mutex
	outcomes []string // "bot:domain:ok"
	ranking  []string
}

func (f *fakeExpertise) RecordOutcome(_ context.Context, botID, domain string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, fmt.Sprintf("%s:%s:%t", botID, domain, success))
	return nil
}

func (f *fakeExpertise) RankBots(context.Context, string) ([]*models.Expertise, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Expertise, len(f.ranking))
	for i, bot := range f.ranking {
		out[i] = &models.Expertise{BotID: bot, Domain: "research"}
	}
	return out, nil
}

type eventCapture struct {
	mu     sync.Mutex
	events []*models.Event
}

func (c *eventCapture) Append(_ context.Context, ev *models.Event) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return ev.ID, nil
}

func (c *eventCapture) byType(t models.EventType) []*models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	coord  *Coordinator
	invoke *fakeInvoker
	expert *fakeExpertise
	sink   *eventCapture
	bus    *Bus
	room   *models.Room
}

func newFixture(t *testing.T, plan *Plan, run func(bot, task string) (string, error)) *fixture {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "memory.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	roster := dispatch.NewRoster(
		models.RoleCard{Name: models.LeaderName, Role: "coordinator"},
		models.RoleCard{Name: "scout", Role: "researcher", Domains: []string{"research"}},
		models.RoleCard{Name: "writer", Role: "writer", Domains: []string{"research", "writing"}},
	)
	invoke := &fakeInvoker{run: run}
	expert := &fakeExpertise{ranking: []string{"scout", "writer"}}
	sink := &eventCapture{}
	bus := NewBus(store.DB(), nil)
	t.Cleanup(bus.Close)

	coord := New(NewTaskStore(store.DB(), nil), bus, roster, invoke,
		&fakeAnalyzer{plan: plan}, expert, sink, nil, nil,
		Config{MaxRetries: 1, RetryDelay: time.Millisecond})
	coord.sleep = func(context.Context, time.Duration) error { return nil }

	room := &models.Room{
		ID:     "general",
		Policy: models.RoomPolicy{CoordinatorMode: true, EscalationThreshold: models.EscalationMedium},
	}
	return &fixture{coord: coord, invoke: invoke, expert: expert, sink: sink, bus: bus, room: room}
}

func userEvent(content string) *models.Event {
	return &models.Event{
		ID:         "ev-1",
		Type:       models.EventMessage,
		Direction:  models.DirectionInbound,
		Content:    content,
		SessionKey: "room:general",
	}
}

func TestHandleRequestRoutesToSingleBot(t *testing.T) {
	fx := newFixture(t,
		&Plan{RouteTo: "scout", Confidence: 0.9},
		func(bot, task string) (string, error) { return "grafana runs on port 3000", nil })

	answer, err := fx.coord.HandleRequest(context.Background(), fx.room, userEvent("where does grafana run?"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if answer != "grafana runs on port 3000" {
		t.Fatalf("unexpected answer %q", answer)
	}
	if got := fx.expert.outcomes; len(got) != 1 || got[0] != "scout:research:true" {
		t.Fatalf("expected success outcome for scout, got %v", got)
	}
	if fx.coord.StateFor("general") != StateIdle {
		t.Fatalf("coordinator should return to idle, got %s", fx.coord.StateFor("general"))
	}
}

func TestLowConfidencePausesRoom(t *testing.T) {
	fx := newFixture(t,
		&Plan{RouteTo: "scout", Confidence: 0.3},
		func(bot, task string) (string, error) { return "", nil })

	if _, err := fx.coord.HandleRequest(context.Background(), fx.room, userEvent("do the thing")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, paused := fx.coord.Paused("general"); !paused {
		t.Fatal("room should be paused after low-confidence escalation")
	}
	if got := fx.sink.byType(models.EventEscalation); len(got) != 1 {
		t.Fatalf("expected one escalation event, got %d", len(got))
	}
	if fx.invoke.callCount() != 0 {
		t.Fatal("nothing should be delegated while escalated")
	}

	if _, err := fx.coord.HandleRequest(context.Background(), fx.room, userEvent("again")); !errors.Is(err, ErrRoomPaused) {
		t.Fatalf("paused room must reject requests, got %v", err)
	}

	if err := fx.coord.Resolve(context.Background(), "general", "go ahead"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, paused := fx.coord.Paused("general"); paused {
		t.Fatal("resolve should unpause the room")
	}
}

func TestPlanRunsDAGAndAssemblesResults(t *testing.T) {
	plan := &Plan{
		Confidence: 0.9,
		Tasks: []*models.Task{
			{ID: "t1", Title: "Find sources", Domain: "research", AssignedTo: "scout"},
			{ID: "t2", Title: "Write summary", Domain: "writing", AssignedTo: "writer", DependsOn: []string{"t1"}},
		},
	}
	var order []string
	var mu sync.Mutex
	fx := newFixture(t, plan, func(bot, task string) (string, error) {
		mu.Lock()
		order = append(order, bot)
		mu.Unlock()
		return "result from " + bot, nil
	})

	answer, err := fx.coord.HandleRequest(context.Background(), fx.room, userEvent("research and summarize"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	mu.Lock()
	gotOrder := strings.Join(order, ",")
	mu.Unlock()
	if gotOrder != "scout,writer" {
		t.Fatalf("dependency order violated: %s", gotOrder)
	}
	if !strings.Contains(answer, "## Find sources\nresult from scout") ||
		!strings.Contains(answer, "## Write summary\nresult from writer") {
		t.Fatalf("assembled answer missing sections:\n%s", answer)
	}
	if got := fx.sink.byType(models.EventCoordination); len(got) != 1 {
		t.Fatalf("expected plan summary coordination event, got %d", len(got))
	}
}

func TestFailedTaskMovesToAlternateBot(t *testing.T) {
	plan := &Plan{
		Confidence: 0.9,
		Tasks: []*models.Task{
			{ID: "t1", Title: "Dig in", Domain: "research", AssignedTo: "scout"},
		},
	}
	fx := newFixture(t, plan, func(bot, task string) (string, error) {
		if bot == "scout" {
			return "", errors.New("provider unavailable")
		}
		return "writer saved the day", nil
	})

	answer, err := fx.coord.HandleRequest(context.Background(), fx.room, userEvent("dig in"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(answer, "writer saved the day") {
		t.Fatalf("alternate bot result missing:\n%s", answer)
	}

	// scout gets an initial try plus one retry before the handoff
	calls := strings.Join(fx.invoke.calls, ",")
	if calls != "scout:Dig in,scout:Dig in,writer:Dig in" {
		t.Fatalf("unexpected invocation sequence: %s", calls)
	}
}

func TestExhaustedTaskEscalatesAndAnnotates(t *testing.T) {
	plan := &Plan{
		Confidence: 0.9,
		Tasks: []*models.Task{
			{ID: "t1", Title: "Impossible", Domain: "research", AssignedTo: "scout"},
		},
	}
	fx := newFixture(t, plan, func(bot, task string) (string, error) {
		return "", errors.New("always fails")
	})
	fx.expert.ranking = []string{"scout"} // no alternate available

	answer, err := fx.coord.HandleRequest(context.Background(), fx.room, userEvent("go"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(answer, "(failed: no result)") {
		t.Fatalf("failed task should be annotated:\n%s", answer)
	}
	if _, paused := fx.coord.Paused("general"); !paused {
		t.Fatal("exhausted task with no alternate must escalate")
	}
}

func TestBusEscalationAbortsRun(t *testing.T) {
	plan := &Plan{
		Confidence: 0.9,
		Tasks: []*models.Task{
			{ID: "t1", Title: "Long haul", Domain: "research", AssignedTo: "scout"},
		},
	}
	var fx *fixture
	fx = newFixture(t, plan, func(bot, task string) (string, error) {
		// the bot objects instead of answering
		_, err := fx.bus.Send(context.Background(), models.BotMessage{
			Sender:    "scout",
			Recipient: models.LeaderName,
			Type:      models.BotMessageEscalation,
			Content:   "this needs human review",
		})
		if err != nil {
			t.Errorf("bus send: %v", err)
		}
		select {} // never completes
	})

	_, err := fx.coord.HandleRequest(context.Background(), fx.room, userEvent("go"))
	if !errors.Is(err, ErrRoomPaused) {
		t.Fatalf("expected ErrRoomPaused, got %v", err)
	}
	if _, paused := fx.coord.Paused("general"); !paused {
		t.Fatal("bot escalation must pause the room")
	}
}
