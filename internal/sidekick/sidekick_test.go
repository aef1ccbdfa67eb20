package sidekick

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ensembleai/ensemble/internal/config"
	"github.com/ensembleai/ensemble/internal/providers"
	"github.com/ensembleai/ensemble/internal/tools"
	"github.com/ensembleai/ensemble/pkg/models"
)

// scriptedProvider answers per goal, extracted from the context packet.
type scriptedProvider struct {
	mu       sync.Mutex
	answer   func(goal string) (string, error)
	palettes [][]providers.ToolDef
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, _ string, messages []providers.Message,
	defs []providers.ToolDef, _ providers.Options) (*providers.Response, error) {
	p.mu.Lock()
	p.palettes = append(p.palettes, defs)
	p.mu.Unlock()

	goal := ""
	for _, line := range strings.Split(messages[0].Content, "\n") {
		if after, ok := strings.CutPrefix(line, "Goal: "); ok {
			goal = after
			break
		}
	}
	content, err := p.answer(goal)
	if err != nil {
		return nil, err
	}
	return &providers.Response{Content: content, StopReason: "end_turn"}, nil
}

type memorySink struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *memorySink) Append(_ context.Context, ev *models.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func newTestManager(t *testing.T, provider *scriptedProvider, cfg config.SidekickConfig) (*Manager, *memorySink) {
	t.Helper()
	sink := &memorySink{}
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, sink, nil, nil)
	return NewManager(provider, registry, executor, sink, nil, nil, cfg), sink
}

func parent() Parent {
	return Parent{
		Bot:    models.RoleCard{Name: "scout", Role: "researcher"},
		RoomID: "general",
	}
}

func TestSpawnBatchMergesInSpawnOrder(t *testing.T) {
	provider := &scriptedProvider{answer: func(goal string) (string, error) {
		return "answer for " + goal, nil
	}}
	mgr, sink := newTestManager(t, provider, config.SidekickConfig{})

	merged, err := mgr.SpawnBatch(context.Background(), parent(), []Spec{
		{Goal: "check flights"},
		{Goal: "check hotels"},
		{Goal: "check weather"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if merged.Succeeded != 3 || merged.Failed != 0 {
		t.Fatalf("expected 3 successes, got %+v", merged)
	}

	want := []string{
		"### check flights\nanswer for check flights",
		"### check hotels\nanswer for check hotels",
		"### check weather\nanswer for check weather",
	}
	if merged.Content != strings.Join(want, "\n\n") {
		t.Fatalf("merge order wrong:\n%s", merged.Content)
	}

	// every sidekick recorded its answer in its own session
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sessions := map[string]bool{}
	for _, ev := range sink.events {
		if !strings.HasPrefix(ev.SessionKey, "sidekick:general:") {
			t.Fatalf("sidekick wrote outside its session: %s", ev.SessionKey)
		}
		sessions[ev.SessionKey] = true
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sidekick sessions, got %d", len(sessions))
	}
}

func TestPartialFailureAnnotatesGap(t *testing.T) {
	provider := &scriptedProvider{answer: func(goal string) (string, error) {
		if goal == "check hotels" {
			return "", errors.New("backend down")
		}
		return "ok", nil
	}}
	mgr, _ := newTestManager(t, provider, config.SidekickConfig{})

	merged, err := mgr.SpawnBatch(context.Background(), parent(), []Spec{
		{Goal: "check flights"},
		{Goal: "check hotels"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if merged.Succeeded != 1 || merged.Failed != 1 || merged.AllFailed {
		t.Fatalf("unexpected tally: %+v", merged)
	}
	if !strings.Contains(merged.Content, "### check hotels\n(no result: sidekick failed)") {
		t.Fatalf("gap not annotated:\n%s", merged.Content)
	}
}

func TestAllFailedFallsBackToSolo(t *testing.T) {
	provider := &scriptedProvider{answer: func(string) (string, error) {
		return "", errors.New("everything is on fire")
	}}
	mgr, _ := newTestManager(t, provider, config.SidekickConfig{})

	merged, err := mgr.SpawnBatch(context.Background(), parent(), []Spec{{Goal: "a"}, {Goal: "b"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !merged.AllFailed {
		t.Fatal("expected AllFailed")
	}
	if !strings.Contains(merged.Content, "continuing without their input") {
		t.Fatalf("expected solo fallback note, got %q", merged.Content)
	}
}

func TestNestingIsRejected(t *testing.T) {
	provider := &scriptedProvider{answer: func(string) (string, error) { return "ok", nil }}
	mgr, _ := newTestManager(t, provider, config.SidekickConfig{})

	p := parent()
	p.Sidekick = true
	if _, err := mgr.SpawnBatch(context.Background(), p, []Spec{{Goal: "a"}}); !errors.Is(err, ErrNested) {
		t.Fatalf("expected ErrNested, got %v", err)
	}
}

func TestSpawnCapsRejectOversizedBatch(t *testing.T) {
	provider := &scriptedProvider{answer: func(string) (string, error) { return "ok", nil }}
	mgr, _ := newTestManager(t, provider, config.SidekickConfig{MaxPerBot: 3, MaxPerRoom: 6})

	specs := []Spec{{Goal: "a"}, {Goal: "b"}, {Goal: "c"}, {Goal: "d"}}
	if _, err := mgr.SpawnBatch(context.Background(), parent(), specs); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	bot, room := mgr.Active("scout", "general")
	if bot != 0 || room != 0 {
		t.Fatalf("rejected batch must not leak slots: bot=%d room=%d", bot, room)
	}
}

func TestPaletteMatchesParentPermissions(t *testing.T) {
	provider := &scriptedProvider{answer: func(string) (string, error) { return "ok", nil }}
	sink := &memorySink{}
	registry := tools.NewRegistry()
	schema := []byte(`{"type":"object"}`)
	for _, name := range []string{"search", "forbidden"} {
		tool := tools.NewFuncTool(name, name, schema, tools.SideEffectReadOnly,
			func(context.Context, json.RawMessage) (*tools.Output, error) { return &tools.Output{Content: "x"}, nil })
		if err := registry.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	registry.SetMask("scout", []string{"search"})
	executor := tools.NewExecutor(registry, sink, nil, nil)
	mgr := NewManager(provider, registry, executor, sink, nil, nil, config.SidekickConfig{})

	if _, err := mgr.SpawnBatch(context.Background(), parent(), []Spec{{Goal: "a"}}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.palettes) != 1 || len(provider.palettes[0]) != 1 || provider.palettes[0][0].Name != "search" {
		t.Fatalf("sidekick palette must equal the parent's mask, got %+v", provider.palettes)
	}
}
