package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/ensembleai/ensemble/internal/providers"
	"github.com/ensembleai/ensemble/internal/tools"
	"github.com/ensembleai/ensemble/pkg/models"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*providers.Response
	calls     [][]providers.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(_ context.Context, _ string, messages []providers.Message, _ []providers.ToolDef, _ providers.Options) (*providers.Response, error) {
	p.calls = append(p.calls, append([]providers.Message(nil), messages...))
	idx := len(p.calls) - 1
	if idx >= len(p.responses) {
		return &providers.Response{Content: "done"}, nil
	}
	return p.responses[idx], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*models.Event
}

func (s *recordingSink) Append(_ context.Context, ev *models.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return ev.ID, nil
}

func (s *recordingSink) byType(t models.EventType) []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type recordingLearnings struct {
	added []*models.Learning
}

func (r *recordingLearnings) Add(_ context.Context, l *models.Learning) (*models.Learning, error) {
	r.added = append(r.added, l)
	return l, nil
}

func lookupTool(t *testing.T) (*tools.Registry, *tools.Executor, *recordingSink) {
	t.Helper()
	reg := tools.NewRegistry()
	tool := tools.NewFuncTool("lookup", "looks things up",
		json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
		tools.SideEffectReadOnly,
		func(_ context.Context, params json.RawMessage) (*tools.Output, error) {
			return &tools.Output{Content: "42"}, nil
		})
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}
	reg.SetMask("scout", []string{"lookup"})
	sink := &recordingSink{}
	return reg, tools.NewExecutor(reg, sink, nil, nil), sink
}

func newTestLoop(t *testing.T, provider providers.ChatProvider, learnings LearningSink) (*Loop, *recordingSink) {
	t.Helper()
	reg, exec, _ := lookupTool(t)
	sink := &recordingSink{}
	builder := NewContextBuilder(fakeSummaries{}, nil, nil, nil, DefaultBudget(), 10)
	loop := NewLoop(provider, reg, exec, builder, sink, learnings, nil, nil, Config{}, nil)
	return loop, sink
}

func inboundEvent(content string) *models.Event {
	return &models.Event{
		ID:         "ev-1",
		Channel:    models.ChannelCLI,
		Direction:  models.DirectionInbound,
		Type:       models.EventMessage,
		Content:    content,
		SessionKey: "room:general",
	}
}

func TestRunPlainMessage(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.Response{
		{Content: "hello back", ReasoningContent: "user greeted me"},
	}}
	loop, sink := newTestLoop(t, provider, nil)

	got, err := loop.Run(context.Background(), Turn{
		RoomID: "general",
		Bot:    testRoleCard(),
		Event:  inboundEvent("hello"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "hello back" {
		t.Errorf("final = %q", got)
	}

	outbound := sink.byType(models.EventMessage)
	if len(outbound) != 1 {
		t.Fatalf("outbound events = %d", len(outbound))
	}
	if outbound[0].Direction != models.DirectionOutbound {
		t.Errorf("direction = %s", outbound[0].Direction)
	}
	if outbound[0].ParentID != "ev-1" {
		t.Errorf("parent = %q", outbound[0].ParentID)
	}
	if outbound[0].ReasoningContent != "user greeted me" {
		t.Errorf("reasoning content not stored")
	}
}

func TestRunToolLoop(t *testing.T) {
	call := models.ToolCall{ID: "tc-1", Name: "lookup", Input: json.RawMessage(`{"q":"answer"}`)}
	provider := &scriptedProvider{responses: []*providers.Response{
		{ToolCalls: []models.ToolCall{call}},
		{Content: "the answer is 42"},
	}}
	loop, _ := newTestLoop(t, provider, nil)

	got, err := loop.Run(context.Background(), Turn{
		RoomID: "general",
		Bot:    testRoleCard(),
		Event:  inboundEvent("what is the answer?"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "the answer is 42" {
		t.Errorf("final = %q", got)
	}
	if len(provider.calls) != 2 {
		t.Fatalf("provider calls = %d", len(provider.calls))
	}
	// Second call carries the assistant tool request and the result.
	second := provider.calls[1]
	var sawResult bool
	for _, msg := range second {
		for _, r := range msg.ToolResults {
			if r.ToolCallID == "tc-1" && r.Content == "42" {
				sawResult = true
			}
		}
	}
	if !sawResult {
		t.Error("tool result not fed back to provider")
	}
}

func TestRunToolRoundLimit(t *testing.T) {
	call := models.ToolCall{ID: "tc", Name: "lookup", Input: json.RawMessage(`{"q":"again"}`)}
	// The provider asks for a tool forever.
	endless := make([]*providers.Response, 12)
	for i := range endless {
		endless[i] = &providers.Response{ToolCalls: []models.ToolCall{call}}
	}
	provider := &scriptedProvider{responses: endless}
	loop, _ := newTestLoop(t, provider, nil)

	if _, err := loop.Run(context.Background(), Turn{
		RoomID: "general",
		Bot:    testRoleCard(),
		Event:  inboundEvent("loop forever"),
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Initial call plus at most MaxToolRounds continuations.
	if len(provider.calls) > defaultMaxToolRounds+1 {
		t.Errorf("provider calls = %d, want <= %d", len(provider.calls), defaultMaxToolRounds+1)
	}
}

func TestRunCapturesFeedbackLearning(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.Response{{Content: "noted"}}}
	learnings := &recordingLearnings{}
	loop, _ := newTestLoop(t, provider, learnings)

	if _, err := loop.Run(context.Background(), Turn{
		RoomID: "general",
		Bot:    testRoleCard(),
		Event:  inboundEvent("actually I prefer bullet points in summaries"),
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(learnings.added) != 1 {
		t.Fatalf("learnings = %d", len(learnings.added))
	}
	l := learnings.added[0]
	if l.Sentiment != models.SentimentNegative || !l.IsPrivate {
		t.Errorf("learning = %+v", l)
	}
	if l.Source != models.LearningFromUserFeedback {
		t.Errorf("source = %s", l.Source)
	}
}

func TestDetectFeedback(t *testing.T) {
	cases := []struct {
		content string
		want    models.Sentiment
		ok      bool
	}{
		{"Actually I prefer tea over coffee", models.SentimentNegative, true},
		{"that was wrong, the meeting is tuesday", models.SentimentNegative, true},
		{"perfect, thanks!", models.SentimentPositive, true},
		{"what's the weather like", models.SentimentNeutral, false},
	}
	for _, tc := range cases {
		got, ok := detectFeedback(tc.content)
		if got != tc.want || ok != tc.ok {
			t.Errorf("detectFeedback(%q) = %v,%v", tc.content, got, ok)
		}
	}
}

func TestCanceledTurnLeavesNoOrphanToolResults(t *testing.T) {
	loop, sink := newTestLoop(t, &scriptedProvider{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := []models.ToolCall{
		{ID: "tc-1", Name: "lookup", Input: json.RawMessage(`{"q":"a"}`)},
		{ID: "tc-2", Name: "lookup", Input: json.RawMessage(`{"q":"b"}`)},
	}
	turn := Turn{RoomID: "general", Bot: testRoleCard(), Event: inboundEvent("check both")}
	results, _, err := loop.runTools(ctx, turn, calls, reasoningConfig{}, TierSimple)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 synthetic timeouts", len(results))
	}
	for i, r := range results {
		if r.Status != models.ToolStatusTimeout {
			t.Errorf("result %d status = %s, want timeout", i, r.Status)
		}
	}
	// Neither call was recorded, so no result event may be written:
	// an orphan tool_result would break call/result pairing.
	if evs := sink.byType(models.EventToolResult); len(evs) != 0 {
		t.Errorf("logged %d orphan tool_result events, want 0", len(evs))
	}
}
