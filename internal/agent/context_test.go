package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/ensembleai/ensemble/pkg/models"
)

type fakeSummaries map[string]string

func (f fakeSummaries) Node(_ context.Context, key string) (*models.SummaryNode, error) {
	text, ok := f[key]
	if !ok {
		return nil, nil
	}
	return &models.SummaryNode{Key: key, Summary: text}, nil
}

type fakeTail []*models.Event

func (f fakeTail) TailBySession(_ context.Context, _ string, _ int) ([]*models.Event, error) {
	return f, nil
}

type fakeLearnings []*models.Learning

func (f fakeLearnings) ForBot(_ context.Context, _ string, _ int) ([]*models.Learning, error) {
	return f, nil
}

func testRoleCard() models.RoleCard {
	return models.RoleCard{Name: "scout", Role: "researcher", Soul: "Curious and thorough."}
}

func TestBuildIncludesAlwaysOnSections(t *testing.T) {
	summaries := fakeSummaries{
		"root":             "The user is planning a move to Lisbon.",
		"user_preferences": "Prefers short answers.",
	}
	b := NewContextBuilder(summaries, nil, nil, nil, DefaultBudget(), 10)

	got := b.Build(context.Background(), TurnInput{
		Bot:        testRoleCard(),
		SessionKey: "room:general",
		Channel:    models.ChannelCLI,
	})

	for _, want := range []string{
		"You are scout, the researcher.",
		"Curious and thorough.",
		"planning a move to Lisbon",
		"Prefers short answers.",
		"Channel: cli",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q:\n%s", want, got)
		}
	}
}

func TestBuildIsPureLookupAndDegrades(t *testing.T) {
	// Nil backends: assembly still produces identity and state.
	b := NewContextBuilder(nil, nil, nil, nil, DefaultBudget(), 10)
	got := b.Build(context.Background(), TurnInput{Bot: testRoleCard(), Channel: models.ChannelCLI})
	if !strings.Contains(got, "You are scout") {
		t.Errorf("identity missing:\n%s", got)
	}
}

func TestBuildTruncatesOverBudgetSections(t *testing.T) {
	long := strings.Repeat("migration paperwork deadlines ", 400)
	summaries := fakeSummaries{"root": long}
	b := NewContextBuilder(summaries, nil, nil, nil, DefaultBudget(), 10)

	got := b.Build(context.Background(), TurnInput{Bot: testRoleCard(), Channel: models.ChannelCLI})
	if approxTokens(got) > DefaultBudget().Total+10 {
		t.Errorf("assembled context exceeds total budget: ~%d tokens", approxTokens(got))
	}
}

func TestBuildRecentActivitySkipsNonMessages(t *testing.T) {
	tail := fakeTail{
		{Type: models.EventMessage, Content: "hello", Bot: nil},
		{Type: models.EventToolCall, Content: `{"q":"x"}`},
		{Type: models.EventMessage, Content: "hi there", Bot: &models.BotRef{Name: "scout"}},
	}
	b := NewContextBuilder(fakeSummaries{}, tail, nil, nil, DefaultBudget(), 10)

	got := b.Build(context.Background(), TurnInput{Bot: testRoleCard(), SessionKey: "room:x", Channel: models.ChannelCLI})
	if !strings.Contains(got, "user: hello") || !strings.Contains(got, "scout: hi there") {
		t.Errorf("recent activity malformed:\n%s", got)
	}
	if strings.Contains(got, `{"q":"x"}`) {
		t.Error("tool call leaked into recent activity")
	}
}

func TestBuildLearningsSection(t *testing.T) {
	learnings := fakeLearnings{
		{Content: "user dislikes bullet lists", Recommendation: "use prose"},
	}
	b := NewContextBuilder(fakeSummaries{}, nil, learnings, nil, DefaultBudget(), 10)

	got := b.Build(context.Background(), TurnInput{Bot: testRoleCard(), Channel: models.ChannelCLI})
	if !strings.Contains(got, "user dislikes bullet lists (use prose)") {
		t.Errorf("learnings missing:\n%s", got)
	}
}

func TestTruncateToTokens(t *testing.T) {
	s := strings.Repeat("word ", 100)
	out := truncateToTokens(s, 10)
	if approxTokens(out) > 12 {
		t.Errorf("truncated to ~%d tokens", approxTokens(out))
	}
	if !strings.HasSuffix(out, "…") {
		t.Error("truncation marker missing")
	}
	if truncateToTokens("short", 100) != "short" {
		t.Error("under-budget text must pass through")
	}
}
