package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ensembleai/ensemble/internal/summary"
	"github.com/ensembleai/ensemble/pkg/models"
)

// Budget is the token allocation for one assembled context. Sections
// that exceed their share are truncated, never dropped wholesale.
type Budget struct {
	Total       int
	Identity    int
	State       int
	RootSummary int
	Recent      int
	Channel     int
	Entity      int
	Topics      int
	Preferences int
	Learnings   int
}

func DefaultBudget() Budget {
	return Budget{
		Total:       4000,
		Identity:    200,
		State:       150,
		RootSummary: 500,
		Recent:      400,
		Channel:     300,
		Entity:      400,
		Topics:      400,
		Preferences: 300,
		Learnings:   200,
	}
}

// approxTokens estimates token count at four characters per token,
// which is close enough for budget truncation.
func approxTokens(s string) int { return (len(s) + 3) / 4 }

// truncateToTokens trims s to roughly the given token budget, cutting
// at a word boundary where possible.
func truncateToTokens(s string, tokens int) string {
	if tokens <= 0 || approxTokens(s) <= tokens {
		return s
	}
	limit := tokens * 4
	cut := s[:limit]
	if idx := strings.LastIndexByte(cut, ' '); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

type summaryReader interface {
	Node(ctx context.Context, key string) (*models.SummaryNode, error)
}

type eventTailer interface {
	TailBySession(ctx context.Context, sessionKey string, n int) ([]*models.Event, error)
}

type learningReader interface {
	ForBot(ctx context.Context, botID string, limit int) ([]*models.Learning, error)
}

type entityFinder interface {
	FindEntityByName(ctx context.Context, name string) (*models.Entity, error)
}

// ContextBuilder assembles the per-turn system context by pure lookup:
// summary nodes, learnings, and the session tail. It never calls the
// provider.
type ContextBuilder struct {
	summaries summaryReader
	events    eventTailer
	learnings learningReader
	entities  entityFinder
	budget    Budget
	recentN   int
	now       func() time.Time
}

func NewContextBuilder(summaries summaryReader, events eventTailer, learnings learningReader, entities entityFinder, budget Budget, recentN int) *ContextBuilder {
	if budget.Total <= 0 {
		budget = DefaultBudget()
	}
	if recentN <= 0 {
		recentN = 20
	}
	return &ContextBuilder{
		summaries: summaries,
		events:    events,
		learnings: learnings,
		entities:  entities,
		budget:    budget,
		recentN:   recentN,
		now:       time.Now,
	}
}

// TurnInput is what the builder knows about the turn being assembled.
type TurnInput struct {
	Bot        models.RoleCard
	SessionKey string
	Channel    models.ChannelType

	// Person is an optional person name identified in the turn (the
	// sender, or a person the message is about).
	Person string

	// Topics observed on the session recently, used to pull topic
	// leaves into context.
	Topics []string
}

// Build assembles the system context. Lookup failures degrade to
// omitted sections; assembly never fails the turn.
func (b *ContextBuilder) Build(ctx context.Context, in TurnInput) string {
	var sections []string

	identity := fmt.Sprintf("You are %s, the %s.", in.Bot.Name, in.Bot.Role)
	if in.Bot.Soul != "" {
		identity += "\n" + in.Bot.Soul
	}
	sections = append(sections, truncateToTokens(identity, b.budget.Identity))

	state := fmt.Sprintf("Current time: %s. Channel: %s.",
		b.now().Format("Mon, 02 Jan 2006 15:04 MST"), in.Channel)
	sections = append(sections, truncateToTokens(state, b.budget.State))

	if text := b.summaryText(ctx, summary.RootKey); text != "" {
		sections = append(sections, "What you know:\n"+truncateToTokens(text, b.budget.RootSummary))
	}
	if recent := b.recentText(ctx, in.SessionKey); recent != "" {
		sections = append(sections, "Recent activity:\n"+truncateToTokens(recent, b.budget.Recent))
	}
	if in.Channel != "" && in.Channel != models.ChannelInternal {
		if text := b.summaryText(ctx, "channel:"+string(in.Channel)); text != "" {
			sections = append(sections, "This channel:\n"+truncateToTokens(text, b.budget.Channel))
		}
	}
	if text := b.entityText(ctx, in.Person); text != "" {
		sections = append(sections, "About "+in.Person+":\n"+truncateToTokens(text, b.budget.Entity))
	}
	if text := b.topicsText(ctx, in.Topics); text != "" {
		sections = append(sections, "Active topics:\n"+truncateToTokens(text, b.budget.Topics))
	}
	// Preferences are always included when present.
	if text := b.summaryText(ctx, models.PreferencesKey); text != "" {
		sections = append(sections, "User preferences:\n"+truncateToTokens(text, b.budget.Preferences))
	}
	if text := b.learningsText(ctx, in.Bot.Name); text != "" {
		sections = append(sections, "Lessons learned:\n"+truncateToTokens(text, b.budget.Learnings))
	}

	assembled := strings.Join(sections, "\n\n")
	return truncateToTokens(assembled, b.budget.Total)
}

func (b *ContextBuilder) summaryText(ctx context.Context, key string) string {
	if b.summaries == nil {
		return ""
	}
	node, err := b.summaries.Node(ctx, key)
	if err != nil || node == nil {
		return ""
	}
	return node.Summary
}

func (b *ContextBuilder) recentText(ctx context.Context, sessionKey string) string {
	if b.events == nil || sessionKey == "" {
		return ""
	}
	events, err := b.events.TailBySession(ctx, sessionKey, b.recentN)
	if err != nil {
		return ""
	}
	var lines []string
	for _, ev := range events {
		if ev.Type != models.EventMessage || ev.Content == "" {
			continue
		}
		who := "user"
		if ev.Bot != nil {
			who = ev.Bot.Name
		}
		lines = append(lines, who+": "+ev.Content)
	}
	return strings.Join(lines, "\n")
}

func (b *ContextBuilder) entityText(ctx context.Context, person string) string {
	if b.entities == nil || person == "" {
		return ""
	}
	ent, err := b.entities.FindEntityByName(ctx, person)
	if err != nil || ent == nil {
		return ""
	}
	if text := b.summaryText(ctx, "entity:"+ent.ID); text != "" {
		return text
	}
	return ent.Description
}

func (b *ContextBuilder) topicsText(ctx context.Context, topics []string) string {
	var lines []string
	for _, topic := range topics {
		if text := b.summaryText(ctx, "topic:"+topic); text != "" {
			lines = append(lines, topic+": "+text)
		}
	}
	return strings.Join(lines, "\n")
}

func (b *ContextBuilder) learningsText(ctx context.Context, botID string) string {
	if b.learnings == nil {
		return ""
	}
	learnings, err := b.learnings.ForBot(ctx, botID, 10)
	if err != nil {
		return ""
	}
	var lines []string
	for _, l := range learnings {
		line := l.Content
		if l.Recommendation != "" {
			line += " (" + l.Recommendation + ")"
		}
		lines = append(lines, "- "+line)
	}
	return strings.Join(lines, "\n")
}
