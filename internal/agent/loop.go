// Package agent runs one bot's turn: context assembly, the provider
// call, the bounded tool loop, reflection injection, and learning
// capture.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/observability"
	"github.com/ensembleai/ensemble/internal/providers"
	"github.com/ensembleai/ensemble/internal/tools"
	"github.com/ensembleai/ensemble/pkg/models"
)

const defaultMaxToolRounds = 8

// EventSink is where the loop appends outbound and synthetic events.
type EventSink interface {
	Append(ctx context.Context, ev *models.Event) (string, error)
}

// LearningSink receives learnings captured from user feedback and tool
// outcomes.
type LearningSink interface {
	Add(ctx context.Context, l *models.Learning) (*models.Learning, error)
}

// ActivityMarker is pulsed at the start of every turn so background
// work yields to the user.
type ActivityMarker interface {
	Pulse()
}

// Config tunes the loop.
type Config struct {
	MaxToolRounds int
	MaxTokens     int
	CheapModel    string
}

// Loop drives one bot identity. A single Loop handles many concurrent
// turns; per-room serialization is the broker's job.
type Loop struct {
	provider  providers.ChatProvider
	registry  *tools.Registry
	executor  *tools.Executor
	builder   *ContextBuilder
	events    EventSink
	learnings LearningSink
	activity  ActivityMarker
	metrics   *observability.Metrics
	logger    *slog.Logger
	config    Config
}

func NewLoop(provider providers.ChatProvider, registry *tools.Registry, executor *tools.Executor, builder *ContextBuilder, events EventSink, learnings LearningSink, activity ActivityMarker, metrics *observability.Metrics, config Config, logger *slog.Logger) *Loop {
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = defaultMaxToolRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider:  provider,
		registry:  registry,
		executor:  executor,
		builder:   builder,
		events:    events,
		learnings: learnings,
		activity:  activity,
		metrics:   metrics,
		logger:    logger.With("component", "agent"),
		config:    config,
	}
}

// Turn is one dispatched inbound event for one bot.
type Turn struct {
	RoomID string
	Bot    models.RoleCard
	Event  *models.Event
	Policy *models.RoomPolicy

	// Confidence the caller attributes to this bot for the task at
	// hand, consulted by the tool confirmation gate.
	Confidence float64
}

// Run executes the turn and returns the bot's final message. The
// outbound event is appended before Run returns; delivery to the
// channel is the caller's job.
func (l *Loop) Run(ctx context.Context, turn Turn) (string, error) {
	if l.activity != nil {
		l.activity.Pulse()
	}
	ctx, span := observability.StartSpan(ctx, "agent.turn",
		observability.RoomAttr(turn.RoomID), observability.BotAttr(turn.Bot.Name))
	var runErr error
	defer func() { observability.EndSpan(span, runErr) }()

	tier := classifyComplexity(turn.Event.Content)
	reasoning := newReasoningConfig(turn.Bot.ReasoningLevel, turn.Bot.AlwaysCoT, turn.Bot.NeverCoT)

	system := l.builder.Build(ctx, TurnInput{
		Bot:        turn.Bot,
		SessionKey: turn.Event.SessionKey,
		Channel:    turn.Event.Channel,
		Person:     senderName(turn.Event),
	})

	palette := l.toolDefs(turn.Bot.Name)
	messages := []providers.Message{{Role: providers.RoleUser, Content: turn.Event.Content}}

	var (
		resp         *providers.Response
		toolOutcomes []toolOutcome
	)
	for round := 0; ; round++ {
		resp, runErr = l.chat(ctx, system, messages, palette)
		if runErr != nil {
			return "", runErr
		}
		if len(resp.ToolCalls) == 0 {
			break
		}
		if round >= l.config.MaxToolRounds {
			l.logger.Warn("tool round limit reached", "bot", turn.Bot.Name, "rounds", round)
			break
		}

		messages = append(messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, reflect, err := l.runTools(ctx, turn, resp.ToolCalls, reasoning, tier)
		messages = append(messages, providers.Message{Role: providers.RoleTool, ToolResults: results})
		if err != nil {
			runErr = err
			return "", runErr
		}
		if reflect {
			messages = append(messages, providers.Message{
				Role:    providers.RoleUser,
				Content: reflectionPrompt,
			})
		}
		toolOutcomes = append(toolOutcomes, outcomesFrom(resp.ToolCalls, results)...)
	}

	final := resp.Content
	outbound := &models.Event{
		ID:               uuid.NewString(),
		Channel:          turn.Event.Channel,
		Direction:        models.DirectionOutbound,
		Type:             models.EventMessage,
		Content:          final,
		SessionKey:       turn.Event.SessionKey,
		ParentID:         turn.Event.ID,
		Bot:              &models.BotRef{Name: turn.Bot.Name, Role: turn.Bot.Role},
		Extraction:       models.ExtractionPending,
		Relevance:        1.0,
		ReasoningContent: resp.ReasoningContent,
	}
	if _, err := l.events.Append(ctx, outbound); err != nil {
		l.logger.Error("append outbound failed", "bot", turn.Bot.Name, "error", err)
	}

	l.captureLearnings(ctx, turn.Bot, turn.Event.Content, toolOutcomes)
	return final, nil
}

func (l *Loop) chat(ctx context.Context, system string, messages []providers.Message, palette []providers.ToolDef) (*providers.Response, error) {
	start := time.Now()
	resp, err := l.provider.Chat(ctx, system, messages, palette, providers.Options{
		MaxTokens: l.config.MaxTokens,
	})
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		model := ""
		prompt, completion := 0, 0
		if resp != nil {
			prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
		}
		l.metrics.RecordLLMRequest(l.provider.Name(), model, status, time.Since(start).Seconds(), prompt, completion)
	}
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	return resp, nil
}

// runTools executes the round's tool calls in order. On cancellation,
// the unexecuted calls get synthetic in-memory timeout results. No
// event is written for them: their tool_call was never recorded, so
// there is nothing in the log to pair. The interrupted call's pair is
// the executor's job.
func (l *Loop) runTools(ctx context.Context, turn Turn, calls []models.ToolCall, reasoning reasoningConfig, tier ComplexityTier) ([]models.ToolResult, bool, error) {
	results := make([]models.ToolResult, 0, len(calls))
	reflect := false
	for i, call := range calls {
		if ctx.Err() != nil {
			for _, remaining := range calls[i:] {
				results = append(results, models.ToolResult{
					ToolCallID: remaining.ID,
					Status:     models.ToolStatusTimeout,
					Error:      "turn cancelled before execution",
				})
			}
			return results, false, ctx.Err()
		}

		result, err := l.executor.Execute(ctx, tools.Request{
			Bot:        models.BotRef{Name: turn.Bot.Name, Role: turn.Bot.Role},
			SessionKey: turn.Event.SessionKey,
			Call:       call,
			Policy:     turn.Policy,
			Confidence: turn.Confidence,
		})
		if err != nil {
			// The error is already folded into the result; the model
			// sees the failure and decides what to do next.
			l.logger.Debug("tool returned failure", "tool", call.Name, "error", err)
		}
		results = append(results, *result)
		if reasoning.shouldReflect(call.Name, tier) {
			reflect = true
		}
	}
	return results, reflect, nil
}

func (l *Loop) toolDefs(bot string) []providers.ToolDef {
	var defs []providers.ToolDef
	for _, t := range l.registry.ForBot(bot) {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

type toolOutcome struct {
	tool    string
	status  models.ToolStatus
	content string
}

func outcomesFrom(calls []models.ToolCall, results []models.ToolResult) []toolOutcome {
	byID := make(map[string]string, len(calls))
	for _, c := range calls {
		byID[c.ID] = c.Name
	}
	outcomes := make([]toolOutcome, 0, len(results))
	for _, r := range results {
		outcomes = append(outcomes, toolOutcome{
			tool:    byID[r.ToolCallID],
			status:  r.Status,
			content: r.Content,
		})
	}
	return outcomes
}

func senderName(ev *models.Event) string {
	if ev.Metadata == nil {
		return ""
	}
	if name, ok := ev.Metadata["sender"].(string); ok {
		return name
	}
	return ""
}
