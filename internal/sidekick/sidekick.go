// Package sidekick runs short-lived helper agents. A sidekick gets a
// context packet (goal, inputs, constraints, output format), never the
// room history, works in its own session, and reports back only to the
// bot that spawned it.
package sidekick

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/config"
	"github.com/ensembleai/ensemble/internal/observability"
	"github.com/ensembleai/ensemble/internal/providers"
	"github.com/ensembleai/ensemble/internal/tools"
	"github.com/ensembleai/ensemble/pkg/models"
)

const (
	defaultMaxPerBot   = 3
	defaultMaxPerRoom  = 6
	defaultTimeout     = 120 * time.Second
	defaultTokenBudget = 1024
	maxToolRounds      = 4
)

var (
	// ErrAtCapacity means the batch would exceed the per-bot or
	// per-room spawn cap.
	ErrAtCapacity = errors.New("sidekick capacity exhausted")

	// ErrNested means a sidekick tried to spawn sidekicks of its own.
	ErrNested = errors.New("sidekicks cannot spawn sidekicks")
)

// Spec is the context packet handed to one sidekick.
type Spec struct {
	Goal         string
	Inputs       []string
	Constraints  []string
	OutputFormat string
}

// Parent identifies the spawning bot. Sidekick is set on the parent
// descriptor a sidekick itself would carry, which blocks nesting.
type Parent struct {
	Bot         models.RoleCard
	RoomID      string
	Policy      *models.RoomPolicy
	TokenBudget int
	Sidekick    bool
}

// Result is one sidekick's outcome, tagged with its spawn index.
type Result struct {
	Index   int
	Content string
	Err     error
}

// Merged is the deterministic combination of a batch, in spawn order.
type Merged struct {
	Content   string
	Succeeded int
	Failed    int
	AllFailed bool
}

type EventSink interface {
	Append(ctx context.Context, ev *models.Event) (string, error)
}

// Manager enforces spawn caps and runs sidekick batches.
type Manager struct {
	provider providers.ChatProvider
	registry *tools.Registry
	executor *tools.Executor
	events   EventSink
	metrics  *observability.Metrics
	logger   *slog.Logger

	maxPerBot   int
	maxPerRoom  int
	timeout     time.Duration
	tokenBudget int

	mu      sync.Mutex
	perBot  map[string]int
	perRoom map[string]int
}

func NewManager(provider providers.ChatProvider, registry *tools.Registry, executor *tools.Executor,
	events EventSink, metrics *observability.Metrics, logger *slog.Logger, cfg config.SidekickConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		provider:    provider,
		registry:    registry,
		executor:    executor,
		events:      events,
		metrics:     metrics,
		logger:      logger.With("component", "sidekick"),
		maxPerBot:   cfg.MaxPerBot,
		maxPerRoom:  cfg.MaxPerRoom,
		timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		tokenBudget: cfg.TokenBudget,
		perBot:      make(map[string]int),
		perRoom:     make(map[string]int),
	}
	if m.maxPerBot == 0 {
		m.maxPerBot = defaultMaxPerBot
	}
	if m.maxPerRoom == 0 {
		m.maxPerRoom = defaultMaxPerRoom
	}
	if m.timeout == 0 {
		m.timeout = defaultTimeout
	}
	if m.tokenBudget == 0 {
		m.tokenBudget = defaultTokenBudget
	}
	return m
}

// Active returns the live sidekick counts for a bot and a room.
func (m *Manager) Active(bot, room string) (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perBot[bot], m.perRoom[room]
}

// SpawnBatch runs the specs concurrently and merges their results in
// spawn order. The whole batch is rejected when it would exceed a cap.
func (m *Manager) SpawnBatch(ctx context.Context, parent Parent, specs []Spec) (*Merged, error) {
	if parent.Sidekick {
		return nil, ErrNested
	}
	if len(specs) == 0 {
		return &Merged{}, nil
	}
	if err := m.acquire(parent, len(specs)); err != nil {
		return nil, err
	}
	defer m.release(parent, len(specs))

	results := make([]Result, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(idx int, spec Spec) {
			defer wg.Done()
			content, err := m.runOne(ctx, parent, spec)
			results[idx] = Result{Index: idx, Content: content, Err: err}
		}(i, spec)
	}
	wg.Wait()

	return MergeResults(specs, results), nil
}

func (m *Manager) acquire(parent Parent, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perBot[parent.Bot.Name]+n > m.maxPerBot {
		return fmt.Errorf("%w: bot @%s", ErrAtCapacity, parent.Bot.Name)
	}
	if m.perRoom[parent.RoomID]+n > m.maxPerRoom {
		return fmt.Errorf("%w: room %s", ErrAtCapacity, parent.RoomID)
	}
	m.perBot[parent.Bot.Name] += n
	m.perRoom[parent.RoomID] += n
	return nil
}

func (m *Manager) release(parent Parent, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perBot[parent.Bot.Name] -= n
	m.perRoom[parent.RoomID] -= n
}

// runOne executes a single sidekick: its own session, the parent's
// tool permissions, a token budget below the parent's, and a hard
// timeout.
func (m *Manager) runOne(ctx context.Context, parent Parent, spec Spec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	sessionKey := "sidekick:" + parent.RoomID + ":" + uuid.NewString()
	budget := m.tokenBudget
	if parent.TokenBudget > 0 && budget >= parent.TokenBudget {
		budget = parent.TokenBudget / 2
	}

	system := fmt.Sprintf(
		"You are a sidekick spawned by @%s. Complete the goal using only the packet below. Reply in the requested format and nothing else.",
		parent.Bot.Name)
	messages := []providers.Message{{Role: providers.RoleUser, Content: packet(spec)}}
	palette := m.toolDefs(parent.Bot.Name)

	var resp *providers.Response
	var err error
	for round := 0; ; round++ {
		resp, err = m.provider.Chat(ctx, system, messages, palette, providers.Options{MaxTokens: budget})
		if err != nil {
			if m.metrics != nil {
				m.metrics.RecordError("sidekick", "provider")
			}
			return "", fmt.Errorf("sidekick call: %w", err)
		}
		if len(resp.ToolCalls) == 0 || round >= maxToolRounds {
			break
		}
		messages = append(messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		var toolResults []models.ToolResult
		for _, call := range resp.ToolCalls {
			result, execErr := m.executor.Execute(ctx, tools.Request{
				Bot:        models.BotRef{Name: parent.Bot.Name, Role: parent.Bot.Role},
				SessionKey: sessionKey,
				Call:       call,
				Policy:     parent.Policy,
			})
			if execErr != nil {
				m.logger.Debug("sidekick tool failed", "tool", call.Name, "error", execErr)
			}
			if result != nil {
				toolResults = append(toolResults, *result)
			}
		}
		messages = append(messages, providers.Message{Role: providers.RoleTool, ToolResults: toolResults})
	}

	m.record(ctx, parent, sessionKey, spec, resp.Content)
	return resp.Content, nil
}

// record writes the sidekick's answer to its own session; nothing is
// posted to the room.
func (m *Manager) record(ctx context.Context, parent Parent, sessionKey string, spec Spec, content string) {
	ev := &models.Event{
		ID:         uuid.NewString(),
		Channel:    models.ChannelInternal,
		Direction:  models.DirectionInternal,
		Type:       models.EventMessage,
		Content:    content,
		SessionKey: sessionKey,
		Bot:        &models.BotRef{Name: parent.Bot.Name, Role: parent.Bot.Role},
		Extraction: models.ExtractionSkipped,
		Relevance:  1.0,
		Metadata:   map[string]any{"goal": spec.Goal},
	}
	if _, err := m.events.Append(ctx, ev); err != nil {
		m.logger.Warn("sidekick result not recorded", "error", err)
	}
}

func (m *Manager) toolDefs(bot string) []providers.ToolDef {
	var defs []providers.ToolDef
	for _, t := range m.registry.ForBot(bot) {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// MergeResults combines a batch in spawn order. Failures become
// annotated gaps; when every sidekick failed the parent gets a solo
// fallback note instead of sections.
func MergeResults(specs []Spec, results []Result) *Merged {
	merged := &Merged{}
	var b strings.Builder
	for i, res := range results {
		if res.Err != nil {
			merged.Failed++
		} else {
			merged.Succeeded++
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "### %s\n", firstLine(specs[i].Goal))
		if res.Err != nil {
			b.WriteString("(no result: sidekick failed)")
		} else {
			b.WriteString(res.Content)
		}
	}
	if merged.Succeeded == 0 {
		merged.AllFailed = true
		merged.Content = "All sidekicks failed; continuing without their input."
		return merged
	}
	merged.Content = b.String()
	return merged
}

func packet(spec Spec) string {
	var b strings.Builder
	b.WriteString("Goal: " + spec.Goal)
	if len(spec.Inputs) > 0 {
		b.WriteString("\nInputs:")
		for _, in := range spec.Inputs {
			b.WriteString("\n- " + in)
		}
	}
	if len(spec.Constraints) > 0 {
		b.WriteString("\nConstraints: " + strings.Join(spec.Constraints, "; "))
	}
	if spec.OutputFormat != "" {
		b.WriteString("\nOutput format: " + spec.OutputFormat)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
