package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/providers"
	"github.com/ensembleai/ensemble/pkg/models"
)

// Plan is the analyzer's verdict on a request: either route the whole
// thing to one bot, or decompose it into a dependency-ordered task
// list.
type Plan struct {
	RouteTo    string // bot name for a single-domain request; empty when decomposed
	Tasks      []*models.Task
	Confidence float64
	Summary    string
}

// Analyzer decides how a coordinator-mode request should be executed.
type Analyzer interface {
	Analyze(ctx context.Context, room *models.Room, content string, roster []models.RoleCard) (*Plan, error)
}

const analyzeSystemPrompt = `You are the planning stage of a multi-agent coordinator.
Given a user request and the available bots, respond with ONLY a JSON object:
{
  "route_to": "<bot name>",        // when one bot can handle the whole request
  "tasks": [                        // otherwise: an ordered decomposition
    {"title": "...", "description": "...", "domain": "...",
     "assigned_to": "<bot name or empty>", "depends_on": [<indices of prior tasks>]}
  ],
  "confidence": 0.0-1.0,            // how sure you are this plan is right
  "summary": "<one line>"
}
Use route_to OR tasks, never both. Dependencies must reference earlier
tasks only.`

// LLMAnalyzer plans with a cheap model and falls back to a heuristic
// route when the model's output is unusable.
type LLMAnalyzer struct {
	provider providers.ChatProvider
	model    string
	logger   *slog.Logger
}

func NewLLMAnalyzer(provider providers.ChatProvider, model string, logger *slog.Logger) *LLMAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMAnalyzer{provider: provider, model: model, logger: logger.With("component", "analyzer")}
}

type planWire struct {
	RouteTo string `json:"route_to"`
	Tasks   []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Domain      string `json:"domain"`
		AssignedTo  string `json:"assigned_to"`
		DependsOn   []int  `json:"depends_on"`
	} `json:"tasks"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, room *models.Room, content string, roster []models.RoleCard) (*Plan, error) {
	prompt := fmt.Sprintf("Available bots:\n%s\nRequest:\n%s", describeRoster(roster), content)
	resp, err := a.provider.Chat(ctx, analyzeSystemPrompt,
		[]providers.Message{{Role: providers.RoleUser, Content: prompt}},
		nil, providers.Options{Model: a.model, MaxTokens: 1024})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	plan, err := decodePlan(resp.Content)
	if err != nil {
		a.logger.Warn("plan decode failed, routing to leader", "error", err)
		return heuristicPlan(content, roster), nil
	}
	return plan, nil
}

// decodePlan tolerates fenced or prefixed JSON the way models tend to
// emit it.
func decodePlan(raw string) (*Plan, error) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in plan output")
	}

	var wire planWire
	if err := json.Unmarshal([]byte(raw[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	plan := &Plan{RouteTo: wire.RouteTo, Confidence: wire.Confidence, Summary: wire.Summary}
	if plan.RouteTo != "" {
		return plan, nil
	}
	if len(wire.Tasks) == 0 {
		return nil, fmt.Errorf("plan has neither route_to nor tasks")
	}

	ids := make([]string, len(wire.Tasks))
	for i, wt := range wire.Tasks {
		t := &models.Task{
			Title:       wt.Title,
			Description: wt.Description,
			Domain:      wt.Domain,
			AssignedTo:  wt.AssignedTo,
			Status:      models.TaskPending,
		}
		for _, dep := range wt.DependsOn {
			if dep < 0 || dep >= i {
				return nil, fmt.Errorf("task %d depends on out-of-range index %d", i, dep)
			}
			t.DependsOn = append(t.DependsOn, ids[dep])
		}
		plan.Tasks = append(plan.Tasks, t)
		// CreatePlan assigns IDs lazily; pin them here so indices resolve.
		t.ID = uuid.NewString()
		ids[i] = t.ID
	}
	return plan, nil
}

// heuristicPlan is the no-model fallback: route to the first bot whose
// domain appears in the request, else the leader.
func heuristicPlan(content string, roster []models.RoleCard) *Plan {
	lower := strings.ToLower(content)
	for _, card := range roster {
		for _, d := range card.Domains {
			if d != "" && strings.Contains(lower, strings.ToLower(d)) {
				return &Plan{RouteTo: card.Name, Confidence: 0.75, Summary: "domain keyword route"}
			}
		}
	}
	return &Plan{RouteTo: models.LeaderName, Confidence: 0.75, Summary: "default leader route"}
}

func describeRoster(roster []models.RoleCard) string {
	var b strings.Builder
	for _, card := range roster {
		fmt.Fprintf(&b, "- @%s (%s): %s\n", card.Name, card.Role, strings.Join(card.Domains, ", "))
	}
	return b.String()
}

func domainOf(card models.RoleCard) string {
	if len(card.Domains) > 0 {
		return card.Domains[0]
	}
	return card.Role
}
