package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/dispatch"
	"github.com/ensembleai/ensemble/internal/observability"
	"github.com/ensembleai/ensemble/pkg/models"
)

// State is the coordinator's position in its control loop.
type State string

const (
	StateIdle          State = "idle"
	StateAnalyzing     State = "analyzing"
	StateRouting       State = "route_to_bot"
	StateDecomposing   State = "task_decomposition"
	StateDelegating    State = "delegating"
	StateMonitoring    State = "monitoring"
	StateAssembling    State = "assembling_results"
	StatePresenting    State = "presenting"
	StateErrorHandling State = "error_handling"
	StateRetrying      State = "retrying"
	StateEscalating    State = "escalating"
)

var (
	// ErrRoomPaused means the room is waiting on a human decision for an
	// open escalation.
	ErrRoomPaused = errors.New("room paused pending escalation")

	ErrNoEligibleBot = errors.New("no eligible bot for task")
)

// Invoker delegates a task to one bot. *dispatch.Dispatcher satisfies
// it.
type Invoker interface {
	Invoke(ctx context.Context, bot models.RoleCard, inv dispatch.Invocation)
}

// Expertise ranks and scores bots per domain. *learning.Store
// satisfies it.
type Expertise interface {
	RecordOutcome(ctx context.Context, botID, domain string, success bool) error
	RankBots(ctx context.Context, domain string) ([]*models.Expertise, error)
}

type EventSink interface {
	Append(ctx context.Context, ev *models.Event) (string, error)
}

// Config tunes retry and pacing behavior. Zero values select defaults.
type Config struct {
	MaxRetries int           // per-bot attempts before alternate-bot / failure (default 2)
	RetryDelay time.Duration // base backoff, doubled per retry (default 2s)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Coordinator is the leader bot's orchestration engine: it analyzes a
// request, either routes it to one bot or decomposes it into a task
// DAG, delegates through the dispatcher, monitors outcomes, and
// assembles the results. Escalations pause the room until the user
// decides.
type Coordinator struct {
	tasks     *TaskStore
	bus       *Bus
	roster    *dispatch.Roster
	invoker   Invoker
	analyzer  Analyzer
	expertise Expertise
	events    EventSink
	metrics   *observability.Metrics
	logger    *slog.Logger
	config    Config

	mu     sync.Mutex
	states map[string]State  // room id -> current state
	paused map[string]string // room id -> escalation reason

	sleep func(ctx context.Context, d time.Duration) error
}

func New(tasks *TaskStore, bus *Bus, roster *dispatch.Roster, invoker Invoker,
	analyzer Analyzer, expertise Expertise, events EventSink,
	metrics *observability.Metrics, logger *slog.Logger, config Config) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tasks:     tasks,
		bus:       bus,
		roster:    roster,
		invoker:   invoker,
		analyzer:  analyzer,
		expertise: expertise,
		events:    events,
		metrics:   metrics,
		logger:    logger.With("component", "coordinator"),
		config:    config.withDefaults(),
		states:    make(map[string]State),
		paused:    make(map[string]string),
		sleep:     sleepCtx,
	}
}

// StateFor returns the coordinator's current state in a room.
func (c *Coordinator) StateFor(roomID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[roomID]; ok {
		return s
	}
	return StateIdle
}

// Paused reports whether the room has an open escalation, and why.
func (c *Coordinator) Paused(roomID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason, ok := c.paused[roomID]
	return reason, ok
}

// Resolve closes an open escalation with the user's decision and
// unpauses the room.
func (c *Coordinator) Resolve(ctx context.Context, roomID, decision string) error {
	c.mu.Lock()
	reason, ok := c.paused[roomID]
	delete(c.paused, roomID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no open escalation for room %s", roomID)
	}
	c.logger.Info("escalation resolved", "room", roomID, "decision", decision)
	return c.appendCoordination(ctx, roomID,
		fmt.Sprintf("Escalation resolved: %s (was: %s)", decision, reason))
}

// HandleRequest runs the full control loop for one user request in a
// coordinator-mode room and returns the assembled answer.
func (c *Coordinator) HandleRequest(ctx context.Context, room *models.Room, ev *models.Event) (string, error) {
	if reason, ok := c.Paused(room.ID); ok {
		return "", fmt.Errorf("%w: %s", ErrRoomPaused, reason)
	}
	defer c.setState(room.ID, StateIdle)

	c.setState(room.ID, StateAnalyzing)
	plan, err := c.analyzer.Analyze(ctx, room, ev.Content, c.roster.All())
	if err != nil {
		return "", fmt.Errorf("analyze request: %w", err)
	}

	floor := room.Policy.EscalationThreshold.ConfidenceFloor()
	if plan.Confidence < floor {
		c.escalate(ctx, room.ID, fmt.Sprintf(
			"analysis confidence %.2f below threshold %.2f for: %s",
			plan.Confidence, floor, firstLine(ev.Content)))
		return "I need your input before proceeding; see the escalation above.", nil
	}

	if plan.RouteTo != "" {
		c.setState(room.ID, StateRouting)
		return c.routeToBot(ctx, room, ev, plan)
	}

	c.setState(room.ID, StateDecomposing)
	return c.runPlan(ctx, room, ev, plan)
}

// routeToBot delegates the whole request to a single bot and waits for
// the result.
func (c *Coordinator) routeToBot(ctx context.Context, room *models.Room, ev *models.Event, plan *Plan) (string, error) {
	card, ok := c.roster.Get(plan.RouteTo)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoEligibleBot, plan.RouteTo)
	}

	c.setState(room.ID, StateDelegating)
	done := make(chan invocationResult, 1)
	c.invoker.Invoke(ctx, card, dispatch.Invocation{
		RoomID: room.ID,
		Task:   ev.Content,
		Done: func(result string, err error) {
			done <- invocationResult{result: result, err: err}
		},
	})

	c.setState(room.ID, StateMonitoring)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			c.recordOutcome(ctx, card.Name, domainOf(card), false)
			c.escalate(ctx, room.ID, fmt.Sprintf("@%s failed: %v", card.Name, res.err))
			return "", fmt.Errorf("route to @%s: %w", card.Name, res.err)
		}
		c.recordOutcome(ctx, card.Name, domainOf(card), true)
		c.setState(room.ID, StatePresenting)
		return res.result, nil
	}
}

// runPlan persists the decomposed task DAG and drives it to
// completion.
func (c *Coordinator) runPlan(ctx context.Context, room *models.Room, ev *models.Event, plan *Plan) (string, error) {
	for _, t := range plan.Tasks {
		if t.AssignedTo == "" {
			bot, err := c.pickBot(ctx, t.Domain)
			if err != nil {
				return "", err
			}
			t.AssignedTo = bot
		}
	}
	if err := c.tasks.CreatePlan(ctx, plan.Tasks); err != nil {
		return "", err
	}

	c.setState(room.ID, StateDelegating)
	if err := c.appendCoordination(ctx, room.ID, planSummary(plan)); err != nil {
		c.logger.Warn("plan summary not recorded", "error", err)
	}

	if err := c.monitor(ctx, room, plan); err != nil {
		return "", err
	}

	c.setState(room.ID, StateAssembling)
	answer, allOK := c.assemble(ctx, plan)
	if !allOK {
		c.setState(room.ID, StateEscalating)
	}
	c.setState(room.ID, StatePresenting)
	return answer, nil
}

type invocationResult struct {
	taskID string
	result string
	err    error
}

// monitor dispatches ready tasks and reacts to outcomes until every
// task in the plan is terminal or blocked. Bot-raised escalations on
// the bus abort the run.
func (c *Coordinator) monitor(ctx context.Context, room *models.Room, plan *Plan) error {
	c.setState(room.ID, StateMonitoring)

	inPlan := make(map[string]bool, len(plan.Tasks))
	attempted := make(map[string]map[string]bool, len(plan.Tasks)) // task -> bots tried
	for _, t := range plan.Tasks {
		inPlan[t.ID] = true
	}

	results := make(chan invocationResult, len(plan.Tasks))
	escalations := c.bus.Subscribe(models.LeaderName)
	outstanding := 0

	for {
		if _, err := c.tasks.UnblockResolved(ctx); err != nil {
			return err
		}
		ready, err := c.tasks.Ready(ctx)
		if err != nil {
			return err
		}
		for _, t := range ready {
			if !inPlan[t.ID] {
				continue
			}
			if err := c.dispatchTask(ctx, room, t, results, attempted); err != nil {
				return err
			}
			outstanding++
		}
		if outstanding == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-escalations:
			if msg.Type != models.BotMessageEscalation {
				continue
			}
			c.escalate(ctx, room.ID, fmt.Sprintf("@%s: %s", msg.Sender, msg.Content))
			return fmt.Errorf("%w: raised by @%s", ErrRoomPaused, msg.Sender)
		case res := <-results:
			outstanding--
			if err := c.handleOutcome(ctx, room, res, attempted); err != nil {
				return err
			}
		}
	}
}

func (c *Coordinator) dispatchTask(ctx context.Context, room *models.Room, t *models.Task,
	results chan<- invocationResult, attempted map[string]map[string]bool) error {
	card, ok := c.roster.Get(t.AssignedTo)
	if !ok {
		return fmt.Errorf("%w: %s assigned to unknown @%s", ErrNoEligibleBot, t.ID, t.AssignedTo)
	}
	if t.Status == models.TaskPending {
		if err := c.tasks.Assign(ctx, t.ID, card.Name); err != nil {
			return err
		}
	}
	if err := c.tasks.Transition(ctx, t.ID, models.TaskInProgress); err != nil {
		return err
	}
	if attempted[t.ID] == nil {
		attempted[t.ID] = make(map[string]bool)
	}
	attempted[t.ID][card.Name] = true

	taskID := t.ID
	c.invoker.Invoke(ctx, card, dispatch.Invocation{
		RoomID:          room.ID,
		Task:            taskText(t),
		ExpectedOutputs: t.Requirements,
		Done: func(result string, err error) {
			results <- invocationResult{taskID: taskID, result: result, err: err}
		},
	})
	return nil
}

// handleOutcome applies one invocation result to the task store:
// success completes the task, failure retries with backoff, then tries
// an alternate bot, then fails the task and blocks its successors.
func (c *Coordinator) handleOutcome(ctx context.Context, room *models.Room,
	res invocationResult, attempted map[string]map[string]bool) error {
	t, err := c.tasks.Get(ctx, res.taskID)
	if err != nil {
		return err
	}

	if res.err == nil {
		c.recordOutcome(ctx, t.AssignedTo, t.Domain, true)
		return c.tasks.Complete(ctx, t.ID, res.result, 1.0)
	}

	c.setState(room.ID, StateErrorHandling)
	defer c.setState(room.ID, StateMonitoring)
	c.recordOutcome(ctx, t.AssignedTo, t.Domain, false)
	c.logger.Warn("task failed", "task", t.ID, "bot", t.AssignedTo, "error", res.err)
	if c.metrics != nil {
		c.metrics.RecordError("coordinator", "task_failure")
	}

	retryable, err := c.tasks.Fail(ctx, t.ID, c.config.MaxRetries)
	if err != nil {
		return err
	}
	if retryable {
		c.setState(room.ID, StateRetrying)
		delay := c.config.RetryDelay << uint(t.RetryCount)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
		return nil // back in Ready as ASSIGNED
	}

	if alt := c.alternateBot(ctx, t.Domain, attempted[t.ID]); alt != "" {
		c.logger.Info("reassigning failed task", "task", t.ID, "from", t.AssignedTo, "to", alt)
		return c.tasks.Reassign(ctx, t.ID, alt)
	}

	c.escalate(ctx, room.ID, fmt.Sprintf(
		"task %q failed after retries with no alternate bot: %v", t.Title, res.err))
	return nil
}

// alternateBot picks the best-ranked bot for the domain that has not
// yet been tried on this task.
func (c *Coordinator) alternateBot(ctx context.Context, domain string, tried map[string]bool) string {
	if c.expertise == nil {
		return ""
	}
	ranked, err := c.expertise.RankBots(ctx, domain)
	if err != nil {
		c.logger.Warn("rank bots failed", "domain", domain, "error", err)
		return ""
	}
	for _, e := range ranked {
		if tried[e.BotID] {
			continue
		}
		if _, ok := c.roster.Get(e.BotID); !ok {
			continue
		}
		return e.BotID
	}
	return ""
}

// assemble joins completed task results in plan order; failed or
// blocked tasks are annotated rather than silently dropped.
func (c *Coordinator) assemble(ctx context.Context, plan *Plan) (string, bool) {
	var b strings.Builder
	allOK := true
	for i, planned := range plan.Tasks {
		t, err := c.tasks.Get(ctx, planned.ID)
		if err != nil {
			c.logger.Warn("assemble: task load failed", "task", planned.ID, "error", err)
			allOK = false
			continue
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch t.Status {
		case models.TaskCompleted:
			fmt.Fprintf(&b, "## %s\n%s", t.Title, t.Result)
		case models.TaskFailed:
			fmt.Fprintf(&b, "## %s\n(failed: no result)", t.Title)
			allOK = false
		default:
			fmt.Fprintf(&b, "## %s\n(%s: blocked on a failed prerequisite)", t.Title, t.Status)
			allOK = false
		}
	}
	return b.String(), allOK
}

// pickBot chooses the highest-scoring bot for a domain, falling back
// to any roster bot declaring the domain, then to the leader.
func (c *Coordinator) pickBot(ctx context.Context, domain string) (string, error) {
	if c.expertise != nil {
		ranked, err := c.expertise.RankBots(ctx, domain)
		if err == nil {
			for _, e := range ranked {
				if _, ok := c.roster.Get(e.BotID); ok {
					return e.BotID, nil
				}
			}
		}
	}
	for _, card := range c.roster.All() {
		for _, d := range card.Domains {
			if strings.EqualFold(d, domain) {
				return card.Name, nil
			}
		}
	}
	if _, ok := c.roster.Get(models.LeaderName); ok {
		return models.LeaderName, nil
	}
	return "", fmt.Errorf("%w: domain %s", ErrNoEligibleBot, domain)
}

func (c *Coordinator) escalate(ctx context.Context, roomID, reason string) {
	c.mu.Lock()
	c.paused[roomID] = reason
	c.states[roomID] = StateEscalating
	c.mu.Unlock()

	c.logger.Warn("escalating to user", "room", roomID, "reason", reason)
	if c.metrics != nil {
		c.metrics.RecordError("coordinator", "escalation")
	}
	ev := &models.Event{
		ID:         uuid.NewString(),
		Channel:    models.ChannelInternal,
		Direction:  models.DirectionOutbound,
		Type:       models.EventEscalation,
		Content:    reason,
		SessionKey: "room:" + roomID,
		Bot:        &models.BotRef{Name: models.LeaderName},
		Extraction: models.ExtractionSkipped,
		Relevance:  1.0,
	}
	if _, err := c.events.Append(ctx, ev); err != nil {
		c.logger.Error("escalation event not recorded", "room", roomID, "error", err)
	}
}

func (c *Coordinator) appendCoordination(ctx context.Context, roomID, content string) error {
	_, err := c.events.Append(ctx, &models.Event{
		ID:         uuid.NewString(),
		Channel:    models.ChannelInternal,
		Direction:  models.DirectionOutbound,
		Type:       models.EventCoordination,
		Content:    content,
		SessionKey: "room:" + roomID,
		Bot:        &models.BotRef{Name: models.LeaderName},
		Extraction: models.ExtractionSkipped,
		Relevance:  1.0,
	})
	return err
}

func (c *Coordinator) recordOutcome(ctx context.Context, botID, domain string, success bool) {
	if c.expertise == nil || domain == "" {
		return
	}
	if err := c.expertise.RecordOutcome(ctx, botID, domain, success); err != nil {
		c.logger.Warn("expertise outcome not recorded", "bot", botID, "error", err)
	}
}

func (c *Coordinator) setState(roomID string, s State) {
	c.mu.Lock()
	c.states[roomID] = s
	c.mu.Unlock()
}

func taskText(t *models.Task) string {
	var b strings.Builder
	b.WriteString(t.Title)
	if t.Description != "" {
		b.WriteString("\n")
		b.WriteString(t.Description)
	}
	if len(t.Constraints) > 0 {
		b.WriteString("\nConstraints: ")
		b.WriteString(strings.Join(t.Constraints, "; "))
	}
	return b.String()
}

func planSummary(plan *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delegating %d tasks:", len(plan.Tasks))
	for _, t := range plan.Tasks {
		fmt.Fprintf(&b, "\n- %s -> @%s", t.Title, t.AssignedTo)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
