package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/observability"
	"github.com/ensembleai/ensemble/pkg/models"
)

var (
	// ErrConfirmationRequired means the call touches an exec or
	// destructive tool and no confirmation path applies.
	ErrConfirmationRequired = errors.New("tool requires confirmation")

	// ErrArgument wraps schema validation failures.
	ErrArgument = errors.New("invalid tool arguments")
)

const defaultToolTimeout = 60 * time.Second

// EventSink receives the tool_call / tool_result event pair.
type EventSink interface {
	Append(ctx context.Context, ev *models.Event) (string, error)
}

// Request describes one tool invocation on behalf of a bot.
type Request struct {
	Bot        models.BotRef
	SessionKey string
	Call       models.ToolCall

	// Policy of the room the call runs in; nil means direct defaults
	// (coordinator mode off).
	Policy *models.RoomPolicy

	// Confidence is the calling bot's self-assessed confidence for this
	// step, used by the coordinator-mode confirmation bypass.
	Confidence float64

	// Confirmed is set when the user has explicitly approved the call.
	Confirmed bool

	// ExpectedOutputs lists structured-output keys the caller depends
	// on. Missing keys do not fail the call; see MissingOutputs.
	ExpectedOutputs []string

	Timeout time.Duration
}

// Executor runs tool calls through the full gate sequence: permission
// mask, schema validation, confirmation, serialization, timeout. The
// event pair is recorded no matter which gate rejects the call.
type Executor struct {
	registry *Registry
	events   EventSink
	metrics  *observability.Metrics
	logger   *slog.Logger

	// confirm is consulted for exec/destructive calls that are neither
	// pre-confirmed nor eligible for the coordinator bypass. Nil means
	// always deny.
	confirm func(ctx context.Context, req Request, tool Tool) (bool, error)

	mu     sync.Mutex
	serial map[string]*sync.Mutex // bot \x00 side-effect class
}

func NewExecutor(registry *Registry, events EventSink, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		events:   events,
		metrics:  metrics,
		logger:   logger.With("component", "tools"),
		serial:   make(map[string]*sync.Mutex),
	}
}

// SetConfirmer installs the interactive confirmation hook.
func (x *Executor) SetConfirmer(fn func(ctx context.Context, req Request, tool Tool) (bool, error)) {
	x.confirm = fn
}

// Execute runs one tool call. The returned result is never nil: gate
// rejections and tool failures come back as a ToolResult with status
// error (or timeout) alongside the sentinel error.
func (x *Executor) Execute(ctx context.Context, req Request) (*models.ToolResult, error) {
	if req.Call.ID == "" {
		req.Call.ID = uuid.NewString()
	}
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "tool.execute",
		observability.ToolAttr(req.Call.Name), observability.BotAttr(req.Bot.Name))

	callEventID := x.recordCall(ctx, req)

	result, err := x.run(ctx, req)
	result.ToolCallID = req.Call.ID
	result.DurationMS = time.Since(start).Milliseconds()

	x.recordResult(ctx, req, callEventID, result)
	observability.EndSpan(span, err)

	if x.metrics != nil {
		x.metrics.RecordToolExecution(req.Call.Name, string(result.Status), time.Since(start).Seconds())
	}
	if err != nil {
		x.logger.Warn("tool execution failed",
			"tool", req.Call.Name, "bot", req.Bot.Name, "status", result.Status, "error", err)
	}
	return result, err
}

func (x *Executor) run(ctx context.Context, req Request) (*models.ToolResult, error) {
	tool, err := x.registry.Get(req.Call.Name)
	if err != nil {
		return errorResult(err), err
	}

	if !x.registry.Allowed(req.Bot.Name, req.Call.Name) {
		err := fmt.Errorf("%w: %s for %s", ErrPermissionDenied, req.Call.Name, req.Bot.Name)
		return errorResult(err), err
	}

	if err := x.registry.validate(req.Call.Name, req.Call.Input); err != nil {
		err = fmt.Errorf("%w: %v", ErrArgument, err)
		return errorResult(err), err
	}

	if tool.SideEffect().NeedsConfirmation() {
		ok, err := x.confirmed(ctx, req, tool)
		if err != nil {
			return errorResult(err), err
		}
		if !ok {
			err := fmt.Errorf("%w: %s is %s", ErrConfirmationRequired, req.Call.Name, tool.SideEffect())
			return errorResult(err), err
		}
	}

	if cls := tool.SideEffect(); cls == SideEffectExec || cls == SideEffectDestructive {
		lock := x.serialLock(req.Bot.Name, cls)
		lock.Lock()
		defer lock.Unlock()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, execErr := tool.Execute(runCtx, req.Call.Input)
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) || runCtx.Err() != nil {
			return &models.ToolResult{
				Status: models.ToolStatusTimeout,
				Error:  execErr.Error(),
			}, execErr
		}
		return errorResult(execErr), execErr
	}

	result := &models.ToolResult{Status: models.ToolStatusSuccess}
	if out != nil {
		result.Content = out.Content
		result.StructuredOutput = out.Structured
	}
	return result, nil
}

// confirmed resolves the confirmation gate for exec/destructive calls.
// Coordinator mode bypasses the prompt when the bot's confidence clears
// the room's escalation floor.
func (x *Executor) confirmed(ctx context.Context, req Request, tool Tool) (bool, error) {
	if req.Confirmed {
		return true, nil
	}
	if req.Policy != nil && req.Policy.CoordinatorMode {
		floor := req.Policy.EscalationThreshold.ConfidenceFloor()
		if req.Confidence >= floor {
			return true, nil
		}
	}
	if x.confirm == nil {
		return false, nil
	}
	return x.confirm(ctx, req, tool)
}

func (x *Executor) serialLock(bot string, cls SideEffect) *sync.Mutex {
	key := bot + "\x00" + string(cls)
	x.mu.Lock()
	defer x.mu.Unlock()
	lock, ok := x.serial[key]
	if !ok {
		lock = &sync.Mutex{}
		x.serial[key] = lock
	}
	return lock
}

func (x *Executor) recordCall(ctx context.Context, req Request) string {
	if x.events == nil {
		return ""
	}
	ev := &models.Event{
		ID:         req.Call.ID,
		Channel:    models.ChannelInternal,
		Direction:  models.DirectionInternal,
		Type:       models.EventToolCall,
		Content:    string(req.Call.Input),
		SessionKey: req.SessionKey,
		Bot:        &req.Bot,
		ToolName:   req.Call.Name,
		Extraction: models.ExtractionSkipped,
		Relevance:  1.0,
	}
	// Detached from the turn: the call must land in the log even when
	// the turn is already being canceled.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	id, err := x.events.Append(appendCtx, ev)
	if err != nil {
		x.logger.Error("record tool_call failed", "tool", req.Call.Name, "error", err)
		return ""
	}
	return id
}

func (x *Executor) recordResult(ctx context.Context, req Request, parentID string, result *models.ToolResult) {
	if x.events == nil {
		return
	}
	if parentID == "" {
		// The tool_call append failed; an orphan result would break the
		// pairing invariant.
		return
	}
	content := result.Content
	if result.Error != "" {
		content = result.Error
	}
	ev := &models.Event{
		ID:         uuid.NewString(),
		Channel:    models.ChannelInternal,
		Direction:  models.DirectionInternal,
		Type:       models.EventToolResult,
		Content:    content,
		SessionKey: req.SessionKey,
		ParentID:   parentID,
		Bot:        &req.Bot,
		ToolName:   req.Call.Name,
		Extraction: models.ExtractionSkipped,
		Relevance:  1.0,
		Metadata: map[string]any{
			"status":      string(result.Status),
			"duration_ms": result.DurationMS,
		},
	}
	// A canceled turn is exactly when the result must still pair its
	// tool_call, so the append never rides the turn context.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := x.events.Append(appendCtx, ev); err != nil {
		x.logger.Error("record tool_result failed", "tool", req.Call.Name, "error", err)
	}
}

// MissingOutputs returns the expected structured-output keys absent from
// the result. A non-empty return downgrades the surrounding task to
// partial rather than failing the call.
func MissingOutputs(result *models.ToolResult, expected []string) []string {
	if len(expected) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if len(result.StructuredOutput) > 0 {
		// Best effort: a non-object structured output misses every key.
		_ = json.Unmarshal(result.StructuredOutput, &fields)
	}
	var missing []string
	for _, key := range expected {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

func errorResult(err error) *models.ToolResult {
	return &models.ToolResult{
		Status: models.ToolStatusError,
		Error:  err.Error(),
	}
}
