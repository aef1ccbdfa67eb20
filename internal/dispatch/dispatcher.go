package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/agent"
	"github.com/ensembleai/ensemble/pkg/models"
)

// ErrUnknownBot is a user-facing error: the message mentioned a bot
// that is not on the roster.
var ErrUnknownBot = errors.New("unknown bot")

const defaultMaxConcurrentTasks = 2

// EventSink receives bot_message events emitted by invocations.
type EventSink interface {
	Append(ctx context.Context, ev *models.Event) (string, error)
}

// Announcer posts system-type text back into a room (the
// "[Bot @X completed]" callback).
type Announcer func(ctx context.Context, roomID, text string)

// Roster is the set of known bot identities, keyed by name.
type Roster struct {
	mu   sync.RWMutex
	bots map[string]models.RoleCard
}

func NewRoster(cards ...models.RoleCard) *Roster {
	r := &Roster{bots: make(map[string]models.RoleCard, len(cards))}
	for _, card := range cards {
		r.bots[strings.ToLower(card.Name)] = card
	}
	return r
}

func (r *Roster) Get(name string) (models.RoleCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.bots[strings.ToLower(name)]
	return card, ok
}

func (r *Roster) Add(card models.RoleCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[strings.ToLower(card.Name)] = card
}

// All returns every role card sorted by name.
func (r *Roster) All() []models.RoleCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cards := make([]models.RoleCard, 0, len(r.bots))
	for _, card := range r.bots {
		cards = append(cards, card)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].Name < cards[j].Name })
	return cards
}

// Dispatcher routes one inbound room event to the right bot turn(s).
type Dispatcher struct {
	roster   *Roster
	loop     *agent.Loop
	events   EventSink
	announce Announcer
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]int
	wg      sync.WaitGroup
}

func NewDispatcher(roster *Roster, loop *agent.Loop, events EventSink, announce Announcer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		roster:   roster,
		loop:     loop,
		events:   events,
		announce: announce,
		logger:   logger.With("component", "dispatch"),
		running:  make(map[string]int),
	}
}

// Route decides who handles the event in the given room: no mention
// means the leader answers directly; mentioned bots are invoked
// fire-and-forget while the leader's own turn acknowledges the request.
func (d *Dispatcher) Route(room *models.Room, ev *models.Event) (models.RoleCard, []models.RoleCard, error) {
	mentions := ParseMentions(ev.Content)

	var targets []models.RoleCard
	for _, name := range mentions.Bots {
		card, ok := d.roster.Get(name)
		if !ok {
			return models.RoleCard{}, nil, fmt.Errorf("%w: @%s", ErrUnknownBot, name)
		}
		targets = append(targets, card)
	}

	leader, ok := d.roster.Get(models.LeaderName)
	if !ok {
		return models.RoleCard{}, nil, fmt.Errorf("roster has no %s bot", models.LeaderName)
	}
	if len(targets) == 1 && strings.EqualFold(targets[0].Name, models.LeaderName) {
		// "@leader do X" is just the leader's own turn.
		return leader, nil, nil
	}
	return leader, targets, nil
}

// Dispatch handles one broker-delivered event: fires one invocation per
// mentioned bot, then runs the primary bot's turn inline. With mentions
// the primary is the leader, whose reply is the immediate
// acknowledgment; each invoked bot reports back later via its
// bot_message and completion notice.
func (d *Dispatcher) Dispatch(ctx context.Context, room *models.Room, ev *models.Event) (string, error) {
	primary, also, err := d.Route(room, ev)
	if err != nil {
		return "", err
	}

	for _, card := range also {
		d.Invoke(ctx, card, Invocation{
			RoomID: room.ID,
			Task:   ev.Content,
		})
	}

	return d.loop.Run(ctx, agent.Turn{
		RoomID: room.ID,
		Bot:    primary,
		Event:  ev,
		Policy: &room.Policy,
	})
}

// Invocation is a fire-and-forget task for one bot.
type Invocation struct {
	RoomID          string
	Task            string
	ExpectedOutputs []string
	InputArtifacts  []string

	// TriggeredBy names who started the invocation, recorded on the
	// bot_message event. Empty means the leader.
	TriggeredBy string

	// Done, when set, receives the invocation result. Used by the
	// coordinator; plain mention fan-out leaves it nil.
	Done func(result string, err error)
}

// Invoke runs the bot on the task in a background session and posts a
// completion notice to the room. The caller does not wait. Concurrency
// per bot is bounded by the role card's max_concurrent_tasks.
//
// The session is detached from the caller's context: an invocation
// routinely outlives the turn that started it, so the turn ending (or
// being canceled) must not kill it. Wait is the shutdown barrier.
func (d *Dispatcher) Invoke(ctx context.Context, bot models.RoleCard, inv Invocation) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runInvocation(ctx, bot, inv)
	}()
}

func (d *Dispatcher) runInvocation(ctx context.Context, bot models.RoleCard, inv Invocation) {
	if !d.acquire(bot) {
		d.logger.Warn("invocation rejected, bot at capacity", "bot", bot.Name, "room", inv.RoomID)
		if inv.Done != nil {
			inv.Done("", fmt.Errorf("bot %s at max concurrent tasks", bot.Name))
		}
		return
	}
	defer d.release(bot)

	packet := contextPacket(bot, inv)
	sessionKey := "invoke:" + inv.RoomID + ":" + uuid.NewString()
	turnEvent := &models.Event{
		ID:         uuid.NewString(),
		Channel:    models.ChannelInternal,
		Direction:  models.DirectionInternal,
		Type:       models.EventMessage,
		Content:    packet,
		SessionKey: sessionKey,
		Extraction: models.ExtractionSkipped,
		Relevance:  1.0,
	}

	result, err := d.loop.Run(ctx, agent.Turn{
		RoomID: inv.RoomID,
		Bot:    bot,
		Event:  turnEvent,
	})
	if err != nil {
		d.logger.Warn("invocation failed", "bot", bot.Name, "room", inv.RoomID, "error", err)
		if inv.Done != nil {
			inv.Done("", err)
		}
		return
	}

	triggeredBy := inv.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.LeaderName
	}
	botMsg := &models.Event{
		ID:         uuid.NewString(),
		Channel:    models.ChannelInternal,
		Direction:  models.DirectionInternal,
		Type:       models.EventBotMessage,
		Content:    result,
		SessionKey: "room:" + inv.RoomID,
		Bot:        &models.BotRef{Name: bot.Name, Role: bot.Role},
		Extraction: models.ExtractionPending,
		Relevance:  1.0,
		Metadata:   map[string]any{"task": inv.Task, "triggered_by": triggeredBy},
	}
	if _, err := d.events.Append(ctx, botMsg); err != nil {
		d.logger.Error("append bot_message failed", "bot", bot.Name, "error", err)
	}

	if d.announce != nil {
		d.announce(ctx, inv.RoomID, fmt.Sprintf("[Bot @%s completed] Task: %s. Result: %s",
			bot.Name, firstLine(inv.Task), firstLine(result)))
	}
	if inv.Done != nil {
		inv.Done(result, nil)
	}
}

// Wait blocks until in-flight invocations finish. Used at shutdown and
// in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) acquire(bot models.RoleCard) bool {
	limit := bot.MaxConcurrentTasks
	if limit <= 0 {
		limit = defaultMaxConcurrentTasks
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[bot.Name] >= limit {
		return false
	}
	d.running[bot.Name]++
	return true
}

func (d *Dispatcher) release(bot models.RoleCard) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running[bot.Name]--
}

// contextPacket builds the minimal brief an invoked bot receives: the
// task plus any referenced artifacts, never room history.
func contextPacket(bot models.RoleCard, inv Invocation) string {
	var b strings.Builder
	b.WriteString("Task: " + inv.Task)
	if len(inv.InputArtifacts) > 0 {
		b.WriteString("\nInput artifacts: " + strings.Join(inv.InputArtifacts, ", "))
	}
	if len(inv.ExpectedOutputs) > 0 {
		b.WriteString("\nExpected outputs: " + strings.Join(inv.ExpectedOutputs, ", "))
	}
	return b.String()
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
