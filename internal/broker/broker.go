// Package broker is the serialization point for everything addressed to
// a room: durable enqueue via group commit, per-room FIFO dispatch, and
// turn cancellation.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/observability"
	"github.com/ensembleai/ensemble/pkg/models"
)

// ErrBusy is returned when a room's queue is at its high-water mark. The
// connector must drop, buffer, or pace.
var ErrBusy = errors.New("broker: room queue full")

// ErrClosed is returned after Stop.
var ErrClosed = errors.New("broker: closed")

// Appender persists event batches; the event store implements it.
type Appender interface {
	AppendBatch(ctx context.Context, evs []*models.Event) error
}

// Journal extends Appender with the dispatch ledger: persisted inbound
// events that were never handed to a handler survive a restart and are
// replayed into their room queues. *eventstore.Store implements it.
type Journal interface {
	Appender
	UndispatchedInbound(ctx context.Context) ([]*models.Event, error)
	MarkDispatched(ctx context.Context, ids ...string) error
}

// Handler processes one dispatched event; the agent loop implements it.
// The context is canceled when the turn is interrupted.
type Handler interface {
	Handle(ctx context.Context, roomID string, ev *models.Event) error
}

// Config tunes the broker.
type Config struct {
	// CommitWindow is the maximum time an enqueue waits for its group.
	CommitWindow time.Duration

	// CommitBatch flushes early once this many events are pending.
	CommitBatch int

	// HighWater is the per-room queue bound.
	HighWater int

	// InMemory skips persistence entirely. Events exist only in the
	// queues and are lost on restart. Off by default; turning it on is
	// an explicit durability trade.
	InMemory bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		CommitWindow: 5 * time.Millisecond,
		CommitBatch:  64,
		HighWater:    100,
	}
}

// commitReq is one enqueue waiting for its group's fsync.
type commitReq struct {
	ev   *models.Event
	done chan error
}

// room is the per-room FIFO and its dispatcher state.
type room struct {
	mu      sync.Mutex
	queue   []*models.Event
	wake    chan struct{}
	cancel  context.CancelFunc // active turn; nil when idle
	started bool
}

// Broker owns the group committer and one dispatcher goroutine per room.
type Broker struct {
	config  Config
	store   Appender
	handler Handler
	metrics *observability.Metrics
	logger  *slog.Logger

	commits chan commitReq

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped broker. Metrics may be nil.
func New(config Config, store Appender, handler Handler, metrics *observability.Metrics, logger *slog.Logger) *Broker {
	if config.CommitWindow <= 0 {
		config.CommitWindow = 5 * time.Millisecond
	}
	if config.CommitBatch <= 0 {
		config.CommitBatch = 64
	}
	if config.HighWater <= 0 {
		config.HighWater = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		config:  config,
		store:   store,
		handler: handler,
		metrics: metrics,
		logger:  logger.With("component", "broker"),
		commits: make(chan commitReq, config.CommitBatch*2),
		rooms:   make(map[string]*room),
	}
}

// Start launches the group committer and replays events persisted by a
// previous run that never reached their handler.
func (b *Broker) Start(ctx context.Context) {
	b.runCtx, b.stop = context.WithCancel(ctx)
	if !b.config.InMemory {
		b.wg.Add(1)
		go b.committer()
		b.replay(ctx)
	}
}

// replay reloads undispatched inbound events into their room queues in
// original order, so a crash between group commit and dispatch does not
// lose an accepted message.
func (b *Broker) replay(ctx context.Context) {
	journal, ok := b.store.(Journal)
	if !ok {
		return
	}
	evs, err := journal.UndispatchedInbound(ctx)
	if err != nil {
		b.logger.Error("replay scan failed", "error", err)
		return
	}
	for _, ev := range evs {
		roomID := strings.TrimPrefix(ev.SessionKey, "room:")
		b.mu.Lock()
		r := b.ensureRoomLocked(roomID)
		b.mu.Unlock()
		r.mu.Lock()
		r.queue = append(r.queue, ev)
		r.mu.Unlock()
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
	if len(evs) > 0 {
		b.logger.Info("replayed undispatched events", "count", len(evs))
	}
}

// markDispatched records that an event reached its handler. Handler
// errors count as dispatched: replay is for events a crash kept from
// being attempted, not a retry loop for failing ones.
func (b *Broker) markDispatched(id string) {
	if b.config.InMemory {
		return
	}
	journal, ok := b.store.(Journal)
	if !ok {
		return
	}
	if err := journal.MarkDispatched(context.Background(), id); err != nil {
		b.logger.Error("mark dispatched failed", "event", id, "error", err)
	}
}

// Stop cancels dispatchers and waits for in-flight work.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	if b.stop != nil {
		b.stop()
	}
	b.wg.Wait()
}

// Enqueue converts an envelope into a persisted event and queues it for
// its room. It returns only after the event's group commit has fsync'd
// (unless in-memory mode is on). CancelPrior drains the room first.
func (b *Broker) Enqueue(ctx context.Context, roomID string, env *models.Envelope) (*models.Event, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	r := b.ensureRoomLocked(roomID)
	b.mu.Unlock()

	if env.CancelPrior {
		b.cancelRoom(roomID, r)
	}

	r.mu.Lock()
	depth := len(r.queue)
	r.mu.Unlock()
	if depth >= b.config.HighWater {
		if b.metrics != nil {
			b.metrics.BrokerRejections.WithLabelValues(roomID).Inc()
		}
		return nil, fmt.Errorf("%w: room %s at %d", ErrBusy, roomID, depth)
	}

	ev := eventFromEnvelope(roomID, env)
	if err := b.persist(ctx, ev); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.queue = append(r.queue, ev)
	depth = len(r.queue)
	r.mu.Unlock()
	if b.metrics != nil {
		b.metrics.BrokerQueueDepth.WithLabelValues(roomID).Set(float64(depth))
		b.metrics.MessageCounter.WithLabelValues(string(env.Channel), string(models.DirectionInbound)).Inc()
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return ev, nil
}

// Cancel drains a room's unstarted queue and interrupts its active turn.
func (b *Broker) Cancel(roomID string) {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	b.mu.Unlock()
	if ok {
		b.cancelRoom(roomID, r)
	}
}

func (b *Broker) cancelRoom(roomID string, r *room) {
	r.mu.Lock()
	dropped := len(r.queue)
	r.queue = nil
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if dropped > 0 || cancel != nil {
		b.logger.Info("room canceled", "room", roomID, "dropped", dropped, "interrupted", cancel != nil)
	}
}

// QueueDepth reports the pending count for a room.
func (b *Broker) QueueDepth(roomID string) int {
	b.mu.Lock()
	r, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// ensureRoomLocked returns the room state, starting its dispatcher on
// first use. Callers hold b.mu.
func (b *Broker) ensureRoomLocked(roomID string) *room {
	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{wake: make(chan struct{}, 1)}
		b.rooms[roomID] = r
	}
	if !r.started {
		r.started = true
		b.wg.Add(1)
		go b.dispatch(roomID, r)
	}
	return r
}

// persist blocks until the event's batch is committed.
func (b *Broker) persist(ctx context.Context, ev *models.Event) error {
	if b.config.InMemory {
		return nil
	}
	req := commitReq{ev: ev, done: make(chan error, 1)}
	select {
	case b.commits <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.runCtx.Done():
		return ErrClosed
	}
	select {
	case err := <-req.done:
		if err != nil {
			return fmt.Errorf("group commit: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// committer batches appends: a batch flushes when it reaches CommitBatch
// items or its oldest member has waited CommitWindow.
func (b *Broker) committer() {
	defer b.wg.Done()
	for {
		select {
		case <-b.runCtx.Done():
			b.drainCommits()
			return
		case first := <-b.commits:
			batch := []commitReq{first}
			deadline := time.NewTimer(b.config.CommitWindow)
		collect:
			for len(batch) < b.config.CommitBatch {
				select {
				case req := <-b.commits:
					batch = append(batch, req)
				case <-deadline.C:
					break collect
				case <-b.runCtx.Done():
					break collect
				}
			}
			deadline.Stop()
			b.flush(batch)
		}
	}
}

func (b *Broker) flush(batch []commitReq) {
	evs := make([]*models.Event, len(batch))
	for i, req := range batch {
		evs[i] = req.ev
	}
	err := b.store.AppendBatch(context.Background(), evs)
	for _, req := range batch {
		req.done <- err
	}
	if b.metrics != nil {
		b.metrics.GroupCommitBatchSize.Observe(float64(len(batch)))
	}
}

// drainCommits fails any enqueues still waiting at shutdown.
func (b *Broker) drainCommits() {
	for {
		select {
		case req := <-b.commits:
			req.done <- ErrClosed
		default:
			return
		}
	}
}

// dispatch is the single worker for one room: strictly serial, FIFO.
func (b *Broker) dispatch(roomID string, r *room) {
	defer b.wg.Done()
	for {
		r.mu.Lock()
		var ev *models.Event
		if len(r.queue) > 0 {
			ev = r.queue[0]
			r.queue = r.queue[1:]
		}
		r.mu.Unlock()

		if ev == nil {
			select {
			case <-b.runCtx.Done():
				return
			case <-r.wake:
			}
			continue
		}

		turnCtx, cancel := context.WithCancel(b.runCtx)
		r.mu.Lock()
		r.cancel = cancel
		r.mu.Unlock()

		spanCtx, span := observability.StartSpan(turnCtx, "broker.dispatch",
			observability.RoomAttr(roomID))
		err := b.handler.Handle(spanCtx, roomID, ev)
		observability.EndSpan(span, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("turn failed", "room", roomID, "event", ev.ID, "error", err)
			if b.metrics != nil {
				b.metrics.RecordError("broker", "turn_failed")
			}
		}
		if errors.Is(err, context.Canceled) && b.runCtx.Err() != nil {
			// Shutdown interrupted the turn; it replays on the next start.
		} else {
			b.markDispatched(ev.ID)
		}

		r.mu.Lock()
		r.cancel = nil
		depth := len(r.queue)
		r.mu.Unlock()
		cancel()
		if b.metrics != nil {
			b.metrics.BrokerQueueDepth.WithLabelValues(roomID).Set(float64(depth))
		}
		if b.runCtx.Err() != nil {
			return
		}
	}
}

// eventFromEnvelope builds the persisted inbound event.
func eventFromEnvelope(roomID string, env *models.Envelope) *models.Event {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	meta := env.Metadata
	if env.Sender != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["sender"] = env.Sender
	}
	if len(env.Attachments) > 0 {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["attachments"] = env.Attachments
	}
	return &models.Event{
		ID:         uuid.NewString(),
		Channel:    env.Channel,
		Direction:  models.DirectionInbound,
		Type:       models.EventMessage,
		Content:    env.Content,
		SessionKey: "room:" + roomID,
		Extraction: models.ExtractionPending,
		Relevance:  1.0,
		Metadata:   meta,
		CreatedAt:  ts,
	}
}
