// Package channels adapts chat platforms to the runtime. A connector
// turns platform messages into envelopes for the broker and delivers
// bot replies back to the native chat. Group chats are mapped to rooms
// by prefixing the native chat id with "group:".
package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ensembleai/ensemble/pkg/models"
)

// GroupPrefix marks a chat id as a group conversation; the rooms layer
// maps prefixed ids to shared rooms instead of the direct room.
const GroupPrefix = "group:"

// GroupChatID prefixes a native chat id for group conversations.
func GroupChatID(id string) string { return GroupPrefix + id }

// NativeChatID strips the group prefix, returning the platform id and
// whether it was a group.
func NativeChatID(chatID string) (string, bool) {
	if after, ok := strings.CutPrefix(chatID, GroupPrefix); ok {
		return after, true
	}
	return chatID, false
}

// Sink hands an inbound envelope to the runtime and returns the reply
// to show the sender. A reply paired with ErrBusy-shaped errors is
// handled by the connector's pacer, not the runtime.
type Sink func(ctx context.Context, env *models.Envelope) (string, error)

// Connector is one platform adapter.
type Connector interface {
	Name() string
	Start(ctx context.Context, sink Sink) error
	Send(ctx context.Context, roomID string, env *models.Envelope) error
	Stop(ctx context.Context) error
}

// ErrNoConnector means outbound delivery was asked of a channel that
// is not running.
var ErrNoConnector = errors.New("no connector for channel")

// Registry holds the running connectors keyed by name.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	logger     *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		connectors: make(map[string]Connector),
		logger:     logger.With("component", "channels"),
	}
}

func (r *Registry) Add(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// StartAll starts every connector; any failure stops the ones already
// running.
func (r *Registry) StartAll(ctx context.Context, sink Sink) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var started []Connector
	for _, c := range r.connectors {
		if err := c.Start(ctx, sink); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		r.logger.Info("connector started", "channel", c.Name())
		started = append(started, c)
	}
	return nil
}

func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connectors {
		if err := c.Stop(ctx); err != nil {
			r.logger.Warn("connector stop failed", "channel", c.Name(), "error", err)
		}
	}
}

// Send routes an outbound envelope to the connector for its channel.
func (r *Registry) Send(ctx context.Context, roomID string, env *models.Envelope) error {
	c, ok := r.Get(string(env.Channel))
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConnector, env.Channel)
	}
	return c.Send(ctx, roomID, env)
}

const busyCooldown = 15 * time.Second

// BusyPacer rate-limits "I'm busy" notices per chat so a flooding user
// gets one notice per cooldown window, not one per dropped message.
type BusyPacer struct {
	mu       sync.Mutex
	last     map[string]time.Time
	cooldown time.Duration
	now      func() time.Time
}

func NewBusyPacer() *BusyPacer {
	return &BusyPacer{
		last:     make(map[string]time.Time),
		cooldown: busyCooldown,
		now:      time.Now,
	}
}

// ShouldNotify reports whether a busy notice should go to the chat now
// and, if so, starts that chat's cooldown.
func (p *BusyPacer) ShouldNotify(chatID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if t, ok := p.last[chatID]; ok && now.Sub(t) < p.cooldown {
		return false
	}
	p.last[chatID] = now
	return true
}
