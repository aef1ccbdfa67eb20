package channels

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ensembleai/ensemble/internal/broker"
	"github.com/ensembleai/ensemble/pkg/models"
)

// CLIConnector is the interactive terminal front end: one line in, one
// reply out. It doubles as the test double for the connector contract.
type CLIConnector struct {
	in     io.Reader
	out    io.Writer
	room   string
	sender string
	pacer  *BusyPacer
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type CLIOption func(*CLIConnector)

// WithCLIStreams overrides stdin/stdout, used by tests and pipes.
func WithCLIStreams(in io.Reader, out io.Writer) CLIOption {
	return func(c *CLIConnector) {
		c.in = in
		c.out = out
	}
}

func NewCLIConnector(defaultRoom, sender string, logger *slog.Logger, opts ...CLIOption) *CLIConnector {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultRoom == "" {
		defaultRoom = "general"
	}
	if sender == "" {
		sender = "user"
	}
	c := &CLIConnector{
		room:   defaultRoom,
		sender: sender,
		pacer:  NewBusyPacer(),
		logger: logger.With("adapter", "cli"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CLIConnector) Name() string { return string(models.ChannelCLI) }

// Start reads lines until EOF or cancellation. `/room <id>` switches
// the target room; everything else is a message.
func (c *CLIConnector) Start(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.readLoop(ctx, sink)
	return nil
}

func (c *CLIConnector) readLoop(ctx context.Context, sink Sink) {
	defer close(c.done)
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if after, ok := strings.CutPrefix(line, "/room "); ok {
			c.mu.Lock()
			c.room = strings.TrimSpace(after)
			c.mu.Unlock()
			fmt.Fprintf(c.out, "(switched to room %s)\n", strings.TrimSpace(after))
			continue
		}

		c.mu.Lock()
		room := c.room
		c.mu.Unlock()

		reply, err := sink(ctx, &models.Envelope{
			Channel:   models.ChannelCLI,
			ChatID:    room,
			Sender:    c.sender,
			Content:   line,
			Timestamp: time.Now().UTC(),
		})
		switch {
		case err == nil:
			fmt.Fprintln(c.out, reply)
		case isBusy(err):
			if c.pacer.ShouldNotify(room) {
				fmt.Fprintln(c.out, "(still working on the last message, hold on)")
			}
		default:
			c.logger.Error("turn failed", "error", err)
			fmt.Fprintf(c.out, "(error: %v)\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Error("stdin read failed", "error", err)
	}
}

// Done is closed when the input stream reaches EOF, letting the agent
// command exit with the terminal instead of waiting for a signal.
func (c *CLIConnector) Done() <-chan struct{} { return c.done }

// Send prints an outbound message, prefixed with the room when it is
// not the active one.
func (c *CLIConnector) Send(_ context.Context, roomID string, env *models.Envelope) error {
	c.mu.Lock()
	active := c.room
	c.mu.Unlock()
	if roomID != "" && roomID != active {
		_, err := fmt.Fprintf(c.out, "[%s] %s\n", roomID, env.Content)
		return err
	}
	_, err := fmt.Fprintln(c.out, env.Content)
	return err
}

func (c *CLIConnector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isBusy(err error) bool {
	return errors.Is(err, broker.ErrBusy)
}
