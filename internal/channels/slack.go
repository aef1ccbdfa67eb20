package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/time/rate"

	"github.com/ensembleai/ensemble/internal/broker"
	"github.com/ensembleai/ensemble/internal/config"
	"github.com/ensembleai/ensemble/pkg/models"
)

const slackSendLimit = 1 // chat.postMessage tier: ~1/s sustained

// SlackConnector bridges Slack over Socket Mode. Channel conversations
// are groups; IMs map to the sender's direct room.
type SlackConnector struct {
	cfg     config.SlackChannelConfig
	limiter *rate.Limiter
	pacer   *BusyPacer
	logger  *slog.Logger

	mu     sync.Mutex
	client *slack.Client
	socket *socketmode.Client
	selfID string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSlackConnector(cfg config.SlackChannelConfig, logger *slog.Logger) *SlackConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackConnector{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(slackSendLimit), 5),
		pacer:   NewBusyPacer(),
		logger:  logger.With("adapter", "slack"),
	}
}

func (c *SlackConnector) Name() string { return string(models.ChannelSlack) }

func (c *SlackConnector) Start(ctx context.Context, sink Sink) error {
	if c.cfg.BotToken == "" || c.cfg.AppToken == "" {
		return errors.New("slack: bot_token and app_token are required")
	}

	client := slack.New(c.cfg.BotToken, slack.OptionAppLevelToken(c.cfg.AppToken))
	auth, err := client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	socket := socketmode.New(client)

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.client = client
	c.socket = socket
	c.selfID = auth.UserID
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := socket.RunContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("socket mode stopped", "error", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		c.eventLoop(ctx, sink)
	}()
	return nil
}

func (c *SlackConnector) eventLoop(ctx context.Context, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				c.logger.Info("socket mode connected")
			case socketmode.EventTypeConnectionError:
				c.logger.Warn("socket mode connection error", "data", event.Data)
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				c.socket.Ack(*event.Request)
				c.handleEvent(ctx, apiEvent, sink)
			}
		}
	}
}

func (c *SlackConnector) handleEvent(ctx context.Context, apiEvent slackevents.EventsAPIEvent, sink Sink) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.Text == "" || msg.BotID != "" {
		return
	}
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if msg.User == selfID {
		return
	}

	chatID := msg.Channel
	if !strings.HasPrefix(msg.Channel, "D") { // D... = direct message
		chatID = GroupChatID(msg.Channel)
	}

	reply, err := sink(ctx, &models.Envelope{
		Channel:   models.ChannelSlack,
		ChatID:    chatID,
		Sender:    msg.User,
		Content:   msg.Text,
		Timestamp: time.Now().UTC(),
	})
	switch {
	case err == nil:
		c.reply(ctx, msg.Channel, reply)
	case errors.Is(err, broker.ErrBusy):
		if c.pacer.ShouldNotify(chatID) {
			c.reply(ctx, msg.Channel, "Still working on your last message, one moment.")
		}
	default:
		c.logger.Error("turn failed", "chat", chatID, "error", err)
	}
}

func (c *SlackConnector) reply(ctx context.Context, channelID, text string) {
	if text == "" {
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if _, _, err := client.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false)); err != nil {
		c.logger.Error("send failed", "channel", channelID, "error", err)
	}
}

func (c *SlackConnector) Send(ctx context.Context, _ string, env *models.Envelope) error {
	native, _ := NativeChatID(env.ChatID)
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return errors.New("slack: not started")
	}
	_, _, err := client.PostMessageContext(ctx, native, slack.MsgOptionText(env.Content, false))
	return err
}

func (c *SlackConnector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
