package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/ensembleai/ensemble/internal/broker"
	"github.com/ensembleai/ensemble/internal/config"
	"github.com/ensembleai/ensemble/pkg/models"
)

// telegramSendLimit stays under Telegram's ~30 msg/s bot cap.
const telegramSendLimit = 25

// TelegramConnector bridges Telegram chats via long polling. Private
// chats map to the sender's direct room; group chats get the "group:"
// chat id prefix.
type TelegramConnector struct {
	cfg     config.TelegramChannelConfig
	limiter *rate.Limiter
	pacer   *BusyPacer
	logger  *slog.Logger

	mu     sync.Mutex
	bot    *tgclient
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// tgclient is the slice of *bot.Bot the connector uses, split out so
// tests can fake the wire.
type tgclient struct {
	b *bot.Bot
}

func (c *tgclient) sendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := c.b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	return err
}

func NewTelegramConnector(cfg config.TelegramChannelConfig, logger *slog.Logger) *TelegramConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramConnector{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(telegramSendLimit), telegramSendLimit),
		pacer:   NewBusyPacer(),
		logger:  logger.With("adapter", "telegram"),
	}
}

func (c *TelegramConnector) Name() string { return string(models.ChannelTelegram) }

func (c *TelegramConnector) Start(ctx context.Context, sink Sink) error {
	if c.cfg.Token == "" {
		return errors.New("telegram: token is required")
	}

	b, err := bot.New(c.cfg.Token, bot.WithDefaultHandler(func(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
		c.handleUpdate(ctx, update, sink)
	}))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.bot = &tgclient{b: b}
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		b.Start(ctx) // blocks until ctx is cancelled
	}()
	return nil
}

func (c *TelegramConnector) handleUpdate(ctx context.Context, update *tgmodels.Update, sink Sink) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if !c.allowed(chatID) {
		c.logger.Warn("message from disallowed chat dropped", "chat", chatID)
		return
	}
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		chatID = GroupChatID(chatID)
	}

	sender := chatID
	if msg.From != nil {
		sender = strconv.FormatInt(msg.From.ID, 10)
		if msg.From.Username != "" {
			sender = msg.From.Username
		}
	}

	reply, err := sink(ctx, &models.Envelope{
		Channel:   models.ChannelTelegram,
		ChatID:    chatID,
		Sender:    sender,
		Content:   msg.Text,
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
	})
	switch {
	case err == nil:
		c.reply(ctx, msg.Chat.ID, reply)
	case errors.Is(err, broker.ErrBusy):
		if c.pacer.ShouldNotify(chatID) {
			c.reply(ctx, msg.Chat.ID, "Still working on your last message, one moment.")
		}
	default:
		c.logger.Error("turn failed", "chat", chatID, "error", err)
	}
}

func (c *TelegramConnector) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	c.mu.Lock()
	client := c.bot
	c.mu.Unlock()
	if err := client.sendMessage(ctx, chatID, text); err != nil {
		c.logger.Error("send failed", "chat", chatID, "error", err)
	}
}

// Send delivers an outbound envelope to its native chat.
func (c *TelegramConnector) Send(ctx context.Context, _ string, env *models.Envelope) error {
	native, _ := NativeChatID(env.ChatID)
	id, err := strconv.ParseInt(native, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", env.ChatID, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	client := c.bot
	c.mu.Unlock()
	if client == nil {
		return errors.New("telegram: not started")
	}
	return client.sendMessage(ctx, id, env.Content)
}

func (c *TelegramConnector) Stop(ctx context.Context) error {
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

func (c *TelegramConnector) allowed(chatID string) bool {
	if len(c.cfg.AllowIDs) == 0 {
		return true
	}
	for _, id := range c.cfg.AllowIDs {
		if id == chatID {
			return true
		}
	}
	return false
}
