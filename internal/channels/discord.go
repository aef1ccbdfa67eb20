package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/ensembleai/ensemble/internal/broker"
	"github.com/ensembleai/ensemble/internal/config"
	"github.com/ensembleai/ensemble/pkg/models"
)

const discordSendLimit = 5

// discordSession is the slice of *discordgo.Session the connector
// uses; tests fake it.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// DiscordConnector bridges Discord guild channels and DMs. Guild
// channels are group conversations; DMs map to the sender's direct
// room.
type DiscordConnector struct {
	cfg     config.DiscordChannelConfig
	limiter *rate.Limiter
	pacer   *BusyPacer
	logger  *slog.Logger

	mu      sync.Mutex
	session discordSession
	selfID  string
	remove  func()
}

func NewDiscordConnector(cfg config.DiscordChannelConfig, logger *slog.Logger) *DiscordConnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordConnector{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(discordSendLimit), discordSendLimit*2),
		pacer:   NewBusyPacer(),
		logger:  logger.With("adapter", "discord"),
	}
}

func (c *DiscordConnector) Name() string { return string(models.ChannelDiscord) }

func (c *DiscordConnector) Start(ctx context.Context, sink Sink) error {
	if c.cfg.Token == "" {
		return errors.New("discord: token is required")
	}

	session, err := discordgo.New("Bot " + c.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	c.mu.Lock()
	c.session = session
	c.remove = session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		c.handleMessage(ctx, s, m, sink)
	})
	c.mu.Unlock()

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	if session.State != nil && session.State.User != nil {
		c.mu.Lock()
		c.selfID = session.State.User.ID
		c.mu.Unlock()
	}
	return nil
}

func (c *DiscordConnector) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, sink Sink) {
	if m.Author == nil || m.Content == "" {
		return
	}
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if m.Author.ID == selfID || m.Author.Bot {
		return
	}
	if c.cfg.GuildID != "" && m.GuildID != "" && m.GuildID != c.cfg.GuildID {
		return
	}

	chatID := m.ChannelID
	if m.GuildID != "" {
		chatID = GroupChatID(chatID)
	}
	sender := m.Author.Username
	if sender == "" {
		sender = m.Author.ID
	}

	reply, err := sink(ctx, &models.Envelope{
		Channel:   models.ChannelDiscord,
		ChatID:    chatID,
		Sender:    sender,
		Content:   m.Content,
		Timestamp: time.Now().UTC(),
	})
	switch {
	case err == nil:
		c.reply(ctx, m.ChannelID, reply)
	case errors.Is(err, broker.ErrBusy):
		if c.pacer.ShouldNotify(chatID) {
			c.reply(ctx, m.ChannelID, "Still working on your last message, one moment.")
		}
	default:
		c.logger.Error("turn failed", "chat", chatID, "error", err)
	}
}

func (c *DiscordConnector) reply(ctx context.Context, channelID, text string) {
	if text == "" {
		return
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if _, err := session.ChannelMessageSend(channelID, text); err != nil {
		c.logger.Error("send failed", "channel", channelID, "error", err)
	}
}

func (c *DiscordConnector) Send(ctx context.Context, _ string, env *models.Envelope) error {
	native, _ := NativeChatID(env.ChatID)
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return errors.New("discord: not started")
	}
	_, err := session.ChannelMessageSend(native, env.Content)
	return err
}

func (c *DiscordConnector) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remove != nil {
		c.remove()
	}
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}
