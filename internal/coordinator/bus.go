package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/pkg/models"
)

var (
	// ErrBadResponse means a response message is missing its thread
	// linkage.
	ErrBadResponse = errors.New("response must carry response_to and conversation_id")

	ErrBusClosed = errors.New("bus closed")
)

const busBuffer = 32

// Bus is the typed inter-bot message channel. Every message is
// persisted to the bot_messages table and fanned out to subscribers;
// "team" broadcasts to everyone except the sender.
type Bus struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]chan models.BotMessage
	closed bool
}

func NewBus(db *sql.DB, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		db:     db,
		logger: logger.With("component", "bus"),
		subs:   make(map[string]chan models.BotMessage),
	}
}

// Subscribe returns the receive channel for a bot, creating it on
// first use. Messages to a bot with a full buffer are dropped with a
// warning rather than blocking the bus.
func (b *Bus) Subscribe(bot string) <-chan models.BotMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[bot]
	if !ok {
		ch = make(chan models.BotMessage, busBuffer)
		b.subs[bot] = ch
	}
	return ch
}

// Send validates, persists, and delivers a message. Responses must
// reference the message they answer and stay in its conversation.
func (b *Bus) Send(ctx context.Context, msg models.BotMessage) (models.BotMessage, error) {
	if msg.Type == models.BotMessageResponse && (msg.ResponseTo == "" || msg.ConversationID == "") {
		return models.BotMessage{}, ErrBadResponse
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ConversationID == "" {
		msg.ConversationID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	if err := b.persist(ctx, msg); err != nil {
		return models.BotMessage{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return models.BotMessage{}, ErrBusClosed
	}
	if msg.Recipient == models.BroadcastRecipient {
		for bot, ch := range b.subs {
			if bot == msg.Sender {
				continue
			}
			b.deliver(bot, ch, msg)
		}
		return msg, nil
	}
	if ch, ok := b.subs[msg.Recipient]; ok {
		b.deliver(msg.Recipient, ch, msg)
	}
	return msg, nil
}

// Reply builds and sends a response threaded onto the original message.
func (b *Bus) Reply(ctx context.Context, to models.BotMessage, sender, content string) (models.BotMessage, error) {
	return b.Send(ctx, models.BotMessage{
		Sender:         sender,
		Recipient:      to.Sender,
		Type:           models.BotMessageResponse,
		Content:        content,
		ConversationID: to.ConversationID,
		ResponseTo:     to.ID,
	})
}

// Conversation returns every persisted message in a conversation in
// send order.
func (b *Bus) Conversation(ctx context.Context, conversationID string) ([]models.BotMessage, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, sender, recipient, type, content, context, conversation_id, response_to, created_at
		FROM bot_messages WHERE conversation_id = ? ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	var out []models.BotMessage
	for rows.Next() {
		var (
			m          models.BotMessage
			rawContext sql.NullString
			responseTo sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Type, &m.Content,
			&rawContext, &m.ConversationID, &responseTo, &m.Timestamp); err != nil {
			return nil, err
		}
		m.ResponseTo = responseTo.String
		if rawContext.Valid && rawContext.String != "" {
			if err := json.Unmarshal([]byte(rawContext.String), &m.Context); err != nil {
				b.logger.Warn("bus context decode failed", "message", m.ID, "error", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close stops delivery and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
}

func (b *Bus) deliver(bot string, ch chan models.BotMessage, msg models.BotMessage) {
	select {
	case ch <- msg:
	default:
		b.logger.Warn("bus subscriber full, dropping", "bot", bot, "type", msg.Type)
	}
}

func (b *Bus) persist(ctx context.Context, msg models.BotMessage) error {
	var rawContext []byte
	if len(msg.Context) > 0 {
		var err error
		if rawContext, err = json.Marshal(msg.Context); err != nil {
			return fmt.Errorf("encode bus context: %w", err)
		}
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO bot_messages (id, sender, recipient, type, content, context, conversation_id, response_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Sender, msg.Recipient, msg.Type, msg.Content,
		nullStr(string(rawContext)), msg.ConversationID, nullStr(msg.ResponseTo), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("persist bus message: %w", err)
	}
	return nil
}
