package models

import "time"

// BotMessageType classifies traffic on the inter-bot bus.
type BotMessageType string

const (
	BotMessageQuery      BotMessageType = "query"
	BotMessageInfo       BotMessageType = "info"
	BotMessageResponse   BotMessageType = "response"
	BotMessageTask       BotMessageType = "task"
	BotMessageEscalation BotMessageType = "escalation"
	BotMessageDiscussion BotMessageType = "discussion"
)

// BroadcastRecipient addresses a bus message to every bot.
const BroadcastRecipient = "team"

// BotMessage is the in-memory envelope exchanged on the inter-bot bus.
// A response must carry ResponseTo and the same ConversationID as the
// message it answers.
type BotMessage struct {
	ID             string         `json:"id"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"` // bot id or BroadcastRecipient
	Type           BotMessageType `json:"type"`
	Content        string         `json:"content"`
	Context        map[string]any `json:"context,omitempty"`
	ConversationID string         `json:"conversation_id"`
	ResponseTo     string         `json:"response_to,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
