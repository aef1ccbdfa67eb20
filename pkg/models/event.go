// Package models defines the shared data types exchanged between the
// broker, agent loop, memory engine, and coordinator.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies a messaging platform.
type ChannelType string

const (
	ChannelCLI      ChannelType = "cli"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelEmail    ChannelType = "email"
	ChannelInternal ChannelType = "internal"
)

// Direction indicates whether an event entered or left the system.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// EventType classifies an event.
type EventType string

const (
	EventMessage      EventType = "message"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventObservation  EventType = "observation"
	EventBotMessage   EventType = "bot_message"
	EventEscalation   EventType = "escalation"
	EventCoordination EventType = "coordination"
)

// ExtractionStatus tracks background knowledge extraction for an event.
type ExtractionStatus string

const (
	ExtractionPending  ExtractionStatus = "pending"
	ExtractionComplete ExtractionStatus = "complete"
	ExtractionSkipped  ExtractionStatus = "skipped"
	ExtractionFailed   ExtractionStatus = "failed"
)

// BotRef identifies the bot that produced an event.
type BotRef struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Event is the immutable unit of everything that happened. Events are
// append-only: once written they are never mutated, only referenced.
type Event struct {
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"` // per-session monotonic sequence, assigned by the store
	Channel   ChannelType `json:"channel"`
	Direction Direction   `json:"direction"`
	Type      EventType   `json:"type"`
	Content   string      `json:"content"`

	// SessionKey groups events into a room-centric conversation
	// (e.g. "room:general" or "telegram:12345").
	SessionKey string `json:"session_key"`

	// ParentID threads events: tool_result -> tool_call, response -> query.
	// Must reference a prior event in the same session.
	ParentID string `json:"parent_id,omitempty"`

	Bot      *BotRef `json:"bot,omitempty"`
	ToolName string  `json:"tool_name,omitempty"`

	// Embedding is nil until the background embedder has run, or when the
	// embedder is unavailable; such events are excluded from semantic search.
	Embedding *Vector `json:"-"`

	Extraction ExtractionStatus `json:"extraction"`

	// Relevance in [0,1] decays with age and re-boosts on access.
	Relevance    float64   `json:"relevance"`
	LastAccessed time.Time `json:"last_accessed,omitempty"`

	// ReasoningContent is provider reasoning captured on outbound events.
	// It is stored but never fed back on subsequent turns.
	ReasoningContent string `json:"reasoning_content,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolCall is an LLM request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolStatus is the outcome class of a tool execution.
type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusError   ToolStatus = "error"
	ToolStatusTimeout ToolStatus = "timeout"
)

// ToolResult is the outcome of a single tool execution. StructuredOutput
// carries machine-readable output for downstream bots; Content is the
// text fed back to the model.
type ToolResult struct {
	ToolCallID       string          `json:"tool_call_id"`
	Status           ToolStatus      `json:"status"`
	Content          string          `json:"content"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	DurationMS       int64           `json:"duration_ms"`
	Error            string          `json:"error,omitempty"`
}

// IsError reports whether the result should be surfaced to the model as a failure.
func (r ToolResult) IsError() bool {
	return r.Status != ToolStatusSuccess
}
