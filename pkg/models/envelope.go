package models

import "time"

// Envelope is the unified inbound message shape handed from a channel
// connector to the broker, before it becomes a persisted Event.
type Envelope struct {
	Channel     ChannelType    `json:"channel"`
	ChatID      string         `json:"chat_id"`
	Sender      string         `json:"sender"`
	Content     string         `json:"content"`
	Attachments []string       `json:"attachments,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	RoomID      string         `json:"room_id,omitempty"`

	// CancelPrior asks the broker to drop pending events for the room and
	// interrupt the active turn before processing this one.
	CancelPrior bool `json:"cancel_prior,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionKey returns the room-centric session key for this envelope.
func (e *Envelope) SessionKey() string {
	if e.RoomID != "" {
		return "room:" + e.RoomID
	}
	return string(e.Channel) + ":" + e.ChatID
}

// RoleCard is the pure-data definition of a bot identity, loaded at
// startup and composed by flat merge (later wins). There is no
// inheritance between cards.
type RoleCard struct {
	Name               string   `json:"name" yaml:"name"`
	Role               string   `json:"role" yaml:"role"`
	Soul               string   `json:"soul,omitempty" yaml:"soul"`
	Domains            []string `json:"domains,omitempty" yaml:"domains"`
	AllowedTools       []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks,omitempty" yaml:"max_concurrent_tasks"`

	// Reasoning configuration; see the agent package for level semantics.
	ReasoningLevel string   `json:"reasoning_level,omitempty" yaml:"reasoning_level"`
	AlwaysCoT      []string `json:"always_cot,omitempty" yaml:"always_cot"`
	NeverCoT       []string `json:"never_cot,omitempty" yaml:"never_cot"`
}

// LeaderName is the canonical role key of the coordinating bot.
// "coordinator" and "nanobot" remain accepted aliases in mention parsing.
const LeaderName = "leader"
