package models

import "time"

// SummaryNodeType positions a node in the staleness tree hierarchy.
type SummaryNodeType string

const (
	SummaryRoot        SummaryNodeType = "root"
	SummaryChannel     SummaryNodeType = "channel"
	SummaryEntityType  SummaryNodeType = "entity_type"
	SummaryEntity      SummaryNodeType = "entity"
	SummaryTopic       SummaryNodeType = "topic"
	SummaryPreferences SummaryNodeType = "preferences"
)

// SummaryNode is one node of the hierarchical staleness-driven summary
// tree. The tree has exactly one root; the user_preferences leaf always
// exists and is always eligible for context inclusion.
type SummaryNode struct {
	ID string `json:"id"`

	Type SummaryNodeType `json:"type"`

	// Key is the composite scope key, e.g. "channel:telegram",
	// "entity:<id>", or "user_preferences".
	Key string `json:"key"`

	ParentID string `json:"parent_id,omitempty"`

	Summary   string  `json:"summary"`
	Embedding *Vector `json:"-"`

	// EventsSinceUpdate counts source events covered by this node's scope
	// since the last refresh. At or above the staleness threshold the node
	// becomes eligible for refresh, which resets the counter to zero.
	EventsSinceUpdate int       `json:"events_since_update"`
	LastUpdated       time.Time `json:"last_updated"`
}

// PreferencesKey is the composite key of the singleton preferences leaf.
const PreferencesKey = "user_preferences"
