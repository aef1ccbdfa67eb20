package models

import "time"

// LearningSource records how a learning came to exist.
type LearningSource string

const (
	LearningFromUserFeedback     LearningSource = "user_feedback"
	LearningFromSelfEvaluation   LearningSource = "self_evaluation"
	LearningFromToolOutcome      LearningSource = "tool_outcome"
	LearningFromCrossPollination LearningSource = "cross_pollination"
)

// Sentiment of a learning: whether the underlying signal was positive or
// negative feedback about the bot's behavior.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Learning is a self- or user-derived insight held by a bot. Private
// learnings belong to one bot; shared learnings live in the workspace
// pool and are readable by every bot.
type Learning struct {
	ID             string         `json:"id"`
	BotID          string         `json:"bot_id"`
	Content        string         `json:"content"`
	Embedding      *Vector        `json:"-"`
	Source         LearningSource `json:"source"`
	Sentiment      Sentiment      `json:"sentiment"`
	Confidence     float64        `json:"confidence"`
	ToolScope      string         `json:"tool_scope,omitempty"`
	Recommendation string         `json:"recommendation,omitempty"`
	SupersededBy   string         `json:"superseded_by,omitempty"`
	IsPrivate      bool           `json:"is_private"`
	PromotionCount int            `json:"promotion_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// LedgerEntry records the promotion of a private learning into the shared
// pool. The ledger is append-only; re-promotion of the same learning is a
// no-op.
type LedgerEntry struct {
	ID                string    `json:"id"`
	LearningID        string    `json:"learning_id"`
	BotID             string    `json:"bot_id"`
	OriginalScope     string    `json:"original_scope"`
	PromotionDate     time.Time `json:"promotion_date"`
	Reason            string    `json:"reason"`
	CrossPollinatedBy string    `json:"cross_pollinated_by"`
	ExposureCount     int       `json:"exposure_count"`
}

// Expertise tracks how well a bot performs in a domain. Score uses
// Laplace smoothing so unproven bots do not divide by zero.
type Expertise struct {
	BotID            string    `json:"bot_id"`
	Domain           string    `json:"domain"`
	InteractionCount int       `json:"interaction_count"`
	SuccessCount     int       `json:"success_count"`
	LastSuccess      time.Time `json:"last_success,omitempty"`
}

// Score returns the Laplace-smoothed success ratio (add-one numerator,
// add-two denominator).
func (e Expertise) Score() float64 {
	return float64(e.SuccessCount+1) / float64(e.InteractionCount+2)
}
