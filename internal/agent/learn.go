package agent

import (
	"context"
	"strings"

	"github.com/ensembleai/ensemble/pkg/models"
)

// Feedback phrases that turn a user message into a private learning.
var (
	negativePhrases = []string{
		"actually i prefer",
		"actually, i prefer",
		"that was wrong",
		"that's wrong",
		"that is wrong",
		"don't do that",
		"do not do that",
		"stop doing",
		"i didn't ask",
	}
	positivePhrases = []string{
		"perfect, thanks",
		"exactly what i wanted",
		"great job",
		"that was helpful",
		"i like how you",
	}
)

// detectFeedback classifies explicit user sentiment in a message.
func detectFeedback(content string) (models.Sentiment, bool) {
	lower := strings.ToLower(content)
	for _, phrase := range negativePhrases {
		if strings.Contains(lower, phrase) {
			return models.SentimentNegative, true
		}
	}
	for _, phrase := range positivePhrases {
		if strings.Contains(lower, phrase) {
			return models.SentimentPositive, true
		}
	}
	return models.SentimentNeutral, false
}

// shareableCategory maps a tool to the learning category it may share
// under. Only these categories leave the private pool via promotion.
func shareableCategory(tool string) (string, bool) {
	switch {
	case strings.Contains(tool, "search"), strings.Contains(tool, "fetch"):
		return "research_finding", true
	case strings.Contains(tool, "remember"), strings.Contains(tool, "preference"):
		return "user_preference", true
	default:
		return "", false
	}
}

// captureLearnings turns explicit user feedback and notable tool
// outcomes into learnings for the bot. Failures are logged, never
// surfaced into the turn.
func (l *Loop) captureLearnings(ctx context.Context, bot models.RoleCard, userContent string, outcomes []toolOutcome) {
	if l.learnings == nil {
		return
	}

	if sentiment, ok := detectFeedback(userContent); ok {
		learning := &models.Learning{
			BotID:     bot.Name,
			Content:   userContent,
			Source:    models.LearningFromUserFeedback,
			Sentiment: sentiment,
			IsPrivate: true,
		}
		if sentiment == models.SentimentNegative {
			learning.Confidence = 0.8
			learning.Recommendation = "adjust behavior per this feedback"
		} else {
			learning.Confidence = 0.7
			learning.Recommendation = "keep doing this"
		}
		if _, err := l.learnings.Add(ctx, learning); err != nil {
			l.logger.Warn("learning capture failed", "bot", bot.Name, "error", err)
		}
	}

	for _, outcome := range outcomes {
		category, ok := shareableCategory(outcome.tool)
		if !ok {
			continue
		}
		switch outcome.status {
		case models.ToolStatusSuccess:
			// Successes in shareable categories are candidates for
			// cross-pollination once confidence holds up.
			learning := &models.Learning{
				BotID:      bot.Name,
				Content:    "tool " + outcome.tool + " produced a useful result",
				Source:     models.LearningFromToolOutcome,
				Sentiment:  models.SentimentPositive,
				Confidence: 0.6,
				ToolScope:  outcome.tool,
				IsPrivate:  true,
				Metadata:   map[string]any{"category": category},
			}
			if _, err := l.learnings.Add(ctx, learning); err != nil {
				l.logger.Warn("learning capture failed", "bot", bot.Name, "tool", outcome.tool, "error", err)
			}
		case models.ToolStatusError, models.ToolStatusTimeout:
			learning := &models.Learning{
				BotID:      bot.Name,
				Content:    "tool " + outcome.tool + " failed: " + outcome.content,
				Source:     models.LearningFromToolOutcome,
				Sentiment:  models.SentimentNegative,
				Confidence: 0.5,
				ToolScope:  outcome.tool,
				IsPrivate:  true,
			}
			if _, err := l.learnings.Add(ctx, learning); err != nil {
				l.logger.Warn("learning capture failed", "bot", bot.Name, "tool", outcome.tool, "error", err)
			}
		}
	}
}
