// Package learning holds per-bot learnings, the shared-pool promotion
// machinery, and bot expertise tracking.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/embeddings"
	"github.com/ensembleai/ensemble/pkg/models"
)

const (
	// contradictionSimilarity is the cosine floor above which two
	// learnings with opposite sentiment are contradictions.
	contradictionSimilarity = 0.9

	// decayHalfLifeDays halves a learning's confidence every two weeks
	// of disuse.
	decayHalfLifeDays = 14.0

	// promotionFloor is the minimum confidence for cross-pollination.
	promotionFloor = 0.75

	// maxPromotionsPerBot bounds one cross-pollination cycle.
	maxPromotionsPerBot = 3
)

var decayLambda = math.Ln2 / decayHalfLifeDays

// Store persists learnings, the promotion ledger, and expertise rows in
// the shared memory database.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewStore wires a learning store over the shared database handle. The
// embedder may be nil; contradiction detection then falls back to
// never matching.
func NewStore(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, embedder: embedder, logger: logger}
}

// Add records a learning for a bot. When an existing active learning by
// the same bot is near-identical (cosine >= 0.9) with the opposite
// sentiment, the older one is superseded: newer signal wins.
func (s *Store) Add(ctx context.Context, l *models.Learning) (*models.Learning, error) {
	if l.BotID == "" || l.Content == "" {
		return nil, fmt.Errorf("learning needs bot_id and content")
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Confidence <= 0 {
		l.Confidence = 0.5
	}
	if l.Sentiment == "" {
		l.Sentiment = models.SentimentNeutral
	}
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	l.IsPrivate = true

	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{l.Content})
		if err != nil {
			s.logger.Warn("learning embed failed", "bot", l.BotID, "error", err)
		} else if len(vecs) == 1 {
			l.Embedding = vecs[0]
		}
	}

	superseded, err := s.findContradicted(ctx, l)
	if err != nil {
		return nil, err
	}

	var meta []byte
	if len(l.Metadata) > 0 {
		meta, _ = json.Marshal(l.Metadata)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learnings (id, bot_id, content, embedding, source, sentiment,
			confidence, tool_scope, recommendation, is_private, promotion_count,
			metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?)`,
		l.ID, l.BotID, l.Content, embeddings.EncodeBlob(l.Embedding),
		string(l.Source), string(l.Sentiment), l.Confidence,
		nullStr(l.ToolScope), nullStr(l.Recommendation), meta, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert learning: %w", err)
	}

	for _, old := range superseded {
		_, err := s.db.ExecContext(ctx,
			`UPDATE learnings SET superseded_by = ?, updated_at = ? WHERE id = ?`,
			l.ID, now, old.ID)
		if err != nil {
			s.logger.Warn("supersede learning failed", "old", old.ID, "error", err)
		}
	}
	return l, nil
}

// findContradicted returns the same-bot active learnings the new one
// contradicts: near-identical content, opposite sentiment.
func (s *Store) findContradicted(ctx context.Context, l *models.Learning) ([]*models.Learning, error) {
	if l.Embedding == nil || l.Sentiment == models.SentimentNeutral {
		return nil, nil
	}
	var opposite models.Sentiment
	switch l.Sentiment {
	case models.SentimentPositive:
		opposite = models.SentimentNegative
	case models.SentimentNegative:
		opposite = models.SentimentPositive
	}

	existing, err := s.listWhere(ctx,
		`bot_id = ? AND sentiment = ? AND superseded_by IS NULL`, l.BotID, string(opposite))
	if err != nil {
		return nil, err
	}
	var out []*models.Learning
	for _, old := range existing {
		if old.Embedding == nil || !old.Embedding.Comparable(l.Embedding) {
			continue
		}
		if embeddings.Cosine(old.Embedding, l.Embedding) >= contradictionSimilarity {
			out = append(out, old)
		}
	}
	return out, nil
}

// ForBot returns the learnings visible to a bot: its own private set plus
// the shared pool. Reading a shared learning counts as exposure in the
// promotion ledger.
func (s *Store) ForBot(ctx context.Context, botID string, limit int) ([]*models.Learning, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectLearnings+`
		WHERE superseded_by IS NULL AND (bot_id = ? OR is_private = 0)
		ORDER BY confidence DESC, updated_at DESC LIMIT ?`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Learning
	var sharedIDs []any
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			s.logger.Warn("skip unreadable learning", "error", err)
			continue
		}
		out = append(out, l)
		if !l.IsPrivate && l.BotID != botID {
			sharedIDs = append(sharedIDs, l.ID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sharedIDs) > 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE bot_memory_ledger SET exposure_count = exposure_count + 1
			 WHERE learning_id IN (`+placeholders(len(sharedIDs))+`)`, sharedIDs...)
		if err != nil {
			s.logger.Warn("exposure bump failed", "error", err)
		}
	}
	return out, nil
}

// Touch re-boosts a learning that proved useful: updated_at moves forward
// and the decay baseline resets.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE learnings SET updated_at = ?, decayed_at = NULL WHERE id = ?`,
		time.Now().UTC(), id)
	return err
}

// Get returns one learning by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Learning, error) {
	row := s.db.QueryRowContext(ctx, selectLearnings+` WHERE id = ?`, id)
	l, err := scanLearning(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// DecayConfidence applies exponential relevance decay to all active
// learnings. The baseline is the later of updated_at and the previous
// decay, so repeated cycles never compound.
func (s *Store) DecayConfidence(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, confidence, COALESCE(decayed_at, updated_at)
		FROM learnings WHERE superseded_by IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("decay learnings: %w", err)
	}
	defer rows.Close()

	type update struct {
		id         string
		confidence float64
	}
	var updates []update
	for rows.Next() {
		var id string
		var confidence float64
		var since time.Time
		if err := rows.Scan(&id, &confidence, &since); err != nil {
			continue
		}
		deltaDays := now.Sub(since).Hours() / 24
		if deltaDays <= 0 {
			continue
		}
		updates = append(updates, update{id, confidence * math.Exp(-decayLambda*deltaDays)})
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, u := range updates {
		_, err := s.db.ExecContext(ctx,
			`UPDATE learnings SET confidence = ?, decayed_at = ? WHERE id = ?`,
			u.confidence, now, u.id)
		if err != nil {
			return 0, fmt.Errorf("decay learning %s: %w", u.id, err)
		}
	}
	return len(updates), nil
}

func (s *Store) listWhere(ctx context.Context, where string, args ...any) ([]*models.Learning, error) {
	rows, err := s.db.QueryContext(ctx, selectLearnings+` WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Learning
	for rows.Next() {
		l, err := scanLearning(rows)
		if err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const selectLearnings = `SELECT id, bot_id, content, embedding, source, sentiment,
	confidence, tool_scope, recommendation, superseded_by, is_private,
	promotion_count, metadata, created_at, updated_at FROM learnings`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLearning(row rowScanner) (*models.Learning, error) {
	var l models.Learning
	var blob []byte
	var toolScope, recommendation, superseded sql.NullString
	var meta []byte
	var private int
	err := row.Scan(&l.ID, &l.BotID, &l.Content, &blob, &l.Source, &l.Sentiment,
		&l.Confidence, &toolScope, &recommendation, &superseded, &private,
		&l.PromotionCount, &meta, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.ToolScope = toolScope.String
	l.Recommendation = recommendation.String
	l.SupersededBy = superseded.String
	l.IsPrivate = private != 0
	if len(blob) > 0 {
		if vec, err := embeddings.DecodeBlob(blob); err == nil {
			l.Embedding = vec
		}
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &l.Metadata)
	}
	return &l, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
