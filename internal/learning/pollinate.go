package learning

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/pkg/models"
)

// CrossPollinate promotes each bot's strongest private learnings into the
// shared pool. Per cycle and per bot: only active learnings at or above
// the confidence floor are candidates, ranked by confidence weighted by
// recency, and at most maxPromotionsPerBot are promoted. Promotion flips
// is_private and appends a ledger row; a learning already in the ledger
// is left alone. Returns the number of promotions.
func (s *Store) CrossPollinate(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	candidates, err := s.listWhere(ctx,
		`is_private = 1 AND superseded_by IS NULL AND confidence >= ?`, promotionFloor)
	if err != nil {
		return 0, fmt.Errorf("load promotion candidates: %w", err)
	}

	byBot := map[string][]*models.Learning{}
	for _, l := range candidates {
		byBot[l.BotID] = append(byBot[l.BotID], l)
	}

	promoted := 0
	for botID, list := range byBot {
		sort.SliceStable(list, func(i, j int) bool {
			return promotionScore(list[i], now) > promotionScore(list[j], now)
		})
		if len(list) > maxPromotionsPerBot {
			list = list[:maxPromotionsPerBot]
		}
		for _, l := range list {
			ok, err := s.promote(ctx, l, now)
			if err != nil {
				s.logger.Warn("promotion failed", "bot", botID, "learning", l.ID, "error", err)
				continue
			}
			if ok {
				promoted++
			}
		}
	}
	return promoted, nil
}

// promotionScore ranks candidates by confidence weighted by recency, so a
// fresh 0.8 outranks a stale 0.85.
func promotionScore(l *models.Learning, now time.Time) float64 {
	ageDays := now.Sub(l.UpdatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return l.Confidence * math.Exp(-decayLambda*ageDays)
}

// promote flips one learning into the shared pool. The ledger's UNIQUE
// learning_id makes re-promotion a no-op.
func (s *Store) promote(ctx context.Context, l *models.Learning, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO bot_memory_ledger
			(id, learning_id, bot_id, original_scope, promotion_date, reason, cross_pollinated_by, exposure_count)
		VALUES (?, ?, ?, 'private', ?, ?, 'cross_pollination', 0)`,
		uuid.NewString(), l.ID, l.BotID, now,
		fmt.Sprintf("confidence %.2f above %.2f", l.Confidence, promotionFloor))
	if err != nil {
		return false, fmt.Errorf("ledger append: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE learnings SET is_private = 0, promotion_count = promotion_count + 1, updated_at = ?
		WHERE id = ?`, now, l.ID)
	if err != nil {
		return false, fmt.Errorf("flip scope: %w", err)
	}
	return true, nil
}

// Ledger returns the full promotion ledger, newest first.
func (s *Store) Ledger(ctx context.Context) ([]*models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, learning_id, bot_id, original_scope, promotion_date,
			COALESCE(reason, ''), COALESCE(cross_pollinated_by, ''), exposure_count
		FROM bot_memory_ledger ORDER BY promotion_date DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.LearningID, &e.BotID, &e.OriginalScope,
			&e.PromotionDate, &e.Reason, &e.CrossPollinatedBy, &e.ExposureCount); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
