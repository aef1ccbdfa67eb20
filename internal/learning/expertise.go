package learning

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/ensembleai/ensemble/pkg/models"
)

// RecordOutcome updates a bot's expertise in a domain after a task
// terminates. Every outcome counts as an interaction; only successes
// move the success count and timestamp.
func (s *Store) RecordOutcome(ctx context.Context, botID, domain string, success bool) error {
	if botID == "" || domain == "" {
		return fmt.Errorf("expertise needs bot_id and domain")
	}
	now := time.Now().UTC()
	successInc := 0
	var lastSuccess sql.NullTime
	if success {
		successInc = 1
		lastSuccess = sql.NullTime{Time: now, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_expertise (bot_id, domain, interaction_count, success_count, last_success)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(bot_id, domain) DO UPDATE SET
			interaction_count = interaction_count + 1,
			success_count = success_count + excluded.success_count,
			last_success = COALESCE(excluded.last_success, last_success)`,
		botID, domain, successInc, lastSuccess)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// ExpertiseFor returns a bot's expertise rows, strongest domains first.
func (s *Store) ExpertiseFor(ctx context.Context, botID string) ([]*models.Expertise, error) {
	return s.queryExpertise(ctx, `WHERE bot_id = ?`, botID)
}

// RankBots orders the bots known in a domain by Laplace-smoothed success
// ratio, breaking ties by most recent success.
func (s *Store) RankBots(ctx context.Context, domain string) ([]*models.Expertise, error) {
	list, err := s.queryExpertise(ctx, `WHERE domain = ?`, domain)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		si, sj := list[i].Score(), list[j].Score()
		if si != sj {
			return si > sj
		}
		return list[i].LastSuccess.After(list[j].LastSuccess)
	})
	return list, nil
}

func (s *Store) queryExpertise(ctx context.Context, where string, args ...any) ([]*models.Expertise, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bot_id, domain, interaction_count, success_count, last_success
		FROM bot_expertise `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Expertise
	for rows.Next() {
		var e models.Expertise
		var last sql.NullTime
		if err := rows.Scan(&e.BotID, &e.Domain, &e.InteractionCount, &e.SuccessCount, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			e.LastSuccess = last.Time
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
