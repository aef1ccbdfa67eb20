package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/pkg/models"
)

// setValuedPredicates admit multiple concurrent facts per subject
// (e.g. "likes" can hold many objects at once).
var setValuedPredicates = map[string]bool{
	"likes":       true,
	"knows":       true,
	"works_with":  true,
	"interested_in": true,
	"has":         true,
}

// AddFact records a subject-predicate-object triple with deduplication.
// For singleton predicates, a contradicting fact supersedes the existing
// one only when its confidence exceeds the old by at least 0.1; otherwise
// the old fact's strength is boosted and the new one dropped. History is
// chained via superseded_by, never rewritten.
func (g *Graph) AddFact(ctx context.Context, fact *models.Fact) (*models.Fact, error) {
	if fact.SubjectID == "" || fact.Predicate == "" {
		return nil, fmt.Errorf("knowledge: fact requires subject and predicate")
	}
	if fact.Type == "" {
		fact.Type = models.FactAttribute
	}
	if fact.Strength == 0 {
		fact.Strength = edgeInitialStrength
	}

	existing, err := g.activeFact(ctx, fact.SubjectID, fact.Predicate)
	if err != nil {
		return nil, err
	}

	if existing != nil && !setValuedPredicates[fact.Predicate] {
		if existing.Object == fact.Object {
			// Re-statement of the same fact: boost, no new row.
			existing.Strength = math.Min(1.0, existing.Strength+edgeBoost)
			existing.UpdatedAt = time.Now().UTC()
			_, err = g.db.ExecContext(ctx,
				`UPDATE facts SET strength = ?, updated_at = ?, decayed_at = NULL WHERE id = ?`,
				existing.Strength, existing.UpdatedAt, existing.ID)
			return existing, err
		}

		if fact.Confidence < existing.Confidence+0.1 {
			// Not confident enough to displace: keep the old fact, boosted.
			existing.Strength = math.Min(1.0, existing.Strength+edgeBoost)
			_, err = g.db.ExecContext(ctx,
				`UPDATE facts SET strength = ?, decayed_at = NULL WHERE id = ?`,
				existing.Strength, existing.ID)
			return existing, err
		}

		if err := g.insertFact(ctx, fact); err != nil {
			return nil, err
		}
		_, err = g.db.ExecContext(ctx,
			`UPDATE facts SET superseded_by = ?, valid_to = ?, updated_at = ? WHERE id = ?`,
			fact.ID, time.Now().UTC(), time.Now().UTC(), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("supersede fact: %w", err)
		}
		return fact, nil
	}

	if err := g.insertFact(ctx, fact); err != nil {
		return nil, err
	}
	return fact, nil
}

func (g *Graph) insertFact(ctx context.Context, fact *models.Fact) error {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	fact.CreatedAt = now
	fact.UpdatedAt = now
	if fact.ValidFrom.IsZero() {
		fact.ValidFrom = now
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO facts (id, subject_id, predicate, object, object_entity_id, type,
			confidence, strength, source_event_ids, valid_from, valid_to,
			superseded_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.SubjectID, fact.Predicate, fact.Object,
		nullStr(fact.ObjectEntityID), fact.Type, fact.Confidence, fact.Strength,
		joinList(fact.SourceEventIDs), fact.ValidFrom, nullTimeVal(fact.ValidTo),
		nullStr(fact.SupersededBy), fact.CreatedAt, fact.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// activeFact returns the newest non-superseded fact for (subject, predicate).
func (g *Graph) activeFact(ctx context.Context, subjectID, predicate string) (*models.Fact, error) {
	row := g.db.QueryRowContext(ctx, selectFacts+
		` WHERE subject_id = ? AND predicate = ? AND superseded_by IS NULL
		  ORDER BY created_at DESC LIMIT 1`, subjectID, predicate)
	fact, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return fact, err
}

// FactsFor returns the non-superseded facts about an entity, strongest first.
func (g *Graph) FactsFor(ctx context.Context, subjectID string) ([]*models.Fact, error) {
	rows, err := g.db.QueryContext(ctx, selectFacts+
		` WHERE subject_id = ? AND superseded_by IS NULL ORDER BY strength DESC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			continue
		}
		out = append(out, fact)
	}
	return out, rows.Err()
}

// FactHistory returns every fact ever recorded for (subject, predicate),
// oldest first, including superseded rows.
func (g *Graph) FactHistory(ctx context.Context, subjectID, predicate string) ([]*models.Fact, error) {
	rows, err := g.db.QueryContext(ctx, selectFacts+
		` WHERE subject_id = ? AND predicate = ? ORDER BY created_at ASC`, subjectID, predicate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			continue
		}
		out = append(out, fact)
	}
	return out, rows.Err()
}

// DecayFacts mirrors DecayEdges for non-superseded fact strength.
func (g *Graph) DecayFacts(ctx context.Context, now time.Time) (int, error) {
	return g.decayTable(ctx, "facts", "superseded_by IS NULL", now)
}

const selectFacts = `SELECT id, subject_id, predicate, object, object_entity_id, type,
	confidence, strength, source_event_ids, valid_from, valid_to, superseded_by,
	created_at, updated_at FROM facts`

func scanFact(row rowScanner) (*models.Fact, error) {
	var fact models.Fact
	var objectEntity, supersededBy, sourceIDs sql.NullString
	var validFrom, validTo sql.NullTime
	err := row.Scan(&fact.ID, &fact.SubjectID, &fact.Predicate, &fact.Object,
		&objectEntity, &fact.Type, &fact.Confidence, &fact.Strength, &sourceIDs,
		&validFrom, &validTo, &supersededBy, &fact.CreatedAt, &fact.UpdatedAt)
	if err != nil {
		return nil, err
	}
	fact.ObjectEntityID = objectEntity.String
	fact.SupersededBy = supersededBy.String
	fact.SourceEventIDs = splitList(sourceIDs.String)
	if validFrom.Valid {
		fact.ValidFrom = validFrom.Time
	}
	if validTo.Valid {
		fact.ValidTo = validTo.Time
	}
	return &fact, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimeVal(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
