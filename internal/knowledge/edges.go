package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/pkg/models"
)

// UpsertEdge records a (source, relation, target) relationship. An
// existing edge is boosted by 0.1 (capped at 1.0) and its last_seen
// updated; a new edge starts at 0.5.
func (g *Graph) UpsertEdge(ctx context.Context, sourceID, relation, targetID, sourceEventID string) (*models.Edge, error) {
	row := g.db.QueryRowContext(ctx, selectEdges+
		` WHERE source_id = ? AND relation = ? AND target_id = ?`,
		sourceID, relation, targetID)
	edge, err := scanEdge(row)
	switch {
	case err == nil:
		edge.Strength = math.Min(1.0, edge.Strength+edgeBoost)
		edge.LastSeen = time.Now().UTC()
		if sourceEventID != "" && !contains(edge.SourceEventIDs, sourceEventID) {
			edge.SourceEventIDs = append(edge.SourceEventIDs, sourceEventID)
		}
		// Re-mention resets the decay baseline along with last_seen.
		_, err = g.db.ExecContext(ctx,
			`UPDATE edges SET strength = ?, last_seen = ?, decayed_at = NULL, source_event_ids = ? WHERE id = ?`,
			edge.Strength, edge.LastSeen, joinList(edge.SourceEventIDs), edge.ID)
		if err != nil {
			return nil, fmt.Errorf("boost edge: %w", err)
		}
		return edge, nil

	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		edge = &models.Edge{
			ID:        uuid.NewString(),
			SourceID:  sourceID,
			TargetID:  targetID,
			Relation:  relation,
			Strength:  edgeInitialStrength,
			FirstSeen: now,
			LastSeen:  now,
		}
		if sourceEventID != "" {
			edge.SourceEventIDs = []string{sourceEventID}
		}
		_, err = g.db.ExecContext(ctx, `
			INSERT INTO edges (id, source_id, target_id, relation, strength,
				source_event_ids, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			edge.ID, edge.SourceID, edge.TargetID, edge.Relation, edge.Strength,
			joinList(edge.SourceEventIDs), edge.FirstSeen, edge.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("insert edge: %w", err)
		}
		return edge, nil

	default:
		return nil, fmt.Errorf("lookup edge: %w", err)
	}
}

// EdgesFor returns all edges touching an entity.
func (g *Graph) EdgesFor(ctx context.Context, entityID string) ([]*models.Edge, error) {
	rows, err := g.db.QueryContext(ctx, selectEdges+
		` WHERE source_id = ? OR target_id = ? ORDER BY strength DESC`, entityID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			continue
		}
		out = append(out, edge)
	}
	return out, rows.Err()
}

// DecayEdges applies exponential decay to every edge based on time since
// the last re-mention or the previous decay pass, whichever is later.
// With no re-mentions, strength is non-increasing across cycles. Returns
// the number of edges touched.
func (g *Graph) DecayEdges(ctx context.Context, now time.Time) (int, error) {
	return g.decayTable(ctx, "edges", "", now)
}

// decayTable runs one decay pass over edges or facts. COALESCE(decayed_at,
// last-activity) is the baseline so consecutive passes do not compound.
func (g *Graph) decayTable(ctx context.Context, table, extraWhere string, now time.Time) (int, error) {
	baseline := "COALESCE(decayed_at, last_seen)"
	if table == "facts" {
		baseline = "COALESCE(decayed_at, updated_at)"
	}
	q := `SELECT id, strength, ` + baseline + ` FROM ` + table
	if extraWhere != "" {
		q += ` WHERE ` + extraWhere
	}
	rows, err := g.db.QueryContext(ctx, q)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type update struct {
		id       string
		strength float64
	}
	var updates []update
	for rows.Next() {
		var id string
		var strength float64
		var since time.Time
		if err := rows.Scan(&id, &strength, &since); err != nil {
			continue
		}
		deltaDays := now.Sub(since).Hours() / 24
		if deltaDays <= 0 {
			continue
		}
		decayed := strength * math.Exp(-decayLambda*deltaDays)
		if decayed < strength {
			updates = append(updates, update{id: id, strength: decayed})
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, u := range updates {
		if _, err := g.db.ExecContext(ctx,
			`UPDATE `+table+` SET strength = ?, decayed_at = ? WHERE id = ?`,
			u.strength, now, u.id); err != nil {
			return 0, fmt.Errorf("decay %s %s: %w", table, u.id, err)
		}
	}
	return len(updates), nil
}

const selectEdges = `SELECT id, source_id, target_id, relation, strength,
	source_event_ids, first_seen, last_seen FROM edges`

func scanEdge(row rowScanner) (*models.Edge, error) {
	var edge models.Edge
	var sourceIDs sql.NullString
	err := row.Scan(&edge.ID, &edge.SourceID, &edge.TargetID, &edge.Relation,
		&edge.Strength, &sourceIDs, &edge.FirstSeen, &edge.LastSeen)
	if err != nil {
		return nil, err
	}
	edge.SourceEventIDs = splitList(sourceIDs.String)
	return &edge, nil
}
