// Package knowledge maintains the entity/relationship/fact graph built
// asynchronously from the event log.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/embeddings"
	"github.com/ensembleai/ensemble/pkg/models"
)

// Resolution thresholds: candidates at or above CandidateFloor are
// considered; a single candidate at or above MergeThreshold merges.
const (
	defaultCandidateFloor = 0.78
	defaultMergeThreshold = 0.85
)

// Edge strength tuning. Half-life of ~30 days gives lambda = ln2/30.
const (
	edgeInitialStrength = 0.5
	edgeBoost           = 0.1
	decayHalfLifeDays   = 30.0
)

var decayLambda = math.Ln2 / decayHalfLifeDays

// ErrEntityNotFound is returned when an entity id does not resolve.
var ErrEntityNotFound = errors.New("knowledge: entity not found")

// Graph stores entities, edges, and facts in the shared memory database.
// All writes are idempotent: re-running extraction for an event converges
// to the same graph.
type Graph struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *slog.Logger

	candidateFloor float64
	mergeThreshold float64
}

// Option tunes graph construction.
type Option func(*Graph)

// WithThresholds overrides the resolution thresholds.
func WithThresholds(candidateFloor, mergeThreshold float64) Option {
	return func(g *Graph) {
		g.candidateFloor = candidateFloor
		g.mergeThreshold = mergeThreshold
	}
}

// NewGraph builds a Graph over the shared database handle.
func NewGraph(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger, opts ...Option) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Graph{
		db:             db,
		embedder:       embedder,
		logger:         logger,
		candidateFloor: defaultCandidateFloor,
		mergeThreshold: defaultMergeThreshold,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// normalizeSurface lowercases and strips punctuation from a mention.
func normalizeSurface(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r >= 0x80:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Resolve finds or creates the entity for a mention:
//
//  1. normalize the surface form
//  2. exact match by (name|alias, type)
//  3. otherwise nearest neighbors of the name embedding, same type,
//     cosine >= candidate floor
//  4. a single candidate at or above the merge threshold merges
//     (alias appended, event count bumped); anything else creates new.
func (g *Graph) Resolve(ctx context.Context, mention string, entityType models.EntityType, sourceEventID string) (*models.Entity, error) {
	normalized := normalizeSurface(mention)
	if normalized == "" {
		return nil, fmt.Errorf("knowledge: empty mention")
	}

	if ent, err := g.findExact(ctx, normalized, entityType); err != nil {
		return nil, err
	} else if ent != nil {
		g.recordMention(ctx, ent, normalized, sourceEventID, false)
		return ent, nil
	}

	var nameVec *models.Vector
	if g.embedder != nil {
		vecs, err := g.embedder.Embed(ctx, []string{normalized})
		if err == nil && len(vecs) == 1 {
			nameVec = vecs[0]
		} else if err != nil && !errors.Is(err, embeddings.ErrUnavailable) {
			g.logger.Warn("entity name embedding failed", "mention", normalized, "error", err)
		}
	}

	if nameVec != nil {
		candidates, err := g.nearest(ctx, nameVec, entityType, g.candidateFloor)
		if err != nil {
			return nil, err
		}
		strong := candidates[:0]
		for _, c := range candidates {
			if c.score >= g.mergeThreshold {
				strong = append(strong, c)
			}
		}
		if len(strong) == 1 {
			g.recordMention(ctx, strong[0].entity, normalized, sourceEventID, true)
			return strong[0].entity, nil
		}
	}

	return g.create(ctx, normalized, entityType, nameVec, sourceEventID)
}

type scoredEntity struct {
	entity *models.Entity
	score  float64
}

func (g *Graph) findExact(ctx context.Context, normalized string, entityType models.EntityType) (*models.Entity, error) {
	rows, err := g.db.QueryContext(ctx,
		selectEntities+` WHERE type = ?`, entityType)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			g.logger.Warn("skipping corrupt entity row", "error", err)
			continue
		}
		if ent.Name == normalized {
			return ent, nil
		}
		for _, alias := range ent.Aliases {
			if alias == normalized {
				return ent, nil
			}
		}
	}
	return nil, rows.Err()
}

func (g *Graph) nearest(ctx context.Context, query *models.Vector, entityType models.EntityType, floor float64) ([]scoredEntity, error) {
	rows, err := g.db.QueryContext(ctx,
		selectEntities+` WHERE type = ? AND name_embedding IS NOT NULL`, entityType)
	if err != nil {
		return nil, fmt.Errorf("query entity vectors: %w", err)
	}
	defer rows.Close()

	var out []scoredEntity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			continue
		}
		score := embeddings.Cosine(query, ent.NameEmbedding)
		if score >= floor {
			out = append(out, scoredEntity{entity: ent, score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out, rows.Err()
}

func (g *Graph) create(ctx context.Context, name string, entityType models.EntityType, vec *models.Vector, sourceEventID string) (*models.Entity, error) {
	now := time.Now().UTC()
	ent := &models.Entity{
		ID:            uuid.NewString(),
		Name:          name,
		Type:          entityType,
		NameEmbedding: vec,
		EventCount:    1,
		FirstSeen:     now,
		LastSeen:      now,
	}
	if sourceEventID != "" {
		ent.SourceEventIDs = []string{sourceEventID}
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, type, aliases, description, name_embedding,
			source_event_ids, event_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ent.ID, ent.Name, ent.Type, joinList(ent.Aliases), ent.Description,
		embeddings.EncodeBlob(vec), joinList(ent.SourceEventIDs), ent.EventCount,
		ent.FirstSeen, ent.LastSeen)
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}
	return ent, nil
}

// recordMention bumps counters on re-mention; when merged is true the
// surface form is appended as an alias.
func (g *Graph) recordMention(ctx context.Context, ent *models.Entity, surface, sourceEventID string, merged bool) {
	if merged && surface != ent.Name && !contains(ent.Aliases, surface) {
		ent.Aliases = append(ent.Aliases, surface)
	}
	ent.EventCount++
	ent.LastSeen = time.Now().UTC()
	if sourceEventID != "" && !contains(ent.SourceEventIDs, sourceEventID) {
		ent.SourceEventIDs = append(ent.SourceEventIDs, sourceEventID)
	}
	_, err := g.db.ExecContext(ctx, `
		UPDATE entities SET aliases = ?, event_count = ?, last_seen = ?, source_event_ids = ?
		WHERE id = ?`,
		joinList(ent.Aliases), ent.EventCount, ent.LastSeen, joinList(ent.SourceEventIDs), ent.ID)
	if err != nil {
		g.logger.Warn("record mention failed", "entity", ent.ID, "error", err)
	}
}

// GetEntity returns one entity by id.
func (g *Graph) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	row := g.db.QueryRowContext(ctx, selectEntities+` WHERE id = ?`, id)
	ent, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	return ent, err
}

// FindEntityByName returns the entity matching a normalized name or
// alias across all types, or nil.
func (g *Graph) FindEntityByName(ctx context.Context, name string) (*models.Entity, error) {
	normalized := normalizeSurface(name)
	for _, t := range []models.EntityType{
		models.EntityPerson, models.EntityOrg, models.EntityLocation,
		models.EntityConcept, models.EntityTool, models.EntityTopic,
	} {
		ent, err := g.findExact(ctx, normalized, t)
		if err != nil {
			return nil, err
		}
		if ent != nil {
			return ent, nil
		}
	}
	return nil, nil
}

// ListEntities returns entities ordered by recency.
func (g *Graph) ListEntities(ctx context.Context, limit int) ([]*models.Entity, error) {
	q := selectEntities + ` ORDER BY last_seen DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			continue
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// DeleteEntity removes an entity and its edges and facts. Used by the
// `memory forget` command.
func (g *Graph) DeleteEntity(ctx context.Context, id string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM edges WHERE source_id = ? OR target_id = ?`,
		`DELETE FROM facts WHERE subject_id = ? OR object_entity_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id, id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntityNotFound
	}
	return tx.Commit()
}

const selectEntities = `SELECT id, name, type, aliases, description, name_embedding,
	source_event_ids, event_count, first_seen, last_seen FROM entities`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var ent models.Entity
	var aliases, description, sourceIDs sql.NullString
	var blob []byte
	err := row.Scan(&ent.ID, &ent.Name, &ent.Type, &aliases, &description, &blob,
		&sourceIDs, &ent.EventCount, &ent.FirstSeen, &ent.LastSeen)
	if err != nil {
		return nil, err
	}
	ent.Aliases = splitList(aliases.String)
	ent.Description = description.String
	ent.SourceEventIDs = splitList(sourceIDs.String)
	if len(blob) > 0 {
		if v, err := embeddings.DecodeBlob(blob); err == nil {
			ent.NameEmbedding = v
		}
	}
	return &ent, nil
}

func joinList(items []string) string { return strings.Join(items, "\x1f") }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x1f")
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
