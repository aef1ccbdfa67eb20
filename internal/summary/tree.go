// Package summary maintains the hierarchical staleness-driven summary
// tree: root at the top, channel and entity-type branches below it, and
// entity/topic leaves plus the singleton user-preferences leaf.
package summary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/internal/embeddings"
	"github.com/ensembleai/ensemble/pkg/models"
)

// Completer is the cheap-model surface used to rebuild summaries. The
// tree is the only background path allowed to call the provider; the
// foreground agent loop never triggers a refresh.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Config tunes refresh behavior.
type Config struct {
	StalenessThreshold int // counter value at which a node refreshes
	MaxRefreshBatch    int // leaves refreshed per cycle
	MaxSourceEvents    int // most recent events fed into a leaf rebuild
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		StalenessThreshold: 10,
		MaxRefreshBatch:    8,
		MaxSourceEvents:    30,
	}
}

// Tree is the summary tree over the shared memory database.
type Tree struct {
	db        *sql.DB
	completer Completer
	embedder  embeddings.Embedder
	config    Config
	logger    *slog.Logger
}

// typeRank orders node types; a parent's rank is strictly lower than its
// child's.
var typeRank = map[models.SummaryNodeType]int{
	models.SummaryRoot:        0,
	models.SummaryChannel:     1,
	models.SummaryPreferences: 1,
	models.SummaryEntityType:  2,
	models.SummaryEntity:      3,
	models.SummaryTopic:       3,
}

// RootKey is the composite key of the tree root.
const RootKey = "root"

// NewTree builds a summary tree and ensures the fixed base nodes exist.
func NewTree(db *sql.DB, completer Completer, embedder embeddings.Embedder, config Config, logger *slog.Logger) (*Tree, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.StalenessThreshold <= 0 {
		config = DefaultConfig()
	}
	t := &Tree{db: db, completer: completer, embedder: embedder, config: config, logger: logger}
	if err := t.ensureBase(context.Background()); err != nil {
		return nil, err
	}
	return t, nil
}

// ensureBase creates the root and the always-present user_preferences
// leaf. The tree has exactly one root.
func (t *Tree) ensureBase(ctx context.Context) error {
	rootID, err := t.ensureNode(ctx, models.SummaryRoot, RootKey, "")
	if err != nil {
		return err
	}
	if _, err := t.ensureNode(ctx, models.SummaryPreferences, models.PreferencesKey, rootID); err != nil {
		return err
	}
	return nil
}

func (t *Tree) ensureNode(ctx context.Context, nodeType models.SummaryNodeType, key, parentID string) (string, error) {
	var id string
	err := t.db.QueryRowContext(ctx, `SELECT id FROM summary_nodes WHERE key = ?`, key).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup summary node %s: %w", key, err)
	}

	id = uuid.NewString()
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO summary_nodes (id, type, key, parent_id, summary, events_since_update)
		VALUES (?, ?, ?, ?, '', 0)`,
		id, nodeType, key, nullStr(parentID))
	if err != nil {
		return "", fmt.Errorf("insert summary node %s: %w", key, err)
	}
	return id, nil
}

// Scope names one summary node covering an event. ParentKey defaults to
// the root when empty.
type Scope struct {
	Type      models.SummaryNodeType
	Key       string
	ParentKey string
}

// ScopesForEvent computes the nodes covering an event: root and the
// preferences leaf always, the channel node, and the entity/entity-type
// and topic nodes identified during extraction. Entity leaves hang off
// their entity_type branch.
func ScopesForEvent(channel models.ChannelType, entityIDs map[string]models.EntityType, topics []string) []Scope {
	scopes := []Scope{
		{Type: models.SummaryRoot, Key: RootKey},
		{Type: models.SummaryPreferences, Key: models.PreferencesKey},
	}
	if channel != "" && channel != models.ChannelInternal {
		scopes = append(scopes, Scope{Type: models.SummaryChannel, Key: "channel:" + string(channel)})
	}
	seenTypes := map[models.EntityType]bool{}
	for id, entityType := range entityIDs {
		branchKey := "entity_type:" + string(entityType)
		if !seenTypes[entityType] {
			seenTypes[entityType] = true
			scopes = append(scopes, Scope{Type: models.SummaryEntityType, Key: branchKey})
		}
		scopes = append(scopes, Scope{Type: models.SummaryEntity, Key: "entity:" + id, ParentKey: branchKey})
	}
	for _, topic := range topics {
		scopes = append(scopes, Scope{Type: models.SummaryTopic, Key: "topic:" + topic})
	}
	return scopes
}

// BumpEvent advances staleness for every node covering an event. This is
// the hook the knowledge extractor calls after each extraction.
func (t *Tree) BumpEvent(ctx context.Context, channel models.ChannelType, entityIDs map[string]models.EntityType, topics []string) error {
	return t.Bump(ctx, ScopesForEvent(channel, entityIDs, topics))
}

// Bump ensures the scoped nodes exist and increments their staleness
// counters. Called from the extraction path so counter updates ride the
// same database as the source writes.
func (t *Tree) Bump(ctx context.Context, scopes []Scope) error {
	rootID, err := t.ensureNode(ctx, models.SummaryRoot, RootKey, "")
	if err != nil {
		return err
	}

	// Parents first so ParentKey lookups resolve.
	ordered := make([]Scope, len(scopes))
	copy(ordered, scopes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return typeRank[ordered[i].Type] < typeRank[ordered[j].Type]
	})

	idByKey := map[string]string{RootKey: rootID}
	keys := make([]string, 0, len(ordered))
	for _, scope := range ordered {
		keys = append(keys, scope.Key)
		if scope.Type == models.SummaryRoot {
			continue
		}
		parentID := rootID
		if scope.ParentKey != "" {
			if id, ok := idByKey[scope.ParentKey]; ok {
				parentID = id
			} else if node, err := t.Node(ctx, scope.ParentKey); err == nil && node != nil {
				parentID = node.ID
			}
		}
		id, err := t.ensureNode(ctx, scope.Type, scope.Key, parentID)
		if err != nil {
			return err
		}
		idByKey[scope.Key] = id
	}

	placeholders := strings.TrimPrefix(strings.Repeat(",?", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err = t.db.ExecContext(ctx,
		`UPDATE summary_nodes SET events_since_update = events_since_update + 1
		 WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("bump staleness: %w", err)
	}
	return nil
}

// Node returns a summary node by key, or nil when absent.
func (t *Tree) Node(ctx context.Context, key string) (*models.SummaryNode, error) {
	row := t.db.QueryRowContext(ctx, selectNodes+` WHERE key = ?`, key)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return node, err
}

// Children returns the direct children of a node.
func (t *Tree) Children(ctx context.Context, parentID string) ([]*models.SummaryNode, error) {
	rows, err := t.db.QueryContext(ctx, selectNodes+` WHERE parent_id = ?`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.SummaryNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			continue
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

// All returns every node, ordered by type rank so parents come first.
func (t *Tree) All(ctx context.Context) ([]*models.SummaryNode, error) {
	rows, err := t.db.QueryContext(ctx, selectNodes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.SummaryNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			continue
		}
		out = append(out, node)
	}
	return out, rows.Err()
}

const selectNodes = `SELECT id, type, key, parent_id, summary, embedding,
	events_since_update, last_updated FROM summary_nodes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*models.SummaryNode, error) {
	var node models.SummaryNode
	var parentID, summaryText sql.NullString
	var lastUpdated sql.NullTime
	var blob []byte
	err := row.Scan(&node.ID, &node.Type, &node.Key, &parentID, &summaryText,
		&blob, &node.EventsSinceUpdate, &lastUpdated)
	if err != nil {
		return nil, err
	}
	node.ParentID = parentID.String
	node.Summary = summaryText.String
	if lastUpdated.Valid {
		node.LastUpdated = lastUpdated.Time
	}
	if len(blob) > 0 {
		if v, err := embeddings.DecodeBlob(blob); err == nil {
			node.Embedding = v
		}
	}
	return &node, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
