package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ensembleai/ensemble/internal/embeddings"
	"github.com/ensembleai/ensemble/pkg/models"
)

const refreshSystem = `You maintain long-term memory summaries for a personal
assistant. Rewrite the summary to fold in the new material. Be concise,
keep durable facts and preferences, drop chit-chat. Respond with the
summary text only.`

// RefreshOnce runs one refresh cycle: stale event-backed nodes first
// (bounded by MaxRefreshBatch), then stale branches synthesized from
// their children, then the root. Each refresh resets the node's
// staleness counter to zero. Returns the number of nodes refreshed.
func (t *Tree) RefreshOnce(ctx context.Context) (int, error) {
	if t.completer == nil {
		return 0, fmt.Errorf("summary: no completer configured")
	}

	nodes, err := t.All(ctx)
	if err != nil {
		return 0, err
	}

	var leaves, branches []*models.SummaryNode
	var root *models.SummaryNode
	for _, node := range nodes {
		if node.EventsSinceUpdate < t.config.StalenessThreshold {
			continue
		}
		switch node.Type {
		case models.SummaryRoot:
			root = node
		case models.SummaryEntityType:
			branches = append(branches, node)
		default:
			leaves = append(leaves, node)
		}
	}

	// Stalest first.
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].EventsSinceUpdate > leaves[j].EventsSinceUpdate
	})
	if len(leaves) > t.config.MaxRefreshBatch {
		leaves = leaves[:t.config.MaxRefreshBatch]
	}

	refreshed := 0
	for _, node := range leaves {
		if err := t.refreshLeaf(ctx, node); err != nil {
			t.logger.Warn("leaf refresh failed", "key", node.Key, "error", err)
			continue
		}
		refreshed++
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
	}
	for _, node := range branches {
		if err := t.refreshBranch(ctx, node); err != nil {
			t.logger.Warn("branch refresh failed", "key", node.Key, "error", err)
			continue
		}
		refreshed++
	}
	if root != nil {
		if err := t.refreshBranch(ctx, root); err != nil {
			t.logger.Warn("root refresh failed", "error", err)
		} else {
			refreshed++
		}
	}
	return refreshed, nil
}

// refreshLeaf rebuilds an event-backed node from its most recent source
// events plus the previous summary.
func (t *Tree) refreshLeaf(ctx context.Context, node *models.SummaryNode) error {
	events, err := t.sourceEvents(ctx, node)
	if err != nil {
		return err
	}
	if len(events) == 0 && node.Summary == "" {
		return t.finishRefresh(ctx, node, "")
	}

	var b strings.Builder
	if node.Summary != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(node.Summary)
		b.WriteString("\n\n")
	}
	b.WriteString("New events:\n")
	for _, line := range events {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	updated, err := t.completer.Complete(ctx, refreshSystem, b.String())
	if err != nil {
		return fmt.Errorf("rebuild %s: %w", node.Key, err)
	}
	return t.finishRefresh(ctx, node, strings.TrimSpace(updated))
}

// refreshBranch synthesizes a branch (or the root) from its children's
// summaries; branches never read events directly.
func (t *Tree) refreshBranch(ctx context.Context, node *models.SummaryNode) error {
	children, err := t.Children(ctx, node.ID)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Child summaries:\n")
	for _, child := range children {
		if child.Summary == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", child.Key, child.Summary)
	}
	if b.Len() == len("Child summaries:\n") {
		return t.finishRefresh(ctx, node, node.Summary)
	}

	updated, err := t.completer.Complete(ctx, refreshSystem, b.String())
	if err != nil {
		return fmt.Errorf("synthesize %s: %w", node.Key, err)
	}
	return t.finishRefresh(ctx, node, strings.TrimSpace(updated))
}

// sourceEvents collects the lines a leaf rebuild reads, scoped by node type.
func (t *Tree) sourceEvents(ctx context.Context, node *models.SummaryNode) ([]string, error) {
	limit := t.config.MaxSourceEvents
	var query string
	var args []any

	switch node.Type {
	case models.SummaryChannel:
		query = `SELECT content FROM events WHERE channel = ? AND type = 'message'
			ORDER BY created_at DESC LIMIT ?`
		args = []any{strings.TrimPrefix(node.Key, "channel:"), limit}
	case models.SummaryEntity:
		query = `SELECT e.content FROM events e
			JOIN entities ent ON instr(ent.source_event_ids, e.id) > 0
			WHERE ent.id = ? ORDER BY e.created_at DESC LIMIT ?`
		args = []any{strings.TrimPrefix(node.Key, "entity:"), limit}
	case models.SummaryTopic:
		query = `SELECT e.content FROM events e
			JOIN event_topics et ON et.event_id = e.id
			JOIN topics tp ON tp.id = et.topic_id
			WHERE tp.name = ? ORDER BY e.created_at DESC LIMIT ?`
		args = []any{strings.TrimPrefix(node.Key, "topic:"), limit}
	case models.SummaryPreferences:
		query = `SELECT f.predicate || ': ' || f.object FROM facts f
			WHERE f.type = 'preference' AND f.superseded_by IS NULL
			ORDER BY f.updated_at DESC LIMIT ?`
		args = []any{limit}
	default:
		return nil, nil
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			continue
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

// finishRefresh writes the new summary, re-embeds it when an embedder is
// available, and resets the staleness counter.
func (t *Tree) finishRefresh(ctx context.Context, node *models.SummaryNode, text string) error {
	var blob []byte
	if t.embedder != nil && text != "" {
		if vecs, err := t.embedder.Embed(ctx, []string{text}); err == nil && len(vecs) == 1 {
			blob = embeddings.EncodeBlob(vecs[0])
		}
	}
	_, err := t.db.ExecContext(ctx, `
		UPDATE summary_nodes
		SET summary = ?, embedding = ?, events_since_update = 0, last_updated = ?
		WHERE id = ?`,
		text, blob, nullableTime(time.Now().UTC()), node.ID)
	if err != nil {
		return fmt.Errorf("store summary %s: %w", node.Key, err)
	}
	node.Summary = text
	node.EventsSinceUpdate = 0
	return nil
}
