package eventstore

import (
	"context"
	"sort"
	"time"

	"github.com/ensembleai/ensemble/internal/embeddings"
	"github.com/ensembleai/ensemble/pkg/models"
)

// SearchFilter scopes a semantic search to a working set before scoring.
type SearchFilter struct {
	SessionKey string
	Types      []models.EventType
	Since      time.Time
}

// SearchResult pairs an event with its cosine similarity to the query.
type SearchResult struct {
	Event *models.Event
	Score float64
}

// SemanticSearch runs an exact flat cosine scan over the filtered working
// set and returns the top k results. Only vectors from the query's
// (provider, dimension) pair are compared; events without an embedding
// are skipped.
func (s *Store) SemanticSearch(ctx context.Context, query *models.Vector, k int, filter SearchFilter) ([]SearchResult, error) {
	if query == nil || k <= 0 {
		return nil, nil
	}

	q := selectEvents + ` WHERE embedding IS NOT NULL`
	args := []any{}
	if filter.SessionKey != "" {
		q += ` AND session_key = ?`
		args = append(args, filter.SessionKey)
	}
	if len(filter.Types) > 0 {
		q += ` AND type IN (?` + repeatPlaceholder(len(filter.Types)-1) + `)`
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if !filter.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, filter.Since)
	}

	events, err := s.queryEvents(ctx, q, args...)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(events))
	for _, ev := range events {
		if !query.Comparable(ev.Embedding) {
			continue
		}
		results = append(results, SearchResult{Event: ev, Score: embeddings.Cosine(query, ev.Embedding)})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
