package knowledge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/pkg/models"
)

// fakeEmbedder returns fixed vectors per text so resolution is deterministic.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([]*models.Vector, error) {
	out := make([]*models.Vector, len(texts))
	for i, text := range texts {
		values, ok := f.vectors[text]
		if !ok {
			values = []float32{0, 0, 1}
		}
		out[i] = &models.Vector{ProviderID: "fake", Dim: len(values), Values: values}
	}
	return out, nil
}

func (f *fakeEmbedder) ProviderID() string { return "fake" }
func (f *fakeEmbedder) Dimension() int     { return 3 }

func newTestGraph(t *testing.T, embedder *fakeEmbedder) *Graph {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "memory.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if embedder == nil {
		embedder = &fakeEmbedder{}
	}
	return NewGraph(store.DB(), embedder, nil)
}

func TestResolveExactMatch(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	first, err := g.Resolve(ctx, "Alice Johnson", models.EntityPerson, "ev1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := g.Resolve(ctx, "alice johnson!", models.EntityPerson, "ev2")
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("exact re-mention created a new entity")
	}
	got, _ := g.GetEntity(ctx, first.ID)
	if got.EventCount != 2 {
		t.Errorf("event_count = %d, want 2", got.EventCount)
	}
	if len(got.SourceEventIDs) != 2 {
		t.Errorf("source events = %v, want two ids", got.SourceEventIDs)
	}
}

func TestResolveMergesSingleStrongCandidate(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"acme corporation": {1, 0, 0},
		"acme corp":        {0.99, 0.14, 0}, // cosine ~0.99 with the above
	}}
	g := newTestGraph(t, embedder)
	ctx := context.Background()

	canonical, err := g.Resolve(ctx, "Acme Corporation", models.EntityOrg, "ev1")
	if err != nil {
		t.Fatalf("resolve canonical: %v", err)
	}
	variant, err := g.Resolve(ctx, "Acme Corp", models.EntityOrg, "ev2")
	if err != nil {
		t.Fatalf("resolve variant: %v", err)
	}

	if variant.ID != canonical.ID {
		t.Fatalf("near-duplicate was not merged")
	}
	got, _ := g.GetEntity(ctx, canonical.ID)
	if !hasString(got.Aliases, "acme corp") {
		t.Errorf("aliases = %v, want acme corp recorded", got.Aliases)
	}
}

func TestResolveDifferentTypeNeverMerges(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"mercury": {1, 0, 0},
	}}
	g := newTestGraph(t, embedder)
	ctx := context.Background()

	planet, _ := g.Resolve(ctx, "Mercury", models.EntityConcept, "ev1")
	org, err := g.Resolve(ctx, "Mercury", models.EntityOrg, "ev2")
	if err != nil {
		t.Fatalf("resolve org: %v", err)
	}
	if planet.ID == org.ID {
		t.Errorf("entities of different types merged")
	}
}

func TestUpsertEdgeBoostsAndCaps(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	a, _ := g.Resolve(ctx, "alice", models.EntityPerson, "")
	b, _ := g.Resolve(ctx, "acme", models.EntityOrg, "")

	edge, err := g.UpsertEdge(ctx, a.ID, "works_at", b.ID, "ev1")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if edge.Strength != 0.5 {
		t.Errorf("initial strength = %f, want 0.5", edge.Strength)
	}

	for i := 0; i < 10; i++ {
		edge, err = g.UpsertEdge(ctx, a.ID, "works_at", b.ID, "")
		if err != nil {
			t.Fatalf("re-upsert %d: %v", i, err)
		}
	}
	if edge.Strength > 1.0 {
		t.Errorf("strength %f exceeded cap", edge.Strength)
	}
	if edge.Strength < 0.99 {
		t.Errorf("strength = %f, want saturated near 1.0", edge.Strength)
	}
}

func TestFactSupersedeRequiresConfidenceMargin(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()
	subject, _ := g.Resolve(ctx, "alice", models.EntityPerson, "")

	original, err := g.AddFact(ctx, &models.Fact{
		SubjectID: subject.ID, Predicate: "lives_in", Object: "Berlin", Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("add fact: %v", err)
	}

	// Contradiction without enough confidence: ignored, old boosted.
	kept, err := g.AddFact(ctx, &models.Fact{
		SubjectID: subject.ID, Predicate: "lives_in", Object: "Paris", Confidence: 0.85,
	})
	if err != nil {
		t.Fatalf("weak contradiction: %v", err)
	}
	if kept.ID != original.ID {
		t.Fatalf("weak contradiction displaced the fact")
	}

	// Confident contradiction supersedes.
	replacement, err := g.AddFact(ctx, &models.Fact{
		SubjectID: subject.ID, Predicate: "lives_in", Object: "Paris", Confidence: 0.95,
	})
	if err != nil {
		t.Fatalf("strong contradiction: %v", err)
	}
	if replacement.ID == original.ID {
		t.Fatalf("strong contradiction did not create a new fact")
	}

	history, err := g.FactHistory(ctx, subject.ID, "lives_in")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 (chain, not rewrite)", len(history))
	}
	if history[0].SupersededBy != replacement.ID {
		t.Errorf("old fact superseded_by = %q, want %q", history[0].SupersededBy, replacement.ID)
	}

	active, _ := g.activeFact(ctx, subject.ID, "lives_in")
	if active.Object != "Paris" {
		t.Errorf("active fact = %q, want Paris", active.Object)
	}
}

func TestDecayIsMonotonic(t *testing.T) {
	g := newTestGraph(t, nil)
	ctx := context.Background()

	a, _ := g.Resolve(ctx, "alice", models.EntityPerson, "")
	b, _ := g.Resolve(ctx, "acme", models.EntityOrg, "")
	if _, err := g.UpsertEdge(ctx, a.ID, "works_at", b.ID, ""); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := g.AddFact(ctx, &models.Fact{
		SubjectID: a.ID, Predicate: "lives_in", Object: "Berlin", Confidence: 0.9,
	}); err != nil {
		t.Fatalf("add fact: %v", err)
	}

	var prev float64 = 1.0
	for cycle := 1; cycle <= 3; cycle++ {
		now := time.Now().Add(time.Duration(cycle*30*24) * time.Hour)
		if _, err := g.DecayEdges(ctx, now); err != nil {
			t.Fatalf("decay edges: %v", err)
		}
		if _, err := g.DecayFacts(ctx, now); err != nil {
			t.Fatalf("decay facts: %v", err)
		}

		edges, _ := g.EdgesFor(ctx, a.ID)
		if len(edges) != 1 {
			t.Fatalf("edge count = %d", len(edges))
		}
		if edges[0].Strength > prev {
			t.Errorf("cycle %d: strength increased %f -> %f", cycle, prev, edges[0].Strength)
		}
		prev = edges[0].Strength
	}

	// Half-life ~30 days: after 90 days strength should be well below half.
	if prev > 0.25 {
		t.Errorf("strength after 90 days = %f, want < 0.25", prev)
	}
}

func hasString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
