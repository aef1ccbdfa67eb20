package learning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ensembleai/ensemble/internal/eventstore"
	"github.com/ensembleai/ensemble/pkg/models"
)

// fakeEmbedder returns fixed vectors per text so contradiction checks are
// deterministic.
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

func newTestStore(t *testing.T, embedder *fakeEmbedder) *Store {
	t.Helper()
	store, err := eventstore.Open(filepath.Join(t.TempDir(), "memory.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if embedder == nil {
		embedder = &fakeEmbedder{}
	}
	return NewStore(store.DB(), embedder, nil)
}

func addLearning(t *testing.T, s *Store, botID, content string, confidence float64, sentiment models.Sentiment) *models.Learning {
	t.Helper()
	l, err := s.Add(context.Background(), &models.Learning{
		BotID:      botID,
		Content:    content,
		Source:     models.LearningFromUserFeedback,
		Sentiment:  sentiment,
		Confidence: confidence,
	})
	if err != nil {
		t.Fatalf("add learning: %v", err)
	}
	return l
}

func TestAddStartsPrivate(t *testing.T) {
	s := newTestStore(t, nil)
	l := addLearning(t, s, "researcher", "cite sources inline", 0.6, models.SentimentPositive)

	got, err := s.Get(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsPrivate {
		t.Error("new learning should be private")
	}
	if got.PromotionCount != 0 {
		t.Errorf("promotion_count = %d, want 0", got.PromotionCount)
	}
}

func TestContradictionSupersedesOlder(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"user likes terse answers":        {1, 0, 0},
		"user dislikes terse answers":     {0.99, 0.1, 0},
		"user prefers markdown in tables": {0, 1, 0},
	}}
	s := newTestStore(t, embedder)
	ctx := context.Background()

	old := addLearning(t, s, "writer", "user likes terse answers", 0.7, models.SentimentPositive)
	unrelated := addLearning(t, s, "writer", "user prefers markdown in tables", 0.7, models.SentimentPositive)
	newer := addLearning(t, s, "writer", "user dislikes terse answers", 0.8, models.SentimentNegative)

	got, _ := s.Get(ctx, old.ID)
	if got.SupersededBy != newer.ID {
		t.Errorf("older contradicted learning superseded_by = %q, want %q", got.SupersededBy, newer.ID)
	}
	got, _ = s.Get(ctx, unrelated.ID)
	if got.SupersededBy != "" {
		t.Error("unrelated learning must not be superseded")
	}
	got, _ = s.Get(ctx, newer.ID)
	if got.SupersededBy != "" {
		t.Error("newer learning must stay active")
	}
}

func TestContradictionRequiresOppositeSentiment(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"always run the linter": {1, 0, 0},
		"run the linter first":  {0.99, 0.05, 0},
	}}
	s := newTestStore(t, embedder)

	old := addLearning(t, s, "coder", "always run the linter", 0.7, models.SentimentPositive)
	addLearning(t, s, "coder", "run the linter first", 0.8, models.SentimentPositive)

	got, _ := s.Get(context.Background(), old.ID)
	if got.SupersededBy != "" {
		t.Error("same-sentiment near-duplicate must not supersede")
	}
}

func TestCrossPollinationPromotesTopCandidates(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	// Five eligible learnings; only the three strongest may be promoted.
	ids := make([]string, 0, 5)
	for i, conf := range []float64{0.95, 0.9, 0.85, 0.8, 0.76} {
		l := addLearning(t, s, "researcher", "insight "+string(rune('a'+i)), conf, models.SentimentPositive)
		ids = append(ids, l.ID)
	}
	// Below the floor: never promoted.
	weak := addLearning(t, s, "researcher", "weak hunch", 0.5, models.SentimentPositive)

	n, err := s.CrossPollinate(ctx)
	if err != nil {
		t.Fatalf("cross-pollinate: %v", err)
	}
	if n != maxPromotionsPerBot {
		t.Fatalf("promoted %d, want %d", n, maxPromotionsPerBot)
	}

	for _, id := range ids[:3] {
		got, _ := s.Get(ctx, id)
		if got.IsPrivate {
			t.Errorf("learning %s should be shared", id)
		}
	}
	for _, id := range []string{ids[3], ids[4], weak.ID} {
		got, _ := s.Get(ctx, id)
		if !got.IsPrivate {
			t.Errorf("learning %s should still be private", id)
		}
	}

	ledger, err := s.Ledger(ctx)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(ledger) != 3 {
		t.Fatalf("ledger has %d entries, want 3", len(ledger))
	}
}

func TestRePromotionIsNoOp(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	l := addLearning(t, s, "planner", "batch similar errands", 0.9, models.SentimentPositive)
	if _, err := s.CrossPollinate(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	n, err := s.CrossPollinate(ctx)
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if n != 0 {
		t.Errorf("second cycle promoted %d, want 0", n)
	}

	got, _ := s.Get(ctx, l.ID)
	if got.PromotionCount != 1 {
		t.Errorf("promotion_count = %d, want 1", got.PromotionCount)
	}
	ledger, _ := s.Ledger(ctx)
	if len(ledger) != 1 {
		t.Errorf("ledger has %d entries, want exactly 1", len(ledger))
	}
}

func TestSharedReadIncrementsExposure(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	addLearning(t, s, "researcher", "verify sources before citing", 0.9, models.SentimentPositive)
	if _, err := s.CrossPollinate(ctx); err != nil {
		t.Fatalf("cross-pollinate: %v", err)
	}

	// Another bot reading the shared pool counts as exposure; the owner
	// reading its own learning does not.
	if _, err := s.ForBot(ctx, "writer", 10); err != nil {
		t.Fatalf("shared read: %v", err)
	}
	if _, err := s.ForBot(ctx, "researcher", 10); err != nil {
		t.Fatalf("owner read: %v", err)
	}

	ledger, _ := s.Ledger(ctx)
	if len(ledger) != 1 {
		t.Fatalf("ledger has %d entries, want 1", len(ledger))
	}
	if ledger[0].ExposureCount != 1 {
		t.Errorf("exposure_count = %d, want 1", ledger[0].ExposureCount)
	}
}

func TestDecayIsMonotonicAndNonCompounding(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	l := addLearning(t, s, "coder", "prefer table-driven tests", 0.8, models.SentimentPositive)
	// Age the learning by backdating its timestamps.
	past := time.Now().UTC().AddDate(0, 0, -14)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE learnings SET updated_at = ? WHERE id = ?`, past, l.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := s.DecayConfidence(ctx); err != nil {
		t.Fatalf("decay: %v", err)
	}
	got, _ := s.Get(ctx, l.ID)
	// One half-life: confidence should be close to half of 0.8.
	if got.Confidence < 0.35 || got.Confidence > 0.45 {
		t.Errorf("confidence after one half-life = %.3f, want ~0.4", got.Confidence)
	}

	// An immediate second pass decays from the new baseline, so the value
	// barely moves.
	if _, err := s.DecayConfidence(ctx); err != nil {
		t.Fatalf("second decay: %v", err)
	}
	again, _ := s.Get(ctx, l.ID)
	if again.Confidence < got.Confidence-0.02 {
		t.Errorf("second immediate pass compounded decay: %.3f -> %.3f", got.Confidence, again.Confidence)
	}
}

func TestExpertiseScoreAndRanking(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := s.RecordOutcome(ctx, "researcher", "search", true); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := s.RecordOutcome(ctx, "researcher", "search", false); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordOutcome(ctx, "writer", "search", true); err != nil {
		t.Fatalf("record: %v", err)
	}

	ranked, err := s.RankBots(ctx, "search")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("ranked %d bots, want 2", len(ranked))
	}
	if ranked[0].BotID != "researcher" {
		t.Errorf("top bot = %s, want researcher", ranked[0].BotID)
	}
	// (4+1)/(5+2) vs (1+1)/(1+2)
	if got := ranked[0].Score(); got < 0.71 || got > 0.72 {
		t.Errorf("researcher score = %.4f, want ~0.7143", got)
	}
	if got := ranked[1].Score(); got < 0.66 || got > 0.67 {
		t.Errorf("writer score = %.4f, want ~0.6667", got)
	}
}
