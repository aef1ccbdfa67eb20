package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleai/ensemble/pkg/models"
)

// Completer is the minimal LLM surface the extractor needs: one cheap
// completion per batch of events.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// EventSource provides the pending-event queue from the event store.
type EventSource interface {
	PendingExtraction(ctx context.Context, limit int) ([]*models.Event, error)
	MarkExtraction(ctx context.Context, id string, status models.ExtractionStatus) error
}

// StalenessSink receives the scope of each extracted event so summary
// staleness counters track the knowledge writes. Implemented by the
// summary tree; nil disables bumping.
type StalenessSink interface {
	BumpEvent(ctx context.Context, channel models.ChannelType, entityIDs map[string]models.EntityType, topics []string) error
}

// Extractor turns raw events into entities, edges, facts, and topics.
// It runs only from the background task manager, never the agent loop.
type Extractor struct {
	graph     *Graph
	events    EventSource
	completer Completer
	staleness StalenessSink
	logger    *slog.Logger
	batchSize int
}

// NewExtractor wires an extractor over the graph and event store.
func NewExtractor(graph *Graph, events EventSource, completer Completer, staleness StalenessSink, batchSize int, logger *slog.Logger) *Extractor {
	if batchSize <= 0 {
		batchSize = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		graph:     graph,
		events:    events,
		completer: completer,
		staleness: staleness,
		logger:    logger,
		batchSize: batchSize,
	}
}

// extraction is the JSON shape the cheap model is asked to emit.
type extraction struct {
	Entities []struct {
		Name        string `json:"name"`
		Type        string `json:"type"`
		Description string `json:"description,omitempty"`
	} `json:"entities"`
	Relationships []struct {
		Source   string `json:"source"`
		Relation string `json:"relation"`
		Target   string `json:"target"`
	} `json:"relationships"`
	Facts []struct {
		Subject    string  `json:"subject"`
		Predicate  string  `json:"predicate"`
		Object     string  `json:"object"`
		Type       string  `json:"type,omitempty"`
		Confidence float64 `json:"confidence,omitempty"`
	} `json:"facts"`
	Topics []string `json:"topics"`
}

const extractorSystem = `You extract structured knowledge from conversation events.
Return strict JSON with keys: entities (name, type in
person|org|location|concept|tool|topic, description), relationships
(source, relation, target), facts (subject, predicate, object, type in
relation|attribute|preference|state, confidence 0..1), topics (strings).
Return {"entities":[],"relationships":[],"facts":[],"topics":[]} when
nothing is extractable.`

// RunOnce processes one batch of pending events. Returns the number of
// events handled.
func (x *Extractor) RunOnce(ctx context.Context) (int, error) {
	pending, err := x.events.PendingExtraction(ctx, x.batchSize)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}

	handled := 0
	for _, ev := range pending {
		status := x.extractOne(ctx, ev)
		if err := x.events.MarkExtraction(ctx, ev.ID, status); err != nil {
			x.logger.Warn("mark extraction failed", "event_id", ev.ID, "error", err)
		}
		handled++
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
	}
	return handled, nil
}

func (x *Extractor) extractOne(ctx context.Context, ev *models.Event) models.ExtractionStatus {
	if !extractable(ev) {
		return models.ExtractionSkipped
	}

	raw, err := x.completer.Complete(ctx, extractorSystem, ev.Content)
	if err != nil {
		x.logger.Warn("extraction completion failed", "event_id", ev.ID, "error", err)
		return models.ExtractionFailed
	}

	var parsed extraction
	if err := json.Unmarshal([]byte(stripFences(raw)), &parsed); err != nil {
		x.logger.Warn("extraction returned unparseable JSON", "event_id", ev.ID, "error", err)
		return models.ExtractionFailed
	}

	byName := map[string]*models.Entity{}
	for _, m := range parsed.Entities {
		ent, err := x.graph.Resolve(ctx, m.Name, entityType(m.Type), ev.ID)
		if err != nil {
			x.logger.Warn("entity resolution failed", "mention", m.Name, "error", err)
			continue
		}
		if m.Description != "" && ent.Description == "" {
			_, _ = x.graph.db.ExecContext(ctx,
				`UPDATE entities SET description = ? WHERE id = ?`, m.Description, ent.ID)
		}
		byName[normalizeSurface(m.Name)] = ent
	}

	for _, rel := range parsed.Relationships {
		src, ok1 := byName[normalizeSurface(rel.Source)]
		dst, ok2 := byName[normalizeSurface(rel.Target)]
		if !ok1 || !ok2 {
			continue
		}
		if _, err := x.graph.UpsertEdge(ctx, src.ID, rel.Relation, dst.ID, ev.ID); err != nil {
			x.logger.Warn("edge upsert failed", "relation", rel.Relation, "error", err)
		}
	}

	for _, f := range parsed.Facts {
		subject, ok := byName[normalizeSurface(f.Subject)]
		if !ok {
			continue
		}
		fact := &models.Fact{
			SubjectID:      subject.ID,
			Predicate:      f.Predicate,
			Object:         f.Object,
			Type:           factType(f.Type),
			Confidence:     f.Confidence,
			SourceEventIDs: []string{ev.ID},
		}
		if obj, ok := byName[normalizeSurface(f.Object)]; ok {
			fact.ObjectEntityID = obj.ID
		}
		if _, err := x.graph.AddFact(ctx, fact); err != nil {
			x.logger.Warn("fact write failed", "predicate", f.Predicate, "error", err)
		}
	}

	x.recordTopics(ctx, ev, parsed.Topics)
	x.bumpStaleness(ctx, ev, byName, parsed)
	return models.ExtractionComplete
}

// recordTopics links the event to its topics, creating topic rows as needed.
func (x *Extractor) recordTopics(ctx context.Context, ev *models.Event, topics []string) {
	for _, topic := range topics {
		name := normalizeSurface(topic)
		if name == "" {
			continue
		}
		var topicID string
		err := x.graph.db.QueryRowContext(ctx,
			`SELECT id FROM topics WHERE name = ?`, name).Scan(&topicID)
		if err == sql.ErrNoRows {
			topicID = uuid.NewString()
			if _, err := x.graph.db.ExecContext(ctx,
				`INSERT INTO topics (id, name, created_at) VALUES (?, ?, ?)`,
				topicID, name, time.Now().UTC()); err != nil {
				continue
			}
		} else if err != nil {
			continue
		}
		_, _ = x.graph.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO event_topics (event_id, topic_id) VALUES (?, ?)`,
			ev.ID, topicID)
	}
}

// bumpStaleness forwards the event's scope to the summary tree so every
// covering node's staleness counter advances with the knowledge writes.
func (x *Extractor) bumpStaleness(ctx context.Context, ev *models.Event, entities map[string]*models.Entity, parsed extraction) {
	if x.staleness == nil {
		return
	}
	entityIDs := make(map[string]models.EntityType, len(entities))
	for _, ent := range entities {
		entityIDs[ent.ID] = ent.Type
	}
	var topics []string
	for _, topic := range parsed.Topics {
		if name := normalizeSurface(topic); name != "" {
			topics = append(topics, name)
		}
	}
	if err := x.staleness.BumpEvent(ctx, ev.Channel, entityIDs, topics); err != nil {
		x.logger.Warn("staleness bump failed", "event_id", ev.ID, "error", err)
	}
}

func extractable(ev *models.Event) bool {
	if strings.TrimSpace(ev.Content) == "" {
		return false
	}
	switch ev.Type {
	case models.EventMessage, models.EventBotMessage, models.EventObservation:
		return true
	default:
		return false
	}
}

func entityType(s string) models.EntityType {
	switch models.EntityType(strings.ToLower(s)) {
	case models.EntityPerson, models.EntityOrg, models.EntityLocation,
		models.EntityTool, models.EntityTopic:
		return models.EntityType(strings.ToLower(s))
	default:
		return models.EntityConcept
	}
}

func factType(s string) models.FactType {
	switch models.FactType(strings.ToLower(s)) {
	case models.FactRelation, models.FactPreference, models.FactState:
		return models.FactType(strings.ToLower(s))
	default:
		return models.FactAttribute
	}
}

// stripFences removes a markdown code fence if the model wrapped its JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
