package models

import "time"

// EntityType classifies a knowledge-graph entity.
type EntityType string

const (
	EntityPerson   EntityType = "person"
	EntityOrg      EntityType = "org"
	EntityLocation EntityType = "location"
	EntityConcept  EntityType = "concept"
	EntityTool     EntityType = "tool"
	EntityTopic    EntityType = "topic"
)

// Entity is a canonical reference to a person, org, location, concept,
// tool, or topic. (name|alias, type) is unique per workspace after
// resolution.
type Entity struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           EntityType `json:"type"`
	Aliases        []string   `json:"aliases,omitempty"`
	Description    string     `json:"description,omitempty"`
	NameEmbedding  *Vector    `json:"-"`
	SourceEventIDs []string   `json:"source_event_ids,omitempty"`
	EventCount     int        `json:"event_count"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
}

// Edge is a directed, typed relationship between two entities. Strength
// lives in [0,1], increments on re-mention and decays with age.
type Edge struct {
	ID             string    `json:"id"`
	SourceID       string    `json:"source_id"`
	TargetID       string    `json:"target_id"`
	Relation       string    `json:"relation"`
	Strength       float64   `json:"strength"`
	SourceEventIDs []string  `json:"source_event_ids,omitempty"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// FactType classifies a fact triple.
type FactType string

const (
	FactRelation   FactType = "relation"
	FactAttribute  FactType = "attribute"
	FactPreference FactType = "preference"
	FactState      FactType = "state"
)

// Fact is a subject-predicate-object triple. The object may be another
// entity or a literal. Contradictions chain via SupersededBy; history is
// never mutated.
type Fact struct {
	ID             string    `json:"id"`
	SubjectID      string    `json:"subject_id"`
	Predicate      string    `json:"predicate"`
	Object         string    `json:"object"`
	ObjectEntityID string    `json:"object_entity_id,omitempty"`
	Type           FactType  `json:"type"`
	Confidence     float64   `json:"confidence"`
	Strength       float64   `json:"strength"`
	SourceEventIDs []string  `json:"source_event_ids,omitempty"`
	ValidFrom      time.Time `json:"valid_from,omitempty"`
	ValidTo        time.Time `json:"valid_to,omitempty"`
	SupersededBy   string    `json:"superseded_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Superseded reports whether a newer fact has replaced this one.
func (f *Fact) Superseded() bool { return f.SupersededBy != "" }
