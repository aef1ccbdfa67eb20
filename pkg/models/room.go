package models

import "time"

// RoomType classifies a conversation space.
type RoomType string

const (
	RoomOpen         RoomType = "open"
	RoomProject      RoomType = "project"
	RoomDirect       RoomType = "direct"
	RoomCoordination RoomType = "coordination"
)

// EscalationThreshold sets how readily the coordinator defers to the user.
type EscalationThreshold string

const (
	EscalationLow    EscalationThreshold = "low"
	EscalationMedium EscalationThreshold = "medium"
	EscalationHigh   EscalationThreshold = "high"
)

// ConfidenceFloor returns the minimum confidence below which an
// autonomous decision escalates to the user.
func (t EscalationThreshold) ConfidenceFloor() float64 {
	switch t {
	case EscalationLow:
		return 0.5
	case EscalationHigh:
		return 0.9
	default:
		return 0.7
	}
}

// RoomPolicy holds per-room behavior switches.
type RoomPolicy struct {
	AutoArchive         bool                `json:"auto_archive,omitempty"`
	ArchiveAfterDays    int                 `json:"archive_after_days,omitempty"`
	CoordinatorMode     bool                `json:"coordinator_mode,omitempty"`
	EscalationThreshold EscalationThreshold `json:"escalation_threshold,omitempty"`
}

// SharedContext is the room's working memory shared between participants:
// the recent event timeline, the entities and facts in play, and the
// artifact chain produced by bot collaboration.
type SharedContext struct {
	EventIDs      []string             `json:"event_ids,omitempty"`
	Entities      map[string]string    `json:"entities,omitempty"` // entity id -> canonical name
	FactIDs       []string             `json:"fact_ids,omitempty"`
	ArtifactChain []ArtifactChainEntry `json:"artifact_chain,omitempty"`
}

// Room is an addressable conversation space and the unit of message
// ordering. The leader bot is always a participant; direct rooms have
// exactly two participants, one of which is the human.
type Room struct {
	ID           string        `json:"id"`
	Type         RoomType      `json:"type"`
	Owner        string        `json:"owner"`
	Participants []string      `json:"participants"` // ordered; includes "leader"
	Policy       RoomPolicy    `json:"policy"`
	Shared       SharedContext `json:"shared_context"`
	Summary      string        `json:"summary,omitempty"`
	Deadline     *time.Time    `json:"deadline,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}

// HasParticipant reports whether the named bot participates in the room.
func (r *Room) HasParticipant(name string) bool {
	for _, p := range r.Participants {
		if p == name {
			return true
		}
	}
	return false
}

// ArtifactDescriptor describes one produced artifact, content-addressed
// under artifacts/<hash>.<ext>.
type ArtifactDescriptor struct {
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactChainEntry records one step of the room's artifact chain. Step
// numbers are strictly increasing per room; entries are append-only.
type ArtifactChainEntry struct {
	Step      int                  `json:"step"`
	Producer  string               `json:"producer"`
	Task      string               `json:"task"`
	Inputs    []string             `json:"inputs,omitempty"` // artifact paths consumed
	Outputs   []ArtifactDescriptor `json:"outputs,omitempty"`
	Status    string               `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}
