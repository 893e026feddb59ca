package kioku

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// EpisodeStatus is the lifecycle state of an episode. An episode transitions
// open → closed exactly once and never reopens.
type EpisodeStatus string

const (
	EpisodeOpen   EpisodeStatus = "open"
	EpisodeClosed EpisodeStatus = "closed"
)

// FactStatus is the visibility state of a long-term fact. Facts are never
// deleted; supersession is the only mutation that changes visibility.
type FactStatus string

const (
	FactActive     FactStatus = "active"
	FactSuperseded FactStatus = "superseded"
)

// Built-in marker tags. Custom tags use the "custom:<label>" form and pass
// through detection unchanged.
const (
	MarkerDecision   = "decision"
	MarkerConstraint = "constraint"
	MarkerFailure    = "failure"
	MarkerGoal       = "goal"

	customMarkerPrefix = "custom:"
)

// DefaultMarkerWeights returns the score boost applied per marker during
// recall. Custom markers share a single weight under the "custom:*" key.
func DefaultMarkerWeights() map[string]float64 {
	return map[string]float64{
		MarkerConstraint: 0.4,
		MarkerDecision:   0.3,
		MarkerGoal:       0.3,
		MarkerFailure:    0.2,
		customWeightKey:  0.2,
	}
}

// customWeightKey is the marker_weights key covering all custom:<label> tags.
const customWeightKey = "custom:*"

// Turn is an atomic message event ingested into a session.
type Turn struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	EpisodeID  string         `json:"episode_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Markers    []string       `json:"markers,omitempty"`
	TokenCount int            `json:"token_count"`
	Position   int            `json:"position"`
	ActorID    string         `json:"actor_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Episode is an ordered, time-bounded group of turns. It is the unit of
// reflection input.
type Episode struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Status      EpisodeStatus `json:"status"`
	OpenedAt    time.Time     `json:"opened_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
	CloseReason string        `json:"close_reason,omitempty"`
	TurnCount   int           `json:"turn_count"`
	TotalTokens int           `json:"total_tokens"`
	Markers     []string      `json:"markers,omitempty"`
	TurnIDs     []string      `json:"turn_ids,omitempty"`
}

// Fact is a durable statement distilled from one or more closed episodes.
// A superseded fact is retained for audit; SupersededBy links to its
// replacement ("" when the fact was removed rather than replaced).
type Fact struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	SourceEpisodeIDs []string   `json:"source_episode_ids"`
	Content          string     `json:"content"`
	Markers          []string   `json:"markers,omitempty"`
	Confidence       float64    `json:"confidence"`
	Status           FactStatus `json:"status"`
	SupersededBy     string     `json:"superseded_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	SupersededAt     *time.Time `json:"superseded_at,omitempty"`
}

// SourceType tags a context item with the entity it came from.
type SourceType string

const (
	SourceTurn SourceType = "turn"
	SourceFact SourceType = "fact"
)

// ContextItem is a single element of a recall result. Emitted only, never
// persisted. Role is empty for facts.
type ContextItem struct {
	Content    string     `json:"content"`
	Role       Role       `json:"role,omitempty"`
	Markers    []string   `json:"markers,omitempty"`
	Score      float64    `json:"score"`
	TokenCount int        `json:"token_count"`
	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
}

// EmbeddingKind distinguishes turn embeddings from fact embeddings in the
// vector index.
type EmbeddingKind string

const (
	KindTurn EmbeddingKind = "turn"
	KindFact EmbeddingKind = "fact"
)

// EmbeddingMetadata is stored alongside each vector and drives the filters
// that VectorSearch must honor.
type EmbeddingMetadata struct {
	SessionID string        `json:"session_id"`
	Kind      EmbeddingKind `json:"kind"`
	EpisodeID string        `json:"episode_id,omitempty"`
	Markers   []string      `json:"markers,omitempty"`
}

// VectorFilter restricts a vector search. Zero-value fields do not filter.
// MarkersEmpty, when non-nil, selects vectors whose marker set is empty
// (true) or non-empty (false).
type VectorFilter struct {
	SessionID    string
	Kind         EmbeddingKind
	MarkersEmpty *bool
}

// VectorMatch is one vector-search hit, ordered descending by Score.
type VectorMatch struct {
	ID       string
	Score    float64
	Metadata EmbeddingMetadata
}

// ActionKind enumerates the typed operations a reflector may emit.
type ActionKind string

const (
	ActionAdd    ActionKind = "add"
	ActionUpdate ActionKind = "update"
	ActionRemove ActionKind = "remove"
	ActionKeep   ActionKind = "keep"
)

// FactProposal is a bare new-fact suggestion from a reflector.
type FactProposal struct {
	Content    string   `json:"content"`
	Markers    []string `json:"markers,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Action is one typed reflection operation. Fact is set for add; TargetID
// for update/remove/keep; Content, Markers and Confidence for update;
// Reason for remove.
type Action struct {
	Kind       ActionKind    `json:"kind"`
	Fact       *FactProposal `json:"fact,omitempty"`
	TargetID   string        `json:"target_id,omitempty"`
	Content    string        `json:"content,omitempty"`
	Markers    []string      `json:"markers,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// ReflectorOutput is the result of one reflector invocation. Providers emit
// either bare Proposals or typed Actions; when both are set, Actions wins.
type ReflectorOutput struct {
	Proposals []FactProposal `json:"proposals,omitempty"`
	Actions   []Action       `json:"actions,omitempty"`
}

// TraceMode distinguishes a first reflection (no prior active facts) from a
// consolidation against existing facts.
type TraceMode string

const (
	TraceInitial       TraceMode = "initial"
	TraceConsolidation TraceMode = "consolidation"
)

// ReflectionTrace is the structured record emitted once per reflection
// through the trace callback. RawOutput holds the provider response, or the
// error text on permanent failure.
type ReflectionTrace struct {
	EpisodeID         string    `json:"episode_id"`
	Mode              TraceMode `json:"mode"`
	InputTurnCount    int       `json:"input_turn_count"`
	PriorFactCount    int       `json:"prior_fact_count"`
	ScopedFactIDs     []string  `json:"scoped_fact_ids,omitempty"`
	RawOutput         string    `json:"raw_output,omitempty"`
	SavedFactIDs      []string  `json:"saved_fact_ids"`
	SupersededFactIDs []string  `json:"superseded_fact_ids,omitempty"`
	SkippedActions    int       `json:"skipped_actions,omitempty"`
	ElapsedMS         int64     `json:"elapsed_ms"`
}

// SessionStats summarizes a session's accumulated state.
type SessionStats struct {
	SessionID            string    `json:"session_id"`
	TurnCount            int       `json:"turn_count"`
	EpisodeCount         int       `json:"episode_count"`
	OpenEpisodeID        string    `json:"open_episode_id,omitempty"`
	OpenEpisodeTurnCount int       `json:"open_episode_turn_count"`
	ActiveFactCount      int       `json:"active_fact_count"`
	SupersededFactCount  int       `json:"superseded_fact_count"`
	TokensIngested       int       `json:"tokens_ingested"`
	ReflectionCount      int       `json:"reflection_count"`
	CreatedAt            time.Time `json:"created_at"`
	LastActivityAt       time.Time `json:"last_activity_at"`
}

func newTurnID() string    { return "turn_" + uuid.NewString() }
func newEpisodeID() string { return "ep_" + uuid.NewString() }
func newFactID() string    { return "fact_" + uuid.NewString() }
