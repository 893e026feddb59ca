package kioku

import (
	"context"
	"time"
)

// Embedder turns text into fixed-dimension vectors. Implementations live in
// the embed subpackage; any provider satisfying this interface can be
// plugged in via WithEmbedder.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the width of every vector this provider produces.
	Dimension() int
}

// Reflector distills a closed episode's turns, together with scoped prior
// facts, into fact proposals or typed actions. Implementations live in the
// reflector subpackage.
type Reflector interface {
	Reflect(ctx context.Context, existing []Fact, turns []Turn) (ReflectorOutput, error)
}

// TokenCounter estimates the token cost of a string. Must be deterministic
// and return 0 only for empty input.
type TokenCounter interface {
	Count(text string) int
}

// TraceCallback receives one structured record per reflection.
type TraceCallback func(ReflectionTrace)

// Storage persists turns, episodes, facts and embeddings, and serves
// metadata-filtered vector search. Implementations must be safe for
// concurrent use and give each read call a coherent point-in-time view.
type Storage interface {
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error

	SaveTurn(ctx context.Context, turn Turn) error
	GetTurn(ctx context.Context, id string) (Turn, error)
	// GetTurnsByEpisode returns the episode's turns ordered by position.
	GetTurnsByEpisode(ctx context.Context, episodeID string) ([]Turn, error)
	// GetMarkedTurns returns every turn of the session with a non-empty
	// marker set, excluding turns of excludeEpisodeID ("" excludes none).
	GetMarkedTurns(ctx context.Context, sessionID, excludeEpisodeID string) ([]Turn, error)

	// SaveEpisode inserts or fully replaces the episode record.
	SaveEpisode(ctx context.Context, ep Episode) error
	GetEpisode(ctx context.Context, id string) (Episode, error)
	// GetEpisodes lists the session's episodes, newest first. status ""
	// matches any; limit ≤ 0 means no limit.
	GetEpisodes(ctx context.Context, sessionID string, status EpisodeStatus, limit int) ([]Episode, error)

	SaveFact(ctx context.Context, fact Fact) error
	// SupersedeFact atomically flips the target from active to superseded,
	// recording supersededBy ("" for removals) and the supersession time.
	// Returns ErrFactSuperseded if the target is not active.
	SupersedeFact(ctx context.Context, targetID, supersededBy string, at time.Time) error
	// GetFactsBySession lists the session's facts. status "" matches any.
	GetFactsBySession(ctx context.Context, sessionID string, status FactStatus) ([]Fact, error)

	SaveEmbedding(ctx context.Context, id string, vector []float32, meta EmbeddingMetadata) error
	GetEmbedding(ctx context.Context, id string) ([]float32, error)
	// VectorSearch returns up to k nearest matches descending by cosine
	// similarity, honoring every set field of the filter.
	VectorSearch(ctx context.Context, vector []float32, k int, filter VectorFilter) ([]VectorMatch, error)
}
