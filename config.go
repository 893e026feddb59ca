package kioku

import (
	"fmt"
	"regexp"
	"time"
)

// Config holds every tunable of a session. Zero values are not usable
// directly; start from DefaultConfig and override fields.
type Config struct {
	// AutoDetectMarkers enables pattern-based marker detection on ingest.
	// Explicit markers are always honored.
	AutoDetectMarkers bool
	// MarkerWeights maps marker tags to recall score boosts. The special
	// key "custom:*" covers every custom:<label> tag.
	MarkerWeights map[string]float64
	// MaxContentLength bounds the content of a single turn, in runes.
	MaxContentLength int

	Boundary   EpisodeBoundaryConfig
	Recall     RecallConfig
	Reflection ReflectionConfig
	Retry      RetryConfig
	Cache      CacheConfig
}

// EpisodeBoundaryConfig controls when the open episode closes.
type EpisodeBoundaryConfig struct {
	// MaxTurns closes the episode once it holds this many turns.
	MaxTurns int
	// MaxTimeGap closes the episode when a new turn arrives this long
	// after the previous one. Evaluated before the new turn is appended,
	// so the new turn opens the next episode.
	MaxTimeGap time.Duration
	// CloseOnToolResult closes the episode after appending a tool turn.
	CloseOnToolResult bool
	// ClosePatterns are regexes matched against incoming turn content;
	// a match closes the episode after the turn is appended.
	ClosePatterns []string
}

// RecallConfig controls candidate gathering and budget packing.
type RecallConfig struct {
	// DefaultTokenBudget applies when a recall request leaves the budget 0.
	DefaultTokenBudget int
	// CurrentEpisodeBudgetPct in [0,1] is the share of the budget reserved
	// for current-episode turns.
	CurrentEpisodeBudgetPct float64
	// VectorSearchK is the number of unmarked past turns fetched from the
	// vector index per recall.
	VectorSearchK int
}

// ReflectionConfig controls fact distillation on episode close.
type ReflectionConfig struct {
	Enabled bool
	// MinEpisodeTurns is the minimum reflection input size; shorter
	// episodes are carried forward into the next reflection.
	MinEpisodeTurns int
	// MaxFactsPerEpisode caps applied add actions per reflection.
	MaxFactsPerEpisode int
	// MinConfidence discards proposals below this confidence.
	MinConfidence float64
	// ConsolidationSimilarityThreshold scopes prior facts by cosine
	// similarity to the episode centroid.
	ConsolidationSimilarityThreshold float64
	// MaxScopedFacts bounds the scoped prior-fact set, top-N by similarity.
	MaxScopedFacts int
	// DedupSimilarityThreshold discards new facts whose embedding is this
	// close to an existing active fact.
	DedupSimilarityThreshold float64
}

// RetryConfig shapes the exponential backoff applied to provider calls.
type RetryConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	// Jitter is the randomization factor applied to each delay, in [0,1).
	Jitter float64
}

// CacheConfig sizes the optional write-through LRU in front of storage.
type CacheConfig struct {
	Enabled           bool
	TurnCapacity      int
	EpisodeCapacity   int
	EmbeddingCapacity int
	FactCapacity      int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AutoDetectMarkers: true,
		MarkerWeights:     DefaultMarkerWeights(),
		MaxContentLength:  100_000,
		Boundary: EpisodeBoundaryConfig{
			MaxTurns:          6,
			MaxTimeGap:        30 * time.Minute,
			CloseOnToolResult: true,
			ClosePatterns:     nil,
		},
		Recall: RecallConfig{
			DefaultTokenBudget:      4000,
			CurrentEpisodeBudgetPct: 0.4,
			VectorSearchK:           10,
		},
		Reflection: ReflectionConfig{
			Enabled:                          true,
			MinEpisodeTurns:                  3,
			MaxFactsPerEpisode:               5,
			MinConfidence:                    0.7,
			ConsolidationSimilarityThreshold: 0.3,
			MaxScopedFacts:                   20,
			DedupSimilarityThreshold:         0.95,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelay:       500 * time.Millisecond,
			MaxDelay:        30 * time.Second,
			ExponentialBase: 2.0,
			Jitter:          0.1,
		},
		Cache: CacheConfig{
			Enabled:           false,
			TurnCapacity:      512,
			EpisodeCapacity:   64,
			EmbeddingCapacity: 512,
			FactCapacity:      256,
		},
	}
}

// Validate checks every recognized option and returns a ConfigError for the
// first violation.
func (c Config) Validate() error {
	if c.MaxContentLength <= 0 {
		return &ConfigError{Option: "max_content_length", Reason: "must be positive"}
	}
	for tag, w := range c.MarkerWeights {
		if tag != customWeightKey && !validMarker(tag) {
			return &ConfigError{Option: "marker_weights", Reason: fmt.Sprintf("unknown marker %q", tag)}
		}
		if w < 0 {
			return &ConfigError{Option: "marker_weights", Reason: fmt.Sprintf("negative weight for %q", tag)}
		}
	}
	if c.Boundary.MaxTurns <= 0 {
		return &ConfigError{Option: "max_turns_per_episode", Reason: "must be positive"}
	}
	if c.Boundary.MaxTimeGap <= 0 {
		return &ConfigError{Option: "max_time_gap_seconds", Reason: "must be positive"}
	}
	for _, p := range c.Boundary.ClosePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return &ConfigError{Option: "close_on_patterns", Reason: fmt.Sprintf("invalid regex %q: %v", p, err)}
		}
	}
	if c.Recall.DefaultTokenBudget <= 0 {
		return &ConfigError{Option: "default_token_budget", Reason: "must be positive"}
	}
	if c.Recall.CurrentEpisodeBudgetPct < 0 || c.Recall.CurrentEpisodeBudgetPct > 1 {
		return &ConfigError{Option: "current_episode_budget_pct", Reason: "must be in [0,1]"}
	}
	if c.Recall.VectorSearchK <= 0 {
		return &ConfigError{Option: "vector_search_k", Reason: "must be positive"}
	}
	if c.Reflection.MinEpisodeTurns < 1 {
		return &ConfigError{Option: "min_episode_turns", Reason: "must be at least 1"}
	}
	if c.Reflection.MaxFactsPerEpisode <= 0 {
		return &ConfigError{Option: "max_facts_per_episode", Reason: "must be positive"}
	}
	if c.Reflection.MinConfidence < 0 || c.Reflection.MinConfidence > 1 {
		return &ConfigError{Option: "min_confidence", Reason: "must be in [0,1]"}
	}
	if c.Reflection.ConsolidationSimilarityThreshold < -1 || c.Reflection.ConsolidationSimilarityThreshold > 1 {
		return &ConfigError{Option: "consolidation_similarity_threshold", Reason: "must be in [-1,1]"}
	}
	if c.Reflection.DedupSimilarityThreshold < -1 || c.Reflection.DedupSimilarityThreshold > 1 {
		return &ConfigError{Option: "dedup_similarity_threshold", Reason: "must be in [-1,1]"}
	}
	if c.Reflection.MaxScopedFacts <= 0 {
		return &ConfigError{Option: "max_scoped_facts", Reason: "must be positive"}
	}
	if c.Retry.MaxAttempts < 1 {
		return &ConfigError{Option: "max_attempts", Reason: "must be at least 1"}
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return &ConfigError{Option: "retry delays", Reason: "base_delay must be positive and max_delay >= base_delay"}
	}
	if c.Retry.ExponentialBase < 1 {
		return &ConfigError{Option: "exponential_base", Reason: "must be >= 1"}
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return &ConfigError{Option: "jitter", Reason: "must be in [0,1)"}
	}
	if c.Cache.Enabled {
		if c.Cache.TurnCapacity <= 0 || c.Cache.EpisodeCapacity <= 0 ||
			c.Cache.EmbeddingCapacity <= 0 || c.Cache.FactCapacity <= 0 {
			return &ConfigError{Option: "cache capacities", Reason: "must be positive when cache is enabled"}
		}
	}
	return nil
}

// markerWeight resolves the boost for one marker tag, falling back to the
// custom:* weight for custom tags.
func (c Config) markerWeight(tag string) float64 {
	if w, ok := c.MarkerWeights[tag]; ok {
		return w
	}
	if isCustomMarker(tag) {
		return c.MarkerWeights[customWeightKey]
	}
	return 0
}
