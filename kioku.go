// Package kioku is a session-scoped memory layer for conversational agents.
//
// A Session observes every turn of one agent conversation, groups related
// turns into episodes, distills closed episodes into durable facts through a
// pluggable reflector, and answers token-budgeted recall queries over the
// accumulated history:
//
//	store := memstore.New()
//	sess, err := kioku.New("sess-42", store,
//	    kioku.WithEmbedder(embed.NewOllamaProvider(url, model, dims)),
//	    kioku.WithReflector(reflector.NewAnthropic(apiKey)),
//	    kioku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := sess.Initialize(ctx); err != nil { ... }
//	turnID, err := sess.Ingest(ctx, kioku.TurnInput{Role: kioku.RoleUser, Content: "..."})
//	items, err := sess.Recall(ctx, kioku.RecallRequest{Query: "..."})
//	defer sess.Close(ctx)
//
// The import graph enforces a strict no-cycle rule: kioku (root) imports
// internal/*, while the storage, embed and reflector subpackages import
// kioku and are injected by the caller.
package kioku

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kioku/internal/retry"
	"github.com/ashita-ai/kioku/internal/telemetry"
)

// TurnInput is one message event handed to Ingest. Markers beyond the
// auto-detected set, the acting agent id and free-form metadata are optional
// pass-through fields.
type TurnInput struct {
	Role     Role
	Content  string
	Markers  []string
	ActorID  string
	Metadata map[string]any
}

// Session is the per-conversation facade. Construct with New, prepare with
// Initialize, release with Close. One conversation per Session; methods are
// safe for concurrent use.
type Session struct {
	id        string
	cfg       Config
	store     Storage
	embedder  Embedder
	reflector Reflector
	counter   TokenCounter
	logger    *slog.Logger
	now       func() time.Time

	mu              sync.Mutex
	initialized     bool
	closed          bool
	ep              *episodeManager
	lastCreatedAt   time.Time
	createdAt       time.Time
	lastActivityAt  time.Time
	turnCount       int
	tokensIngested  int
	reflectionCount int

	traceMu sync.Mutex
	trace   TraceCallback

	qmu        sync.Mutex
	qcond      *sync.Cond
	queue      []string
	stopping   bool
	workerDone chan struct{}

	// carry holds turn ids awaiting a future reflection. Touched only by
	// the reflection worker goroutine.
	carry []string
}

// New builds a Session over the given storage backend. The backend's
// lifetime belongs to the caller; Close does not close it.
func New(sessionID string, store Storage, opts ...Option) (*Session, error) {
	if sessionID == "" {
		return nil, &ValidationError{Field: "session_id", Reason: "must not be empty"}
	}
	if store == nil {
		return nil, &ValidationError{Field: "storage", Reason: "must not be nil"}
	}

	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	cfg := DefaultConfig()
	if o.cfg != nil {
		cfg = *o.cfg
	}
	if cfg.MarkerWeights == nil {
		cfg.MarkerWeights = DefaultMarkerWeights()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	counter := o.counter
	if counter == nil {
		counter = heuristicCounter{}
	}
	now := o.now
	if now == nil {
		now = time.Now
	}

	if cfg.Cache.Enabled {
		store = newCachedStorage(store, cfg.Cache)
	}

	ep, err := newEpisodeManager(sessionID, cfg.Boundary, store, logger)
	if err != nil {
		return nil, err
	}

	sessionMetricsOnce.Do(initSessionMetrics)

	s := &Session{
		id:        sessionID,
		cfg:       cfg,
		store:     store,
		embedder:  o.embedder,
		reflector: o.reflector,
		counter:   counter,
		logger:    logger,
		now:       now,
		ep:        ep,
		trace:     o.trace,
	}
	s.qcond = sync.NewCond(&s.qmu)
	return s, nil
}

// Initialize prepares storage and guarantees the session has an open
// episode. Idempotent; must be called before Ingest, Recall or CloseEpisode.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.initialized {
		return nil
	}

	if err := s.store.Initialize(ctx); err != nil {
		return fmt.Errorf("kioku: initialize storage: %w", err)
	}
	now := s.now()
	if err := s.ep.ensureOpen(ctx, now); err != nil {
		return fmt.Errorf("kioku: %w", err)
	}

	s.createdAt = now
	s.lastActivityAt = now
	s.initialized = true

	if s.reflectionEnabled() {
		s.workerDone = make(chan struct{})
		go s.reflectWorker()
	}

	s.logger.Debug("session initialized", "session_id", s.id, "episode_id", s.ep.current.ID)
	return nil
}

// Ingest validates and records one turn: markers are detected and merged,
// tokens counted, the turn assigned to the open episode (closing it when a
// boundary rule fires), persisted, embedded, and any episode close handed to
// the reflection queue. Returns the new turn id.
//
// Embedding failures do not fail the ingest; the turn stays retrievable via
// the current-episode and marker paths and is logged as vectorless.
func (s *Session) Ingest(ctx context.Context, in TurnInput) (string, error) {
	switch in.Role {
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", in.Role)}
	}
	if in.Content == "" {
		return "", &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(in.Content) > s.cfg.MaxContentLength {
		return "", &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d characters", s.cfg.MaxContentLength)}
	}
	for _, tag := range in.Markers {
		if !validMarker(tag) {
			return "", &ValidationError{Field: "markers", Reason: fmt.Sprintf("malformed tag %q", tag)}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if !s.initialized {
		return "", ErrNotInitialized
	}

	markers := in.Markers
	if s.cfg.AutoDetectMarkers {
		markers = mergeMarkers(in.Markers, detectMarkers(in.Content))
	} else {
		markers = mergeMarkers(in.Markers, nil)
	}

	turn := Turn{
		ID:         newTurnID(),
		SessionID:  s.id,
		Role:       in.Role,
		Content:    in.Content,
		Markers:    markers,
		TokenCount: s.counter.Count(in.Content),
		ActorID:    in.ActorID,
		Metadata:   in.Metadata,
		CreatedAt:  s.nextTimestamp(),
	}

	gapClosed, err := s.ep.assignTarget(ctx, &turn)
	if err != nil {
		return "", fmt.Errorf("kioku: assign episode: %w", err)
	}
	// A gap close is already persisted at this point; queue its reflection
	// before the fallible save path so the trigger cannot be lost.
	if gapClosed != "" && s.reflectionEnabled() {
		s.enqueueReflection(gapClosed)
	}

	if err := s.store.SaveTurn(ctx, turn); err != nil {
		return "", fmt.Errorf("kioku: save turn: %w", err)
	}

	boundaryClosed, err := s.ep.commitTurn(ctx, turn)
	if err != nil {
		return "", fmt.Errorf("kioku: %w", err)
	}

	s.embedTurn(ctx, turn)

	s.turnCount++
	s.tokensIngested += turn.TokenCount
	s.lastActivityAt = turn.CreatedAt
	if sessionMetrics.turns != nil {
		sessionMetrics.turns.Add(ctx, 1)
	}

	if boundaryClosed != "" && s.reflectionEnabled() {
		s.enqueueReflection(boundaryClosed)
	}
	return turn.ID, nil
}

// embedTurn awaits the embedding for a freshly persisted turn. Permanent
// provider failure is swallowed: the turn simply never appears in vector
// search results.
func (s *Session) embedTurn(ctx context.Context, turn Turn) {
	if s.embedder == nil {
		return
	}
	vecs, err := s.embedTexts(ctx, []string{turn.Content})
	if err != nil || len(vecs) != 1 {
		s.logger.Warn("turn embedding failed, stored without vector",
			"session_id", s.id, "turn_id", turn.ID, "error", err)
		return
	}
	meta := EmbeddingMetadata{
		SessionID: s.id,
		Kind:      KindTurn,
		EpisodeID: turn.EpisodeID,
		Markers:   turn.Markers,
	}
	if err := s.store.SaveEmbedding(ctx, turn.ID, vecs[0], meta); err != nil {
		s.logger.Warn("embedding persist failed, stored without vector",
			"session_id", s.id, "turn_id", turn.ID, "error", err)
	}
}

// embedTexts calls the embedder under the configured retry policy.
func (s *Session) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := retry.Do(ctx, s.retryPolicy(), IsRetryable, func(ctx context.Context) error {
		v, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (s *Session) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: s.cfg.Retry.MaxAttempts,
		BaseDelay:   s.cfg.Retry.BaseDelay,
		MaxDelay:    s.cfg.Retry.MaxDelay,
		Multiplier:  s.cfg.Retry.ExponentialBase,
		Jitter:      s.cfg.Retry.Jitter,
	}
}

// CloseEpisode force-closes the open episode, queues it for reflection and
// opens a new one. Returns the closed episode id, or "" when the open
// episode had no turns and was left as is.
func (s *Session) CloseEpisode(ctx context.Context, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if !s.initialized {
		return "", ErrNotInitialized
	}

	closedID, err := s.ep.forceClose(ctx, reason, s.nextTimestamp())
	if err != nil {
		return "", fmt.Errorf("kioku: %w", err)
	}
	if closedID != "" && s.reflectionEnabled() {
		s.enqueueReflection(closedID)
	}
	return closedID, nil
}

// Stats reports the session's accumulated counts.
func (s *Session) Stats(ctx context.Context) (SessionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return SessionStats{}, ErrClosed
	}
	if !s.initialized {
		return SessionStats{}, ErrNotInitialized
	}

	episodes, err := s.store.GetEpisodes(ctx, s.id, "", 0)
	if err != nil {
		return SessionStats{}, fmt.Errorf("kioku: list episodes: %w", err)
	}
	active, err := s.store.GetFactsBySession(ctx, s.id, FactActive)
	if err != nil {
		return SessionStats{}, fmt.Errorf("kioku: list facts: %w", err)
	}
	superseded, err := s.store.GetFactsBySession(ctx, s.id, FactSuperseded)
	if err != nil {
		return SessionStats{}, fmt.Errorf("kioku: list facts: %w", err)
	}

	return SessionStats{
		SessionID:            s.id,
		TurnCount:            s.turnCount,
		EpisodeCount:         len(episodes),
		OpenEpisodeID:        s.ep.current.ID,
		OpenEpisodeTurnCount: s.ep.current.TurnCount,
		ActiveFactCount:      len(active),
		SupersededFactCount:  len(superseded),
		TokensIngested:       s.tokensIngested,
		ReflectionCount:      s.reflectionCount,
		CreatedAt:            s.createdAt,
		LastActivityAt:       s.lastActivityAt,
	}, nil
}

// SetTraceCallback installs or replaces the reflection trace sink. A nil fn
// removes it.
func (s *Session) SetTraceCallback(fn TraceCallback) {
	s.traceMu.Lock()
	s.trace = fn
	s.traceMu.Unlock()
}

func (s *Session) emitTrace(t ReflectionTrace) {
	s.traceMu.Lock()
	fn := s.trace
	s.traceMu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// Close stops intake, drains queued reflections and waits for the worker.
// The storage backend stays open; it belongs to the caller.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workerDone := s.workerDone
	s.mu.Unlock()

	if workerDone != nil {
		s.qmu.Lock()
		s.stopping = true
		s.qcond.Broadcast()
		s.qmu.Unlock()

		select {
		case <-workerDone:
		case <-ctx.Done():
			return fmt.Errorf("kioku: close: %w", ctx.Err())
		}
	}

	s.logger.Debug("session closed", "session_id", s.id)
	return nil
}

// nextTimestamp returns a strictly increasing creation time for this
// session, bumping by a nanosecond when the clock has not advanced.
func (s *Session) nextTimestamp() time.Time {
	t := s.now()
	if !t.After(s.lastCreatedAt) {
		t = s.lastCreatedAt.Add(time.Nanosecond)
	}
	s.lastCreatedAt = t
	return t
}

func (s *Session) reflectionEnabled() bool {
	return s.reflector != nil && s.cfg.Reflection.Enabled
}

// sessionMetrics holds lazily-initialized OTel instruments shared by every
// session in the process.
var sessionMetrics struct {
	turns       metric.Int64Counter
	recalls     metric.Int64Counter
	reflections metric.Int64Counter
	superseded  metric.Int64Counter
}

var sessionMetricsOnce sync.Once

func initSessionMetrics() {
	m := telemetry.Meter("github.com/ashita-ai/kioku")
	sessionMetrics.turns, _ = m.Int64Counter("kioku.turns_ingested",
		metric.WithDescription("Turns accepted by Ingest"),
		metric.WithUnit("{turn}"),
	)
	sessionMetrics.recalls, _ = m.Int64Counter("kioku.recalls",
		metric.WithDescription("Recall queries served"),
		metric.WithUnit("{query}"),
	)
	sessionMetrics.reflections, _ = m.Int64Counter("kioku.reflections",
		metric.WithDescription("Reflection runs completed"),
		metric.WithUnit("{run}"),
	)
	sessionMetrics.superseded, _ = m.Int64Counter("kioku.facts_superseded",
		metric.WithDescription("Facts superseded by reflection"),
		metric.WithUnit("{fact}"),
	)
}
