package kioku

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/kioku/internal/retry"
	"github.com/ashita-ai/kioku/internal/vec"
)

// enqueueReflection hands a closed episode to the per-session worker.
// Reflections run in episode-close order, one at a time.
func (s *Session) enqueueReflection(episodeID string) {
	s.qmu.Lock()
	s.queue = append(s.queue, episodeID)
	s.qcond.Signal()
	s.qmu.Unlock()
}

// reflectWorker drains the reflection queue until Close. Started by
// Initialize when a reflector is configured.
func (s *Session) reflectWorker() {
	defer close(s.workerDone)
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.stopping {
			s.qcond.Wait()
		}
		if len(s.queue) == 0 {
			s.qmu.Unlock()
			return
		}
		episodeID := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		s.runReflection(context.Background(), episodeID)
	}
}

// runReflection consolidates one closed episode into the fact store: load
// turns plus any carried-forward ones, scope prior facts by similarity to
// the episode centroid, invoke the reflector, and apply its actions with
// per-action atomicity. Failures never touch existing facts; the episode's
// turns are carried forward instead.
func (s *Session) runReflection(ctx context.Context, episodeID string) {
	start := time.Now()

	turns, err := s.store.GetTurnsByEpisode(ctx, episodeID)
	if err != nil {
		s.logger.Warn("reflection: load episode failed",
			"session_id", s.id, "episode_id", episodeID, "error", err)
		return
	}

	input := s.loadCarryTurns(ctx)
	input = append(input, turns...)

	priorActive, err := s.store.GetFactsBySession(ctx, s.id, FactActive)
	if err != nil {
		s.logger.Warn("reflection: load facts failed",
			"session_id", s.id, "episode_id", episodeID, "error", err)
		s.carryForward(turns)
		return
	}

	mode := TraceConsolidation
	if len(priorActive) == 0 {
		mode = TraceInitial
	}
	trace := ReflectionTrace{
		EpisodeID:      episodeID,
		Mode:           mode,
		InputTurnCount: len(input),
		PriorFactCount: len(priorActive),
		SavedFactIDs:   []string{},
	}

	// Too little input and nothing to consolidate: keep the turns for the
	// next eligible reflection.
	if len(input) < s.cfg.Reflection.MinEpisodeTurns && len(priorActive) == 0 {
		s.carryForward(turns)
		trace.ElapsedMS = time.Since(start).Milliseconds()
		s.emitTrace(trace)
		return
	}

	centroid := s.episodeCentroid(ctx, input)
	scoped := s.scopeFacts(ctx, priorActive, centroid)
	for _, f := range scoped {
		trace.ScopedFactIDs = append(trace.ScopedFactIDs, f.ID)
	}

	var out ReflectorOutput
	err = retry.Do(ctx, s.retryPolicy(), IsRetryable, func(ctx context.Context) error {
		var rerr error
		out, rerr = s.reflector.Reflect(ctx, scoped, input)
		return rerr
	})
	if err != nil {
		s.logger.Warn("reflection failed, carrying turns forward",
			"session_id", s.id, "episode_id", episodeID, "error", err)
		s.carryForward(turns)
		trace.RawOutput = err.Error()
		trace.ElapsedMS = time.Since(start).Milliseconds()
		s.emitTrace(trace)
		return
	}
	if raw, merr := json.Marshal(out); merr == nil {
		trace.RawOutput = string(raw)
	}

	actions := out.Actions
	if actions == nil {
		for _, p := range out.Proposals {
			p := p
			actions = append(actions, Action{Kind: ActionAdd, Fact: &p})
		}
	}

	s.applyActions(ctx, episodeID, actions, priorActive, &trace)

	if mode == TraceConsolidation {
		s.validateCoverage(scoped, actions, &trace)
	}

	s.carry = nil
	s.mu.Lock()
	s.reflectionCount++
	s.mu.Unlock()
	if sessionMetrics.reflections != nil {
		sessionMetrics.reflections.Add(ctx, 1)
	}

	trace.ElapsedMS = time.Since(start).Milliseconds()
	s.emitTrace(trace)
}

// applyActions executes reflector actions one by one. Each action is atomic
// on its own; a failing action is logged and skipped without rolling back
// the ones before it.
func (s *Session) applyActions(ctx context.Context, episodeID string, actions []Action, priorActive []Fact, trace *ReflectionTrace) {
	active := make(map[string]Fact, len(priorActive))
	for _, f := range priorActive {
		active[f.ID] = f
	}
	adds := 0

	for _, a := range actions {
		switch a.Kind {
		case ActionAdd:
			if a.Fact == nil {
				trace.SkippedActions++
				continue
			}
			if a.Fact.Confidence < s.cfg.Reflection.MinConfidence {
				s.logger.Debug("reflection: low-confidence proposal dropped",
					"session_id", s.id, "confidence", a.Fact.Confidence)
				trace.SkippedActions++
				continue
			}
			if adds >= s.cfg.Reflection.MaxFactsPerEpisode {
				trace.SkippedActions++
				continue
			}
			if id := s.addFact(ctx, episodeID, *a.Fact, active); id != "" {
				trace.SavedFactIDs = append(trace.SavedFactIDs, id)
				adds++
			} else {
				trace.SkippedActions++
			}

		case ActionUpdate:
			newID, oldID := s.updateFact(ctx, episodeID, a, active)
			if newID == "" {
				trace.SkippedActions++
				continue
			}
			trace.SavedFactIDs = append(trace.SavedFactIDs, newID)
			trace.SupersededFactIDs = append(trace.SupersededFactIDs, oldID)

		case ActionRemove:
			if err := s.store.SupersedeFact(ctx, a.TargetID, "", s.now()); err != nil {
				s.logger.Warn("reflection: remove skipped",
					"session_id", s.id, "fact_id", a.TargetID, "error", err)
				trace.SkippedActions++
				continue
			}
			delete(active, a.TargetID)
			trace.SupersededFactIDs = append(trace.SupersededFactIDs, a.TargetID)
			if sessionMetrics.superseded != nil {
				sessionMetrics.superseded.Add(ctx, 1)
			}

		case ActionKeep:
			// No-op; counted for coverage only.

		default:
			trace.SkippedActions++
		}
	}
}

// addFact persists a new active fact unless it duplicates an existing one.
// Returns the new fact id, or "" when the proposal was discarded or failed.
func (s *Session) addFact(ctx context.Context, episodeID string, p FactProposal, active map[string]Fact) string {
	fvec := s.factVector(ctx, p.Content)
	if fvec != nil {
		for id := range active {
			ev, err := s.store.GetEmbedding(ctx, id)
			if err != nil {
				continue
			}
			if vec.Cosine(fvec, ev) >= s.cfg.Reflection.DedupSimilarityThreshold {
				s.logger.Debug("reflection: duplicate fact discarded",
					"session_id", s.id, "duplicate_of", id)
				return ""
			}
		}
	}

	fact := Fact{
		ID:               newFactID(),
		SessionID:        s.id,
		SourceEpisodeIDs: []string{episodeID},
		Content:          p.Content,
		Markers:          mergeMarkers(p.Markers, nil),
		Confidence:       p.Confidence,
		Status:           FactActive,
		CreatedAt:        s.now(),
	}
	if err := s.store.SaveFact(ctx, fact); err != nil {
		s.logger.Warn("reflection: save fact failed", "session_id", s.id, "error", err)
		return ""
	}
	if fvec != nil {
		meta := EmbeddingMetadata{SessionID: s.id, Kind: KindFact, EpisodeID: episodeID, Markers: fact.Markers}
		if err := s.store.SaveEmbedding(ctx, fact.ID, fvec, meta); err != nil {
			s.logger.Warn("reflection: save fact embedding failed",
				"session_id", s.id, "fact_id", fact.ID, "error", err)
		}
	}
	active[fact.ID] = fact
	return fact.ID
}

// updateFact supersedes the target with a replacement fact. The
// compare-and-set runs first: when the target is already superseded the
// replacement is never persisted.
func (s *Session) updateFact(ctx context.Context, episodeID string, a Action, active map[string]Fact) (newID, oldID string) {
	target, known := active[a.TargetID]
	newID = newFactID()

	if err := s.store.SupersedeFact(ctx, a.TargetID, newID, s.now()); err != nil {
		if errors.Is(err, ErrFactSuperseded) || errors.Is(err, ErrNotFound) {
			s.logger.Warn("reflection: stale update target, skipped",
				"session_id", s.id, "fact_id", a.TargetID, "error", err)
		} else {
			s.logger.Warn("reflection: supersede failed",
				"session_id", s.id, "fact_id", a.TargetID, "error", err)
		}
		return "", ""
	}

	sources := []string{episodeID}
	confidence := a.Confidence
	if known {
		sources = append(append([]string{}, target.SourceEpisodeIDs...), episodeID)
		if confidence == 0 {
			confidence = target.Confidence
		}
	}
	fact := Fact{
		ID:               newID,
		SessionID:        s.id,
		SourceEpisodeIDs: sources,
		Content:          a.Content,
		Markers:          mergeMarkers(a.Markers, nil),
		Confidence:       confidence,
		Status:           FactActive,
		CreatedAt:        s.now(),
	}
	if err := s.store.SaveFact(ctx, fact); err != nil {
		s.logger.Warn("reflection: save replacement fact failed",
			"session_id", s.id, "fact_id", newID, "error", err)
		return "", ""
	}
	if fvec := s.factVector(ctx, fact.Content); fvec != nil {
		meta := EmbeddingMetadata{SessionID: s.id, Kind: KindFact, EpisodeID: episodeID, Markers: fact.Markers}
		if err := s.store.SaveEmbedding(ctx, fact.ID, fvec, meta); err != nil {
			s.logger.Warn("reflection: save fact embedding failed",
				"session_id", s.id, "fact_id", fact.ID, "error", err)
		}
	}

	delete(active, a.TargetID)
	active[fact.ID] = fact
	if sessionMetrics.superseded != nil {
		sessionMetrics.superseded.Add(ctx, 1)
	}
	return newID, a.TargetID
}

func (s *Session) factVector(ctx context.Context, content string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vecs, err := s.embedTexts(ctx, []string{content})
	if err != nil || len(vecs) != 1 {
		s.logger.Warn("reflection: fact embedding failed", "session_id", s.id, "error", err)
		return nil
	}
	return vecs[0]
}

// episodeCentroid averages the stored turn embeddings. When none exist it
// falls back to embedding the concatenated turn contents.
func (s *Session) episodeCentroid(ctx context.Context, turns []Turn) []float32 {
	var vectors [][]float32
	for _, t := range turns {
		if v, err := s.store.GetEmbedding(ctx, t.ID); err == nil {
			vectors = append(vectors, v)
		}
	}
	if len(vectors) > 0 {
		return vec.Centroid(vectors)
	}
	if s.embedder == nil || len(turns) == 0 {
		return nil
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Content)
	}
	vecs, err := s.embedTexts(ctx, []string{b.String()})
	if err != nil || len(vecs) != 1 {
		return nil
	}
	return vecs[0]
}

// scopeFacts selects the prior active facts most similar to the episode
// centroid, top-N above the consolidation threshold.
func (s *Session) scopeFacts(ctx context.Context, priorActive []Fact, centroid []float32) []Fact {
	if centroid == nil || len(priorActive) == 0 {
		return nil
	}

	type scored struct {
		fact Fact
		sim  float64
	}
	var hits []scored
	for _, f := range priorActive {
		fv, err := s.store.GetEmbedding(ctx, f.ID)
		if err != nil {
			continue
		}
		if sim := vec.Cosine(centroid, fv); sim >= s.cfg.Reflection.ConsolidationSimilarityThreshold {
			hits = append(hits, scored{fact: f, sim: sim})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].sim > hits[j].sim })
	if len(hits) > s.cfg.Reflection.MaxScopedFacts {
		hits = hits[:s.cfg.Reflection.MaxScopedFacts]
	}

	out := make([]Fact, len(hits))
	for i, h := range hits {
		out[i] = h.fact
	}
	return out
}

// loadCarryTurns resolves the carry-forward buffer into turns, dropping ids
// that no longer resolve.
func (s *Session) loadCarryTurns(ctx context.Context) []Turn {
	if len(s.carry) == 0 {
		return nil
	}
	out := make([]Turn, 0, len(s.carry))
	for _, id := range s.carry {
		t, err := s.store.GetTurn(ctx, id)
		if err != nil {
			s.logger.Warn("reflection: carried turn missing", "session_id", s.id, "turn_id", id)
			continue
		}
		out = append(out, t)
	}
	return out
}

// carryForward queues the turns for the next eligible reflection. No turn of
// a closed episode is dropped silently.
func (s *Session) carryForward(turns []Turn) {
	for _, t := range turns {
		s.carry = append(s.carry, t.ID)
	}
}
