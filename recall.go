package kioku

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashita-ai/kioku/internal/vec"
)

// RecallRequest parameterizes one recall query. Zero values fall back to the
// session config: TokenBudget to Recall.DefaultTokenBudget and
// CurrentEpisodePct to Recall.CurrentEpisodeBudgetPct.
type RecallRequest struct {
	Query string
	// TokenBudget bounds the summed token counts of the result.
	TokenBudget int
	// MinRelevance discards past candidates whose cosine relevance (before
	// marker boosts) falls below it.
	MinRelevance float64
	// ExcludeCurrentEpisode drops the open episode from the result.
	ExcludeCurrentEpisode bool
	// CurrentEpisodePct overrides the budget share reserved for
	// current-episode turns.
	CurrentEpisodePct float64
}

// Recall answers "what prior turns and facts are relevant to this query"
// within the token budget. Candidates come from four sources: the open
// episode, marked turns of closed episodes, active facts, and unmarked past
// turns found by vector search. Past candidates are scored by cosine
// relevance plus marker boosts and packed priority-ordered; the result lists
// facts first (descending score), then past turns (descending score), then
// current-episode turns in chronological order.
//
// Recall always returns a usable, possibly empty, result: a failed query
// embedding degrades it to the current-episode and marker paths.
func (s *Session) Recall(ctx context.Context, req RecallRequest) ([]ContextItem, error) {
	if req.Query == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if req.TokenBudget < 0 {
		return nil, &ValidationError{Field: "token_budget", Reason: "must not be negative"}
	}
	if req.CurrentEpisodePct < 0 || req.CurrentEpisodePct > 1 {
		return nil, &ValidationError{Field: "current_episode_pct", Reason: "must be in [0,1]"}
	}

	// Snapshot the open episode id; storage reads run without the lock so a
	// pending reflection never blocks recall.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if !s.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	currentEpID := s.ep.current.ID
	s.mu.Unlock()

	budget := req.TokenBudget
	if budget == 0 {
		budget = s.cfg.Recall.DefaultTokenBudget
	}
	pct := req.CurrentEpisodePct
	if pct == 0 {
		pct = s.cfg.Recall.CurrentEpisodeBudgetPct
	}

	var qv []float32
	if s.embedder != nil {
		vecs, err := s.embedTexts(ctx, []string{req.Query})
		if err != nil || len(vecs) != 1 {
			s.logger.Warn("query embedding failed, degrading to non-vector recall",
				"session_id", s.id, "error", err)
		} else {
			qv = vecs[0]
		}
	}

	// Source 1: current episode, chronological.
	var current []Turn
	if !req.ExcludeCurrentEpisode {
		var err error
		current, err = s.store.GetTurnsByEpisode(ctx, currentEpID)
		if err != nil {
			return nil, fmt.Errorf("kioku: load current episode: %w", err)
		}
	}
	inCurrent := make(map[string]bool, len(current))
	for _, t := range current {
		inCurrent[t.ID] = true
	}

	// Source 2: marked turns of closed episodes.
	marked, err := s.store.GetMarkedTurns(ctx, s.id, currentEpID)
	if err != nil {
		return nil, fmt.Errorf("kioku: load marked turns: %w", err)
	}
	var pastTurns []ContextItem
	seen := make(map[string]bool, len(marked))
	for _, t := range marked {
		if inCurrent[t.ID] || seen[t.ID] {
			continue
		}
		rel := s.relevance(ctx, qv, t.ID)
		if rel < req.MinRelevance {
			continue
		}
		seen[t.ID] = true
		pastTurns = append(pastTurns, ContextItem{
			Content:    t.Content,
			Role:       t.Role,
			Markers:    t.Markers,
			Score:      rel + s.markerBoost(t.Markers),
			TokenCount: t.TokenCount,
			SourceType: SourceTurn,
			SourceID:   t.ID,
		})
	}

	// Source 3: active facts.
	var facts []ContextItem
	if s.cfg.Reflection.Enabled {
		active, err := s.store.GetFactsBySession(ctx, s.id, FactActive)
		if err != nil {
			return nil, fmt.Errorf("kioku: load facts: %w", err)
		}
		for _, f := range active {
			rel := s.relevance(ctx, qv, f.ID)
			if rel < req.MinRelevance {
				continue
			}
			facts = append(facts, ContextItem{
				Content:    f.Content,
				Markers:    f.Markers,
				Score:      rel + s.markerBoost(f.Markers),
				TokenCount: s.counter.Count(f.Content),
				SourceType: SourceFact,
				SourceID:   f.ID,
			})
		}
	}

	// Source 4: unmarked past turns via vector search.
	var unmarked []ContextItem
	if qv != nil {
		empty := true
		matches, err := s.store.VectorSearch(ctx, qv, s.cfg.Recall.VectorSearchK, VectorFilter{
			SessionID:    s.id,
			Kind:         KindTurn,
			MarkersEmpty: &empty,
		})
		if err != nil {
			s.logger.Warn("vector search failed, continuing without unmarked candidates",
				"session_id", s.id, "error", err)
		}
		for _, m := range matches {
			if inCurrent[m.ID] || seen[m.ID] || m.Metadata.EpisodeID == currentEpID {
				continue
			}
			if m.Score < req.MinRelevance {
				continue
			}
			t, err := s.store.GetTurn(ctx, m.ID)
			if err != nil {
				continue
			}
			seen[m.ID] = true
			unmarked = append(unmarked, ContextItem{
				Content:    t.Content,
				Role:       t.Role,
				Markers:    t.Markers,
				Score:      m.Score,
				TokenCount: t.TokenCount,
				SourceType: SourceTurn,
				SourceID:   t.ID,
			})
		}
	}

	result := assembleRecall(current, pastTurns, facts, unmarked, budget, pct)

	if len(result) == 0 && (len(current)+len(pastTurns)+len(facts)+len(unmarked)) > 0 {
		s.logger.Warn("token budget too small for any candidate",
			"session_id", s.id, "budget", budget)
	}
	if sessionMetrics.recalls != nil {
		sessionMetrics.recalls.Add(ctx, 1)
	}
	return result, nil
}

// defaultRelevance scores candidates that have no stored vector. Neutral
// rather than zero, so a MinRelevance floor does not starve them out.
const defaultRelevance = 0.5

// relevance is the cosine similarity between the query vector and the stored
// embedding of id, or defaultRelevance when either is unavailable.
func (s *Session) relevance(ctx context.Context, qv []float32, id string) float64 {
	if qv == nil {
		return defaultRelevance
	}
	v, err := s.store.GetEmbedding(ctx, id)
	if err != nil {
		return defaultRelevance
	}
	return vec.Cosine(qv, v)
}

func (s *Session) markerBoost(markers []string) float64 {
	var boost float64
	for _, m := range markers {
		boost += s.cfg.markerWeight(m)
	}
	return boost
}

// assembleRecall packs candidates under the budget and orders the output.
// Packing runs in three steps: a reservation for current-episode turns,
// marked past turns by descending score until the first overflow, then facts
// and unmarked turns merged by score with oversized items skipped. Items are
// never truncated mid-content.
func assembleRecall(current []Turn, pastTurns, facts, unmarked []ContextItem, budget int, pct float64) []ContextItem {
	// Step A: current-episode reservation.
	reservation := int(pct * float64(budget))
	if reservation > budget {
		reservation = budget
	}
	selectedCurrent := packCurrentEpisode(current, reservation)
	total := 0
	for _, t := range selectedCurrent {
		total += t.TokenCount
	}

	// Step B: marked past turns, descending score, stop at first overflow.
	sort.SliceStable(pastTurns, func(i, j int) bool { return pastTurns[i].Score > pastTurns[j].Score })
	var selectedPast []ContextItem
	for _, c := range pastTurns {
		if total+c.TokenCount > budget {
			break
		}
		selectedPast = append(selectedPast, c)
		total += c.TokenCount
	}

	// Step C: facts and unmarked turns merged by score; skip what no longer
	// fits.
	rest := make([]ContextItem, 0, len(facts)+len(unmarked))
	rest = append(rest, facts...)
	rest = append(rest, unmarked...)
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].Score > rest[j].Score })
	var selectedFacts []ContextItem
	for _, c := range rest {
		if c.TokenCount > budget-total {
			continue
		}
		total += c.TokenCount
		if c.SourceType == SourceFact {
			selectedFacts = append(selectedFacts, c)
		} else {
			selectedPast = append(selectedPast, c)
		}
	}

	// Output order: facts, past turns by score, current episode
	// chronological.
	sort.SliceStable(selectedFacts, func(i, j int) bool { return selectedFacts[i].Score > selectedFacts[j].Score })
	sort.SliceStable(selectedPast, func(i, j int) bool { return selectedPast[i].Score > selectedPast[j].Score })

	out := make([]ContextItem, 0, len(selectedFacts)+len(selectedPast)+len(selectedCurrent))
	out = append(out, selectedFacts...)
	out = append(out, selectedPast...)
	for _, t := range selectedCurrent {
		out = append(out, ContextItem{
			Content:    t.Content,
			Role:       t.Role,
			Markers:    t.Markers,
			TokenCount: t.TokenCount,
			SourceType: SourceTurn,
			SourceID:   t.ID,
		})
	}
	return out
}

// packCurrentEpisode fills the current-episode reservation newest-first,
// always preferring marked turns, and returns the selection in chronological
// order.
func packCurrentEpisode(turns []Turn, reservation int) []Turn {
	if reservation <= 0 || len(turns) == 0 {
		return nil
	}

	selected := make(map[string]bool, len(turns))
	remaining := reservation

	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if len(t.Markers) == 0 {
			continue
		}
		if t.TokenCount <= remaining {
			selected[t.ID] = true
			remaining -= t.TokenCount
		}
	}
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if len(t.Markers) != 0 || t.TokenCount > remaining {
			continue
		}
		selected[t.ID] = true
		remaining -= t.TokenCount
	}

	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if selected[t.ID] {
			out = append(out, t)
		}
	}
	return out
}
