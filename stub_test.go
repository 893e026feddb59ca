package kioku

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// stubStore is a minimal in-package Storage for unit tests of components
// that sit above the backend. The real backends have their own test suites.
type stubStore struct {
	mu         sync.Mutex
	turns      map[string]Turn
	episodes   map[string]Episode
	facts      map[string]Fact
	embeddings map[string][]float32
	meta       map[string]EmbeddingMetadata

	// Per-method call counters, keyed by method name.
	calls map[string]int

	failSaveTurn bool
}

func newStubStore() *stubStore {
	return &stubStore{
		turns:      make(map[string]Turn),
		episodes:   make(map[string]Episode),
		facts:      make(map[string]Fact),
		embeddings: make(map[string][]float32),
		meta:       make(map[string]EmbeddingMetadata),
		calls:      make(map[string]int),
	}
}

func (s *stubStore) count(method string) {
	s.mu.Lock()
	s.calls[method]++
	s.mu.Unlock()
}

func (s *stubStore) Initialize(context.Context) error { s.count("Initialize"); return nil }
func (s *stubStore) Close(context.Context) error      { s.count("Close"); return nil }

func (s *stubStore) SaveTurn(_ context.Context, t Turn) error {
	s.count("SaveTurn")
	if s.failSaveTurn {
		return fmt.Errorf("stub: save turn refused")
	}
	s.mu.Lock()
	s.turns[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *stubStore) GetTurn(_ context.Context, id string) (Turn, error) {
	s.count("GetTurn")
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[id]
	if !ok {
		return Turn{}, fmt.Errorf("stub: turn %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *stubStore) GetTurnsByEpisode(_ context.Context, episodeID string) ([]Turn, error) {
	s.count("GetTurnsByEpisode")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Turn
	for _, t := range s.turns {
		if t.EpisodeID == episodeID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *stubStore) GetMarkedTurns(_ context.Context, sessionID, excludeEpisodeID string) ([]Turn, error) {
	s.count("GetMarkedTurns")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Turn
	for _, t := range s.turns {
		if t.SessionID != sessionID || len(t.Markers) == 0 {
			continue
		}
		if excludeEpisodeID != "" && t.EpisodeID == excludeEpisodeID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *stubStore) SaveEpisode(_ context.Context, ep Episode) error {
	s.count("SaveEpisode")
	s.mu.Lock()
	s.episodes[ep.ID] = ep
	s.mu.Unlock()
	return nil
}

func (s *stubStore) GetEpisode(_ context.Context, id string) (Episode, error) {
	s.count("GetEpisode")
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return Episode{}, fmt.Errorf("stub: episode %s: %w", id, ErrNotFound)
	}
	return ep, nil
}

func (s *stubStore) GetEpisodes(_ context.Context, sessionID string, status EpisodeStatus, limit int) ([]Episode, error) {
	s.count("GetEpisodes")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Episode
	for _, ep := range s.episodes {
		if ep.SessionID != sessionID {
			continue
		}
		if status != "" && ep.Status != status {
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubStore) SaveFact(_ context.Context, f Fact) error {
	s.count("SaveFact")
	s.mu.Lock()
	s.facts[f.ID] = f
	s.mu.Unlock()
	return nil
}

func (s *stubStore) SupersedeFact(_ context.Context, targetID, supersededBy string, at time.Time) error {
	s.count("SupersedeFact")
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[targetID]
	if !ok {
		return fmt.Errorf("stub: fact %s: %w", targetID, ErrNotFound)
	}
	if f.Status != FactActive {
		return fmt.Errorf("stub: fact %s: %w", targetID, ErrFactSuperseded)
	}
	f.Status = FactSuperseded
	f.SupersededBy = supersededBy
	f.SupersededAt = &at
	s.facts[targetID] = f
	return nil
}

func (s *stubStore) GetFactsBySession(_ context.Context, sessionID string, status FactStatus) ([]Fact, error) {
	s.count("GetFactsBySession")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Fact
	for _, f := range s.facts {
		if f.SessionID != sessionID {
			continue
		}
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *stubStore) SaveEmbedding(_ context.Context, id string, vector []float32, meta EmbeddingMetadata) error {
	s.count("SaveEmbedding")
	s.mu.Lock()
	s.embeddings[id] = vector
	s.meta[id] = meta
	s.mu.Unlock()
	return nil
}

func (s *stubStore) GetEmbedding(_ context.Context, id string) ([]float32, error) {
	s.count("GetEmbedding")
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.embeddings[id]
	if !ok {
		return nil, fmt.Errorf("stub: embedding %s: %w", id, ErrNotFound)
	}
	return v, nil
}

func (s *stubStore) VectorSearch(_ context.Context, vector []float32, k int, filter VectorFilter) ([]VectorMatch, error) {
	s.count("VectorSearch")
	return nil, nil
}
