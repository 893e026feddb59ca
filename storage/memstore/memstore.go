// Package memstore is the in-memory storage backend, intended for tests and
// development. All operations copy on the way in and out, so every read is a
// coherent snapshot.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/internal/vec"
)

type embeddingRecord struct {
	vector []float32
	meta   kioku.EmbeddingMetadata
}

// Store holds everything in process memory. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	turns      map[string]kioku.Turn
	episodes   map[string]kioku.Episode
	facts      map[string]kioku.Fact
	embeddings map[string]embeddingRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		turns:      make(map[string]kioku.Turn),
		episodes:   make(map[string]kioku.Episode),
		facts:      make(map[string]kioku.Fact),
		embeddings: make(map[string]embeddingRecord),
	}
}

func (s *Store) Initialize(context.Context) error { return nil }
func (s *Store) Close(context.Context) error      { return nil }

func (s *Store) SaveTurn(_ context.Context, turn kioku.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.ID] = copyTurn(turn)
	return nil
}

func (s *Store) GetTurn(_ context.Context, id string) (kioku.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	if !ok {
		return kioku.Turn{}, fmt.Errorf("memstore: turn %s: %w", id, kioku.ErrNotFound)
	}
	return copyTurn(t), nil
}

func (s *Store) GetTurnsByEpisode(_ context.Context, episodeID string) ([]kioku.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []kioku.Turn
	for _, t := range s.turns {
		if t.EpisodeID == episodeID {
			out = append(out, copyTurn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) GetMarkedTurns(_ context.Context, sessionID, excludeEpisodeID string) ([]kioku.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []kioku.Turn
	for _, t := range s.turns {
		if t.SessionID != sessionID || len(t.Markers) == 0 {
			continue
		}
		if excludeEpisodeID != "" && t.EpisodeID == excludeEpisodeID {
			continue
		}
		out = append(out, copyTurn(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SaveEpisode(_ context.Context, ep kioku.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[ep.ID] = copyEpisode(ep)
	return nil
}

func (s *Store) GetEpisode(_ context.Context, id string) (kioku.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return kioku.Episode{}, fmt.Errorf("memstore: episode %s: %w", id, kioku.ErrNotFound)
	}
	return copyEpisode(ep), nil
}

func (s *Store) GetEpisodes(_ context.Context, sessionID string, status kioku.EpisodeStatus, limit int) ([]kioku.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []kioku.Episode
	for _, ep := range s.episodes {
		if ep.SessionID != sessionID {
			continue
		}
		if status != "" && ep.Status != status {
			continue
		}
		out = append(out, copyEpisode(ep))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveFact(_ context.Context, fact kioku.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.ID] = copyFact(fact)
	return nil
}

func (s *Store) SupersedeFact(_ context.Context, targetID, supersededBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[targetID]
	if !ok {
		return fmt.Errorf("memstore: fact %s: %w", targetID, kioku.ErrNotFound)
	}
	if f.Status != kioku.FactActive {
		return fmt.Errorf("memstore: fact %s: %w", targetID, kioku.ErrFactSuperseded)
	}
	f.Status = kioku.FactSuperseded
	f.SupersededBy = supersededBy
	f.SupersededAt = &at
	s.facts[targetID] = f
	return nil
}

func (s *Store) GetFactsBySession(_ context.Context, sessionID string, status kioku.FactStatus) ([]kioku.Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []kioku.Fact
	for _, f := range s.facts {
		if f.SessionID != sessionID {
			continue
		}
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, copyFact(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SaveEmbedding(_ context.Context, id string, vector []float32, meta kioku.EmbeddingMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]float32, len(vector))
	copy(v, vector)
	meta.Markers = copyStrings(meta.Markers)
	s.embeddings[id] = embeddingRecord{vector: v, meta: meta}
	return nil
}

func (s *Store) GetEmbedding(_ context.Context, id string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.embeddings[id]
	if !ok {
		return nil, fmt.Errorf("memstore: embedding %s: %w", id, kioku.ErrNotFound)
	}
	v := make([]float32, len(rec.vector))
	copy(v, rec.vector)
	return v, nil
}

func (s *Store) VectorSearch(_ context.Context, vector []float32, k int, filter kioku.VectorFilter) ([]kioku.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []kioku.VectorMatch
	for id, rec := range s.embeddings {
		if filter.SessionID != "" && rec.meta.SessionID != filter.SessionID {
			continue
		}
		if filter.Kind != "" && rec.meta.Kind != filter.Kind {
			continue
		}
		if filter.MarkersEmpty != nil && (len(rec.meta.Markers) == 0) != *filter.MarkersEmpty {
			continue
		}
		out = append(out, kioku.VectorMatch{
			ID:       id,
			Score:    vec.Cosine(vector, rec.vector),
			Metadata: rec.meta,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func copyTurn(t kioku.Turn) kioku.Turn {
	t.Markers = copyStrings(t.Markers)
	if t.Metadata != nil {
		meta := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		t.Metadata = meta
	}
	return t
}

func copyEpisode(ep kioku.Episode) kioku.Episode {
	ep.Markers = copyStrings(ep.Markers)
	ep.TurnIDs = copyStrings(ep.TurnIDs)
	if ep.ClosedAt != nil {
		at := *ep.ClosedAt
		ep.ClosedAt = &at
	}
	return ep
}

func copyFact(f kioku.Fact) kioku.Fact {
	f.Markers = copyStrings(f.Markers)
	f.SourceEpisodeIDs = copyStrings(f.SourceEpisodeIDs)
	if f.SupersededAt != nil {
		at := *f.SupersededAt
		f.SupersededAt = &at
	}
	return f
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
