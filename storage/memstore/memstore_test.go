package memstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/storage/memstore"
)

func TestTurns(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.Initialize(ctx))

	_, err := s.GetTurn(ctx, "turn_missing")
	assert.ErrorIs(t, err, kioku.ErrNotFound)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	turns := []kioku.Turn{
		{ID: "turn_1", SessionID: "s1", EpisodeID: "ep_1", Role: kioku.RoleUser, Content: "first", Position: 0, CreatedAt: base},
		{ID: "turn_2", SessionID: "s1", EpisodeID: "ep_1", Role: kioku.RoleAssistant, Content: "second", Markers: []string{"decision"}, Position: 1, CreatedAt: base.Add(time.Second)},
		{ID: "turn_3", SessionID: "s1", EpisodeID: "ep_2", Role: kioku.RoleUser, Content: "third", Markers: []string{"goal"}, Position: 0, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, turn := range turns {
		require.NoError(t, s.SaveTurn(ctx, turn))
	}

	got, err := s.GetTurnsByEpisode(ctx, "ep_1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "turn_1", got[0].ID)
	assert.Equal(t, "turn_2", got[1].ID)

	// Marked turns, oldest first, current episode excluded.
	marked, err := s.GetMarkedTurns(ctx, "s1", "ep_2")
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, "turn_2", marked[0].ID)

	marked, err = s.GetMarkedTurns(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, marked, 2)
	assert.Equal(t, "turn_2", marked[0].ID)
	assert.Equal(t, "turn_3", marked[1].ID)

	// Reads are snapshots; mutating a result must not leak into the store.
	marked[0].Markers[0] = "mutated"
	again, err := s.GetTurn(ctx, "turn_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"decision"}, again.Markers)
}

func TestEpisodes(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	closedAt := base.Add(time.Minute)
	require.NoError(t, s.SaveEpisode(ctx, kioku.Episode{
		ID: "ep_1", SessionID: "s1", Status: kioku.EpisodeClosed,
		OpenedAt: base, ClosedAt: &closedAt, CloseReason: "max_turns", TurnCount: 6,
	}))
	require.NoError(t, s.SaveEpisode(ctx, kioku.Episode{
		ID: "ep_2", SessionID: "s1", Status: kioku.EpisodeOpen, OpenedAt: base.Add(time.Minute),
	}))

	_, err := s.GetEpisode(ctx, "ep_missing")
	assert.ErrorIs(t, err, kioku.ErrNotFound)

	all, err := s.GetEpisodes(ctx, "s1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ep_2", all[0].ID, "newest first")

	open, err := s.GetEpisodes(ctx, "s1", kioku.EpisodeOpen, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ep_2", open[0].ID)

	limited, err := s.GetEpisodes(ctx, "s1", "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFactSupersession(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	now := time.Now()
	require.NoError(t, s.SaveFact(ctx, kioku.Fact{
		ID: "fact_1", SessionID: "s1", Content: "old", Status: kioku.FactActive, CreatedAt: now,
	}))
	require.NoError(t, s.SaveFact(ctx, kioku.Fact{
		ID: "fact_2", SessionID: "s1", Content: "new", Status: kioku.FactActive, CreatedAt: now.Add(time.Second),
	}))

	assert.ErrorIs(t, s.SupersedeFact(ctx, "fact_missing", "fact_2", now), kioku.ErrNotFound)

	require.NoError(t, s.SupersedeFact(ctx, "fact_1", "fact_2", now))
	// The compare-and-set only wins once.
	assert.ErrorIs(t, s.SupersedeFact(ctx, "fact_1", "fact_2", now), kioku.ErrFactSuperseded)

	active, err := s.GetFactsBySession(ctx, "s1", kioku.FactActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fact_2", active[0].ID)

	superseded, err := s.GetFactsBySession(ctx, "s1", kioku.FactSuperseded)
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.Equal(t, "fact_2", superseded[0].SupersededBy)
	assert.NotNil(t, superseded[0].SupersededAt)
}

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	_, err := s.GetEmbedding(ctx, "missing")
	assert.ErrorIs(t, err, kioku.ErrNotFound)

	save := func(id string, v []float32, kind kioku.EmbeddingKind, markers []string) {
		require.NoError(t, s.SaveEmbedding(ctx, id, v, kioku.EmbeddingMetadata{
			SessionID: "s1", Kind: kind, EpisodeID: "ep_1", Markers: markers,
		}))
	}
	save("turn_a", []float32{1, 0}, kioku.KindTurn, nil)
	save("turn_b", []float32{0.9, 0.1}, kioku.KindTurn, []string{"decision"})
	save("fact_a", []float32{1, 0}, kioku.KindFact, nil)
	require.NoError(t, s.SaveEmbedding(ctx, "other", []float32{1, 0}, kioku.EmbeddingMetadata{
		SessionID: "s2", Kind: kioku.KindTurn,
	}))

	v, err := s.GetEmbedding(ctx, "turn_a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, v)

	// Session and kind filters.
	matches, err := s.VectorSearch(ctx, []float32{1, 0}, 10, kioku.VectorFilter{
		SessionID: "s1", Kind: kioku.KindTurn,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "turn_a", matches[0].ID, "descending by similarity")

	// Unmarked only.
	empty := true
	matches, err = s.VectorSearch(ctx, []float32{1, 0}, 10, kioku.VectorFilter{
		SessionID: "s1", Kind: kioku.KindTurn, MarkersEmpty: &empty,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "turn_a", matches[0].ID)

	// Marked only.
	empty = false
	matches, err = s.VectorSearch(ctx, []float32{1, 0}, 10, kioku.VectorFilter{
		SessionID: "s1", Kind: kioku.KindTurn, MarkersEmpty: &empty,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "turn_b", matches[0].ID)

	// k bounds the result.
	matches, err = s.VectorSearch(ctx, []float32{1, 0}, 1, kioku.VectorFilter{SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}
