package sqlitestore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/storage/sqlitestore"
)

func newStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.New(filepath.Join(t.TempDir(), "kioku.db"))
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestTurnRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetTurn(ctx, "turn_missing")
	assert.ErrorIs(t, err, kioku.ErrNotFound)

	base := time.Date(2025, 6, 1, 9, 0, 0, 123, time.UTC)
	turn := kioku.Turn{
		ID:         "turn_1",
		SessionID:  "s1",
		EpisodeID:  "ep_1",
		Role:       kioku.RoleUser,
		Content:    "Decision: use sqlite for local runs",
		Markers:    []string{"decision"},
		TokenCount: 9,
		Position:   0,
		ActorID:    "agent-7",
		Metadata:   map[string]any{"channel": "cli"},
		CreatedAt:  base,
	}
	require.NoError(t, s.SaveTurn(ctx, turn))

	got, err := s.GetTurn(ctx, "turn_1")
	require.NoError(t, err)
	assert.Equal(t, turn.Content, got.Content)
	assert.Equal(t, turn.Markers, got.Markers)
	assert.Equal(t, turn.ActorID, got.ActorID)
	assert.Equal(t, "cli", got.Metadata["channel"])
	assert.True(t, got.CreatedAt.Equal(base), "nanosecond precision survives")

	// A markerless turn comes back with nil markers, not an empty slice.
	require.NoError(t, s.SaveTurn(ctx, kioku.Turn{
		ID: "turn_2", SessionID: "s1", EpisodeID: "ep_1", Role: kioku.RoleAssistant,
		Content: "plain", Position: 1, CreatedAt: base.Add(time.Second),
	}))
	got, err = s.GetTurn(ctx, "turn_2")
	require.NoError(t, err)
	assert.Nil(t, got.Markers)
	assert.Nil(t, got.Metadata)

	turns, err := s.GetTurnsByEpisode(ctx, "ep_1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "turn_1", turns[0].ID)

	marked, err := s.GetMarkedTurns(ctx, "s1", "ep_other")
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, "turn_1", marked[0].ID)

	marked, err = s.GetMarkedTurns(ctx, "s1", "ep_1")
	require.NoError(t, err)
	assert.Empty(t, marked)
}

func TestEpisodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	closedAt := base.Add(10 * time.Minute)
	ep := kioku.Episode{
		ID:          "ep_1",
		SessionID:   "s1",
		Status:      kioku.EpisodeClosed,
		OpenedAt:    base,
		ClosedAt:    &closedAt,
		CloseReason: "tool_result",
		TurnCount:   2,
		TotalTokens: 40,
		Markers:     []string{"decision"},
		TurnIDs:     []string{"turn_1", "turn_2"},
	}
	require.NoError(t, s.SaveEpisode(ctx, ep))
	require.NoError(t, s.SaveEpisode(ctx, kioku.Episode{
		ID: "ep_2", SessionID: "s1", Status: kioku.EpisodeOpen, OpenedAt: base.Add(time.Hour),
	}))

	got, err := s.GetEpisode(ctx, "ep_1")
	require.NoError(t, err)
	assert.Equal(t, ep.CloseReason, got.CloseReason)
	assert.Equal(t, ep.TurnIDs, got.TurnIDs)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closedAt))

	// SaveEpisode replaces the full record on conflict.
	ep.TurnCount = 3
	require.NoError(t, s.SaveEpisode(ctx, ep))
	got, err = s.GetEpisode(ctx, "ep_1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.TurnCount)

	all, err := s.GetEpisodes(ctx, "s1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ep_2", all[0].ID, "newest first")

	open, err := s.GetEpisodes(ctx, "s1", kioku.EpisodeOpen, 1)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ep_2", open[0].ID)
}

func TestFactSupersession(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveFact(ctx, kioku.Fact{
		ID: "fact_1", SessionID: "s1", SourceEpisodeIDs: []string{"ep_1"},
		Content: "old", Confidence: 0.8, Status: kioku.FactActive, CreatedAt: now,
	}))
	require.NoError(t, s.SaveFact(ctx, kioku.Fact{
		ID: "fact_2", SessionID: "s1", SourceEpisodeIDs: []string{"ep_1", "ep_2"},
		Content: "new", Confidence: 0.8, Status: kioku.FactActive, CreatedAt: now.Add(time.Second),
	}))

	assert.ErrorIs(t, s.SupersedeFact(ctx, "fact_missing", "fact_2", now), kioku.ErrNotFound)
	require.NoError(t, s.SupersedeFact(ctx, "fact_1", "fact_2", now))
	assert.ErrorIs(t, s.SupersedeFact(ctx, "fact_1", "fact_2", now), kioku.ErrFactSuperseded)

	active, err := s.GetFactsBySession(ctx, "s1", kioku.FactActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fact_2", active[0].ID)
	assert.Equal(t, []string{"ep_1", "ep_2"}, active[0].SourceEpisodeIDs)

	superseded, err := s.GetFactsBySession(ctx, "s1", kioku.FactSuperseded)
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.Equal(t, "fact_2", superseded[0].SupersededBy)
	require.NotNil(t, superseded[0].SupersededAt)
}

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.GetEmbedding(ctx, "missing")
	assert.ErrorIs(t, err, kioku.ErrNotFound)

	save := func(id string, v []float32, kind kioku.EmbeddingKind, markers []string) {
		require.NoError(t, s.SaveEmbedding(ctx, id, v, kioku.EmbeddingMetadata{
			SessionID: "s1", Kind: kind, EpisodeID: "ep_1", Markers: markers,
		}))
	}
	save("turn_a", []float32{1, 0, 0}, kioku.KindTurn, nil)
	save("turn_b", []float32{0.7, 0.7, 0}, kioku.KindTurn, []string{"goal"})
	save("fact_a", []float32{0, 1, 0}, kioku.KindFact, nil)

	// The blob encoding round-trips exactly.
	v, err := s.GetEmbedding(ctx, "turn_b")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.7, 0.7, 0}, v)

	matches, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 10, kioku.VectorFilter{
		SessionID: "s1", Kind: kioku.KindTurn,
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "turn_a", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, kioku.KindTurn, matches[0].Metadata.Kind)

	empty := true
	matches, err = s.VectorSearch(ctx, []float32{1, 0, 0}, 10, kioku.VectorFilter{
		SessionID: "s1", Kind: kioku.KindTurn, MarkersEmpty: &empty,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "turn_a", matches[0].ID)

	empty = false
	matches, err = s.VectorSearch(ctx, []float32{1, 0, 0}, 10, kioku.VectorFilter{
		SessionID: "s1", MarkersEmpty: &empty,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "turn_b", matches[0].ID)
}
