package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kioku"
	"github.com/ashita-ai/kioku/internal/testutil"
	"github.com/ashita-ai/kioku/storage/pgstore"
)

// Integration tests; they need a PostgreSQL instance with the pgvector
// extension available:
//
//	KIOKU_TEST_DATABASE_URL=postgres://localhost:5432/kioku_test go test ./storage/pgstore/
func newStore(t *testing.T) *pgstore.Store {
	t.Helper()
	url := os.Getenv("KIOKU_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("KIOKU_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := pgstore.New(ctx, url, testutil.TestLogger())
	require.NoError(t, err)
	require.NoError(t, s.Initialize(ctx))
	t.Cleanup(func() { _ = s.Close(ctx) })
	return s
}

// sessionID is unique per run so tests can share a database.
func sessionID() string { return "sess-" + uuid.NewString() }

func TestTurnRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid := sessionID()

	_, err := s.GetTurn(ctx, "turn_missing")
	assert.ErrorIs(t, err, kioku.ErrNotFound)

	turn := kioku.Turn{
		ID:         "turn_" + uuid.NewString(),
		SessionID:  sid,
		EpisodeID:  "ep_" + uuid.NewString(),
		Role:       kioku.RoleUser,
		Content:    "Decision: postgres in production",
		Markers:    []string{"decision"},
		TokenCount: 8,
		Metadata:   map[string]any{"channel": "cli"},
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, s.SaveTurn(ctx, turn))

	got, err := s.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, turn.Content, got.Content)
	assert.Equal(t, turn.Markers, got.Markers)
	assert.Equal(t, "cli", got.Metadata["channel"])
	assert.True(t, got.CreatedAt.Equal(turn.CreatedAt))

	marked, err := s.GetMarkedTurns(ctx, sid, "")
	require.NoError(t, err)
	require.Len(t, marked, 1)
	assert.Equal(t, turn.ID, marked[0].ID)
}

func TestFactSupersession(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid := sessionID()

	oldID := "fact_" + uuid.NewString()
	newID := "fact_" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.SaveFact(ctx, kioku.Fact{
		ID: oldID, SessionID: sid, Content: "old", Status: kioku.FactActive, CreatedAt: now,
	}))
	require.NoError(t, s.SaveFact(ctx, kioku.Fact{
		ID: newID, SessionID: sid, Content: "new", Status: kioku.FactActive, CreatedAt: now.Add(time.Second),
	}))

	assert.ErrorIs(t, s.SupersedeFact(ctx, "fact_missing", newID, now), kioku.ErrNotFound)
	require.NoError(t, s.SupersedeFact(ctx, oldID, newID, now))
	assert.ErrorIs(t, s.SupersedeFact(ctx, oldID, newID, now), kioku.ErrFactSuperseded)

	active, err := s.GetFactsBySession(ctx, sid, kioku.FactActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, newID, active[0].ID)
}

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sid := sessionID()

	save := func(id string, v []float32, markers []string) {
		require.NoError(t, s.SaveEmbedding(ctx, id, v, kioku.EmbeddingMetadata{
			SessionID: sid, Kind: kioku.KindTurn, Markers: markers,
		}))
	}
	aID := "turn_" + uuid.NewString()
	bID := "turn_" + uuid.NewString()
	save(aID, []float32{1, 0, 0}, nil)
	save(bID, []float32{0, 1, 0}, []string{"goal"})

	v, err := s.GetEmbedding(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, v)

	empty := true
	matches, err := s.VectorSearch(ctx, []float32{1, 0, 0}, 10, kioku.VectorFilter{
		SessionID: sid, Kind: kioku.KindTurn, MarkersEmpty: &empty,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, aID, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
}
