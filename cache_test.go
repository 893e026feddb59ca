package kioku

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU(t *testing.T) {
	c := newLRU[int](2)

	c.put("a", 1)
	c.put("b", 2)
	if v, ok := c.get("a"); assert.True(t, ok) {
		assert.Equal(t, 1, v)
	}

	// "a" was just touched, so inserting "c" evicts "b".
	c.put("c", 3)
	_, ok := c.get("b")
	assert.False(t, ok)
	_, ok = c.get("a")
	assert.True(t, ok)

	// Updating an existing key neither grows nor evicts.
	c.put("a", 10)
	if v, ok := c.get("a"); assert.True(t, ok) {
		assert.Equal(t, 10, v)
	}
	_, ok = c.get("c")
	assert.True(t, ok)

	c.remove("a")
	_, ok = c.get("a")
	assert.False(t, ok)

	c.purge()
	_, ok = c.get("c")
	assert.False(t, ok)
}

func newTestCache(inner Storage) *cachedStorage {
	cfg := DefaultConfig().Cache
	cfg.Enabled = true
	return newCachedStorage(inner, cfg)
}

func TestCachedStorageTurns(t *testing.T) {
	ctx := context.Background()
	inner := newStubStore()
	cs := newTestCache(inner)

	turn := Turn{ID: "turn_1", SessionID: "s", EpisodeID: "ep_1", Content: "hi", Position: 0}
	require.NoError(t, cs.SaveTurn(ctx, turn))

	// Write-through primed the cache; the read never reaches the backend.
	got, err := cs.GetTurn(ctx, "turn_1")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, 0, inner.calls["GetTurn"])

	// Misses fall through and populate.
	inner.turns["turn_2"] = Turn{ID: "turn_2", Content: "direct"}
	_, err = cs.GetTurn(ctx, "turn_2")
	require.NoError(t, err)
	_, err = cs.GetTurn(ctx, "turn_2")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls["GetTurn"])
}

func TestCachedStorageEmbeddings(t *testing.T) {
	ctx := context.Background()
	inner := newStubStore()
	cs := newTestCache(inner)

	v := []float32{0.1, 0.2}
	require.NoError(t, cs.SaveEmbedding(ctx, "turn_1", v, EmbeddingMetadata{SessionID: "s", Kind: KindTurn}))

	got, err := cs.GetEmbedding(ctx, "turn_1")
	require.NoError(t, err)
	assert.Equal(t, v, got)
	assert.Equal(t, 0, inner.calls["GetEmbedding"])
}

func TestCachedStorageActiveFacts(t *testing.T) {
	ctx := context.Background()
	inner := newStubStore()
	cs := newTestCache(inner)

	f1 := Fact{ID: "fact_1", SessionID: "s", Content: "one", Status: FactActive, CreatedAt: time.Now()}
	require.NoError(t, cs.SaveFact(ctx, f1))

	facts, err := cs.GetFactsBySession(ctx, "s", FactActive)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 1, inner.calls["GetFactsBySession"])

	// Cached on the second read.
	_, err = cs.GetFactsBySession(ctx, "s", FactActive)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls["GetFactsBySession"])

	// A new fact invalidates the session's list.
	f2 := Fact{ID: "fact_2", SessionID: "s", Content: "two", Status: FactActive, CreatedAt: time.Now()}
	require.NoError(t, cs.SaveFact(ctx, f2))
	facts, err = cs.GetFactsBySession(ctx, "s", FactActive)
	require.NoError(t, err)
	assert.Len(t, facts, 2)
	assert.Equal(t, 2, inner.calls["GetFactsBySession"])

	// Supersession purges cached lists so the stale fact cannot resurface.
	require.NoError(t, cs.SupersedeFact(ctx, "fact_1", "fact_2", time.Now()))
	facts, err = cs.GetFactsBySession(ctx, "s", FactActive)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
	assert.Equal(t, "fact_2", facts[0].ID)

	// Non-active queries bypass the cache entirely.
	superseded, err := cs.GetFactsBySession(ctx, "s", FactSuperseded)
	require.NoError(t, err)
	require.Len(t, superseded, 1)
	assert.Equal(t, "fact_2", superseded[0].SupersededBy)
}
