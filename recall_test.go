package kioku

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackCurrentEpisode(t *testing.T) {
	turns := []Turn{
		{ID: "t1", Position: 0, TokenCount: 50},
		{ID: "t2", Position: 1, TokenCount: 50, Markers: []string{MarkerDecision}},
		{ID: "t3", Position: 2, TokenCount: 50},
	}

	t.Run("marked preferred then newest first", func(t *testing.T) {
		got := packCurrentEpisode(turns, 100)
		// The marked turn wins a slot over the newer unmarked t3's older
		// sibling, and the output comes back in chronological order.
		assert.Equal(t, []string{"t2", "t3"}, turnIDs(got))
	})

	t.Run("newest first among unmarked", func(t *testing.T) {
		unmarked := []Turn{
			{ID: "a", Position: 0, TokenCount: 50},
			{ID: "b", Position: 1, TokenCount: 50},
			{ID: "c", Position: 2, TokenCount: 50},
		}
		got := packCurrentEpisode(unmarked, 100)
		assert.Equal(t, []string{"b", "c"}, turnIDs(got))
	})

	t.Run("zero reservation", func(t *testing.T) {
		assert.Nil(t, packCurrentEpisode(turns, 0))
	})

	t.Run("no turns", func(t *testing.T) {
		assert.Nil(t, packCurrentEpisode(nil, 100))
	})

	t.Run("oversized turns skipped", func(t *testing.T) {
		got := packCurrentEpisode(turns, 60)
		assert.Equal(t, []string{"t2"}, turnIDs(got))
	})
}

func TestAssembleRecall(t *testing.T) {
	current := []Turn{{ID: "cur1", Content: "current turn", TokenCount: 30}}
	past := []ContextItem{
		{SourceID: "pA", SourceType: SourceTurn, Score: 0.9, TokenCount: 30},
		{SourceID: "pB", SourceType: SourceTurn, Score: 0.8, TokenCount: 50},
		{SourceID: "pC", SourceType: SourceTurn, Score: 0.7, TokenCount: 5},
	}
	facts := []ContextItem{
		{SourceID: "fBig", SourceType: SourceFact, Score: 0.95, TokenCount: 60},
		{SourceID: "fSmall", SourceType: SourceFact, Score: 0.5, TokenCount: 10},
	}
	unmarked := []ContextItem{
		{SourceID: "uX", SourceType: SourceTurn, Score: 0.6, TokenCount: 30},
	}

	got := assembleRecall(current, past, facts, unmarked, 100, 0.4)

	// Budget 100, reservation 40: cur1 (30) fits. pA (30) fits, pB would
	// overflow and ends the marked pass, so pC is never considered despite
	// fitting. fBig is skipped but the merge continues: uX then fSmall land.
	// Output lists facts, then past turns by score, then the current episode.
	assert.Equal(t, []string{"fSmall", "pA", "uX", "cur1"}, itemIDs(got))

	// Current-episode items carry no relevance score.
	assert.Equal(t, 0.0, got[len(got)-1].Score)

	total := 0
	for _, item := range got {
		total += item.TokenCount
	}
	assert.LessOrEqual(t, total, 100)
}

func TestAssembleRecallEmpty(t *testing.T) {
	assert.Empty(t, assembleRecall(nil, nil, nil, nil, 100, 0.4))
}

func TestAssembleRecallBudgetTooSmall(t *testing.T) {
	current := []Turn{{ID: "cur1", TokenCount: 30}}
	past := []ContextItem{{SourceID: "p1", SourceType: SourceTurn, Score: 0.9, TokenCount: 30}}
	got := assembleRecall(current, past, nil, nil, 10, 0.4)
	assert.Empty(t, got)
}

func turnIDs(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.ID
	}
	return out
}

func itemIDs(items []ContextItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.SourceID
	}
	return out
}
