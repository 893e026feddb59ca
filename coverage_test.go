package kioku

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentKeywords(t *testing.T) {
	kw := contentKeywords("The database migration should use the new schema, not the old one")
	assert.Contains(t, kw, "database")
	assert.Contains(t, kw, "migration")
	assert.Contains(t, kw, "schema")
	// Stop words and short tokens are dropped.
	assert.NotContains(t, kw, "the")
	assert.NotContains(t, kw, "should")
	assert.NotContains(t, kw, "not")
	assert.NotContains(t, kw, "use")

	assert.Empty(t, contentKeywords(""))
	assert.Empty(t, contentKeywords("a of to"))
}

func TestKeywordOverlap(t *testing.T) {
	set := func(words ...string) map[string]struct{} {
		out := make(map[string]struct{}, len(words))
		for _, w := range words {
			out[w] = struct{}{}
		}
		return out
	}

	assert.Equal(t, 1.0, keywordOverlap(nil, set("anything")))
	assert.Equal(t, 1.0, keywordOverlap(set("alpha"), set("alpha", "beta")))
	assert.Equal(t, 0.5, keywordOverlap(set("alpha", "beta"), set("alpha")))
	assert.Equal(t, 0.0, keywordOverlap(set("alpha"), nil))
}
