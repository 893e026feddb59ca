package kioku

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicCounter(t *testing.T) {
	var c heuristicCounter

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("a"))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 25, c.Count(strings.Repeat("x", 100)))

	// Codepoints, not bytes.
	assert.Equal(t, 1, c.Count("日本語"))
	assert.Equal(t, 2, c.Count("日本語のメモ"))
}
