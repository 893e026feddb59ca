package kioku

import "unicode/utf8"

// heuristicCounter is the default token counter: one token per four
// codepoints, rounded up. Deterministic, monotone in length, zero only for
// empty input. Exact counts are the job of a pluggable TokenCounter.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
