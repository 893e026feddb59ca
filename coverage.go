package kioku

import "strings"

// Consolidation coverage check: every scoped prior fact should be referenced
// by an action target or restated in the output. Advisory only; gaps are
// logged, never enforced.

var coverageStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "that": {}, "this": {}, "with": {},
	"are": {}, "was": {}, "were": {}, "will": {}, "have": {}, "has": {},
	"not": {}, "but": {}, "can": {}, "should": {}, "would": {}, "could": {},
	"from": {}, "into": {}, "been": {}, "they": {}, "their": {}, "its": {},
	"all": {}, "when": {}, "what": {}, "which": {}, "then": {}, "than": {},
	"about": {}, "use": {}, "using": {}, "used": {},
}

func (s *Session) validateCoverage(scoped []Fact, actions []Action, trace *ReflectionTrace) {
	if len(scoped) == 0 {
		return
	}

	referenced := make(map[string]bool)
	var outputWords map[string]struct{}
	for _, a := range actions {
		switch a.Kind {
		case ActionUpdate, ActionRemove, ActionKeep:
			referenced[a.TargetID] = true
		}
		var content string
		switch {
		case a.Kind == ActionAdd && a.Fact != nil:
			content = a.Fact.Content
		case a.Kind == ActionUpdate:
			content = a.Content
		}
		if content != "" {
			if outputWords == nil {
				outputWords = make(map[string]struct{})
			}
			for w := range contentKeywords(content) {
				outputWords[w] = struct{}{}
			}
		}
	}

	for _, f := range scoped {
		if referenced[f.ID] {
			continue
		}
		kw := contentKeywords(f.Content)
		if len(kw) == 0 || keywordOverlap(kw, outputWords) >= 0.5 {
			continue
		}
		s.logger.Warn("reflection: scoped fact not covered by consolidation output",
			"session_id", s.id, "episode_id", trace.EpisodeID, "fact_id", f.ID)
	}
}

// contentKeywords lowercases and tokenizes text, dropping stop words and
// tokens shorter than three runes.
func contentKeywords(text string) map[string]struct{} {
	out := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		if _, stop := coverageStopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}

// keywordOverlap is the share of want present in have.
func keywordOverlap(want, have map[string]struct{}) float64 {
	if len(want) == 0 {
		return 1
	}
	hits := 0
	for w := range want {
		if _, ok := have[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}
