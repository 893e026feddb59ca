package reflector

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/ashita-ai/kioku"
)

// maxFactsDefault caps extraction when the caller does not override it.
const maxFactsDefault = 5

var extractionTemplate = template.Must(template.New("extraction").Parse(`You are extracting facts from a conversation episode for a memory system.

A "fact" is a single, atomic piece of information: one decision, one requirement, one parameter, one preference, or one constraint. If multiple details are discussed, extract each as a separate fact.

## Fact Types
- "decision": A choice or determination that was made
- "constraint": A limitation or rule that must be followed
- "goal": An objective or desired outcome
- "failure": Something that did not work or was rejected

## Episode Turns
{{.Turns}}

## Instructions
1. Extract up to {{.MaxFacts}} facts from the episode above.
2. Each fact should capture ONE specific piece of information, not a summary of multiple things.
3. Include specific values, names, and parameters (e.g., "Aspect ratio is 16:9" not "An aspect ratio was chosen").
4. Include both user requests AND assistant confirmations/decisions.
5. If something was rejected or removed, record that as a fact too.

Respond ONLY with valid JSON, no other text:
{"facts": [
  {"content": "The database engine is PostgreSQL", "type": "decision", "confidence": 0.95},
  {"content": "All API endpoints require authentication", "type": "constraint", "confidence": 0.9},
  {"content": "The user wants to build a REST API for inventory management", "type": "goal", "confidence": 0.85}
]}`))

var consolidationTemplate = template.Must(template.New("consolidation").Parse(`You are maintaining a set of facts about an ongoing session. Your job is to keep these facts accurate and up-to-date based on new conversation turns.

## Existing Facts
{{.PriorFacts}}

## New Episode Turns
{{.Turns}}

## Instructions
Follow these three steps IN ORDER:

STEP 1: Handle EVERY existing fact. For each one, output exactly one action:
- "keep": Fact is still accurate and unchanged. Include source_fact_id.
- "update": ANY detail in the fact has changed. Include source_fact_id, the corrected content, and reason.
- "remove": Fact is no longer true or was explicitly revoked. Include source_fact_id and reason.

STEP 2: Check for CONTRADICTIONS among existing facts. If two facts contradict each other (e.g., one says "use PostgreSQL" and another says "use MySQL"), REMOVE the outdated one with reason "contradicts [other fact]".

STEP 3: Check for NEW information. Read through the new turns again. For each specific detail that is NOT already covered by an existing fact, output:
- "add": New information. Include content, type, and confidence.

IMPORTANT RULES:
1. You MUST output one action for EVERY existing fact. Do not skip any.
2. If a fact says "X" but the conversation now says "Y", that is an UPDATE, not a keep.
3. After handling all existing facts, you MUST add any new details from the turns that are not covered.
4. One fact = one atomic piece of information. Do not merge unrelated facts.
5. Do not silently drop information from existing facts when updating.
6. If two existing facts contradict each other, REMOVE the older one.

Respond ONLY with valid JSON, no other text:
{"actions": [
  {"action": "keep", "source_fact_id": "fact_abc", "content": "API uses REST architecture", "type": "decision", "confidence": 0.95},
  {"action": "update", "source_fact_id": "fact_def", "content": "Database engine is MySQL (changed from PostgreSQL)", "type": "decision", "confidence": 0.9, "reason": "user requested switch to MySQL"},
  {"action": "add", "content": "All responses must include pagination metadata", "type": "constraint", "confidence": 0.85},
  {"action": "remove", "source_fact_id": "fact_ghi", "content": "Use dark mode by default", "type": "decision", "confidence": 0.9, "reason": "contradicts fact_xyz which says light mode"}
]}`))

type extractionData struct {
	Turns    string
	MaxFacts int
}

type consolidationData struct {
	PriorFacts string
	Turns      string
}

func renderExtractionPrompt(turns []kioku.Turn, maxFacts int) (string, error) {
	var b strings.Builder
	err := extractionTemplate.Execute(&b, extractionData{
		Turns:    formatTurns(turns),
		MaxFacts: maxFacts,
	})
	if err != nil {
		return "", fmt.Errorf("reflector: render extraction prompt: %w", err)
	}
	return b.String(), nil
}

func renderConsolidationPrompt(existing []kioku.Fact, turns []kioku.Turn) (string, error) {
	var b strings.Builder
	err := consolidationTemplate.Execute(&b, consolidationData{
		PriorFacts: formatFacts(existing),
		Turns:      formatTurns(turns),
	})
	if err != nil {
		return "", fmt.Errorf("reflector: render consolidation prompt: %w", err)
	}
	return b.String(), nil
}

func formatTurns(turns []kioku.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = fmt.Sprintf("[%s]: %s", t.Role, t.Content)
	}
	return strings.Join(lines, "\n")
}

func formatFacts(facts []kioku.Fact) string {
	lines := make([]string, len(facts))
	for i, f := range facts {
		kind := "decision"
		if len(f.Markers) > 0 {
			kind = f.Markers[0]
		}
		lines[i] = fmt.Sprintf("- [%s] (%s) %s", f.ID, kind, f.Content)
	}
	return strings.Join(lines, "\n")
}
