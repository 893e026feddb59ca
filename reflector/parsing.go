package reflector

import (
	"encoding/json"
	"strings"

	"github.com/ashita-ai/kioku"
)

// extractJSON pulls the first JSON object out of a model response. Models
// sometimes wrap the JSON in markdown fences or surrounding prose, so after
// the fast path fails we take everything between the first "{" and the last
// "}".
func extractJSON(content string) []byte {
	stripped := strings.TrimSpace(content)
	if strings.HasPrefix(stripped, "{") && json.Valid([]byte(stripped)) {
		return []byte(stripped)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		candidate := []byte(content[start : end+1])
		if json.Valid(candidate) {
			return candidate
		}
	}
	return nil
}

type factItem struct {
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type factsPayload struct {
	Facts []factItem `json:"facts"`
}

type actionItem struct {
	Action       string  `json:"action"`
	Content      string  `json:"content"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
	SourceFactID string  `json:"source_fact_id"`
	Reason       string  `json:"reason"`
}

type actionsPayload struct {
	Actions []actionItem `json:"actions"`
}

func normalizeFactType(raw string) string {
	switch raw {
	case kioku.MarkerDecision, kioku.MarkerConstraint, kioku.MarkerGoal, kioku.MarkerFailure:
		return raw
	}
	return kioku.MarkerDecision
}

func defaultConfidence(c, fallback float64) float64 {
	if c == 0 {
		return fallback
	}
	return c
}

// parseExtraction parses an initial-reflection response into fact proposals.
// Malformed input yields an empty output, never an error; a model that
// refuses to emit JSON simply produces no facts.
func parseExtraction(content string) kioku.ReflectorOutput {
	var out kioku.ReflectorOutput

	raw := extractJSON(content)
	if raw == nil {
		return out
	}
	var payload factsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return out
	}

	for _, item := range payload.Facts {
		if item.Content == "" {
			continue
		}
		out.Proposals = append(out.Proposals, kioku.FactProposal{
			Content:    item.Content,
			Markers:    []string{normalizeFactType(item.Type)},
			Confidence: defaultConfidence(item.Confidence, 0.8),
		})
	}
	return out
}

// parseConsolidation parses a consolidation response into actions. Items
// with unknown action verbs are dropped.
func parseConsolidation(content string) kioku.ReflectorOutput {
	var out kioku.ReflectorOutput

	raw := extractJSON(content)
	if raw == nil {
		return out
	}
	var payload actionsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return out
	}

	for _, item := range payload.Actions {
		confidence := defaultConfidence(item.Confidence, 0.9)
		markers := []string{normalizeFactType(item.Type)}

		switch item.Action {
		case "add":
			if item.Content == "" {
				continue
			}
			out.Actions = append(out.Actions, kioku.Action{
				Kind: kioku.ActionAdd,
				Fact: &kioku.FactProposal{
					Content:    item.Content,
					Markers:    markers,
					Confidence: confidence,
				},
				Reason: item.Reason,
			})
		case "update":
			if item.SourceFactID == "" || item.Content == "" {
				continue
			}
			out.Actions = append(out.Actions, kioku.Action{
				Kind:       kioku.ActionUpdate,
				TargetID:   item.SourceFactID,
				Content:    item.Content,
				Markers:    markers,
				Confidence: confidence,
				Reason:     item.Reason,
			})
		case "remove":
			if item.SourceFactID == "" {
				continue
			}
			out.Actions = append(out.Actions, kioku.Action{
				Kind:     kioku.ActionRemove,
				TargetID: item.SourceFactID,
				Reason:   item.Reason,
			})
		case "keep":
			if item.SourceFactID == "" {
				continue
			}
			out.Actions = append(out.Actions, kioku.Action{
				Kind:     kioku.ActionKeep,
				TargetID: item.SourceFactID,
			})
		}
	}
	return out
}
