// Package nodes provides the scaffold node set the runtime ships with:
// intent classification, plan synthesis, routing, a human gate, response
// assembly, a smalltalk fallback, and a summary agent backed by the data
// repository capability. Defaults and DefaultSpec wire them into a working
// graph.
package nodes

import (
	"context"
	"strings"

	"github.com/orchestra-ai/orchestra-go/orchestra"
)

// intentKeywords maps each recognized intent to the message fragments that
// vote for it. Classification is deterministic: no model call, no state
// beyond the incoming message.
var intentKeywords = map[orchestra.Intent][]string{
	orchestra.IntentGreeting: {"hello", "hi ", "hey", "good morning", "good afternoon"},
	orchestra.IntentSummary:  {"summary", "summarize", "overview", "report", "total"},
	orchestra.IntentBranch:   {"branch", "compare", "per location", "by store"},
	orchestra.IntentAnomaly:  {"anomaly", "anomalies", "unusual", "spike", "outlier"},
	orchestra.IntentDocument: {"document", "write up", "save", "export"},
	orchestra.IntentDatabase: {"query", "database", "records", "rows"},
	orchestra.IntentNews:     {"news", "headline"},
}

// Intent classifies the user message by keyword vote and records the
// intent, its confidence, and the raw classification under
// response_metadata.semantic_result. Confidence below the floor flips the
// intent to smalltalk so low-signal messages never reach the agent path,
// unless the caller set force_route on response_metadata.
type Intent struct {
	floor float64
}

// NewIntent returns an intent classifier with the given confidence floor.
func NewIntent(floor float64) *Intent {
	return &Intent{floor: floor}
}

// Invoke implements orchestra.Node.
func (n *Intent) Invoke(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
	classified, confidence, entities := classify(st.UserMessage)

	intent := classified
	forced, _ := st.ResponseMetadata["force_route"].(bool)
	if confidence < n.floor && !forced {
		intent = orchestra.IntentSmalltalk
	}

	out, err := inv.Mutator.Set(st, "intent", intent)
	if err != nil {
		return st, err
	}
	out, err = inv.Mutator.Set(out, "intent_confidence", confidence)
	if err != nil {
		return st, err
	}
	return inv.Mutator.MergeMap(out, "response_metadata", map[string]any{
		"semantic_result": map[string]any{
			"intent":     string(classified),
			"confidence": confidence,
			"entities":   entities,
		},
	})
}

// classify scores the message against the keyword table. The best-voted
// intent wins; more matching fragments raise confidence, and the fragments
// that matched the winner are returned as entities. A message with no
// matches is unknown at low confidence.
func classify(message string) (orchestra.Intent, float64, []any) {
	msg := " " + strings.ToLower(strings.TrimSpace(message)) + " "

	best := orchestra.IntentUnknown
	bestHits := 0
	for intent, words := range intentKeywords {
		hits := 0
		for _, w := range words {
			if strings.Contains(msg, w) {
				hits++
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && intent < best) {
			best = intent
			bestHits = hits
		}
	}

	if bestHits == 0 {
		return orchestra.IntentUnknown, 0.2, []any{}
	}

	entities := make([]any, 0, bestHits)
	for _, w := range intentKeywords[best] {
		if strings.Contains(msg, w) {
			entities = append(entities, strings.TrimSpace(w))
		}
	}
	confidence := 0.6 + 0.1*float64(bestHits)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return best, confidence, entities
}
