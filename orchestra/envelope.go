package orchestra

import (
	"time"
)

// EnvelopeStatus is the turn outcome reported to the caller.
type EnvelopeStatus string

// Envelope statuses.
const (
	EnvelopeOK            EnvelopeStatus = "ok"
	EnvelopeFailed        EnvelopeStatus = "failed"
	EnvelopeAwaitingHuman EnvelopeStatus = "awaiting_human"
)

// EnvelopeData is the structured result payload. Downstream UIs consume
// metrics by stable key and never parse prose to reconstruct numbers.
type EnvelopeData struct {
	Message      string         `json:"message"`
	Metrics      map[string]any `json:"metrics"`
	Plan         []PlanStep     `json:"plan"`
	AgentResults map[string]any `json:"agent_results"`
}

// EnvelopeError describes a failed turn: the fatal kind, a safe message,
// and the node that failed.
type EnvelopeError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Node    string `json:"node,omitempty"`
}

// HumanGate carries what a caller needs to resume a paused turn.
type HumanGate struct {
	Reason      string `json:"reason"`
	ResumeToken string `json:"resume_token"`
}

// EnvelopeMeta is the trace metadata attached to every envelope.
type EnvelopeMeta struct {
	CompletedNodes []string       `json:"completed_nodes"`
	DurationMs     int64          `json:"duration_ms"`
	GraphVersion   int            `json:"graph_version"`
	Error          *EnvelopeError `json:"error,omitempty"`
	HumanGate      *HumanGate     `json:"human_gate,omitempty"`
}

// Envelope is the structured response returned at end of turn.
type Envelope struct {
	TraceID   string         `json:"trace_id"`
	SessionID string         `json:"session_id"`
	Status    EnvelopeStatus `json:"status"`
	Intent    Intent         `json:"intent"`
	Data      EnvelopeData   `json:"data"`
	Meta      EnvelopeMeta   `json:"meta"`
}

// buildEnvelope assembles the envelope from a final (or paused) state. The
// assemble node stores its fold under response_metadata.result as a map
// with message and metrics keys; missing pieces degrade to empty values so
// the envelope shape stays stable.
func buildEnvelope(st GraphState, duration time.Duration, usage *UsageTracker, envErr *EnvelopeError) *Envelope {
	env := &Envelope{
		TraceID:   st.TraceID,
		SessionID: st.SessionID,
		Intent:    st.Intent,
		Data: EnvelopeData{
			Metrics:      map[string]any{},
			Plan:         clonePlan(st.Plan),
			AgentResults: map[string]any{},
		},
		Meta: EnvelopeMeta{
			CompletedNodes: cloneStrings(st.CompletedNodes),
			DurationMs:     duration.Milliseconds(),
			GraphVersion:   st.GraphVersion,
			Error:          envErr,
		},
	}
	if env.Data.Plan == nil {
		env.Data.Plan = []PlanStep{}
	}

	switch st.Status {
	case StatusAwaitingHuman:
		env.Status = EnvelopeAwaitingHuman
		env.Meta.HumanGate = &HumanGate{
			Reason:      st.HumanGateReason,
			ResumeToken: st.ResumeToken,
		}
	case StatusFailed:
		env.Status = EnvelopeFailed
	default:
		env.Status = EnvelopeOK
	}

	if result, ok := st.ResponseMetadata["result"].(map[string]any); ok {
		if msg, ok := result["message"].(string); ok {
			env.Data.Message = msg
		}
		if metrics, ok := result["metrics"].(map[string]any); ok {
			env.Data.Metrics = cloneAnyMap(metrics)
		}
	}
	if env.Data.Message == "" && envErr != nil {
		env.Data.Message = "The request could not be completed."
	}

	for _, r := range st.AgentResults {
		env.Data.AgentResults[r.Agent] = cloneAnyMap(r.Data)
	}

	if usage != nil {
		if tokens := usage.TotalTokens(); tokens > 0 {
			env.Data.Metrics["tokens_total"] = tokens
			env.Data.Metrics["cost_usd"] = usage.TotalCost()
		}
	}
	return env
}
