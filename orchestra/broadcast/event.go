// Package broadcast multiplexes runtime events to any number of subscribers
// with per-session ordering, bounded queues, drop-oldest backpressure, and
// history replay for late subscribers.
package broadcast

import (
	"time"
)

// Type enumerates the event kinds a subscriber can observe.
type Type string

// Event types.
const (
	TypeConnection     Type = "connection"
	TypeNodeTransition Type = "node_transition"
	TypeAgentStart     Type = "agent_start"
	TypeAgentProgress  Type = "agent_progress"
	TypeAgentEnd       Type = "agent_end"
	TypeState          Type = "state"
	TypeHistory        Type = "history"
	TypeError          Type = "error"
	TypePong           Type = "pong"
)

// Action is a stable semantic label for UX display. The set is closed;
// implementations use a known label or ActionOther, and the UI maps labels
// to localized messages.
type Action string

// Known actions.
const (
	ActionIntentIdentify    Action = "intent_identify"
	ActionContextEvaluate   Action = "context_evaluate"
	ActionReasoningPlan     Action = "reasoning_plan"
	ActionRouteSelect       Action = "route_select"
	ActionDatabaseQuery     Action = "database_query"
	ActionSummaryGeneration Action = "summary_generation"
	ActionBranchAnalysis    Action = "branch_analysis"
	ActionAnomalyDetection  Action = "anomaly_detection"
	ActionDocumentWrite     Action = "document_write"
	ActionHumanGateWait     Action = "human_gate_wait"
	ActionAssembleResponse  Action = "assemble_response"
	ActionFinalize          Action = "finalize"
	ActionAgentEnd          Action = "agent_end"
	ActionSmalltalk         Action = "smalltalk"
	ActionOther             Action = "other"
)

var knownActions = map[Action]bool{
	ActionIntentIdentify:    true,
	ActionContextEvaluate:   true,
	ActionReasoningPlan:     true,
	ActionRouteSelect:       true,
	ActionDatabaseQuery:     true,
	ActionSummaryGeneration: true,
	ActionBranchAnalysis:    true,
	ActionAnomalyDetection:  true,
	ActionDocumentWrite:     true,
	ActionHumanGateWait:     true,
	ActionAssembleResponse:  true,
	ActionFinalize:          true,
	ActionAgentEnd:          true,
	ActionSmalltalk:         true,
	ActionOther:             true,
}

// Normalize returns a if it is a known action, ActionOther otherwise.
func (a Action) Normalize() Action {
	if knownActions[a] {
		return a
	}
	return ActionOther
}

// Event is the wire-level envelope delivered to subscribers. Sequence is a
// per-session monotonically increasing integer starting at 0, assigned by
// the broadcaster at publish time. Subscriber-local events (connection,
// history, and the gap marker) carry no session sequence.
type Event struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Sequence  uint64         `json:"sequence"`
	Type      Type           `json:"type"`
	FromNode  string         `json:"from_node,omitempty"`
	ToNode    string         `json:"to_node,omitempty"`
	Agent     string         `json:"agent,omitempty"`
	Action    Action         `json:"action,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}
