package orchestra

import (
	"time"
)

// Intent classifies what the user is asking for. Set by the intent node and
// consumed by routing. The set is closed; routers return Intent values, never
// free strings.
type Intent string

// Recognized intents.
const (
	IntentGreeting  Intent = "greeting"
	IntentSummary   Intent = "summary"
	IntentBranch    Intent = "branch"
	IntentAnomaly   Intent = "anomaly"
	IntentDocument  Intent = "document"
	IntentDatabase  Intent = "database"
	IntentNews      Intent = "news"
	IntentSmalltalk Intent = "smalltalk"
	IntentUnknown   Intent = "unknown"
)

// Status describes where a session's current turn stands.
type Status string

// Turn lifecycle states.
const (
	StatusInitialized   Status = "initialized"
	StatusProcessing    Status = "processing"
	StatusAwaitingHuman Status = "awaiting_human"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusPaused        Status = "paused"
)

// NodeKind categorizes a node for routing and fallback behavior. Disabled
// agent nodes fall back to smalltalk, disabled gates fall back to finalize.
type NodeKind string

// Node kinds.
const (
	KindSystem NodeKind = "system"
	KindAgent  NodeKind = "agent"
	KindGate   NodeKind = "gate"
)

// Privilege orders what a caller may register or invoke. Levels are totally
// ordered from restricted (lowest) to admin (highest).
type Privilege string

// Privilege levels, lowest to highest.
const (
	PrivilegeRestricted Privilege = "restricted"
	PrivilegeStandard   Privilege = "standard"
	PrivilegeElevated   Privilege = "elevated"
	PrivilegePrivileged Privilege = "privileged"
	PrivilegeAdmin      Privilege = "admin"
)

var privilegeRank = map[Privilege]int{
	PrivilegeRestricted: 0,
	PrivilegeStandard:   1,
	PrivilegeElevated:   2,
	PrivilegePrivileged: 3,
	PrivilegeAdmin:      4,
}

// AtLeast reports whether p grants at least the level of other. Unknown
// privilege values rank below restricted.
func (p Privilege) AtLeast(other Privilege) bool {
	pr, ok := privilegeRank[p]
	if !ok {
		pr = -1
	}
	or, ok := privilegeRank[other]
	if !ok {
		or = -1
	}
	return pr >= or
}

// Valid reports whether p is one of the defined privilege levels.
func (p Privilege) Valid() bool {
	_, ok := privilegeRank[p]
	return ok
}

// TaskStatus tracks a pending task through its lifecycle.
type TaskStatus string

// Task states.
const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// PlanStep is one step of the plan produced by the reasoning node. Each step
// names the agent expected to execute it and the output it should produce.
type PlanStep struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	TargetAgent    string `json:"target_agent"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

// Task is a unit of queued agent work.
type Task struct {
	ID      string         `json:"id"`
	Agent   string         `json:"agent"`
	Payload map[string]any `json:"payload,omitempty"`
	Status  TaskStatus     `json:"status"`
}

// AgentResult is one agent's structured output for the current turn. Results
// are kept as an ordered slice so insertion order survives serialization;
// each agent appears at most once per turn unless the runtime explicitly
// records a retry.
type AgentResult struct {
	Agent string         `json:"agent"`
	Data  map[string]any `json:"data"`
}

// GraphState is the execution context carried through the graph. It is
// immutable by convention: nodes receive a snapshot and must produce a new
// one through the Mutator, never modify the one they were given.
//
// step is non-decreasing for the life of a session. completed_nodes grows
// monotonically within a turn and is reset at turn start. When status is
// awaiting_human, human_gate_reason and resume_token are non-empty.
type GraphState struct {
	SessionID        string            `json:"session_id"`
	TraceID          string            `json:"trace_id"`
	UserMessage      string            `json:"user_message"`
	Intent           Intent            `json:"intent"`
	IntentConfidence float64           `json:"intent_confidence"`
	Plan             []PlanStep        `json:"plan,omitempty"`
	RoutingDecision  string            `json:"routing_decision,omitempty"`
	PendingTasks     []Task            `json:"pending_tasks,omitempty"`
	AgentResults     []AgentResult     `json:"agent_results,omitempty"`
	ResponseMetadata map[string]any    `json:"response_metadata,omitempty"`
	CompletedNodes   []string          `json:"completed_nodes,omitempty"`
	CurrentNode      string            `json:"current_node,omitempty"`
	PreviousNode     string            `json:"previous_node,omitempty"`
	Status           Status            `json:"status"`
	Step             int               `json:"step"`
	Hashes           map[string]string `json:"hashes,omitempty"`
	GraphVersion     int               `json:"graph_version"`
	HumanGateReason  string            `json:"human_gate_reason,omitempty"`
	ResumeToken      string            `json:"resume_token,omitempty"`
	ResumeNode       string            `json:"resume_node,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the state. Containers are copied element by
// element rather than through a JSON round trip so numeric values in
// free-form maps keep their dynamic types.
func (s GraphState) Clone() GraphState {
	out := s
	out.Plan = clonePlan(s.Plan)
	out.PendingTasks = cloneTasks(s.PendingTasks)
	out.AgentResults = cloneResults(s.AgentResults)
	out.ResponseMetadata = cloneAnyMap(s.ResponseMetadata)
	out.CompletedNodes = cloneStrings(s.CompletedNodes)
	out.Hashes = cloneStringMap(s.Hashes)
	return out
}

// Result returns the data recorded for the named agent this turn.
func (s GraphState) Result(agent string) (map[string]any, bool) {
	for _, r := range s.AgentResults {
		if r.Agent == agent {
			return r.Data, true
		}
	}
	return nil, false
}

func clonePlan(in []PlanStep) []PlanStep {
	if in == nil {
		return nil
	}
	out := make([]PlanStep, len(in))
	copy(out, in)
	return out
}

func cloneTasks(in []Task) []Task {
	if in == nil {
		return nil
	}
	out := make([]Task, len(in))
	for i, t := range in {
		t.Payload = cloneAnyMap(t.Payload)
		out[i] = t
	}
	return out
}

func cloneResults(in []AgentResult) []AgentResult {
	if in == nil {
		return nil
	}
	out := make([]AgentResult, len(in))
	for i, r := range in {
		r.Data = cloneAnyMap(r.Data)
		out[i] = r
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// cloneAnyMap deep-copies a free-form map. Nested maps and slices are
// copied; other values are assumed immutable and shared.
func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}
