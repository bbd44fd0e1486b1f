package orchestra

import (
	"fmt"
	"sort"
	"time"
)

// Mutator is the sole legal mechanism for producing a new GraphState
// snapshot. Every operation returns a fresh snapshot and leaves the input
// untouched, which gives the runtime a single audit point for state changes
// and rules out shared-mutable aliasing between nodes.
//
// Writes are schema-checked by field name. Writing an undeclared field
// fails with InvalidFieldError; a value of the wrong dynamic type fails
// with TypeMismatchError. Failures never corrupt the input snapshot.
type Mutator struct {
	now Clock
}

// NewMutator returns a Mutator stamping updated_at from the given clock.
// A nil clock defaults to time.Now.
func NewMutator(clock Clock) *Mutator {
	if clock == nil {
		clock = time.Now
	}
	return &Mutator{now: clock}
}

// Set returns a new snapshot with one scalar or sequence field replaced and
// updated_at refreshed.
func (m *Mutator) Set(st GraphState, field string, value any) (GraphState, error) {
	out := st.Clone()

	switch field {
	case "trace_id":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.TraceID = s
	case "user_message":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.UserMessage = s
	case "intent":
		switch v := value.(type) {
		case Intent:
			out.Intent = v
		case string:
			out.Intent = Intent(v)
		default:
			return st, mismatch(field, "Intent", value)
		}
	case "intent_confidence":
		f, ok := value.(float64)
		if !ok {
			return st, mismatch(field, "float64", value)
		}
		if f < 0 || f > 1 {
			return st, mismatch(field, "float64 in [0,1]", value)
		}
		out.IntentConfidence = f
	case "plan":
		p, ok := value.([]PlanStep)
		if !ok {
			return st, mismatch(field, "[]PlanStep", value)
		}
		out.Plan = clonePlan(p)
	case "routing_decision":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.RoutingDecision = s
	case "pending_tasks":
		t, ok := value.([]Task)
		if !ok {
			return st, mismatch(field, "[]Task", value)
		}
		out.PendingTasks = cloneTasks(t)
	case "status":
		switch v := value.(type) {
		case Status:
			out.Status = v
		case string:
			out.Status = Status(v)
		default:
			return st, mismatch(field, "Status", value)
		}
	case "current_node":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.CurrentNode = s
	case "previous_node":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.PreviousNode = s
	case "graph_version":
		n, ok := value.(int)
		if !ok {
			return st, mismatch(field, "int", value)
		}
		out.GraphVersion = n
	case "human_gate_reason":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.HumanGateReason = s
	case "resume_token":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.ResumeToken = s
	case "resume_node":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.ResumeNode = s
	default:
		return st, &InvalidFieldError{Field: field, Op: "set"}
	}

	out.UpdatedAt = m.now()
	return out, nil
}

// MergeMap returns a new snapshot with kv merged key-by-key into one of the
// mapping fields: agent_results, response_metadata, or hashes. Existing keys
// are overwritten; new keys are applied in sorted order so the insertion
// order of agent_results stays deterministic.
func (m *Mutator) MergeMap(st GraphState, field string, kv map[string]any) (GraphState, error) {
	out := st.Clone()

	switch field {
	case "agent_results":
		for _, k := range sortedKeys(kv) {
			data, ok := kv[k].(map[string]any)
			if !ok {
				return st, mismatch(field, "map[string]any per agent", kv[k])
			}
			out = mergeAgentResult(out, k, cloneAnyMap(data))
		}
	case "response_metadata":
		if out.ResponseMetadata == nil {
			out.ResponseMetadata = make(map[string]any, len(kv))
		}
		for _, k := range sortedKeys(kv) {
			out.ResponseMetadata[k] = cloneAny(kv[k])
		}
	case "hashes":
		if out.Hashes == nil {
			out.Hashes = make(map[string]string, len(kv))
		}
		for _, k := range sortedKeys(kv) {
			s, ok := kv[k].(string)
			if !ok {
				return st, mismatch(field, "string values", kv[k])
			}
			out.Hashes[k] = s
		}
	default:
		return st, &InvalidFieldError{Field: field, Op: "merge_map"}
	}

	out.UpdatedAt = m.now()
	return out, nil
}

// Append returns a new snapshot with value appended to one of the sequence
// fields: completed_nodes, plan, or pending_tasks. Plan and task fields
// accept a single element or a slice.
func (m *Mutator) Append(st GraphState, field string, value any) (GraphState, error) {
	out := st.Clone()

	switch field {
	case "completed_nodes":
		s, ok := value.(string)
		if !ok {
			return st, mismatch(field, "string", value)
		}
		out.CompletedNodes = append(out.CompletedNodes, s)
	case "plan":
		switch v := value.(type) {
		case PlanStep:
			out.Plan = append(out.Plan, v)
		case []PlanStep:
			out.Plan = append(out.Plan, clonePlan(v)...)
		default:
			return st, mismatch(field, "PlanStep or []PlanStep", value)
		}
	case "pending_tasks":
		switch v := value.(type) {
		case Task:
			out.PendingTasks = append(out.PendingTasks, v)
		case []Task:
			out.PendingTasks = append(out.PendingTasks, cloneTasks(v)...)
		default:
			return st, mismatch(field, "Task or []Task", value)
		}
	default:
		return st, &InvalidFieldError{Field: field, Op: "append"}
	}

	out.UpdatedAt = m.now()
	return out, nil
}

// ResetTurn prepares a session's latest snapshot for a new turn: the trace
// ID, user message, and pinned graph version are set, status moves to
// processing, and the per-turn fields (plan, routing decision, pending
// tasks, agent results, completed nodes, node cursors, human-gate fields)
// are cleared. step, hashes, response_metadata, intent, and created_at
// carry over; step never resets within a session.
func (m *Mutator) ResetTurn(st GraphState, traceID, userMessage string, graphVersion int) GraphState {
	out := st.Clone()
	out.TraceID = traceID
	out.UserMessage = userMessage
	out.GraphVersion = graphVersion
	out.Status = StatusProcessing
	out.Plan = nil
	out.RoutingDecision = ""
	out.PendingTasks = nil
	out.AgentResults = nil
	out.CompletedNodes = nil
	out.CurrentNode = ""
	out.PreviousNode = ""
	out.HumanGateReason = ""
	out.ResumeToken = ""
	out.ResumeNode = ""
	now := m.now()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	return out
}

// Advance moves the state to the next node: previous_node takes the old
// current_node, current_node becomes to, step increments, and the old
// current_node (if any) is appended to completed_nodes.
func (m *Mutator) Advance(st GraphState, to string) GraphState {
	out := st.Clone()
	out.PreviousNode = out.CurrentNode
	out.CurrentNode = to
	out.Step++
	if out.PreviousNode != "" {
		out.CompletedNodes = append(out.CompletedNodes, out.PreviousNode)
	}
	out.UpdatedAt = m.now()
	return out
}

func mergeAgentResult(st GraphState, agent string, data map[string]any) GraphState {
	for i, r := range st.AgentResults {
		if r.Agent == agent {
			st.AgentResults[i].Data = data
			return st
		}
	}
	st.AgentResults = append(st.AgentResults, AgentResult{Agent: agent, Data: data})
	return st
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mismatch(field, want string, got any) error {
	return &TypeMismatchError{Field: field, Want: want, Got: fmt.Sprintf("%T", got)}
}
