package nodes

import (
	"context"

	"github.com/orchestra-ai/orchestra-go/orchestra"
)

// Assemble folds the turn's agent results into response_metadata.result.
// It is pure: no I/O, no capabilities, and the same inputs always produce
// the same fold. The first message recorded wins and metrics merge across
// agents in insertion order, later agents overwriting colliding keys.
type Assemble struct{}

// NewAssemble returns the assembly node.
func NewAssemble() *Assemble {
	return &Assemble{}
}

// Invoke implements orchestra.Node.
func (n *Assemble) Invoke(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
	message := ""
	metrics := map[string]any{}
	agents := make([]any, 0, len(st.AgentResults))

	for _, r := range st.AgentResults {
		agents = append(agents, r.Agent)
		if msg, ok := r.Data["message"].(string); ok && message == "" {
			message = msg
		}
		if m, ok := r.Data["metrics"].(map[string]any); ok {
			for k, v := range m {
				metrics[k] = v
			}
		}
	}

	if message == "" {
		message = "I wasn't able to produce a result for that request."
	}

	return inv.Mutator.MergeMap(st, "response_metadata", map[string]any{
		"result": map[string]any{
			"message": message,
			"metrics": metrics,
			"agents":  agents,
		},
	})
}
