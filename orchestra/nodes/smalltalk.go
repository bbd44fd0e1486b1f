package nodes

import (
	"context"

	"github.com/orchestra-ai/orchestra-go/orchestra"
)

// Smalltalk is the conversational fallback. It handles greetings, low
// confidence classifications, and any agent the runtime routed away from a
// disabled node. No capabilities, no I/O.
type Smalltalk struct{}

// NewSmalltalk returns the fallback node.
func NewSmalltalk() *Smalltalk {
	return &Smalltalk{}
}

// Invoke implements orchestra.Node.
func (n *Smalltalk) Invoke(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
	var message string
	switch st.Intent {
	case orchestra.IntentGreeting:
		message = "Hello! Ask me for a summary, a comparison, or an anomaly check."
	case orchestra.IntentSmalltalk:
		message = "I'm best at analytical questions. Try asking for a summary of your data."
	default:
		message = "I wasn't sure what you were asking for. Could you rephrase?"
	}

	return inv.Mutator.MergeMap(st, "agent_results", map[string]any{
		NodeSmalltalk: map[string]any{
			"message": message,
			"metrics": map[string]any{},
		},
	})
}
