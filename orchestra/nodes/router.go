package nodes

import (
	"context"
	"fmt"

	"github.com/orchestra-ai/orchestra-go/orchestra"
)

// NodeSmalltalk, NodeSummary, and NodeHumanGate name the routing targets
// the scaffold graph wires up.
const (
	NodeIntent    = "intent"
	NodeReasoning = "reasoning"
	NodeRouter    = "router"
	NodeSummary   = "summary"
	NodeSmalltalk = "smalltalk"
	NodeHumanGate = "human_gate"
	NodeAssemble  = "assemble"
)

// targetFor maps an intent to the node that serves it. Analytical intents
// share the summary agent; document intents pass through the human gate;
// everything conversational lands on smalltalk.
func targetFor(intent orchestra.Intent) string {
	switch intent {
	case orchestra.IntentSummary, orchestra.IntentBranch,
		orchestra.IntentAnomaly, orchestra.IntentDatabase,
		orchestra.IntentNews:
		return NodeSummary
	case orchestra.IntentDocument:
		return NodeHumanGate
	default:
		return NodeSmalltalk
	}
}

// Router selects the agent for the turn and records the decision on state.
// It is deterministic: the plan's target wins when the plan is coherent,
// the intent mapping otherwise. A plan whose steps name more than one
// target is a routing ambiguity and aborts the turn.
type Router struct{}

// NewRouter returns the routing node.
func NewRouter() *Router {
	return &Router{}
}

// Invoke implements orchestra.Node.
func (n *Router) Invoke(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
	target := targetFor(st.Intent)

	if len(st.Plan) > 0 {
		planTarget := st.Plan[0].TargetAgent
		for _, step := range st.Plan[1:] {
			if step.TargetAgent != planTarget {
				return st, &orchestra.RoutingError{
					Kind:   orchestra.RoutingAmbiguity,
					Node:   NodeRouter,
					Detail: fmt.Sprintf("plan targets both %q and %q", planTarget, step.TargetAgent),
				}
			}
		}
		if planTarget != "" {
			target = planTarget
		}
	}

	out, err := inv.Mutator.Set(st, "routing_decision", target)
	if err != nil {
		return st, err
	}
	return inv.Mutator.MergeMap(out, "response_metadata", map[string]any{
		"target_agent":  target,
		"routing_agent": NodeRouter,
	})
}
