package nodes

import (
	"context"
	"fmt"

	"github.com/orchestra-ai/orchestra-go/orchestra"
)

// Reasoning synthesizes the turn's plan from the classified intent. The
// scaffold keeps it deterministic: one step per turn, targeting the agent
// the intent maps to.
type Reasoning struct{}

// NewReasoning returns the plan synthesis node.
func NewReasoning() *Reasoning {
	return &Reasoning{}
}

// Invoke implements orchestra.Node.
func (n *Reasoning) Invoke(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
	target := targetFor(st.Intent)

	step := orchestra.PlanStep{
		ID:             fmt.Sprintf("step-%d", st.Step),
		Title:          fmt.Sprintf("Handle %s request", st.Intent),
		Description:    st.UserMessage,
		TargetAgent:    target,
		ExpectedOutput: "structured result with message and metrics",
	}

	if inv.EmitProgress != nil {
		inv.EmitProgress(fmt.Sprintf("planned 1 step targeting %s", target), nil)
	}
	return inv.Mutator.Set(st, "plan", []orchestra.PlanStep{step})
}
