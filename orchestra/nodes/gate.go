package nodes

import (
	"context"

	"github.com/orchestra-ai/orchestra-go/orchestra"
)

// DefaultGateReason is used when a gate is built without a reason.
const DefaultGateReason = "confirm overwrite"

// HumanGate pauses the turn for an out-of-band decision. It records the
// reason and flips the status to awaiting_human; the runtime mints the
// resume token, checkpoints the paused state, and returns an
// awaiting_human envelope. A later Resume call with the token continues
// the graph at the node after the gate.
type HumanGate struct {
	reason string
}

// NewHumanGate returns a gate pausing with the given reason. An empty
// reason uses DefaultGateReason.
func NewHumanGate(reason string) *HumanGate {
	if reason == "" {
		reason = DefaultGateReason
	}
	return &HumanGate{reason: reason}
}

// Invoke implements orchestra.Node.
func (n *HumanGate) Invoke(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
	out, err := inv.Mutator.Set(st, "human_gate_reason", n.reason)
	if err != nil {
		return st, err
	}
	return inv.Mutator.Set(out, "status", orchestra.StatusAwaitingHuman)
}
