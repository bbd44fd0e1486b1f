package orchestra

import (
	"context"
	"time"

	"github.com/orchestra-ai/orchestra-go/orchestra/capability"
)

// Node is the invocation contract every graph node satisfies. The received
// state is a read-only view; implementations must produce their output
// through inv.Mutator and return the new snapshot. Escaping errors are
// classified by the runtime: a TransientError is retried per the node's
// policy, anything else aborts the turn.
type Node interface {
	Invoke(ctx context.Context, state GraphState, inv *Invocation) (GraphState, error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc func(ctx context.Context, state GraphState, inv *Invocation) (GraphState, error)

// Invoke implements Node.
func (f NodeFunc) Invoke(ctx context.Context, state GraphState, inv *Invocation) (GraphState, error) {
	return f(ctx, state, inv)
}

// Invocation carries the per-call context a node receives: identifiers, the
// deadline, the capabilities its descriptor declared, the mutator it must
// use for state changes, and callbacks for progress events and model-call
// accounting.
type Invocation struct {
	// SessionID and TraceID identify the turn being served.
	SessionID string
	TraceID   string

	// Attempt is 1 for the first invocation and increments per retry.
	Attempt int

	// Deadline is when the runtime will cancel this invocation.
	Deadline time.Time

	// Capabilities holds only the handles the node's descriptor declared.
	Capabilities capability.Map

	// Mutator is the sole legal way to derive a new state snapshot.
	Mutator *Mutator

	// EmitProgress publishes an agent_progress event with a short
	// human-readable content string. May be called zero or more times; nil
	// meta is allowed.
	EmitProgress func(content string, meta map[string]any)

	// RecordModelCall reports LLM token usage so the turn's envelope and
	// agent_end events carry token and cost figures.
	RecordModelCall func(modelName string, tokensIn, tokensOut int)
}
