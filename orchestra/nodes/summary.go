package nodes

import (
	"context"
	"fmt"
	"sort"

	"github.com/orchestra-ai/orchestra-go/orchestra"
	"github.com/orchestra-ai/orchestra-go/orchestra/capability"
	"github.com/orchestra-ai/orchestra-go/orchestra/model"
)

// Summary is the example analytical agent. It pulls aggregate totals from
// the data repository capability and records a structured result with a
// non-empty metrics map. When a chat model capability is present it
// phrases the message; otherwise a deterministic rendering is used, so the
// agent works identically with or without an LLM behind it.
type Summary struct{}

// NewSummary returns the summary agent.
func NewSummary() *Summary {
	return &Summary{}
}

// Invoke implements orchestra.Node.
func (n *Summary) Invoke(ctx context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
	handle, ok := inv.Capabilities.Get(capability.DataRepository)
	if !ok {
		return st, &orchestra.FatalNodeError{
			Kind: orchestra.FatalInvalidOutput,
			Node: NodeSummary,
			Err:  fmt.Errorf("capability %s not provided", capability.DataRepository),
		}
	}
	repo, ok := handle.(capability.Repository)
	if !ok {
		return st, &orchestra.FatalNodeError{
			Kind: orchestra.FatalInvalidOutput,
			Node: NodeSummary,
			Err:  fmt.Errorf("capability %s has unexpected type %T", capability.DataRepository, handle),
		}
	}

	if inv.EmitProgress != nil {
		inv.EmitProgress("querying repository totals", nil)
	}

	totals, err := repo.Totals(ctx)
	if err != nil {
		// Repository hiccups are worth a retry under the node's policy.
		return st, orchestra.Transient(err)
	}

	metrics := make(map[string]any, len(totals)+1)
	var grand float64
	for k, v := range totals {
		metrics[k] = v
		grand += v
	}
	metrics["total"] = grand

	message := renderSummary(totals, grand)
	if chatAny, ok := inv.Capabilities.Get(capability.ChatModel); ok {
		if chat, ok := chatAny.(model.ChatModel); ok {
			if phrased, ok := n.phrase(ctx, chat, inv, totals, grand); ok {
				message = phrased
			}
		}
	}

	return inv.Mutator.MergeMap(st, "agent_results", map[string]any{
		NodeSummary: map[string]any{
			"message": message,
			"metrics": metrics,
		},
	})
}

// phrase asks the chat model for a one-paragraph rendering of the totals.
// Model failures are swallowed; the deterministic message is always
// available as the fallback.
func (n *Summary) phrase(ctx context.Context, chat model.ChatModel, inv *orchestra.Invocation, totals map[string]float64, grand float64) (string, bool) {
	prompt := fmt.Sprintf("Summarize these metrics in one short paragraph: %s (grand total %.2f).",
		renderSummary(totals, grand), grand)

	out, err := chat.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: "You summarize business metrics concisely for an end user."},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil || out.Text == "" {
		return "", false
	}
	if inv.RecordModelCall != nil {
		inv.RecordModelCall(out.Model, out.TokensIn, out.TokensOut)
	}
	return out.Text, true
}

// renderSummary produces the deterministic message, keys in sorted order.
func renderSummary(totals map[string]float64, grand float64) string {
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msg := "Summary:"
	for _, k := range keys {
		msg += fmt.Sprintf(" %s=%.2f", k, totals[k])
	}
	return msg + fmt.Sprintf(" (total %.2f)", grand)
}
