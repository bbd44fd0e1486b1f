package nodes

import (
	"context"
	"errors"
	"testing"

	"github.com/orchestra-ai/orchestra-go/orchestra"
	"github.com/orchestra-ai/orchestra-go/orchestra/capability"
	"github.com/orchestra-ai/orchestra-go/orchestra/model"
)

// brokenRepository fails every call, for retry-path tests.
type brokenRepository struct {
	err error
}

func (r *brokenRepository) Query(context.Context, string) ([]map[string]any, error) {
	return nil, r.err
}

func (r *brokenRepository) Totals(context.Context) (map[string]float64, error) {
	return nil, r.err
}

func TestSummaryDeterministicMessage(t *testing.T) {
	n := NewSummary()
	repo := capability.NewStaticRepository(map[string]float64{
		"revenue":  100,
		"expenses": 50,
	})

	var progress []string
	inv := testInv(capability.Map{capability.DataRepository: repo})
	inv.EmitProgress = func(content string, _ map[string]any) {
		progress = append(progress, content)
	}

	out, err := n.Invoke(context.Background(), orchestra.GraphState{}, inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.AgentResults) != 1 || out.AgentResults[0].Agent != NodeSummary {
		t.Fatalf("AgentResults = %+v", out.AgentResults)
	}

	data := out.AgentResults[0].Data
	want := "Summary: expenses=50.00 revenue=100.00 (total 150.00)"
	if data["message"] != want {
		t.Errorf("message = %q, want %q", data["message"], want)
	}

	metrics := data["metrics"].(map[string]any)
	if metrics["total"] != 150.0 {
		t.Errorf("metrics total = %v, want 150", metrics["total"])
	}
	if metrics["revenue"] != 100.0 || metrics["expenses"] != 50.0 {
		t.Errorf("metrics = %v", metrics)
	}

	if len(progress) == 0 {
		t.Error("no progress emitted")
	}
}

func TestSummaryRequiresRepository(t *testing.T) {
	n := NewSummary()

	t.Run("missing capability", func(t *testing.T) {
		_, err := n.Invoke(context.Background(), orchestra.GraphState{}, testInv(nil))
		var fe *orchestra.FatalNodeError
		if !errors.As(err, &fe) {
			t.Fatalf("error = %v, want FatalNodeError", err)
		}
		if fe.Kind != orchestra.FatalInvalidOutput {
			t.Errorf("kind = %q, want invalid_output", fe.Kind)
		}
	})

	t.Run("wrong handle type", func(t *testing.T) {
		inv := testInv(capability.Map{capability.DataRepository: "not a repository"})
		_, err := n.Invoke(context.Background(), orchestra.GraphState{}, inv)
		var fe *orchestra.FatalNodeError
		if !errors.As(err, &fe) {
			t.Fatalf("error = %v, want FatalNodeError", err)
		}
	})
}

func TestSummaryRepositoryFailureIsTransient(t *testing.T) {
	n := NewSummary()
	repo := &brokenRepository{err: errors.New("connection reset")}
	inv := testInv(capability.Map{capability.DataRepository: repo})

	_, err := n.Invoke(context.Background(), orchestra.GraphState{}, inv)
	if !orchestra.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
}

func TestSummaryPhrasesWithChatModel(t *testing.T) {
	n := NewSummary()
	repo := capability.NewStaticRepository(map[string]float64{"revenue": 100})
	chat := model.NewMockChat(model.ChatOut{
		Text:      "Revenue came in at 100.",
		Model:     "mock-1",
		TokensIn:  42,
		TokensOut: 10,
	})

	var recorded []string
	inv := testInv(capability.Map{
		capability.DataRepository: repo,
		capability.ChatModel:      chat,
	})
	inv.RecordModelCall = func(modelName string, tokensIn, tokensOut int) {
		recorded = append(recorded, modelName)
		if tokensIn != 42 || tokensOut != 10 {
			t.Errorf("tokens = %d/%d, want 42/10", tokensIn, tokensOut)
		}
	}

	out, err := n.Invoke(context.Background(), orchestra.GraphState{}, inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := out.AgentResults[0].Data["message"]; got != "Revenue came in at 100." {
		t.Errorf("message = %q, want the model's phrasing", got)
	}
	if len(recorded) != 1 || recorded[0] != "mock-1" {
		t.Errorf("recorded model calls = %v", recorded)
	}
	if len(chat.Calls()) != 1 {
		t.Errorf("chat called %d times, want 1", len(chat.Calls()))
	}
}

func TestSummaryChatFailureFallsBack(t *testing.T) {
	n := NewSummary()
	repo := capability.NewStaticRepository(map[string]float64{"revenue": 100})
	chat := model.NewMockChat()
	chat.Fail(errors.New("model unavailable"))

	inv := testInv(capability.Map{
		capability.DataRepository: repo,
		capability.ChatModel:      chat,
	})

	out, err := n.Invoke(context.Background(), orchestra.GraphState{}, inv)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := "Summary: revenue=100.00 (total 100.00)"
	if got := out.AgentResults[0].Data["message"]; got != want {
		t.Errorf("message = %q, want the deterministic fallback", got)
	}
}
