package orchestra_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orchestra-ai/orchestra-go/orchestra"
	"github.com/orchestra-ai/orchestra-go/orchestra/broadcast"
	"github.com/orchestra-ai/orchestra-go/orchestra/capability"
	"github.com/orchestra-ai/orchestra-go/orchestra/nodes"
	"github.com/orchestra-ai/orchestra-go/orchestra/session"
)

func newTestRuntime(t *testing.T, opts ...orchestra.Option) (*orchestra.Orchestrator, capability.Map) {
	t.Helper()

	caps := capability.Map{
		capability.DataRepository: capability.NewStaticRepository(map[string]float64{
			"revenue":  100,
			"expenses": 50,
		}),
	}
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)

	orc, err := orchestra.New(store, caps, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { orc.Close() })

	for _, d := range nodes.Defaults(caps, orchestra.DefaultConfidenceFloor) {
		if err := orc.RegisterNode(d); err != nil {
			t.Fatalf("RegisterNode %s: %v", d.Name, err)
		}
	}
	if err := orc.RebuildGraph(nodes.DefaultSpec()); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}
	return orc, caps
}

// drain reads every event already queued on the subscription.
func drain(sub *broadcast.Subscription) []broadcast.Event {
	var out []broadcast.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func wantNodes(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("completed nodes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("completed nodes = %v, want %v", got, want)
		}
	}
}

func TestHappyPathSummaryTurn(t *testing.T) {
	orc, _ := newTestRuntime(t)
	sub := orc.Subscribe(broadcast.Filter{})
	defer sub.Close()
	drain(sub) // connection + empty history

	env, err := orc.StartTurn(context.Background(), "", "Give me a full summary report")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	if env.Status != orchestra.EnvelopeOK {
		t.Fatalf("Status = %q, want ok (error: %+v)", env.Status, env.Meta.Error)
	}
	if env.Intent != orchestra.IntentSummary {
		t.Errorf("Intent = %q, want summary", env.Intent)
	}
	if env.SessionID == "" || env.TraceID == "" {
		t.Error("envelope missing identifiers")
	}
	wantNodes(t, env.Meta.CompletedNodes,
		[]string{"intent", "reasoning", "router", "summary", "assemble", "finalize"})

	if env.Data.Message == "" {
		t.Error("empty message on happy path")
	}
	if total, ok := env.Data.Metrics["total"].(float64); !ok || total != 150 {
		t.Errorf("Metrics[total] = %v, want 150", env.Data.Metrics["total"])
	}
	if env.Meta.GraphVersion != 1 {
		t.Errorf("GraphVersion = %d, want 1", env.Meta.GraphVersion)
	}

	events := drain(sub)
	var transitions, starts, ends int
	lastSeq := int64(-1)
	for _, e := range events {
		switch e.Type {
		case broadcast.TypeNodeTransition:
			transitions++
		case broadcast.TypeAgentStart:
			starts++
		case broadcast.TypeAgentEnd:
			ends++
		}
		if int64(e.Sequence) <= lastSeq {
			t.Errorf("sequence %d not increasing after %d", e.Sequence, lastSeq)
		}
		lastSeq = int64(e.Sequence)
	}
	if transitions != 6 {
		t.Errorf("node_transition count = %d, want 6", transitions)
	}
	if starts != 5 || ends != 5 {
		t.Errorf("agent_start/agent_end = %d/%d, want 5/5", starts, ends)
	}
}

func TestLowConfidenceFallsBackToSmalltalk(t *testing.T) {
	orc, _ := newTestRuntime(t)

	env, err := orc.StartTurn(context.Background(), "", "zzz qqq blorp")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	if env.Status != orchestra.EnvelopeOK {
		t.Fatalf("Status = %q, want ok", env.Status)
	}
	if env.Intent != orchestra.IntentSmalltalk {
		t.Errorf("Intent = %q, want smalltalk", env.Intent)
	}
	wantNodes(t, env.Meta.CompletedNodes,
		[]string{"intent", "smalltalk", "assemble", "finalize"})
	if env.Data.Message == "" {
		t.Error("fallback produced no message")
	}
}

func TestHumanGatePauseAndResume(t *testing.T) {
	orc, _ := newTestRuntime(t)
	ctx := context.Background()

	env, err := orc.StartTurn(ctx, "sess-gate", "Export this as a document please")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeAwaitingHuman {
		t.Fatalf("Status = %q, want awaiting_human (error: %+v)", env.Status, env.Meta.Error)
	}
	if env.Meta.HumanGate == nil {
		t.Fatal("HumanGate meta missing")
	}
	if env.Meta.HumanGate.Reason != nodes.DefaultGateReason {
		t.Errorf("Reason = %q, want %q", env.Meta.HumanGate.Reason, nodes.DefaultGateReason)
	}
	token := env.Meta.HumanGate.ResumeToken
	if token == "" {
		t.Fatal("empty resume token")
	}

	t.Run("wrong token rejected", func(t *testing.T) {
		_, err := orc.Resume(ctx, "sess-gate", "resume-bogus", nil)
		if !errors.Is(err, orchestra.ErrResumeTokenInvalid) {
			t.Errorf("err = %v, want ErrResumeTokenInvalid", err)
		}
	})

	t.Run("unknown session rejected", func(t *testing.T) {
		_, err := orc.Resume(ctx, "sess-ghost", token, nil)
		if !errors.Is(err, orchestra.ErrSessionNotFound) {
			t.Errorf("err = %v, want ErrSessionNotFound", err)
		}
	})

	env, err = orc.Resume(ctx, "sess-gate", token, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if env.Status != orchestra.EnvelopeOK {
		t.Fatalf("resumed Status = %q, want ok (error: %+v)", env.Status, env.Meta.Error)
	}
	wantNodes(t, env.Meta.CompletedNodes,
		[]string{"intent", "reasoning", "router", "human_gate", "assemble", "finalize"})

	t.Run("token is single use", func(t *testing.T) {
		_, err := orc.Resume(ctx, "sess-gate", token, nil)
		if err == nil {
			t.Error("second resume accepted")
		}
	})
}

func TestHumanGateRejectionEndsTurn(t *testing.T) {
	orc, _ := newTestRuntime(t)
	ctx := context.Background()

	env, err := orc.StartTurn(ctx, "sess-reject", "save this as a document")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeAwaitingHuman {
		t.Fatalf("Status = %q, want awaiting_human", env.Status)
	}

	env, err = orc.Resume(ctx, "sess-reject", env.Meta.HumanGate.ResumeToken,
		map[string]any{"approved": false})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if env.Status != orchestra.EnvelopeOK {
		t.Errorf("rejected gate Status = %q, want ok", env.Status)
	}
	// Assemble never ran; the turn closed straight from the gate.
	for _, n := range env.Meta.CompletedNodes {
		if n == "assemble" {
			t.Error("assemble ran after a rejected gate")
		}
	}
}

func TestNodeTimeoutFailsTurn(t *testing.T) {
	caps := capability.Map{}
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, caps,
		orchestra.WithNodeTimeout(50*time.Millisecond),
		orchestra.WithGrace(0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	sleepy := orchestra.NodeFunc(func(ctx context.Context, st orchestra.GraphState, _ *orchestra.Invocation) (orchestra.GraphState, error) {
		select {
		case <-ctx.Done():
			// Outlive the grace window so the deadline path is taken.
			time.Sleep(200 * time.Millisecond)
		case <-time.After(5 * time.Second):
		}
		return st, nil
	})
	if err := orc.RegisterNode(orchestra.Descriptor{
		Name:    "sleepy",
		Kind:    orchestra.KindAgent,
		Enabled: true,
		Impl:    sleepy,
	}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := orc.RebuildGraph(orchestra.Spec{
		Entry: "sleepy",
		Nodes: []string{"sleepy"},
		Edges: []orchestra.Edge{{From: "sleepy", To: orchestra.TerminalFinalize}},
	}); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}

	env, err := orc.StartTurn(context.Background(), "", "anything")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeFailed {
		t.Fatalf("Status = %q, want failed", env.Status)
	}
	if env.Meta.Error == nil || env.Meta.Error.Kind != "timeout" || env.Meta.Error.Node != "sleepy" {
		t.Errorf("Meta.Error = %+v, want timeout at sleepy", env.Meta.Error)
	}
	if env.Data.Message == "" {
		t.Error("failed envelope has no safe message")
	}
}

func TestTurnTimeoutFailsTurn(t *testing.T) {
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, capability.Map{},
		orchestra.WithTurnTimeout(60*time.Millisecond),
		orchestra.WithNodeTimeout(10*time.Second),
		orchestra.WithGrace(0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	stuck := orchestra.NodeFunc(func(ctx context.Context, st orchestra.GraphState, _ *orchestra.Invocation) (orchestra.GraphState, error) {
		select {
		case <-ctx.Done():
			// Outlive the grace window so the deadline path is taken.
			time.Sleep(200 * time.Millisecond)
		case <-time.After(5 * time.Second):
		}
		return st, nil
	})
	if err := orc.RegisterNode(orchestra.Descriptor{
		Name:    "stuck",
		Kind:    orchestra.KindAgent,
		Enabled: true,
		Impl:    stuck,
	}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := orc.RebuildGraph(orchestra.Spec{
		Entry: "stuck",
		Nodes: []string{"stuck"},
		Edges: []orchestra.Edge{{From: "stuck", To: orchestra.TerminalFinalize}},
	}); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}

	env, err := orc.StartTurn(context.Background(), "", "anything")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeFailed {
		t.Fatalf("Status = %q, want failed", env.Status)
	}
	// The turn-wide deadline expiring is a timeout, not a cancellation.
	if env.Meta.Error == nil || env.Meta.Error.Kind != "timeout" || env.Meta.Error.Node != "stuck" {
		t.Errorf("Meta.Error = %+v, want timeout at stuck", env.Meta.Error)
	}
}

func TestTransientErrorsRetryThenSucceed(t *testing.T) {
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, capability.Map{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	attempts := 0
	flaky := orchestra.NodeFunc(func(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
		attempts++
		if attempts < 3 {
			return st, orchestra.Transient(errors.New("blip"))
		}
		return inv.Mutator.MergeMap(st, "agent_results", map[string]any{
			"flaky": map[string]any{"message": "made it", "metrics": map[string]any{}},
		})
	})
	if err := orc.RegisterNode(orchestra.Descriptor{
		Name:    "flaky",
		Kind:    orchestra.KindAgent,
		Enabled: true,
		Retry:   &orchestra.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Impl:    flaky,
	}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := orc.RebuildGraph(orchestra.Spec{
		Entry: "flaky",
		Nodes: []string{"flaky"},
		Edges: []orchestra.Edge{{From: "flaky", To: orchestra.TerminalFinalize}},
	}); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}

	env, err := orc.StartTurn(context.Background(), "", "go")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeOK {
		t.Fatalf("Status = %q, want ok (error: %+v)", env.Status, env.Meta.Error)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDynamicRebuildAndVersionPinning(t *testing.T) {
	orc, _ := newTestRuntime(t)
	ctx := context.Background()

	env, err := orc.StartTurn(ctx, "sess-v", "summarize the quarter report")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Meta.GraphVersion != 1 {
		t.Fatalf("GraphVersion = %d, want 1", env.Meta.GraphVersion)
	}

	// Pause a second session at the gate on version 1.
	gated, err := orc.StartTurn(ctx, "sess-pinned", "export the document")
	if err != nil {
		t.Fatalf("StartTurn gated: %v", err)
	}
	if gated.Status != orchestra.EnvelopeAwaitingHuman {
		t.Fatalf("Status = %q, want awaiting_human", gated.Status)
	}

	if err := orc.RebuildGraph(nodes.DefaultSpec()); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}
	if orc.GraphVersion() != 2 {
		t.Fatalf("GraphVersion() = %d, want 2", orc.GraphVersion())
	}

	t.Run("new turns use the new version", func(t *testing.T) {
		env, err := orc.StartTurn(ctx, "sess-v", "another summary please")
		if err != nil {
			t.Fatalf("StartTurn: %v", err)
		}
		if env.Meta.GraphVersion != 2 {
			t.Errorf("GraphVersion = %d, want 2", env.Meta.GraphVersion)
		}
	})

	t.Run("paused turn resumes on its pinned version", func(t *testing.T) {
		env, err := orc.Resume(ctx, "sess-pinned", gated.Meta.HumanGate.ResumeToken,
			map[string]any{"approved": true})
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if env.Meta.GraphVersion != 1 {
			t.Errorf("resumed GraphVersion = %d, want 1", env.Meta.GraphVersion)
		}
	})

	t.Run("unregister active node fails", func(t *testing.T) {
		err := orc.UnregisterNode("router")
		if !errors.Is(err, orchestra.ErrNodeInUse) {
			t.Errorf("err = %v, want ErrNodeInUse", err)
		}
	})
}

func TestDisabledAgentFallsBackToSmalltalk(t *testing.T) {
	orc, _ := newTestRuntime(t)

	if err := orc.SetNodeEnabled("summary", false); err != nil {
		t.Fatalf("SetNodeEnabled: %v", err)
	}

	env, err := orc.StartTurn(context.Background(), "", "summarize the totals")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeOK {
		t.Fatalf("Status = %q, want ok", env.Status)
	}

	sawSmalltalk := false
	for _, n := range env.Meta.CompletedNodes {
		if n == "smalltalk" {
			sawSmalltalk = true
		}
	}
	if !sawSmalltalk {
		t.Errorf("completed nodes %v missing smalltalk fallback", env.Meta.CompletedNodes)
	}
}

func TestAntiRepetitionShortCircuit(t *testing.T) {
	orc, _ := newTestRuntime(t)
	ctx := context.Background()

	first, err := orc.StartTurn(ctx, "sess-rep", "Summarize the monthly report")
	if err != nil {
		t.Fatalf("first StartTurn: %v", err)
	}
	if first.Status != orchestra.EnvelopeOK {
		t.Fatalf("first Status = %q", first.Status)
	}

	second, err := orc.StartTurn(ctx, "sess-rep", "  summarize the MONTHLY report?? ")
	if err != nil {
		t.Fatalf("second StartTurn: %v", err)
	}
	if second.Status != orchestra.EnvelopeOK {
		t.Fatalf("second Status = %q", second.Status)
	}
	wantNodes(t, second.Meta.CompletedNodes, []string{"finalize"})
	if second.Data.Message != first.Data.Message {
		t.Errorf("cached message %q differs from original %q",
			second.Data.Message, first.Data.Message)
	}

	third, err := orc.StartTurn(ctx, "sess-rep", "now the anomalies instead")
	if err != nil {
		t.Fatalf("third StartTurn: %v", err)
	}
	if len(third.Meta.CompletedNodes) <= 1 {
		t.Errorf("distinct query was served from cache: %v", third.Meta.CompletedNodes)
	}
}

func TestCachedTurnFinishesAtNewStep(t *testing.T) {
	caps := capability.Map{
		capability.DataRepository: capability.NewStaticRepository(map[string]float64{
			"revenue":  100,
			"expenses": 50,
		}),
	}
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, caps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()
	for _, d := range nodes.Defaults(caps, orchestra.DefaultConfidenceFloor) {
		if err := orc.RegisterNode(d); err != nil {
			t.Fatalf("RegisterNode %s: %v", d.Name, err)
		}
	}
	if err := orc.RebuildGraph(nodes.DefaultSpec()); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}
	ctx := context.Background()

	first, err := orc.StartTurn(ctx, "sess-steps", "Summarize the monthly report")
	if err != nil {
		t.Fatalf("first StartTurn: %v", err)
	}
	if first.Status != orchestra.EnvelopeOK {
		t.Fatalf("first Status = %q", first.Status)
	}
	firstFinal, err := store.Latest(ctx, "sess-steps")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}

	second, err := orc.StartTurn(ctx, "sess-steps", "Summarize the monthly report")
	if err != nil {
		t.Fatalf("second StartTurn: %v", err)
	}
	wantNodes(t, second.Meta.CompletedNodes, []string{"finalize"})

	latest, err := store.Latest(ctx, "sess-steps")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Step != firstFinal.Step+1 {
		t.Errorf("cached turn closed at step %d, want %d", latest.Step, firstFinal.Step+1)
	}
	prior, err := store.At(ctx, "sess-steps", firstFinal.Step)
	if err != nil {
		t.Fatalf("first turn's final snapshot gone: %v", err)
	}
	if prior.TraceID != first.TraceID {
		t.Errorf("snapshot at step %d carries trace %q, want %q",
			firstFinal.Step, prior.TraceID, first.TraceID)
	}

	t.Run("rejected gate closes at a new step", func(t *testing.T) {
		env, err := orc.StartTurn(ctx, "sess-gate-step", "export the document")
		if err != nil {
			t.Fatalf("StartTurn: %v", err)
		}
		if env.Status != orchestra.EnvelopeAwaitingHuman {
			t.Fatalf("Status = %q, want awaiting_human", env.Status)
		}
		paused, err := store.Latest(ctx, "sess-gate-step")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}

		env, err = orc.Resume(ctx, "sess-gate-step", env.Meta.HumanGate.ResumeToken,
			map[string]any{"approved": false})
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if env.Status != orchestra.EnvelopeOK {
			t.Fatalf("rejected Status = %q, want ok", env.Status)
		}

		final, err := store.Latest(ctx, "sess-gate-step")
		if err != nil {
			t.Fatalf("Latest: %v", err)
		}
		if final.Step != paused.Step+1 {
			t.Errorf("rejection closed at step %d, want %d", final.Step, paused.Step+1)
		}
		if _, err := store.At(ctx, "sess-gate-step", paused.Step); err != nil {
			t.Errorf("paused snapshot gone: %v", err)
		}
	})
}

func TestRetentionOptionsConfigureStore(t *testing.T) {
	caps := capability.Map{
		capability.DataRepository: capability.NewStaticRepository(map[string]float64{
			"revenue":  100,
			"expenses": 50,
		}),
	}
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, caps,
		orchestra.WithHistoryDepth(2),
		orchestra.WithSessionTTL(time.Hour),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()
	for _, d := range nodes.Defaults(caps, orchestra.DefaultConfidenceFloor) {
		if err := orc.RegisterNode(d); err != nil {
			t.Fatalf("RegisterNode %s: %v", d.Name, err)
		}
	}
	if err := orc.RebuildGraph(nodes.DefaultSpec()); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}
	ctx := context.Background()

	env, err := orc.StartTurn(ctx, "sess-keep", "Give me a full summary report")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeOK {
		t.Fatalf("Status = %q, want ok (error: %+v)", env.Status, env.Meta.Error)
	}

	// The configured depth of 2 trims the early snapshots.
	if _, err := store.At(ctx, "sess-keep", 1); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("At(1) = %v, want ErrNotFound after trim", err)
	}
	latest, err := store.Latest(ctx, "sess-keep")
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if _, err := store.At(ctx, "sess-keep", latest.Step); err != nil {
		t.Errorf("At(%d): %v", latest.Step, err)
	}

	// The configured TTL of an hour keeps the session past the store's
	// construction default.
	removed, err := store.Sweep(ctx, time.Now().Add(45*time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Errorf("Sweep removed %d sessions, want 0 under the configured TTL", removed)
	}
}

func TestConfidenceFloorOptionFallsBack(t *testing.T) {
	caps := capability.Map{
		capability.DataRepository: capability.NewStaticRepository(map[string]float64{
			"revenue":  100,
			"expenses": 50,
		}),
	}
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, caps, orchestra.WithConfidenceFloor(0.9))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	// The classifier's own floor is off; the engine's floor is what trips.
	for _, d := range nodes.Defaults(caps, 0) {
		if err := orc.RegisterNode(d); err != nil {
			t.Fatalf("RegisterNode %s: %v", d.Name, err)
		}
	}
	if err := orc.RebuildGraph(nodes.DefaultSpec()); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}

	env, err := orc.StartTurn(context.Background(), "", "summary please")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeOK {
		t.Fatalf("Status = %q, want ok (error: %+v)", env.Status, env.Meta.Error)
	}
	if env.Intent != orchestra.IntentSmalltalk {
		t.Errorf("Intent = %q, want smalltalk under the raised floor", env.Intent)
	}
	wantNodes(t, env.Meta.CompletedNodes,
		[]string{"intent", "smalltalk", "assemble", "finalize"})
}

func TestPausedTurnAlwaysCarriesGateReason(t *testing.T) {
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, capability.Map{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	pauser := orchestra.NodeFunc(func(_ context.Context, st orchestra.GraphState, inv *orchestra.Invocation) (orchestra.GraphState, error) {
		return inv.Mutator.Set(st, "status", orchestra.StatusAwaitingHuman)
	})
	if err := orc.RegisterNode(orchestra.Descriptor{
		Name:    "pauser",
		Kind:    orchestra.KindGate,
		Enabled: true,
		Impl:    pauser,
	}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := orc.RebuildGraph(orchestra.Spec{
		Entry: "pauser",
		Nodes: []string{"pauser"},
		Edges: []orchestra.Edge{{From: "pauser", To: orchestra.TerminalFinalize}},
	}); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}

	env, err := orc.StartTurn(context.Background(), "sess-pause", "hold on")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if env.Status != orchestra.EnvelopeAwaitingHuman {
		t.Fatalf("Status = %q, want awaiting_human", env.Status)
	}
	if env.Meta.HumanGate == nil {
		t.Fatal("HumanGate meta missing")
	}
	if env.Meta.HumanGate.Reason == "" {
		t.Error("paused turn has no gate reason")
	}
	if env.Meta.HumanGate.ResumeToken == "" {
		t.Error("paused turn has no resume token")
	}
}

func TestCancelTurn(t *testing.T) {
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, capability.Map{}, orchestra.WithGrace(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	started := make(chan struct{})
	slow := orchestra.NodeFunc(func(ctx context.Context, st orchestra.GraphState, _ *orchestra.Invocation) (orchestra.GraphState, error) {
		close(started)
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(10 * time.Second):
			return st, nil
		}
	})
	if err := orc.RegisterNode(orchestra.Descriptor{
		Name:    "slow",
		Kind:    orchestra.KindAgent,
		Enabled: true,
		Impl:    slow,
	}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if err := orc.RebuildGraph(orchestra.Spec{
		Entry: "slow",
		Nodes: []string{"slow"},
		Edges: []orchestra.Edge{{From: "slow", To: orchestra.TerminalFinalize}},
	}); err != nil {
		t.Fatalf("RebuildGraph: %v", err)
	}

	type result struct {
		env *orchestra.Envelope
		err error
	}
	done := make(chan result, 1)
	go func() {
		env, err := orc.StartTurn(context.Background(), "sess-cancel", "work")
		done <- result{env, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("node never started")
	}
	if err := orc.CancelTurn("sess-cancel", ""); err != nil {
		t.Fatalf("CancelTurn: %v", err)
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("StartTurn: %v", res.err)
	}
	if res.env.Status != orchestra.EnvelopeFailed {
		t.Fatalf("Status = %q, want failed", res.env.Status)
	}
	if res.env.Meta.Error == nil || res.env.Meta.Error.Kind != "cancelled" {
		t.Errorf("Meta.Error = %+v, want cancelled", res.env.Meta.Error)
	}

	if err := orc.CancelTurn("sess-cancel", ""); !errors.Is(err, orchestra.ErrTurnNotFound) {
		t.Errorf("cancel of finished turn = %v, want ErrTurnNotFound", err)
	}
}

func TestStartTurnWithoutGraph(t *testing.T) {
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, capability.Map{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer orc.Close()

	_, err = orc.StartTurn(context.Background(), "", "hello")
	if !errors.Is(err, orchestra.ErrNoActiveGraph) {
		t.Errorf("err = %v, want ErrNoActiveGraph", err)
	}
}

func TestClosedOrchestratorRejectsWork(t *testing.T) {
	store := session.NewMemStore[orchestra.GraphState](32, 30*time.Minute)
	orc, err := orchestra.New(store, capability.Map{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := orc.StartTurn(context.Background(), "", "hello"); !errors.Is(err, orchestra.ErrClosed) {
		t.Errorf("StartTurn after close = %v, want ErrClosed", err)
	}
	if err := orc.Close(); !errors.Is(err, orchestra.ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}
