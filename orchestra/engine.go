package orchestra

import (
	"context"
	"errors"
	"time"

	"github.com/orchestra-ai/orchestra-go/orchestra/broadcast"
	"github.com/orchestra-ai/orchestra-go/orchestra/session"
)

// defaultGateReason stands in when a node pauses a turn without saying
// why. An awaiting_human envelope always carries a reason.
const defaultGateReason = "human approval required"

// runTurn drives one full turn from the graph entry. The session lock is
// held by the caller.
func (o *Orchestrator) runTurn(ctx context.Context, g *Graph, sessionID, userMessage string) (*Envelope, error) {
	start := o.cfg.Clock()
	traceID := NewTraceID()
	o.setTurnTrace(sessionID, traceID)

	st, err := o.store.Latest(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return nil, err
		}
		st = GraphState{SessionID: sessionID, Status: StatusInitialized}
	}

	priorHash := st.Hashes[HashQuery]
	priorStatus := st.Status
	priorSideEffects := st.Hashes[hashSideEffects]
	_, hadResult := st.ResponseMetadata["result"]

	st = o.mut.ResetTurn(st, traceID, userMessage, g.Version())

	usage := NewUsageTracker()
	usage.SetClock(o.cfg.Clock)

	qh := QueryHash(userMessage)
	repeat := priorHash == qh &&
		priorStatus == StatusCompleted &&
		priorSideEffects != "1" &&
		hadResult

	st, err = o.mut.MergeMap(st, "hashes", map[string]any{
		HashQuery:       qh,
		hashSideEffects: "0",
	})
	if err != nil {
		return nil, err
	}

	if repeat {
		// Identical to the previous completed turn and nothing side-effecting
		// ran, so the cached result is still valid. ResetTurn keeps
		// response_metadata, which holds it.
		st, _ = o.mut.MergeMap(st, "response_metadata", map[string]any{
			"served_from_cache": true,
		})
		st = o.mut.Advance(st, TerminalFinalize)
		return o.finishTurn(ctx, st, start, usage, nil)
	}
	st, _ = o.mut.MergeMap(st, "response_metadata", map[string]any{
		"served_from_cache": false,
	})

	return o.runLoop(ctx, g, st, g.Entry(), start, usage, false)
}

// resumeTurn continues a turn paused at a human gate. The validated
// decision lands under response_metadata.human_decision where the node
// after the gate can read it.
func (o *Orchestrator) resumeTurn(ctx context.Context, g *Graph, st GraphState, decision map[string]any) (*Envelope, error) {
	start := o.cfg.Clock()
	o.setTurnTrace(st.SessionID, st.TraceID)

	usage := NewUsageTracker()
	usage.SetClock(o.cfg.Clock)

	if decision == nil {
		decision = map[string]any{}
	}
	st, err := o.mut.MergeMap(st, "response_metadata", map[string]any{
		"human_decision": decision,
	})
	if err != nil {
		return nil, err
	}

	resumeNode := st.ResumeNode
	st, _ = o.mut.Set(st, "status", StatusProcessing)
	st, _ = o.mut.Set(st, "human_gate_reason", "")
	st, _ = o.mut.Set(st, "resume_token", "")
	st, _ = o.mut.Set(st, "resume_node", "")

	if approved, ok := decision["approved"].(bool); ok && !approved {
		// A rejected gate skips the remaining work and closes the turn.
		st = o.mut.Advance(st, TerminalFinalize)
		return o.finishTurn(ctx, st, start, usage, nil)
	}

	if resumeNode == "" || resumeNode == TerminalFinalize {
		st = o.mut.Advance(st, TerminalFinalize)
		return o.finishTurn(ctx, st, start, usage, nil)
	}
	return o.runLoop(ctx, g, st, resumeNode, start, usage, true)
}

// runLoop executes the graph from entry until a terminal node, a human
// gate, or a fatal error. Each hop advances the cursors, persists the
// snapshot, emits a node_transition, invokes the node under its deadline
// with retries for transient failures, and routes to the next node.
func (o *Orchestrator) runLoop(ctx context.Context, g *Graph, st GraphState, entry string, start time.Time, usage *UsageTracker, pinned bool) (*Envelope, error) {
	current := entry

	for {
		st = o.mut.Advance(st, current)
		if err := o.store.Put(ctx, st.SessionID, st.Step, current, st); err != nil {
			return o.failTurn(ctx, st, start, usage, err, current)
		}
		if !pinned {
			if err := o.store.Pin(ctx, st.SessionID, st.TraceID, g.Version()); err != nil {
				return o.failTurn(ctx, st, start, usage, err, current)
			}
			pinned = true
		}

		o.publish(st, broadcast.Event{
			Type:     broadcast.TypeNodeTransition,
			FromNode: st.PreviousNode,
			ToNode:   current,
			Action:   actionFor(g, current),
		})

		if current == TerminalFinalize || g.IsTerminal(current) {
			return o.finishTurn(ctx, st, start, usage, nil)
		}

		desc, ok := g.Node(current)
		if !ok {
			return o.failTurn(ctx, st, start, usage,
				&RoutingError{Kind: RoutingDeadEnd, Node: current, Detail: "node not in graph"}, current)
		}

		if !o.registry.Enabled(desc.Name) {
			current = o.fallbackFor(g, desc)
			continue
		}

		if !o.cfg.DefaultPrivilege.AtLeast(desc.RequiredPrivilege) {
			return o.failTurn(ctx, st, start, usage, &FatalNodeError{
				Kind: FatalPrivilegeDenied,
				Node: desc.Name,
				Err:  ErrPrivilegeConflict,
			}, current)
		}

		priorIntent, priorConf := st.Intent, st.IntentConfidence
		out, err := o.invokeWithRetry(ctx, g, desc, st, usage)
		if err != nil {
			return o.failTurn(ctx, st, start, usage, err, current)
		}
		st = out

		// A fresh classification below the floor falls back to smalltalk
		// unless the caller forced the route.
		if (st.Intent != priorIntent || st.IntentConfidence != priorConf) &&
			st.Intent != IntentSmalltalk && st.IntentConfidence < o.cfg.ConfidenceFloor {
			if forced, _ := st.ResponseMetadata["force_route"].(bool); !forced {
				st, _ = o.mut.Set(st, "intent", IntentSmalltalk)
			}
		}

		if desc.SideEffecting {
			st, _ = o.mut.MergeMap(st, "hashes", map[string]any{hashSideEffects: "1"})
		}

		if st.Status == StatusAwaitingHuman {
			return o.pauseTurn(ctx, g, st, current, start, usage)
		}

		next, err := g.Next(st, current)
		if err != nil {
			return o.failTurn(ctx, st, start, usage, err, current)
		}
		current = next
	}
}

// invokeWithRetry runs one node under its deadline, retrying transient
// failures per the node's policy. It emits agent_start and agent_end
// around every attempt.
func (o *Orchestrator) invokeWithRetry(ctx context.Context, g *Graph, desc Descriptor, st GraphState, usage *UsageTracker) (GraphState, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = o.cfg.NodeTimeout
	}
	maxAttempts := 1
	if desc.Retry != nil {
		maxAttempts = desc.Retry.MaxAttempts
	}

	caps, _ := o.caps.Subset(desc.RequiredCapabilities)
	action := desc.Action.Normalize()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.publish(st, broadcast.Event{
			Type:   broadcast.TypeAgentStart,
			Agent:  desc.Name,
			Action: action,
			Data:   map[string]any{"attempt": attempt},
		})

		inv := &Invocation{
			SessionID:    st.SessionID,
			TraceID:      st.TraceID,
			Attempt:      attempt,
			Capabilities: caps,
			Mutator:      o.mut,
			EmitProgress: func(content string, meta map[string]any) {
				o.publish(st, broadcast.Event{
					Type:   broadcast.TypeAgentProgress,
					Agent:  desc.Name,
					Action: action,
					Data:   map[string]any{"content": content},
					Meta:   meta,
				})
			},
			RecordModelCall: func(modelName string, tokensIn, tokensOut int) {
				usage.Record(desc.Name, modelName, tokensIn, tokensOut)
				if o.cfg.Usage != nil {
					o.cfg.Usage.Record(desc.Name, modelName, tokensIn, tokensOut)
				}
			},
		}

		began := o.cfg.Clock()
		out, err := invokeNode(ctx, desc.Name, desc.Impl, st, inv, timeout, o.cfg.Grace)
		elapsed := o.cfg.Clock().Sub(began)

		status := attemptStatus(err)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.ObserveNode(desc.Name, status, elapsed)
		}

		tokens, cost := usage.AgentUsage(desc.Name)
		endData := map[string]any{
			"status":      status,
			"attempt":     attempt,
			"duration_ms": elapsed.Milliseconds(),
		}
		if tokens > 0 {
			endData["tokens"] = tokens
			endData["cost_usd"] = cost
		}
		o.publish(st, broadcast.Event{
			Type:   broadcast.TypeAgentEnd,
			Agent:  desc.Name,
			Action: broadcast.ActionAgentEnd,
			Data:   endData,
		})

		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == maxAttempts {
			break
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.IncRetry(desc.Name, "transient")
		}

		delay := computeBackoff(attempt-1, desc.Retry.BaseDelay, desc.Retry.MaxDelay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			kind := FatalCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				kind = FatalTimeout
			}
			return st, &FatalNodeError{Kind: kind, Node: desc.Name, Err: ctx.Err()}
		case <-timer.C:
		}
	}
	return st, lastErr
}

// pauseTurn checkpoints a turn stopped at a human gate. The runtime mints
// the resume token and records the node to continue from, then returns an
// awaiting_human envelope.
func (o *Orchestrator) pauseTurn(ctx context.Context, g *Graph, st GraphState, gateNode string, start time.Time, usage *UsageTracker) (*Envelope, error) {
	if st.HumanGateReason == "" {
		// A paused turn always carries a reason the caller can show.
		st, _ = o.mut.Set(st, "human_gate_reason", defaultGateReason)
	}
	if st.ResumeToken == "" {
		st, _ = o.mut.Set(st, "resume_token", NewResumeToken())
	}
	if st.ResumeNode == "" {
		if next, err := g.Next(st, gateNode); err == nil {
			st, _ = o.mut.Set(st, "resume_node", next)
		} else {
			st, _ = o.mut.Set(st, "resume_node", TerminalFinalize)
		}
	}

	if err := o.store.Put(ctx, st.SessionID, st.Step, gateNode, st); err != nil {
		return o.failTurn(ctx, st, start, usage, err, gateNode)
	}

	o.publish(st, broadcast.Event{
		Type:   broadcast.TypeState,
		Agent:  gateNode,
		Action: broadcast.ActionHumanGateWait,
		Data: map[string]any{
			"status": string(StatusAwaitingHuman),
			"reason": st.HumanGateReason,
			"step":   st.Step,
		},
	})

	duration := o.cfg.Clock().Sub(start)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ObserveTurn(string(EnvelopeAwaitingHuman), duration)
	}
	return buildEnvelope(st, duration, usage, nil), nil
}

// finishTurn closes out a turn: finalize lands on completed_nodes, the
// status settles, the final snapshot persists, a state event goes out, and
// the envelope is built.
func (o *Orchestrator) finishTurn(ctx context.Context, st GraphState, start time.Time, usage *UsageTracker, envErr *EnvelopeError) (*Envelope, error) {
	st, _ = o.mut.Append(st, "completed_nodes", TerminalFinalize)

	final := StatusCompleted
	if envErr != nil {
		final = StatusFailed
	}
	st, _ = o.mut.Set(st, "status", final)

	// Persistence failures at this point are reported on the envelope but do
	// not turn a completed turn into a failed one.
	putErr := o.store.Put(ctx, st.SessionID, st.Step, TerminalFinalize, st)

	o.publish(st, broadcast.Event{
		Type:   broadcast.TypeState,
		Action: broadcast.ActionFinalize,
		Data: map[string]any{
			"status": string(final),
			"step":   st.Step,
		},
	})

	duration := o.cfg.Clock().Sub(start)
	status := string(EnvelopeOK)
	if envErr != nil {
		status = string(EnvelopeFailed)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ObserveTurn(status, duration)
	}

	env := buildEnvelope(st, duration, usage, envErr)
	if putErr != nil {
		return env, putErr
	}
	return env, nil
}

// failTurn converts a fatal error into a failed envelope. The turn always
// produces an envelope; the error is classified onto meta.error and a safe
// message replaces the missing result.
func (o *Orchestrator) failTurn(ctx context.Context, st GraphState, start time.Time, usage *UsageTracker, err error, node string) (*Envelope, error) {
	envErr := classifyError(err, node)

	o.publish(st, broadcast.Event{
		Type:  broadcast.TypeError,
		Agent: node,
		Data: map[string]any{
			"kind":   envErr.Kind,
			"reason": envErr.Message,
		},
	})

	st, _ = o.mut.Set(st, "current_node", TerminalFinalize)
	return o.finishTurn(ctx, st, start, usage, envErr)
}

// publish stamps session identity onto an event and hands it to the
// broadcaster.
func (o *Orchestrator) publish(st GraphState, e broadcast.Event) {
	e.SessionID = st.SessionID
	e.TraceID = st.TraceID
	o.bus.Publish(e)
}

// fallbackFor picks the route taken when a node is disabled: agents fall
// back to the smalltalk node when the graph carries an enabled one, gates
// and everything else to finalize.
func (o *Orchestrator) fallbackFor(g *Graph, desc Descriptor) string {
	if desc.Kind == KindAgent && desc.Name != "smalltalk" {
		if g.Has("smalltalk") && o.registry.Enabled("smalltalk") {
			return "smalltalk"
		}
	}
	return TerminalFinalize
}

// actionFor returns the semantic label for a transition target.
func actionFor(g *Graph, node string) broadcast.Action {
	if node == TerminalFinalize {
		return broadcast.ActionFinalize
	}
	if d, ok := g.Node(node); ok {
		return d.Action.Normalize()
	}
	return broadcast.ActionOther
}

// attemptStatus maps an invocation error to the agent_end status label.
func attemptStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var fatal *FatalNodeError
	if errors.As(err, &fatal) && (fatal.Kind == FatalCancelled || fatal.Kind == FatalTimeout) {
		return "cancelled"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}

// classifyError maps an engine error to the envelope error block.
func classifyError(err error, node string) *EnvelopeError {
	var fatal *FatalNodeError
	if errors.As(err, &fatal) {
		return &EnvelopeError{
			Kind:    string(fatal.Kind),
			Message: safeMessage(fatal.Kind),
			Node:    fatal.Node,
		}
	}
	var routing *RoutingError
	if errors.As(err, &routing) {
		return &EnvelopeError{
			Kind:    "routing",
			Message: "The request could not be routed.",
			Node:    routing.Node,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &EnvelopeError{
			Kind:    string(FatalCancelled),
			Message: safeMessage(FatalCancelled),
			Node:    node,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &EnvelopeError{
			Kind:    string(FatalTimeout),
			Message: safeMessage(FatalTimeout),
			Node:    node,
		}
	}
	if IsTransient(err) {
		return &EnvelopeError{
			Kind:    string(FatalUnhandled),
			Message: "The request failed after repeated attempts.",
			Node:    node,
		}
	}
	return &EnvelopeError{
		Kind:    string(FatalUnhandled),
		Message: "An internal error interrupted the request.",
		Node:    node,
	}
}

// safeMessage renders a user-facing message for a fatal kind. Internal
// error text never leaks onto the envelope.
func safeMessage(kind FatalKind) string {
	switch kind {
	case FatalTimeout:
		return "Processing took too long and was stopped."
	case FatalCancelled:
		return "The request was cancelled."
	case FatalInvalidOutput:
		return "An agent produced an unusable result."
	case FatalPrivilegeDenied:
		return "The request requires a higher privilege level."
	default:
		return "An internal error interrupted the request."
	}
}
