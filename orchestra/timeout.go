package orchestra

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// invokeResult carries a node's output across the goroutine boundary.
type invokeResult struct {
	state GraphState
	err   error
}

// invokeNode runs one node attempt under its deadline. The node executes on
// its own goroutine; if it does not return within the deadline plus the
// cancellation grace, the attempt is abandoned and classified as a fatal
// timeout (or cancelled when the surrounding turn was cancelled first).
// Panics escaping the node are recovered and classified unhandled.
func invokeNode(ctx context.Context, name string, node Node, state GraphState, inv *Invocation, timeout, grace time.Duration) (GraphState, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	inv.Deadline, _ = nodeCtx.Deadline()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: &FatalNodeError{
					Kind: FatalUnhandled,
					Node: name,
					Err:  fmt.Errorf("panic: %v", r),
				}}
			}
		}()
		out, err := node.Invoke(nodeCtx, state, inv)
		done <- invokeResult{state: out, err: err}
	}()

	select {
	case res := <-done:
		return res.state, res.err
	case <-nodeCtx.Done():
	}

	// Deadline hit or turn cancelled. Give the node the grace window to
	// notice the cancellation and return, then abandon it.
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case res := <-done:
			if res.err == nil {
				// The node finished during the grace window; its output
				// still counts.
				return res.state, nil
			}
		case <-timer.C:
		}
	}

	kind := FatalTimeout
	if errors.Is(ctx.Err(), context.Canceled) {
		// The turn was cancelled outright. A deadline on the turn context
		// still counts as a timeout.
		kind = FatalCancelled
	}
	return state, &FatalNodeError{Kind: kind, Node: name, Err: nodeCtx.Err()}
}
