package orchestra

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the orchestrator and registry. Callers match
// them with errors.Is.
var (
	// ErrSessionNotFound is returned when an operation references a session
	// that does not exist or has been swept.
	ErrSessionNotFound = errors.New("orchestra: session not found")

	// ErrResumeTokenInvalid is returned by Resume when the supplied token
	// does not match the paused turn's token. No snapshot is mutated.
	ErrResumeTokenInvalid = errors.New("orchestra: resume token invalid")

	// ErrHumanGatePending signals that a session is paused at a human gate.
	// It is a control signal, not a failure.
	ErrHumanGatePending = errors.New("orchestra: human gate pending")

	// ErrNodeInUse is returned by UnregisterNode when the active graph still
	// references the node and no replacement was supplied.
	ErrNodeInUse = errors.New("orchestra: node referenced by active graph")

	// ErrPrivilegeConflict is returned when a caller attempts to register a
	// node requiring a higher privilege than the caller holds.
	ErrPrivilegeConflict = errors.New("orchestra: insufficient privilege for registration")

	// ErrNoActiveGraph is returned by StartTurn before RebuildGraph has
	// installed a compiled graph.
	ErrNoActiveGraph = errors.New("orchestra: no active graph")

	// ErrTurnNotFound is returned by CancelTurn when the named turn is not
	// currently running.
	ErrTurnNotFound = errors.New("orchestra: turn not found")

	// ErrInvalidRetryPolicy indicates a retry policy that violates its
	// constraints (MaxAttempts < 1 or MaxDelay < BaseDelay).
	ErrInvalidRetryPolicy = errors.New("orchestra: invalid retry policy")

	// ErrClosed is returned by operations on an orchestrator after Close.
	ErrClosed = errors.New("orchestra: orchestrator closed")
)

// TransientError wraps a failure that is expected to succeed on retry, such
// as a network blip or lock contention. The runtime retries node invocations
// that fail with a TransientError according to the node's retry policy;
// every other error aborts the turn.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable. Returns nil if err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// FatalKind classifies a turn-aborting node failure.
type FatalKind string

// Fatal failure kinds. These appear verbatim in envelope meta.error.kind.
const (
	FatalUnhandled       FatalKind = "unhandled"
	FatalTimeout         FatalKind = "timeout"
	FatalCancelled       FatalKind = "cancelled"
	FatalInvalidOutput   FatalKind = "invalid_output"
	FatalPrivilegeDenied FatalKind = "privilege_denied"
)

// FatalNodeError aborts the current turn. The runtime routes to the terminal
// node with status failed and surfaces the kind, node, and a safe message on
// the envelope. Unknown panics and errors escaping a node are classified as
// FatalUnhandled.
type FatalNodeError struct {
	Kind FatalKind
	Node string
	Err  error
}

func (e *FatalNodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("node %s failed: %s", e.Node, e.Kind)
	}
	return fmt.Sprintf("node %s failed (%s): %v", e.Node, e.Kind, e.Err)
}

func (e *FatalNodeError) Unwrap() error {
	return e.Err
}

// Routing error kinds.
const (
	RoutingAmbiguity = "ambiguity"
	RoutingDeadEnd   = "dead_end"
)

// RoutingError reports a routing defect: a router produced more than one
// viable target (ambiguity) or no outgoing route exists from a non-terminal
// node (dead_end). Both are programming errors and abort the turn.
type RoutingError struct {
	Kind   string
	Node   string
	Detail string
}

func (e *RoutingError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("routing %s at node %s", e.Kind, e.Node)
	}
	return fmt.Sprintf("routing %s at node %s: %s", e.Kind, e.Node, e.Detail)
}

// InvalidFieldError is returned by the Mutator when a write targets a field
// the state schema does not declare for that operation.
type InvalidFieldError struct {
	Field string
	Op    string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("state field %q not valid for %s", e.Field, e.Op)
}

// TypeMismatchError is returned by the Mutator when a value does not match
// the declared shape of the target field.
type TypeMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("state field %q expects %s, got %s", e.Field, e.Want, e.Got)
}
