package orchestra

import (
	"fmt"
	"time"

	"github.com/orchestra-ai/orchestra-go/orchestra/broadcast"
)

// TerminalFinalize is the implicit terminal node. Conditionals may route to
// it even when no descriptor of that name exists; the runtime builds the
// envelope when the loop reaches it.
const TerminalFinalize = "finalize"

// Descriptor declares a node to the registry: its identity, kind,
// privilege, capability requirements, execution policy, and implementation.
type Descriptor struct {
	// Name is the unique node name referenced by edges and conditionals.
	Name string

	// Kind drives fallback behavior when the node is disabled.
	Kind NodeKind

	// RequiredPrivilege must be met by the registering caller and by the
	// runtime's default privilege at invocation time.
	RequiredPrivilege Privilege

	// Enabled nodes participate in routing; disabled nodes are treated as
	// absent and routing falls back (smalltalk for agents, finalize for
	// gates).
	Enabled bool

	// SideEffecting disables the anti-repetition short-circuit for turns
	// that executed this node.
	SideEffecting bool

	// RequiredCapabilities names the capability handles the node receives.
	RequiredCapabilities []string

	// DeclaredOutputs lists the state keys the node may write. Currently
	// informational; the mutator enforces the schema itself.
	DeclaredOutputs []string

	// Action is the semantic label stamped on this node's events.
	Action broadcast.Action

	// Timeout overrides the default per-node deadline when positive.
	Timeout time.Duration

	// Retry configures transient-failure retries. Nil means no retries.
	Retry *RetryPolicy

	// Impl is the node implementation.
	Impl Node
}

// Validate checks the descriptor's required fields.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor: name required")
	}
	if d.Name == TerminalFinalize {
		return fmt.Errorf("descriptor: %q is reserved", TerminalFinalize)
	}
	switch d.Kind {
	case KindSystem, KindAgent, KindGate:
	default:
		return fmt.Errorf("descriptor %s: unknown kind %q", d.Name, d.Kind)
	}
	if !d.RequiredPrivilege.Valid() {
		return fmt.Errorf("descriptor %s: unknown privilege %q", d.Name, d.RequiredPrivilege)
	}
	if d.Impl == nil {
		return fmt.Errorf("descriptor %s: implementation required", d.Name)
	}
	if d.Retry != nil {
		if err := d.Retry.Validate(); err != nil {
			return fmt.Errorf("descriptor %s: %w", d.Name, err)
		}
	}
	return nil
}

// Edge is a directed connection in a graph spec. Retry marks the one
// permitted form of self-loop.
type Edge struct {
	From  string
	To    string
	Retry bool
}

// Conditional picks the next node from the state. It must be pure and
// deterministic and return either a node name in the graph or
// TerminalFinalize.
type Conditional func(GraphState) string

// Spec describes a graph to compile: the entry node, the participating
// node names, the edges in priority order, per-node conditionals, and the
// terminal set. When several edges leave one node without a conditional,
// the first edge in spec order wins.
type Spec struct {
	Entry        string
	Nodes        []string
	Edges        []Edge
	Conditionals map[string]Conditional
	Terminals    []string
}

// Graph is a compiled, immutable routing structure. Turns capture the
// active graph at start and keep using it even if the manager swaps in a
// newer version mid-flight.
type Graph struct {
	version      int
	entry        string
	nodes        map[string]Descriptor
	order        []string
	edges        map[string][]string
	conditionals map[string]Conditional
	terminals    map[string]bool
}

// Compile validates the spec against the registry snapshot and produces an
// immutable graph stamped with the given version.
//
// Invariants enforced: the entry exists; every edge endpoint and
// conditional source names a known node (or finalize as a target); no
// self-loops except edges marked Retry; terminal nodes have no outgoing
// edges.
func Compile(spec Spec, registry map[string]Descriptor, version int) (*Graph, error) {
	g := &Graph{
		version:      version,
		entry:        spec.Entry,
		nodes:        make(map[string]Descriptor, len(spec.Nodes)),
		order:        append([]string(nil), spec.Nodes...),
		edges:        make(map[string][]string),
		conditionals: make(map[string]Conditional, len(spec.Conditionals)),
		terminals:    make(map[string]bool, len(spec.Terminals)+1),
	}

	for _, name := range spec.Nodes {
		desc, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("graph: node %q not registered", name)
		}
		g.nodes[name] = desc
	}

	if len(spec.Terminals) == 0 {
		g.terminals[TerminalFinalize] = true
	}
	for _, t := range spec.Terminals {
		g.terminals[t] = true
	}

	if spec.Entry == "" {
		return nil, fmt.Errorf("graph: entry node required")
	}
	if _, ok := g.nodes[spec.Entry]; !ok {
		return nil, fmt.Errorf("graph: entry node %q not in graph", spec.Entry)
	}

	for _, e := range spec.Edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("graph: edge from unknown node %q", e.From)
		}
		if !g.knownTarget(e.To) {
			return nil, fmt.Errorf("graph: edge to unknown node %q", e.To)
		}
		if e.From == e.To && !e.Retry {
			return nil, fmt.Errorf("graph: self-loop on %q requires a retry edge", e.From)
		}
		if g.terminals[e.From] {
			return nil, fmt.Errorf("graph: terminal node %q has outgoing edge", e.From)
		}
		g.edges[e.From] = append(g.edges[e.From], e.To)
	}

	for from, cond := range spec.Conditionals {
		if _, ok := g.nodes[from]; !ok {
			return nil, fmt.Errorf("graph: conditional on unknown node %q", from)
		}
		if cond == nil {
			return nil, fmt.Errorf("graph: nil conditional on %q", from)
		}
		if g.terminals[from] {
			return nil, fmt.Errorf("graph: terminal node %q has conditional", from)
		}
		g.conditionals[from] = cond
	}

	return g, nil
}

func (g *Graph) knownTarget(name string) bool {
	if g.terminals[name] || name == TerminalFinalize {
		return true
	}
	_, ok := g.nodes[name]
	return ok
}

// Version returns the version stamped at compile time.
func (g *Graph) Version() int {
	return g.version
}

// Entry returns the entry node name.
func (g *Graph) Entry() string {
	return g.entry
}

// Node returns the compiled descriptor snapshot for a node.
func (g *Graph) Node(name string) (Descriptor, bool) {
	d, ok := g.nodes[name]
	return d, ok
}

// Nodes returns the node names in spec order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Has reports whether the graph references the named node.
func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// IsTerminal reports whether the named node terminates the loop.
func (g *Graph) IsTerminal(name string) bool {
	return g.terminals[name]
}

// Next resolves the node that follows from under the given state. A
// conditional takes precedence; otherwise the first spec-ordered edge is
// taken. A conditional result outside the graph, or a node with no outgoing
// route, is a RoutingError.
func (g *Graph) Next(st GraphState, from string) (string, error) {
	if cond, ok := g.conditionals[from]; ok {
		target := cond(st)
		if !g.knownTarget(target) {
			return "", &RoutingError{
				Kind:   RoutingDeadEnd,
				Node:   from,
				Detail: fmt.Sprintf("conditional returned unknown node %q", target),
			}
		}
		return target, nil
	}

	edges := g.edges[from]
	if len(edges) == 0 {
		return "", &RoutingError{Kind: RoutingDeadEnd, Node: from, Detail: "no outgoing edges"}
	}
	return edges[0], nil
}
