package orchestra

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry owns the living catalog of nodes. Reads are lock-striped for
// the hot path; registration and toggling serialize through one writer
// lock. The registry never references the orchestrator, so nodes and their
// descriptors carry no back-edges.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Descriptor)}
}

// Register adds or replaces a descriptor under its name. Registration of a
// node requiring elevated or higher privilege fails with
// ErrPrivilegeConflict when the caller's privilege is below the node's
// requirement.
func (r *Registry) Register(d Descriptor, caller Privilege) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.RequiredPrivilege.AtLeast(PrivilegeElevated) && !caller.AtLeast(d.RequiredPrivilege) {
		return fmt.Errorf("%w: node %s requires %s, caller holds %s",
			ErrPrivilegeConflict, d.Name, d.RequiredPrivilege, caller)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[d.Name] = d
	return nil
}

// Unregister removes a node. The manager is responsible for the in-use
// check against the active graph before calling this.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, name)
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.nodes[name]
	return d, ok
}

// SetEnabled toggles a node at runtime. Disabled nodes are treated as
// absent by routing without a graph rebuild.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.nodes[name]
	if !ok {
		return fmt.Errorf("registry: node %q not registered", name)
	}
	d.Enabled = enabled
	r.nodes[name] = d
	return nil
}

// Enabled reports whether the node exists and is enabled.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.nodes[name]
	return ok && d.Enabled
}

// Snapshot returns a copy of the current catalog, used by Compile.
func (r *Registry) Snapshot() map[string]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Descriptor, len(r.nodes))
	for k, v := range r.nodes {
		out[k] = v
	}
	return out
}

// Manager owns the compiled active graph and its version history. Rebuild
// compiles against the registry and swaps the active pointer atomically;
// in-flight turns keep the graph version they pinned at start, so a swap
// never interrupts a running node.
type Manager struct {
	registry *Registry

	active atomic.Pointer[Graph]

	mu       sync.Mutex
	version  int
	spec     Spec
	retained map[int]*Graph
}

// NewManager returns a manager over the given registry with no active
// graph.
func NewManager(registry *Registry) *Manager {
	return &Manager{
		registry: registry,
		retained: make(map[int]*Graph),
	}
}

// Rebuild compiles spec against the current registry snapshot and installs
// it as the active graph under the next version number. The previous
// version stays retrievable for sessions pinned to it.
func (m *Manager) Rebuild(spec Spec) (*Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := Compile(spec, m.registry.Snapshot(), m.version+1)
	if err != nil {
		return nil, err
	}
	m.version++
	m.spec = spec
	m.retained[g.Version()] = g
	m.active.Store(g)
	return g, nil
}

// Active returns the current graph, or nil before the first Rebuild.
func (m *Manager) Active() *Graph {
	return m.active.Load()
}

// Version returns the graph compiled under version v. Paused sessions
// resume on the version they pinned even after later rebuilds.
func (m *Manager) Version(v int) (*Graph, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.retained[v]
	return g, ok
}

// Unregister removes a node from the registry unless the active graph
// still references it, in which case it fails with ErrNodeInUse. Callers
// replace the node by registering under the same name and rebuilding.
func (m *Manager) Unregister(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g := m.active.Load(); g != nil && g.Has(name) {
		return fmt.Errorf("%w: %s", ErrNodeInUse, name)
	}
	m.registry.Unregister(name)
	return nil
}
