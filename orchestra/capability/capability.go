// Package capability defines the contract through which nodes reach
// external collaborators. Nodes never hold a back-reference to the
// orchestrator; they declare the capability names they require and receive
// only those handles at invocation time.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Well-known capability names. Agents declare the names they require in
// their descriptor; the orchestrator passes in the matching handles.
const (
	DataRepository = "data_repository"
	ChatModel      = "chat_model"
	DocumentStore  = "document_store"
	FileSandbox    = "file_sandbox"
)

// Map carries capability handles keyed by name. Handles must be safe for
// concurrent use, or the owning node must declare non-reentrant use.
type Map map[string]any

// Has reports whether the named capability is present.
func (m Map) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Get returns the named handle.
func (m Map) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Names returns the sorted capability names in the map.
func (m Map) Names() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Subset returns a map holding only the requested names. Missing names are
// reported so registration can reject nodes whose requirements cannot be
// satisfied.
func (m Map) Subset(names []string) (Map, []string) {
	out := make(Map, len(names))
	var missing []string
	for _, n := range names {
		if v, ok := m[n]; ok {
			out[n] = v
		} else {
			missing = append(missing, n)
		}
	}
	return out, missing
}

// Repository is the data access capability consumed by analytical agents.
// Implementations wrap whatever backs the deployment (CSV loaders, SQL
// clients, object stores); the runtime never touches them directly.
type Repository interface {
	// Query runs a named query and returns structured rows.
	Query(ctx context.Context, query string) ([]map[string]any, error)

	// Totals returns aggregate metrics keyed by a stable name.
	Totals(ctx context.Context) (map[string]float64, error)
}

// Documents is the document persistence capability consumed by the document
// agent after a human gate approves the write.
type Documents interface {
	Write(ctx context.Context, name string, content []byte) error
	Read(ctx context.Context, name string) ([]byte, error)
}

// StaticRepository is an in-memory Repository for tests and examples.
type StaticRepository struct {
	mu     sync.RWMutex
	rows   map[string][]map[string]any
	totals map[string]float64
}

// NewStaticRepository returns a repository seeded with the given totals.
func NewStaticRepository(totals map[string]float64) *StaticRepository {
	t := make(map[string]float64, len(totals))
	for k, v := range totals {
		t[k] = v
	}
	return &StaticRepository{
		rows:   make(map[string][]map[string]any),
		totals: t,
	}
}

// SetRows installs the rows returned for a named query.
func (r *StaticRepository) SetRows(query string, rows []map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[query] = rows
}

// Query implements Repository.
func (r *StaticRepository) Query(_ context.Context, query string) ([]map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows, ok := r.rows[query]
	if !ok {
		return nil, fmt.Errorf("static repository: unknown query %q", query)
	}
	out := make([]map[string]any, len(rows))
	copy(out, rows)
	return out, nil
}

// Totals implements Repository.
func (r *StaticRepository) Totals(_ context.Context) (map[string]float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.totals))
	for k, v := range r.totals {
		out[k] = v
	}
	return out, nil
}

// MemDocuments is an in-memory Documents implementation for tests and
// examples.
type MemDocuments struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemDocuments returns an empty document store.
func NewMemDocuments() *MemDocuments {
	return &MemDocuments{docs: make(map[string][]byte)}
}

// Write implements Documents.
func (d *MemDocuments) Write(_ context.Context, name string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(content))
	copy(cp, content)
	d.docs[name] = cp
	return nil
}

// Read implements Documents.
func (d *MemDocuments) Read(_ context.Context, name string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.docs[name]
	if !ok {
		return nil, fmt.Errorf("document %q not found", name)
	}
	cp := make([]byte, len(doc))
	copy(cp, doc)
	return cp, nil
}
