package orchestra

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-ai/orchestra-go/orchestra/broadcast"
	"github.com/orchestra-ai/orchestra-go/orchestra/capability"
	"github.com/orchestra-ai/orchestra-go/orchestra/session"
)

// sessionStripes is the size of the per-session lock table. Turns for one
// session serialize on its stripe; different sessions run in parallel
// modulo stripe collisions.
const sessionStripes = 64

// Orchestrator is the runtime facade. It owns the node registry, the
// compiled graph, the event broadcaster, the checkpoint store, and the TTL
// janitor, and serves turns through StartTurn and Resume.
type Orchestrator struct {
	cfg      Config
	store    session.Store[GraphState]
	bus      *broadcast.Broadcaster
	registry *Registry
	manager  *Manager
	caps     capability.Map
	mut      *Mutator

	locks [sessionStripes]sync.Mutex

	turnsMu sync.Mutex
	turns   map[string]*turnHandle

	stop   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// turnHandle tracks one in-flight turn for cancellation.
type turnHandle struct {
	traceID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// retentionStore is implemented by store backends whose snapshot depth and
// TTL the orchestrator configures.
type retentionStore interface {
	SetRetention(depth int, ttl time.Duration)
}

// New builds an orchestrator over the given checkpoint store and
// capability map. Register nodes and call RebuildGraph before serving
// turns. Stores that support it take their snapshot depth and session TTL
// from the orchestrator config (WithHistoryDepth, WithSessionTTL).
func New(store session.Store[GraphState], caps capability.Map, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("orchestra: store required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("orchestra: %w", err)
		}
	}
	if caps == nil {
		caps = capability.Map{}
	}
	if rs, ok := store.(retentionStore); ok {
		rs.SetRetention(cfg.HistoryDepth, cfg.SessionTTL)
	}

	busOpts := []broadcast.Option{
		broadcast.WithBuffer(cfg.BroadcastBuffer),
		broadcast.WithHistoryDepth(cfg.BroadcastHistory),
		broadcast.WithClock(cfg.Clock),
	}
	if cfg.Metrics != nil {
		m := cfg.Metrics
		busOpts = append(busOpts, broadcast.WithDropHook(func(string) { m.IncDropped() }))
	}

	registry := NewRegistry()
	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		bus:      broadcast.NewBroadcaster(busOpts...),
		registry: registry,
		manager:  NewManager(registry),
		caps:     caps,
		mut:      NewMutator(cfg.Clock),
		turns:    make(map[string]*turnHandle),
		stop:     make(chan struct{}),
	}

	o.wg.Add(1)
	go o.janitor()
	return o, nil
}

// RegisterNode adds or replaces a node. The registering caller is assumed
// to hold the configured default privilege; descriptors requiring more
// fail with ErrPrivilegeConflict. Registration also fails when the
// orchestrator's capability map cannot satisfy the node's declared
// requirements.
func (o *Orchestrator) RegisterNode(d Descriptor) error {
	if o.closed.Load() {
		return ErrClosed
	}
	if d.RequiredPrivilege == "" {
		d.RequiredPrivilege = o.cfg.DefaultPrivilege
	}
	if _, missing := o.caps.Subset(d.RequiredCapabilities); len(missing) > 0 {
		return fmt.Errorf("orchestra: node %s requires unavailable capabilities %v", d.Name, missing)
	}
	return o.registry.Register(d, o.cfg.DefaultPrivilege)
}

// UnregisterNode removes a node unless the active graph references it.
func (o *Orchestrator) UnregisterNode(name string) error {
	if o.closed.Load() {
		return ErrClosed
	}
	return o.manager.Unregister(name)
}

// SetNodeEnabled toggles a node at runtime without a rebuild.
func (o *Orchestrator) SetNodeEnabled(name string, enabled bool) error {
	return o.registry.SetEnabled(name, enabled)
}

// RebuildGraph compiles spec and atomically swaps it in as the active
// graph. Turns already running keep the version they pinned at start.
func (o *Orchestrator) RebuildGraph(spec Spec) error {
	if o.closed.Load() {
		return ErrClosed
	}
	_, err := o.manager.Rebuild(spec)
	return err
}

// GraphVersion returns the active graph version, or 0 before the first
// rebuild.
func (o *Orchestrator) GraphVersion() int {
	if g := o.manager.Active(); g != nil {
		return g.Version()
	}
	return 0
}

// Bus exposes the broadcaster, for attaching sinks.
func (o *Orchestrator) Bus() *broadcast.Broadcaster {
	return o.bus
}

// Subscribe attaches an event subscriber.
func (o *Orchestrator) Subscribe(f broadcast.Filter) *broadcast.Subscription {
	return o.bus.Subscribe(f)
}

// Unsubscribe detaches a subscriber. Idempotent.
func (o *Orchestrator) Unsubscribe(sub *broadcast.Subscription) {
	o.bus.Unsubscribe(sub)
}

// StartTurn runs one turn: it loads or creates the session, drives the
// graph from its entry node, and returns the envelope. An empty sessionID
// creates a new session, whose ID is on the envelope. Turns for the same
// session serialize; different sessions run in parallel.
func (o *Orchestrator) StartTurn(ctx context.Context, sessionID, userMessage string) (*Envelope, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	g := o.manager.Active()
	if g == nil {
		return nil, ErrNoActiveGraph
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tctx, finish, err := o.beginTurn(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer finish()

	return o.runTurn(tctx, g, sessionID, userMessage)
}

// Resume restores a turn paused at a human gate: it validates the resume
// token, applies the decision to state, and re-enters the loop at the node
// after the gate, on the graph version the turn pinned.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, token string, decision map[string]any) (*Envelope, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}

	lock := o.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.store.Latest(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if st.Status != StatusAwaitingHuman {
		return nil, fmt.Errorf("orchestra: session %s is not awaiting human input", sessionID)
	}
	if token == "" || token != st.ResumeToken {
		return nil, ErrResumeTokenInvalid
	}

	g, ok := o.manager.Version(st.GraphVersion)
	if !ok {
		if g = o.manager.Active(); g == nil {
			return nil, ErrNoActiveGraph
		}
	}

	tctx, finish, err := o.beginTurn(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer finish()

	return o.resumeTurn(tctx, g, st, decision)
}

// CancelTurn cancels the in-flight turn identified by session and trace ID
// and returns once the runtime has acknowledged the cancellation.
func (o *Orchestrator) CancelTurn(sessionID, traceID string) error {
	o.turnsMu.Lock()
	h, ok := o.turns[sessionID]
	if ok && traceID != "" && h.traceID != "" && h.traceID != traceID {
		ok = false
	}
	o.turnsMu.Unlock()
	if !ok {
		return ErrTurnNotFound
	}

	h.cancel()
	<-h.done
	return nil
}

// CloseSession removes a session's checkpoints. Idempotent.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) error {
	return o.store.Close(ctx, sessionID)
}

// Close stops the TTL janitor, closes the broadcaster, and shuts the store
// down. Safe to call once; later calls return ErrClosed.
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(o.stop)
	o.wg.Wait()
	o.bus.Close()
	return o.store.Shutdown()
}

// beginTurn registers a cancellable turn handle so CancelTurn can find it.
// The caller must invoke the returned finish func when the turn ends.
func (o *Orchestrator) beginTurn(ctx context.Context, sessionID string) (context.Context, func(), error) {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	h := &turnHandle{cancel: cancel, done: make(chan struct{})}

	o.turnsMu.Lock()
	o.turns[sessionID] = h
	o.turnsMu.Unlock()

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.TurnStarted()
	}

	finish := func() {
		o.turnsMu.Lock()
		if o.turns[sessionID] == h {
			delete(o.turns, sessionID)
		}
		o.turnsMu.Unlock()
		close(h.done)
		cancel()
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.TurnFinished()
		}
	}
	return tctx, finish, nil
}

// setTurnTrace publishes the trace ID for CancelTurn matching once the
// turn has minted it.
func (o *Orchestrator) setTurnTrace(sessionID, traceID string) {
	o.turnsMu.Lock()
	if h, ok := o.turns[sessionID]; ok {
		h.traceID = traceID
	}
	o.turnsMu.Unlock()
}

func (o *Orchestrator) sessionLock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &o.locks[h.Sum32()%sessionStripes]
}

// janitor sweeps expired sessions at a quarter of the TTL, clamped to
// between one second and one minute.
func (o *Orchestrator) janitor() {
	defer o.wg.Done()

	interval := o.cfg.SessionTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			removed, err := o.store.Sweep(ctx, o.cfg.Clock())
			cancel()
			if err == nil && o.cfg.Metrics != nil {
				o.cfg.Metrics.AddSwept(removed)
			}
		}
	}
}
