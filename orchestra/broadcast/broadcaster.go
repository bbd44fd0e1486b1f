package broadcast

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBuffer is the per-subscriber queue capacity.
	DefaultBuffer = 256

	// DefaultHistoryDepth is the number of events retained per session for
	// replay to late subscribers.
	DefaultHistoryDepth = 100
)

// Filter selects which events a subscription receives. A zero Filter
// subscribes globally.
type Filter struct {
	// SessionID restricts the subscription to one session when non-empty.
	SessionID string
}

func (f Filter) matches(e Event) bool {
	return f.SessionID == "" || f.SessionID == e.SessionID
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber queue capacity. Values below 2 are
// raised to 2 so a gap marker can always precede a live event.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n < 2 {
			n = 2
		}
		b.buffer = n
	}
}

// WithHistoryDepth sets how many events are retained per session for replay.
func WithHistoryDepth(n int) Option {
	return func(b *Broadcaster) {
		if n < 0 {
			n = 0
		}
		b.historyDepth = n
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// WithDropHook installs a callback invoked once per dropped event, keyed by
// session. Used to feed metrics; must not block.
func WithDropHook(hook func(sessionID string)) Option {
	return func(b *Broadcaster) { b.onDrop = hook }
}

// sessionStream holds the per-session sequence counter and replay ring.
// The mutex serializes sequence assignment with fan-out so every subscriber
// observes a session's events in strictly increasing sequence order.
type sessionStream struct {
	mu      sync.Mutex
	seq     uint64
	history []Event
}

// Broadcaster fans events out to subscribers. Publish never blocks on a
// subscriber: each subscription has a bounded queue with a drop-oldest
// overflow policy, and a gap marker event is delivered after drops so
// consumers can detect the hole.
type Broadcaster struct {
	buffer       int
	historyDepth int
	now          func() time.Time
	onDrop       func(sessionID string)

	subsMu sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	sessMu   sync.Mutex
	sessions map[string]*sessionStream

	closed atomic.Bool
}

// NewBroadcaster returns a ready Broadcaster.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		buffer:       DefaultBuffer,
		historyDepth: DefaultHistoryDepth,
		now:          time.Now,
		subs:         make(map[uint64]*Subscription),
		sessions:     make(map[string]*sessionStream),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) stream(sessionID string) *sessionStream {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()
	ss, ok := b.sessions[sessionID]
	if !ok {
		ss = &sessionStream{}
		b.sessions[sessionID] = ss
	}
	return ss
}

// Publish assigns the event its per-session sequence number, records it in
// the replay ring, and enqueues it on every matching subscription. The call
// never blocks; slow subscribers lose their oldest events instead.
func (b *Broadcaster) Publish(e Event) {
	if b.closed.Load() {
		return
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	e.Action = e.Action.Normalize()

	// The subscriber table stays read-locked through sequencing and
	// fan-out. A Subscribe cannot land between the history append and the
	// deliveries, so every event reaches each subscriber exactly once,
	// either in its replay or live.
	b.subsMu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.matches(e) {
			targets = append(targets, sub)
		}
	}

	ss := b.stream(e.SessionID)
	ss.mu.Lock()
	e.Sequence = ss.seq
	ss.seq++
	if b.historyDepth > 0 {
		ss.history = append(ss.history, e)
		if len(ss.history) > b.historyDepth {
			ss.history = ss.history[len(ss.history)-b.historyDepth:]
		}
	}
	for _, sub := range targets {
		sub.enqueue(e)
	}
	ss.mu.Unlock()
	b.subsMu.RUnlock()
}

// Subscribe registers a new subscriber. The subscription's channel first
// carries one connection event, then a single history event replaying up to
// the retained history, then the live stream.
func (b *Broadcaster) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		filter: f,
		b:      b,
		ch:     make(chan Event, b.buffer),
	}

	// The history snapshot and the registration happen under the table
	// lock, which Publish read-holds across its fan-out. An event published
	// around this call is therefore either in the replay or delivered live
	// once the subscription is registered, never lost between the two.
	b.subsMu.Lock()
	now := b.now()
	sub.enqueue(Event{
		EventID:   uuid.NewString(),
		SessionID: f.SessionID,
		Type:      TypeConnection,
		Timestamp: now,
	})

	replay, floor := b.snapshotHistory(f)
	sub.enqueue(Event{
		EventID:   uuid.NewString(),
		SessionID: f.SessionID,
		Type:      TypeHistory,
		Timestamp: now,
		Data: map[string]any{
			"events":         replay,
			"sequence_floor": floor,
		},
	})

	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	b.subsMu.Unlock()
	return sub
}

// snapshotHistory collects the replay events for a new subscription and the
// next sequence number the subscriber should expect for its session. Global
// subscriptions replay every session's retained history, grouped by session
// in sorted order.
func (b *Broadcaster) snapshotHistory(f Filter) ([]Event, uint64) {
	if f.SessionID != "" {
		ss := b.stream(f.SessionID)
		ss.mu.Lock()
		defer ss.mu.Unlock()
		out := make([]Event, len(ss.history))
		copy(out, ss.history)
		return out, ss.seq
	}

	b.sessMu.Lock()
	ids := make([]string, 0, len(b.sessions))
	streams := make(map[string]*sessionStream, len(b.sessions))
	for id, ss := range b.sessions {
		ids = append(ids, id)
		streams[id] = ss
	}
	b.sessMu.Unlock()
	sort.Strings(ids)

	var out []Event
	for _, id := range ids {
		ss := streams[id]
		ss.mu.Lock()
		out = append(out, ss.history...)
		ss.mu.Unlock()
	}
	return out, 0
}

// Unsubscribe closes the subscription. Idempotent; a nil subscription is a
// no-op.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// Close shuts the broadcaster down and closes every open subscription.
func (b *Broadcaster) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.subsMu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subsMu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Subscription is one subscriber's handle. Events are consumed from
// Events(); the channel is closed when the subscription closes.
type Subscription struct {
	id     uint64
	filter Filter
	b      *Broadcaster

	mu         sync.Mutex
	ch         chan Event
	closed     bool
	gapPending uint64

	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the receive side of the subscription queue.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events this subscription has lost to overflow.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close tears the subscription down: it is removed from the broadcaster,
// pending events are drained, and the channel is closed. Safe to call more
// than once and concurrently with Publish.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.subsMu.Lock()
		delete(s.b.subs, s.id)
		s.b.subsMu.Unlock()

		s.mu.Lock()
		s.closed = true
		for {
			select {
			case <-s.ch:
			default:
				close(s.ch)
				s.mu.Unlock()
				return
			}
		}
	})
}

// enqueue delivers one event without blocking. When the queue is full the
// oldest event is discarded to make room, the drop counter advances, and a
// gap marker is injected before the next delivery that has room for both.
func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.gapPending > 0 && len(s.ch) <= cap(s.ch)-2 {
		s.ch <- Event{
			EventID:   uuid.NewString(),
			SessionID: e.SessionID,
			Type:      TypeError,
			Timestamp: e.Timestamp,
			Data: map[string]any{
				"reason":  "events_dropped",
				"dropped": s.gapPending,
			},
			Meta: map[string]any{"gap": true},
		}
		s.gapPending = 0
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	// Full: drop the oldest event, then retry once. The mutex keeps other
	// producers out, so after the drop there is room unless a consumer
	// raced us, in which case the send below still succeeds.
	select {
	case <-s.ch:
		s.dropped.Add(1)
		s.gapPending++
		if s.b.onDrop != nil {
			s.b.onDrop(e.SessionID)
		}
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
		s.gapPending++
		if s.b.onDrop != nil {
			s.b.onDrop(e.SessionID)
		}
	}
}
