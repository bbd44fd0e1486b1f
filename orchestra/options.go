package orchestra

import (
	"fmt"
	"time"
)

// Configuration defaults.
const (
	DefaultTurnTimeout      = 60 * time.Second
	DefaultNodeTimeout      = 15 * time.Second
	DefaultGrace            = 2 * time.Second
	DefaultHistoryDepth     = 32
	DefaultBroadcastBuffer  = 256
	DefaultBroadcastHistory = 100
	DefaultSessionTTL       = 30 * time.Minute
	DefaultConfidenceFloor  = 0.30
)

// Config holds the orchestrator's recognized options. Construct through
// New with functional options; zero values are replaced by the defaults
// above.
type Config struct {
	// TurnTimeout bounds the wall time of a single turn.
	TurnTimeout time.Duration

	// NodeTimeout is the default per-node deadline; a descriptor Timeout
	// overrides it per node.
	NodeTimeout time.Duration

	// Grace is how long the runtime waits for a cancelled node to return
	// before abandoning it.
	Grace time.Duration

	// HistoryDepth is the number of snapshots retained per session, pushed
	// into stores that support retention configuration.
	HistoryDepth int

	// BroadcastBuffer is the per-subscriber event queue capacity.
	BroadcastBuffer int

	// BroadcastHistory is the number of events retained per session for
	// replay.
	BroadcastHistory int

	// SessionTTL is the idle time before a session is swept. It drives the
	// janitor cadence and is pushed into stores that support retention
	// configuration.
	SessionTTL time.Duration

	// ConfidenceFloor routes intents classified below it to smalltalk. The
	// engine enforces it whenever a node writes a fresh classification,
	// unless response_metadata carries a force_route override.
	ConfidenceFloor float64

	// DefaultPrivilege is the privilege assumed for registrations and for
	// invoking privileged nodes.
	DefaultPrivilege Privilege

	// Metrics receives runtime observations when non-nil.
	Metrics *PrometheusMetrics

	// Usage, when non-nil, additionally receives every model-call record
	// beyond the per-turn tracker.
	Usage *UsageTracker

	// Clock is the time source for state stamps and TTL math.
	Clock Clock
}

func defaultConfig() Config {
	return Config{
		TurnTimeout:      DefaultTurnTimeout,
		NodeTimeout:      DefaultNodeTimeout,
		Grace:            DefaultGrace,
		HistoryDepth:     DefaultHistoryDepth,
		BroadcastBuffer:  DefaultBroadcastBuffer,
		BroadcastHistory: DefaultBroadcastHistory,
		SessionTTL:       DefaultSessionTTL,
		ConfidenceFloor:  DefaultConfidenceFloor,
		DefaultPrivilege: PrivilegeStandard,
		Clock:            time.Now,
	}
}

// Option configures the orchestrator at construction.
type Option func(*Config) error

// WithTurnTimeout sets the turn-wide deadline.
func WithTurnTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("turn timeout must be positive, got %v", d)
		}
		c.TurnTimeout = d
		return nil
	}
}

// WithNodeTimeout sets the default per-node deadline.
func WithNodeTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("node timeout must be positive, got %v", d)
		}
		c.NodeTimeout = d
		return nil
	}
}

// WithGrace sets the cancellation grace window.
func WithGrace(d time.Duration) Option {
	return func(c *Config) error {
		if d < 0 {
			return fmt.Errorf("grace must be non-negative, got %v", d)
		}
		c.Grace = d
		return nil
	}
}

// WithHistoryDepth sets the per-session snapshot ring depth.
func WithHistoryDepth(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return fmt.Errorf("history depth must be at least 1, got %d", n)
		}
		c.HistoryDepth = n
		return nil
	}
}

// WithBroadcastBuffer sets the subscriber queue capacity.
func WithBroadcastBuffer(n int) Option {
	return func(c *Config) error {
		if n < 2 {
			return fmt.Errorf("broadcast buffer must be at least 2, got %d", n)
		}
		c.BroadcastBuffer = n
		return nil
	}
}

// WithBroadcastHistory sets the per-session replay depth.
func WithBroadcastHistory(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("broadcast history must be non-negative, got %d", n)
		}
		c.BroadcastHistory = n
		return nil
	}
}

// WithSessionTTL sets the idle TTL before sweep.
func WithSessionTTL(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("session TTL must be positive, got %v", d)
		}
		c.SessionTTL = d
		return nil
	}
}

// WithConfidenceFloor sets the smalltalk fallback threshold.
func WithConfidenceFloor(f float64) Option {
	return func(c *Config) error {
		if f < 0 || f > 1 {
			return fmt.Errorf("confidence floor must be in [0,1], got %v", f)
		}
		c.ConfidenceFloor = f
		return nil
	}
}

// WithDefaultPrivilege sets the privilege assumed for registrations.
func WithDefaultPrivilege(p Privilege) Option {
	return func(c *Config) error {
		if !p.Valid() {
			return fmt.Errorf("unknown privilege %q", p)
		}
		c.DefaultPrivilege = p
		return nil
	}
}

// WithMetrics installs a metrics collector.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// WithUsageTracker installs a shared usage tracker that receives every
// model-call record across turns.
func WithUsageTracker(u *UsageTracker) Option {
	return func(c *Config) error {
		c.Usage = u
		return nil
	}
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(c *Config) error {
		if clock == nil {
			return fmt.Errorf("clock must not be nil")
		}
		c.Clock = clock
		return nil
	}
}
