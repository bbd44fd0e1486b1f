package orchestra

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects runtime metrics under the "orchestra"
// namespace:
//
//   - turns_total (counter, label status): completed turns by outcome.
//   - turn_latency_ms (histogram, label status): wall time per turn.
//   - node_latency_ms (histogram, labels node, status): wall time per node
//     attempt.
//   - retries_total (counter, labels node, reason): retry attempts.
//   - events_dropped_total (counter): broadcaster drop-oldest evictions.
//   - active_sessions (gauge): sessions currently in the store.
//   - inflight_turns (gauge): turns currently executing.
//   - sessions_swept_total (counter): sessions removed by the TTL janitor.
//
// Thread-safe. Expose the registry with promhttp for scraping.
type PrometheusMetrics struct {
	turnsTotal     *prometheus.CounterVec
	turnLatency    *prometheus.HistogramVec
	nodeLatency    *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	activeSessions prometheus.Gauge
	inflightTurns  prometheus.Gauge
	sessionsSwept  prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the metric set with the given registry.
// A nil registry uses the default registerer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	latencyBuckets := []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 15000, 60000}

	return &PrometheusMetrics{
		enabled: true,
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "turns_total",
			Help:      "Completed turns by envelope status",
		}, []string{"status"}),
		turnLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestra",
			Name:      "turn_latency_ms",
			Help:      "Turn wall time in milliseconds, entry to envelope",
			Buckets:   latencyBuckets,
		}, []string{"status"}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestra",
			Name:      "node_latency_ms",
			Help:      "Node attempt wall time in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "retries_total",
			Help:      "Node retry attempts by reason",
		}, []string{"node", "reason"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "events_dropped_total",
			Help:      "Events evicted from slow subscriber queues",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestra",
			Name:      "active_sessions",
			Help:      "Sessions currently held by the checkpoint store",
		}),
		inflightTurns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestra",
			Name:      "inflight_turns",
			Help:      "Turns currently executing",
		}),
		sessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestra",
			Name:      "sessions_swept_total",
			Help:      "Sessions removed by TTL sweep",
		}),
	}
}

// ObserveTurn records one finished turn.
func (pm *PrometheusMetrics) ObserveTurn(status string, latency time.Duration) {
	if !pm.isEnabled() {
		return
	}
	pm.turnsTotal.WithLabelValues(status).Inc()
	pm.turnLatency.WithLabelValues(status).Observe(float64(latency.Milliseconds()))
}

// ObserveNode records one node attempt.
func (pm *PrometheusMetrics) ObserveNode(node, status string, latency time.Duration) {
	if !pm.isEnabled() {
		return
	}
	pm.nodeLatency.WithLabelValues(node, status).Observe(float64(latency.Milliseconds()))
}

// IncRetry counts one retry of a node.
func (pm *PrometheusMetrics) IncRetry(node, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(node, reason).Inc()
}

// IncDropped counts one event lost to subscriber backpressure.
func (pm *PrometheusMetrics) IncDropped() {
	if !pm.isEnabled() {
		return
	}
	pm.eventsDropped.Inc()
}

// SetActiveSessions publishes the current session count.
func (pm *PrometheusMetrics) SetActiveSessions(n int) {
	if !pm.isEnabled() {
		return
	}
	pm.activeSessions.Set(float64(n))
}

// TurnStarted and TurnFinished track the in-flight gauge.
func (pm *PrometheusMetrics) TurnStarted() {
	if !pm.isEnabled() {
		return
	}
	pm.inflightTurns.Inc()
}

// TurnFinished decrements the in-flight gauge.
func (pm *PrometheusMetrics) TurnFinished() {
	if !pm.isEnabled() {
		return
	}
	pm.inflightTurns.Dec()
}

// AddSwept counts sessions removed by a sweep.
func (pm *PrometheusMetrics) AddSwept(n int) {
	if !pm.isEnabled() || n <= 0 {
		return
	}
	pm.sessionsSwept.Add(float64(n))
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Disable stops metric recording, for tests.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
