package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the delivery core.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	probesTotal      *prometheus.CounterVec
	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	circuitChanges   *prometheus.CounterVec
	routingDecisions *prometheus.CounterVec
	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	injectionsTotal  *prometheus.CounterVec
	gateOutcomes     *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_health_probes_total",
				Help: "Total health probes by provider and resulting status.",
			},
			[]string{"provider", "status"},
		),
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_provider_attempts_total",
				Help: "Total recorded provider attempts by outcome.",
			},
			[]string{"provider", "outcome"},
		),
		attemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "delivery_attempt_duration_seconds",
				Help:    "Duration of provider attempts.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		circuitChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_circuit_transitions_total",
				Help: "Circuit breaker state transitions by provider and new state.",
			},
			[]string{"provider", "state"},
		),
		routingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_routing_decisions_total",
				Help: "Routing decisions by channel and selected primary.",
			},
			[]string{"channel", "primary"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		injectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_chaos_injections_total",
				Help: "Synthetic faults injected by provider and kind.",
			},
			[]string{"provider", "kind"},
		),
		gateOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "delivery_optimizer_gate_outcomes_total",
				Help: "Send-time optimizer gate outcomes.",
			},
			[]string{"gate", "outcome"},
		),
	}
}

// IncrProbe increments the probe counter for a provider/status pair.
func (m *Metrics) IncrProbe(provider, status string) {
	m.probesTotal.WithLabelValues(provider, status).Inc()
}

// RecordAttempt records an attempt outcome plus its duration.
func (m *Metrics) RecordAttempt(provider string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.attemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.attemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// IncrCircuitTransition counts a breaker state change.
func (m *Metrics) IncrCircuitTransition(provider, state string) {
	m.circuitChanges.WithLabelValues(provider, state).Inc()
}

// IncrRoutingDecision counts a routing decision.
func (m *Metrics) IncrRoutingDecision(channel, primary string) {
	m.routingDecisions.WithLabelValues(channel, primary).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrInjection counts an injected fault.
func (m *Metrics) IncrInjection(provider, kind string) {
	m.injectionsTotal.WithLabelValues(provider, kind).Inc()
}

// IncrGateOutcome counts an optimizer gate decision.
func (m *Metrics) IncrGateOutcome(gate string, passed bool) {
	outcome := "passed"
	if !passed {
		outcome = "blocked"
	}
	m.gateOutcomes.WithLabelValues(gate, outcome).Inc()
}

// AttemptCounts returns the cumulative success/failure attempt counts for a
// provider, read back from the Prometheus counters. Used by the ops snapshot.
func (m *Metrics) AttemptCounts(provider string) (success, failure float64) {
	return getCounterValue(m.attemptsTotal, provider, "success"),
		getCounterValue(m.attemptsTotal, provider, "failure")
}

// getCounterValue extracts the current float64 value from a CounterVec.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	metric := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(metric); err != nil {
		return 0
	}
	if metric.Counter != nil && metric.Counter.Value != nil {
		return *metric.Counter.Value
	}
	return 0
}
