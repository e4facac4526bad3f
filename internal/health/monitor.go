// Package health maintains the real-time per-provider health picture and
// enforces circuit-breaker gating for the delivery path.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/port"
	"github.com/relaymesh/delivery-core/internal/registry"
)

var tracer = otel.Tracer("health")

const snapshotKeyPrefix = "health:"

// Config sizes the rolling attempt window and snapshot visibility.
type Config struct {
	WindowSize  int           // attempt cap per provider window
	WindowAge   time.Duration // attempt age cap
	SnapshotTTL time.Duration // shared-store snapshot lifetime
}

// Monitor owns the health state of every registered provider: one circuit
// breaker, one rolling attempt window and one snapshot each. Routing reads
// cached snapshots and never blocks on a live probe.
type Monitor struct {
	registry *registry.Registry
	prober   port.Prober
	shared   port.SharedStore
	metrics  *observability.Metrics
	logger   *zap.Logger
	cfg      Config

	// breakers and windows are fixed at construction; only their contents
	// mutate, behind their own synchronization.
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	windows  map[string]*attemptWindow

	mu        sync.RWMutex
	snapshots map[string]*domain.ProviderHealth
}

// NewMonitor builds a monitor for every provider in the registry. A provider
// without an SLA is a configuration error and fails construction.
func NewMonitor(reg *registry.Registry, prober port.Prober, shared port.SharedStore, metrics *observability.Metrics, logger *zap.Logger, cfg Config) (*Monitor, error) {
	m := &Monitor{
		registry:  reg,
		prober:    prober,
		shared:    shared,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		breakers:  make(map[string]*gobreaker.TwoStepCircuitBreaker),
		windows:   make(map[string]*attemptWindow),
		snapshots: make(map[string]*domain.ProviderHealth),
	}

	for _, id := range reg.IDs() {
		sla, err := reg.SLA(id)
		if err != nil {
			return nil, err
		}
		m.breakers[id] = m.newBreaker(id, sla)
		m.windows[id] = newAttemptWindow(cfg.WindowSize, cfg.WindowAge)
		m.snapshots[id] = &domain.ProviderHealth{
			ProviderID: id,
			Status:     domain.HealthHealthy,
			Circuit:    domain.CircuitClosed,
		}
	}
	return m, nil
}

// newBreaker maps the provider SLA onto circuit-breaker settings:
// trip after MaxConsecutiveFailures, re-test after CircuitBreakerTimeout,
// and let exactly one probe through while half-open.
func (m *Monitor) newBreaker(id string, sla *domain.ProviderSLA) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     sla.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= sla.MaxConsecutiveFailures
		},
		// gobreaker holds its own mutex while invoking this hook, so it must
		// not take m.mu or block on the store. The snapshot picks up the new
		// state on the next refresh, which always follows a breaker call.
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := circuitState(to)
			m.metrics.IncrCircuitTransition(name, string(state))
			m.logger.Info("circuit state change",
				zap.String("provider", name),
				zap.String("from", string(circuitState(from))),
				zap.String("to", string(state)),
			)
		},
	})
}

// Start launches one independent probe scheduler per provider. A slow probe
// on one provider never blocks another provider's schedule: each tick fires
// its probe on its own goroutine. Cancelling ctx stops all schedulers.
func (m *Monitor) Start(ctx context.Context) {
	for _, id := range m.registry.IDs() {
		sla, err := m.registry.SLA(id)
		if err != nil {
			// NewMonitor already validated; only reachable on a racing catalog edit.
			m.logger.Error("scheduler skipped", zap.String("provider", id), zap.Error(err))
			continue
		}
		go m.schedule(ctx, id, sla.CheckInterval)
	}
	m.logger.Info("health monitor started", zap.Int("providers", len(m.breakers)))
}

func (m *Monitor) schedule(ctx context.Context, providerID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go func() {
				if _, err := m.PerformHealthCheck(ctx, providerID); err != nil {
					// A failed probe is health data, not a monitor failure.
					m.logger.Warn("health check error",
						zap.String("provider", providerID), zap.Error(err))
				}
			}()
		}
	}
}

// PerformHealthCheck runs one probe for the provider and folds the result
// into its health snapshot. While the circuit is open the probe is skipped
// until the breaker's timeout admits the single half-open attempt.
func (m *Monitor) PerformHealthCheck(ctx context.Context, providerID string) (*domain.ProviderHealth, error) {
	ctx, span := tracer.Start(ctx, "Monitor.PerformHealthCheck")
	defer span.End()

	provider, err := m.registry.Get(providerID)
	if err != nil {
		return nil, err
	}
	sla, err := m.registry.SLA(providerID)
	if err != nil {
		return nil, err
	}
	breaker := m.breakers[providerID]

	done, err := breaker.Allow()
	if err != nil {
		// Circuit open: no probe allowed through yet.
		m.metrics.IncrProbe(providerID, "skipped")
		snap := m.refreshSnapshot(providerID, sla, nil)
		return snap, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, sla.ProbeTimeout)
	result := m.prober.Probe(probeCtx, provider)
	cancel()

	success := result.Success && result.Err == nil
	done(success)

	status := classify(success, result.ResponseTime, sla.ResponseTimeTarget)
	m.metrics.IncrProbe(providerID, string(status))
	m.windows[providerID].add(success, result.ResponseTime, time.Now())

	var lastErr string
	if result.Err != nil {
		lastErr = result.Err.Error()
	}
	snap := m.refreshSnapshot(providerID, sla, func(s *domain.ProviderHealth) {
		s.Status = status
		s.LastError = lastErr
	})

	if !success {
		m.logger.Warn("provider probe failed",
			zap.String("provider", providerID),
			zap.Duration("response_time", result.ResponseTime),
			zap.Error(result.Err),
		)
	}
	return snap, nil
}

// RecordAttempt feeds a real delivery attempt outcome into the rolling
// window and the circuit breaker. Genuine and chaos-injected failures go
// through this same path, so the breaker cannot tell them apart.
func (m *Monitor) RecordAttempt(ctx context.Context, providerID string, success bool, responseTime time.Duration, attemptErr error) error {
	sla, err := m.registry.SLA(providerID)
	if err != nil {
		return err
	}

	m.windows[providerID].add(success, responseTime, time.Now())
	m.metrics.RecordAttempt(providerID, success, responseTime)

	// Report the outcome to the breaker. When the circuit is open the
	// attempt should never have been routed; it still shows up in the
	// window stats but skips breaker accounting.
	if done, allowErr := m.breakers[providerID].Allow(); allowErr == nil {
		done(success)
	}

	var lastErr string
	if attemptErr != nil {
		lastErr = attemptErr.Error()
	}
	status := classify(success, responseTime, sla.ResponseTimeTarget)
	m.refreshSnapshot(providerID, sla, func(s *domain.ProviderHealth) {
		s.Status = status
		if lastErr != "" {
			s.LastError = lastErr
		}
	})
	return nil
}

// IsProviderHealthy reports whether the provider may receive new traffic.
func (m *Monitor) IsProviderHealthy(providerID string) bool {
	snap, ok := m.Snapshot(providerID)
	if !ok {
		return false
	}
	return snap.Usable()
}

// Snapshot returns the cached health record for one provider.
func (m *Monitor) Snapshot(providerID string) (*domain.ProviderHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.snapshots[providerID]
	if !ok {
		return nil, false
	}
	cp := *snap
	return &cp, true
}

// Snapshots returns the health records of all providers, in catalog order.
func (m *Monitor) Snapshots() []domain.ProviderHealth {
	out := make([]domain.ProviderHealth, 0, len(m.snapshots))
	for _, id := range m.registry.IDs() {
		if snap, ok := m.Snapshot(id); ok {
			out = append(out, *snap)
		}
	}
	return out
}

// HealthyProviders returns the ids of usable providers for a channel,
// in catalog order.
func (m *Monitor) HealthyProviders(channel domain.ChannelType) []string {
	var out []string
	for _, p := range m.registry.ByChannel(channel) {
		if m.IsProviderHealthy(p.ID) {
			out = append(out, p.ID)
		}
	}
	return out
}

// CircuitState returns the provider's current breaker state.
func (m *Monitor) CircuitState(providerID string) domain.CircuitState {
	breaker, ok := m.breakers[providerID]
	if !ok {
		return domain.CircuitClosed
	}
	return circuitState(breaker.State())
}

// refreshSnapshot recomputes the derived snapshot fields from the window and
// breaker, applies mutate (may be nil), caches the result and pushes it to
// the shared store for cross-instance visibility.
func (m *Monitor) refreshSnapshot(providerID string, sla *domain.ProviderSLA, mutate func(*domain.ProviderHealth)) *domain.ProviderHealth {
	stats := m.windows[providerID].stats(time.Now())
	breaker := m.breakers[providerID]
	// Read the breaker before taking m.mu. State() and Counts() acquire
	// gobreaker's mutex, which is also held around the OnStateChange hook;
	// holding m.mu across them would invert the lock order.
	circuit := circuitState(breaker.State())
	counts := breaker.Counts()

	m.mu.Lock()
	snap, ok := m.snapshots[providerID]
	if !ok {
		snap = &domain.ProviderHealth{ProviderID: providerID}
		m.snapshots[providerID] = snap
	}
	snap.Circuit = circuit
	snap.ConsecutiveFailures = int(counts.ConsecutiveFailures)
	snap.SuccessRate = stats.successRate
	snap.ErrorRate = stats.errorRate
	snap.AvgResponseTime = stats.avgResponse
	snap.LastCheckedAt = time.Now()
	snap.Metrics = domain.HealthMetrics{
		TotalAttempts:   stats.total,
		SuccessCount:    stats.successes,
		FailureCount:    stats.failures,
		P95ResponseTime: stats.p95Response,
		P99ResponseTime: stats.p99Response,
	}
	if mutate != nil {
		mutate(snap)
	}
	cp := *snap
	m.mu.Unlock()

	m.publishSnapshot(&cp)
	return &cp
}

// publishSnapshot writes the snapshot to the shared store with a short TTL.
// Publish failures are logged and tolerated: the in-process cache remains
// the local source of truth.
func (m *Monitor) publishSnapshot(snap *domain.ProviderHealth) {
	raw, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("marshal health snapshot", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.shared.Set(ctx, snapshotKeyPrefix+snap.ProviderID, raw, m.cfg.SnapshotTTL); err != nil {
		m.logger.Warn("publish health snapshot",
			zap.String("provider", snap.ProviderID), zap.Error(err))
	}
}

// classify applies the SLA threshold rule: success within target is healthy,
// success within 2x target is degraded, anything else is unhealthy.
func classify(success bool, responseTime, target time.Duration) domain.HealthState {
	switch {
	case success && responseTime <= target:
		return domain.HealthHealthy
	case success && responseTime <= 2*target:
		return domain.HealthDegraded
	default:
		return domain.HealthUnhealthy
	}
}

func circuitState(s gobreaker.State) domain.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}
