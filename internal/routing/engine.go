// Package routing selects the optimal provider for each delivery request
// and maintains the ordered fallback chain behind it.
package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/cache"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/port"
	"github.com/relaymesh/delivery-core/internal/registry"
)

var tracer = otel.Tracer("routing")

const (
	maxFallbacks = 3
	loadStaleAge = time.Minute
)

// Engine scores candidate providers and returns a primary plus ordered
// fallbacks. Decisions read cached health snapshots only and never trigger
// a live probe.
type Engine struct {
	registry *registry.Registry
	health   port.HealthView
	metrics  *observability.Metrics
	logger   *zap.Logger

	decisions *cache.InMemory[*domain.RoutingDecision]

	loadMu sync.RWMutex
	loads  map[string]*domain.ProviderLoad
}

// NewEngine creates a routing engine with a decision cache of the given TTL.
func NewEngine(reg *registry.Registry, health port.HealthView, metrics *observability.Metrics, logger *zap.Logger, cacheTTL time.Duration) *Engine {
	return &Engine{
		registry:  reg,
		health:    health,
		metrics:   metrics,
		logger:    logger,
		decisions: cache.New[*domain.RoutingDecision](cacheTTL),
		loads:     make(map[string]*domain.ProviderLoad),
	}
}

// SelectProvider returns the routing decision for the given context.
// Identical contexts within the cache TTL are served the cached decision;
// cached entries are advisory and may be slightly stale.
func (e *Engine) SelectProvider(ctx context.Context, rc *domain.RoutingContext) (*domain.RoutingDecision, error) {
	_, span := tracer.Start(ctx, "Engine.SelectProvider")
	defer span.End()

	if !rc.Channel.Valid() {
		return nil, &domain.ErrValidation{Field: "channel", Message: "unknown channel type"}
	}

	key := rc.Fingerprint()
	if cached, ok := e.decisions.Get(key); ok {
		e.metrics.IncrCacheHit("routing_decision")
		cp := *cached
		cp.CacheHit = true
		return &cp, nil
	}
	e.metrics.IncrCacheMiss("routing_decision")

	decision, err := e.decide(rc)
	if err != nil {
		return nil, err
	}

	e.decisions.Set(key, decision)
	e.metrics.IncrRoutingDecision(string(rc.Channel), decision.PrimaryProvider)
	e.logger.Debug("routing decision",
		zap.String("channel", string(rc.Channel)),
		zap.String("primary", decision.PrimaryProvider),
		zap.Strings("fallbacks", decision.FallbackProviders),
		zap.Float64("confidence", decision.Confidence),
	)
	return decision, nil
}

// decide runs the full filter-partition-score pipeline.
func (e *Engine) decide(rc *domain.RoutingContext) (*domain.RoutingDecision, error) {
	candidates := e.filter(rc)
	if len(candidates) == 0 {
		return nil, &domain.ErrNoProviders{Channel: rc.Channel, Detail: "no enabled providers match the context"}
	}

	healthy, degraded := e.partition(candidates)
	pool := healthy
	reason := "healthy pool"
	if len(pool) == 0 {
		pool = degraded
		reason = "degraded fallback"
	}
	if len(pool) == 0 {
		return nil, &domain.ErrNoProviders{Channel: rc.Channel, Detail: "all providers unhealthy or circuit-open"}
	}

	scores := e.scoreAll(pool, rc)
	e.rank(scores)

	decision := &domain.RoutingDecision{
		ID:              uuid.NewString(),
		PrimaryProvider: scores[0].ProviderID,
		Reason:          reason,
		Confidence:      confidence(scores),
		Scores:          scores,
		DecidedAt:       time.Now(),
	}
	for i := 1; i < len(scores) && i <= maxFallbacks; i++ {
		decision.FallbackProviders = append(decision.FallbackProviders, scores[i].ProviderID)
	}
	return decision, nil
}

// filter narrows the catalog to enabled, non-excluded providers for the
// channel that respect an explicit cost budget.
func (e *Engine) filter(rc *domain.RoutingContext) []domain.ProviderConfig {
	var out []domain.ProviderConfig
	for _, p := range e.registry.ByChannel(rc.Channel) {
		if rc.Excludes(p.ID) {
			continue
		}
		if rc.MaxCostPerRequest > 0 && p.CostPerRequest > rc.MaxCostPerRequest {
			continue
		}
		out = append(out, p)
	}
	return out
}

// partition splits candidates into a preferred healthy pool and a degraded
// reserve. Providers with open circuits or unhealthy status land in neither.
func (e *Engine) partition(candidates []domain.ProviderConfig) (healthy, degraded []domain.ProviderConfig) {
	for _, p := range candidates {
		snap, ok := e.health.Snapshot(p.ID)
		if !ok {
			// No snapshot yet: optimistic until the monitor says otherwise.
			healthy = append(healthy, p)
			continue
		}
		if !snap.Usable() {
			continue
		}
		if snap.Status == domain.HealthDegraded {
			degraded = append(degraded, p)
			continue
		}
		healthy = append(healthy, p)
	}
	return healthy, degraded
}

// rank orders scores best-first. Ties break by lower configured priority
// number, then catalog order, so identical inputs always produce identical
// decisions.
func (e *Engine) rank(scores []domain.ProviderScore) {
	priority := make(map[string]int, len(scores))
	for _, s := range scores {
		if p, err := e.registry.Get(s.ProviderID); err == nil {
			priority[s.ProviderID] = p.Priority
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		pi, pj := priority[scores[i].ProviderID], priority[scores[j].ProviderID]
		if pi != pj {
			return pi < pj
		}
		return e.registry.OrderIndex(scores[i].ProviderID) < e.registry.OrderIndex(scores[j].ProviderID)
	})
}

// confidence is the normalized gap between the primary and the runner-up.
// A single candidate is fully confident by definition.
func confidence(scores []domain.ProviderScore) float64 {
	if len(scores) < 2 || scores[0].Total <= 0 {
		return 1
	}
	gap := (scores[0].Total - scores[1].Total) / scores[0].Total
	if gap > 1 {
		gap = 1
	}
	return gap
}

// UpdateProviderLoad records a provider's recent throughput. The value is a
// soft load-balancing signal consumed by the feature-fit score, not a hard
// admission limit.
func (e *Engine) UpdateProviderLoad(providerID string, currentLoad int) error {
	if _, err := e.registry.Get(providerID); err != nil {
		return err
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	e.loads[providerID] = &domain.ProviderLoad{
		ProviderID:  providerID,
		CurrentLoad: currentLoad,
		UpdatedAt:   time.Now(),
	}
	return nil
}

// GetProviderLoad returns the recent load signal, or zero when no fresh
// report exists.
func (e *Engine) GetProviderLoad(providerID string) domain.ProviderLoad {
	e.loadMu.RLock()
	defer e.loadMu.RUnlock()

	load, ok := e.loads[providerID]
	if !ok || time.Since(load.UpdatedAt) > loadStaleAge {
		return domain.ProviderLoad{ProviderID: providerID}
	}
	return *load
}

// ClearCache drops all cached decisions, forcing fresh scoring. Used after
// catalog edits and by chaos experiments that need routing to re-evaluate.
func (e *Engine) ClearCache() {
	for _, key := range e.decisions.Keys() {
		e.decisions.Delete(key)
	}
	e.logger.Info("routing decision cache cleared")
}
