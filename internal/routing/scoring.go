package routing

import (
	"time"

	"github.com/relaymesh/delivery-core/internal/domain"
)

// weights are the per-axis multipliers applied to the 0-100 axis scores.
// They always sum to 1 after normalization.
type weights struct {
	cost        float64
	performance float64
	reliability float64
	regional    float64
	feature     float64
}

// weightsFor adapts the default balance to the request: cost-optimization
// shifts weight to cost, low-latency to performance, geo-routing to region.
func weightsFor(rc *domain.RoutingContext) weights {
	w := weights{
		cost:        0.15,
		performance: 0.25,
		reliability: 0.35,
		regional:    0.10,
		feature:     0.15,
	}
	if rc.CostOptimized {
		w.cost = 0.35
	}
	if rc.LowLatency {
		w.performance = 0.40
	}
	if rc.GeoRouting {
		w.regional = 0.25
	}

	sum := w.cost + w.performance + w.reliability + w.regional + w.feature
	w.cost /= sum
	w.performance /= sum
	w.reliability /= sum
	w.regional /= sum
	w.feature /= sum
	return w
}

// scoreAll scores every candidate in the pool against the context.
func (e *Engine) scoreAll(pool []domain.ProviderConfig, rc *domain.RoutingContext) []domain.ProviderScore {
	w := weightsFor(rc)

	// Cost normalizes against the most expensive candidate, or against the
	// explicit budget when cost-optimization carries one.
	ceiling := 0.0
	for _, p := range pool {
		if p.CostPerRequest > ceiling {
			ceiling = p.CostPerRequest
		}
	}
	if rc.CostOptimized && rc.MaxCostPerRequest > 0 {
		ceiling = rc.MaxCostPerRequest
	}

	scores := make([]domain.ProviderScore, 0, len(pool))
	for _, p := range pool {
		b := domain.ScoreBreakdown{
			Cost:        e.costScore(&p, ceiling),
			Performance: e.performanceScore(&p),
			Reliability: e.reliabilityScore(&p, rc),
			Regional:    e.regionalScore(&p, rc),
			Feature:     e.featureScore(&p, rc),
		}
		total := b.Cost*w.cost +
			b.Performance*w.performance +
			b.Reliability*w.reliability +
			b.Regional*w.regional +
			b.Feature*w.feature
		scores = append(scores, domain.ProviderScore{
			ProviderID: p.ID,
			Total:      total,
			Breakdown:  b,
		})
	}
	return scores
}

// costScore is the inverse of the provider's cost relative to the ceiling:
// the cheapest candidate approaches 100, the ceiling itself scores 0.
func (e *Engine) costScore(p *domain.ProviderConfig, ceiling float64) float64 {
	if ceiling <= 0 {
		return 100
	}
	score := (1 - p.CostPerRequest/ceiling) * 100
	return clamp(score)
}

// performanceScore starts at 100 while the observed average response time is
// within the SLA target and decays linearly past it, reaching 0 at 3x target.
func (e *Engine) performanceScore(p *domain.ProviderConfig) float64 {
	sla, err := e.registry.SLA(p.ID)
	if err != nil {
		return 50
	}
	snap, ok := e.health.Snapshot(p.ID)
	if !ok || snap.AvgResponseTime == 0 {
		// No observations yet; neutral-optimistic.
		return 80
	}
	target := sla.ResponseTimeTarget
	if target <= 0 {
		target = 500 * time.Millisecond
	}
	if snap.AvgResponseTime <= target {
		return 100
	}
	overrun := float64(snap.AvgResponseTime-target) / float64(2*target)
	return clamp((1 - overrun) * 100)
}

// reliabilityScore is the rolling success rate plus a trust bonus for lower
// priority numbers and a bonus when the caller explicitly prefers the
// provider.
func (e *Engine) reliabilityScore(p *domain.ProviderConfig, rc *domain.RoutingContext) float64 {
	base := 100.0
	if snap, ok := e.health.Snapshot(p.ID); ok && snap.Metrics.TotalAttempts > 0 {
		base = snap.SuccessRate * 100
	}

	bonus := float64(10 - p.Priority)
	if bonus < 0 {
		bonus = 0
	}
	if rc.Prefers(p.ID) {
		bonus += 10
	}
	return clamp(base + bonus)
}

// regionalScore rewards an exact region match under geo-routing; otherwise
// everyone gets the same neutral partial score.
func (e *Engine) regionalScore(p *domain.ProviderConfig, rc *domain.RoutingContext) float64 {
	if rc.GeoRouting && rc.Region != "" {
		if p.SupportsRegion(rc.Region) {
			return 100
		}
		return 20
	}
	return 60
}

// featureScore adds bonuses for capability matches: throughput headroom,
// latency posture, platform support, and current load headroom. Capped at
// 100 and floored at 0.
func (e *Engine) featureScore(p *domain.ProviderConfig, rc *domain.RoutingContext) float64 {
	score := 50.0

	if rc.MinThroughput > 0 {
		if p.MaxThroughput >= rc.MinThroughput {
			score += 20
		} else {
			score -= 20
		}
	}
	if rc.Platform != "" && p.SupportsPlatform(rc.Platform) {
		score += 15
	}
	if rc.LowLatency && p.HasFeature("low_latency") {
		score += 15
	}

	// Soft load signal: a provider running near its throughput ceiling is
	// de-preferenced, not excluded.
	if p.MaxThroughput > 0 {
		load := e.GetProviderLoad(p.ID)
		if load.CurrentLoad >= p.MaxThroughput {
			score -= 15
		}
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
