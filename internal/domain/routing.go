package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PriorityTier orders notifications by urgency.
type PriorityTier string

const (
	PriorityCritical PriorityTier = "critical"
	PriorityHigh     PriorityTier = "high"
	PriorityMedium   PriorityTier = "medium"
	PriorityLow      PriorityTier = "low"
)

// RoutingContext is the ephemeral, per-request input to provider selection.
// It is never persisted; its normalized fingerprint keys the decision cache.
// Region is the recipient country code, Platform is one of ios/android/web
// and MinThroughput is in requests per minute.
type RoutingContext struct {
	Channel            ChannelType  `json:"channel"`
	Region             string       `json:"region,omitempty"`
	Platform           string       `json:"platform,omitempty"`
	Priority           PriorityTier `json:"priority,omitempty"`
	MinThroughput      int          `json:"minThroughput,omitempty"`
	LowLatency         bool         `json:"lowLatency,omitempty"`
	CostOptimized      bool         `json:"costOptimized,omitempty"`
	GeoRouting         bool         `json:"geoRouting,omitempty"`
	MaxCostPerRequest  float64      `json:"maxCostPerRequest,omitempty"`
	ExcludedProviders  []string     `json:"excludedProviders,omitempty"`
	PreferredProviders []string     `json:"preferredProviders,omitempty"`
}

// Fingerprint returns a deterministic cache key for the context. Provider
// lists are sorted so that equivalent contexts normalize to the same key.
func (rc *RoutingContext) Fingerprint() string {
	excluded := append([]string(nil), rc.ExcludedProviders...)
	preferred := append([]string(nil), rc.PreferredProviders...)
	sort.Strings(excluded)
	sort.Strings(preferred)

	return fmt.Sprintf("route:%s:%s:%s:%s:%d:%t:%t:%t:%.4f:%s:%s",
		rc.Channel, rc.Region, rc.Platform, rc.Priority,
		rc.MinThroughput, rc.LowLatency, rc.CostOptimized, rc.GeoRouting,
		rc.MaxCostPerRequest,
		strings.Join(excluded, ","), strings.Join(preferred, ","),
	)
}

// Excludes reports whether the provider id is on the exclusion list.
func (rc *RoutingContext) Excludes(providerID string) bool {
	for _, id := range rc.ExcludedProviders {
		if id == providerID {
			return true
		}
	}
	return false
}

// Prefers reports whether the provider id is on the preferred list.
func (rc *RoutingContext) Prefers(providerID string) bool {
	for _, id := range rc.PreferredProviders {
		if id == providerID {
			return true
		}
	}
	return false
}

// ScoreBreakdown exposes the five normalized scoring axes (each 0..100).
type ScoreBreakdown struct {
	Cost        float64 `json:"cost"`
	Performance float64 `json:"performance"`
	Reliability float64 `json:"reliability"`
	Regional    float64 `json:"regional"`
	Feature     float64 `json:"feature"`
}

// ProviderScore pairs a candidate with its weighted total and breakdown.
type ProviderScore struct {
	ProviderID string         `json:"providerId"`
	Total      float64        `json:"total"`
	Breakdown  ScoreBreakdown `json:"breakdown"`
}

// RoutingDecision is the ordered provider preference list for one request.
// Confidence is 0..1, the normalized score gap to the runner-up.
type RoutingDecision struct {
	ID                string          `json:"id"`
	PrimaryProvider   string          `json:"primaryProvider"`
	FallbackProviders []string        `json:"fallbackProviders"`
	Reason            string          `json:"reason"`
	Confidence        float64         `json:"confidence"`
	Scores            []ProviderScore `json:"scores"`
	CacheHit          bool            `json:"cacheHit"`
	DecidedAt         time.Time       `json:"decidedAt"`
}

// ProviderLoad is the soft load-balancing signal tracked per provider.
type ProviderLoad struct {
	ProviderID  string    `json:"providerId"`
	CurrentLoad int       `json:"currentLoad"` // recent requests/min
	UpdatedAt   time.Time `json:"updatedAt"`
}
