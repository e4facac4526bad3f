// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the core subsystems
// from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/relaymesh/delivery-core/internal/domain"
)

// SharedStore is the shared TTL-bearing key-value store used for health
// snapshots, injection state, experiment history and frequency counters.
// The authority for liveness is the TTL: an expired entry reads as absent,
// whether or not it was explicitly deleted.
type SharedStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Incr atomically increments a counter, creating it with the TTL if absent.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)

	// AppendList appends to a list capped at max entries (oldest rotated out).
	AppendList(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error
	GetList(ctx context.Context, key string) ([][]byte, error)
}

// ProfileStore is the durable store for per-user engagement profiles.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*domain.UserEngagementProfile, error)
	SaveProfile(ctx context.Context, profile *domain.UserEngagementProfile) error
}

// Prober executes a provider-specific health probe. The contract is simply
// "returns success/failure plus observed latency"; wire-level protocols
// belong to the transport layer.
type Prober interface {
	Probe(ctx context.Context, provider *domain.ProviderConfig) domain.ProbeResult
}

// Cache provides generic in-process caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// HealthView is the read-only health query surface consumed by the routing
// engine. Reads are served from cached state and never block on a live probe.
type HealthView interface {
	IsProviderHealthy(providerID string) bool
	Snapshot(providerID string) (*domain.ProviderHealth, bool)
}
