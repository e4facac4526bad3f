package chaos

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/cache"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/port"
)

const injectionKeyPrefix = "chaos:inject:"

// Injector owns the active injection state. The shared TTL store is the
// authority so multiple instances converge; the in-process cache is only a
// fast path. Expired state reads as absent everywhere, deleted or not.
type Injector struct {
	local   *cache.InMemory[*domain.InjectionState]
	shared  port.SharedStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewInjector builds an injector backed by the shared store.
func NewInjector(shared port.SharedStore, metrics *observability.Metrics, logger *zap.Logger, localTTL time.Duration) *Injector {
	return &Injector{
		local:   cache.New[*domain.InjectionState](localTTL),
		shared:  shared,
		metrics: metrics,
		logger:  logger,
	}
}

// Activate installs an injection for a provider until its expiry.
func (in *Injector) Activate(ctx context.Context, state *domain.InjectionState) error {
	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		return &domain.ErrValidation{Field: "expiresAt", Message: "injection already expired"}
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := in.shared.Set(ctx, injectionKeyPrefix+state.ProviderID, raw, ttl); err != nil {
		return err
	}
	in.local.SetWithTTL(injectionKeyPrefix+state.ProviderID, state, ttl)

	in.logger.Info("injection activated",
		zap.String("provider", state.ProviderID),
		zap.String("type", string(state.Type)),
		zap.Time("expires_at", state.ExpiresAt),
	)
	return nil
}

// Deactivate removes a provider's injection from both layers.
func (in *Injector) Deactivate(ctx context.Context, providerID string) error {
	in.local.Delete(injectionKeyPrefix + providerID)
	if err := in.shared.Delete(ctx, injectionKeyPrefix+providerID); err != nil {
		return err
	}
	in.logger.Info("injection deactivated", zap.String("provider", providerID))
	return nil
}

// lookup resolves the active injection for a provider: local cache first,
// then the shared store. A hit from the shared store repopulates the cache.
func (in *Injector) lookup(ctx context.Context, providerID string) (*domain.InjectionState, bool) {
	key := injectionKeyPrefix + providerID
	now := time.Now()

	if state, ok := in.local.Get(key); ok {
		if state.Active(now) {
			return state, true
		}
		in.local.Delete(key)
	}

	raw, found, err := in.shared.Get(ctx, key)
	if err != nil {
		// Store trouble must not take down the delivery path.
		in.logger.Warn("injection lookup failed", zap.String("provider", providerID), zap.Error(err))
		return nil, false
	}
	if !found {
		return nil, false
	}

	var state domain.InjectionState
	if err := json.Unmarshal(raw, &state); err != nil {
		in.logger.Warn("corrupt injection state", zap.String("provider", providerID), zap.Error(err))
		return nil, false
	}
	if !state.Active(now) {
		return nil, false
	}
	in.local.SetWithTTL(key, &state, time.Until(state.ExpiresAt))
	return &state, true
}

// ShouldInjectFailure reports whether this attempt should synthetically
// fail, with probability equal to the configured failure rate.
func (in *Injector) ShouldInjectFailure(ctx context.Context, providerID string) bool {
	state, ok := in.lookup(ctx, providerID)
	if !ok || state.Failure == nil {
		return false
	}
	if rand.Float64()*100 >= state.Failure.Rate {
		return false
	}
	in.metrics.IncrInjection(providerID, string(state.Failure.Kind))
	return true
}

// GetInjectedFailureType returns the failure kind of the active injection.
func (in *Injector) GetInjectedFailureType(ctx context.Context, providerID string) (domain.FailureKind, bool) {
	state, ok := in.lookup(ctx, providerID)
	if !ok || state.Failure == nil {
		return "", false
	}
	return state.Failure.Kind, true
}

// GetInjectedLatency returns latency plus uniform jitter while a latency
// injection is active, else 0.
func (in *Injector) GetInjectedLatency(ctx context.Context, providerID string) time.Duration {
	state, ok := in.lookup(ctx, providerID)
	if !ok || state.Latency == nil {
		return 0
	}
	ms := state.Latency.LatencyMs
	if state.Latency.JitterMs > 0 {
		ms += rand.Intn(state.Latency.JitterMs + 1)
	}
	return time.Duration(ms) * time.Millisecond
}

// ActiveInjection returns the live injection for a provider, if any.
func (in *Injector) ActiveInjection(ctx context.Context, providerID string) (*domain.InjectionState, bool) {
	return in.lookup(ctx, providerID)
}

// CleanupExpiredInjections drops expired entries from the local cache. An
// experiment's own teardown is not the only exit path, so the sweep runs
// independently of any run.
func (in *Injector) CleanupExpiredInjections() int {
	removed := 0
	now := time.Now()
	for _, key := range in.local.Keys() {
		state, ok := in.local.Get(key)
		if !ok {
			continue
		}
		if !state.Active(now) {
			in.local.Delete(key)
			removed++
		}
	}
	if removed > 0 {
		in.logger.Info("swept expired injections", zap.Int("removed", removed))
	}
	return removed
}

// StartSweeper runs the cleanup on a fixed interval until ctx is cancelled.
func (in *Injector) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				in.CleanupExpiredInjections()
			}
		}
	}()
}
