// Package chaos deliberately degrades providers to prove that health
// monitoring and routing fail over correctly, and quantifies the outcome.
package chaos

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/port"
	"github.com/relaymesh/delivery-core/internal/registry"
)

var tracer = otel.Tracer("chaos")

const historyKeyPrefix = "chaos:history:"

// HealthController is the slice of the health monitor the chaos engine
// drives: it feeds synthetic attempts in and reads circuit state back.
type HealthController interface {
	RecordAttempt(ctx context.Context, providerID string, success bool, responseTime time.Duration, attemptErr error) error
	CircuitState(providerID string) domain.CircuitState
	IsProviderHealthy(providerID string) bool
}

// Router is the slice of the routing engine used for failover assertions.
type Router interface {
	SelectProvider(ctx context.Context, rc *domain.RoutingContext) (*domain.RoutingDecision, error)
	ClearCache()
}

// Config tunes experiment execution.
type Config struct {
	PollInterval time.Duration // metrics poll cadence during a run
	RecoveryWait time.Duration // max time to wait for post-run recovery
	HistoryTTL   time.Duration // result retention
	MaxHistory   int           // results kept per experiment
}

// Engine owns experiment definitions and runs them against live subsystems.
type Engine struct {
	registry *registry.Registry
	health   HealthController
	router   Router
	injector *Injector
	shared   port.SharedStore
	metrics  *observability.Metrics
	logger   *zap.Logger
	cfg      Config

	mu          sync.Mutex
	experiments map[string]*domain.ChaosExperiment
	running     map[string]bool
}

// NewEngine creates a chaos engine.
func NewEngine(reg *registry.Registry, health HealthController, router Router, injector *Injector, shared port.SharedStore, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Engine {
	return &Engine{
		registry:    reg,
		health:      health,
		router:      router,
		injector:    injector,
		shared:      shared,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		experiments: make(map[string]*domain.ChaosExperiment),
		running:     make(map[string]bool),
	}
}

// CreateExperiment validates and registers an experiment definition.
func (e *Engine) CreateExperiment(_ context.Context, exp *domain.ChaosExperiment) (*domain.ChaosExperiment, error) {
	if err := e.validate(exp); err != nil {
		return nil, err
	}
	exp.ID = uuid.NewString()
	exp.CreatedAt = time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *exp
	e.experiments[exp.ID] = &cp

	e.logger.Info("experiment created",
		zap.String("experiment", exp.ID),
		zap.String("type", string(exp.Type)),
	)
	return exp, nil
}

func (e *Engine) validate(exp *domain.ChaosExperiment) error {
	if !exp.Type.Valid() {
		return &domain.ErrValidation{Field: "type", Message: fmt.Sprintf("unknown experiment type %q", exp.Type)}
	}
	if exp.Duration <= 0 {
		return &domain.ErrValidation{Field: "duration", Message: "must be positive"}
	}

	switch exp.Target {
	case domain.TargetSpecific:
		if len(exp.TargetIDs) == 0 {
			return &domain.ErrValidation{Field: "targetIds", Message: "specific targeting requires at least one provider"}
		}
		for _, id := range exp.TargetIDs {
			if _, err := e.registry.Get(id); err != nil {
				return err
			}
		}
	case domain.TargetRandom:
		if exp.RandomCount <= 0 {
			return &domain.ErrValidation{Field: "randomCount", Message: "random targeting requires a positive count"}
		}
	case domain.TargetAll:
	default:
		if exp.Type != domain.ExperimentLoad {
			return &domain.ErrValidation{Field: "target", Message: fmt.Sprintf("unknown target policy %q", exp.Target)}
		}
	}

	switch exp.Type {
	case domain.ExperimentFailureInjection:
		if exp.Failure == nil {
			return &domain.ErrValidation{Field: "failure", Message: "failure_injection requires a failure config"}
		}
		if exp.Failure.Rate < 0 || exp.Failure.Rate > 100 {
			return &domain.ErrValidation{Field: "failure.rate", Message: "must be between 0 and 100"}
		}
	case domain.ExperimentLatencyInjection:
		if exp.Latency == nil || exp.Latency.LatencyMs <= 0 {
			return &domain.ErrValidation{Field: "latency", Message: "latency_injection requires a positive latencyMs"}
		}
	case domain.ExperimentLoad:
		if exp.Load == nil {
			exp.Load = &domain.LoadConfig{}
		}
		if exp.Load.Requests <= 0 {
			exp.Load.Requests = 100
		}
		if exp.Load.Concurrency <= 0 {
			exp.Load.Concurrency = 10
		}
		if len(exp.Load.Channels) == 0 {
			exp.Load.Channels = []domain.ChannelType{domain.ChannelEmail, domain.ChannelSMS, domain.ChannelPush}
		}
	}
	return nil
}

// SetEnabled toggles whether an experiment may be run.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.experiments[id]
	if !ok {
		return &domain.ErrNotFound{Resource: "experiment", ID: id}
	}
	exp.Enabled = enabled
	return nil
}

// GetExperiment returns an experiment definition by id.
func (e *Engine) GetExperiment(id string) (*domain.ChaosExperiment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.experiments[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "experiment", ID: id}
	}
	cp := *exp
	return &cp, nil
}

// ListExperiments returns all experiment definitions.
func (e *Engine) ListExperiments() []domain.ChaosExperiment {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.ChaosExperiment, 0, len(e.experiments))
	for _, exp := range e.experiments {
		out = append(out, *exp)
	}
	return out
}

// DeleteExperiment removes a definition. A running experiment cannot be
// deleted out from under its own teardown.
func (e *Engine) DeleteExperiment(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.experiments[id]; !ok {
		return &domain.ErrNotFound{Resource: "experiment", ID: id}
	}
	if e.running[id] {
		return &domain.ErrExperimentRunning{ExperimentID: id}
	}
	delete(e.experiments, id)
	return nil
}

// StartRun launches an experiment in the background and returns immediately.
// Results land in the experiment's history when the run completes.
func (e *Engine) StartRun(id string) error {
	exp, err := e.GetExperiment(id)
	if err != nil {
		return err
	}
	if !exp.Enabled {
		return &domain.ErrValidation{Field: "enabled", Message: "experiment is disabled"}
	}

	e.mu.Lock()
	if e.running[id] {
		e.mu.Unlock()
		return &domain.ErrExperimentRunning{ExperimentID: id}
	}
	e.running[id] = true
	e.mu.Unlock()

	go func() {
		// The run outlives the HTTP request that started it.
		if _, err := e.execute(context.Background(), exp); err != nil {
			e.logger.Error("experiment run failed", zap.String("experiment", id), zap.Error(err))
		}
	}()
	return nil
}

// RunExperiment executes an experiment synchronously and returns its result.
func (e *Engine) RunExperiment(ctx context.Context, id string) (*domain.ChaosExperimentResult, error) {
	exp, err := e.GetExperiment(id)
	if err != nil {
		return nil, err
	}
	if !exp.Enabled {
		return nil, &domain.ErrValidation{Field: "enabled", Message: "experiment is disabled"}
	}

	e.mu.Lock()
	if e.running[id] {
		e.mu.Unlock()
		return nil, &domain.ErrExperimentRunning{ExperimentID: id}
	}
	e.running[id] = true
	e.mu.Unlock()

	return e.execute(ctx, exp)
}

// execute runs the experiment end to end. Injection teardown is deferred so
// it happens on every exit path, including poll-loop cancellation.
func (e *Engine) execute(ctx context.Context, exp *domain.ChaosExperiment) (result *domain.ChaosExperimentResult, err error) {
	ctx, span := tracer.Start(ctx, "Engine.execute")
	defer span.End()

	defer func() {
		e.mu.Lock()
		delete(e.running, exp.ID)
		e.mu.Unlock()
	}()

	result = &domain.ChaosExperimentResult{
		ExperimentID: exp.ID,
		RunID:        uuid.NewString(),
		StartedAt:    time.Now(),
	}
	e.logger.Info("experiment run started",
		zap.String("experiment", exp.ID),
		zap.String("run", result.RunID),
		zap.String("type", string(exp.Type)),
		zap.Duration("duration", exp.Duration),
	)

	targets := e.resolveTargets(exp)
	if exp.Type != domain.ExperimentLoad && len(targets) == 0 {
		result.Error = "no target providers resolved"
		result.CompletedAt = time.Now()
		e.appendResult(ctx, result)
		return result, &domain.ErrValidation{Field: "target", Message: "no target providers resolved"}
	}

	if injErr := e.activateInjections(ctx, exp, targets); injErr != nil {
		result.Error = injErr.Error()
		result.CompletedAt = time.Now()
		e.appendResult(ctx, result)
		return result, injErr
	}
	// Guaranteed teardown: runs whether the poll loop finishes, errors or
	// the context is cancelled mid-run. Uses its own context because the
	// run's ctx may already be dead.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, id := range targets {
			if dErr := e.injector.Deactivate(cleanupCtx, id); dErr != nil {
				e.logger.Error("injection teardown failed", zap.String("provider", id), zap.Error(dErr))
			}
		}
	}()

	baseline := e.baselineDecision(ctx, exp, targets)

	switch exp.Type {
	case domain.ExperimentLoad:
		err = e.runLoad(ctx, exp, result)
	default:
		err = e.pollAndDrive(ctx, exp, targets, result)
	}
	if err != nil {
		result.Error = err.Error()
	}

	result.CircuitOpened = e.anyCircuitOpen(targets)
	result.FailoverTriggered = e.detectFailover(ctx, exp, targets, baseline)
	result.RecoveryTime = e.awaitRecovery(ctx, targets)
	result.CompletedAt = time.Now()
	result.Success = err == nil

	e.score(exp, result)
	e.appendResult(ctx, result)

	e.logger.Info("experiment run completed",
		zap.String("experiment", exp.ID),
		zap.String("run", result.RunID),
		zap.Bool("success", result.Success),
		zap.Float64("resilience_score", result.ResilienceScore),
		zap.Float64("impact_score", result.ImpactScore),
		zap.Bool("failover", result.FailoverTriggered),
		zap.Bool("circuit_opened", result.CircuitOpened),
	)
	return result, err
}

// resolveTargets expands the target policy into concrete provider ids.
func (e *Engine) resolveTargets(exp *domain.ChaosExperiment) []string {
	switch exp.Target {
	case domain.TargetSpecific:
		return append([]string(nil), exp.TargetIDs...)
	case domain.TargetRandom:
		ids := e.registry.IDs()
		rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		if exp.RandomCount < len(ids) {
			ids = ids[:exp.RandomCount]
		}
		return ids
	case domain.TargetAll:
		return e.registry.IDs()
	}
	return nil
}

// activateInjections installs the per-target injection state implied by the
// experiment type. Load tests inject nothing.
func (e *Engine) activateInjections(ctx context.Context, exp *domain.ChaosExperiment, targets []string) error {
	if exp.Type == domain.ExperimentLoad {
		return nil
	}
	expires := time.Now().Add(exp.Duration)

	for _, id := range targets {
		state := &domain.InjectionState{
			ProviderID: id,
			Type:       exp.Type,
			ExpiresAt:  expires,
		}
		switch exp.Type {
		case domain.ExperimentFailureInjection:
			state.Failure = exp.Failure
		case domain.ExperimentLatencyInjection:
			state.Latency = exp.Latency
		case domain.ExperimentCircuitBreaker, domain.ExperimentFailover:
			// Total failure: the assertion is about what the rest of the
			// system does in response.
			state.Failure = &domain.FailureConfig{Rate: 100, Kind: domain.FailureServer}
		}
		if err := e.injector.Activate(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// baselineDecision captures the pre-injection routing primary so failover
// can be asserted afterwards.
func (e *Engine) baselineDecision(ctx context.Context, exp *domain.ChaosExperiment, targets []string) string {
	if exp.Type != domain.ExperimentFailover || len(targets) == 0 {
		return ""
	}
	provider, err := e.registry.Get(targets[0])
	if err != nil {
		return ""
	}
	e.router.ClearCache()
	decision, err := e.router.SelectProvider(ctx, &domain.RoutingContext{Channel: provider.Channel})
	if err != nil {
		return ""
	}
	return decision.PrimaryProvider
}

// pollAndDrive is the experiment's monitoring loop: on each tick it pushes
// one synthetic attempt per target through the injection decision and into
// the health monitor, exactly like a real delivery would.
func (e *Engine) pollAndDrive(ctx context.Context, exp *domain.ChaosExperiment, targets []string, result *domain.ChaosExperimentResult) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.After(exp.Duration)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.C:
			for _, id := range targets {
				e.driveAttempt(ctx, id, result)
			}
		}
	}
}

func (e *Engine) driveAttempt(ctx context.Context, providerID string, result *domain.ChaosExperimentResult) {
	result.TotalRequests++

	latency := 20*time.Millisecond + e.injector.GetInjectedLatency(ctx, providerID)
	if e.injector.ShouldInjectFailure(ctx, providerID) {
		result.FailedRequests++
		kind, _ := e.injector.GetInjectedFailureType(ctx, providerID)
		attemptErr := &domain.ErrTransient{
			ProviderID: providerID,
			Kind:       string(kind),
			Err:        fmt.Errorf("injected %s", kind),
		}
		if err := e.health.RecordAttempt(ctx, providerID, false, latency, attemptErr); err != nil {
			e.logger.Warn("record attempt", zap.String("provider", providerID), zap.Error(err))
		}
		return
	}
	if err := e.health.RecordAttempt(ctx, providerID, true, latency, nil); err != nil {
		e.logger.Warn("record attempt", zap.String("provider", providerID), zap.Error(err))
	}
}

// runLoad fires the configured number of synthetic requests per channel
// through routing and health accounting, bounded by the concurrency limit.
func (e *Engine) runLoad(ctx context.Context, exp *domain.ChaosExperiment, result *domain.ChaosExperimentResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exp.Load.Concurrency)

	var mu sync.Mutex
	for _, channel := range exp.Load.Channels {
		channel := channel
		for i := 0; i < exp.Load.Requests; i++ {
			g.Go(func() error {
				decision, err := e.router.SelectProvider(gctx, &domain.RoutingContext{Channel: channel})

				mu.Lock()
				result.TotalRequests++
				if err != nil {
					result.FailedRequests++
				}
				mu.Unlock()

				if err != nil {
					// A channel with no providers is a finding, not a run failure.
					return nil
				}
				return e.health.RecordAttempt(gctx, decision.PrimaryProvider, true, 20*time.Millisecond, nil)
			})
		}
	}
	return g.Wait()
}

func (e *Engine) anyCircuitOpen(targets []string) bool {
	for _, id := range targets {
		if e.health.CircuitState(id) == domain.CircuitOpen {
			return true
		}
	}
	return false
}

// detectFailover re-runs routing after the fault and reports whether the
// primary moved off the faulted provider.
func (e *Engine) detectFailover(ctx context.Context, exp *domain.ChaosExperiment, targets []string, baseline string) bool {
	if exp.Type != domain.ExperimentFailover || baseline == "" {
		return false
	}
	provider, err := e.registry.Get(targets[0])
	if err != nil {
		return false
	}
	e.router.ClearCache()
	decision, err := e.router.SelectProvider(ctx, &domain.RoutingContext{Channel: provider.Channel})
	if err != nil {
		return false
	}
	return decision.PrimaryProvider != baseline
}

// awaitRecovery waits for every target to become usable again after
// teardown, up to the configured cap, and reports how long it took.
func (e *Engine) awaitRecovery(ctx context.Context, targets []string) time.Duration {
	if len(targets) == 0 {
		return 0
	}
	start := time.Now()
	deadline := start.Add(e.cfg.RecoveryWait)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		recovered := true
		for _, id := range targets {
			if !e.health.IsProviderHealthy(id) {
				recovered = false
				break
			}
		}
		if recovered {
			return time.Since(start)
		}
		time.Sleep(e.cfg.PollInterval)
	}
	return time.Since(start)
}

// score derives the run's resilience and impact numbers.
func (e *Engine) score(exp *domain.ChaosExperiment, result *domain.ChaosExperimentResult) {
	// The breaker test has a discrete pass condition, so its resilience
	// score is binary.
	if exp.Type == domain.ExperimentCircuitBreaker {
		if result.CircuitOpened {
			result.ResilienceScore = 85
		} else {
			result.ResilienceScore = 30
		}
		result.ImpactScore = e.impactScore(exp, result)
		return
	}

	successRate := 1.0
	if result.TotalRequests > 0 {
		successRate = float64(result.TotalRequests-result.FailedRequests) / float64(result.TotalRequests)
	}
	score := successRate * 100
	if result.FailoverTriggered {
		score += 20
	}
	if result.RecoveryTime > 30*time.Second {
		score -= 15
	}
	result.ResilienceScore = clampScore(score)
	result.ImpactScore = e.impactScore(exp, result)
}

func (e *Engine) impactScore(exp *domain.ChaosExperiment, result *domain.ChaosExperimentResult) float64 {
	impact := 0.0
	if result.TotalRequests > 0 {
		impact = float64(result.FailedRequests) / float64(result.TotalRequests) * 100
	}
	if exp.Latency != nil {
		impact += float64(exp.Latency.LatencyMs) / 20
	}
	impact += result.RecoveryTime.Seconds()
	return clampScore(impact)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// appendResult persists the run into the experiment's capped history.
func (e *Engine) appendResult(ctx context.Context, result *domain.ChaosExperimentResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		e.logger.Error("marshal experiment result", zap.Error(err))
		return
	}
	key := historyKeyPrefix + result.ExperimentID
	if err := e.shared.AppendList(ctx, key, raw, e.cfg.MaxHistory, e.cfg.HistoryTTL); err != nil {
		e.logger.Error("append experiment result", zap.String("experiment", result.ExperimentID), zap.Error(err))
	}
}

// GetResults returns the retained run history for an experiment, oldest
// first.
func (e *Engine) GetResults(ctx context.Context, experimentID string) ([]domain.ChaosExperimentResult, error) {
	if _, err := e.GetExperiment(experimentID); err != nil {
		return nil, err
	}
	raws, err := e.shared.GetList(ctx, historyKeyPrefix+experimentID)
	if err != nil {
		return nil, err
	}
	results := make([]domain.ChaosExperimentResult, 0, len(raws))
	for _, raw := range raws {
		var r domain.ChaosExperimentResult
		if err := json.Unmarshal(raw, &r); err != nil {
			e.logger.Warn("corrupt experiment result", zap.String("experiment", experimentID), zap.Error(err))
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// GetSystemResilienceScore averages the resilience scores of all successful
// runs in the last 24 hours across every experiment. With no runs to judge,
// the system is assumed healthy and scores 100.
func (e *Engine) GetSystemResilienceScore(ctx context.Context) (float64, error) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.experiments))
	for id := range e.experiments {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	var sum float64
	var count int
	for _, id := range ids {
		results, err := e.GetResults(ctx, id)
		if err != nil {
			return 0, err
		}
		for _, r := range results {
			if r.Success && r.CompletedAt.After(cutoff) {
				sum += r.ResilienceScore
				count++
			}
		}
	}
	if count == 0 {
		return 100, nil
	}
	return sum / float64(count), nil
}
