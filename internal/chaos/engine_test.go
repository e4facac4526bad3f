package chaos

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/registry"
)

// fakeStore is an in-memory SharedStore with working TTL and list semantics.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	expires map[string]time.Time
	lists   map[string][][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		data:    make(map[string][]byte),
		expires: make(map[string]time.Time),
		lists:   make(map[string][][]byte),
	}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok || time.Now().After(f.expires[key]) {
		return nil, false, nil
	}
	return v, true, nil
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.expires[key] = time.Now().Add(ttl)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	delete(f.expires, key)
	return nil
}

func (f *fakeStore) Incr(context.Context, string, time.Duration) (int64, error) { return 0, nil }
func (f *fakeStore) GetCounter(context.Context, string) (int64, error)          { return 0, nil }

func (f *fakeStore) AppendList(_ context.Context, key string, value []byte, max int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := append(f.lists[key], value)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	f.lists[key] = list
	return nil
}

func (f *fakeStore) GetList(_ context.Context, key string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.lists[key]...), nil
}

// fakeMonitor tracks synthetic attempts and opens circuits after 3
// consecutive failures, mirroring the breaker contract.
type fakeMonitor struct {
	mu       sync.Mutex
	failures map[string]int
	circuits map[string]domain.CircuitState
	attempts int
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		failures: make(map[string]int),
		circuits: make(map[string]domain.CircuitState),
	}
}

func (f *fakeMonitor) RecordAttempt(_ context.Context, providerID string, success bool, _ time.Duration, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if success {
		f.failures[providerID] = 0
		return nil
	}
	f.failures[providerID]++
	if f.failures[providerID] >= 3 {
		f.circuits[providerID] = domain.CircuitOpen
	}
	return nil
}

func (f *fakeMonitor) CircuitState(providerID string) domain.CircuitState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.circuits[providerID]; ok {
		return s
	}
	return domain.CircuitClosed
}

func (f *fakeMonitor) IsProviderHealthy(providerID string) bool {
	return f.CircuitState(providerID) != domain.CircuitOpen
}

// fakeRouter returns a scripted sequence of primaries.
type fakeRouter struct {
	mu        sync.Mutex
	primaries []string
	calls     int
}

func (f *fakeRouter) SelectProvider(context.Context, *domain.RoutingContext) (*domain.RoutingDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	primary := f.primaries[len(f.primaries)-1]
	if f.calls < len(f.primaries) {
		primary = f.primaries[f.calls]
	}
	f.calls++
	return &domain.RoutingDecision{PrimaryProvider: primary}, nil
}

func (f *fakeRouter) ClearCache() {}

func testRegistry() *registry.Registry {
	providers := []domain.ProviderConfig{
		{ID: "mailfast", Channel: domain.ChannelEmail, Priority: 1, Enabled: true},
		{ID: "mailbulk", Channel: domain.ChannelEmail, Priority: 2, Enabled: true},
	}
	slas := map[string]domain.ProviderSLA{
		"mailfast": {ProviderID: "mailfast", MaxConsecutiveFailures: 3},
		"mailbulk": {ProviderID: "mailbulk", MaxConsecutiveFailures: 3},
	}
	return registry.New(providers, slas)
}

func testEngine(monitor *fakeMonitor, router *fakeRouter, store *fakeStore) *Engine {
	metrics := observability.NewMetrics()
	logger := zap.NewNop()
	injector := NewInjector(store, metrics, logger, time.Minute)
	return NewEngine(testRegistry(), monitor, router, injector, store, metrics, logger, Config{
		PollInterval: 10 * time.Millisecond,
		RecoveryWait: 100 * time.Millisecond,
		HistoryTTL:   24 * time.Hour,
		MaxHistory:   100,
	})
}

func defaultEngine() *Engine {
	return testEngine(newFakeMonitor(), &fakeRouter{primaries: []string{"mailfast"}}, newFakeStore())
}

func TestCreateExperimentValidation(t *testing.T) {
	e := defaultEngine()
	ctx := context.Background()

	cases := []struct {
		name string
		exp  domain.ChaosExperiment
	}{
		{"unknown type", domain.ChaosExperiment{Type: "explosion", Target: domain.TargetAll, Duration: time.Second}},
		{"zero duration", domain.ChaosExperiment{Type: domain.ExperimentFailureInjection, Target: domain.TargetAll, Failure: &domain.FailureConfig{Rate: 50}}},
		{"specific without targets", domain.ChaosExperiment{Type: domain.ExperimentFailureInjection, Target: domain.TargetSpecific, Duration: time.Second, Failure: &domain.FailureConfig{Rate: 50}}},
		{"unknown target provider", domain.ChaosExperiment{Type: domain.ExperimentFailureInjection, Target: domain.TargetSpecific, TargetIDs: []string{"ghost"}, Duration: time.Second, Failure: &domain.FailureConfig{Rate: 50}}},
		{"failure injection without config", domain.ChaosExperiment{Type: domain.ExperimentFailureInjection, Target: domain.TargetAll, Duration: time.Second}},
		{"rate out of range", domain.ChaosExperiment{Type: domain.ExperimentFailureInjection, Target: domain.TargetAll, Duration: time.Second, Failure: &domain.FailureConfig{Rate: 150}}},
		{"latency without config", domain.ChaosExperiment{Type: domain.ExperimentLatencyInjection, Target: domain.TargetAll, Duration: time.Second}},
	}
	for _, tc := range cases {
		exp := tc.exp
		if _, err := e.CreateExperiment(ctx, &exp); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadDefaultsApplied(t *testing.T) {
	e := defaultEngine()

	exp, err := e.CreateExperiment(context.Background(), &domain.ChaosExperiment{
		Type:     domain.ExperimentLoad,
		Duration: time.Second,
		Enabled:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if exp.Load.Requests != 100 || exp.Load.Concurrency != 10 {
		t.Errorf("expected load defaults, got %+v", exp.Load)
	}
	if len(exp.Load.Channels) != 3 {
		t.Errorf("expected 3 default channels, got %d", len(exp.Load.Channels))
	}
}

func TestCircuitBreakerExperimentOpensCircuit(t *testing.T) {
	monitor := newFakeMonitor()
	e := testEngine(monitor, &fakeRouter{primaries: []string{"mailfast"}}, newFakeStore())

	exp, err := e.CreateExperiment(context.Background(), &domain.ChaosExperiment{
		Name:      "breaker check",
		Type:      domain.ExperimentCircuitBreaker,
		Target:    domain.TargetSpecific,
		TargetIDs: []string{"mailfast"},
		Duration:  80 * time.Millisecond,
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.RunExperiment(context.Background(), exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !result.CircuitOpened {
		t.Error("expected 100% failure injection to open the circuit")
	}
	if result.ResilienceScore != 85 {
		t.Errorf("expected binary resilience score 85, got %f", result.ResilienceScore)
	}
	if result.TotalRequests == 0 {
		t.Error("expected synthetic attempts to be driven")
	}
}

func TestCircuitBreakerExperimentScoresFailure(t *testing.T) {
	// Monitor that never opens: the breaker test must score 30.
	monitor := newFakeMonitor()
	e := testEngine(monitor, &fakeRouter{primaries: []string{"mailfast"}}, newFakeStore())

	exp, err := e.CreateExperiment(context.Background(), &domain.ChaosExperiment{
		Type:      domain.ExperimentCircuitBreaker,
		Target:    domain.TargetSpecific,
		TargetIDs: []string{"mailbulk"},
		Duration:  20 * time.Millisecond,
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Too short for 3 failures at the poll interval.
	result, err := e.RunExperiment(context.Background(), exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if result.CircuitOpened && result.ResilienceScore != 85 {
		t.Errorf("opened circuit must score 85, got %f", result.ResilienceScore)
	}
	if !result.CircuitOpened && result.ResilienceScore != 30 {
		t.Errorf("unopened circuit must score 30, got %f", result.ResilienceScore)
	}
}

func TestFailoverExperimentDetectsPrimaryChange(t *testing.T) {
	router := &fakeRouter{primaries: []string{"mailfast", "mailbulk"}}
	e := testEngine(newFakeMonitor(), router, newFakeStore())

	exp, err := e.CreateExperiment(context.Background(), &domain.ChaosExperiment{
		Type:      domain.ExperimentFailover,
		Target:    domain.TargetSpecific,
		TargetIDs: []string{"mailfast"},
		Duration:  50 * time.Millisecond,
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.RunExperiment(context.Background(), exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !result.FailoverTriggered {
		t.Error("expected routing primary change to register as failover")
	}
	// Every attempt fails at rate 100, so the score is the failover bonus.
	if result.ResilienceScore != 20 {
		t.Errorf("expected failover bonus as the score, got %f", result.ResilienceScore)
	}
}

func TestInjectionTeardownAfterRun(t *testing.T) {
	store := newFakeStore()
	e := testEngine(newFakeMonitor(), &fakeRouter{primaries: []string{"mailfast"}}, store)

	exp, err := e.CreateExperiment(context.Background(), &domain.ChaosExperiment{
		Type:      domain.ExperimentFailureInjection,
		Target:    domain.TargetSpecific,
		TargetIDs: []string{"mailfast"},
		Duration:  30 * time.Millisecond,
		Failure:   &domain.FailureConfig{Rate: 100, Kind: domain.FailureTimeout},
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.RunExperiment(context.Background(), exp.ID); err != nil {
		t.Fatal(err)
	}
	if e.injector.ShouldInjectFailure(context.Background(), "mailfast") {
		t.Error("expected injection to be torn down after the run")
	}
	if _, found, _ := store.Get(context.Background(), "chaos:inject:mailfast"); found {
		t.Error("expected shared injection state to be deleted")
	}
}

func TestRunDisabledExperimentRejected(t *testing.T) {
	e := defaultEngine()

	exp, err := e.CreateExperiment(context.Background(), &domain.ChaosExperiment{
		Type:      domain.ExperimentFailureInjection,
		Target:    domain.TargetSpecific,
		TargetIDs: []string{"mailfast"},
		Duration:  time.Second,
		Failure:   &domain.FailureConfig{Rate: 50},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.RunExperiment(context.Background(), exp.ID); err == nil {
		t.Fatal("expected disabled experiment to be rejected")
	}
}

func TestLoadTestCountsRequests(t *testing.T) {
	e := defaultEngine()

	exp, err := e.CreateExperiment(context.Background(), &domain.ChaosExperiment{
		Type:     domain.ExperimentLoad,
		Duration: time.Second,
		Enabled:  true,
		Load: &domain.LoadConfig{
			Requests:    10,
			Concurrency: 4,
			Channels:    []domain.ChannelType{domain.ChannelEmail, domain.ChannelSMS},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	result, err := e.RunExperiment(context.Background(), exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalRequests != 20 {
		t.Errorf("expected 20 requests (10 per channel), got %d", result.TotalRequests)
	}
	if !result.Success {
		t.Error("expected load run to succeed")
	}
}

func TestHistoryAndSystemScore(t *testing.T) {
	e := defaultEngine()
	ctx := context.Background()

	// No runs yet: assume healthy.
	score, err := e.GetSystemResilienceScore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if score != 100 {
		t.Errorf("expected 100 with no history, got %f", score)
	}

	exp, err := e.CreateExperiment(ctx, &domain.ChaosExperiment{
		Type:      domain.ExperimentFailureInjection,
		Target:    domain.TargetSpecific,
		TargetIDs: []string{"mailfast"},
		Duration:  30 * time.Millisecond,
		Failure:   &domain.FailureConfig{Rate: 0},
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.RunExperiment(ctx, exp.ID); err != nil {
		t.Fatal(err)
	}

	results, err := e.GetResults(ctx, exp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result in history, got %d", len(results))
	}

	score, err = e.GetSystemResilienceScore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if score != results[0].ResilienceScore {
		t.Errorf("expected system score %f, got %f", results[0].ResilienceScore, score)
	}
}

func TestDeleteRunningExperimentRejected(t *testing.T) {
	e := defaultEngine()
	ctx := context.Background()

	exp, err := e.CreateExperiment(ctx, &domain.ChaosExperiment{
		Type:      domain.ExperimentFailureInjection,
		Target:    domain.TargetSpecific,
		TargetIDs: []string{"mailfast"},
		Duration:  200 * time.Millisecond,
		Failure:   &domain.FailureConfig{Rate: 10},
		Enabled:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.StartRun(exp.ID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := e.DeleteExperiment(exp.ID); err == nil {
		t.Error("expected delete of a running experiment to fail")
	}
	if err := e.StartRun(exp.ID); err == nil {
		t.Error("expected second concurrent run to be rejected")
	}

	time.Sleep(400 * time.Millisecond)
	if err := e.DeleteExperiment(exp.ID); err != nil {
		t.Errorf("expected delete after run completion, got %v", err)
	}
}

func TestInjectionProbability(t *testing.T) {
	store := newFakeStore()
	injector := NewInjector(store, observability.NewMetrics(), zap.NewNop(), time.Minute)
	ctx := context.Background()

	// Rate 100: always inject.
	err := injector.Activate(ctx, &domain.InjectionState{
		ProviderID: "mailfast",
		Type:       domain.ExperimentFailureInjection,
		Failure:    &domain.FailureConfig{Rate: 100, Kind: domain.FailureRateLimit},
		ExpiresAt:  time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if !injector.ShouldInjectFailure(ctx, "mailfast") {
			t.Fatal("rate 100 must always inject")
		}
	}
	if kind, ok := injector.GetInjectedFailureType(ctx, "mailfast"); !ok || kind != domain.FailureRateLimit {
		t.Errorf("expected rate_limit failure type, got %q", kind)
	}

	// Rate 0: never inject.
	err = injector.Activate(ctx, &domain.InjectionState{
		ProviderID: "mailbulk",
		Type:       domain.ExperimentFailureInjection,
		Failure:    &domain.FailureConfig{Rate: 0, Kind: domain.FailureTimeout},
		ExpiresAt:  time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if injector.ShouldInjectFailure(ctx, "mailbulk") {
			t.Fatal("rate 0 must never inject")
		}
	}
}

func TestInjectedLatencyBounds(t *testing.T) {
	injector := NewInjector(newFakeStore(), observability.NewMetrics(), zap.NewNop(), time.Minute)
	ctx := context.Background()

	err := injector.Activate(ctx, &domain.InjectionState{
		ProviderID: "mailfast",
		Type:       domain.ExperimentLatencyInjection,
		Latency:    &domain.LatencyConfig{LatencyMs: 200, JitterMs: 50},
		ExpiresAt:  time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50; i++ {
		d := injector.GetInjectedLatency(ctx, "mailfast")
		if d < 200*time.Millisecond || d > 250*time.Millisecond {
			t.Fatalf("latency %s outside [200ms, 250ms]", d)
		}
	}

	if d := injector.GetInjectedLatency(ctx, "unknown"); d != 0 {
		t.Errorf("expected 0 latency without injection, got %s", d)
	}
}

func TestExpiredInjectionReadsAsAbsent(t *testing.T) {
	store := newFakeStore()
	injector := NewInjector(store, observability.NewMetrics(), zap.NewNop(), time.Minute)
	ctx := context.Background()

	state := &domain.InjectionState{
		ProviderID: "mailfast",
		Type:       domain.ExperimentFailureInjection,
		Failure:    &domain.FailureConfig{Rate: 100, Kind: domain.FailureTimeout},
		ExpiresAt:  time.Now().Add(30 * time.Millisecond),
	}
	if err := injector.Activate(ctx, state); err != nil {
		t.Fatal(err)
	}
	if !injector.ShouldInjectFailure(ctx, "mailfast") {
		t.Fatal("expected injection to be active before expiry")
	}

	time.Sleep(50 * time.Millisecond)
	if injector.ShouldInjectFailure(ctx, "mailfast") {
		t.Error("expected expired injection to read as absent, deleted or not")
	}

	// The sweeper is a no-op here only because expiry already did the work.
	injector.CleanupExpiredInjections()
	if _, ok := injector.ActiveInjection(ctx, "mailfast"); ok {
		t.Error("expected no active injection after expiry")
	}
}

func TestHistorySerializationRoundTrip(t *testing.T) {
	// History entries must survive the store as JSON.
	result := domain.ChaosExperimentResult{
		ExperimentID:    "exp-1",
		RunID:           "run-1",
		Success:         true,
		ResilienceScore: 92.5,
		RecoveryTime:    3 * time.Second,
	}
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	var back domain.ChaosExperimentResult
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.ResilienceScore != 92.5 || back.RecoveryTime != 3*time.Second {
		t.Errorf("round trip mismatch: %+v", back)
	}
}
