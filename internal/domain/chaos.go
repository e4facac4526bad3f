package domain

import "time"

// ExperimentType enumerates the supported chaos experiment kinds.
type ExperimentType string

const (
	ExperimentFailureInjection ExperimentType = "failure_injection"
	ExperimentLatencyInjection ExperimentType = "latency_injection"
	ExperimentCircuitBreaker   ExperimentType = "circuit_breaker_test"
	ExperimentFailover         ExperimentType = "failover_test"
	ExperimentLoad             ExperimentType = "load_test"
)

// Valid reports whether the experiment type is known.
func (t ExperimentType) Valid() bool {
	switch t {
	case ExperimentFailureInjection, ExperimentLatencyInjection,
		ExperimentCircuitBreaker, ExperimentFailover, ExperimentLoad:
		return true
	}
	return false
}

// TargetPolicy selects which providers an experiment degrades.
type TargetPolicy string

const (
	TargetSpecific TargetPolicy = "specific"
	TargetRandom   TargetPolicy = "random"
	TargetAll      TargetPolicy = "all"
)

// FailureKind is the class of synthetic failure an injection produces.
type FailureKind string

const (
	FailureTimeout    FailureKind = "timeout"
	FailureConnection FailureKind = "connection_error"
	FailureRateLimit  FailureKind = "rate_limit"
	FailureServer     FailureKind = "server_error"
)

// FailureConfig parameterizes failure injection. One variant per experiment
// type keeps every field statically known instead of a generic config blob.
type FailureConfig struct {
	Rate float64     `json:"rate"` // 0..100, percentage of attempts that fail
	Kind FailureKind `json:"kind"`
}

// LatencyConfig parameterizes latency injection.
type LatencyConfig struct {
	LatencyMs int `json:"latencyMs"`
	JitterMs  int `json:"jitterMs"`
}

// LoadConfig parameterizes a synthetic load test.
type LoadConfig struct {
	Requests    int           `json:"requests"`    // per channel
	Concurrency int           `json:"concurrency"` // max in-flight
	Channels    []ChannelType `json:"channels"`
}

// ChaosExperiment is user-defined configuration for a controlled fault run.
// TargetIDs names specific targets; RandomCount sizes a random target draw.
type ChaosExperiment struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        ExperimentType `json:"type"`
	Target      TargetPolicy   `json:"target"`
	TargetIDs   []string       `json:"targetIds,omitempty"`
	RandomCount int            `json:"randomCount,omitempty"`
	Failure     *FailureConfig `json:"failure,omitempty"`
	Latency     *LatencyConfig `json:"latency,omitempty"`
	Load        *LoadConfig    `json:"load,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Enabled     bool           `json:"enabled"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ChaosExperimentResult is one append-only run record for an experiment.
// ResilienceScore and ImpactScore are both 0..100.
type ChaosExperimentResult struct {
	ExperimentID      string        `json:"experimentId"`
	RunID             string        `json:"runId"`
	Success           bool          `json:"success"`
	StartedAt         time.Time     `json:"startedAt"`
	CompletedAt       time.Time     `json:"completedAt"`
	TotalRequests     int           `json:"totalRequests"`
	FailedRequests    int           `json:"failedRequests"`
	ResilienceScore   float64       `json:"resilienceScore"`
	ImpactScore       float64       `json:"impactScore"`
	FailoverTriggered bool          `json:"failoverTriggered"`
	CircuitOpened     bool          `json:"circuitOpened"`
	RecoveryTime      time.Duration `json:"recoveryTime"`
	Error             string        `json:"error,omitempty"`
}

// InjectionState is the authoritative record that a provider is currently
// faulted for testing. Transient and TTL-bounded: expired means absent.
type InjectionState struct {
	ProviderID string         `json:"providerId"`
	Type       ExperimentType `json:"type"`
	Failure    *FailureConfig `json:"failure,omitempty"`
	Latency    *LatencyConfig `json:"latency,omitempty"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// Active reports whether the injection is still in force at the given time.
func (s *InjectionState) Active(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
