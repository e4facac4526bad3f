package domain

import "time"

// HealthState classifies a provider's current health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// CircuitState mirrors the circuit-breaker state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// ProviderHealth is the point-in-time health picture for one provider.
// Owned exclusively by the health monitor; everyone else reads snapshots.
type ProviderHealth struct {
	ProviderID          string        `json:"providerId"`
	Status              HealthState   `json:"status"`
	Circuit             CircuitState  `json:"circuit"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	SuccessRate         float64       `json:"successRate"` // 0..1 over the rolling window
	ErrorRate           float64       `json:"errorRate"`
	AvgResponseTime     time.Duration `json:"avgResponseTime"`
	LastError           string        `json:"lastError,omitempty"`
	LastCheckedAt       time.Time     `json:"lastCheckedAt"`
	Metrics             HealthMetrics `json:"metrics"`
}

// HealthMetrics is the rolling-window metrics snapshot attached to a
// provider health record.
type HealthMetrics struct {
	TotalAttempts   int           `json:"totalAttempts"`
	SuccessCount    int           `json:"successCount"`
	FailureCount    int           `json:"failureCount"`
	P95ResponseTime time.Duration `json:"p95ResponseTime"`
	P99ResponseTime time.Duration `json:"p99ResponseTime"`
}

// Usable reports whether the provider may receive new traffic: only closed
// and half-open circuits are eligible, and the provider must not be unhealthy.
func (h *ProviderHealth) Usable() bool {
	return h.Circuit != CircuitOpen && h.Status != HealthUnhealthy
}

// ProbeResult is what a provider-specific probe returns: success or failure
// plus the observed latency. Probe implementations live at the edge.
type ProbeResult struct {
	Success      bool
	ResponseTime time.Duration
	Err          error
}

// ServiceHealth represents the health of an internal dependency,
// returned by GET /healthz.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// HealthStatus is the GET /healthz response body.
type HealthStatus struct {
	Status   string          `json:"status"`
	Services []ServiceHealth `json:"services"`
}
