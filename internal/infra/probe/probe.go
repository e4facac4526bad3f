// Package probe holds the edge implementations of provider health probes.
// A probe's contract is just "success/failure plus latency"; anything
// wire-specific belongs to the transport layer, not here.
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/delivery-core/internal/domain"
)

// HTTPProbe pings a provider's status endpoint. Providers advertise the
// endpoint via a "probe_url:<url>" feature tag; providers without one fall
// back to a trivially successful no-op probe.
type HTTPProbe struct {
	client *http.Client
}

// NewHTTPProbe creates a probe with the given request timeout.
func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	return &HTTPProbe{client: &http.Client{Timeout: timeout}}
}

// Probe performs the health check and reports success plus observed latency.
func (p *HTTPProbe) Probe(ctx context.Context, provider *domain.ProviderConfig) domain.ProbeResult {
	url := probeURL(provider)
	start := time.Now()

	if url == "" {
		// No endpoint to check; report reachable with negligible latency.
		return domain.ProbeResult{Success: true, ResponseTime: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ProbeResult{ResponseTime: time.Since(start), Err: err}
	}

	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return domain.ProbeResult{ResponseTime: elapsed, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return domain.ProbeResult{
			ResponseTime: elapsed,
			Err:          fmt.Errorf("probe returned status %d", resp.StatusCode),
		}
	}

	return domain.ProbeResult{Success: true, ResponseTime: elapsed}
}

func probeURL(provider *domain.ProviderConfig) string {
	const prefix = "probe_url:"
	for _, f := range provider.Features {
		if len(f) > len(prefix) && f[:len(prefix)] == prefix {
			return f[len(prefix):]
		}
	}
	return ""
}

// StaticProbe returns a fixed result; used in tests and local development.
type StaticProbe struct {
	Success bool
	Latency time.Duration
	Failure error
}

// Probe returns the configured result.
func (p *StaticProbe) Probe(ctx context.Context, provider *domain.ProviderConfig) domain.ProbeResult {
	return domain.ProbeResult{Success: p.Success, ResponseTime: p.Latency, Err: p.Failure}
}
