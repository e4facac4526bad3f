package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymesh/delivery-core/internal/domain"
)

// catalogFile is the on-disk shape of the provider catalog. Durations are
// strings ("500ms", "30s") so the YAML stays readable.
type catalogFile struct {
	Providers []providerEntry     `yaml:"providers"`
	SLAs      map[string]slaEntry `yaml:"slas"`
}

type providerEntry struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Channel        string   `yaml:"channel"`
	Priority       int      `yaml:"priority"`
	CostPerRequest float64  `yaml:"cost_per_request"`
	MaxThroughput  int      `yaml:"max_throughput"`
	Regions        []string `yaml:"regions"`
	Platforms      []string `yaml:"platforms"`
	Features       []string `yaml:"features"`
	Enabled        *bool    `yaml:"enabled"` // nil means enabled
}

type slaEntry struct {
	ResponseTimeTarget     string `yaml:"response_time_target"`
	CheckInterval          string `yaml:"check_interval"`
	ProbeTimeout           string `yaml:"probe_timeout"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
	CircuitBreakerTimeout  string `yaml:"circuit_breaker_timeout"`
}

// LoadCatalog reads and validates the provider catalog file and builds the
// registry. Malformed entries and providers without an SLA are startup
// failures, not runtime surprises.
func LoadCatalog(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("catalog has no providers")
	}

	providers := make([]domain.ProviderConfig, 0, len(file.Providers))
	seen := make(map[string]bool, len(file.Providers))
	for i, entry := range file.Providers {
		if entry.ID == "" {
			return nil, fmt.Errorf("provider %d: missing id", i)
		}
		if seen[entry.ID] {
			return nil, fmt.Errorf("provider %s: duplicate id", entry.ID)
		}
		seen[entry.ID] = true

		channel := domain.ChannelType(entry.Channel)
		if !channel.Valid() {
			return nil, fmt.Errorf("provider %s: unknown channel %q", entry.ID, entry.Channel)
		}
		if entry.CostPerRequest < 0 {
			return nil, fmt.Errorf("provider %s: negative cost", entry.ID)
		}

		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}

		providers = append(providers, domain.ProviderConfig{
			ID:             entry.ID,
			Name:           entry.Name,
			Channel:        channel,
			Priority:       entry.Priority,
			CostPerRequest: entry.CostPerRequest,
			MaxThroughput:  entry.MaxThroughput,
			Regions:        entry.Regions,
			Platforms:      entry.Platforms,
			Features:       entry.Features,
			Enabled:        enabled,
		})
	}

	slas := make(map[string]domain.ProviderSLA, len(file.SLAs))
	for id, entry := range file.SLAs {
		sla, err := parseSLA(id, entry)
		if err != nil {
			return nil, err
		}
		slas[id] = *sla
	}

	// Every provider needs its SLA up front.
	for _, p := range providers {
		if _, ok := slas[p.ID]; !ok {
			return nil, &domain.ErrNoSLA{ProviderID: p.ID}
		}
	}

	return New(providers, slas), nil
}

func parseSLA(id string, entry slaEntry) (*domain.ProviderSLA, error) {
	target, err := parseDuration(entry.ResponseTimeTarget, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("sla %s: response_time_target: %w", id, err)
	}
	interval, err := parseDuration(entry.CheckInterval, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("sla %s: check_interval: %w", id, err)
	}
	timeout, err := parseDuration(entry.ProbeTimeout, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("sla %s: probe_timeout: %w", id, err)
	}
	cbTimeout, err := parseDuration(entry.CircuitBreakerTimeout, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("sla %s: circuit_breaker_timeout: %w", id, err)
	}

	maxFailures := entry.MaxConsecutiveFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}

	return &domain.ProviderSLA{
		ProviderID:             id,
		ResponseTimeTarget:     target,
		CheckInterval:          interval,
		ProbeTimeout:           timeout,
		MaxConsecutiveFailures: maxFailures,
		CircuitBreakerTimeout:  cbTimeout,
	}, nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
