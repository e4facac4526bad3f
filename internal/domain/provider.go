package domain

import "time"

// ChannelType identifies a notification delivery channel.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelSMS   ChannelType = "sms"
	ChannelPush  ChannelType = "push"
	ChannelInApp ChannelType = "in-app"
)

// Channels lists every supported channel, in a fixed order.
var Channels = []ChannelType{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

// Valid reports whether the channel is one of the supported channel types.
func (c ChannelType) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// ProviderConfig is an immutable catalog entry describing a third-party
// delivery provider's capabilities. Entries are created at startup from the
// catalog file and rarely mutated (only the Enabled flag is toggled at runtime).
type ProviderConfig struct {
	ID             string      `json:"id" yaml:"id"`
	Name           string      `json:"name" yaml:"name"`
	Channel        ChannelType `json:"channel" yaml:"channel"`
	Priority       int         `json:"priority" yaml:"priority"` // lower = more trusted
	CostPerRequest float64     `json:"costPerRequest" yaml:"cost_per_request"`
	MaxThroughput  int         `json:"maxThroughput" yaml:"max_throughput"` // requests/min ceiling
	Regions        []string    `json:"regions" yaml:"regions"`              // ISO country codes
	Platforms      []string    `json:"platforms" yaml:"platforms"`          // ios, android, web
	Features       []string    `json:"features" yaml:"features"`
	Enabled        bool        `json:"enabled" yaml:"enabled"`
}

// SupportsRegion reports whether the provider serves the given country code.
// An empty region list means the provider is global.
func (p *ProviderConfig) SupportsRegion(country string) bool {
	if len(p.Regions) == 0 {
		return true
	}
	for _, r := range p.Regions {
		if r == country {
			return true
		}
	}
	return false
}

// SupportsPlatform reports whether the provider can deliver to the platform.
func (p *ProviderConfig) SupportsPlatform(platform string) bool {
	if len(p.Platforms) == 0 {
		return true
	}
	for _, pl := range p.Platforms {
		if pl == platform {
			return true
		}
	}
	return false
}

// HasFeature reports whether the provider advertises a feature tag.
func (p *ProviderConfig) HasFeature(tag string) bool {
	for _, f := range p.Features {
		if f == tag {
			return true
		}
	}
	return false
}

// ProviderSLA holds the per-provider health thresholds that drive probing
// and circuit-breaker behaviour.
type ProviderSLA struct {
	ProviderID             string        `json:"providerId" yaml:"provider_id"`
	ResponseTimeTarget     time.Duration `json:"responseTimeTarget" yaml:"response_time_target"`
	CheckInterval          time.Duration `json:"checkInterval" yaml:"check_interval"`
	ProbeTimeout           time.Duration `json:"probeTimeout" yaml:"probe_timeout"`
	MaxConsecutiveFailures int           `json:"maxConsecutiveFailures" yaml:"max_consecutive_failures"`
	CircuitBreakerTimeout  time.Duration `json:"circuitBreakerTimeout" yaml:"circuit_breaker_timeout"`
}
