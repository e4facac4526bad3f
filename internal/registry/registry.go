// Package registry holds the declarative provider catalog: which providers
// exist, what they can do, and the SLA thresholds health monitoring enforces.
package registry

import (
	"sync"

	"github.com/relaymesh/delivery-core/internal/domain"
)

// Registry is the in-process catalog of provider capabilities. Entries are
// loaded once at startup; only the enabled flag mutates afterwards, so reads
// vastly outnumber writes.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*domain.ProviderConfig
	slas      map[string]*domain.ProviderSLA
	order     []string // catalog file order, used as the routing tie-break
}

// New builds a registry from catalog entries. Every provider must have an
// SLA; the loader enforces that before calling New.
func New(providers []domain.ProviderConfig, slas map[string]domain.ProviderSLA) *Registry {
	r := &Registry{
		providers: make(map[string]*domain.ProviderConfig, len(providers)),
		slas:      make(map[string]*domain.ProviderSLA, len(slas)),
		order:     make([]string, 0, len(providers)),
	}
	for i := range providers {
		p := providers[i]
		r.providers[p.ID] = &p
		r.order = append(r.order, p.ID)
	}
	for id, sla := range slas {
		s := sla
		r.slas[id] = &s
	}
	return r
}

// Get returns the provider config for id.
func (r *Registry) Get(id string) (*domain.ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "provider", ID: id}
	}
	cp := *p
	return &cp, nil
}

// SLA returns the SLA thresholds for a provider.
func (r *Registry) SLA(id string) (*domain.ProviderSLA, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slas[id]
	if !ok {
		return nil, &domain.ErrNoSLA{ProviderID: id}
	}
	cp := *s
	return &cp, nil
}

// All returns every provider in catalog order.
func (r *Registry) All() []domain.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ProviderConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.providers[id])
	}
	return out
}

// ByChannel returns the enabled providers for a channel, in catalog order.
func (r *Registry) ByChannel(channel domain.ChannelType) []domain.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.ProviderConfig
	for _, id := range r.order {
		p := r.providers[id]
		if p.Channel == channel && p.Enabled {
			out = append(out, *p)
		}
	}
	return out
}

// IDs returns all provider ids in catalog order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// OrderIndex returns the catalog position of a provider, used as the final
// deterministic tie-break in routing. Unknown providers sort last.
func (r *Registry) OrderIndex(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i, pid := range r.order {
		if pid == id {
			return i
		}
	}
	return len(r.order)
}

// SetEnabled toggles a provider's enabled flag.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[id]
	if !ok {
		return &domain.ErrNotFound{Resource: "provider", ID: id}
	}
	p.Enabled = enabled
	return nil
}
