package provider

import (
	"fmt"
	"sort"

	"mailflow/core/domain"
	"mailflow/core/port/out"
)

// =============================================================================
// Provider Registry
// =============================================================================

// FactoryConfig selects which adapters are registered.
type FactoryConfig struct {
	Gmail   *GmailConfig
	Outlook *OutlookConfig
}

// Registry resolves the adapter for an account's provider.
type Registry struct {
	adapters map[domain.Provider]out.EmailProviderPort
}

// NewRegistry registers the given adapters by their provider type.
func NewRegistry(adapters ...out.EmailProviderPort) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]out.EmailProviderPort, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.GetProviderType()] = a
	}
	return r
}

// NewFactory builds a registry from configuration; nil entries are skipped.
func NewFactory(cfg *FactoryConfig) *Registry {
	var adapters []out.EmailProviderPort
	if cfg != nil && cfg.Gmail != nil {
		adapters = append(adapters, NewGmailAdapter(*cfg.Gmail))
	}
	if cfg != nil && cfg.Outlook != nil {
		adapters = append(adapters, NewOutlookAdapter(*cfg.Outlook))
	}
	return NewRegistry(adapters...)
}

// Get returns domain.ErrUnsupportedProvider when nothing is registered for p.
func (r *Registry) Get(p domain.Provider) (out.EmailProviderPort, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, p)
	}
	return a, nil
}

// Providers lists the registered provider types.
func (r *Registry) Providers() []domain.Provider {
	list := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

var _ out.EmailProviderRegistry = (*Registry)(nil)
