package llm

import (
	"fmt"

	"switchboard/internal/domain"
)

// PreferenceRouter maps model preference labels ("fast", "powerful") to
// registered providers.
type PreferenceRouter struct {
	mapping  map[string]string // preference -> provider name
	registry *Registry
	fallback domain.ModelProvider
}

// NewPreferenceRouter creates a router. The fallback serves empty, "default"
// and unknown preferences.
func NewPreferenceRouter(mapping map[string]string, registry *Registry, fallback domain.ModelProvider) *PreferenceRouter {
	return &PreferenceRouter{mapping: mapping, registry: registry, fallback: fallback}
}

// Route resolves a preference label to a provider.
func (r *PreferenceRouter) Route(preference string) (domain.ModelProvider, error) {
	providerName := r.mapping[preference]
	if preference == "default" || providerName == "" || providerName == "default" {
		if r.fallback == nil {
			return nil, fmt.Errorf("no default provider for preference %q", preference)
		}
		return r.fallback, nil
	}

	provider, err := r.registry.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("preference %q: %w", preference, err)
	}
	return provider, nil
}
