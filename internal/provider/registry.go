package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/carapace-sec/carapace/internal/config"
	"github.com/carapace-sec/carapace/internal/logging"
)

// Registry manages all available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID()] = provider
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return provider, nil
}

// List returns all registered providers.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	return providers
}

// Resolve parses a "provider/model" reference and returns the provider
// together with the model id.
func (r *Registry) Resolve(ref string) (Provider, string, error) {
	providerID, modelID := ParseModelRef(ref)
	if providerID == "" {
		return nil, "", fmt.Errorf("invalid model reference %q (want provider/model)", ref)
	}
	p, err := r.Get(providerID)
	if err != nil {
		return nil, "", err
	}
	return p, modelID, nil
}

// ParseModelRef parses "provider/model" format.
func ParseModelRef(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// Initialize creates a registry with providers for the configured models.
// A provider that fails to initialize is logged and skipped; the pipeline
// degrades to conservative defaults rather than refusing to start.
func Initialize(ctx context.Context, cfg *config.Config) *Registry {
	registry := NewRegistry()
	log := logging.Component("provider")

	wanted := make(map[string]string) // provider id -> model id
	for _, ref := range []string{cfg.Model.Agent, cfg.Model.Classifier} {
		if providerID, modelID := ParseModelRef(ref); providerID != "" {
			if _, ok := wanted[providerID]; !ok {
				wanted[providerID] = modelID
			}
		}
	}

	for providerID, modelID := range wanted {
		var (
			p   Provider
			err error
		)
		switch providerID {
		case "anthropic", "claude":
			p, err = NewAnthropicProvider(ctx, &AnthropicConfig{
				ID:     providerID,
				APIKey: cfg.Model.APIKey,
				Model:  modelID,
			})
		case "openai":
			p, err = NewOpenAIProvider(ctx, &OpenAIConfig{
				ID:     providerID,
				APIKey: cfg.Model.APIKey,
				Model:  modelID,
			})
		default:
			err = fmt.Errorf("unknown provider %q", providerID)
		}

		if err != nil {
			log.Warn().Err(err).Str("provider", providerID).Msg("provider unavailable")
			continue
		}
		registry.Register(p)
		log.Info().Str("provider", providerID).Str("model", modelID).Msg("provider registered")
	}

	return registry
}
