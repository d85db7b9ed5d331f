package llm

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"agentgate/internal/domain"
	"agentgate/internal/infra/config"
)

// Registry holds named provider clients. It satisfies the dispatch executor's
// client source: Get returns domain.ErrProviderNotFound for unknown names.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.ProviderClient
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.ProviderClient),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.ProviderClient) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.ProviderClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry constructs provider clients from configuration, wraps each in
// a circuit breaker, and registers them by name. Unknown provider types are
// rejected by config validation before this runs.
func BuildRegistry(cfgs []config.ProviderConfig, breaker config.BreakerConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()

	for _, cfg := range cfgs {
		var (
			client domain.ProviderClient
			err    error
		)
		switch cfg.Type {
		case "openai":
			client = NewOpenAIProvider(cfg, logger)
		case "anthropic":
			client = NewAnthropicProvider(cfg, logger)
		case "gemini":
			client = NewGeminiProvider(cfg, logger)
		case "ollama":
			client = NewOllamaProvider(cfg, logger)
		case "bedrock":
			client, err = NewBedrockProvider(cfg, logger)
		default:
			err = fmt.Errorf("unknown provider type %q", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("build provider %q: %w", cfg.Name, err)
		}

		wrapped := NewCircuitBreakerProvider(client, breaker, logger)
		if err := reg.Register(wrapped); err != nil {
			return nil, err
		}

		logger.Info("provider registered",
			"provider", cfg.Name,
			"type", cfg.Type,
			"model", cfg.Model,
			"streaming", wrapped.SupportsStreaming(),
		)
	}

	return reg, nil
}
