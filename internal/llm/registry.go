package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/logging"
)

// ProviderError is returned when an engine provider fails.
type ProviderError struct {
	Provider string
	Message  string
	Code     int // HTTP status code (401, 429, 500, etc.)
}

func (e *ProviderError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Registry manages provider clients and resolves model references to clients.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client // provider name → client
	aliases  map[string]string // model alias → provider name
	fallback string            // default provider name
	log      *logging.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		clients: make(map[string]Client),
		aliases: make(map[string]string),
		log:     log.Sub("llm.registry"),
	}
}

// Register adds a client under the given provider name.
func (r *Registry) Register(name string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	r.log.Info().Str("provider", name).Msg("registered engine provider")
}

// Alias maps a model name/alias to a provider.
// e.g., Alias("sonnet", "claude") means "sonnet" resolves to the "claude" provider.
func (r *Registry) Alias(model, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[model] = provider
}

// SetFallback sets the default provider used when no model/provider match is found.
func (r *Registry) SetFallback(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = provider
}

// Resolve returns the Client for the given model reference.
// Resolution order: exact provider name → alias → fallback.
func (r *Registry) Resolve(model string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[model]; ok {
		return c, nil
	}
	if provider, ok := r.aliases[model]; ok {
		if c, ok := r.clients[provider]; ok {
			return c, nil
		}
	}
	if r.fallback != "" {
		if c, ok := r.clients[r.fallback]; ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no engine provider for model %q", model)
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewRegistryFromConfig builds a Registry from the engine providers. Each
// provider is reachable by its name, its configured model and its aliases.
// The provider that cfg.Model resolves to becomes the fallback; when it
// resolves to nothing, the first provider by name is used.
func NewRegistryFromConfig(cfg config.EngineConfig, log *logging.Logger) *Registry {
	reg := NewRegistry(log)

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := cfg.Providers[name]
		var client Client
		switch p.Kind {
		case "claude":
			if p.APIKey == "" {
				reg.log.Warn().Str("provider", name).Msg("claude provider has no apiKey, skipping")
				continue
			}
			client = NewClaudeAPIClient(name, p.APIKey, p.Model, WithEndpoint(p.Endpoint))
		case "ollama":
			client = NewOllamaAPIClient(name, p.Model, WithEndpoint(p.Endpoint))
		default:
			reg.log.Warn().Str("provider", name).Str("kind", p.Kind).Msg("unknown provider kind, skipping")
			continue
		}

		reg.Register(name, client)
		if p.Model != "" {
			reg.Alias(p.Model, name)
		}
		for _, alias := range p.Aliases {
			reg.Alias(alias, name)
		}
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	switch {
	case reg.clients[cfg.Model] != nil:
		reg.fallback = cfg.Model
	case reg.aliases[cfg.Model] != "" && reg.clients[reg.aliases[cfg.Model]] != nil:
		reg.fallback = reg.aliases[cfg.Model]
	default:
		for _, name := range names {
			if reg.clients[name] != nil {
				reg.fallback = name
				break
			}
		}
	}
	return reg
}
