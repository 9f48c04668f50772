package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ProviderFactory builds a provider bound to one (already normalized) model.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

var ErrUnknownProvider = errors.New("unknown ai provider")

// Registry maps provider names to factories. The chat service resolves one
// provider per request, so each model gets a fresh client bound to it.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// Register adds or replaces a factory. Names are case-insensitive.
func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds the provider registered under name for model. Unknown names
// return an error wrapping ErrUnknownProvider.
func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return f(ctx, model)
}

// RegisterOllama registers the "ollama" factory. Every model shares tmpl's endpoint and client.
func RegisterOllama(r *Registry, tmpl *OllamaProvider) {
	r.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = tmpl.Model
		}
		return &OllamaProvider{
			Endpoint: tmpl.Endpoint,
			Model:    NormalizeModel(m),
			Client:   tmpl.Client,
			Debug:    tmpl.Debug,
		}, nil
	})
}
