package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"colloquy/internal/domain"
)

var _ domain.BackendResolver = (*Registry)(nil)

// binding ties an agent to the provider that voices it.
type binding struct {
	provider string
	system   string
}

// Registry holds named providers and the agent bindings that select them.
// It resolves agents to domain.Backend values for the resilient client.
type Registry struct {
	mu              sync.RWMutex
	providers       map[string]Provider
	bindings        map[string]binding
	defaultProvider string
}

// NewRegistry creates an empty provider registry. Agents bound without a
// provider name use defaultProvider.
func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		providers:       make(map[string]Provider),
		bindings:        make(map[string]binding),
		defaultProvider: defaultProvider,
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("provider %q", name))
	}
	r.providers[name] = provider
	return nil
}

// RegisterAs adds a provider under an explicit name, used when a wrapper
// such as FailoverProvider reports a composite name.
func (r *Registry) RegisterAs(name string, provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, fmt.Sprintf("provider %q", name))
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrNotFound, fmt.Sprintf("provider %q", name))
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

// Bind routes agent through provider with the given persona system prompt.
// An empty provider selects the registry default.
func (r *Registry) Bind(agent, provider, system string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agent] = binding{provider: provider, system: system}
}

// Resolve implements domain.BackendResolver.
func (r *Registry) Resolve(agentID string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[agentID]
	if !ok {
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrNotFound, fmt.Sprintf("agent %q", agentID))
	}
	name := b.provider
	if name == "" {
		name = r.defaultProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Resolve", domain.ErrNotFound, fmt.Sprintf("provider %q for agent %q", name, agentID))
	}
	return &boundBackend{provider: p, system: b.system}, nil
}

// boundBackend adapts a Provider plus persona prompt to domain.Backend.
type boundBackend struct {
	provider Provider
	system   string
}

func (b *boundBackend) Call(ctx context.Context, message, agentID string) (string, error) {
	return b.provider.Complete(ctx, Request{Agent: agentID, System: b.system, Message: message})
}

func (b *boundBackend) Name() string { return b.provider.Name() }
