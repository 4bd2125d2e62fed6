package multiagent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"colloquy/internal/domain"
)

// Registry holds every agent persona and the default core set used when no
// capability matches a task.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
	core   []string
	logger *slog.Logger
}

// NewRegistry creates a Registry. core names the default agents; when empty,
// every registered agent is part of the core set.
func NewRegistry(core []string, logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]domain.Agent),
		core:   append([]string(nil), core...),
		logger: logger,
	}
}

// Register adds an agent. Returns ErrDuplicate if the name is taken.
func (r *Registry) Register(agent domain.Agent) error {
	if agent.Name == "" {
		return fmt.Errorf("registry: agent name must not be empty: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.Name]; exists {
		return domain.ErrDuplicate
	}
	r.agents[agent.Name] = agent
	r.logger.Info("agent registered", "agent", agent.Name, "priority", agent.Priority, "capabilities", agent.Capabilities)
	return nil
}

// Get returns the agent with the given name, or ErrNotFound.
func (r *Registry) Get(name string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[name]
	if !ok {
		return domain.Agent{}, domain.ErrNotFound
	}
	return agent, nil
}

// Remove unregisters an agent. Returns ErrNotFound if not present.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[name]; !ok {
		return domain.ErrNotFound
	}
	delete(r.agents, name)
	r.logger.Info("agent removed", "agent", name)
	return nil
}

// List returns every agent sorted by ascending priority, then name.
func (r *Registry) List() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, a)
	}
	SortByPriority(agents)
	return agents
}

// Names returns every agent name in List order.
func (r *Registry) Names() []string {
	agents := r.List()
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	return names
}

// Core returns the default agent set, sorted by priority. Core names that
// are not registered are skipped.
func (r *Registry) Core() []domain.Agent {
	if len(r.core) == 0 {
		return r.List()
	}

	r.mu.RLock()
	agents := make([]domain.Agent, 0, len(r.core))
	for _, name := range r.core {
		if a, ok := r.agents[name]; ok {
			agents = append(agents, a)
		}
	}
	r.mu.RUnlock()

	SortByPriority(agents)
	return agents
}

// SortByPriority orders agents by ascending priority, then name.
func SortByPriority(agents []domain.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].Priority != agents[j].Priority {
			return agents[i].Priority < agents[j].Priority
		}
		return agents[i].Name < agents[j].Name
	})
}
