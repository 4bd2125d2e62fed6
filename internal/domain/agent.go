package domain

import "time"

// Agent describes a persona that takes part in multi-agent exchanges.
type Agent struct {
	Name         string   `json:"name"                   yaml:"name"`
	Role         string   `json:"role,omitempty"         yaml:"role,omitempty"`
	Description  string   `json:"description,omitempty"  yaml:"description,omitempty"`
	Behaviors    []string `json:"behaviors,omitempty"    yaml:"behaviors,omitempty"`
	Avoid        []string `json:"avoid,omitempty"        yaml:"avoid,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Priority     int      `json:"priority"               yaml:"priority"`
	Provider     string   `json:"provider,omitempty"     yaml:"provider,omitempty"`
}

// AgentState is a point in the agent status lifecycle.
type AgentState string

const (
	StateIdle          AgentState = "idle"
	StateThinking      AgentState = "thinking"
	StateResponding    AgentState = "responding"
	StateCollaborating AgentState = "collaborating"
	StateError         AgentState = "error"
)

// AgentStatus is a read-only snapshot of an agent's current state.
type AgentStatus struct {
	Agent     string     `json:"agent"`
	State     AgentState `json:"state"`
	Since     time.Time  `json:"since"`
	LastError string     `json:"last_error,omitempty"`
}

// StatusObserver is notified synchronously on every status change.
type StatusObserver func(status AgentStatus)
