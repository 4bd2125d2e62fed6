package domain

import (
	"context"
	"time"
)

// Backend is the remote language-model call behind an agent. Latency and
// failure modes are opaque; any returned error counts as a backend failure.
type Backend interface {
	Call(ctx context.Context, message, agentID string) (string, error)
	Name() string
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, message, agentID string) (string, error)

func (f BackendFunc) Call(ctx context.Context, message, agentID string) (string, error) {
	return f(ctx, message, agentID)
}

func (f BackendFunc) Name() string { return "func" }

// Chunk is one piece of incremental output for the host chat surface.
type Chunk struct {
	Text    string `json:"text,omitempty"`
	Persona string `json:"persona,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Err     error  `json:"-"`
}

// TranscriptEntry is one persisted line of conversation.
type TranscriptEntry struct {
	ConversationID string    `json:"conversation_id"`
	Author         string    `json:"author"`
	Content        string    `json:"content"`
	Kind           string    `json:"kind,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// TranscriptStore is the append-only conversation persistence collaborator.
type TranscriptStore interface {
	Save(ctx context.Context, entry TranscriptEntry) error
	// GetRecent returns up to n entries, oldest first.
	GetRecent(ctx context.Context, n int) ([]TranscriptEntry, error)
}

// FallbackNotice is handed to the fallback channel when a circuit is open.
type FallbackNotice struct {
	AgentID        string    `json:"agent_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ErrorSummary   string    `json:"error_summary"`
	Timestamp      time.Time `json:"timestamp"`
}

// FallbackChannel redirects users when an agent's backend is unavailable.
type FallbackChannel interface {
	Notify(ctx context.Context, notice FallbackNotice) error
}

// BackendResolver picks the backend that serves an agent.
type BackendResolver interface {
	Resolve(agentID string) (Backend, error)
}
