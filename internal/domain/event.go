package domain

import (
	"context"
	"time"
)

// EventType identifies the kind of observability event raised by the bus.
type EventType string

const (
	EventMessageEmitted   EventType = "message.emitted"
	EventMessageQueued    EventType = "message.queued"
	EventMessageDelivered EventType = "message.delivered"
	EventAgentRequest     EventType = "agent.request"
	EventAgentResponse    EventType = "agent.response"
	EventAgentError       EventType = "agent.error"
	EventAgentFallback    EventType = "agent.fallback"
	EventAgentBroadcast   EventType = "agent.broadcast"
	EventAgentStatus      EventType = "agent.status"
	EventThreadStarted    EventType = "thread.started"
	EventThreadConcluded  EventType = "thread.concluded"
)

// Event is the observability envelope raised for every emission,
// independent of whether delivery succeeded.
type Event struct {
	Type        EventType    `json:"type"`
	SourceAgent string       `json:"source_agent"`
	Message     AgentMessage `json:"message"`
	Timestamp   time.Time    `json:"timestamp"`
}

// EventHandler is a callback invoked when an event is raised.
type EventHandler func(ctx context.Context, event Event)
