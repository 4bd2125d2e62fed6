package domain

import (
	"context"
	"time"
)

// MessageType classifies an AgentMessage.
type MessageType string

const (
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageBroadcast MessageType = "broadcast"
	MessageError     MessageType = "error"
)

// AgentMessage is a unit of agent-to-agent or system communication.
// It is passed by value and never mutated after emission.
type AgentMessage struct {
	From           string      `json:"from"`
	To             []string    `json:"to"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	ConversationID string      `json:"conversation_id,omitempty"`
}

// MessageHandler receives messages delivered to a subscribed agent.
type MessageHandler func(ctx context.Context, msg AgentMessage)
