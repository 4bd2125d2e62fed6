package domain

import "time"

// ThreadStatus is the lifecycle state of a ConversationThread.
type ThreadStatus string

const (
	ThreadActive    ThreadStatus = "active"
	ThreadConcluded ThreadStatus = "concluded"
)

// InteractionType tags how a ThreadMessage was produced.
type InteractionType string

const (
	InteractionDebate      InteractionType = "debate"
	InteractionCollaborate InteractionType = "collaborate"
	InteractionDiscuss     InteractionType = "discuss"
	InteractionSynthesize  InteractionType = "synthesize"
)

// ThreadMessage is one turn of a ConversationThread.
type ThreadMessage struct {
	ID              string          `json:"id"`
	ThreadID        string          `json:"thread_id"`
	Persona         string          `json:"persona"`
	Message         string          `json:"message"`
	Timestamp       time.Time       `json:"timestamp"`
	InteractionType InteractionType `json:"interaction_type"`
}

// ConversationThread is a bounded multi-turn exchange between agents on one topic.
type ConversationThread struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	Topic        string          `json:"topic"`
	Messages     []ThreadMessage `json:"messages"`
	Status       ThreadStatus    `json:"status"`
	StopReason   string          `json:"stop_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ConcludedAt  time.Time       `json:"concluded_at,omitempty"`
}

// Synthesis returns the synthesis message, if the thread has one.
func (t *ConversationThread) Synthesis() (ThreadMessage, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].InteractionType == InteractionSynthesize {
			return t.Messages[i], true
		}
	}
	return ThreadMessage{}, false
}

// Turns counts the non-synthesis messages.
func (t *ConversationThread) Turns() int {
	n := 0
	for _, m := range t.Messages {
		if m.InteractionType != InteractionSynthesize {
			n++
		}
	}
	return n
}
