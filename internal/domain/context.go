package domain

import "time"

// Priority ranks a SharedContext entry.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// TargetAll addresses a SharedContext to every agent.
const TargetAll = "all"

// SharedContext is an insight one agent shares with others.
// Readers never consume it destructively.
type SharedContext struct {
	ID        string     `json:"id"`
	Source    string     `json:"source"`
	Targets   []string   `json:"targets,omitempty"` // empty or "all" = everyone
	Content   string     `json:"content"`
	Priority  Priority   `json:"priority"`
	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (c SharedContext) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// AddressedTo reports whether agent is one of the entry's targets.
func (c SharedContext) AddressedTo(agent string) bool {
	if len(c.Targets) == 0 {
		return true
	}
	for _, t := range c.Targets {
		if t == TargetAll || t == agent {
			return true
		}
	}
	return false
}
