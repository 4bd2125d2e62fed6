package client

import (
	"sort"
	"sync"
	"time"

	"colloquy/internal/domain"
)

// StatusTracker holds the lifecycle state of every agent the client has
// served: idle -> thinking -> responding -> idle, with error on failure and
// collaborating while an agent drives a multi-agent conversation.
type StatusTracker struct {
	mu            sync.Mutex
	statuses      map[string]domain.AgentStatus
	collaborating map[string]int
	observers     []domain.StatusObserver
	now           func() time.Time
}

// NewStatusTracker creates an empty tracker. Unknown agents report idle.
func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		statuses:      make(map[string]domain.AgentStatus),
		collaborating: make(map[string]int),
		now:           time.Now,
	}
}

// Observe registers fn to be called synchronously on every state change.
func (t *StatusTracker) Observe(fn domain.StatusObserver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, fn)
}

// Set moves agent to state. An agent that is driving a conversation settles
// back to collaborating instead of idle. cause is recorded for the error state.
func (t *StatusTracker) Set(agent string, state domain.AgentState, cause error) {
	t.mu.Lock()
	if state == domain.StateIdle && t.collaborating[agent] > 0 {
		state = domain.StateCollaborating
	}
	prev, ok := t.statuses[agent]
	if ok && prev.State == state && state != domain.StateError {
		t.mu.Unlock()
		return
	}
	if !ok && state == domain.StateIdle {
		t.mu.Unlock()
		return
	}

	status := domain.AgentStatus{Agent: agent, State: state, Since: t.now()}
	if cause != nil {
		status.LastError = cause.Error()
	}
	t.statuses[agent] = status
	observers := append([]domain.StatusObserver(nil), t.observers...)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}
}

// Collaborate marks agent as collaborating until the returned func is called.
// Nested calls are counted.
func (t *StatusTracker) Collaborate(agent string) (done func()) {
	t.mu.Lock()
	t.collaborating[agent]++
	t.mu.Unlock()
	t.Set(agent, domain.StateCollaborating, nil)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.collaborating[agent]--
			if t.collaborating[agent] <= 0 {
				delete(t.collaborating, agent)
			}
			t.mu.Unlock()
			t.Set(agent, domain.StateIdle, nil)
		})
	}
}

// Status returns the current status of agent.
func (t *StatusTracker) Status(agent string) domain.AgentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.statuses[agent]; ok {
		return s
	}
	return domain.AgentStatus{Agent: agent, State: domain.StateIdle}
}

// Snapshot returns every tracked status, sorted by agent name.
func (t *StatusTracker) Snapshot() []domain.AgentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.AgentStatus, 0, len(t.statuses))
	for _, s := range t.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}
