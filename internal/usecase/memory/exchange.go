package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultMaxConsecutiveAIExchanges bounds agent-to-agent chatter without a human.
const DefaultMaxConsecutiveAIExchanges = 3

type streak struct {
	count        int
	participants map[string]struct{}
}

// ExchangeTracker counts consecutive agent-authored messages per
// conversation. A human message ends the streak.
type ExchangeTracker struct {
	mu      sync.Mutex
	max     int
	agents  map[string]struct{}
	streaks map[string]*streak
}

// NewExchangeTracker creates a tracker. agents lists the authors treated as
// AI participants; names compare case-insensitively.
func NewExchangeTracker(max int, agents []string) *ExchangeTracker {
	if max <= 0 {
		max = DefaultMaxConsecutiveAIExchanges
	}
	t := &ExchangeTracker{
		max:     max,
		agents:  make(map[string]struct{}, len(agents)),
		streaks: make(map[string]*streak),
	}
	for _, a := range agents {
		t.agents[strings.ToLower(a)] = struct{}{}
	}
	return t
}

// IsAgent reports whether author is a known AI participant.
func (t *ExchangeTracker) IsAgent(author string) bool {
	_, ok := t.agents[strings.ToLower(author)]
	return ok
}

// Record notes a message by author in conversation.
func (t *ExchangeTracker) Record(conversation, author string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.IsAgent(author) {
		delete(t.streaks, conversation)
		return
	}
	s, ok := t.streaks[conversation]
	if !ok {
		s = &streak{participants: make(map[string]struct{})}
		t.streaks[conversation] = s
	}
	s.count++
	s.participants[author] = struct{}{}
}

// Allow reports whether another autonomous contribution may be posted.
func (t *ExchangeTracker) Allow(conversation string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streaks[conversation]
	return !ok || s.count < t.max
}

// Count returns the current streak length.
func (t *ExchangeTracker) Count(conversation string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streaks[conversation]; ok {
		return s.count
	}
	return 0
}

// Status renders the streak for inclusion in prompts.
func (t *ExchangeTracker) Status(conversation string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streaks[conversation]
	if !ok {
		return fmt.Sprintf("Autonomous exchanges: 0/%d, Participants: none", t.max)
	}
	names := make([]string, 0, len(s.participants))
	for p := range s.participants {
		names = append(names, p)
	}
	sort.Strings(names)
	return fmt.Sprintf("Autonomous exchanges: %d/%d, Participants: %s", s.count, t.max, strings.Join(names, ", "))
}
