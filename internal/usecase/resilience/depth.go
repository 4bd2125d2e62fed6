package resilience

import (
	"fmt"
	"sync"

	"colloquy/internal/domain"
)

// Default depth guard settings.
const (
	DefaultMaxConversationDepth = 5
	depthKeyPromptRunes         = 50
)

// DepthGuard hard-stops runaway self-referential chains. Each in-flight call
// for the same {agent, prompt prefix} key raises the key's counter; once the
// counter reaches the limit, further calls are refused locally.
type DepthGuard struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
}

// NewDepthGuard creates a guard allowing at most max nested calls per key.
func NewDepthGuard(max int) *DepthGuard {
	if max <= 0 {
		max = DefaultMaxConversationDepth
	}
	return &DepthGuard{max: max, counts: make(map[string]int)}
}

// DepthKey derives the guard key from an agent ID and prompt.
func DepthKey(agentID, prompt string) string {
	r := []rune(prompt)
	if len(r) > depthKeyPromptRunes {
		r = r[:depthKeyPromptRunes]
	}
	return agentID + "|" + string(r)
}

// Enter registers a call for key. The returned release func must be called
// when the call completes, whether it succeeded or not. When the limit has
// been reached, the key's counter is cleared and an error wrapping
// domain.ErrDepthLimit is returned.
func (g *DepthGuard) Enter(key string) (release func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.counts[key] >= g.max {
		delete(g.counts, key)
		return nil, fmt.Errorf("%w: %d nested calls", domain.ErrDepthLimit, g.max)
	}
	g.counts[key]++

	var once sync.Once
	return func() {
		once.Do(func() { g.leave(key) })
	}, nil
}

func (g *DepthGuard) leave(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[key] <= 1 {
		delete(g.counts, key)
		return
	}
	g.counts[key]--
}

// Depth returns the current counter for key.
func (g *DepthGuard) Depth(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[key]
}
