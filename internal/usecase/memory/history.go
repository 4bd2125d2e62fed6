package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// History limits.
const (
	DefaultHistorySize    = 50
	maxHistoryContentRune = 200
	contextWindow         = 6
)

// HistoryEntry is one line of the shared discussion.
type HistoryEntry struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// History is a bounded, goroutine-safe log of the discussion the agents take
// part in. Long messages are truncated on insert.
type History struct {
	mu      sync.Mutex
	label   string
	max     int
	entries []HistoryEntry
	now     func() time.Time // for testing
}

// NewHistory creates a log that keeps the last max entries. label names the
// discussion in rendered context (for example "team/channel").
func NewHistory(label string, max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{label: label, max: max, now: time.Now}
}

// Add appends a message. A zero ts means now.
func (h *History) Add(author, content string, ts time.Time) {
	if ts.IsZero() {
		ts = h.now()
	}
	if r := []rune(content); len(r) > maxHistoryContentRune {
		content = string(r[:maxHistoryContentRune])
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, HistoryEntry{Author: author, Content: content, Timestamp: ts})
	if over := len(h.entries) - h.max; over > 0 {
		h.entries = append(h.entries[:0:0], h.entries[over:]...)
	}
}

// Recent returns up to n entries, oldest first.
func (h *History) Recent(n int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	return append([]HistoryEntry(nil), h.entries[len(h.entries)-n:]...)
}

// Len returns the number of entries held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// ContextFor renders the recent discussion for inclusion in a persona prompt.
func (h *History) ContextFor(persona string) string {
	recent := h.Recent(contextWindow)
	if h.Len() < 2 {
		return "This is the start of a new discussion."
	}

	var b strings.Builder
	if h.label != "" {
		fmt.Fprintf(&b, "Recent conversation in %s:", h.label)
	} else {
		b.WriteString("Recent conversation:")
	}
	for _, e := range recent {
		fmt.Fprintf(&b, "\n[%s] %s: %s", e.Timestamp.Format("15:04"), e.Author, e.Content)
	}
	return b.String()
}
