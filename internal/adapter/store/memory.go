package store

import (
	"context"
	"sync"
	"time"

	"colloquy/internal/domain"
)

var _ domain.TranscriptStore = (*MemoryStore)(nil)

// MemoryStore keeps transcripts in process. Once limit entries are held the
// oldest are dropped; a limit of zero keeps everything.
type MemoryStore struct {
	mu      sync.Mutex
	entries []domain.TranscriptEntry
	limit   int
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{limit: limit}
}

// Save appends one entry.
func (m *MemoryStore) Save(_ context.Context, e domain.TranscriptEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if m.limit > 0 && len(m.entries) > m.limit {
		m.entries = append([]domain.TranscriptEntry(nil), m.entries[len(m.entries)-m.limit:]...)
	}
	return nil
}

// GetRecent returns up to n entries, oldest first.
func (m *MemoryStore) GetRecent(_ context.Context, n int) ([]domain.TranscriptEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	return append([]domain.TranscriptEntry(nil), m.entries[len(m.entries)-n:]...), nil
}
