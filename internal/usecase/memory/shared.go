package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"colloquy/internal/domain"
	"colloquy/internal/infra/idgen"
)

// Default shared memory settings.
const (
	DefaultLowPriorityTTL = time.Hour
	DefaultSweepSchedule  = "@every 5m"
)

// Config configures SharedMemory.
type Config struct {
	LowPriorityTTL time.Duration `yaml:"low_priority_ttl"`
	// SweepSchedule is a cron expression or a Go duration ("30s").
	SweepSchedule string `yaml:"sweep_schedule"`
}

// SharedMemory lets agents share insights with each other. Entries are never
// consumed destructively; expired entries are dropped lazily on read and by
// a periodic sweep.
type SharedMemory struct {
	mu        sync.Mutex
	entries   []domain.SharedContext
	expertise map[string][]string
	ttl       time.Duration
	schedule  string
	logger    *slog.Logger
	now       func() time.Time // for testing

	cron    *cron.Cron
	started bool
}

// NewSharedMemory creates an empty store.
func NewSharedMemory(cfg Config, logger *slog.Logger) *SharedMemory {
	if cfg.LowPriorityTTL <= 0 {
		cfg.LowPriorityTTL = DefaultLowPriorityTTL
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = DefaultSweepSchedule
	}
	return &SharedMemory{
		expertise: make(map[string][]string),
		ttl:       cfg.LowPriorityTTL,
		schedule:  cfg.SweepSchedule,
		logger:    logger,
		now:       time.Now,
	}
}

// Share stores an entry and returns it as stored. Missing ID, timestamp and
// priority are filled in; low-priority entries without an expiry get the
// default TTL.
func (m *SharedMemory) Share(entry domain.SharedContext) (domain.SharedContext, error) {
	if entry.Source == "" || strings.TrimSpace(entry.Content) == "" {
		return domain.SharedContext{}, domain.NewDomainError("SharedMemory.Share", domain.ErrInvalidInput, "source and content are required")
	}

	now := m.now()
	if entry.ID == "" {
		entry.ID = idgen.New(now)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if entry.Priority == "" {
		entry.Priority = domain.PriorityMedium
	}
	if entry.Priority == domain.PriorityLow && entry.ExpiresAt == nil {
		exp := entry.Timestamp.Add(m.ttl)
		entry.ExpiresAt = &exp
	}
	entry.Targets = append([]string(nil), entry.Targets...)

	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.mu.Unlock()

	m.logger.Debug("context shared", "id", entry.ID, "source", entry.Source, "priority", entry.Priority)
	return entry, nil
}

// ContextFor returns the unexpired entries addressed to agent, newest first.
// An agent does not receive its own entries.
func (m *SharedMemory) ContextFor(agent string) []domain.SharedContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked(m.now())

	var out []domain.SharedContext
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.Source != agent && e.AddressedTo(agent) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of stored entries, expired or not.
func (m *SharedMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (m *SharedMemory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(m.now())
}

func (m *SharedMemory) evictLocked(now time.Time) int {
	n := 0
	for _, e := range m.entries {
		if !e.Expired(now) {
			m.entries[n] = e
			n++
		}
	}
	dropped := len(m.entries) - n
	for i := n; i < len(m.entries); i++ {
		m.entries[i] = domain.SharedContext{}
	}
	m.entries = m.entries[:n]
	return dropped
}

// Start schedules the periodic sweep.
func (m *SharedMemory) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	schedule, err := parseSchedule(m.schedule)
	if err != nil {
		return fmt.Errorf("memory: invalid sweep schedule %q: %w", m.schedule, err)
	}
	m.cron = cron.New()
	m.cron.Schedule(schedule, cron.FuncJob(func() {
		if n := m.Sweep(); n > 0 {
			m.logger.Info("expired shared context swept", "count", n)
		}
	}))
	m.cron.Start()
	m.started = true
	return nil
}

// Stop halts the sweep and waits for a running sweep to finish.
func (m *SharedMemory) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	c := m.cron
	m.mu.Unlock()

	<-c.Stop().Done()
}

// SetExpertise records the topics persona is knowledgeable about.
func (m *SharedMemory) SetExpertise(persona string, tags ...string) {
	norm := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			norm = append(norm, t)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expertise[persona] = norm
}

// ExpertsFor ranks personas by how many of their expertise tags occur in
// topic. Personas with no overlap are omitted; ties are broken by name.
func (m *SharedMemory) ExpertsFor(topic string) []string {
	lower := strings.ToLower(topic)

	m.mu.Lock()
	type scored struct {
		name  string
		score int
	}
	var ranked []scored
	for persona, tags := range m.expertise {
		score := 0
		for _, t := range tags {
			if strings.Contains(lower, t) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{persona, score})
		}
	}
	m.mu.Unlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].name < ranked[j].name
	})
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.name
	}
	return out
}

// Advise returns a one-line hint naming the best experts for topic, or ""
// when nobody's expertise overlaps.
func (m *SharedMemory) Advise(topic string) string {
	experts := m.ExpertsFor(topic)
	if len(experts) == 0 {
		return ""
	}
	if len(experts) > 3 {
		experts = experts[:3]
	}
	return "Consider input from: " + strings.Join(experts, ", ")
}

// parseSchedule accepts a cron expression or descriptor first, then a Go duration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration")
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	return constantDelay(d), nil
}

// constantDelay fires at a fixed interval, sub-second included.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
