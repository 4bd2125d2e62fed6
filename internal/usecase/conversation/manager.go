package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"colloquy/internal/domain"
	"colloquy/internal/infra/idgen"
	"colloquy/internal/infra/tracer"
	"colloquy/internal/usecase/client"
	"colloquy/internal/usecase/eventbus"
)

// Default conversation limits.
const (
	DefaultMaxTurns       = 4
	DefaultHardCap        = 5
	DefaultContextEntries = 10

	minTurnsBeforeConclusion = 3
	maxAmbientEntryRunes     = 200
)

// Reasons a conversation stopped.
const (
	StopConclusion = "conclusion"
	StopCircular   = "circular"
	StopMaxTurns   = "max_turns"
	StopHardCap    = "hard_cap"
	StopError      = "error"
	StopFallback   = "fallback"
	StopCancelled  = "cancelled"
)

// Sender delivers one message to one agent. *client.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, message, agentID, conversationID string) (*client.Reply, error)
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	MaxTurns int `yaml:"max_turns"`
	// HardCap bounds every conversation regardless of the requested turns.
	HardCap int `yaml:"hard_cap"`
	// TurnDelay pauses between turns.
	TurnDelay time.Duration `yaml:"turn_delay"`
	// ContextEntries is how many persisted entries prime a new conversation.
	ContextEntries int `yaml:"context_entries"`
	// Synthesizer writes the final synthesis; defaults to the first participant.
	Synthesizer string `yaml:"synthesizer"`
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.HardCap <= 0 {
		c.HardCap = DefaultHardCap
	}
	if c.ContextEntries <= 0 {
		c.ContextEntries = DefaultContextEntries
	}
	return c
}

// Request describes one conversation.
type Request struct {
	Command      Command  `json:"command"`
	Topic        string   `json:"topic"`
	Participants []string `json:"participants"`
	// MaxTurns overrides the configured default when positive.
	MaxTurns int `json:"max_turns,omitempty"`
}

// Option configures optional collaborators.
type Option func(*Manager)

// WithTranscriptStore persists finished threads and primes new ones.
func WithTranscriptStore(s domain.TranscriptStore) Option {
	return func(m *Manager) { m.store = s }
}

// WithStatusTracker marks the driving agent as collaborating during a run.
func WithStatusTracker(t *client.StatusTracker) Option {
	return func(m *Manager) { m.status = t }
}

// WithBus publishes thread lifecycle events.
func WithBus(bus *eventbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// Manager drives bounded multi-turn conversations between agents.
type Manager struct {
	sender Sender
	cfg    Config
	logger *slog.Logger

	store  domain.TranscriptStore
	status *client.StatusTracker
	bus    *eventbus.Bus
	now    func() time.Time // for testing
}

// New creates a Manager.
func New(sender Sender, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		sender: sender,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run drives the conversation to completion and returns the thread. The
// thread is returned even when an error cuts the exchange short; its
// StopReason says why it ended.
func (m *Manager) Run(ctx context.Context, req Request) (*domain.ConversationThread, error) {
	return m.run(ctx, req, nil)
}

// Stream runs the conversation in the background and yields each message as
// it is produced. The channel ends with a Done chunk carrying any error and
// is then closed. Cancelling ctx stops the run; callers that stop reading
// must cancel ctx.
func (m *Manager) Stream(ctx context.Context, req Request) <-chan domain.Chunk {
	out := make(chan domain.Chunk)
	go func() {
		defer close(out)
		send := func(c domain.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		_, err := m.run(ctx, req, func(msg domain.ThreadMessage) {
			send(domain.Chunk{Text: msg.Message, Persona: msg.Persona})
		})
		send(domain.Chunk{Done: true, Err: err})
	}()
	return out
}

func (m *Manager) run(ctx context.Context, req Request, onMessage func(domain.ThreadMessage)) (*domain.ConversationThread, error) {
	const op = "Manager.Run"

	cmd, err := ParseCommand(string(req.Command))
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if strings.TrimSpace(req.Topic) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "empty topic")
	}
	if len(req.Participants) < 2 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "at least two participants are required")
	}

	limit, capReason := m.turnLimit(req.MaxTurns)
	now := m.now()
	thread := &domain.ConversationThread{
		ID:           idgen.New(now),
		Participants: append([]string(nil), req.Participants...),
		Topic:        req.Topic,
		Status:       domain.ThreadActive,
		CreatedAt:    now,
	}

	ctx, span := tracer.StartSpan(ctx, "conversation.run")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("conversation.id", thread.ID),
		tracer.StringAttr("conversation.command", string(cmd)),
		tracer.IntAttr("conversation.turn_limit", limit),
	)

	driver := thread.Participants[0]
	if m.status != nil {
		done := m.status.Collaborate(driver)
		defer done()
	}

	m.publish(ctx, domain.EventThreadStarted, driver, thread.ID, req.Topic)
	m.logger.Info("conversation started",
		"conversation", thread.ID,
		"command", cmd,
		"participants", thread.Participants,
		"turn_limit", limit,
	)

	var runErr error
	prompt := initialPrompt(cmd, req.Topic, m.ambientContext(ctx))
	for turn := 1; turn <= limit; turn++ {
		if turn > 1 {
			if err := m.pause(ctx); err != nil {
				runErr, thread.StopReason = err, StopCancelled
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr, thread.StopReason = err, StopCancelled
			break
		}

		agent := thread.Participants[(turn-1)%len(thread.Participants)]
		reply, err := m.sender.SendMessage(ctx, prompt, agent, thread.ID)
		if err != nil {
			m.logger.Warn("conversation turn failed", "conversation", thread.ID, "turn", turn, "agent", agent, "error", err)
			runErr, thread.StopReason = err, StopError
			break
		}
		if reply.Type == client.ReplyFallback {
			m.logger.Warn("conversation turn unavailable", "conversation", thread.ID, "turn", turn, "agent", agent)
			runErr, thread.StopReason = fmt.Errorf("%s: %w", agent, domain.ErrCircuitOpen), StopFallback
			break
		}

		msg := m.appendMessage(thread, agent, reply.Message, cmd.interaction())
		if onMessage != nil {
			onMessage(msg)
		}

		if turn >= limit {
			thread.StopReason = capReason
			break
		}
		if turn >= minTurnsBeforeConclusion {
			if isConclusion(reply.Message) {
				thread.StopReason = StopConclusion
				break
			}
			if isCircular(reply.Message) {
				thread.StopReason = StopCircular
				break
			}
		}
		prompt = turnPrompt(cmd, req.Topic, agent, reply.Message, turn+1, limit)
	}

	if synthErr := m.synthesize(ctx, cmd, thread, onMessage); synthErr != nil && runErr == nil {
		runErr = synthErr
	}

	thread.Status = domain.ThreadConcluded
	thread.ConcludedAt = m.now()
	m.persist(ctx, thread)
	m.publish(ctx, domain.EventThreadConcluded, driver, thread.ID, thread.StopReason)

	m.logger.Info("conversation concluded",
		"conversation", thread.ID,
		"turns", thread.Turns(),
		"stop_reason", thread.StopReason,
	)

	if runErr != nil {
		tracer.RecordError(span, runErr)
		return thread, domain.WrapOp(op, runErr)
	}
	tracer.SetOK(span)
	return thread, nil
}

// turnLimit returns the effective number of turns and the stop reason
// recorded when that many turns complete.
func (m *Manager) turnLimit(requested int) (int, string) {
	limit := m.cfg.MaxTurns
	if requested > 0 {
		limit = requested
	}
	if limit >= m.cfg.HardCap {
		return m.cfg.HardCap, StopHardCap
	}
	return limit, StopMaxTurns
}

// synthesize asks for a summary of whatever transcript exists. A thread
// with no messages has nothing to synthesize, and a cancelled run schedules
// no further calls.
func (m *Manager) synthesize(ctx context.Context, cmd Command, thread *domain.ConversationThread, onMessage func(domain.ThreadMessage)) error {
	if len(thread.Messages) == 0 || ctx.Err() != nil {
		return nil
	}
	synthesizer := m.cfg.Synthesizer
	if synthesizer == "" {
		synthesizer = thread.Participants[0]
	}

	reply, err := m.sender.SendMessage(ctx, synthesisPrompt(cmd, thread), synthesizer, thread.ID)
	if err != nil {
		m.logger.Warn("synthesis failed", "conversation", thread.ID, "agent", synthesizer, "error", err)
		return fmt.Errorf("synthesis: %w", err)
	}
	if reply.Type == client.ReplyFallback {
		return fmt.Errorf("synthesis: %s: %w", synthesizer, domain.ErrCircuitOpen)
	}
	msg := m.appendMessage(thread, synthesizer, reply.Message, domain.InteractionSynthesize)
	if onMessage != nil {
		onMessage(msg)
	}
	return nil
}

func (m *Manager) appendMessage(thread *domain.ConversationThread, persona, text string, kind domain.InteractionType) domain.ThreadMessage {
	now := m.now()
	msg := domain.ThreadMessage{
		ID:              idgen.New(now),
		ThreadID:        thread.ID,
		Persona:         persona,
		Message:         text,
		Timestamp:       now,
		InteractionType: kind,
	}
	thread.Messages = append(thread.Messages, msg)
	return msg
}

// pause waits TurnDelay unless ctx ends first.
func (m *Manager) pause(ctx context.Context) error {
	if m.cfg.TurnDelay <= 0 {
		return nil
	}
	t := time.NewTimer(m.cfg.TurnDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ambientContext summarizes recently persisted entries for the opening prompt.
func (m *Manager) ambientContext(ctx context.Context) string {
	if m.store == nil {
		return ""
	}
	entries, err := m.store.GetRecent(ctx, m.cfg.ContextEntries)
	if err != nil {
		m.logger.Warn("load recent transcript failed", "error", err)
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		content := e.Content
		if r := []rune(content); len(r) > maxAmbientEntryRunes {
			content = string(r[:maxAmbientEntryRunes]) + "..."
		}
		lines = append(lines, fmt.Sprintf("%s: %s", e.Author, content))
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) persist(ctx context.Context, thread *domain.ConversationThread) {
	if m.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, msg := range thread.Messages {
		entry := domain.TranscriptEntry{
			ConversationID: thread.ID,
			Author:         msg.Persona,
			Content:        msg.Message,
			Kind:           string(msg.InteractionType),
			Timestamp:      msg.Timestamp,
		}
		if err := m.store.Save(ctx, entry); err != nil {
			m.logger.Warn("persist transcript entry failed", "conversation", thread.ID, "error", err)
			return
		}
	}
}

func (m *Manager) publish(ctx context.Context, typ domain.EventType, driver, threadID, content string) {
	if m.bus == nil {
		return
	}
	now := m.now()
	m.bus.Publish(ctx, domain.Event{
		Type:        typ,
		SourceAgent: driver,
		Message: domain.AgentMessage{
			From:           driver,
			Type:           domain.MessageBroadcast,
			Content:        content,
			Timestamp:      now,
			ConversationID: threadID,
		},
		Timestamp: now,
	})
}
