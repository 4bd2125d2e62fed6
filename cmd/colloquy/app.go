package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"colloquy/internal/adapter/fallback"
	"colloquy/internal/adapter/llm"
	"colloquy/internal/adapter/mcpserver"
	"colloquy/internal/adapter/store"
	"colloquy/internal/domain"
	"colloquy/internal/infra/config"
	"colloquy/internal/usecase/client"
	"colloquy/internal/usecase/conversation"
	"colloquy/internal/usecase/eventbus"
	"colloquy/internal/usecase/memory"
	"colloquy/internal/usecase/multiagent"
	"colloquy/internal/usecase/orchestrator"
	"colloquy/internal/usecase/persona"
	"colloquy/internal/usecase/resilience"
)

const memoryStoreLimit = 1000

// defaultAgent answers when the config declares no personas.
var defaultAgent = config.AgentConfig{
	Name:        "assistant",
	Role:        "General Assistant",
	Description: "Answers questions and helps the team reach decisions",
	Priority:    1,
}

// app holds the wired components behind the MCP server.
type app struct {
	agents        *multiagent.Registry
	client        *client.Client
	orchestrator  *orchestrator.Orchestrator
	conversations *conversation.Manager
	shared        *memory.SharedMemory
	history       *memory.History
	bus           *eventbus.Bus
	server        *mcpserver.Server

	closers []func() error
}

// Close releases components in reverse construction order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	agentCfgs := cfg.Agents
	if len(agentCfgs) == 0 {
		agentCfgs = []config.AgentConfig{defaultAgent}
	}

	// 1. LLM providers, one persona-bound backend per agent
	providers, err := llm.BuildRegistry(ctx, cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	for _, ac := range agentCfgs {
		providers.Bind(ac.Name, ac.Provider, persona.Build(toAgent(ac), cfg.Communication.Style))
	}

	// 2. Transcript store
	transcripts, err := initStore(cfg.Store, a)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	// 3. Event bus
	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	a.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Debug("agent event", "type", ev.Type, "source", ev.SourceAgent, "conversation", ev.Message.ConversationID)
	})

	// 4. Resilient client
	status := client.NewStatusTracker()
	status.Observe(func(s domain.AgentStatus) {
		log.Debug("agent status", "agent", s.Agent, "state", s.State, "last_error", s.LastError)
	})
	opts := []client.Option{client.WithBus(a.bus), client.WithStatusTracker(status)}
	if ch := initFallback(cfg.Fallback, log); ch != nil {
		opts = append(opts, client.WithFallbackChannel(ch))
	}
	a.client = client.New(providers, clientConfig(cfg.Resilience), log, opts...)

	// 5. Agents and orchestration
	core := cfg.Orchestrator.CoreAgents
	if len(core) == 0 {
		core = []string{agentCfgs[0].Name}
	}
	a.agents = multiagent.NewRegistry(core, log)
	for _, ac := range agentCfgs {
		if err := a.agents.Register(toAgent(ac)); err != nil {
			return nil, fmt.Errorf("agents: %w", err)
		}
	}
	a.orchestrator = orchestrator.New(a.agents, a.client,
		orchestrator.Config{Coordinator: cfg.Orchestrator.Coordinator},
		log,
		orchestrator.WithMatcher(newMatcher(cfg.Orchestrator.Matcher, log)),
		orchestrator.WithBus(a.bus),
	)

	// 6. Conversations
	a.conversations = conversation.New(a.client, conversation.Config{
		MaxTurns:       cfg.Conversation.MaxTurns,
		HardCap:        cfg.Conversation.HardCap,
		TurnDelay:      cfg.Conversation.TurnDelay,
		ContextEntries: cfg.Conversation.ContextEntries,
		Synthesizer:    cfg.Conversation.Synthesizer,
	}, log,
		conversation.WithTranscriptStore(transcripts),
		conversation.WithStatusTracker(status),
		conversation.WithBus(a.bus),
	)

	// 7. Memory
	a.shared = memory.NewSharedMemory(memory.Config{
		LowPriorityTTL: cfg.Memory.LowPriorityTTL,
		SweepSchedule:  cfg.Memory.SweepSchedule,
	}, log)
	for _, ac := range agentCfgs {
		tags := ac.Expertise
		if len(tags) == 0 {
			tags = ac.Capabilities
		}
		a.shared.SetExpertise(ac.Name, tags...)
	}
	if err := a.shared.Start(); err != nil {
		return nil, fmt.Errorf("shared memory: %w", err)
	}
	a.closers = append(a.closers, func() error { a.shared.Stop(); return nil })

	// Agents subscribe to the bus; what peers send them lands in shared memory.
	for _, ac := range agentCfgs {
		unsub := a.bus.Subscribe(ctx, ac.Name, relayToShared(a.shared, ac.Name, log))
		a.closers = append(a.closers, func() error { unsub(); return nil })
	}

	label := cfg.Communication.Team + "/" + cfg.Communication.Channel
	a.history = memory.NewHistory(label, cfg.Memory.HistorySize)
	restoreHistory(ctx, a.history, transcripts, label, cfg.Memory.HistorySize, log)

	names := make([]string, len(agentCfgs))
	for i, ac := range agentCfgs {
		names[i] = ac.Name
	}
	exchanges := memory.NewExchangeTracker(cfg.Communication.MaxConsecutiveAIExchanges, names)

	// 8. MCP surface
	a.server, err = mcpserver.New(mcpserver.Config{
		Version:        version,
		Conversation:   label,
		DefaultPersona: agentCfgs[0].Name,
	}, mcpserver.Deps{
		Sender:        a.client,
		Orchestrator:  a.orchestrator,
		Conversations: a.conversations,
		History:       a.history,
		Exchanges:     exchanges,
		Shared:        a.shared,
		Store:         transcripts,
		Status:        status,
		Breakers:      a.client,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("mcp server: %w", err)
	}
	return a, nil
}

// relayToShared records bus messages addressed to agent as low-priority
// shared context, so they expire unless something promotes them.
func relayToShared(shared *memory.SharedMemory, agent string, log *slog.Logger) domain.MessageHandler {
	return func(_ context.Context, msg domain.AgentMessage) {
		_, err := shared.Share(domain.SharedContext{
			Source:   msg.From,
			Targets:  []string{agent},
			Content:  msg.Content,
			Priority: domain.PriorityLow,
		})
		if err != nil {
			log.Debug("bus message not shared", "agent", agent, "from", msg.From, "error", err)
		}
	}
}

func toAgent(ac config.AgentConfig) domain.Agent {
	return domain.Agent{
		Name:         ac.Name,
		Role:         ac.Role,
		Description:  ac.Description,
		Behaviors:    ac.Behaviors,
		Avoid:        ac.Avoid,
		Capabilities: ac.Capabilities,
		Priority:     ac.Priority,
		Provider:     ac.Provider,
	}
}

func clientConfig(r config.ResilienceConfig) client.Config {
	return client.Config{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: r.FailureThreshold,
			ResetTimeout:     r.ResetTimeout,
			HalfOpenRequests: r.HalfOpenRequests,
		},
		RateLimit: resilience.RateLimitConfig{
			MaxRequests:  r.MaxRequestsPerMinute,
			Window:       time.Minute,
			MaxQueueSize: r.MaxQueueSize,
		},
		Retry: resilience.RetryConfig{
			MaxRetries: r.Retry.MaxRetries,
			BaseDelay:  r.Retry.BaseDelay,
			MaxDelay:   r.Retry.MaxDelay,
		},
		MaxConversationDepth: r.MaxConversationDepth,
		RequestTimeout:       r.RequestTimeout,
	}
}

func initStore(cfg config.StoreConfig, a *app) (domain.TranscriptStore, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemoryStore(memoryStoreLimit), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// initFallback returns nil when open-circuit notices are disabled.
func initFallback(cfg config.FallbackConfig, log *slog.Logger) domain.FallbackChannel {
	switch cfg.Type {
	case "slack":
		return fallback.NewSlackChannel(cfg.Slack.BotToken, cfg.Slack.Channel, cfg.Slack.PerMinute, log)
	case "log", "":
		return fallback.NewLogChannel(log)
	default:
		return nil
	}
}

// newMatcher honors explicit @mentions first, then the configured strategy.
func newMatcher(kind string, log *slog.Logger) multiagent.CapabilityMatcher {
	mention := multiagent.NewMentionMatcherWithLogger(log)
	switch kind {
	case "mention":
		return mention
	case "tag":
		return multiagent.ChainMatcher{mention, multiagent.NewTagMatcherWithLogger(log)}
	default:
		return multiagent.ChainMatcher{mention, multiagent.NewKeywordMatcherWithLogger(log)}
	}
}

// restoreHistory replays persisted lines of the discussion so a restarted
// server keeps its context.
func restoreHistory(ctx context.Context, h *memory.History, s domain.TranscriptStore, conversationID string, n int, log *slog.Logger) {
	entries, err := s.GetRecent(ctx, n)
	if err != nil {
		log.Warn("history restore failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.ConversationID == conversationID {
			h.Add(e.Author, e.Content, e.Timestamp)
		}
	}
}
