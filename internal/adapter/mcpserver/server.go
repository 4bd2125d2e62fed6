// Package mcpserver exposes the orchestration layer as MCP tools served over
// stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"colloquy/internal/domain"
	"colloquy/internal/usecase/client"
	"colloquy/internal/usecase/conversation"
	"colloquy/internal/usecase/memory"
	"colloquy/internal/usecase/orchestrator"
	"colloquy/internal/usecase/persona"
	"colloquy/internal/usecase/resilience"
)

const (
	defaultReadLimit     = 10
	contextSummarySize   = 5
	previewRunes         = 100
	humanAuthor          = "User"
	sharedInsightRunes   = 280
	serverName           = "colloquy"
	defaultServerVersion = "dev"
)

// Sender delivers one message to one agent. *client.Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, message, agentID, conversationID string) (*client.Reply, error)
}

// Orchestrator runs a task across several agents.
type Orchestrator interface {
	Orchestrate(ctx context.Context, task string, strategy orchestrator.Strategy, conversationID string) (*orchestrator.Result, error)
}

// Conversations runs bounded multi-turn conversations.
type Conversations interface {
	Run(ctx context.Context, req conversation.Request) (*domain.ConversationThread, error)
}

// StatusSource reports agent lifecycle and circuit state.
type StatusSource interface {
	Snapshot() []domain.AgentStatus
}

// BreakerSource reports the circuit state of every agent seen so far.
type BreakerSource interface {
	BreakerStates() map[string]resilience.BreakerState
}

// Config names the server and the discussion its tools act on.
type Config struct {
	Version string
	// Conversation identifies the shared discussion (for example "team/general").
	Conversation string
	// DefaultPersona answers contribute calls that name no persona.
	DefaultPersona string
}

// Deps are the collaborators behind the tools. Sender, History and
// Exchanges are required; the rest disable their tools' extras when nil.
type Deps struct {
	Sender        Sender
	Orchestrator  Orchestrator
	Conversations Conversations
	History       *memory.History
	Exchanges     *memory.ExchangeTracker
	Shared        *memory.SharedMemory
	Store         domain.TranscriptStore
	Status        StatusSource
	Breakers      BreakerSource
}

// Server wraps an MCP server with the colloquy tool set.
type Server struct {
	mcp    *server.MCPServer
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time // for testing
}

// New builds the server and registers its tools.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Sender == nil || deps.History == nil || deps.Exchanges == nil {
		return nil, domain.NewDomainError("mcpserver.New", domain.ErrInvalidInput, "sender, history and exchanges are required")
	}
	if cfg.Version == "" {
		cfg.Version = defaultServerVersion
	}
	s := &Server{
		mcp: server.NewMCPServer(serverName, cfg.Version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	s.registerTools()
	return s, nil
}

// MCP returns the underlying server, for in-process clients.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve speaks MCP over the given streams until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.logger.Info("mcp server listening on stdio", "conversation", s.cfg.Conversation)
	err := server.NewStdioServer(s.mcp).Listen(ctx, stdin, stdout)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("read_discussion",
		mcp.WithDescription("Read recent team discussion"),
		mcp.WithNumber("limit",
			mcp.Description("Number of recent messages to retrieve"),
			mcp.DefaultNumber(defaultReadLimit),
		),
	), s.handleReadDiscussion)

	s.mcp.AddTool(mcp.NewTool("contribute",
		mcp.WithDescription("Contribute to team discussion as a specific persona"),
		mcp.WithString("message", mcp.Required(), mcp.Description("The message to post")),
		mcp.WithString("persona", mcp.Description("The persona that answers")),
		mcp.WithBoolean("autonomous",
			mcp.Description("Whether this is an autonomous AI-to-AI contribution"),
			mcp.DefaultBool(false),
		),
	), s.handleContribute)

	s.mcp.AddTool(mcp.NewTool("get_conversation_context",
		mcp.WithDescription("Get structured conversation context and summary"),
	), s.handleConversationContext)

	s.mcp.AddTool(mcp.NewTool("orchestrate",
		mcp.WithDescription("Run a task across the best-matching agents"),
		mcp.WithString("task", mcp.Required(), mcp.Description("The task to solve")),
		mcp.WithString("strategy",
			mcp.Description("How the agents collaborate"),
			mcp.Enum(string(orchestrator.Sequential), string(orchestrator.Parallel),
				string(orchestrator.Consensus), string(orchestrator.Delegation)),
		),
	), s.handleOrchestrate)

	s.mcp.AddTool(mcp.NewTool("converse",
		mcp.WithDescription("Run a bounded multi-turn conversation between agents"),
		mcp.WithString("command",
			mcp.Description("Conversation style"),
			mcp.Enum(string(conversation.Debate), string(conversation.Collaborate), string(conversation.Discuss)),
		),
		mcp.WithString("topic", mcp.Required(), mcp.Description("What the agents talk about")),
		mcp.WithArray("participants",
			mcp.Required(),
			mcp.Description("Agents taking turns, in order"),
			mcp.WithStringItems(),
		),
		mcp.WithNumber("max_turns", mcp.Description("Turn limit; the configured hard cap still applies")),
	), s.handleConverse)

	s.mcp.AddTool(mcp.NewTool("agent_status",
		mcp.WithDescription("Report each agent's state and circuit breaker"),
	), s.handleAgentStatus)
}

func (s *Server) handleReadDiscussion(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultReadLimit)
	entries := s.deps.History.Recent(limit)
	if len(entries) == 0 {
		return mcp.NewToolResultText("No discussion history yet. Use 'contribute' to start."), nil
	}

	var b strings.Builder
	b.WriteString("Recent discussion:")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n[%s] %s: %s", e.Timestamp.Format(time.RFC3339), e.Author, e.Content)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleContribute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message := strings.TrimSpace(req.GetString("message", ""))
	if message == "" {
		return mcp.NewToolResultError("ERROR: Message cannot be empty"), nil
	}
	who := req.GetString("persona", "")
	if who == "" {
		who = s.cfg.DefaultPersona
	}
	autonomous := req.GetBool("autonomous", false)
	conv := s.cfg.Conversation

	if autonomous && !s.deps.Exchanges.Allow(conv) {
		s.logger.Info("autonomous contribution paused", "persona", who, "exchanges", s.deps.Exchanges.Count(conv))
		return mcp.NewToolResultText("PAUSED: Autonomous contribution limit reached. Waiting for human input."), nil
	}

	prompt := persona.Compose("", s.contextFor(who, message, autonomous), message)

	if !autonomous {
		s.record(ctx, humanAuthor, message, "human")
	}

	reply, err := s.deps.Sender.SendMessage(ctx, prompt, who, conv)
	if err != nil {
		s.logger.Warn("contribute failed", "persona", who, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("ERROR: Error contributing: %v (%s)", err, domain.ErrorCodeOf(err))), nil
	}
	if reply.Type == client.ReplyFallback {
		return mcp.NewToolResultText("UNAVAILABLE: " + reply.Message), nil
	}

	s.record(ctx, reply.Agent, reply.Message, "contribution")
	s.shareInsight(reply.Agent, reply.Message)
	return mcp.NewToolResultText(fmt.Sprintf("OK: Posted as %s: %s", reply.Agent, preview(reply.Message))), nil
}

// contextFor assembles what a persona sees before answering: the discussion,
// insights other agents shared with it, expert hints and, for autonomous
// turns, how many exchanges remain.
func (s *Server) contextFor(who, message string, autonomous bool) string {
	parts := []string{s.deps.History.ContextFor(who)}
	if s.deps.Shared != nil {
		if shared := s.deps.Shared.ContextFor(who); len(shared) > 0 {
			var b strings.Builder
			b.WriteString("Insights shared by other agents:")
			for _, c := range shared {
				fmt.Fprintf(&b, "\n- [%s] %s: %s", c.Priority, c.Source, c.Content)
			}
			parts = append(parts, b.String())
		}
		if hint := s.deps.Shared.Advise(message); hint != "" {
			parts = append(parts, hint)
		}
	}
	if autonomous {
		parts = append(parts, "Autonomous collaboration status: "+s.deps.Exchanges.Status(s.cfg.Conversation))
	}
	return strings.Join(parts, "\n\n")
}

// record appends a line to the discussion, updates the exchange streak and
// persists it. Store failures are logged, not returned.
func (s *Server) record(ctx context.Context, author, content, kind string) {
	ts := s.now()
	s.deps.History.Add(author, content, ts)
	s.deps.Exchanges.Record(s.cfg.Conversation, author)
	if s.deps.Store == nil {
		return
	}
	err := s.deps.Store.Save(ctx, domain.TranscriptEntry{
		ConversationID: s.cfg.Conversation,
		Author:         author,
		Content:        content,
		Kind:           kind,
		Timestamp:      ts,
	})
	if err != nil {
		s.logger.Warn("transcript save failed", "author", author, "error", err)
	}
}

func (s *Server) shareInsight(source, content string) {
	if s.deps.Shared == nil {
		return
	}
	if r := []rune(content); len(r) > sharedInsightRunes {
		content = string(r[:sharedInsightRunes])
	}
	_, err := s.deps.Shared.Share(domain.SharedContext{
		Source:   source,
		Content:  content,
		Priority: domain.PriorityLow,
	})
	if err != nil {
		s.logger.Debug("share insight skipped", "source", source, "error", err)
	}
}

func (s *Server) handleConversationContext(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recent := s.deps.History.Recent(contextSummarySize)
	if len(recent) == 0 {
		return mcp.NewToolResultText("No conversation context yet."), nil
	}

	var b strings.Builder
	b.WriteString("Conversation Context Analysis:\nRecent conversation:")
	for _, e := range recent {
		fmt.Fprintf(&b, "\n- %s: %s", e.Author, preview(e.Content))
	}
	fmt.Fprintf(&b, "\n%s", s.deps.Exchanges.Status(s.cfg.Conversation))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleOrchestrate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Orchestrator == nil {
		return mcp.NewToolResultError("ERROR: orchestration is not configured"), nil
	}
	task, err := req.RequireString("task")
	if err != nil || strings.TrimSpace(task) == "" {
		return mcp.NewToolResultError("ERROR: Task cannot be empty"), nil
	}
	strategy, err := orchestrator.ParseStrategy(req.GetString("strategy", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ERROR: %v", err)), nil
	}

	res, err := s.deps.Orchestrator.Orchestrate(ctx, task, strategy, s.cfg.Conversation)
	if err != nil {
		var stepErr *orchestrator.StepError
		if errors.As(err, &stepErr) && stepErr.Partial != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ERROR: %v\n\nPartial result:\n%s", err, toJSON(stepErr.Partial))), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("ERROR: %v (%s)", err, domain.ErrorCodeOf(err))), nil
	}
	return mcp.NewToolResultText(toJSON(res)), nil
}

func (s *Server) handleConverse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Conversations == nil {
		return mcp.NewToolResultError("ERROR: conversations are not configured"), nil
	}
	cmd, err := conversation.ParseCommand(req.GetString("command", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ERROR: %v", err)), nil
	}

	thread, err := s.deps.Conversations.Run(ctx, conversation.Request{
		Command:      cmd,
		Topic:        req.GetString("topic", ""),
		Participants: req.GetStringSlice("participants", nil),
		MaxTurns:     req.GetInt("max_turns", 0),
	})
	if thread != nil {
		for _, m := range thread.Messages {
			s.deps.History.Add(m.Persona, m.Message, m.Timestamp)
		}
	}
	if err != nil {
		if thread != nil && len(thread.Messages) > 0 {
			return mcp.NewToolResultError(fmt.Sprintf("ERROR: %v (%s)\n\nPartial conversation:\n%s", err, domain.ErrorCodeOf(err), renderThread(thread))), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("ERROR: %v (%s)", err, domain.ErrorCodeOf(err))), nil
	}
	return mcp.NewToolResultText(renderThread(thread)), nil
}

type statusReport struct {
	Agents   []domain.AgentStatus               `json:"agents"`
	Breakers map[string]resilience.BreakerState `json:"breakers,omitempty"`
}

func (s *Server) handleAgentStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := statusReport{Agents: []domain.AgentStatus{}}
	if s.deps.Status != nil {
		report.Agents = s.deps.Status.Snapshot()
	}
	if s.deps.Breakers != nil {
		report.Breakers = s.deps.Breakers.BreakerStates()
	}
	return mcp.NewToolResultText(toJSON(report)), nil
}

func renderThread(t *domain.ConversationThread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s on %q: %d turns, %s", t.ID, t.Topic, t.Turns(), t.Status)
	if t.StopReason != "" {
		fmt.Fprintf(&b, " (%s)", t.StopReason)
	}
	for _, m := range t.Messages {
		if m.InteractionType == domain.InteractionSynthesize {
			continue
		}
		fmt.Fprintf(&b, "\n\n[%s]: %s", m.Persona, m.Message)
	}
	if syn, ok := t.Synthesis(); ok {
		fmt.Fprintf(&b, "\n\nSynthesis by %s:\n%s", syn.Persona, syn.Message)
	}
	return b.String()
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}

func toJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
