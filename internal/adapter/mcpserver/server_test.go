package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colloquy/internal/adapter/store"
	"colloquy/internal/domain"
	"colloquy/internal/usecase/client"
	"colloquy/internal/usecase/conversation"
	"colloquy/internal/usecase/memory"
	"colloquy/internal/usecase/orchestrator"
	"colloquy/internal/usecase/resilience"
)

type fakeSender struct {
	mu      sync.Mutex
	prompts []string
	agents  []string
	reply   func(message, agentID string) (*client.Reply, error)
}

func (f *fakeSender) SendMessage(_ context.Context, message, agentID, _ string) (*client.Reply, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, message)
	f.agents = append(f.agents, agentID)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(message, agentID)
	}
	return &client.Reply{Type: client.ReplyResponse, Agent: agentID, Message: "answer from " + agentID}, nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeOrchestrator struct {
	res *orchestrator.Result
	err error
	got orchestrator.Strategy
}

func (f *fakeOrchestrator) Orchestrate(_ context.Context, task string, strategy orchestrator.Strategy, _ string) (*orchestrator.Result, error) {
	f.got = strategy
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.Task = task
	res.Strategy = strategy
	return &res, nil
}

type fakeConversations struct {
	got conversation.Request
	// err is returned alongside the thread, as when a run stops early.
	err error
}

func (f *fakeConversations) Run(_ context.Context, req conversation.Request) (*domain.ConversationThread, error) {
	f.got = req
	if len(req.Participants) < 2 {
		return nil, domain.NewDomainError("Manager.Run", domain.ErrInvalidInput, "need two participants")
	}
	ts := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	return &domain.ConversationThread{
		ID:           "thread-1",
		Topic:        req.Topic,
		Participants: req.Participants,
		Status:       domain.ThreadConcluded,
		StopReason:   conversation.StopMaxTurns,
		Messages: []domain.ThreadMessage{
			{Persona: req.Participants[0], Message: "opening", Timestamp: ts, InteractionType: domain.InteractionDebate},
			{Persona: req.Participants[1], Message: "rebuttal", Timestamp: ts, InteractionType: domain.InteractionDebate},
			{Persona: req.Participants[0], Message: "we mostly agree", Timestamp: ts, InteractionType: domain.InteractionSynthesize},
		},
	}, f.err
}

type fixedStatus []domain.AgentStatus

func (f fixedStatus) Snapshot() []domain.AgentStatus { return f }

type fixedBreakers map[string]resilience.BreakerState

func (f fixedBreakers) BreakerStates() map[string]resilience.BreakerState { return f }

type harness struct {
	srv    *Server
	sender *fakeSender
	deps   Deps
	cli    *mcpclient.Client
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	sender := &fakeSender{}
	deps := Deps{
		Sender:    sender,
		History:   memory.NewHistory("team/general", 50),
		Exchanges: memory.NewExchangeTracker(2, []string{"analyst", "critic"}),
		Store:     store.NewMemoryStore(100),
	}
	if mutate != nil {
		mutate(&deps)
	}
	srv, err := New(Config{Conversation: "team/general", DefaultPersona: "analyst"}, deps, newTestLogger())
	require.NoError(t, err)

	cli, err := mcpclient.NewInProcessClient(srv.MCP())
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })

	ctx := context.Background()
	require.NoError(t, cli.Start(ctx))
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1.0"}
	_, err = cli.Initialize(ctx, initReq)
	require.NoError(t, err)

	return &harness{srv: srv, sender: sender, deps: deps, cli: cli}
}

func (h *harness) call(t *testing.T, name string, args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := h.cli.CallTool(context.Background(), req)
	require.NoError(t, err)
	return resultText(res), res.IsError
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(Config{}, Deps{}, newTestLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestListTools(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.cli.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"read_discussion", "contribute", "get_conversation_context",
		"orchestrate", "converse", "agent_status",
	}, names)
}

func TestReadDiscussionEmpty(t *testing.T) {
	h := newHarness(t, nil)
	text, isErr := h.call(t, "read_discussion", nil)
	assert.False(t, isErr)
	assert.Equal(t, "No discussion history yet. Use 'contribute' to start.", text)
}

func TestReadDiscussionLimit(t *testing.T) {
	h := newHarness(t, nil)
	for _, msg := range []string{"one", "two", "three"} {
		h.deps.History.Add("bob", msg, time.Time{})
	}

	text, _ := h.call(t, "read_discussion", map[string]any{"limit": 2})
	assert.True(t, strings.HasPrefix(text, "Recent discussion:"))
	assert.NotContains(t, text, "bob: one")
	assert.Contains(t, text, "bob: two")
	assert.Contains(t, text, "bob: three")
}

func TestContributeEmptyMessage(t *testing.T) {
	h := newHarness(t, nil)
	text, isErr := h.call(t, "contribute", map[string]any{"message": "   "})
	assert.True(t, isErr)
	assert.Equal(t, "ERROR: Message cannot be empty", text)
	assert.Zero(t, h.sender.calls())
}

func TestContributePostsReply(t *testing.T) {
	h := newHarness(t, nil)

	text, isErr := h.call(t, "contribute", map[string]any{"message": "should we cache?"})
	require.False(t, isErr, text)
	assert.Equal(t, "OK: Posted as analyst: answer from analyst", text)

	require.Equal(t, 1, h.sender.calls())
	assert.Equal(t, "analyst", h.sender.agents[0])
	assert.Contains(t, h.sender.prompts[0], "User message: should we cache?")
	assert.Contains(t, h.sender.prompts[0], "This is the start of a new discussion.")

	recent := h.deps.History.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "User", recent[0].Author)
	assert.Equal(t, "analyst", recent[1].Author)

	saved, err := h.deps.Store.GetRecent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, "human", saved[0].Kind)
	assert.Equal(t, "contribution", saved[1].Kind)
	assert.Equal(t, "team/general", saved[1].ConversationID)
}

func TestContributePreviewTruncates(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.reply = func(_, agentID string) (*client.Reply, error) {
		return &client.Reply{Type: client.ReplyResponse, Agent: agentID, Message: strings.Repeat("x", 150)}, nil
	}
	text, _ := h.call(t, "contribute", map[string]any{"message": "go", "persona": "critic"})
	assert.Equal(t, "OK: Posted as critic: "+strings.Repeat("x", 100)+"...", text)
}

func TestContributeAutonomousPausesAtLimit(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 2; i++ {
		text, isErr := h.call(t, "contribute", map[string]any{"message": "continue", "autonomous": true})
		require.False(t, isErr, text)
		assert.True(t, strings.HasPrefix(text, "OK:"), text)
	}
	assert.Contains(t, h.sender.prompts[1], "Autonomous collaboration status: Autonomous exchanges: 1/2")

	text, isErr := h.call(t, "contribute", map[string]any{"message": "continue", "autonomous": true})
	assert.False(t, isErr)
	assert.Equal(t, "PAUSED: Autonomous contribution limit reached. Waiting for human input.", text)
	assert.Equal(t, 2, h.sender.calls())

	// A human message resets the streak.
	text, _ = h.call(t, "contribute", map[string]any{"message": "carry on"})
	assert.True(t, strings.HasPrefix(text, "OK:"), text)
	text, _ = h.call(t, "contribute", map[string]any{"message": "continue", "autonomous": true})
	assert.True(t, strings.HasPrefix(text, "OK:"), text)
}

func TestContributeFallbackReply(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.reply = func(_, agentID string) (*client.Reply, error) {
		return &client.Reply{Type: client.ReplyFallback, Agent: agentID, Message: agentID + " is temporarily unavailable."}, nil
	}
	text, isErr := h.call(t, "contribute", map[string]any{"message": "hello"})
	assert.False(t, isErr)
	assert.Equal(t, "UNAVAILABLE: analyst is temporarily unavailable.", text)

	recent := h.deps.History.Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "User", recent[0].Author)
}

func TestContributeSenderError(t *testing.T) {
	h := newHarness(t, nil)
	h.sender.reply = func(string, string) (*client.Reply, error) {
		return nil, domain.WrapOp("Client.SendMessage", domain.ErrDepthLimit)
	}
	text, isErr := h.call(t, "contribute", map[string]any{"message": "hello"})
	assert.True(t, isErr)
	assert.Contains(t, text, "ERROR: Error contributing")
	assert.Contains(t, text, string(domain.CodeDepthLimit))
}

func TestContributeUsesSharedMemory(t *testing.T) {
	shared := memory.NewSharedMemory(memory.Config{}, newTestLogger())
	shared.SetExpertise("critic", "security")
	h := newHarness(t, func(d *Deps) { d.Shared = shared })

	_, err := shared.Share(domain.SharedContext{Source: "critic", Content: "tokens leak in logs", Priority: domain.PriorityHigh})
	require.NoError(t, err)

	text, _ := h.call(t, "contribute", map[string]any{"message": "review the security posture"})
	require.True(t, strings.HasPrefix(text, "OK:"), text)

	prompt := h.sender.prompts[0]
	assert.Contains(t, prompt, "Insights shared by other agents:\n- [high] critic: tokens leak in logs")
	assert.Contains(t, prompt, "Consider input from: critic")

	got := shared.ContextFor("critic")
	require.Len(t, got, 1)
	assert.Equal(t, "analyst", got[0].Source)
	assert.Equal(t, domain.PriorityLow, got[0].Priority)
}

func TestConversationContext(t *testing.T) {
	h := newHarness(t, nil)
	text, _ := h.call(t, "get_conversation_context", nil)
	assert.Equal(t, "No conversation context yet.", text)

	h.deps.History.Add("User", "kick off", time.Time{})
	h.deps.History.Add("analyst", strings.Repeat("y", 120), time.Time{})
	h.deps.Exchanges.Record("team/general", "analyst")

	text, _ = h.call(t, "get_conversation_context", nil)
	assert.True(t, strings.HasPrefix(text, "Conversation Context Analysis:\nRecent conversation:"))
	assert.Contains(t, text, "- User: kick off")
	assert.Contains(t, text, "- analyst: "+strings.Repeat("y", 100)+"...")
	assert.Contains(t, text, "Autonomous exchanges: 1/2, Participants: analyst")
}

func TestOrchestrate(t *testing.T) {
	orch := &fakeOrchestrator{res: &orchestrator.Result{
		Agents: []string{"analyst", "critic"},
		Final:  "ship it",
	}}
	h := newHarness(t, func(d *Deps) { d.Orchestrator = orch })

	text, isErr := h.call(t, "orchestrate", map[string]any{"task": "plan release", "strategy": "parallel"})
	require.False(t, isErr, text)
	assert.Equal(t, orchestrator.Parallel, orch.got)

	var res orchestrator.Result
	require.NoError(t, json.Unmarshal([]byte(text), &res))
	assert.Equal(t, "plan release", res.Task)
	assert.Equal(t, "ship it", res.Final)

	text, isErr = h.call(t, "orchestrate", map[string]any{"task": "plan release", "strategy": "vote"})
	assert.True(t, isErr)
	assert.Contains(t, text, "unknown orchestration strategy")
}

func TestOrchestrateStepErrorReturnsPartial(t *testing.T) {
	orch := &fakeOrchestrator{err: &orchestrator.StepError{
		Step:    2,
		Agent:   "critic",
		Err:     domain.ErrTimeout,
		Partial: &orchestrator.Result{Agents: []string{"analyst", "critic"}, Final: "draft"},
	}}
	h := newHarness(t, func(d *Deps) { d.Orchestrator = orch })

	text, isErr := h.call(t, "orchestrate", map[string]any{"task": "plan"})
	assert.True(t, isErr)
	assert.Equal(t, orchestrator.Sequential, orch.got)
	assert.Contains(t, text, "orchestration step 2 (critic)")
	assert.Contains(t, text, "Partial result:")
	assert.Contains(t, text, `"final": "draft"`)
}

func TestOrchestrateNotConfigured(t *testing.T) {
	h := newHarness(t, nil)
	_, isErr := h.call(t, "orchestrate", map[string]any{"task": "plan"})
	assert.True(t, isErr)
}

func TestConverse(t *testing.T) {
	conv := &fakeConversations{}
	h := newHarness(t, func(d *Deps) { d.Conversations = conv })

	text, isErr := h.call(t, "converse", map[string]any{
		"command":      "debate",
		"topic":        "monorepo",
		"participants": []any{"analyst", "critic"},
		"max_turns":    3,
	})
	require.False(t, isErr, text)

	assert.Equal(t, conversation.Debate, conv.got.Command)
	assert.Equal(t, []string{"analyst", "critic"}, conv.got.Participants)
	assert.Equal(t, 3, conv.got.MaxTurns)

	assert.Contains(t, text, `Conversation thread-1 on "monorepo": 2 turns, concluded`)
	assert.Contains(t, text, "[critic]: rebuttal")
	assert.Contains(t, text, "Synthesis by analyst:\nwe mostly agree")
	assert.Equal(t, 3, h.deps.History.Len())
}

func TestConverseErrors(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Conversations = &fakeConversations{} })

	text, isErr := h.call(t, "converse", map[string]any{"command": "brainstorm", "topic": "x", "participants": []any{"a", "b"}})
	assert.True(t, isErr)
	assert.Contains(t, text, "ERROR")

	text, isErr = h.call(t, "converse", map[string]any{"topic": "x", "participants": []any{"a"}})
	assert.True(t, isErr)
	assert.Contains(t, text, string(domain.CodeInvalidInput))
}

func TestConversePartialThreadOnError(t *testing.T) {
	conv := &fakeConversations{err: domain.WrapOp("Manager.Run", fmt.Errorf("critic: %w", domain.ErrCircuitOpen))}
	h := newHarness(t, func(d *Deps) { d.Conversations = conv })

	text, isErr := h.call(t, "converse", map[string]any{
		"command":      "debate",
		"topic":        "monorepo",
		"participants": []any{"analyst", "critic"},
	})
	assert.True(t, isErr)
	assert.Contains(t, text, "ERROR")
	assert.Contains(t, text, string(domain.CodeCircuitOpen))
	assert.Contains(t, text, "Partial conversation:")
	assert.Contains(t, text, "[analyst]: opening")
	assert.Contains(t, text, "Synthesis by analyst:\nwe mostly agree")
	assert.Equal(t, 3, h.deps.History.Len())
}

func TestAgentStatus(t *testing.T) {
	since := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	h := newHarness(t, func(d *Deps) {
		d.Status = fixedStatus{{Agent: "analyst", State: domain.StateIdle, Since: since}}
		d.Breakers = fixedBreakers{"analyst": resilience.StateOpen}
	})

	text, isErr := h.call(t, "agent_status", nil)
	require.False(t, isErr, text)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(text), &report))
	require.Len(t, report.Agents, 1)
	assert.Equal(t, domain.StateIdle, report.Agents[0].State)
	assert.Equal(t, resilience.StateOpen, report.Breakers["analyst"])
}

func TestServeStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(ctx, pr, io.Discard) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			assert.False(t, errors.Is(err, context.Canceled), "cancellation should not surface: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	assert.Equal(t, strings.Repeat("é", 100)+"...", preview(strings.Repeat("é", 101)))
}
