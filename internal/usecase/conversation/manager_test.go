package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colloquy/internal/domain"
	"colloquy/internal/usecase/client"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	agent   string
	message string
}

type scriptedSender struct {
	mu    sync.Mutex
	calls []call
	// reply receives the zero-based call index.
	reply func(n int, agent, message string) (string, error)
	// unavailable agents answer with a fallback reply, as when their circuit is open.
	unavailable map[string]bool
}

func (s *scriptedSender) SendMessage(_ context.Context, message, agentID, _ string) (*client.Reply, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, call{agent: agentID, message: message})
	s.mu.Unlock()

	if s.unavailable[agentID] {
		return &client.Reply{Type: client.ReplyFallback, Agent: agentID, Message: agentID + " is temporarily unavailable."}, nil
	}
	out := fmt.Sprintf("%s turn %d", agentID, n+1)
	if s.reply != nil {
		var err error
		if out, err = s.reply(n, agentID, message); err != nil {
			return nil, err
		}
	}
	return &client.Reply{Type: client.ReplyResponse, Agent: agentID, Message: out}, nil
}

func (s *scriptedSender) callAt(i int) call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i]
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type memStore struct {
	mu      sync.Mutex
	entries []domain.TranscriptEntry
}

func (m *memStore) Save(_ context.Context, e domain.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) GetRecent(_ context.Context, n int) ([]domain.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	return append([]domain.TranscriptEntry(nil), m.entries[len(m.entries)-n:]...), nil
}

func request(turns int) Request {
	return Request{Command: Debate, Topic: "monolith or microservices", Participants: []string{"a", "b"}, MaxTurns: turns}
}

func TestRunStopsAtMaxTurnsWithSynthesis(t *testing.T) {
	sender := &scriptedSender{}
	m := New(sender, Config{}, discardLogger())

	thread, err := m.Run(context.Background(), request(4))
	require.NoError(t, err)

	assert.Equal(t, 4, thread.Turns())
	require.Len(t, thread.Messages, 5)
	assert.Equal(t, StopMaxTurns, thread.StopReason)
	assert.Equal(t, domain.ThreadConcluded, thread.Status)
	assert.False(t, thread.ConcludedAt.IsZero())

	var personas []string
	for _, msg := range thread.Messages[:4] {
		personas = append(personas, msg.Persona)
		assert.Equal(t, domain.InteractionDebate, msg.InteractionType)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, personas)

	synth, ok := thread.Synthesis()
	require.True(t, ok)
	assert.Equal(t, "a", synth.Persona)
	assert.Equal(t, domain.InteractionSynthesize, synth.InteractionType)

	for _, msg := range thread.Messages {
		assert.Equal(t, thread.ID, msg.ThreadID)
		assert.NotEmpty(t, msg.ID)
	}
}

func TestRunDefaultTurns(t *testing.T) {
	m := New(&scriptedSender{}, Config{}, discardLogger())
	thread, err := m.Run(context.Background(), request(0))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTurns, thread.Turns())
}

func TestRunHardCap(t *testing.T) {
	m := New(&scriptedSender{}, Config{}, discardLogger())
	thread, err := m.Run(context.Background(), request(10))
	require.NoError(t, err)
	assert.Equal(t, DefaultHardCap, thread.Turns())
	assert.Equal(t, StopHardCap, thread.StopReason)
}

func TestRunConclusionOnlyFromTurnThree(t *testing.T) {
	sender := &scriptedSender{reply: func(n int, agent, _ string) (string, error) {
		// Every turn tries to conclude; only turn 3 may.
		return "In conclusion, " + agent + " is right", nil
	}}
	m := New(sender, Config{}, discardLogger())

	thread, err := m.Run(context.Background(), request(4))
	require.NoError(t, err)
	assert.Equal(t, 3, thread.Turns())
	assert.Equal(t, StopConclusion, thread.StopReason)
	_, ok := thread.Synthesis()
	assert.True(t, ok)
}

func TestRunCircularSelfReference(t *testing.T) {
	sender := &scriptedSender{reply: func(n int, agent, _ string) (string, error) {
		if n == 2 {
			return "Regarding the inter-agent communication in my previous message...", nil
		}
		return "point " + agent, nil
	}}
	m := New(sender, Config{}, discardLogger())

	thread, err := m.Run(context.Background(), request(5))
	require.NoError(t, err)
	assert.Equal(t, 3, thread.Turns())
	assert.Equal(t, StopCircular, thread.StopReason)
}

func TestRunFailureStillSynthesizes(t *testing.T) {
	boom := errors.New("backend down")
	sender := &scriptedSender{reply: func(n int, agent, _ string) (string, error) {
		if n == 1 {
			return "", boom
		}
		return "ok " + agent, nil
	}}
	m := New(sender, Config{}, discardLogger())

	thread, err := m.Run(context.Background(), request(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, thread)
	assert.Equal(t, StopError, thread.StopReason)
	assert.Equal(t, 1, thread.Turns())
	_, ok := thread.Synthesis()
	assert.True(t, ok, "synthesis is attempted over the partial transcript")
	assert.Equal(t, 3, sender.count())
}

func TestRunFallbackReplyEndsConversation(t *testing.T) {
	sender := &scriptedSender{unavailable: map[string]bool{"b": true}}
	m := New(sender, Config{}, discardLogger())

	thread, err := m.Run(context.Background(), request(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	require.NotNil(t, thread)
	assert.Equal(t, StopFallback, thread.StopReason)
	assert.Equal(t, 1, thread.Turns())

	for _, msg := range thread.Messages {
		assert.NotContains(t, msg.Message, "unavailable")
	}
	synth, ok := thread.Synthesis()
	require.True(t, ok, "the partial transcript is still synthesized")
	assert.Equal(t, "a", synth.Persona)
	assert.Equal(t, 3, sender.count())
	assert.NotContains(t, sender.callAt(2).message, "unavailable")
}

func TestRunFallbackSynthesizerIsReported(t *testing.T) {
	sender := &scriptedSender{unavailable: map[string]bool{"c": true}}
	m := New(sender, Config{Synthesizer: "c"}, discardLogger())

	thread, err := m.Run(context.Background(), request(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "synthesis")
	assert.Equal(t, StopMaxTurns, thread.StopReason)
	_, ok := thread.Synthesis()
	assert.False(t, ok)
}

func TestRunFirstTurnFailureSkipsSynthesis(t *testing.T) {
	sender := &scriptedSender{reply: func(int, string, string) (string, error) {
		return "", errors.New("down")
	}}
	m := New(sender, Config{}, discardLogger())

	thread, err := m.Run(context.Background(), request(4))
	require.Error(t, err)
	assert.Empty(t, thread.Messages)
	assert.Equal(t, 1, sender.count())
}

func TestRunSynthesisFailureIsReported(t *testing.T) {
	sender := &scriptedSender{reply: func(n int, agent, _ string) (string, error) {
		if strings.HasPrefix(agent, "a") && n == 2 {
			return "", errors.New("synth down")
		}
		return "ok", nil
	}}
	m := New(sender, Config{}, discardLogger())

	thread, err := m.Run(context.Background(), request(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis")
	assert.Equal(t, 2, thread.Turns())
	_, ok := thread.Synthesis()
	assert.False(t, ok)
}

func TestRunPromptsChainReplies(t *testing.T) {
	sender := &scriptedSender{}
	m := New(sender, Config{}, discardLogger())

	_, err := m.Run(context.Background(), request(4))
	require.NoError(t, err)

	first := sender.callAt(0).message
	assert.Contains(t, first, "Debate the following topic")
	assert.Contains(t, first, "Topic: monolith or microservices")

	second := sender.callAt(1).message
	assert.Contains(t, second, "a said:\na turn 1")
	assert.Contains(t, second, "Challenge the weakest point")

	third := sender.callAt(2).message
	assert.Contains(t, third, "This is turn 3 of 4")

	synth := sender.callAt(4).message
	assert.Contains(t, synth, "Synthesize this debate")
	assert.Contains(t, synth, "[b]: b turn 4")
}

func TestRunValidation(t *testing.T) {
	m := New(&scriptedSender{}, Config{}, discardLogger())
	ctx := context.Background()

	_, err := m.Run(ctx, Request{Topic: "  ", Participants: []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.Run(ctx, Request{Topic: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = m.Run(ctx, Request{Topic: "x", Participants: []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput, "a conversation needs two participants")

	_, err = m.Run(ctx, Request{Command: "brainstorm", Topic: "x", Participants: []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRunPersistsAndPrimesFromStore(t *testing.T) {
	store := &memStore{}
	store.Save(context.Background(), domain.TranscriptEntry{Author: "alice", Content: "we run on kubernetes"})

	sender := &scriptedSender{}
	m := New(sender, Config{}, discardLogger(), WithTranscriptStore(store))

	thread, err := m.Run(context.Background(), request(2))
	require.NoError(t, err)

	assert.Contains(t, sender.callAt(0).message, "alice: we run on kubernetes")

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.entries, 1+len(thread.Messages))
	last := store.entries[len(store.entries)-1]
	assert.Equal(t, thread.ID, last.ConversationID)
	assert.Equal(t, string(domain.InteractionSynthesize), last.Kind)
}

func TestRunMarksDriverCollaborating(t *testing.T) {
	tracker := client.NewStatusTracker()
	var during domain.AgentState
	sender := &scriptedSender{reply: func(n int, agent, _ string) (string, error) {
		if n == 1 {
			during = tracker.Status("a").State
		}
		return "ok", nil
	}}
	m := New(sender, Config{}, discardLogger(), WithStatusTracker(tracker))

	_, err := m.Run(context.Background(), request(2))
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollaborating, during)
	assert.Equal(t, domain.StateIdle, tracker.Status("a").State)
}

func TestRunTurnDelayHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &scriptedSender{reply: func(n int, _, _ string) (string, error) {
		cancel()
		return "ok", nil
	}}
	m := New(sender, Config{TurnDelay: time.Hour}, discardLogger())

	start := time.Now()
	thread, err := m.Run(ctx, request(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StopCancelled, thread.StopReason)
	assert.Equal(t, 1, sender.count(), "no synthesis after cancellation")
}

func TestStreamYieldsMessagesThenDone(t *testing.T) {
	m := New(&scriptedSender{}, Config{}, discardLogger())

	var chunks []domain.Chunk
	for c := range m.Stream(context.Background(), request(3)) {
		chunks = append(chunks, c)
	}

	require.Len(t, chunks, 5)
	assert.Equal(t, "a", chunks[0].Persona)
	assert.Equal(t, "a turn 1", chunks[0].Text)
	assert.Equal(t, "b", chunks[1].Persona)
	assert.True(t, chunks[4].Done)
	assert.NoError(t, chunks[4].Err)
}

func TestStreamCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New(&scriptedSender{}, Config{TurnDelay: 10 * time.Millisecond}, discardLogger())

	ch := m.Stream(ctx, request(4))
	first := <-ch
	assert.Equal(t, "a turn 1", first.Text)
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}
