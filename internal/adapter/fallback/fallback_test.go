package fallback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"colloquy/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func notice(agent string) domain.FallbackNotice {
	return domain.FallbackNotice{
		AgentID:        agent,
		ConversationID: "01J0CONV",
		ErrorSummary:   "circuit open",
		Timestamp:      time.Now(),
	}
}

func TestFormatNotice(t *testing.T) {
	got := FormatNotice(notice("critic"))
	assert.Contains(t, got, "*critic* is temporarily unavailable: circuit open")
	assert.Contains(t, got, "Conversation: `01J0CONV`")

	got = FormatNotice(domain.FallbackNotice{AgentID: "a", ErrorSummary: "x"})
	assert.NotContains(t, got, "Conversation")
}

func TestSlackNotifyPostsMessage(t *testing.T) {
	var (
		mu   sync.Mutex
		form url.Values
		path string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		form, path = r.PostForm, r.URL.Path
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	defer server.Close()

	ch := NewSlackChannel("xoxb-test", "C123", 6, discardLogger(), WithSlackAPIURL(server.URL+"/"))
	require.NoError(t, ch.Notify(context.Background(), notice("critic")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/chat.postMessage", path)
	assert.Equal(t, "C123", form.Get("channel"))
	assert.Contains(t, form.Get("text"), "*critic* is temporarily unavailable")
}

func TestSlackNotifyAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer server.Close()

	ch := NewSlackChannel("xoxb-test", "C404", 6, discardLogger(), WithSlackAPIURL(server.URL+"/"))
	err := ch.Notify(context.Background(), notice("critic"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

type fakePoster struct {
	mu    sync.Mutex
	posts []string
}

func (f *fakePoster) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, channelID)
	return channelID, "ts", nil
}

func TestSlackNotifyThrottlesPerAgent(t *testing.T) {
	poster := &fakePoster{}
	ch := NewSlackChannel("xoxb", "C1", 1, discardLogger())
	ch.api = poster

	ctx := context.Background()
	require.NoError(t, ch.Notify(ctx, notice("critic")))
	assert.True(t, errors.Is(ch.Notify(ctx, notice("critic")), ErrThrottled))
	require.NoError(t, ch.Notify(ctx, notice("architect")), "other agents have their own budget")

	assert.Len(t, poster.posts, 2)
}

func TestLogChannelNotify(t *testing.T) {
	var buf bytes.Buffer
	ch := NewLogChannel(slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, ch.Notify(context.Background(), notice("critic")))
	out := buf.String()
	assert.Contains(t, out, "fallback engaged")
	assert.Contains(t, out, "agent=critic")
	assert.Contains(t, out, `error="circuit open"`)
}
