// Package fallback tells humans where to go when an agent's backend is down.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"colloquy/internal/domain"
)

// ErrThrottled is returned when a notice is dropped by the per-agent limit.
var ErrThrottled = errors.New("fallback notice throttled")

var _ domain.FallbackChannel = (*SlackChannel)(nil)

// slackPoster is the slice of the Slack API the fallback needs.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackChannel posts fallback notices to a Slack channel. Each agent may
// post at most perMinute notices per minute so an open circuit under load
// does not flood the channel.
type SlackChannel struct {
	api       slackPoster
	apiURL    string
	channel   string
	perMinute int
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// SlackOption configures the Slack fallback.
type SlackOption func(*SlackChannel)

// WithSlackAPIURL points the client at a different Slack API endpoint.
// The URL must end with a slash.
func WithSlackAPIURL(url string) SlackOption {
	return func(s *SlackChannel) { s.apiURL = url }
}

// NewSlackChannel creates a Slack fallback channel.
func NewSlackChannel(botToken, channel string, perMinute int, logger *slog.Logger, opts ...SlackOption) *SlackChannel {
	if perMinute <= 0 {
		perMinute = 6
	}
	s := &SlackChannel{
		channel:   channel,
		perMinute: perMinute,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(s)
	}
	var clientOpts []slack.Option
	if s.apiURL != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(s.apiURL))
	}
	s.api = slack.New(botToken, clientOpts...)
	return s
}

// Notify implements domain.FallbackChannel.
func (s *SlackChannel) Notify(ctx context.Context, notice domain.FallbackNotice) error {
	if !s.limiter(notice.AgentID).Allow() {
		s.logger.Debug("fallback notice throttled", "agent", notice.AgentID)
		return ErrThrottled
	}

	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(FormatNotice(notice), false),
	)
	if err != nil {
		return fmt.Errorf("slack post to %s: %w", s.channel, err)
	}
	s.logger.Info("fallback notice posted", "agent", notice.AgentID, "channel", s.channel, "ts", ts)
	return nil
}

func (s *SlackChannel) limiter(agentID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[agentID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMinute)), 1)
		s.limiters[agentID] = l
	}
	return l
}

// FormatNotice renders the human-facing fallback text.
func FormatNotice(n domain.FallbackNotice) string {
	msg := fmt.Sprintf(":warning: *%s* is temporarily unavailable: %s", n.AgentID, n.ErrorSummary)
	if n.ConversationID != "" {
		msg += fmt.Sprintf("\nConversation: `%s`", n.ConversationID)
	}
	msg += "\nPlease continue the discussion here until the agent recovers."
	return msg
}
