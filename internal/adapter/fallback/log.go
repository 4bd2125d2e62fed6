package fallback

import (
	"context"
	"log/slog"

	"colloquy/internal/domain"
)

var _ domain.FallbackChannel = (*LogChannel)(nil)

// LogChannel records fallback notices in the process log. It is the default
// when no team chat is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log-backed fallback channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

// Notify implements domain.FallbackChannel.
func (l *LogChannel) Notify(_ context.Context, notice domain.FallbackNotice) error {
	l.logger.Warn("agent unavailable, fallback engaged",
		"agent", notice.AgentID,
		"conversation", notice.ConversationID,
		"error", notice.ErrorSummary,
		"at", notice.Timestamp,
	)
	return nil
}
