package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"colloquy/internal/domain"
	"colloquy/internal/infra/tracer"
	"colloquy/internal/usecase/eventbus"
	"colloquy/internal/usecase/resilience"
)

const defaultRequestTimeout = 2 * time.Minute

// ReplyType distinguishes a live backend answer from a degraded one.
type ReplyType string

const (
	ReplyResponse ReplyType = "response"
	ReplyFallback ReplyType = "fallback"
)

// Reply is the outcome of SendMessage.
type Reply struct {
	Type    ReplyType `json:"type"`
	Agent   string    `json:"agent"`
	Message string    `json:"message"`
}

// Config tunes the client pipeline. Zero values fall back to defaults.
type Config struct {
	Breaker              resilience.BreakerConfig
	RateLimit            resilience.RateLimitConfig
	Retry                resilience.RetryConfig
	MaxConversationDepth int
	RequestTimeout       time.Duration
}

// Option configures optional collaborators.
type Option func(*Client)

// WithBus attaches an event bus for request/response/error events.
func WithBus(bus *eventbus.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithFallbackChannel attaches the channel notified when a circuit is open.
func WithFallbackChannel(ch domain.FallbackChannel) Option {
	return func(c *Client) { c.fallback = ch }
}

// WithStatusTracker shares a tracker with other components.
func WithStatusTracker(t *StatusTracker) Option {
	return func(c *Client) { c.status = t }
}

// Client sends one message to one agent through the resilience pipeline:
// depth guard, rate limiter, the agent's circuit breaker, retry, then the
// backend call bounded by a per-request timeout.
type Client struct {
	backends domain.BackendResolver
	cfg      Config
	logger   *slog.Logger

	bus      *eventbus.Bus
	fallback domain.FallbackChannel
	status   *StatusTracker

	limiter *resilience.RateLimiter
	depth   *resilience.DepthGuard

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker[string]
}

// New creates a client over the given backends.
func New(backends domain.BackendResolver, cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	c := &Client{
		backends: backends,
		cfg:      cfg,
		logger:   logger,
		limiter:  resilience.NewRateLimiter(cfg.RateLimit, logger),
		depth:    resilience.NewDepthGuard(cfg.MaxConversationDepth),
		breakers: make(map[string]*resilience.CircuitBreaker[string]),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.status == nil {
		c.status = NewStatusTracker()
	}
	return c
}

// Status returns the tracker driven by this client.
func (c *Client) Status() *StatusTracker { return c.status }

// Breaker returns the circuit breaker guarding agentID, creating it on first use.
func (c *Client) Breaker(agentID string) *resilience.CircuitBreaker[string] {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[agentID]
	if !ok {
		cb = resilience.NewCircuitBreaker[string](agentID, c.cfg.Breaker, c.logger)
		c.breakers[agentID] = cb
	}
	return cb
}

// BreakerStates reports the circuit state of every agent seen so far.
func (c *Client) BreakerStates() map[string]resilience.BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]resilience.BreakerState, len(c.breakers))
	for id, cb := range c.breakers {
		out[id] = cb.State()
	}
	return out
}

// SendMessage delivers message to agentID. When the agent's circuit refuses
// the call, the reply is of type fallback and the fallback channel is
// notified; this is not an error. Depth refusals, a full rate-limiter queue,
// timeouts and backend failures are returned as errors.
func (c *Client) SendMessage(ctx context.Context, message, agentID, conversationID string) (*Reply, error) {
	const op = "Client.SendMessage"

	release, err := c.depth.Enter(resilience.DepthKey(agentID, message))
	if err != nil {
		c.logger.Warn("conversation depth limit reached", "agent", agentID, "conversation", conversationID)
		return nil, domain.WrapOp(op, err)
	}
	defer release()

	ctx, span := tracer.StartSpan(ctx, "client.send_message")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("agent.id", agentID),
		tracer.StringAttr("conversation.id", conversationID),
	)

	backend, err := c.backends.Resolve(agentID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp(op, err)
	}

	c.status.Set(agentID, domain.StateThinking, nil)
	c.publish(ctx, domain.EventAgentRequest, domain.AgentMessage{
		From:           conversationID,
		To:             []string{agentID},
		Type:           domain.MessageRequest,
		Content:        message,
		ConversationID: conversationID,
	})

	var answer string
	err = c.limiter.Execute(ctx, func(ctx context.Context) error {
		out, err := c.Breaker(agentID).Execute(ctx, func(ctx context.Context) (string, error) {
			return c.callWithRetry(ctx, backend, message, agentID)
		}, nil)
		answer = out
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrCircuitOpen):
		tracer.RecordError(span, err)
		return c.fallbackReply(ctx, agentID, conversationID, err), nil
	default:
		tracer.RecordError(span, err)
		c.status.Set(agentID, domain.StateError, err)
		c.publish(ctx, domain.EventAgentError, domain.AgentMessage{
			From:           agentID,
			Type:           domain.MessageError,
			Content:        err.Error(),
			ConversationID: conversationID,
		})
		c.logger.Error("agent call failed", "agent", agentID, "backend", backend.Name(), "error", err)
		return nil, domain.WrapOp(op, err)
	}

	c.status.Set(agentID, domain.StateResponding, nil)
	c.publish(ctx, domain.EventAgentResponse, domain.AgentMessage{
		From:           agentID,
		To:             []string{conversationID},
		Type:           domain.MessageResponse,
		Content:        answer,
		ConversationID: conversationID,
	})
	c.status.Set(agentID, domain.StateIdle, nil)

	tracer.SetOK(span)
	return &Reply{Type: ReplyResponse, Agent: agentID, Message: answer}, nil
}

// callWithRetry is one breaker attempt. Transient failures are retried with
// backoff; the breaker sees only the final outcome.
func (c *Client) callWithRetry(ctx context.Context, backend domain.Backend, message, agentID string) (string, error) {
	var out string
	err := resilience.Retry(ctx, c.cfg.Retry, c.logger, func() error {
		reply, err := c.invoke(ctx, backend, message, agentID)
		if err != nil {
			if !domain.IsRetryableError(err) {
				return resilience.Permanent(err)
			}
			return err
		}
		out = reply
		return nil
	})
	return out, err
}

// invoke performs a single backend call under the per-request timeout.
// Every failure is classified as timeout, cancellation, rejected credentials
// or provider error.
func (c *Client) invoke(ctx context.Context, backend domain.Backend, message, agentID string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	reply, err := backend.Call(callCtx, message, agentID)
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%s after %s: %w", agentID, c.cfg.RequestTimeout, domain.ErrTimeout)
	}
	if errors.Is(err, domain.ErrProviderError) || errors.Is(err, domain.ErrAuthInvalid) {
		return "", err
	}
	return "", fmt.Errorf("%s: %w: %v", backend.Name(), domain.ErrProviderError, err)
}

func (c *Client) fallbackReply(ctx context.Context, agentID, conversationID string, reason error) *Reply {
	c.status.Set(agentID, domain.StateError, reason)
	c.publish(ctx, domain.EventAgentFallback, domain.AgentMessage{
		From:           agentID,
		Type:           domain.MessageError,
		Content:        reason.Error(),
		ConversationID: conversationID,
	})

	if c.fallback != nil {
		notice := domain.FallbackNotice{
			AgentID:        agentID,
			ConversationID: conversationID,
			ErrorSummary:   reason.Error(),
			Timestamp:      time.Now(),
		}
		if err := c.fallback.Notify(ctx, notice); err != nil {
			c.logger.Warn("fallback channel notify failed", "agent", agentID, "error", err)
		}
	}

	return &Reply{
		Type:    ReplyFallback,
		Agent:   agentID,
		Message: fmt.Sprintf("%s is temporarily unavailable. The team channel has been notified; please try again shortly.", agentID),
	}
}

func (c *Client) publish(ctx context.Context, typ domain.EventType, msg domain.AgentMessage) {
	if c.bus == nil {
		return
	}
	msg.Timestamp = time.Now()
	c.bus.Publish(ctx, domain.Event{
		Type:        typ,
		SourceAgent: msg.From,
		Message:     msg,
		Timestamp:   msg.Timestamp,
	})
}
