package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"colloquy/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.MessageHandler
}

type monitor struct {
	id      uint64
	handler domain.EventHandler
}

// DefaultMaxPending caps the queue held for each agent without a subscriber.
const DefaultMaxPending = 100

// Option configures a Bus.
type Option func(*Bus)

// WithMaxPending sets the per-agent queue cap. Values below one keep the default.
func WithMaxPending(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// Bus is an in-process, goroutine-safe message router between agents.
//
// Delivery to agent handlers is synchronous and follows subscription order.
// Messages addressed to an agent with no subscriber are held in a per-agent
// queue and flushed, in arrival order, when that agent first subscribes.
// The queue is bounded; when full, the oldest message is dropped.
// Every emission also raises an observability event to monitors; monitors
// run in their own goroutines and Close waits for them.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]subscription
	known    map[string]struct{}
	order    []string // known agent IDs in registration order
	pending  map[string][]domain.AgentMessage
	monitors []monitor

	maxPending int
	nextID   atomic.Uint64
	logger   *slog.Logger
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string][]subscription),
		known:      make(map[string]struct{}),
		pending:    make(map[string][]domain.AgentMessage),
		logger:     logger,
		maxPending: DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register marks agentID as known without subscribing, so broadcasts
// queue for it until it subscribes.
func (b *Bus) Register(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerLocked(agentID)
}

func (b *Bus) registerLocked(agentID string) {
	if _, ok := b.known[agentID]; ok {
		return
	}
	b.known[agentID] = struct{}{}
	b.order = append(b.order, agentID)
}

// Known returns every known agent ID in registration order.
func (b *Bus) Known() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// Subscribe registers a handler for messages addressed to agentID. Messages
// queued for agentID before its first subscription are delivered to this
// handler immediately, in arrival order, and then discarded. If ctx is
// cancelled mid-flush, the undelivered remainder goes back to the front of
// the queue for the next subscriber.
// Returns an unsubscribe function for this handler only.
func (b *Bus) Subscribe(ctx context.Context, agentID string, handler domain.MessageHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.registerLocked(agentID)
	b.subs[agentID] = append(b.subs[agentID], subscription{id: id, handler: handler})
	backlog := b.pending[agentID]
	delete(b.pending, agentID)
	b.mu.Unlock()

	if len(backlog) > 0 {
		b.logger.Debug("flushing queued messages", "agent", agentID, "count", len(backlog))
	}
	for i, msg := range backlog {
		if ctx.Err() != nil {
			b.requeue(agentID, backlog[i:])
			break
		}
		b.deliver(ctx, agentID, subscription{id: id, handler: handler}, msg)
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[agentID]
		for i, s := range subs {
			if s.id == id {
				b.subs[agentID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[agentID]) == 0 {
			delete(b.subs, agentID)
		}
	}
}

// Unsubscribe removes every handler for agentID. The agent stays known.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, agentID)
}

// SubscribeAll registers a monitor that receives the observability event of
// every emission. Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.monitors = append(b.monitors, monitor{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, m := range b.monitors {
			if m.id == id {
				b.monitors = append(b.monitors[:i], b.monitors[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers msg to every handler of every target in msg.To. Targets
// without a subscriber get the message queued. The observability event is
// raised regardless of delivery outcome. ctx is checked before each target.
func (b *Bus) Emit(ctx context.Context, msg domain.AgentMessage) {
	if b.closed.Load() {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.To = append([]string(nil), msg.To...)

	b.Publish(ctx, domain.Event{
		Type:        domain.EventMessageEmitted,
		SourceAgent: msg.From,
		Message:     msg,
		Timestamp:   msg.Timestamp,
	})

	for _, target := range msg.To {
		if ctx.Err() != nil {
			b.logger.Debug("emit cancelled", "from", msg.From, "remaining_target", target)
			return
		}

		b.mu.Lock()
		b.registerLocked(target)
		subs := append([]subscription(nil), b.subs[target]...)
		dropped := 0
		if len(subs) == 0 {
			dropped = b.enqueueLocked(target, msg)
		}
		b.mu.Unlock()

		if dropped > 0 {
			b.logger.Warn("pending queue full, dropped oldest", "agent", target, "dropped", dropped, "max", b.maxPending)
		}

		if len(subs) == 0 {
			b.Publish(ctx, domain.Event{
				Type:        domain.EventMessageQueued,
				SourceAgent: msg.From,
				Message:     msg,
				Timestamp:   time.Now(),
			})
			continue
		}
		for _, sub := range subs {
			b.deliver(ctx, target, sub, msg)
		}
	}
}

// Broadcast emits content from one agent to every other known agent.
func (b *Bus) Broadcast(ctx context.Context, from, content, conversationID string) {
	var targets []string
	for _, id := range b.Known() {
		if id != from {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return
	}
	b.Emit(ctx, domain.AgentMessage{
		From:           from,
		To:             targets,
		Type:           domain.MessageBroadcast,
		Content:        content,
		Timestamp:      time.Now(),
		ConversationID: conversationID,
	})
}

// Pending returns how many messages are queued for agentID.
func (b *Bus) Pending(agentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending[agentID])
}

// enqueueLocked appends msg to target's queue, trimming from the front to
// stay within maxPending. It returns how many messages were dropped.
func (b *Bus) enqueueLocked(target string, msg domain.AgentMessage) int {
	q := append(b.pending[target], msg)
	dropped := 0
	if over := len(q) - b.maxPending; over > 0 {
		q = append([]domain.AgentMessage(nil), q[over:]...)
		dropped = over
	}
	b.pending[target] = q
	return dropped
}

// requeue puts undelivered messages back ahead of anything queued since.
func (b *Bus) requeue(agentID string, rest []domain.AgentMessage) {
	b.mu.Lock()
	q := append(append([]domain.AgentMessage(nil), rest...), b.pending[agentID]...)
	if over := len(q) - b.maxPending; over > 0 {
		q = q[over:]
	}
	b.pending[agentID] = q
	b.mu.Unlock()
	b.logger.Debug("flush interrupted, requeued", "agent", agentID, "count", len(rest))
}

// deliver invokes one handler synchronously. Panicking handlers are recovered.
func (b *Bus) deliver(ctx context.Context, target string, sub subscription, msg domain.AgentMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked",
				"agent", target,
				"from", msg.From,
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, msg)
}

// Publish fans out an observability event to all monitors.
// Each monitor is invoked in its own goroutine. Panicking monitors are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	monitors := make([]monitor, len(b.monitors))
	copy(monitors, b.monitors)
	b.mu.RUnlock()

	for _, m := range monitors {
		b.dispatch(ctx, event, m)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, m monitor) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event monitor panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		m.handler(ctx, event)
	}()
}

// Close prevents new emissions and waits for all in-flight monitors to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
