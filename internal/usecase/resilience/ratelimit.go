package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"colloquy/internal/domain"
)

// Default rate limiter settings.
const (
	defaultMaxRequests  = 60
	defaultWindow       = time.Minute
	defaultMaxQueueSize = 100
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	MaxRequests  int           `yaml:"max_requests"`
	Window       time.Duration `yaml:"window"`
	MaxQueueSize int           `yaml:"max_queue_size"`
}

// queued is a call waiting for a window slot.
type queued struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// RateLimiter implements a sliding-window rate limiter with a bounded FIFO
// wait queue. It tracks timestamps of admitted calls; calls beyond the limit
// wait in the queue, and calls beyond the queue bound fail fast.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	maxQueue int
	calls    []time.Time
	queue    []*queued
	draining bool
	logger   *slog.Logger
	now      func() time.Time // for testing
}

// NewRateLimiter creates a rate limiter. Zero-valued config fields fall back
// to defaults.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaultMaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	return &RateLimiter{
		limit:    cfg.MaxRequests,
		window:   cfg.Window,
		maxQueue: cfg.MaxQueueSize,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute runs fn as soon as the window admits it. Queued calls run in FIFO
// order. When the queue is already full, Execute returns an error wrapping
// domain.ErrQueueFull without running fn. A caller whose ctx ends while
// still queued is dropped from the queue and receives ctx.Err().
func (r *RateLimiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.prune(r.now())
	if len(r.queue) == 0 && len(r.calls) < r.limit {
		r.calls = append(r.calls, r.now())
		r.mu.Unlock()
		return fn(ctx)
	}
	if len(r.queue) >= r.maxQueue {
		r.mu.Unlock()
		return fmt.Errorf("rate limiter: %w (%d pending)", domain.ErrQueueFull, r.maxQueue)
	}

	q := &queued{ctx: ctx, fn: fn, done: make(chan error, 1)}
	r.queue = append(r.queue, q)
	if !r.draining {
		r.draining = true
		go r.drain()
	}
	r.mu.Unlock()

	r.logger.Debug("rate limit reached, call queued", "pending", r.Pending())

	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		if r.remove(q) {
			return ctx.Err()
		}
		// Already dequeued by the drain loop; wait for its result.
		return <-q.done
	}
}

// drain processes queued calls one at a time, sleeping until the oldest
// timestamp leaves the window whenever no slot is free.
func (r *RateLimiter) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		now := r.now()
		r.prune(now)
		if len(r.calls) >= r.limit {
			wait := r.calls[0].Add(r.window).Sub(now)
			r.mu.Unlock()
			if wait > 0 {
				time.Sleep(wait)
			}
			continue
		}
		q := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.calls = append(r.calls, now)
		r.mu.Unlock()

		if err := q.ctx.Err(); err != nil {
			q.done <- err
			continue
		}
		q.done <- q.fn(q.ctx)
	}
}

// remove drops q from the queue. It reports false if q was already taken.
func (r *RateLimiter) remove(q *queued) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.queue {
		if p == q {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return true
		}
	}
	return false
}

// prune trims timestamps that have left the window. Caller holds r.mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	n := 0
	for _, t := range r.calls {
		if t.After(cutoff) {
			r.calls[n] = t
			n++
		}
	}
	r.calls = r.calls[:n]
}

// Allow reports whether a call would be admitted right now, and records it
// if so. It never queues.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	if len(r.queue) > 0 || len(r.calls) >= r.limit {
		return false
	}
	r.calls = append(r.calls, r.now())
	return true
}

// Pending returns the number of queued calls.
func (r *RateLimiter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Reset clears all recorded calls. Queued calls are unaffected.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = r.calls[:0]
}
