package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default retry settings.
const (
	defaultRetryBaseDelay = time.Second
	defaultRetryMaxDelay  = 60 * time.Second
)

// RetryConfig configures exponential backoff with jitter.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a Permanent error, ctx ends, or
// MaxRetries retries have been spent. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, logger *slog.Logger, op func() error) error {
	if cfg.MaxRetries <= 0 {
		err := op()
		if perm, ok := err.(*backoff.PermanentError); ok {
			return perm.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultRetryBaseDelay
	}
	b.MaxInterval = cfg.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = defaultRetryMaxDelay
	}
	b.MaxElapsedTime = 0

	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)
	return backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		attempt++
		logger.Warn("call failed, retrying",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"wait", wait,
			"error", err,
		)
	})
}
