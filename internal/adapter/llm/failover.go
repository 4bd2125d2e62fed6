package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"colloquy/internal/domain"
)

var _ Provider = (*FailoverProvider)(nil)

// FailoverProvider wraps a primary provider with fallback providers.
// If the primary fails, it tries each fallback in order.
type FailoverProvider struct {
	primary   Provider
	fallbacks []Provider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover-capable provider.
func NewFailoverProvider(primary Provider, fallbacks []Provider, logger *slog.Logger) *FailoverProvider {
	return &FailoverProvider{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Complete tries the primary provider first, then each fallback on failure.
// Cancellation stops the chain. When every provider fails the returned error
// still matches the last provider's sentinel.
func (f *FailoverProvider) Complete(ctx context.Context, req Request) (string, error) {
	out, err := f.primary.Complete(ctx, req)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	f.logger.Warn("primary provider failed, trying fallbacks",
		"primary", f.primary.Name(), "agent", req.Agent, "error", err)

	failures := []string{fmt.Sprintf("%s: %v", f.primary.Name(), err)}
	last := err

	for _, fb := range f.fallbacks {
		out, err = fb.Complete(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "provider", fb.Name(), "agent", req.Agent)
			return out, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		f.logger.Warn("fallback provider failed", "provider", fb.Name(), "error", err)
		failures = append(failures, fmt.Sprintf("%s: %v", fb.Name(), err))
		last = err
	}

	if len(f.fallbacks) == 0 {
		return "", last
	}
	return "", fmt.Errorf("all providers failed [%s]: %w", strings.Join(failures, "; "), unwrapSentinel(last))
}

// Name returns a composite name.
func (f *FailoverProvider) Name() string {
	return f.primary.Name() + "+failover"
}

// unwrapSentinel keeps the failure classifiable without repeating its text.
func unwrapSentinel(err error) error {
	for _, s := range []error{domain.ErrRateLimited, domain.ErrAuthInvalid, domain.ErrProviderError} {
		if errors.Is(err, s) {
			return s
		}
	}
	return domain.ErrProviderError
}
