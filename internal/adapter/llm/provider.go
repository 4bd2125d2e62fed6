// Package llm adapts language-model vendors to the domain.Backend port.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"colloquy/internal/domain"
	"colloquy/internal/infra/tracer"
)

// Default generation limits, matching the short conversational turns agents take.
const (
	defaultMaxTokens   = 300
	defaultTemperature = 0.7
)

// Request is one completion: a persona system prompt and a single user turn.
type Request struct {
	Agent     string
	System    string
	Message   string
	MaxTokens int
}

// Provider produces a completion for a Request.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// Usage is the token accounting reported by a vendor.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// startSpan opens the span shared by every vendor call.
func startSpan(ctx context.Context, provider, model string, req Request) (context.Context, trace.Span) {
	return tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", provider),
			tracer.StringAttr("llm.model", model),
			tracer.StringAttr("agent", req.Agent),
		),
	)
}

// finishSpan records usage and logs the standard debug line after a call.
func finishSpan(span trace.Span, logger *slog.Logger, provider, model string, usage Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
	tracer.SetOK(span)
	logger.Debug("llm completion",
		"provider", provider,
		"model", model,
		"tokens", usage.PromptTokens+usage.CompletionTokens,
	)
}

// mapHTTPStatus maps a vendor HTTP status to a domain error so the resilient
// client can decide whether to retry and the breaker can count the failure.
func mapHTTPStatus(provider string, statusCode int, cause error) error {
	detail := fmt.Sprintf("%s: API error %d: %v", provider, statusCode, cause)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
