package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"colloquy/internal/domain"
	"colloquy/internal/infra/config"
	"colloquy/internal/infra/tracer"
)

const defaultAnthropicModel = "claude-3-haiku-20240307"

// AnthropicProvider completes requests through the Anthropic Messages API.
type AnthropicProvider struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	client      anthropic.Client
	logger      *slog.Logger
}

// NewAnthropicProvider creates a provider for the Anthropic Messages API.
// Retries are left to the resilient client, so the SDK's own are disabled.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(NewHTTPClient(cfg)),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	return &AnthropicProvider{
		name:        cfg.Name,
		model:       model,
		maxTokens:   orDefault(cfg.MaxTokens, defaultMaxTokens),
		temperature: temperature,
		client:      anthropic.NewClient(opts...),
		logger:      logger,
	}
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := startSpan(ctx, p.name, p.model, req)
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(orDefault(req.MaxTokens, p.maxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Message)),
		},
		Temperature: anthropic.Float(p.temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		err = mapAnthropicError(p.name, err)
		tracer.RecordError(span, err)
		return "", err
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		err := fmt.Errorf("%w: %s: empty completion", domain.ErrProviderError, p.name)
		tracer.RecordError(span, err)
		return "", err
	}

	finishSpan(span, p.logger, p.name, p.model, Usage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	})
	return text, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

func mapAnthropicError(provider string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return mapHTTPStatus(provider, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderError, provider, err)
}

// contextError passes cancellation and deadline errors through untouched so
// the resilient client classifies them itself.
func contextError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
