package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"colloquy/internal/domain"
	"colloquy/internal/infra/config"
	"colloquy/internal/infra/tracer"
)

const defaultOpenAIModel = openai.ChatModelGPT4oMini

// OpenAIProvider completes requests through the OpenAI Chat Completions API.
// Any compatible endpoint works through BaseURL.
type OpenAIProvider struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	client      openai.Client
	logger      *slog.Logger
}

// NewOpenAIProvider creates a provider for the Chat Completions API.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	opts := []openaiopt.RequestOption{
		openaiopt.WithAPIKey(cfg.APIKey),
		openaiopt.WithHTTPClient(NewHTTPClient(cfg)),
		openaiopt.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	return &OpenAIProvider{
		name:        cfg.Name,
		model:       model,
		maxTokens:   orDefault(cfg.MaxTokens, defaultMaxTokens),
		temperature: temperature,
		client:      openai.NewClient(opts...),
		logger:      logger,
	}
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := startSpan(ctx, p.name, p.model, req)
	defer span.End()

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Message))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               p.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(orDefault(req.MaxTokens, p.maxTokens))),
		Temperature:         openai.Float(p.temperature),
	})
	if err != nil {
		err = mapOpenAIError(p.name, err)
		tracer.RecordError(span, err)
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		err := fmt.Errorf("%w: %s: empty completion", domain.ErrProviderError, p.name)
		tracer.RecordError(span, err)
		return "", err
	}

	finishSpan(span, p.logger, p.name, p.model, Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	})
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

func mapOpenAIError(provider string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return mapHTTPStatus(provider, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderError, provider, err)
}
