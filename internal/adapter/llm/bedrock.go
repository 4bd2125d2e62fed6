package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"colloquy/internal/domain"
	"colloquy/internal/infra/config"
	"colloquy/internal/infra/tracer"
)

const (
	defaultBedrockRegion = "us-east-1"
	defaultBedrockModel  = "anthropic.claude-3-haiku-20240307-v1:0"
)

// bedrockConverseAPI abstracts the Bedrock runtime call for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider completes requests through the AWS Bedrock Converse API.
type BedrockProvider struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	client      bedrockConverseAPI
	logger      *slog.Logger
}

// NewBedrockProvider creates a Bedrock provider using the default AWS credential chain.
func NewBedrockProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
		awsconfig.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newBedrockProviderWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

// newBedrockProviderWithClient creates a BedrockProvider with an injected client.
func newBedrockProviderWithClient(cfg config.ProviderConfig, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	return &BedrockProvider{
		name:        cfg.Name,
		model:       model,
		maxTokens:   orDefault(cfg.MaxTokens, defaultMaxTokens),
		temperature: temperature,
		client:      client,
		logger:      logger,
	}
}

// Complete implements Provider.
func (p *BedrockProvider) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := startSpan(ctx, p.name, p.model, req)
	defer span.End()

	output, err := p.client.Converse(ctx, p.converseInput(req))
	if err != nil {
		err = mapBedrockError(p.name, err)
		tracer.RecordError(span, err)
		return "", err
	}

	text, usage := fromConverseOutput(output)
	if text == "" {
		err := fmt.Errorf("%w: %s: empty completion", domain.ErrProviderError, p.name)
		tracer.RecordError(span, err)
		return "", err
	}

	finishSpan(span, p.logger, p.name, p.model, usage)
	return text, nil
}

// Name implements Provider.
func (p *BedrockProvider) Name() string { return p.name }

func (p *BedrockProvider) converseInput(req Request) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(p.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Message}},
		}},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(orDefault(req.MaxTokens, p.maxTokens))),
			Temperature: aws.Float32(float32(p.temperature)),
		},
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}
	return input
}

func fromConverseOutput(output *bedrockruntime.ConverseOutput) (string, Usage) {
	var usage Usage
	if output.Usage != nil {
		usage.PromptTokens = int(aws.ToInt32(output.Usage.InputTokens))
		usage.CompletionTokens = int(aws.ToInt32(output.Usage.OutputTokens))
	}

	var b strings.Builder
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*types.ContentBlockMemberText); ok {
				b.WriteString(t.Value)
			}
		}
	}
	return strings.TrimSpace(b.String()), usage
}

func mapBedrockError(provider string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return fmt.Errorf("%w: %s: %v", domain.ErrRateLimited, provider, err)
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return fmt.Errorf("%w: %s: %v", domain.ErrAuthInvalid, provider, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderError, provider, err)
}
