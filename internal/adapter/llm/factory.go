package llm

import (
	"context"
	"fmt"
	"log/slog"

	"colloquy/internal/infra/config"
)

// NewProvider constructs the provider for one configured entry.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (Provider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	case "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "bedrock":
		return NewBedrockProvider(ctx, cfg, logger)
	case "demo":
		return NewDemoProvider(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}

// BuildRegistry creates every configured provider and wraps those with
// fallbacks in a FailoverProvider registered under the original name.
func BuildRegistry(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Registry, error) {
	base := make(map[string]Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := NewProvider(ctx, pc, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		base[pc.Name] = p
	}

	reg := NewRegistry(cfg.DefaultProvider)
	for _, pc := range cfg.Providers {
		p := base[pc.Name]
		if len(pc.Fallbacks) > 0 {
			fallbacks := make([]Provider, 0, len(pc.Fallbacks))
			for _, name := range pc.Fallbacks {
				fb, ok := base[name]
				if !ok {
					return nil, fmt.Errorf("provider %q: unknown fallback %q", pc.Name, name)
				}
				fallbacks = append(fallbacks, fb)
			}
			p = NewFailoverProvider(p, fallbacks, logger)
		}
		if err := reg.RegisterAs(pc.Name, p); err != nil {
			return nil, err
		}
		logger.Debug("llm provider registered", "name", pc.Name, "type", pc.Type, "fallbacks", len(pc.Fallbacks))
	}
	return reg, nil
}
