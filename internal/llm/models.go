package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ModelFactory builds a langchaingo model from a provider config.
type ModelFactory func(ctx context.Context, cfg ProviderConfig) (llms.Model, error)

// NewModel is the default ModelFactory.
func NewModel(ctx context.Context, cfg ProviderConfig) (llms.Model, error) {
	if cfg.Provider != Ollama && !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("%w: %s has no API key", ErrNoProvider, cfg.Provider)
	}

	switch cfg.Provider {
	case Anthropic:
		opts := []anthropic.Option{
			anthropic.WithToken(cfg.APIKey.Value()),
			anthropic.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)

	case OpenAI:
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey.Value()),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)

	case GoogleAI:
		return googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey.Value()),
			googleai.WithDefaultModel(cfg.Model),
		)

	case Ollama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
