// internal/llmclient/factory.go

// Package llmclient provides the model provider implementations behind
// schemas.LLMClient. The provider is chosen once at startup; everything above
// this package talks to the interface and never branches on provider.
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
)

// New creates an LLMClient for the configured provider.
func New(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q, supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}
