// File: internal/llmclient/factory_test.go
package llmclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidprobe/internal/config"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := config.LLMConfig{Provider: "anthropic", APIKey: "k"}
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown LLM provider")
	assert.Contains(t, err.Error(), "anthropic")
}

func TestNewBuildsOpenAIClient(t *testing.T) {
	cfg := config.LLMConfig{
		Provider:      config.ProviderOpenAI,
		PowerfulModel: "gpt-4o",
		APIKey:        "k",
		APITimeout:    time.Minute,
	}
	client, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.IsType(t, &OpenAIClient{}, client)
	assert.NoError(t, client.Close())
}

func TestNewBuildsGeminiClient(t *testing.T) {
	cfg := config.LLMConfig{
		Provider:      config.ProviderGemini,
		PowerfulModel: "gemini-2.5-pro",
		APIKey:        "k",
	}
	client, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.IsType(t, &GeminiClient{}, client)
	// The SDK client holds no releasable resources; Close must be a no-op
	// that is safe to call more than once.
	assert.NoError(t, client.Close())
	assert.NoError(t, client.Close())
}

func TestNewRequiresAPIKeyPerProvider(t *testing.T) {
	for _, provider := range []config.LLMProvider{config.ProviderGemini, config.ProviderOpenAI} {
		cfg := config.LLMConfig{Provider: provider}
		_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err, "provider %s must demand an API key", provider)
	}
}

func TestIsTransientAPIError(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"googleapi: Error 429: Resource has been exhausted", true},
		{"rpc error: code = Unavailable desc = service overloaded", true},
		{"Error 500: internal error", true},
		{"context deadline exceeded", true},
		{"googleapi: Error 400: invalid argument", false},
		{"invalid api key", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, isTransientAPIError(errors.New(tc.msg)), "message %q", tc.msg)
	}
}
