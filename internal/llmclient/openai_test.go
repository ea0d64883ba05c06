// File: internal/llmclient/openai_test.go
package llmclient

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
)

// setupOpenAIClient rigs up an OpenAIClient against a mock HTTP server with
// retries tightened so failure tests finish quickly.
func setupOpenAIClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := config.LLMConfig{
		Provider:      config.ProviderOpenAI,
		PowerfulModel: "gpt-4o",
		FastModel:     "gpt-4o-mini",
		APIKey:        "test-key",
		Endpoint:      server.URL,
		APITimeout:    5 * time.Second,
		Temperature:   0.2,
		MaxTokens:     1024,
	}
	client, err := NewOpenAIClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	client.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Millisecond
		b.MaxElapsedTime = 200 * time.Millisecond
		return b
	}
	return client
}

func completionResponse(text string) string {
	payload := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": text}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	}
	out, _ := json.MarshalToString(payload)
	return out
}

func TestNewOpenAIClientRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIClient(config.LLMConfig{}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestOpenAIGenerateSuccess(t *testing.T) {
	var captured openAIRequestPayload
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		io.WriteString(w, completionResponse(`{"status": "done"}`))
	})

	req := schemas.GenerationRequest{
		SystemPrompt: "You are a mobile QA planner.",
		UserPrompt:   "Plan the next step.",
		ImagePNG:     []byte{0x89, 0x50, 0x4e, 0x47},
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	}
	text, err := client.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"status": "done"}`, text)

	assert.Equal(t, "gpt-4o", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)

	// Image rides first in the user content as a base64 data URI.
	userParts := captured.Messages[1].Content
	require.Len(t, userParts, 2)
	assert.Equal(t, "image_url", userParts[0].Type)
	wantURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG)
	assert.Equal(t, wantURL, userParts[0].ImageURL.URL)
	assert.Equal(t, "text", userParts[1].Type)

	require.NotNil(t, captured.Temperature)
	assert.InDelta(t, 0.1, *captured.Temperature, 1e-9)
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
	assert.Equal(t, 1024, captured.MaxCompletionTokens)
}

func TestOpenAIGenerateFastTierPicksFastModel(t *testing.T) {
	var captured openAIRequestPayload
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		io.WriteString(w, completionResponse("ok"))
	})

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "check", Tier: schemas.TierFast})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", captured.Model)
}

func TestOpenAIGenerateOmitsTemperatureForGPT5(t *testing.T) {
	var captured openAIRequestPayload
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		io.WriteString(w, completionResponse("ok"))
	})
	client.powerfulModel = "gpt-5-mini"

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "check"})
	require.NoError(t, err)
	assert.Nil(t, captured.Temperature, "gpt-5 models reject an explicit temperature")
}

func TestOpenAIGenerateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error": {"message": "rate limited"}}`)
			return
		}
		io.WriteString(w, completionResponse("recovered"))
	})

	text, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIGenerateDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": {"message": "invalid model"}}`)
	})

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestOpenAIGenerateFailsOnEmptyChoices(t *testing.T) {
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices": []}`)
	})

	_, err := client.Generate(context.Background(), schemas.GenerationRequest{UserPrompt: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
