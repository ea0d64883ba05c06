// internal/llmclient/openai.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIClient implements schemas.LLMClient against the chat completions API.
type OpenAIClient struct {
	logger         *zap.Logger
	apiKey         string
	endpoint       string
	powerfulModel  string
	fastModel      string
	temperature    float64
	maxTokens      int
	httpClient     *http.Client
	backoffFactory func() backoff.BackOff
}

// -- Chat Completions Request/Response Structures (internal to this file) --

type openAIImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequestPayload struct {
	Model               string                `json:"model"`
	Messages            []openAIMessage       `json:"messages"`
	MaxCompletionTokens int                   `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	ResponseFormat      *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponsePayload struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient initializes the client.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	return &OpenAIClient{
		logger:         logger.Named("llm_client.openai"),
		apiKey:         cfg.APIKey,
		endpoint:       endpoint,
		powerfulModel:  cfg.PowerfulModel,
		fastModel:      cfg.FastModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		httpClient:     &http.Client{Timeout: cfg.APITimeout},
		backoffFactory: defaultBackoffFactory,
	}, nil
}

func (c *OpenAIClient) modelFor(tier schemas.ModelTier) string {
	if tier == schemas.TierFast && c.fastModel != "" {
		return c.fastModel
	}
	return c.powerfulModel
}

// Generate sends the request and returns the completion text, retrying rate
// limits and server errors with exponential backoff.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	payload := c.buildRequestPayload(req)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request payload: %w", err)
	}

	var responseContent string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.logger.Warn("network error during LLM request, retrying", zap.Error(err))
			return fmt.Errorf("executing HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var responsePayload openAIResponsePayload
		if err := json.Unmarshal(respBody, &responsePayload); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding response payload: %w", err))
		}
		if len(responsePayload.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("OpenAI API returned no choices"))
		}

		c.logger.Info("LLM generation complete",
			zap.String("model", payload.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", responsePayload.Usage.PromptTokens),
			zap.Int("completion_tokens", responsePayload.Usage.CompletionTokens))

		responseContent = responsePayload.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return responseContent, nil
}

func (c *OpenAIClient) buildRequestPayload(req schemas.GenerationRequest) openAIRequestPayload {
	var content []openAIContentPart
	if len(req.ImagePNG) > 0 {
		content = append(content, openAIContentPart{
			Type: "image_url",
			ImageURL: &openAIImageURL{
				URL:    "data:image/png;base64," + base64.StdEncoding.EncodeToString(req.ImagePNG),
				Detail: "high",
			},
		})
	}
	content = append(content, openAIContentPart{Type: "text", Text: req.UserPrompt})

	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{
			Role:    "system",
			Content: []openAIContentPart{{Type: "text", Text: req.SystemPrompt}},
		})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: content})

	model := c.modelFor(req.Tier)
	payload := openAIRequestPayload{
		Model:    model,
		Messages: messages,
	}
	if req.Options.MaxOutputTokens > 0 {
		payload.MaxCompletionTokens = req.Options.MaxOutputTokens
	} else if c.maxTokens > 0 {
		payload.MaxCompletionTokens = c.maxTokens
	}

	// gpt-5 family models reject explicit sampling settings and run at their
	// fixed defaults instead.
	if !strings.HasPrefix(model, "gpt-5") {
		temperature := req.Options.Temperature
		if temperature == 0 {
			temperature = c.temperature
		}
		payload.Temperature = &temperature
	}
	if req.Options.ForceJSONFormat {
		payload.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}
	return payload
}

func (c *OpenAIClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Error("OpenAI API returned error status",
		zap.Int("status", statusCode),
		zap.String("response", truncateForLog(string(body), 500)))
	err := fmt.Errorf("OpenAI API error: status %d, body: %s", statusCode, truncateForLog(string(body), 500))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusBadGateway:
		return err // Transient, retry.
	default:
		return backoff.Permanent(err)
	}
}

// Close releases idle connections held by the HTTP client.
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
