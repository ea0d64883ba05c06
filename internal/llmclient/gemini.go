// internal/llmclient/gemini.go
package llmclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
)

// GeminiClient implements schemas.LLMClient on the official Gemini SDK. One
// client serves both tiers; the request's tier picks the model name.
type GeminiClient struct {
	logger         *zap.Logger
	client         *genai.Client
	powerfulModel  string
	fastModel      string
	temperature    float64
	maxTokens      int
	backoffFactory func() backoff.BackOff
}

// NewGeminiClient initializes the SDK client and verifies required settings.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	return &GeminiClient{
		logger:         logger.Named("llm_client.gemini"),
		client:         client,
		powerfulModel:  cfg.PowerfulModel,
		fastModel:      cfg.FastModel,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		backoffFactory: defaultBackoffFactory,
	}, nil
}

func defaultBackoffFactory() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// modelFor picks the configured model name for the requested tier, defaulting
// to the powerful one.
func (c *GeminiClient) modelFor(tier schemas.ModelTier) string {
	if tier == schemas.TierFast && c.fastModel != "" {
		return c.fastModel
	}
	return c.powerfulModel
}

// Generate sends the request to the Gemini API, retrying transient API
// trouble with exponential backoff.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	model := c.modelFor(req.Tier)
	contents, genCfg := c.buildRequest(req)

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, model, contents, genCfg)
		if err != nil {
			if isTransientAPIError(err) {
				c.logger.Warn("transient Gemini API error, retrying", zap.Error(err))
				return err
			}
			return backoff.Permanent(fmt.Errorf("gemini generation failed: %w", err))
		}

		text = resp.Text()
		if text == "" {
			return backoff.Permanent(fmt.Errorf("gemini returned an empty completion"))
		}
		c.logger.Info("LLM generation complete",
			zap.String("model", model),
			zap.Duration("duration", time.Since(start)),
			zap.Int("response_chars", len(text)))
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

// buildRequest assembles the SDK content list and generation config.
func (c *GeminiClient) buildRequest(req schemas.GenerationRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	parts := []*genai.Part{genai.NewPartFromText(req.UserPrompt)}
	if len(req.ImagePNG) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.ImagePNG, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if req.Options.TopP > 0 {
		genCfg.TopP = genai.Ptr(float32(req.Options.TopP))
	}
	if req.Options.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = int32(req.Options.MaxOutputTokens)
	} else if c.maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.maxTokens)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	return contents, genCfg
}

// Close satisfies schemas.LLMClient. The Gemini SDK client wraps a plain
// http.Client and exposes nothing to release, so there is no cleanup to do.
func (c *GeminiClient) Close() error {
	return nil
}

// isTransientAPIError recognizes rate limiting and server-side trouble worth
// retrying. The SDK wraps HTTP status into the error text.
func isTransientAPIError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "503", "rate limit", "overloaded", "unavailable", "deadline exceeded", "connection reset"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
