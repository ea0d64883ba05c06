// internal/reasoner/verifier.go
package reasoner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/llmclient"
)

// Verifier independently judges claims against the current screen. It never
// sees the planner's reasoning, only the claim and the evidence, so the model
// cannot talk itself into success.
type Verifier struct {
	logger *zap.Logger
	client schemas.LLMClient
}

// NewVerifier wires a verifier to the injected model client.
func NewVerifier(client schemas.LLMClient, logger *zap.Logger) *Verifier {
	return &Verifier{
		logger: logger.Named("verifier"),
		client: client,
	}
}

// Check asks whether the claim holds on the given screen. Transport failures
// come back as errors; an answer that cannot be parsed comes back as an
// unsatisfied verdict, because an unverifiable claim is an unproven one.
func (v *Verifier) Check(ctx context.Context, claim string, obs *schemas.Observation, screenshot []byte, extraContext string) (Verdict, error) {
	response, err := v.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: verifierSystemPrompt,
		UserPrompt:   buildVerifierUserPrompt(claim, obs, extraContext),
		ImagePNG:     screenshot,
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			Temperature:     retryTemperature,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("verifier generation failed: %w", err)
	}

	var verdict Verdict
	if err := llmclient.ExtractJSON(response, &verdict); err != nil {
		v.logger.Warn("verifier response did not parse, treating claim as unsatisfied",
			zap.String("response", truncateForLog(response)),
			zap.Error(err))
		return Verdict{Satisfied: false, Evidence: "verifier response was not parsable"}, nil
	}

	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}

	v.logger.Debug("claim checked",
		zap.String("claim", claim),
		zap.Bool("satisfied", verdict.Satisfied),
		zap.Float64("confidence", verdict.Confidence))
	return verdict, nil
}
