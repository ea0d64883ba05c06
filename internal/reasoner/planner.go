// internal/reasoner/planner.go
package reasoner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/llmclient"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

const (
	planTemperature = 0.1
	// The strict retry runs fully deterministic.
	retryTemperature = 0.0
)

// Planner asks the model for the next move. It owns prompt assembly and
// response parsing, including one stricter re-ask when the first answer does
// not parse; everything beyond that is the caller's failure to count.
type Planner struct {
	logger *zap.Logger
	client schemas.LLMClient
}

// NewPlanner wires a planner to the injected model client.
func NewPlanner(client schemas.LLMClient, logger *zap.Logger) *Planner {
	return &Planner{
		logger: logger.Named("planner"),
		client: client,
	}
}

// rawDecision is the wire shape the model is instructed to produce.
type rawDecision struct {
	Decision  string              `json:"decision"`
	Action    vocabulary.Proposal `json:"action"`
	Claim     string              `json:"claim"`
	Rationale string              `json:"rationale"`
}

// PlanNext produces one decision for the current step. A response that fails
// to parse triggers exactly one stricter re-ask at temperature zero; if that
// also fails the error is returned for the session's planning-error counter.
func (p *Planner) PlanNext(ctx context.Context, req PlanRequest) (Decision, error) {
	userPrompt := buildPlannerUserPrompt(req)

	response, err := p.generate(ctx, userPrompt, req.Screenshot, planTemperature)
	if err != nil {
		return Decision{}, err
	}

	decision, parseErr := parseDecision(response)
	if parseErr == nil {
		return decision, nil
	}

	p.logger.Warn("planner response did not parse, re-asking strictly",
		zap.String("response", truncateForLog(response)),
		zap.Error(parseErr))

	strictPrompt := fmt.Sprintf(
		"Your previous response could not be used: %v.\nAnswer again with ONLY one valid JSON object in the required format, nothing else.\n\n%s",
		parseErr, userPrompt)
	response, err = p.generate(ctx, strictPrompt, req.Screenshot, retryTemperature)
	if err != nil {
		return Decision{}, err
	}
	decision, parseErr = parseDecision(response)
	if parseErr != nil {
		return Decision{}, fmt.Errorf("planner response unusable after strict retry: %w", parseErr)
	}
	return decision, nil
}

func (p *Planner) generate(ctx context.Context, userPrompt string, screenshot []byte, temperature float64) (string, error) {
	response, err := p.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: plannerSystemPrompt,
		UserPrompt:   userPrompt,
		ImagePNG:     screenshot,
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			Temperature:     temperature,
			ForceJSONFormat: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("planner generation failed: %w", err)
	}
	return response, nil
}

// parseDecision turns raw model text into a typed Decision.
func parseDecision(response string) (Decision, error) {
	var raw rawDecision
	if err := llmclient.ExtractJSON(response, &raw); err != nil {
		return Decision{}, err
	}

	switch DecisionKind(raw.Decision) {
	case DecideAct:
		if raw.Action.Name == "" {
			return Decision{}, fmt.Errorf("act decision is missing its action")
		}
		proposal := raw.Action
		if proposal.Rationale == "" {
			proposal.Rationale = raw.Rationale
		}
		return Decision{Kind: DecideAct, Proposal: proposal, Rationale: raw.Rationale}, nil

	case DecideComplete:
		return Decision{Kind: DecideComplete, Claim: raw.Claim, Rationale: raw.Rationale}, nil

	case DecideGiveUp:
		return Decision{Kind: DecideGiveUp, Claim: raw.Claim, Rationale: raw.Rationale}, nil

	case "":
		return Decision{}, fmt.Errorf("response is missing the decision field")
	default:
		return Decision{}, fmt.Errorf("unknown decision kind %q", raw.Decision)
	}
}

func truncateForLog(s string) string {
	const limit = 400
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
