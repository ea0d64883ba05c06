// internal/session/grounding.go
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/observer"
	"go.uber.org/zap"
)

// groundingResult is the answer to "does the evidence support this claim".
// err is set when the verifier could not be consulted at all; the claim is
// then ungrounded, but the caller may want to distinguish "checked and
// contradicted" from "could not check".
type groundingResult struct {
	grounded bool
	evidence string
	err      error
}

// groundCompletion decides whether "the goal is satisfied" holds on the
// current screen. With structured criteria the check is a deterministic text
// match and no model is involved. Without them, an independent verifier query
// judges the claim from the observation alone; it never sees the rationale
// that produced the claim, and any failure to get a usable verdict leaves the
// claim ungrounded.
func (s *Session) groundCompletion(ctx context.Context, claim string, obs *schemas.Observation) groundingResult {
	if s.goal.HasCriteria() {
		return matchCriteria(s.goal.SuccessCriteria, obs)
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.ModelTimeout)
	defer cancel()
	verdict, err := s.verifier.Check(vctx, claim, obs, observer.ScreenshotPNG(obs), "Test goal: "+s.goal.Description)
	if err != nil {
		s.logger.Warn("grounding query failed", zap.Error(err))
		return groundingResult{evidence: "verifier unavailable: " + err.Error(), err: err}
	}
	if !verdict.Satisfied {
		evidence := verdict.Evidence
		if evidence == "" {
			evidence = "verifier found no supporting evidence on screen"
		}
		return groundingResult{evidence: evidence}
	}
	return groundingResult{grounded: true, evidence: verdict.Evidence}
}

// matchCriteria requires every criterion text to be visible on the current
// screen. Matching reuses the observation's own text rules, so criteria
// behave exactly like tap targets.
func matchCriteria(criteria []string, obs *schemas.Observation) groundingResult {
	var missing []string
	for _, c := range criteria {
		if !obs.ContainsText(c) {
			missing = append(missing, fmt.Sprintf("%q", c))
		}
	}
	if len(missing) > 0 {
		return groundingResult{evidence: "not visible on screen: " + strings.Join(missing, ", ")}
	}
	return groundingResult{
		grounded: true,
		evidence: fmt.Sprintf("all %d success criteria visible", len(criteria)),
	}
}
