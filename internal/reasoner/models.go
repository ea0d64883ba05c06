// internal/reasoner/models.go

// Package reasoner holds the model-facing half of the loop: prompt assembly,
// decision parsing, and the independent verifier. It produces untrusted
// proposals and claims; validation and grounding live with the caller.
package reasoner

import (
	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

// DecisionKind discriminates the planner's three possible moves.
type DecisionKind string

const (
	DecideAct      DecisionKind = "act"      // Propose one device action.
	DecideComplete DecisionKind = "complete" // Claim the goal is achieved.
	DecideGiveUp   DecisionKind = "give_up"  // Claim the goal cannot be reached.
)

// Decision is the planner's parsed answer for one step. Exactly one branch is
// meaningful: Proposal for act, Claim for complete and give_up. A Decision
// carries zero authority; completion and surrender claims still have to
// survive grounding, and proposals still have to survive validation.
type Decision struct {
	Kind      DecisionKind
	Proposal  vocabulary.Proposal // Populated when Kind == DecideAct.
	Claim     string              // The state the model asserts, or why it is stuck.
	Rationale string
}

// Verdict is the verifier's independent judgment of a claim. The zero value
// is an unsatisfied verdict, which is the safe default everywhere a verdict
// cannot be obtained.
type Verdict struct {
	Satisfied  bool    `json:"satisfied"`
	Evidence   string  `json:"evidence"`
	Confidence float64 `json:"confidence"`
}

// HistoryEntry is one prior step compressed for the planner prompt.
type HistoryEntry struct {
	Index   int    // 1-based step number.
	Action  string // For example `tap_text("Login")`.
	Outcome string // For example "succeeded" or "failed_transient: DEVICE_UNAVAILABLE".
}

// PlanRequest carries everything the planner may look at for one step. The
// history window is already bounded by the caller; the reasoner renders what
// it is given and adds nothing.
type PlanRequest struct {
	Goal            string
	SuccessCriteria string
	AppPackage      string

	Observation *schemas.Observation // Current screen; rendered into the prompt.
	Screenshot  []byte               // Optional PNG attached to the model request.

	History           []HistoryEntry
	AttemptedOnScreen []string // Actions already tried against this exact screen.
	RecoveryHint      string   // Escalation guidance after repeated failures.

	StepsUsed int
	StepsMax  int
}
