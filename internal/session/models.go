// internal/session/models.go
package session

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/device"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

// TestGoal is the objective one session works toward. It is created at
// session start and never mutated.
type TestGoal struct {
	// Description is the natural-language goal handed to the planner.
	Description string `json:"description"`
	// SuccessCriteria optionally pins the goal down: every listed text must
	// be visible on the terminal screen. When present, success is decided
	// deterministically against the observation, never by the model.
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// HasCriteria reports whether success can be decided without a model.
func (g TestGoal) HasCriteria() bool { return len(g.SuccessCriteria) > 0 }

// Verdict is the session's termination judgment.
type Verdict string

const (
	VerdictPending   Verdict = "pending"
	VerdictSucceeded Verdict = "succeeded"
	VerdictFailed    Verdict = "failed"
	VerdictAborted   Verdict = "aborted"
)

// FailureKind classifies why a step failed. The classes carry distinct
// policies: validation and provider faults feed the planning-error counter,
// everything here feeds the consecutive-failure counter, and only transient
// device trouble is retried in place.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureValidation FailureKind = "validation_rejection"
	FailureProvider   FailureKind = "provider_error"
	FailureTransient  FailureKind = "transient_exhausted"
	FailurePermanent  FailureKind = "permanent_device_error"
	FailureGrounding  FailureKind = "grounding_failure"
)

// phase names the loop states for logging. Transitions are driven by the
// controller's run loop, not by external events.
type phase string

const (
	phaseInitializing phase = "initializing"
	phaseObserving    phase = "observing"
	phasePlanning     phase = "planning"
	phaseValidating   phase = "validating"
	phaseActing       phase = "acting"
	phaseVerifying    phase = "verifying"
	phaseTerminating  phase = "terminating"
)

// Step is one recorded loop iteration: what the screen looked like, what the
// planner wanted, what validation and the device made of it, and what the
// screen looked like afterwards. Steps are append-only and never reordered;
// the trailing window of them is the planner's memory.
type Step struct {
	Index     int           `json:"index"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	ObservationBefore *schemas.Observation `json:"observation_before,omitempty"`

	// Proposal is the raw planner output for action steps; nil when the
	// planner returned a claim or nothing usable.
	Proposal *vocabulary.Proposal `json:"proposal,omitempty"`
	// Action is the validated form; nil when validation rejected the
	// proposal, in which case Detail carries the rejection.
	Action *vocabulary.ValidatedAction `json:"action,omitempty"`
	// Claim holds the asserted state for completion and give-up steps.
	Claim string `json:"claim,omitempty"`

	Outcome *device.Outcome `json:"outcome,omitempty"`
	// Retries counts in-place re-executions after transient failures.
	Retries int `json:"retries,omitempty"`

	ObservationAfter *schemas.Observation `json:"observation_after,omitempty"`

	Failure FailureKind `json:"failure,omitempty"`
	Detail  string      `json:"detail,omitempty"`
}

// Succeeded reports whether the step counts as a success for the
// consecutive-failure counter.
func (s Step) Succeeded() bool { return s.Failure == FailureNone }

// ActionSummary renders what the step tried, compactly enough for prompts.
func (s Step) ActionSummary() string {
	switch {
	case s.Action != nil:
		return describeAction(*s.Action)
	case s.Proposal != nil:
		return fmt.Sprintf("%s (rejected)", s.Proposal.Name)
	case s.Claim != "":
		return fmt.Sprintf("claim: %s", s.Claim)
	default:
		return "planner produced nothing usable"
	}
}

// OutcomeSummary renders how the step ended.
func (s Step) OutcomeSummary() string {
	switch s.Failure {
	case FailureNone:
		return "succeeded"
	case FailureValidation:
		return "rejected: " + s.Detail
	case FailureProvider:
		return "planner error: " + s.Detail
	case FailureTransient:
		return fmt.Sprintf("failed after %d retries: %s", s.Retries, s.Detail)
	case FailurePermanent:
		return "failed: " + s.Detail
	case FailureGrounding:
		return "grounding failure: " + s.Detail
	}
	return string(s.Failure) + ": " + s.Detail
}

// describeAction renders a validated action the way the planner would have
// written it, so history entries read like the catalog.
func describeAction(a vocabulary.ValidatedAction) string {
	switch a.Type {
	case vocabulary.ActionTap:
		return fmt.Sprintf("tap(%.2f, %.2f)", a.X, a.Y)
	case vocabulary.ActionTapText, vocabulary.ActionAssertTextPresent:
		return fmt.Sprintf("%s(%q)", a.Type, a.Target)
	case vocabulary.ActionTapAndType:
		return fmt.Sprintf("tap_and_type(%q, %q)", a.Target, a.Text)
	case vocabulary.ActionTypeText:
		return fmt.Sprintf("type_text(%q)", a.Text)
	case vocabulary.ActionSwipe:
		return fmt.Sprintf("swipe(%.2f,%.2f -> %.2f,%.2f)", a.FromX, a.FromY, a.ToX, a.ToY)
	case vocabulary.ActionScroll:
		return fmt.Sprintf("scroll(%s)", a.Direction)
	case vocabulary.ActionScrollUntilText:
		return fmt.Sprintf("scroll_until_text(%q, %s)", a.Target, a.Direction)
	case vocabulary.ActionKeyEvent:
		return fmt.Sprintf("key_event(%s)", a.KeyCode)
	case vocabulary.ActionLaunchApp, vocabulary.ActionForceStop,
		vocabulary.ActionClearData, vocabulary.ActionRelaunchApp:
		return fmt.Sprintf("%s(%q)", a.Type, a.Package)
	case vocabulary.ActionWait:
		return fmt.Sprintf("wait(%.1fs)", a.Seconds)
	case vocabulary.ActionWaitForText:
		return fmt.Sprintf("wait_for_text(%q, %.1fs)", a.Target, a.Seconds)
	default:
		return string(a.Type)
	}
}

// Result is the frozen session state handed to the reporter once the loop
// terminates: the verdict, why, and the full ordered step history.
type Result struct {
	Goal       TestGoal `json:"goal"`
	AppPackage string   `json:"app_package,omitempty"`

	Verdict Verdict `json:"verdict"`
	Summary string  `json:"summary"`

	Steps     []Step `json:"steps"`
	StepsUsed int    `json:"steps_used"`

	PlanningErrors      int `json:"planning_errors"`
	ConsecutiveFailures int `json:"consecutive_failures"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration is the session's wall-clock time.
func (r *Result) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }

// Passed reports whether the session reached its goal.
func (r *Result) Passed() bool { return r.Verdict == VerdictSucceeded }
