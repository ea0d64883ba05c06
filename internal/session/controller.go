// internal/session/controller.go

// Package session owns the Plan-Act-Verify loop: it turns a test goal plus
// live screen observations into a bounded sequence of validated device
// actions, and decides when to stop. Model output is never trusted on its
// own terms here: proposals must survive vocabulary validation before they
// touch a device, and completion or give-up claims must survive a grounding
// check before they become a verdict.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
	"github.com/xkilldash9x/droidprobe/internal/device"
	"github.com/xkilldash9x/droidprobe/internal/observer"
	"github.com/xkilldash9x/droidprobe/internal/reasoner"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

// -- Collaborator contracts --

// Observer captures the current screen state.
type Observer interface {
	Observe(ctx context.Context) (*schemas.Observation, error)
}

// ActionExecutor runs one validated action against the device. Expected
// UI-level failures come back inside the outcome, not as errors.
type ActionExecutor interface {
	Execute(ctx context.Context, action vocabulary.ValidatedAction) (*device.Outcome, error)
}

// Planner proposes the next move toward the goal. The provider behind it is
// chosen once at startup; the session never branches on provider identity.
type Planner interface {
	PlanNext(ctx context.Context, req reasoner.PlanRequest) (reasoner.Decision, error)
}

// Verifier is the independent judge for grounding checks and interim
// progress queries.
type Verifier interface {
	Check(ctx context.Context, claim string, obs *schemas.Observation, screenshot []byte, extraContext string) (reasoner.Verdict, error)
}

// interimConfidenceFloor gates unprompted completion: the verifier must be
// at least this sure before an interim check ends the session.
const interimConfidenceFloor = 0.8

// Session drives one goal against one device. It owns all mutable loop state
// and runs strictly sequentially; a device is never shared while a step is in
// flight. Independent sessions on different devices may run in parallel.
type Session struct {
	logger     *zap.Logger
	cfg        config.SessionConfig
	goal       TestGoal
	appPackage string

	observer Observer
	executor ActionExecutor
	planner  Planner
	verifier Verifier

	validator *vocabulary.Validator
	limiter   *rate.Limiter

	phase               phase
	steps               []Step
	consecutiveFailures int
	planningErrors      int
	// attempted remembers which actions already ran on each exact screen,
	// keyed by observation signature, so the planner is told not to repeat
	// them.
	attempted map[string][]string

	startedAt time.Time
}

// New wires a session. All collaborators are required; the configuration is
// validated up front so the loop never has to defend against zero ceilings.
func New(
	logger *zap.Logger,
	cfg config.SessionConfig,
	goal TestGoal,
	appPackage string,
	obs Observer,
	exec ActionExecutor,
	planner Planner,
	verifier Verifier,
) (*Session, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if obs == nil {
		return nil, errors.New("observer cannot be nil")
	}
	if exec == nil {
		return nil, errors.New("executor cannot be nil")
	}
	if planner == nil {
		return nil, errors.New("planner cannot be nil")
	}
	if verifier == nil {
		return nil, errors.New("verifier cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session configuration invalid: %w", err)
	}
	if strings.TrimSpace(goal.Description) == "" {
		return nil, errors.New("test goal needs a description")
	}

	return &Session{
		logger:     logger.With(zap.String("component", "session")),
		cfg:        cfg,
		goal:       goal,
		appPackage: appPackage,
		observer:   obs,
		executor:   exec,
		planner:    planner,
		verifier:   verifier,
		validator:  vocabulary.NewValidator(appPackage, cfg.MaxScrolls),
		limiter:    rate.NewLimiter(rate.Limit(cfg.StepsPerSecond), 1),
		attempted:  make(map[string][]string),
		phase:      phaseInitializing,
	}, nil
}

// Run drives the loop to a terminal verdict. Every ending, including
// cancellation and infrastructure trouble, is reported through the Result;
// nothing surfaces as an error without a verdict and the full step history
// attached. Run is single-shot: one Session, one call.
//
// Cancellation is honored between steps only. Suspension points run on a
// context detached from the caller's, each under its own deadline, so a
// started action always completes and gets verified before teardown.
func (s *Session) Run(ctx context.Context) *Result {
	s.startedAt = time.Now()
	s.logger.Info("session starting",
		zap.String("goal", s.goal.Description),
		zap.String("package", s.appPackage),
		zap.Int("max_steps", s.cfg.MaxSteps))

	base := context.WithoutCancel(ctx)

	s.setPhase(phaseObserving)
	current, err := s.observeFresh(base)
	if err != nil {
		return s.finish(VerdictAborted, fmt.Sprintf("initial observation failed: %v", err))
	}

	for {
		if ctx.Err() != nil {
			return s.finish(VerdictAborted, "canceled between steps: "+ctx.Err().Error())
		}
		if len(s.steps) >= s.cfg.MaxSteps {
			return s.finish(VerdictAborted, fmt.Sprintf("step budget exhausted after %d steps", len(s.steps)))
		}

		// Success is checked against the freshest screen before any more
		// planning: deterministically when the goal carries criteria,
		// through the verifier on a fixed cadence otherwise.
		if s.goal.HasCriteria() {
			if res := matchCriteria(s.goal.SuccessCriteria, current); res.grounded {
				return s.finish(VerdictSucceeded, res.evidence)
			}
		} else if s.interimDue() {
			if ok, evidence := s.interimCompletion(base, current); ok {
				return s.finish(VerdictSucceeded, evidence)
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return s.finish(VerdictAborted, "canceled while pacing: "+err.Error())
		}

		next, verdict, summary := s.step(base, current)
		if verdict != VerdictPending {
			return s.finish(verdict, summary)
		}
		if next != nil {
			current = next
		}
	}
}

// step runs one Plan-Act-Verify iteration. It returns the freshest
// observation (nil when the screen cannot have changed) and a verdict;
// VerdictPending means the loop continues. Exactly one Step is recorded per
// call unless the decision terminated the session.
func (s *Session) step(base context.Context, current *schemas.Observation) (*schemas.Observation, Verdict, string) {
	started := time.Now()

	s.setPhase(phasePlanning)
	decision, err := s.plan(base, current)
	if err != nil {
		s.planningErrors++
		s.consecutiveFailures++
		s.logger.Warn("planner unusable", zap.Error(err))
		s.record(Step{
			StartedAt:         started,
			ObservationBefore: current,
			Failure:           FailureProvider,
			Detail:            err.Error(),
		})
		v, sum := s.failureVerdict()
		return nil, v, sum
	}

	switch decision.Kind {
	case reasoner.DecideComplete:
		s.planningErrors = 0
		return s.completeClaim(base, started, decision, current)
	case reasoner.DecideGiveUp:
		s.planningErrors = 0
		return s.giveUpClaim(base, started, decision, current)
	default:
		return s.act(base, started, decision, current)
	}
}

// plan assembles the planner request from the bounded history window and the
// current screen.
func (s *Session) plan(base context.Context, current *schemas.Observation) (reasoner.Decision, error) {
	req := reasoner.PlanRequest{
		Goal:              s.goal.Description,
		SuccessCriteria:   strings.Join(s.goal.SuccessCriteria, "; "),
		AppPackage:        s.appPackage,
		Observation:       current,
		Screenshot:        observer.ScreenshotPNG(current),
		History:           s.historyWindow(),
		AttemptedOnScreen: s.attempted[current.Signature()],
		RecoveryHint:      s.recoveryHint(),
		StepsUsed:         len(s.steps),
		StepsMax:          s.cfg.MaxSteps,
	}

	pctx, cancel := context.WithTimeout(base, s.cfg.ModelTimeout)
	defer cancel()
	return s.planner.PlanNext(pctx, req)
}

// completeClaim handles the planner asserting the goal is met. The claim only
// becomes a verdict when grounding confirms it; otherwise it is a grounding
// failure and the loop re-plans.
func (s *Session) completeClaim(base context.Context, started time.Time, decision reasoner.Decision, current *schemas.Observation) (*schemas.Observation, Verdict, string) {
	s.setPhase(phaseVerifying)
	res := s.groundCompletion(base, decision.Claim, current)
	if res.grounded {
		return nil, VerdictSucceeded, "completion claim grounded: " + res.evidence
	}

	s.consecutiveFailures++
	s.record(Step{
		StartedAt:         started,
		ObservationBefore: current,
		Claim:             decision.Claim,
		Failure:           FailureGrounding,
		Detail:            "completion claim not grounded: " + res.evidence,
	})
	v, sum := s.failureVerdict()
	return nil, v, sum
}

// giveUpClaim handles the planner declaring the goal unreachable. Surrender
// is grounded symmetrically with completion: the session first confirms the
// goal really is unmet. A verifier that cannot be reached, or one that says
// the goal is actually satisfied, contradicts the surrender and the loop
// re-plans instead of failing.
func (s *Session) giveUpClaim(base context.Context, started time.Time, decision reasoner.Decision, current *schemas.Observation) (*schemas.Observation, Verdict, string) {
	s.setPhase(phaseVerifying)
	res := s.groundCompletion(base, "the test goal has already been achieved", current)

	switch {
	case res.err != nil:
		s.consecutiveFailures++
		s.record(Step{
			StartedAt:         started,
			ObservationBefore: current,
			Claim:             decision.Claim,
			Failure:           FailureGrounding,
			Detail:            "give-up claim could not be grounded: " + res.evidence,
		})
	case res.grounded && s.goal.HasCriteria():
		// The criteria match the screen; the goal is met no matter what
		// the planner believes.
		return nil, VerdictSucceeded, "goal satisfied despite give-up: " + res.evidence
	case res.grounded:
		s.consecutiveFailures++
		s.record(Step{
			StartedAt:         started,
			ObservationBefore: current,
			Claim:             decision.Claim,
			Failure:           FailureGrounding,
			Detail:            "give-up contradicted by verifier: " + res.evidence,
		})
	default:
		return nil, VerdictFailed, fmt.Sprintf("planner gave up: %s (%s)", decision.Claim, res.evidence)
	}

	v, sum := s.failureVerdict()
	return nil, v, sum
}

// act validates and executes one proposed action, then verifies its effect.
// Rejected proposals never reach the executor; they are recorded, counted
// against the planning-error ceiling, and fed back so the next proposal can
// self-correct.
func (s *Session) act(base context.Context, started time.Time, decision reasoner.Decision, current *schemas.Observation) (*schemas.Observation, Verdict, string) {
	s.setPhase(phaseValidating)
	proposal := decision.Proposal
	action, err := s.validator.Validate(proposal)
	if err != nil {
		s.planningErrors++
		s.consecutiveFailures++
		s.logger.Warn("proposal rejected", zap.String("action", proposal.Name), zap.Error(err))
		s.record(Step{
			StartedAt:         started,
			ObservationBefore: current,
			Proposal:          &proposal,
			Failure:           FailureValidation,
			Detail:            err.Error(),
		})
		v, sum := s.failureVerdict()
		return nil, v, sum
	}
	s.planningErrors = 0

	s.setPhase(phaseActing)
	s.noteAttempt(current, action)
	outcome, retries := s.executeWithRetry(base, action)

	s.setPhase(phaseVerifying)
	post, obsErr := s.postActionObservation(base, outcome)

	st := Step{
		StartedAt:         started,
		ObservationBefore: current,
		Proposal:          &proposal,
		Action:            &action,
		Outcome:           outcome,
		Retries:           retries,
		ObservationAfter:  post,
	}
	switch {
	case outcome.Status == device.OutcomeFailedTransient:
		st.Failure = FailureTransient
		st.Detail = fmt.Sprintf("%s: %s", outcome.ErrorCode, outcome.ErrorDetail)
	case outcome.Status == device.OutcomeFailedPermanent:
		st.Failure = FailurePermanent
		st.Detail = fmt.Sprintf("%s: %s", outcome.ErrorCode, outcome.ErrorDetail)
	case action.ExpectsEffect() && post != nil && post.Signature() == current.Signature():
		// The device said yes but the screen is identical; the planner
		// grounded the action on something that is not really there.
		st.Failure = FailureGrounding
		st.Detail = fmt.Sprintf("%s reported success but the screen did not change", describeAction(action))
	}

	if st.Failure == FailureNone {
		s.consecutiveFailures = 0
	} else {
		s.consecutiveFailures++
	}
	s.record(st)

	if obsErr != nil {
		return nil, VerdictAborted, fmt.Sprintf("observation failed after step %d: %v", len(s.steps), obsErr)
	}
	v, sum := s.failureVerdict()
	return post, v, sum
}

// postActionObservation settles the UI, then captures the screen the action
// left behind. Outcomes that already carry a fresh observation skip the
// extra capture.
func (s *Session) postActionObservation(base context.Context, outcome *device.Outcome) (*schemas.Observation, error) {
	if outcome != nil && outcome.Observation != nil {
		return outcome.Observation, nil
	}
	if s.cfg.SettleDelay > 0 {
		time.Sleep(s.cfg.SettleDelay)
	}
	return s.observeFresh(base)
}

// interimDue paces the standing "is the goal already met" query for goals
// without deterministic criteria. Every recorded step advances the counter,
// so the check fires exactly once per cadence boundary.
func (s *Session) interimDue() bool {
	return s.cfg.VerifyEvery > 0 && len(s.steps) > 0 && len(s.steps)%s.cfg.VerifyEvery == 0
}

// interimCompletion asks the verifier whether the goal is already satisfied,
// catching goals achieved without the planner noticing. Only a confident yes
// terminates the session; anything unclear keeps the loop going.
func (s *Session) interimCompletion(base context.Context, current *schemas.Observation) (bool, string) {
	vctx, cancel := context.WithTimeout(base, s.cfg.ModelTimeout)
	defer cancel()
	verdict, err := s.verifier.Check(vctx, "the test goal has been fully achieved", current,
		observer.ScreenshotPNG(current), "Test goal: "+s.goal.Description)
	if err != nil {
		s.logger.Warn("interim completion check unavailable", zap.Error(err))
		return false, ""
	}
	if verdict.Satisfied && verdict.Confidence >= interimConfidenceFloor {
		return true, fmt.Sprintf("goal confirmed satisfied after %d steps: %s", len(s.steps), verdict.Evidence)
	}
	return false, ""
}

// failureVerdict turns the counters into a verdict after a failed step.
// The planning-error ceiling is checked first: a session that never got a
// usable plan aborted rather than failed.
func (s *Session) failureVerdict() (Verdict, string) {
	if s.planningErrors >= s.cfg.PlanningErrorLimit {
		return VerdictAborted, fmt.Sprintf("planner produced %d unusable decisions in a row (limit %d)",
			s.planningErrors, s.cfg.PlanningErrorLimit)
	}
	if s.consecutiveFailures >= s.cfg.ConsecutiveFailureLimit {
		last := s.steps[len(s.steps)-1]
		return VerdictFailed, fmt.Sprintf("%d consecutive step failures (limit %d); last: %s",
			s.consecutiveFailures, s.cfg.ConsecutiveFailureLimit, last.OutcomeSummary())
	}
	return VerdictPending, ""
}

// historyWindow returns the trailing steps that feed the planner. The full
// history stays in the session for reporting; only this suffix reaches the
// model, keeping prompt size stable.
func (s *Session) historyWindow() []reasoner.HistoryEntry {
	start := len(s.steps) - s.cfg.HistoryWindow
	if start < 0 {
		start = 0
	}
	entries := make([]reasoner.HistoryEntry, 0, len(s.steps)-start)
	for _, st := range s.steps[start:] {
		entries = append(entries, reasoner.HistoryEntry{
			Index:   st.Index,
			Action:  st.ActionSummary(),
			Outcome: st.OutcomeSummary(),
		})
	}
	return entries
}

// recoveryHint escalates guidance as failures pile up: first steer the
// planner to a different element, then to scrolling or backing out, then to
// relaunching the app.
func (s *Session) recoveryHint() string {
	switch s.consecutiveFailures {
	case 0:
		return ""
	case 1:
		return "The previous step failed. Prefer a different element or different wording than the failed attempt."
	case 2:
		return "Two steps in a row failed. The target may be off screen: scroll to reveal it, or press back to leave a dead end."
	default:
		return "Repeated failures suggest the app is stuck. Consider relaunch_app to return to a known screen."
	}
}

// noteAttempt remembers an executed action against the exact screen it ran
// on, so the planner can be told what was already tried here.
func (s *Session) noteAttempt(obs *schemas.Observation, action vocabulary.ValidatedAction) {
	sig := obs.Signature()
	desc := describeAction(action)
	for _, seen := range s.attempted[sig] {
		if seen == desc {
			return
		}
	}
	s.attempted[sig] = append(s.attempted[sig], desc)
}

// record appends one step to the session history. Indices are 1-based and
// the history is append-only.
func (s *Session) record(st Step) {
	st.Index = len(s.steps) + 1
	st.Duration = time.Since(st.StartedAt)
	s.steps = append(s.steps, st)
	s.logger.Info("step recorded",
		zap.Int("step", st.Index),
		zap.String("action", st.ActionSummary()),
		zap.String("outcome", st.OutcomeSummary()),
		zap.Int("consecutive_failures", s.consecutiveFailures))
}

func (s *Session) setPhase(p phase) {
	if s.phase == p {
		return
	}
	s.logger.Debug("phase transition", zap.String("from", string(s.phase)), zap.String("to", string(p)))
	s.phase = p
}

// finish freezes the session state into the Result.
func (s *Session) finish(verdict Verdict, summary string) *Result {
	s.setPhase(phaseTerminating)
	res := &Result{
		Goal:                s.goal,
		AppPackage:          s.appPackage,
		Verdict:             verdict,
		Summary:             summary,
		Steps:               s.steps,
		StepsUsed:           len(s.steps),
		PlanningErrors:      s.planningErrors,
		ConsecutiveFailures: s.consecutiveFailures,
		StartedAt:           s.startedAt,
		EndedAt:             time.Now(),
	}
	s.logger.Info("session finished",
		zap.String("verdict", string(verdict)),
		zap.String("summary", summary),
		zap.Int("steps", res.StepsUsed),
		zap.Duration("duration", res.Duration()))
	return res
}
