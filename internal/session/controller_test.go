// File: internal/session/controller_test.go
package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
	"github.com/xkilldash9x/droidprobe/internal/device"
	"github.com/xkilldash9x/droidprobe/internal/reasoner"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		MaxSteps:                10,
		HistoryWindow:           5,
		TransientRetries:        2,
		ConsecutiveFailureLimit: 3,
		PlanningErrorLimit:      3,
		MaxScrolls:              3,
		BackoffBase:             time.Millisecond,
		BackoffCap:              5 * time.Millisecond,
		SettleDelay:             0,
		ObserveTimeout:          time.Second,
		ActionTimeout:           time.Second,
		ModelTimeout:            time.Second,
		VerifyEvery:             3,
		StepsPerSecond:          1000,
	}
}

// screen builds a distinct observation: the activity name plus element texts
// give each screen its own signature.
func screen(activity string, texts ...string) *schemas.Observation {
	obs := &schemas.Observation{
		ID:           activity,
		TakenAt:      time.Now(),
		Activity:     activity,
		ScreenWidth:  1080,
		ScreenHeight: 2400,
	}
	y := 200
	for _, t := range texts {
		obs.Elements = append(obs.Elements, schemas.Element{
			Role:      "android.widget.Button",
			Text:      t,
			Bounds:    schemas.Rect{Left: 100, Top: y, Right: 500, Bottom: y + 80},
			Clickable: true,
			Enabled:   true,
		})
		y += 100
	}
	return obs
}

type sessionFixture struct {
	session  *Session
	observer *mockObserver
	executor *mockExecutor
	planner  *mockPlanner
	verifier *mockVerifier
}

func newTestSession(t *testing.T, goal TestGoal, mods ...func(*config.SessionConfig)) *sessionFixture {
	t.Helper()
	cfg := testConfig()
	for _, mod := range mods {
		mod(&cfg)
	}

	f := &sessionFixture{
		observer: &mockObserver{},
		executor: &mockExecutor{},
		planner:  &mockPlanner{},
		verifier: &mockVerifier{},
	}
	s, err := New(zaptest.NewLogger(t), cfg, goal, "com.example.shop",
		f.observer, f.executor, f.planner, f.verifier)
	require.NoError(t, err)
	f.session = s

	t.Cleanup(func() {
		f.observer.AssertExpectations(t)
		f.executor.AssertExpectations(t)
		f.planner.AssertExpectations(t)
		f.verifier.AssertExpectations(t)
	})
	return f
}

func actDecision(name string, params map[string]any) reasoner.Decision {
	return reasoner.Decision{
		Kind:     reasoner.DecideAct,
		Proposal: vocabulary.Proposal{Name: name, Params: params, Rationale: "test rationale"},
	}
}

func completeDecision(claim string) reasoner.Decision {
	return reasoner.Decision{Kind: reasoner.DecideComplete, Claim: claim}
}

func giveUpDecision(claim string) reasoner.Decision {
	return reasoner.Decision{Kind: reasoner.DecideGiveUp, Claim: claim}
}

func succeededOutcome() *device.Outcome {
	return &device.Outcome{Status: device.OutcomeSucceeded}
}

func transientOutcome(detail string) *device.Outcome {
	return &device.Outcome{
		Status:      device.OutcomeFailedTransient,
		ErrorCode:   device.ErrCodeDeviceUnavailable,
		ErrorDetail: detail,
	}
}

func permanentOutcome(detail string) *device.Outcome {
	return &device.Outcome{
		Status:      device.OutcomeFailedPermanent,
		ErrorCode:   device.ErrCodeElementNotFound,
		ErrorDetail: detail,
	}
}

// Scenario: typing the password succeeds and the next screen matches the
// structured success criteria, so the session ends after exactly one step
// without any model-mediated judgment.
func TestRunLoginFlowSucceedsOnCriteria(t *testing.T) {
	goal := TestGoal{
		Description:     "log in with valid credentials",
		SuccessCriteria: []string{"Welcome back"},
	}
	login := screen("LoginActivity", "Username", "Password", "Login")
	home := screen("HomeActivity", "Welcome back", "Profile")

	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).Return(login, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_and_type", map[string]any{"target": "Password", "text": "secret"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(a vocabulary.ValidatedAction) bool {
		return a.Type == vocabulary.ActionTapAndType && a.Target == "Password" && a.Text == "secret"
	})).Return(succeededOutcome(), nil).Once()
	f.observer.On("Observe", mock.Anything).Return(home, nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictSucceeded, result.Verdict)
	require.True(t, result.Passed())
	require.Len(t, result.Steps, 1)
	require.True(t, result.Steps[0].Succeeded())
	require.Equal(t, 1, result.Steps[0].Index)
	require.Equal(t, vocabulary.ActionTapAndType, result.Steps[0].Action.Type)
	require.Contains(t, result.Summary, "criteria")
}

// Scenario: the retry ceiling is 2 and the device fails transiently three
// times. The retries happen in place; the history records one failed step,
// not three.
func TestRunTransientFailureCountsOneStep(t *testing.T) {
	goal := TestGoal{Description: "open settings"}
	login := screen("LoginActivity", "Login")

	f := newTestSession(t, goal, func(c *config.SessionConfig) { c.MaxSteps = 1 })
	f.observer.On("Observe", mock.Anything).Return(login, nil).Times(2)
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).
		Return(transientOutcome("device offline"), nil).Times(3)

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictAborted, result.Verdict)
	require.Contains(t, result.Summary, "budget")
	require.Len(t, result.Steps, 1)
	require.Equal(t, FailureTransient, result.Steps[0].Failure)
	require.Equal(t, 2, result.Steps[0].Retries)
	f.executor.AssertNumberOfCalls(t, "Execute", 3)
}

// Scenario: the planner claims completion with no structured criteria and the
// independent verifier disagrees. The claim must never become a Succeeded
// verdict, and the executor must never be touched.
func TestRunUngroundedCompletionNeverSucceeds(t *testing.T) {
	goal := TestGoal{Description: "log in"}
	login := screen("LoginActivity", "Username", "Password", "Login")

	f := newTestSession(t, goal, func(c *config.SessionConfig) { c.MaxSteps = 2 })
	f.observer.On("Observe", mock.Anything).Return(login, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(completeDecision("user is logged in"), nil).Times(2)
	f.verifier.On("Check", mock.Anything, "user is logged in", login, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: false, Evidence: "login form still visible"}, nil).Times(2)

	result := f.session.Run(context.Background())

	require.NotEqual(t, VerdictSucceeded, result.Verdict)
	require.Equal(t, VerdictAborted, result.Verdict)
	require.Len(t, result.Steps, 2)
	for _, st := range result.Steps {
		require.Equal(t, FailureGrounding, st.Failure)
		require.Equal(t, "user is logged in", st.Claim)
		require.Contains(t, st.Detail, "not grounded")
	}
	f.executor.AssertNotCalled(t, "Execute")
}

// Scenario: three grounding failures in a row with a ceiling of three end the
// session with verdict Failed and exactly three recorded failed steps.
func TestRunConsecutiveGroundingFailuresFail(t *testing.T) {
	goal := TestGoal{Description: "check out the cart"}
	cart := screen("CartActivity", "Cart", "Checkout")

	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).Return(cart, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(completeDecision("checkout finished"), nil).Times(3)
	f.verifier.On("Check", mock.Anything, "checkout finished", cart, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: false, Evidence: "cart is untouched"}, nil).Times(3)

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictFailed, result.Verdict)
	require.Contains(t, result.Summary, "consecutive")
	require.Len(t, result.Steps, 3)
	for i, st := range result.Steps {
		require.Equal(t, i+1, st.Index)
		require.Equal(t, FailureGrounding, st.Failure)
	}
	require.Equal(t, 3, result.ConsecutiveFailures)
	f.executor.AssertNotCalled(t, "Execute")
}

// A tap that the device reports as successful but that changes nothing on
// screen is a grounding failure: the planner addressed an element that did
// not behave like one.
func TestRunActionWithoutVisibleEffectIsGroundingFailure(t *testing.T) {
	goal := TestGoal{Description: "finish onboarding", SuccessCriteria: []string{"Done"}}
	login := screen("LoginActivity", "Username", "Password", "Login")

	f := newTestSession(t, goal, func(c *config.SessionConfig) { c.MaxSteps = 1 })
	f.observer.On("Observe", mock.Anything).Return(login, nil).Times(2)
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(succeededOutcome(), nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictAborted, result.Verdict)
	require.Len(t, result.Steps, 1)
	require.Equal(t, FailureGrounding, result.Steps[0].Failure)
	require.Contains(t, result.Steps[0].Detail, "did not change")
	require.Equal(t, device.OutcomeSucceeded, result.Steps[0].Outcome.Status)
}

// A proposal outside the vocabulary is recorded and fed back to the planner,
// and the executor sees exactly zero invocations for it.
func TestRunRejectedProposalNeverReachesExecutor(t *testing.T) {
	goal := TestGoal{Description: "log in"}
	login := screen("LoginActivity", "Login")

	var secondReq reasoner.PlanRequest
	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).Return(login, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("fly_to_moon", nil), nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { secondReq = args.Get(1).(reasoner.PlanRequest) }).
		Return(completeDecision("logged in"), nil).Once()
	f.verifier.On("Check", mock.Anything, "logged in", login, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: true, Evidence: "home screen shows the account menu", Confidence: 0.95}, nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictSucceeded, result.Verdict)
	require.Len(t, result.Steps, 1)
	require.Equal(t, FailureValidation, result.Steps[0].Failure)
	require.Equal(t, "fly_to_moon", result.Steps[0].Proposal.Name)
	require.Equal(t, 0, result.PlanningErrors)
	f.executor.AssertNotCalled(t, "Execute")

	// The rejection reached the next planning round as history context.
	require.Len(t, secondReq.History, 1)
	require.Contains(t, secondReq.History[0].Outcome, "rejected")
}

// A planner that never produces anything usable aborts the session once the
// planning-error ceiling is hit, before the consecutive-failure verdict can
// claim the run failed on its merits.
func TestRunPlanningErrorLimitAborts(t *testing.T) {
	goal := TestGoal{Description: "log in"}
	login := screen("LoginActivity", "Login")

	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).Return(login, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(reasoner.Decision{}, errors.New("model overloaded")).Times(3)

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictAborted, result.Verdict)
	require.Contains(t, result.Summary, "planner")
	require.Len(t, result.Steps, 3)
	for _, st := range result.Steps {
		require.Equal(t, FailureProvider, st.Failure)
	}
	f.executor.AssertNotCalled(t, "Execute")
	f.verifier.AssertNotCalled(t, "Check")
}

// Cancellation lands between steps: the in-flight action still executes and
// is verified on a detached context, and the verdict flips to Aborted at the
// next loop boundary.
func TestRunCancellationWaitsForStepToFinish(t *testing.T) {
	defer goleak.VerifyNone(t)

	goal := TestGoal{Description: "browse the catalog", SuccessCriteria: []string{"Never shown"}}
	login := screen("LoginActivity", "Login")
	home := screen("HomeActivity", "Catalog")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).Return(login, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(succeededOutcome(), nil).Once()
	// The post-action observation still happens after cancellation.
	f.observer.On("Observe", mock.Anything).Return(home, nil).Once()

	result := f.session.Run(ctx)

	require.Equal(t, VerdictAborted, result.Verdict)
	require.Contains(t, result.Summary, "canceled")
	require.Len(t, result.Steps, 1)
	require.True(t, result.Steps[0].Succeeded())
}

// Without structured criteria the session asks the verifier on a fixed
// cadence whether the goal is already met, and a confident yes ends the run.
func TestRunInterimVerificationEndsSession(t *testing.T) {
	goal := TestGoal{Description: "place an order"}
	login := screen("LoginActivity", "Login")
	form := screen("FormActivity", "Form filled")
	dash := screen("DashboardActivity", "Dashboard", "Order #1234")

	f := newTestSession(t, goal, func(c *config.SessionConfig) { c.VerifyEvery = 2 })
	f.observer.On("Observe", mock.Anything).Return(login, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Form filled"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(succeededOutcome(), nil).Times(2)
	f.observer.On("Observe", mock.Anything).Return(form, nil).Once()
	f.observer.On("Observe", mock.Anything).Return(dash, nil).Once()
	f.verifier.On("Check", mock.Anything, "the test goal has been fully achieved", dash, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: true, Evidence: "order confirmation is visible", Confidence: 0.9}, nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictSucceeded, result.Verdict)
	require.Equal(t, 2, result.StepsUsed)
	require.Contains(t, result.Summary, "confirmed satisfied after 2 steps")
}

// An interim yes below the confidence floor is ignored; only a grounded
// completion claim ends the session.
func TestRunInterimLowConfidenceContinues(t *testing.T) {
	goal := TestGoal{Description: "place an order"}
	login := screen("LoginActivity", "Login")
	home := screen("HomeActivity", "Catalog")

	f := newTestSession(t, goal, func(c *config.SessionConfig) { c.VerifyEvery = 1 })
	f.observer.On("Observe", mock.Anything).Return(login, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(succeededOutcome(), nil).Once()
	f.observer.On("Observe", mock.Anything).Return(home, nil).Once()
	f.verifier.On("Check", mock.Anything, "the test goal has been fully achieved", home, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: true, Evidence: "maybe", Confidence: 0.5}, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(completeDecision("order placed"), nil).Once()
	f.verifier.On("Check", mock.Anything, "order placed", home, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: true, Evidence: "definitely done", Confidence: 0.9}, nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictSucceeded, result.Verdict)
	require.Equal(t, 1, result.StepsUsed)
	require.Contains(t, result.Summary, "definitely done")
}

// A give-up consistent with the evidence is accepted as a Failed verdict.
func TestRunGiveUpAcceptedFails(t *testing.T) {
	goal := TestGoal{Description: "complete checkout"}
	cart := screen("CartActivity", "Cart")

	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).Return(cart, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(giveUpDecision("a paywall blocks checkout"), nil).Once()
	f.verifier.On("Check", mock.Anything, "the test goal has already been achieved", cart, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: false, Evidence: "cart is still empty"}, nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictFailed, result.Verdict)
	require.Contains(t, result.Summary, "paywall")
	require.Equal(t, 0, result.StepsUsed)
	f.executor.AssertNotCalled(t, "Execute")
}

// A give-up the verifier contradicts is a grounding failure, not a verdict:
// the loop re-plans, and the follow-up completion claim ends the session
// properly.
func TestRunGiveUpContradictedReplans(t *testing.T) {
	goal := TestGoal{Description: "submit the form"}
	form := screen("FormActivity", "Submit")

	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).Return(form, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(giveUpDecision("cannot find the form"), nil).Once()
	f.verifier.On("Check", mock.Anything, "the test goal has already been achieved", form, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: true, Evidence: "confirmation banner visible", Confidence: 0.9}, nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(completeDecision("form submitted"), nil).Once()
	f.verifier.On("Check", mock.Anything, "form submitted", form, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: true, Evidence: "confirmation banner visible", Confidence: 0.9}, nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictSucceeded, result.Verdict)
	require.Len(t, result.Steps, 1)
	require.Equal(t, FailureGrounding, result.Steps[0].Failure)
	require.Contains(t, result.Steps[0].Detail, "contradicted")
}

// The consecutive-failure counter resets on any successful step; only the
// total-step budget is monotonic. Two failures, a success, and two more
// failures never reach the ceiling of three, so the budget ends the run.
func TestRunCounterResetsOnSuccess(t *testing.T) {
	goal := TestGoal{Description: "log in"}
	screens := []*schemas.Observation{
		screen("S0", "Login"),
		screen("S1", "Login", "Error"),
		screen("S2", "Login", "Error", "Retry"),
		screen("S3", "Home"),
		screen("S4", "Home", "Error"),
		screen("S5", "Home", "Error", "Retry"),
	}

	f := newTestSession(t, goal, func(c *config.SessionConfig) {
		c.MaxSteps = 5
		c.VerifyEvery = 0
	})
	for _, scr := range screens {
		f.observer.On("Observe", mock.Anything).Return(scr, nil).Once()
	}
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Times(5)
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(permanentOutcome("element gone"), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(permanentOutcome("element gone"), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(succeededOutcome(), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(permanentOutcome("element gone"), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(permanentOutcome("element gone"), nil).Once()

	result := f.session.Run(context.Background())

	// Without the reset the fourth step would have tripped the ceiling and
	// the verdict would be Failed.
	require.Equal(t, VerdictAborted, result.Verdict)
	require.Len(t, result.Steps, 5)
	require.True(t, result.Steps[2].Succeeded())
	for _, i := range []int{0, 1, 3, 4} {
		require.Equal(t, FailurePermanent, result.Steps[i].Failure)
	}
	require.Equal(t, 2, result.ConsecutiveFailures)
	for i, st := range result.Steps {
		require.Equal(t, i+1, st.Index)
	}
}

// Worst case, every step exhausts its transient retries: the session makes
// exactly MaxSteps * (1 + TransientRetries) executor calls, one planner call
// per step, and one observation per step plus the initial one.
func TestRunSuspensionCallBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	goal := TestGoal{Description: "log in"}
	login := screen("LoginActivity", "Login")

	f := newTestSession(t, goal, func(c *config.SessionConfig) {
		c.MaxSteps = 4
		c.ConsecutiveFailureLimit = 10
		c.PlanningErrorLimit = 10
		c.VerifyEvery = 0
	})
	f.observer.On("Observe", mock.Anything).Return(login, nil).Times(5)
	f.planner.On("PlanNext", mock.Anything, mock.Anything).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Times(4)
	f.executor.On("Execute", mock.Anything, mock.Anything).
		Return(transientOutcome("device offline"), nil).Times(12)

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictAborted, result.Verdict)
	require.Len(t, result.Steps, 4)
	f.executor.AssertNumberOfCalls(t, "Execute", 12)
	f.planner.AssertNumberOfCalls(t, "PlanNext", 4)
	f.observer.AssertNumberOfCalls(t, "Observe", 5)
}

// After failures the planner is steered away from repeating itself: the hint
// escalates and the request lists what already ran on this exact screen.
func TestRunRecoveryHintEscalatesAndTracksAttempts(t *testing.T) {
	goal := TestGoal{Description: "log in"}
	login := screen("LoginActivity", "Login", "Sign in")

	var reqs []reasoner.PlanRequest
	capture := func(args mock.Arguments) { reqs = append(reqs, args.Get(1).(reasoner.PlanRequest)) }

	f := newTestSession(t, goal, func(c *config.SessionConfig) {
		c.ConsecutiveFailureLimit = 5
		c.VerifyEvery = 0
	})
	f.observer.On("Observe", mock.Anything).Return(login, nil).Times(3)
	f.planner.On("PlanNext", mock.Anything, mock.Anything).Run(capture).
		Return(actDecision("tap_text", map[string]any{"target": "Login"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(a vocabulary.ValidatedAction) bool {
		return a.Target == "Login"
	})).Return(permanentOutcome("element rejected the tap"), nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).Run(capture).
		Return(actDecision("tap_text", map[string]any{"target": "Sign in"}), nil).Once()
	f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(a vocabulary.ValidatedAction) bool {
		return a.Target == "Sign in"
	})).Return(permanentOutcome("element rejected the tap"), nil).Once()
	f.planner.On("PlanNext", mock.Anything, mock.Anything).Run(capture).
		Return(completeDecision("logged in"), nil).Once()
	f.verifier.On("Check", mock.Anything, "logged in", login, mock.Anything, mock.Anything).
		Return(reasoner.Verdict{Satisfied: true, Evidence: "account menu open", Confidence: 0.9}, nil).Once()

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictSucceeded, result.Verdict)
	require.Len(t, reqs, 3)
	require.Empty(t, reqs[0].RecoveryHint)
	require.Contains(t, reqs[1].RecoveryHint, "different element")
	require.Contains(t, reqs[2].RecoveryHint, "scroll")

	require.Empty(t, reqs[0].AttemptedOnScreen)
	require.Equal(t, []string{`tap_text("Login")`}, reqs[1].AttemptedOnScreen)
	require.Equal(t, []string{`tap_text("Login")`, `tap_text("Sign in")`}, reqs[2].AttemptedOnScreen)
	require.Len(t, reqs[2].History, 2)
}

// Losing the device before the first observation aborts with an explanation
// instead of crashing or hanging.
func TestRunInitialObservationFailureAborts(t *testing.T) {
	goal := TestGoal{Description: "log in"}

	f := newTestSession(t, goal)
	f.observer.On("Observe", mock.Anything).
		Return(nil, errors.New("device offline")).Times(3)

	result := f.session.Run(context.Background())

	require.Equal(t, VerdictAborted, result.Verdict)
	require.Contains(t, result.Summary, "initial observation")
	require.Equal(t, 0, result.StepsUsed)
	f.planner.AssertNotCalled(t, "PlanNext")
}

func TestNewValidatesDependencies(t *testing.T) {
	logger := zaptest.NewLogger(t)
	goal := TestGoal{Description: "log in"}
	obs, exec, plan, ver := &mockObserver{}, &mockExecutor{}, &mockPlanner{}, &mockVerifier{}

	_, err := New(nil, testConfig(), goal, "pkg", obs, exec, plan, ver)
	require.ErrorContains(t, err, "logger")

	_, err = New(logger, testConfig(), goal, "pkg", nil, exec, plan, ver)
	require.ErrorContains(t, err, "observer")

	_, err = New(logger, testConfig(), goal, "pkg", obs, nil, plan, ver)
	require.ErrorContains(t, err, "executor")

	_, err = New(logger, testConfig(), goal, "pkg", obs, exec, nil, ver)
	require.ErrorContains(t, err, "planner")

	_, err = New(logger, testConfig(), goal, "pkg", obs, exec, plan, nil)
	require.ErrorContains(t, err, "verifier")

	bad := testConfig()
	bad.MaxSteps = 0
	_, err = New(logger, bad, goal, "pkg", obs, exec, plan, ver)
	require.ErrorContains(t, err, "max_steps")

	_, err = New(logger, testConfig(), TestGoal{}, "pkg", obs, exec, plan, ver)
	require.ErrorContains(t, err, "description")
}

func TestHistoryWindowBounded(t *testing.T) {
	goal := TestGoal{Description: "log in"}
	f := newTestSession(t, goal)

	for i := 0; i < 8; i++ {
		f.session.record(Step{
			StartedAt: time.Now(),
			Claim:     fmt.Sprintf("claim %d", i+1),
			Failure:   FailureGrounding,
			Detail:    "evidence missing",
		})
	}

	window := f.session.historyWindow()
	require.Len(t, window, 5)
	require.Equal(t, 4, window[0].Index)
	require.Equal(t, 8, window[4].Index)
	require.Contains(t, window[0].Action, "claim 4")
	require.Len(t, f.session.steps, 8)
}
