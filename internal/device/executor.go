// internal/device/executor.go
package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

// OutcomeStatus is the execution result of one validated action.
type OutcomeStatus string

const (
	OutcomeSucceeded       OutcomeStatus = "succeeded"
	OutcomeFailedTransient OutcomeStatus = "failed_transient" // Retrying the same action may help.
	OutcomeFailedPermanent OutcomeStatus = "failed_permanent" // Retrying the same action cannot help.
)

// Outcome reports what executing an action did. Expected UI-level failures
// (element missing, assertion false, device hiccup) come back as failed
// outcomes, not errors; the session layer decides what to do with them.
type Outcome struct {
	Status      OutcomeStatus        `json:"status"`
	ErrorCode   ErrorCode            `json:"error_code,omitempty"`
	ErrorDetail string               `json:"error_detail,omitempty"`
	Observation *schemas.Observation `json:"-"` // Present when the action inspected the screen itself.
}

// Succeeded is a convenience check for the happy path.
func (o *Outcome) Succeeded() bool { return o != nil && o.Status == OutcomeSucceeded }

// Observer supplies fresh screen snapshots to text-addressed actions. The
// concrete implementation lives in the observer package; declaring the
// dependency here keeps this package free of upward imports.
type Observer interface {
	Observe(ctx context.Context) (*schemas.Observation, error)
}

// actionHandler executes one action type. Handlers return a typed outcome for
// expected failures and a plain error for device trouble, which Execute then
// classifies.
type actionHandler func(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error)

// Executor translates validated actions into adb commands on one device. It
// dispatches through a per-type handler map and never sees a raw proposal;
// validation happened upstream or the action does not get here at all.
type Executor struct {
	logger   *zap.Logger
	ctrl     *Controller
	observer Observer
	handlers map[vocabulary.ActionType]actionHandler
}

// NewExecutor creates and initializes the executor with its handler map.
func NewExecutor(logger *zap.Logger, ctrl *Controller, observer Observer) *Executor {
	e := &Executor{
		logger:   logger.Named("executor").With(zap.String("serial", ctrl.Serial())),
		ctrl:     ctrl,
		observer: observer,
	}
	e.handlers = map[vocabulary.ActionType]actionHandler{
		vocabulary.ActionTap:               e.handleTap,
		vocabulary.ActionTapText:           e.handleTapText,
		vocabulary.ActionTapAndType:        e.handleTapAndType,
		vocabulary.ActionTypeText:          e.handleTypeText,
		vocabulary.ActionSwipe:             e.handleSwipe,
		vocabulary.ActionScroll:            e.handleScroll,
		vocabulary.ActionScrollUntilText:   e.handleScrollUntilText,
		vocabulary.ActionKeyEvent:          e.handleKeyEvent,
		vocabulary.ActionBack:              e.handleBack,
		vocabulary.ActionHome:              e.handleHome,
		vocabulary.ActionLaunchApp:         e.handleLaunchApp,
		vocabulary.ActionForceStop:         e.handleForceStop,
		vocabulary.ActionClearData:         e.handleClearData,
		vocabulary.ActionRelaunchApp:       e.handleRelaunchApp,
		vocabulary.ActionWait:              e.handleWait,
		vocabulary.ActionWaitForText:       e.handleWaitForText,
		vocabulary.ActionAssertTextPresent: e.handleAssertText,
		vocabulary.ActionScreenshot:        e.handleScreenshot,
	}
	return e
}

// Execute runs one validated action and reports its outcome. Device errors
// raised by handlers are classified into transient or permanent failures here
// so every handler stays a straight-line adb script.
func (e *Executor) Execute(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	handler, ok := e.handlers[action.Type]
	if !ok {
		// Validation guarantees membership, so this is a wiring bug.
		return nil, fmt.Errorf("no handler registered for action type %q", action.Type)
	}

	e.logger.Debug("executing action", zap.String("type", string(action.Type)), zap.String("target", action.Target))
	outcome, err := handler(ctx, action)
	if err != nil {
		code, transient := ClassifyError(err)
		status := OutcomeFailedPermanent
		if transient {
			status = OutcomeFailedTransient
		}
		e.logger.Warn("action failed",
			zap.String("type", string(action.Type)),
			zap.String("code", string(code)),
			zap.Bool("transient", transient),
			zap.Error(err))
		return &Outcome{Status: status, ErrorCode: code, ErrorDetail: err.Error()}, nil
	}
	return outcome, nil
}

// -- Coordinate Helpers --

// toPixels converts unit-range coordinates to device pixels, clamped to the
// visible screen.
func (e *Executor) toPixels(ctx context.Context, x, y float64) (int, int, error) {
	w, h, err := e.ctrl.ScreenSize(ctx)
	if err != nil {
		return 0, 0, err
	}
	px := int(x * float64(w))
	py := int(y * float64(h))
	if px >= w {
		px = w - 1
	}
	if py >= h {
		py = h - 1
	}
	if px < 0 {
		px = 0
	}
	if py < 0 {
		py = 0
	}
	return px, py, nil
}

// sleepCtx waits without ignoring cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// -- Handlers --

func (e *Executor) handleTap(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	px, py, err := e.toPixels(ctx, action.X, action.Y)
	if err != nil {
		return nil, err
	}
	if err := e.ctrl.Tap(ctx, px, py); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

// findTarget resolves visible text to an element, distinguishing observation
// trouble from the text genuinely not being on screen.
func (e *Executor) findTarget(ctx context.Context, target string) (schemas.Element, *schemas.Observation, *Outcome, error) {
	obs, err := e.observer.Observe(ctx)
	if err != nil {
		return schemas.Element{}, nil, nil, err
	}
	el, found := obs.FindText(target)
	if !found {
		return schemas.Element{}, obs, &Outcome{
			Status:      OutcomeFailedPermanent,
			ErrorCode:   ErrCodeElementNotFound,
			ErrorDetail: fmt.Sprintf("no element with text %q on the current screen", target),
			Observation: obs,
		}, nil
	}
	return el, obs, nil, nil
}

func (e *Executor) handleTapText(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	el, _, failed, err := e.findTarget(ctx, action.Target)
	if err != nil || failed != nil {
		return failed, err
	}
	cx, cy := el.Bounds.Center()
	if err := e.ctrl.Tap(ctx, cx, cy); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleTapAndType(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	el, _, failed, err := e.findTarget(ctx, action.Target)
	if err != nil || failed != nil {
		return failed, err
	}
	cx, cy := el.Bounds.Center()
	if err := e.ctrl.Tap(ctx, cx, cy); err != nil {
		return nil, err
	}
	// Give the field a beat to take focus before typing into it.
	if err := sleepCtx(ctx, 300*time.Millisecond); err != nil {
		return nil, err
	}
	if err := e.ctrl.TypeText(ctx, action.Text); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleTypeText(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.TypeText(ctx, action.Text); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleSwipe(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	x1, y1, err := e.toPixels(ctx, action.FromX, action.FromY)
	if err != nil {
		return nil, err
	}
	x2, y2, err := e.toPixels(ctx, action.ToX, action.ToY)
	if err != nil {
		return nil, err
	}
	if err := e.ctrl.Swipe(ctx, x1, y1, x2, y2, action.DurationMS); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

// scrollEndpoints maps a direction to unit-range swipe endpoints. Scrolling
// down drags content upward, mirroring a finger flick.
func scrollEndpoints(dir vocabulary.Direction) (fx, fy, tx, ty float64) {
	switch dir {
	case vocabulary.DirectionDown:
		return 0.5, 0.7, 0.5, 0.3
	case vocabulary.DirectionUp:
		return 0.5, 0.3, 0.5, 0.7
	case vocabulary.DirectionLeft:
		return 0.7, 0.5, 0.3, 0.5
	case vocabulary.DirectionRight:
		return 0.3, 0.5, 0.7, 0.5
	}
	return 0.5, 0.7, 0.5, 0.3
}

func (e *Executor) scrollOnce(ctx context.Context, dir vocabulary.Direction) error {
	fx, fy, tx, ty := scrollEndpoints(dir)
	x1, y1, err := e.toPixels(ctx, fx, fy)
	if err != nil {
		return err
	}
	x2, y2, err := e.toPixels(ctx, tx, ty)
	if err != nil {
		return err
	}
	return e.ctrl.Swipe(ctx, x1, y1, x2, y2, 300)
}

func (e *Executor) handleScroll(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.scrollOnce(ctx, action.Direction); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleScrollUntilText(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	var lastObs *schemas.Observation
	for i := 0; i <= action.MaxSwipes; i++ {
		obs, err := e.observer.Observe(ctx)
		if err != nil {
			return nil, err
		}
		lastObs = obs
		if obs.ContainsText(action.Target) {
			return &Outcome{Status: OutcomeSucceeded, Observation: obs}, nil
		}
		if i == action.MaxSwipes {
			break
		}
		if err := e.scrollOnce(ctx, action.Direction); err != nil {
			return nil, err
		}
		if err := sleepCtx(ctx, 400*time.Millisecond); err != nil {
			return nil, err
		}
	}
	return &Outcome{
		Status:      OutcomeFailedPermanent,
		ErrorCode:   ErrCodeElementNotFound,
		ErrorDetail: fmt.Sprintf("text %q did not appear within %d swipes", action.Target, action.MaxSwipes),
		Observation: lastObs,
	}, nil
}

func (e *Executor) handleKeyEvent(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.KeyEvent(ctx, action.KeyCode); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleBack(ctx context.Context, _ vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.KeyEvent(ctx, "KEYCODE_BACK"); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleHome(ctx context.Context, _ vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.KeyEvent(ctx, "KEYCODE_HOME"); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleLaunchApp(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.LaunchApp(ctx, action.Package); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleForceStop(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.ForceStop(ctx, action.Package); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleClearData(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.ClearData(ctx, action.Package); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleRelaunchApp(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := e.ctrl.ForceStop(ctx, action.Package); err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		return nil, err
	}
	if err := e.ctrl.LaunchApp(ctx, action.Package); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleWait(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	if err := sleepCtx(ctx, time.Duration(action.Seconds*float64(time.Second))); err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded}, nil
}

func (e *Executor) handleWaitForText(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	deadline := time.Now().Add(time.Duration(action.Seconds * float64(time.Second)))
	var lastObs *schemas.Observation
	for {
		obs, err := e.observer.Observe(ctx)
		if err != nil {
			return nil, err
		}
		lastObs = obs
		if obs.ContainsText(action.Target) {
			return &Outcome{Status: OutcomeSucceeded, Observation: obs}, nil
		}
		if time.Now().After(deadline) {
			return &Outcome{
				Status:      OutcomeFailedPermanent,
				ErrorCode:   ErrCodeElementNotFound,
				ErrorDetail: fmt.Sprintf("text %q did not appear within %.1fs", action.Target, action.Seconds),
				Observation: lastObs,
			}, nil
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) handleAssertText(ctx context.Context, action vocabulary.ValidatedAction) (*Outcome, error) {
	obs, err := e.observer.Observe(ctx)
	if err != nil {
		return nil, err
	}
	if obs.ContainsText(action.Target) {
		return &Outcome{Status: OutcomeSucceeded, Observation: obs}, nil
	}
	return &Outcome{
		Status:      OutcomeFailedPermanent,
		ErrorCode:   ErrCodeAssertionFailed,
		ErrorDetail: fmt.Sprintf("expected text %q is not on screen", action.Target),
		Observation: obs,
	}, nil
}

func (e *Executor) handleScreenshot(ctx context.Context, _ vocabulary.ValidatedAction) (*Outcome, error) {
	obs, err := e.observer.Observe(ctx)
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeSucceeded, Observation: obs}, nil
}
