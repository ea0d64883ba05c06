// internal/vocabulary/validate.go
package vocabulary

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RejectionReason is a string type used for structured rejection reporting.
// Using a custom type ensures that only predefined constants can be used where
// a RejectionReason is expected.
type RejectionReason string

const (
	RejectUnknownAction      RejectionReason = "UNKNOWN_ACTION"
	RejectMissingParameter   RejectionReason = "MISSING_PARAMETER"
	RejectMalformedParameter RejectionReason = "MALFORMED_PARAMETER"
	RejectOutOfRange         RejectionReason = "PARAMETER_OUT_OF_RANGE"
)

// Rejection explains why a proposal was refused. It is an error so validation
// keeps the usual Go shape, but it is a planning fault, not an execution
// failure: a rejected proposal never reaches a device.
type Rejection struct {
	Reason RejectionReason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("proposal rejected (%s): %s", r.Reason, r.Detail)
}

func reject(reason RejectionReason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Proposal is a candidate action exactly as the planner returned it: a raw
// name, untyped parameters, and the model's rationale. Nothing about it is
// trusted until Validate has normalized it.
type Proposal struct {
	Name      string         `json:"action"`
	Params    map[string]any `json:"params"`
	Rationale string         `json:"rationale"`
}

// Schema caps. Declared ranges, not tuning knobs.
const (
	maxSwipeCap    = 10
	maxWaitSeconds = 30.0
	minWaitSeconds = 0.1
	minSwipeMS     = 100
	maxSwipeMS     = 5000
)

// Validator checks proposals against the closed vocabulary. It is pure: no
// I/O, no mutation of the proposal, safe for concurrent use.
type Validator struct {
	// defaultPackage fills the package parameter of lifecycle actions when
	// the planner omits it. Empty means the parameter is required.
	defaultPackage string
	// defaultMaxSwipes is the scroll_until_text budget when unspecified.
	defaultMaxSwipes int
}

// NewValidator builds a Validator. defaultMaxSwipes values outside the schema
// range fall back to 3.
func NewValidator(defaultPackage string, defaultMaxSwipes int) *Validator {
	if defaultMaxSwipes < 1 || defaultMaxSwipes > maxSwipeCap {
		defaultMaxSwipes = 3
	}
	return &Validator{defaultPackage: defaultPackage, defaultMaxSwipes: defaultMaxSwipes}
}

// Validate accepts a proposal iff its name belongs to the vocabulary and every
// required parameter is present, well formed, and within its declared range.
// On acceptance it returns the normalized action; otherwise the error is a
// *Rejection carrying the enumerated reason.
func (v *Validator) Validate(p Proposal) (ValidatedAction, error) {
	name := strings.TrimSpace(strings.ToLower(p.Name))
	action := ValidatedAction{Type: ActionType(name), Rationale: p.Rationale}
	if _, ok := Catalog[action.Type]; !ok {
		return ValidatedAction{}, reject(RejectUnknownAction, "%q is not in the action vocabulary", p.Name)
	}

	var err error
	switch action.Type {
	case ActionTap:
		if action.X, err = unitParam(p.Params, "x"); err != nil {
			return ValidatedAction{}, err
		}
		if action.Y, err = unitParam(p.Params, "y"); err != nil {
			return ValidatedAction{}, err
		}

	case ActionTapText, ActionAssertTextPresent:
		if action.Target, err = textParam(p.Params, "target"); err != nil {
			return ValidatedAction{}, err
		}

	case ActionTapAndType:
		if action.Target, err = textParam(p.Params, "target"); err != nil {
			return ValidatedAction{}, err
		}
		if action.Text, err = textParam(p.Params, "text"); err != nil {
			return ValidatedAction{}, err
		}

	case ActionTypeText:
		if action.Text, err = textParam(p.Params, "text"); err != nil {
			return ValidatedAction{}, err
		}

	case ActionSwipe:
		for key, dst := range map[string]*float64{
			"from_x": &action.FromX, "from_y": &action.FromY,
			"to_x": &action.ToX, "to_y": &action.ToY,
		} {
			if *dst, err = unitParam(p.Params, key); err != nil {
				return ValidatedAction{}, err
			}
		}
		action.DurationMS = 300
		if raw, ok := p.Params["duration_ms"]; ok {
			ms, ok := asFloat(raw)
			if !ok {
				return ValidatedAction{}, reject(RejectMalformedParameter, "duration_ms must be a number, got %T", raw)
			}
			if ms < minSwipeMS || ms > maxSwipeMS {
				return ValidatedAction{}, reject(RejectOutOfRange, "duration_ms %v outside [%d, %d]", ms, minSwipeMS, maxSwipeMS)
			}
			action.DurationMS = int(ms)
		}

	case ActionScroll:
		if action.Direction, err = directionParam(p.Params, "direction", ""); err != nil {
			return ValidatedAction{}, err
		}

	case ActionScrollUntilText:
		if action.Target, err = textParam(p.Params, "target"); err != nil {
			return ValidatedAction{}, err
		}
		if action.Direction, err = directionParam(p.Params, "direction", DirectionDown); err != nil {
			return ValidatedAction{}, err
		}
		action.MaxSwipes = v.defaultMaxSwipes
		if raw, ok := p.Params["max_swipes"]; ok {
			n, ok := asFloat(raw)
			if !ok {
				return ValidatedAction{}, reject(RejectMalformedParameter, "max_swipes must be a number, got %T", raw)
			}
			if n < 1 || n > maxSwipeCap {
				return ValidatedAction{}, reject(RejectOutOfRange, "max_swipes %v outside [1, %d]", n, maxSwipeCap)
			}
			action.MaxSwipes = int(n)
		}

	case ActionKeyEvent:
		code, err := textParam(p.Params, "keycode")
		if err != nil {
			// Numeric keycodes are accepted too.
			if n, ok := asFloat(p.Params["keycode"]); ok {
				code = strconv.Itoa(int(n))
			} else {
				return ValidatedAction{}, err
			}
		}
		action.KeyCode = code

	case ActionBack, ActionHome, ActionScreenshot:
		// No parameters.

	case ActionLaunchApp, ActionForceStop, ActionClearData, ActionRelaunchApp:
		pkg, err := textParam(p.Params, "package")
		if err != nil {
			if v.defaultPackage == "" {
				return ValidatedAction{}, err
			}
			pkg = v.defaultPackage
		}
		action.Package = pkg

	case ActionWait:
		if action.Seconds, err = secondsParam(p.Params, "seconds", 0); err != nil {
			return ValidatedAction{}, err
		}

	case ActionWaitForText:
		if action.Target, err = textParam(p.Params, "target"); err != nil {
			return ValidatedAction{}, err
		}
		if action.Seconds, err = secondsParam(p.Params, "seconds", 10); err != nil {
			return ValidatedAction{}, err
		}
	}

	return action, nil
}

// -- Parameter Extraction Helpers --

// asFloat coerces the numeric shapes JSON decoding can produce.
func asFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func textParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", reject(RejectMissingParameter, "required parameter %q is missing", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", reject(RejectMalformedParameter, "parameter %q must be a string, got %T", key, raw)
	}
	if strings.TrimSpace(s) == "" {
		return "", reject(RejectMalformedParameter, "parameter %q must not be empty", key)
	}
	return s, nil
}

func unitParam(params map[string]any, key string) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return 0, reject(RejectMissingParameter, "required parameter %q is missing", key)
	}
	f, ok := asFloat(raw)
	if !ok {
		return 0, reject(RejectMalformedParameter, "parameter %q must be a number, got %T", key, raw)
	}
	if f < 0 || f > 1 {
		return 0, reject(RejectOutOfRange, "parameter %q = %v outside the unit range [0, 1]", key, f)
	}
	return f, nil
}

// secondsParam extracts a bounded wait duration. A zero fallback makes the
// parameter required.
func secondsParam(params map[string]any, key string, fallback float64) (float64, error) {
	raw, ok := params[key]
	if !ok {
		if fallback > 0 {
			return fallback, nil
		}
		return 0, reject(RejectMissingParameter, "required parameter %q is missing", key)
	}
	f, ok := asFloat(raw)
	if !ok {
		return 0, reject(RejectMalformedParameter, "parameter %q must be a number, got %T", key, raw)
	}
	if f < minWaitSeconds || f > maxWaitSeconds {
		return 0, reject(RejectOutOfRange, "parameter %q = %v outside [%v, %v] seconds", key, f, minWaitSeconds, maxWaitSeconds)
	}
	return f, nil
}

func directionParam(params map[string]any, key string, fallback Direction) (Direction, error) {
	raw, ok := params[key]
	if !ok {
		if fallback != "" {
			return fallback, nil
		}
		return "", reject(RejectMissingParameter, "required parameter %q is missing", key)
	}
	s, ok := raw.(string)
	if !ok {
		return "", reject(RejectMalformedParameter, "parameter %q must be a string, got %T", key, raw)
	}
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case DirectionUp, DirectionDown, DirectionLeft, DirectionRight:
		return d, nil
	}
	return "", reject(RejectOutOfRange, "parameter %q = %q is not one of up, down, left, right", key, s)
}
