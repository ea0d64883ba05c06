// internal/vocabulary/actions.go
package vocabulary

// ActionType is an enumeration of every UI action the planner may propose.
// The set is closed: a proposal naming anything else is rejected before it
// can reach a device.
type ActionType string

const (
	// -- Pointer Input --
	ActionTap        ActionType = "tap"         // Taps a point given in unit coordinates.
	ActionTapText    ActionType = "tap_text"    // Taps the first element whose text matches the target.
	ActionTapAndType ActionType = "tap_and_type" // Taps the target element, then types text into it.
	ActionTypeText   ActionType = "type_text"   // Types text into the focused element.
	ActionSwipe      ActionType = "swipe"       // Swipes between two unit-coordinate points.

	// -- Scrolling --
	ActionScroll          ActionType = "scroll"            // Scrolls one screen in a direction.
	ActionScrollUntilText ActionType = "scroll_until_text" // Scrolls repeatedly until the target text is visible.

	// -- Keys --
	ActionKeyEvent ActionType = "key_event" // Sends a named or numeric Android key event.
	ActionBack     ActionType = "back"      // Presses the hardware back key.
	ActionHome     ActionType = "home"      // Presses the home key.

	// -- App Lifecycle --
	ActionLaunchApp   ActionType = "launch_app"   // Launches the package's main activity.
	ActionForceStop   ActionType = "force_stop"   // Force stops the package.
	ActionClearData   ActionType = "clear_data"   // Clears the package's app data.
	ActionRelaunchApp ActionType = "relaunch_app" // Force stops, then launches again.

	// -- Waiting & Inspection --
	ActionWait              ActionType = "wait"                // Sleeps for a bounded number of seconds.
	ActionWaitForText       ActionType = "wait_for_text"       // Polls the screen until the target text appears.
	ActionAssertTextPresent ActionType = "assert_text_present" // Checks that the target text is on screen right now.
	ActionScreenshot        ActionType = "screenshot"          // Captures a screenshot without touching the UI.
)

// Direction constrains the scroll family to the four screen axes.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLeft  Direction = "left"
	DirectionRight Direction = "right"
)

// ValidatedAction is the normalized, typed form of an accepted proposal. It is
// produced only by Validator.Validate and is the only action shape a device
// executor accepts. Fields are populated per action type; unused fields stay
// zero.
type ValidatedAction struct {
	Type ActionType `json:"type"`

	Target    string    `json:"target,omitempty"`    // Element text for text-addressed actions.
	Text      string    `json:"text,omitempty"`      // Text to type.
	X         float64   `json:"x,omitempty"`         // Unit-range tap point.
	Y         float64   `json:"y,omitempty"`
	FromX     float64   `json:"from_x,omitempty"`    // Unit-range swipe endpoints.
	FromY     float64   `json:"from_y,omitempty"`
	ToX       float64   `json:"to_x,omitempty"`
	ToY       float64   `json:"to_y,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	DurationMS int      `json:"duration_ms,omitempty"` // Swipe duration.
	KeyCode   string    `json:"keycode,omitempty"`     // Android keycode name or number.
	Package   string    `json:"package,omitempty"`     // App id for lifecycle actions.
	Seconds   float64   `json:"seconds,omitempty"`     // Wait budget.
	MaxSwipes int       `json:"max_swipes,omitempty"`  // Swipe budget for scroll_until_text.

	// Rationale carries the planner's stated justification through to the
	// step record. It plays no part in validation or execution.
	Rationale string `json:"rationale,omitempty"`
}

// ExpectsEffect reports whether executing the action should visibly change
// the element tree. Verification treats an unchanged screen after one of
// these as a grounding failure; the remaining actions are read-only or leave
// no on-screen trace, so an unchanged screen proves nothing either way.
func (a ValidatedAction) ExpectsEffect() bool {
	switch a.Type {
	case ActionWait, ActionWaitForText, ActionAssertTextPresent, ActionScreenshot, ActionClearData:
		return false
	}
	return true
}

// Doc describes one vocabulary member for prompt construction: the exact
// parameter shape the planner must emit and a one-line description.
type Doc struct {
	Params      string
	Description string
}

// Catalog maps every action to its prompt documentation. The reasoner renders
// this into the planner's system prompt so the model and the validator always
// agree on the schema.
var Catalog = map[ActionType]Doc{
	ActionTap:               {`{"x": 0.0-1.0, "y": 0.0-1.0}`, "Tap a point in screen-relative coordinates."},
	ActionTapText:           {`{"target": "<visible text>"}`, "Tap the first element whose text matches."},
	ActionTapAndType:        {`{"target": "<visible text>", "text": "<text to type>"}`, "Tap a field, then type into it."},
	ActionTypeText:          {`{"text": "<text to type>"}`, "Type into the currently focused field."},
	ActionSwipe:             {`{"from_x": 0.0-1.0, "from_y": 0.0-1.0, "to_x": 0.0-1.0, "to_y": 0.0-1.0, "duration_ms": 100-5000 (optional)}`, "Swipe between two points."},
	ActionScroll:            {`{"direction": "up|down|left|right"}`, "Scroll one screen."},
	ActionScrollUntilText:   {`{"target": "<visible text>", "direction": "up|down|left|right" (optional), "max_swipes": 1-10 (optional)}`, "Scroll until the text becomes visible."},
	ActionKeyEvent:          {`{"keycode": "KEYCODE_ENTER or 66"}`, "Send an Android key event."},
	ActionBack:              {`{}`, "Press the back key."},
	ActionHome:              {`{}`, "Press the home key."},
	ActionLaunchApp:         {`{"package": "<app id>" (optional when a package is configured)}`, "Launch the app."},
	ActionForceStop:         {`{"package": "<app id>" (optional when a package is configured)}`, "Force stop the app."},
	ActionClearData:         {`{"package": "<app id>" (optional when a package is configured)}`, "Clear the app's data."},
	ActionRelaunchApp:       {`{"package": "<app id>" (optional when a package is configured)}`, "Force stop and launch again."},
	ActionWait:              {`{"seconds": 0.1-30}`, "Wait for the UI to settle."},
	ActionWaitForText:       {`{"target": "<visible text>", "seconds": 0.1-30 (optional)}`, "Wait until the text appears on screen."},
	ActionAssertTextPresent: {`{"target": "<visible text>"}`, "Assert the text is visible right now."},
	ActionScreenshot:        {`{}`, "Capture a screenshot."},
}

// AllActions lists the vocabulary in the order it is rendered into prompts:
// pointer input, scrolling, keys, lifecycle, then waiting and inspection.
var AllActions = []ActionType{
	ActionTap, ActionTapText, ActionTapAndType, ActionTypeText, ActionSwipe,
	ActionScroll, ActionScrollUntilText,
	ActionKeyEvent, ActionBack, ActionHome,
	ActionLaunchApp, ActionForceStop, ActionClearData, ActionRelaunchApp,
	ActionWait, ActionWaitForText, ActionAssertTextPresent, ActionScreenshot,
}

// isLifecycle reports whether the action's package parameter may fall back to
// the session's app under test.
func (a ActionType) isLifecycle() bool {
	switch a {
	case ActionLaunchApp, ActionForceStop, ActionClearData, ActionRelaunchApp:
		return true
	}
	return false
}
