// internal/reasoner/prompts.go
package reasoner

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/vocabulary"
)

// maxPromptElements bounds how much of the element tree reaches the prompt.
// Deep trees past this point are summarized by a count instead.
const maxPromptElements = 60

const plannerSystemPrompt = `You are a mobile app QA automation planner. You control one Android device through a fixed action vocabulary and work toward a natural-language test goal, one action per turn.

IMPORTANT RULES:
1. Output ONLY a single valid JSON object. No markdown fences, no prose.
2. Propose exactly ONE action per turn. After it runs you will see the new screen.
3. Prefer text-addressed actions (tap_text, scroll_until_text) over raw coordinates; use tap with coordinates only when no element text identifies the target.
4. Coordinates, where needed, are NORMALIZED floats from 0.0 to 1.0. (0,0) is top-left.
5. Declare completion only when the success criteria are visible on the CURRENT screen. You do not decide success; an independent check does.
6. If the same action keeps failing, try a different approach instead of repeating it.

OUTPUT FORMAT, one of three decisions:
{"decision": "act", "action": {"action": "<action name>", "params": { ... }}, "rationale": "<why this action now>"}
{"decision": "complete", "claim": "<what on the current screen satisfies the goal>", "rationale": "<reasoning>"}
{"decision": "give_up", "claim": "<what makes the goal unreachable>", "rationale": "<reasoning>"}`

const verifierSystemPrompt = `You are a QA verification judge. You are shown a claim about the state of a mobile app plus the current screen. Decide whether the claim is actually satisfied by what is visible.

IMPORTANT RULES:
1. Output ONLY a single valid JSON object. No markdown fences, no prose.
2. Judge only what you can see. Absence of evidence means the claim is NOT satisfied.
3. Be precise: name the on-screen elements or text your judgment rests on.
4. Report honest confidence; use a low value when the evidence is ambiguous.

OUTPUT FORMAT (JSON):
{"satisfied": true or false, "evidence": "<what you observed that supports the verdict>", "confidence": 0.0-1.0}`

// renderCatalog lists the vocabulary with parameter shapes, in stable order.
func renderCatalog() string {
	var b strings.Builder
	b.WriteString("AVAILABLE ACTIONS:\n")
	for _, at := range vocabulary.AllActions {
		doc := vocabulary.Catalog[at]
		fmt.Fprintf(&b, "- %s: %s Params: %s\n", at, doc.Description, doc.Params)
	}
	return b.String()
}

// renderElements flattens the observation's element tree into numbered lines
// the model can reference. Flags are only printed when set, which keeps the
// common rows short.
func renderElements(obs *schemas.Observation) string {
	if obs == nil || len(obs.Elements) == 0 {
		return "(no elements detected on this screen)"
	}

	var b strings.Builder
	shown := len(obs.Elements)
	if shown > maxPromptElements {
		shown = maxPromptElements
	}
	for i := 0; i < shown; i++ {
		el := obs.Elements[i]
		fmt.Fprintf(&b, "[%d] %s", i, shortRole(el.Role))
		if label := el.Label(); label != "" {
			fmt.Fprintf(&b, " %q", label)
		}
		if el.ResourceID != "" {
			fmt.Fprintf(&b, " id=%s", el.ResourceID)
		}
		var flags []string
		if el.Clickable {
			flags = append(flags, "clickable")
		}
		if el.Scrollable {
			flags = append(flags, "scrollable")
		}
		if el.Focused {
			flags = append(flags, "focused")
		}
		if !el.Enabled {
			flags = append(flags, "disabled")
		}
		if len(flags) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(flags, ","))
		}
		fmt.Fprintf(&b, " bounds=%s\n", el.Bounds)
	}
	if rest := len(obs.Elements) - shown; rest > 0 {
		fmt.Fprintf(&b, "... and %d more elements below; scroll to reveal them\n", rest)
	}
	return b.String()
}

// shortRole trims the android.widget prefix noise from class names.
func shortRole(role string) string {
	if idx := strings.LastIndex(role, "."); idx >= 0 {
		return role[idx+1:]
	}
	return role
}

// renderHistory compresses prior steps into one line each.
func renderHistory(history []HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nPREVIOUS STEPS (oldest first):\n")
	for _, h := range history {
		fmt.Fprintf(&b, "%d. %s -> %s\n", h.Index, h.Action, h.Outcome)
	}
	return b.String()
}

// buildPlannerUserPrompt assembles the per-step prompt body.
func buildPlannerUserPrompt(req PlanRequest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "TEST GOAL: %s\n", req.Goal)
	if req.SuccessCriteria != "" {
		fmt.Fprintf(&b, "SUCCESS CRITERIA: %s\n", req.SuccessCriteria)
	}
	if req.AppPackage != "" {
		fmt.Fprintf(&b, "APP UNDER TEST: %s\n", req.AppPackage)
	}
	fmt.Fprintf(&b, "STEP BUDGET: %d of %d steps used\n", req.StepsUsed, req.StepsMax)

	b.WriteString("\n")
	b.WriteString(renderCatalog())

	b.WriteString("\nCURRENT SCREEN")
	if req.Observation != nil && req.Observation.Activity != "" {
		fmt.Fprintf(&b, " (activity %s)", req.Observation.Activity)
	}
	b.WriteString(":\n")
	b.WriteString(renderElements(req.Observation))

	b.WriteString(renderHistory(req.History))

	if len(req.AttemptedOnScreen) > 0 {
		b.WriteString("\nALREADY TRIED ON THIS EXACT SCREEN (do not repeat):\n")
		for _, a := range req.AttemptedOnScreen {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if req.RecoveryHint != "" {
		fmt.Fprintf(&b, "\nRECOVERY GUIDANCE: %s\n", req.RecoveryHint)
	}

	b.WriteString("\nDecide the single next move toward the goal and answer with one JSON object.")
	return b.String()
}

// buildVerifierUserPrompt frames one claim for independent judgment.
func buildVerifierUserPrompt(claim string, obs *schemas.Observation, extraContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CLAIM TO VERIFY: %s\n", claim)
	if extraContext != "" {
		fmt.Fprintf(&b, "CONTEXT: %s\n", extraContext)
	}
	b.WriteString("\nCURRENT SCREEN")
	if obs != nil && obs.Activity != "" {
		fmt.Fprintf(&b, " (activity %s)", obs.Activity)
	}
	b.WriteString(":\n")
	b.WriteString(renderElements(obs))
	b.WriteString("\nIs the claim satisfied by this screen? Answer with one JSON object.")
	return b.String()
}
