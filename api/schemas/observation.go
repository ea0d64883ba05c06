// File: api/schemas/observation.go
package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// -- Screen Observation Contract --

// Rect is an element's bounding box in screen pixels.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Center returns the midpoint of the rectangle, the natural tap target.
func (r Rect) Center() (int, int) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Width returns the horizontal extent.
func (r Rect) Width() int { return r.Right - r.Left }

// Height returns the vertical extent.
func (r Rect) Height() int { return r.Bottom - r.Top }

func (r Rect) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", r.Left, r.Top, r.Right, r.Bottom)
}

// Element is one node of the inspected UI tree, flattened into the fields the
// planner and the executor care about.
type Element struct {
	Role        string `json:"role"`                   // Android widget class, e.g. android.widget.Button.
	Text        string `json:"text,omitempty"`         // Visible text.
	ContentDesc string `json:"content_desc,omitempty"` // Accessibility description.
	ResourceID  string `json:"resource_id,omitempty"`  // Developer-assigned view id.
	Bounds      Rect   `json:"bounds"`
	Clickable   bool   `json:"clickable"`
	Enabled     bool   `json:"enabled"`
	Focused     bool   `json:"focused"`
	Scrollable  bool   `json:"scrollable"`
}

// Label returns the element's best human-readable handle: its text when
// present, otherwise the accessibility description.
func (e Element) Label() string {
	if e.Text != "" {
		return e.Text
	}
	return e.ContentDesc
}

// Observation is an immutable snapshot of device UI state: the ordered element
// tree plus a reference to the screenshot captured alongside it. It is owned
// by the step that produced it and never mutated afterwards.
type Observation struct {
	ID             string    `json:"id"`
	TakenAt        time.Time `json:"taken_at"`
	Activity       string    `json:"activity,omitempty"` // Focused activity, best effort.
	ScreenshotPath string    `json:"screenshot_path,omitempty"`
	ScreenWidth    int       `json:"screen_width"`
	ScreenHeight   int       `json:"screen_height"`
	Elements       []Element `json:"elements"`
}

// matchesText is the single text-matching rule used everywhere: exact match
// wins, then a case-insensitive substring match on text or content-desc.
func matchesText(e Element, target string) bool {
	if e.Text == target || e.ContentDesc == target {
		return true
	}
	folded := strings.ToLower(target)
	return strings.Contains(strings.ToLower(e.Text), folded) ||
		strings.Contains(strings.ToLower(e.ContentDesc), folded)
}

// FindText locates the first element matching the target text, preferring an
// exact match over a case-insensitive substring match so "Log in" does not
// accidentally resolve to "Log in with Google" when both are on screen.
func (o *Observation) FindText(target string) (Element, bool) {
	for _, e := range o.Elements {
		if e.Text == target || e.ContentDesc == target {
			return e, true
		}
	}
	for _, e := range o.Elements {
		if matchesText(e, target) {
			return e, true
		}
	}
	return Element{}, false
}

// ContainsText reports whether any element matches the target text.
func (o *Observation) ContainsText(target string) bool {
	_, ok := o.FindText(target)
	return ok
}

// VisibleTexts returns the distinct labels on screen in document order,
// truncated to limit entries. Zero means no limit.
func (o *Observation) VisibleTexts(limit int) []string {
	seen := make(map[string]struct{}, len(o.Elements))
	var texts []string
	for _, e := range o.Elements {
		label := e.Label()
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		texts = append(texts, label)
		if limit > 0 && len(texts) >= limit {
			break
		}
	}
	return texts
}

// Signature digests the inspected state (activity plus every element's role,
// label, and bounds) into a stable hex string. Two observations with equal
// signatures showed the same inspected UI; comparing them is how verification
// decides whether an action had any visible effect.
func (o *Observation) Signature() string {
	h := sha256.New()
	fmt.Fprintf(h, "activity=%s\n", o.Activity)
	for _, e := range o.Elements {
		fmt.Fprintf(h, "%s|%s|%s|%s|%v%v%v%v\n",
			e.Role, e.Text, e.ContentDesc, e.Bounds, e.Clickable, e.Enabled, e.Focused, e.Scrollable)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
