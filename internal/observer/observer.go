// internal/observer/observer.go

// Package observer turns raw device state into structured observations. Each
// snapshot pairs the uiautomator view hierarchy with a screenshot saved to the
// run's artifact directory, so both the planner prompt and a human reading the
// run afterwards see the same screen.
package observer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/api/schemas"
)

var uuidNewString = uuid.NewString

// deviceInspector is the slice of the adb controller the observer needs.
type deviceInspector interface {
	Screencap(ctx context.Context) ([]byte, error)
	DumpUIHierarchy(ctx context.Context) (string, error)
	FocusedActivity(ctx context.Context) (string, error)
	ScreenSize(ctx context.Context) (int, int, error)
}

// Observer captures screen snapshots from one device.
type Observer struct {
	logger      *zap.Logger
	device      deviceInspector
	artifactDir string
	seq         atomic.Int64
}

// New builds an Observer. artifactDir may be empty, in which case screenshots
// are discarded after capture.
func New(logger *zap.Logger, device deviceInspector, artifactDir string) *Observer {
	return &Observer{
		logger:      logger.Named("observer"),
		device:      device,
		artifactDir: artifactDir,
	}
}

// Observe captures the current screen as an immutable observation. The view
// hierarchy is required; the screenshot and focused activity are best effort
// and their absence is logged rather than failed on.
func (o *Observer) Observe(ctx context.Context) (*schemas.Observation, error) {
	xml, err := o.device.DumpUIHierarchy(ctx)
	if err != nil {
		return nil, fmt.Errorf("observing screen: %w", err)
	}
	elements, err := ParseHierarchy(xml)
	if err != nil {
		return nil, fmt.Errorf("observing screen: %w", err)
	}

	obs := &schemas.Observation{
		ID:       uuidNewString(),
		TakenAt:  time.Now().UTC(),
		Elements: elements,
	}

	if w, h, err := o.device.ScreenSize(ctx); err == nil {
		obs.ScreenWidth, obs.ScreenHeight = w, h
	} else {
		o.logger.Warn("screen size unavailable", zap.Error(err))
	}

	if activity, err := o.device.FocusedActivity(ctx); err == nil {
		obs.Activity = activity
	} else {
		o.logger.Debug("focused activity unavailable", zap.Error(err))
	}

	if path, err := o.captureScreenshot(ctx); err == nil {
		obs.ScreenshotPath = path
	} else {
		o.logger.Warn("screenshot capture failed", zap.Error(err))
	}

	o.logger.Debug("observation captured",
		zap.String("id", obs.ID),
		zap.String("activity", obs.Activity),
		zap.Int("elements", len(obs.Elements)))
	return obs, nil
}

// captureScreenshot grabs a PNG and writes it under the artifact directory
// with a monotonically increasing name.
func (o *Observer) captureScreenshot(ctx context.Context) (string, error) {
	if o.artifactDir == "" {
		return "", nil
	}
	png, err := o.device.Screencap(ctx)
	if err != nil {
		return "", err
	}
	n := o.seq.Add(1)
	path := filepath.Join(o.artifactDir, fmt.Sprintf("screen_%04d.png", n))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ScreenshotPNG returns the raw screenshot bytes for a stored observation, or
// nil when none was captured. Model requests attach the image this way.
func ScreenshotPNG(obs *schemas.Observation) []byte {
	if obs == nil || obs.ScreenshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(obs.ScreenshotPath)
	if err != nil {
		return nil
	}
	return data
}

// -- Hierarchy Parsing --

// ParseHierarchy flattens a uiautomator XML dump into elements in document
// order. Zero-area and disabled-invisible nodes are dropped since neither the
// planner nor the executor can act on them.
func ParseHierarchy(xml string) ([]schemas.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return nil, fmt.Errorf("parsing ui hierarchy: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("parsing ui hierarchy: document has no root element")
	}

	var elements []schemas.Element
	collectNodes(root, &elements)
	return elements, nil
}

// collectNodes walks the hierarchy depth first, keeping document order.
func collectNodes(el *etree.Element, out *[]schemas.Element) {
	if el == nil {
		return
	}
	if el.Tag == "node" {
		if node, ok := elementFromNode(el); ok {
			*out = append(*out, node)
		}
	}
	for _, child := range el.ChildElements() {
		collectNodes(child, out)
	}
}

// elementFromNode converts one uiautomator node, reporting false for nodes
// that carry nothing actionable.
func elementFromNode(el *etree.Element) (schemas.Element, bool) {
	bounds, ok := ParseBounds(el.SelectAttrValue("bounds", ""))
	if !ok || bounds.Width() <= 0 || bounds.Height() <= 0 {
		return schemas.Element{}, false
	}

	node := schemas.Element{
		Role:        el.SelectAttrValue("class", ""),
		Text:        el.SelectAttrValue("text", ""),
		ContentDesc: el.SelectAttrValue("content-desc", ""),
		ResourceID:  el.SelectAttrValue("resource-id", ""),
		Bounds:      bounds,
		Clickable:   attrBool(el, "clickable"),
		Enabled:     attrBool(el, "enabled"),
		Focused:     attrBool(el, "focused"),
		Scrollable:  attrBool(el, "scrollable"),
	}

	// Containers with no text, description, or interactivity only add noise.
	if node.Text == "" && node.ContentDesc == "" && !node.Clickable && !node.Scrollable && !node.Focused {
		return schemas.Element{}, false
	}
	return node, true
}

func attrBool(el *etree.Element, name string) bool {
	return el.SelectAttrValue(name, "false") == "true"
}

// ParseBounds reads uiautomator's "[left,top][right,bottom]" format.
func ParseBounds(raw string) (schemas.Rect, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return schemas.Rect{}, false
	}
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	pairs := strings.Split(raw, "][")
	if len(pairs) != 2 {
		return schemas.Rect{}, false
	}
	l, t, ok1 := parsePoint(pairs[0])
	r, b, ok2 := parsePoint(pairs[1])
	if !ok1 || !ok2 {
		return schemas.Rect{}, false
	}
	return schemas.Rect{Left: l, Top: t, Right: r, Bottom: b}, true
}

func parsePoint(raw string) (int, int, bool) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}
