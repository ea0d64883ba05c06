// File: internal/observer/observer_test.go
package observer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/droidprobe/api/schemas"
)

const sampleHierarchy = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy rotation="0">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.app" content-desc="" checkable="false" checked="false" clickable="false" enabled="true" focusable="false" focused="false" scrollable="false" long-clickable="false" password="false" selected="false" bounds="[0,0][1080,2400]">
    <node index="0" text="Welcome back" resource-id="com.example.app:id/title" class="android.widget.TextView" package="com.example.app" content-desc="" clickable="false" enabled="true" focused="false" scrollable="false" bounds="[48,120][1032,200]"/>
    <node index="1" text="" resource-id="com.example.app:id/list" class="androidx.recyclerview.widget.RecyclerView" package="com.example.app" content-desc="" clickable="false" enabled="true" focused="false" scrollable="true" bounds="[0,240][1080,2200]">
      <node index="0" text="Login" resource-id="com.example.app:id/login" class="android.widget.Button" package="com.example.app" content-desc="" clickable="true" enabled="true" focused="false" scrollable="false" bounds="[340,2220][740,2330]"/>
      <node index="1" text="" resource-id="" class="android.widget.ImageView" package="com.example.app" content-desc="Profile photo" clickable="true" enabled="true" focused="false" scrollable="false" bounds="[900,100][1060,260]"/>
    </node>
    <node index="2" text="" resource-id="" class="android.view.View" package="com.example.app" content-desc="" clickable="false" enabled="true" focused="false" scrollable="false" bounds="[0,0][1080,2400]"/>
    <node index="3" text="Ghost" resource-id="" class="android.widget.TextView" package="com.example.app" content-desc="" clickable="false" enabled="true" focused="false" scrollable="false" bounds="[10,10][10,90]"/>
  </node>
</hierarchy>`

func TestParseHierarchy(t *testing.T) {
	elements, err := ParseHierarchy(sampleHierarchy)
	require.NoError(t, err)

	// The bare FrameLayout, the empty View, and the zero-width "Ghost" node
	// are dropped; the rest survive in document order.
	require.Len(t, elements, 4)
	assert.Equal(t, "Welcome back", elements[0].Text)
	assert.True(t, elements[1].Scrollable)
	assert.Equal(t, "Login", elements[2].Text)
	assert.True(t, elements[2].Clickable)
	assert.Equal(t, "Profile photo", elements[3].ContentDesc)

	assert.Equal(t, schemas.Rect{Left: 340, Top: 2220, Right: 740, Bottom: 2330}, elements[2].Bounds)
	assert.Equal(t, "com.example.app:id/login", elements[2].ResourceID)
}

func TestParseHierarchyRejectsGarbage(t *testing.T) {
	_, err := ParseHierarchy("this is not xml <<<")
	require.Error(t, err)
}

func TestParseBounds(t *testing.T) {
	tests := []struct {
		raw    string
		want   schemas.Rect
		wantOK bool
	}{
		{"[0,0][1080,2400]", schemas.Rect{Right: 1080, Bottom: 2400}, true},
		{"[48,120][1032,200]", schemas.Rect{Left: 48, Top: 120, Right: 1032, Bottom: 200}, true},
		{"", schemas.Rect{}, false},
		{"[1,2][3]", schemas.Rect{}, false},
		{"[a,b][c,d]", schemas.Rect{}, false},
	}
	for _, tc := range tests {
		got, ok := ParseBounds(tc.raw)
		assert.Equal(t, tc.wantOK, ok, "bounds %q", tc.raw)
		if ok {
			assert.Equal(t, tc.want, got, "bounds %q", tc.raw)
		}
	}
}

// fakeInspector plays the adb controller's part in observer tests.
type fakeInspector struct {
	xml        string
	xmlErr     error
	png        []byte
	pngErr     error
	activity   string
	screenErr  error
	screenH    int
	screenW    int
	screencaps int
}

func (f *fakeInspector) Screencap(context.Context) ([]byte, error) {
	f.screencaps++
	return f.png, f.pngErr
}
func (f *fakeInspector) DumpUIHierarchy(context.Context) (string, error) { return f.xml, f.xmlErr }
func (f *fakeInspector) FocusedActivity(context.Context) (string, error) { return f.activity, nil }
func (f *fakeInspector) ScreenSize(context.Context) (int, int, error) {
	return f.screenW, f.screenH, f.screenErr
}

func TestObserveBuildsFullSnapshot(t *testing.T) {
	dir := t.TempDir()
	inspector := &fakeInspector{
		xml:      sampleHierarchy,
		png:      []byte("\x89PNG fake"),
		activity: "com.example.app/.MainActivity",
		screenW:  1080,
		screenH:  2400,
	}
	obs := New(zaptest.NewLogger(t), inspector, dir)

	snapshot, err := obs.Observe(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, snapshot.ID)
	assert.False(t, snapshot.TakenAt.IsZero())
	assert.Equal(t, "com.example.app/.MainActivity", snapshot.Activity)
	assert.Equal(t, 1080, snapshot.ScreenWidth)
	assert.Len(t, snapshot.Elements, 4)

	require.NotEmpty(t, snapshot.ScreenshotPath)
	data, err := os.ReadFile(snapshot.ScreenshotPath)
	require.NoError(t, err)
	assert.Equal(t, inspector.png, data)
	assert.Equal(t, dir, filepath.Dir(snapshot.ScreenshotPath))
}

func TestObserveScreenshotNamesIncrease(t *testing.T) {
	dir := t.TempDir()
	inspector := &fakeInspector{xml: sampleHierarchy, png: []byte("p"), screenW: 1080, screenH: 2400}
	obs := New(zaptest.NewLogger(t), inspector, dir)

	first, err := obs.Observe(context.Background())
	require.NoError(t, err)
	second, err := obs.Observe(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.ScreenshotPath, second.ScreenshotPath)
	assert.Less(t, first.ScreenshotPath, second.ScreenshotPath, "names should sort in capture order")
}

func TestObserveFailsWithoutHierarchy(t *testing.T) {
	inspector := &fakeInspector{xmlErr: errors.New("uiautomator dump failed")}
	obs := New(zaptest.NewLogger(t), inspector, "")

	_, err := obs.Observe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observing screen")
}

func TestObserveToleratesMissingScreenshot(t *testing.T) {
	inspector := &fakeInspector{
		xml:     sampleHierarchy,
		pngErr:  errors.New("screencap refused"),
		screenW: 1080, screenH: 2400,
	}
	obs := New(zaptest.NewLogger(t), inspector, t.TempDir())

	snapshot, err := obs.Observe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snapshot.ScreenshotPath)
	assert.Len(t, snapshot.Elements, 4)
}

func TestScreenshotPNG(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shot.png")
	require.NoError(t, os.WriteFile(path, []byte("png-bytes"), 0o644))

	assert.Equal(t, []byte("png-bytes"), ScreenshotPNG(&schemas.Observation{ScreenshotPath: path}))
	assert.Nil(t, ScreenshotPNG(&schemas.Observation{}))
	assert.Nil(t, ScreenshotPNG(nil))
	assert.Nil(t, ScreenshotPNG(&schemas.Observation{ScreenshotPath: filepath.Join(dir, "missing.png")}))
}
