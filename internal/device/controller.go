// internal/device/controller.go
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/internal/config"
)

// execCommandContext is swapped in tests to fake adb without a device.
var execCommandContext = exec.CommandContext

// CommandError carries the adb invocation's exit state so failures can be
// classified as transient or permanent by inspecting stderr.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("adb %s failed (exit %d): %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// Controller wraps adb subprocess calls for a single device. All commands are
// prefixed with the device serial, bounded by the configured command timeout,
// and safe for use from one session goroutine at a time.
type Controller struct {
	logger  *zap.Logger
	adbPath string
	serial  string
	timeout time.Duration

	// Screen geometry is queried once and cached for coordinate math.
	sizeMu  sync.Mutex
	screenW int
	screenH int
}

// NewController builds a Controller for the given serial.
func NewController(logger *zap.Logger, cfg config.DeviceConfig, serial string) *Controller {
	return &Controller{
		logger:  logger.Named("adb").With(zap.String("serial", serial)),
		adbPath: cfg.ADBPath,
		serial:  serial,
		timeout: cfg.CommandTimeout,
	}
}

// Serial returns the device serial this controller is bound to.
func (c *Controller) Serial() string { return c.serial }

// runBytes executes one adb command and returns raw stdout. A non-zero exit
// or spawn failure comes back as a *CommandError; a blown deadline surfaces
// the context error so callers can classify timeouts.
func (c *Controller) runBytes(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-s", c.serial}, args...)

	runCtx := ctx
	var cancel context.CancelFunc
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := execCommandContext(runCtx, c.adbPath, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("adb command finished",
		zap.Strings("args", args),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))

	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("adb %s: %w", strings.Join(args, " "), ctxErr)
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &CommandError{Args: full, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
	}
	return stdout.Bytes(), nil
}

// run executes one adb command and returns trimmed text output.
func (c *Controller) run(ctx context.Context, args ...string) (string, error) {
	out, err := c.runBytes(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// -- Screen Capture & Inspection --

// Screencap captures the screen as PNG bytes via exec-out, which keeps the
// stream binary clean.
func (c *Controller) Screencap(ctx context.Context) ([]byte, error) {
	return c.runBytes(ctx, "exec-out", "screencap", "-p")
}

// DumpUIHierarchy returns the uiautomator XML for the current screen. The
// direct /dev/tty dump avoids a round trip through the device filesystem;
// some builds refuse it, so a dump-to-sdcard fallback stays behind it.
func (c *Controller) DumpUIHierarchy(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err == nil {
		if xml, ok := extractHierarchyXML(out); ok {
			return xml, nil
		}
		err = fmt.Errorf("no hierarchy element in dump output")
	}

	const remote = "/sdcard/window_dump.xml"
	if _, ferr := c.run(ctx, "shell", "uiautomator", "dump", remote); ferr != nil {
		return "", fmt.Errorf("uiautomator dump failed: %w (direct dump: %v)", ferr, err)
	}
	out, ferr := c.run(ctx, "exec-out", "cat", remote)
	if ferr != nil {
		return "", fmt.Errorf("reading %s failed: %w", remote, ferr)
	}
	xml, ok := extractHierarchyXML(out)
	if !ok {
		return "", fmt.Errorf("no hierarchy element in %s", remote)
	}
	return xml, nil
}

// extractHierarchyXML trims the "UI hierchary dumped to" trailer uiautomator
// appends after the document.
func extractHierarchyXML(out string) (string, bool) {
	start := strings.Index(out, "<?xml")
	if start < 0 {
		start = strings.Index(out, "<hierarchy")
	}
	end := strings.LastIndex(out, "</hierarchy>")
	if start < 0 || end < 0 || end < start {
		return "", false
	}
	return out[start : end+len("</hierarchy>")], true
}

// ScreenSize returns the device resolution, preferring an override size over
// the physical one, cached after the first query.
func (c *Controller) ScreenSize(ctx context.Context) (int, int, error) {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	if c.screenW > 0 && c.screenH > 0 {
		return c.screenW, c.screenH, nil
	}

	out, err := c.run(ctx, "shell", "wm", "size")
	if err != nil {
		return 0, 0, err
	}
	w, h, err := parseScreenSize(out)
	if err != nil {
		return 0, 0, err
	}
	c.screenW, c.screenH = w, h
	return w, h, nil
}

// parseScreenSize handles both "Physical size: 1080x1920" and the override
// line, which wins when present.
func parseScreenSize(out string) (int, int, error) {
	var w, h int
	found := false
	for _, line := range strings.Split(out, "\n") {
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		dims := strings.TrimSpace(line[idx+1:])
		parts := strings.Split(dims, "x")
		if len(parts) != 2 {
			continue
		}
		pw, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
		ph, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
		if errW != nil || errH != nil || pw <= 0 || ph <= 0 {
			continue
		}
		w, h = pw, ph
		found = true
		// Keep scanning so an Override line replaces the Physical one.
	}
	if !found {
		return 0, 0, fmt.Errorf("could not parse screen size from %q", out)
	}
	return w, h, nil
}

// FocusedActivity reports the activity currently holding window focus, best
// effort. An empty string means the focus line was missing or unparsable.
func (c *Controller) FocusedActivity(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "shell", "dumpsys", "window", "windows")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "mCurrentFocus=") && !strings.HasPrefix(trimmed, "mFocusedApp=") {
			continue
		}
		// Window{hash u0 com.example.app/com.example.app.MainActivity}
		open := strings.LastIndex(trimmed, " ")
		closeBrace := strings.LastIndex(trimmed, "}")
		if open < 0 || closeBrace <= open {
			continue
		}
		focus := trimmed[open+1 : closeBrace]
		if strings.Contains(focus, "/") {
			return focus, nil
		}
	}
	return "", nil
}

// -- Input --

// Tap issues a tap at pixel coordinates.
func (c *Controller) Tap(ctx context.Context, x, y int) error {
	_, err := c.run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// Swipe drags between two pixel points over the given duration.
func (c *Controller) Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	_, err := c.run(ctx, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMS))
	return err
}

// TypeText types into the focused field. adb's input text wants spaces as %s
// and chokes on unescaped shell metacharacters.
func (c *Controller) TypeText(ctx context.Context, text string) error {
	_, err := c.run(ctx, "shell", "input", "text", encodeInputText(text))
	return err
}

// encodeInputText applies the input-text conventions: backslashes first so
// later escapes are not doubled, then %s for spaces, then the metacharacters.
func encodeInputText(text string) string {
	encoded := strings.ReplaceAll(text, `\`, `\\`)
	encoded = strings.ReplaceAll(encoded, " ", "%s")
	for _, ch := range []string{`'`, `"`, "`", "$", "(", ")", "&", "|", ";", "<", ">"} {
		encoded = strings.ReplaceAll(encoded, ch, `\`+ch)
	}
	return encoded
}

// KeyEvent sends a named (KEYCODE_ENTER) or numeric key event.
func (c *Controller) KeyEvent(ctx context.Context, code string) error {
	_, err := c.run(ctx, "shell", "input", "keyevent", code)
	return err
}

// -- App Lifecycle --

// LaunchApp starts the package's launcher activity through monkey, which
// works without knowing the activity name.
func (c *Controller) LaunchApp(ctx context.Context, pkg string) error {
	out, err := c.run(ctx, "shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return err
	}
	// monkey exits zero even when the package does not resolve.
	if strings.Contains(out, "No activities found") || strings.Contains(out, "monkey aborted") {
		return &CommandError{Args: []string{"monkey", "-p", pkg}, ExitCode: 0, Stderr: out,
			Err: fmt.Errorf("no launchable activity for %s", pkg)}
	}
	return nil
}

// ForceStop kills the package's processes.
func (c *Controller) ForceStop(ctx context.Context, pkg string) error {
	_, err := c.run(ctx, "shell", "am", "force-stop", pkg)
	return err
}

// ClearData resets the package to a fresh-install state.
func (c *Controller) ClearData(ctx context.Context, pkg string) error {
	out, err := c.run(ctx, "shell", "pm", "clear", pkg)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return &CommandError{Args: []string{"pm", "clear", pkg}, ExitCode: 0, Stderr: out,
			Err: fmt.Errorf("pm clear did not report success")}
	}
	return nil
}

// IsPackageInstalled checks whether the exact package exists on the device.
func (c *Controller) IsPackageInstalled(ctx context.Context, pkg string) (bool, error) {
	out, err := c.run(ctx, "shell", "pm", "list", "packages", pkg)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "package:"+pkg {
			return true, nil
		}
	}
	return false, nil
}

// WaitForDevice blocks until adb can see the device or the context expires.
func (c *Controller) WaitForDevice(ctx context.Context) error {
	_, err := c.run(ctx, "wait-for-device")
	return err
}
