// internal/logcat/watcher.go

// Package logcat captures a device's log stream during a test run and watches
// it for app crashes. The raw stream is written to a file in the run's
// artifact directory so the full log survives as evidence; a tail follower
// reads the same file and turns FATAL EXCEPTION and ANR blocks into crash
// events the runner records against the failing test.
package logcat

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/internal/config"
)

// execCommandContext is swapped in tests to fake adb without a device.
var execCommandContext = exec.CommandContext

// flushAfter bounds how long a crash block stays buffered once lines stop
// arriving for it.
const flushAfter = 250 * time.Millisecond

// threadtimeRegex splits one `logcat -v threadtime` line into pid, level,
// tag and message. Buffer markers and other non-log lines do not match and
// are skipped.
var threadtimeRegex = regexp.MustCompile(`^\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\.\d+\s+(\d+)\s+\d+\s+([VDIWEF])\s+(\S+)\s*:\s?(.*)$`)

// Kind names the class of crash a block represents.
type Kind string

const (
	KindFatalException Kind = "fatal_exception"
	KindANR            Kind = "anr"
)

// Crash is one detected crash block, scoped to the watched package.
type Crash struct {
	Kind       Kind      `json:"kind"`
	Package    string    `json:"package,omitempty"`
	Headline   string    `json:"headline"`
	Trace      []string  `json:"trace"`
	DetectedAt time.Time `json:"detected_at"`
}

// Watcher owns one device's logcat capture for the duration of a run.
type Watcher struct {
	logger  *zap.Logger
	adbPath string
	serial  string
	pkg     string
	logPath string

	events chan Crash
	cancel context.CancelFunc
	cmd    *exec.Cmd
	done   chan struct{}
}

// NewWatcher builds a watcher for the given serial. Crashes are only reported
// when their block mentions pkg; an empty pkg reports everything.
func NewWatcher(logger *zap.Logger, cfg config.DeviceConfig, serial, pkg, logPath string) *Watcher {
	return &Watcher{
		logger:  logger.Named("logcat").With(zap.String("serial", serial)),
		adbPath: cfg.ADBPath,
		serial:  serial,
		pkg:     pkg,
		logPath: logPath,
		events:  make(chan Crash, 8),
	}
}

// Events is the stream of detected crashes. The channel is buffered; the
// runner drains it after each test.
func (w *Watcher) Events() <-chan Crash { return w.events }

// Start clears the device's log ring buffer, spawns adb logcat writing into
// the capture file, and begins following it. The watcher runs until Close or
// until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	// Clear the ring buffer so crashes from before this run do not replay
	// into the capture. Best effort; a busy device still gets a watcher.
	clearCtx, clearCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := execCommandContext(clearCtx, w.adbPath, "-s", w.serial, "logcat", "-c").Run(); err != nil {
		w.logger.Warn("clearing logcat buffer failed", zap.Error(err))
	}
	clearCancel()

	f, err := os.Create(w.logPath)
	if err != nil {
		return fmt.Errorf("creating logcat capture file: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := execCommandContext(runCtx, w.adbPath, "-s", w.serial, "logcat", "-v", "threadtime")
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		cancel()
		f.Close()
		return fmt.Errorf("starting adb logcat: %w", err)
	}

	t, err := tail.TailFile(w.logPath, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		cancel()
		_ = cmd.Wait()
		f.Close()
		return fmt.Errorf("tailing logcat capture: %w", err)
	}

	w.cancel = cancel
	w.cmd = cmd
	w.done = make(chan struct{})

	w.logger.Info("logcat capture started", zap.String("file", w.logPath))
	go func() {
		defer close(w.done)
		defer f.Close()
		w.monitorLoop(runCtx, t)
	}()
	return nil
}

// Close stops the logcat process and the follower, flushing any buffered
// crash block first. Idempotent, and harmless before Start.
func (w *Watcher) Close() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	// The child was killed by the context; its exit error carries no signal.
	_ = w.cmd.Wait()
	w.cancel = nil
	return nil
}

// crashBlock buffers the lines of one crash while they keep arriving from
// the same pid and tag.
type crashBlock struct {
	kind  Kind
	pid   string
	tag   string
	lines []string
}

// monitorLoop reads tailed lines and assembles crash blocks. A block ends
// when a line from a different source arrives, when lines stop for
// flushAfter, or when the loop shuts down.
func (w *Watcher) monitorLoop(ctx context.Context, t *tail.Tail) {
	defer func() {
		t.Stop()
		t.Cleanup()
	}()

	var block *crashBlock
	timeout := time.NewTimer(flushAfter)
	if !timeout.Stop() {
		<-timeout.C
	}

	flush := func() {
		if block == nil {
			return
		}
		w.emit(ctx, *block)
		block = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case line, ok := <-t.Lines:
			if !ok {
				flush()
				return
			}
			if line.Err != nil {
				w.logger.Warn("logcat tail error", zap.Error(line.Err))
				continue
			}

			m := threadtimeRegex.FindStringSubmatch(line.Text)
			if m == nil {
				continue
			}
			pid, tag, msg := m[1], m[3], m[4]

			if block != nil {
				if pid == block.pid && tag == block.tag {
					block.lines = append(block.lines, msg)
					timeout.Reset(flushAfter)
					continue
				}
				flush()
				if !timeout.Stop() {
					select {
					case <-timeout.C:
					default:
					}
				}
			}

			if kind, ok := classify(msg); ok {
				block = &crashBlock{kind: kind, pid: pid, tag: tag, lines: []string{msg}}
				timeout.Reset(flushAfter)
			}

		case <-timeout.C:
			flush()
		}
	}
}

// classify reports whether a log message opens a crash block.
func classify(msg string) (Kind, bool) {
	switch {
	case strings.HasPrefix(msg, "FATAL EXCEPTION"):
		return KindFatalException, true
	case strings.HasPrefix(msg, "ANR in "):
		return KindANR, true
	}
	return "", false
}

// emit applies the package scope and hands the crash to the runner. The FATAL
// EXCEPTION headline never names the process; the "Process: <pkg>, PID" line
// inside the block does, which is why scoping runs on the assembled block.
func (w *Watcher) emit(ctx context.Context, b crashBlock) {
	text := strings.Join(b.lines, "\n")
	if w.pkg != "" && !strings.Contains(text, w.pkg) {
		w.logger.Debug("crash outside watched package ignored",
			zap.String("kind", string(b.kind)),
			zap.String("headline", b.lines[0]))
		return
	}

	crash := Crash{
		Kind:       b.kind,
		Package:    w.pkg,
		Headline:   b.lines[0],
		Trace:      b.lines,
		DetectedAt: time.Now(),
	}
	w.logger.Warn("crash detected",
		zap.String("kind", string(b.kind)),
		zap.String("headline", crash.Headline))

	select {
	case w.events <- crash:
	case <-ctx.Done():
	}
}
