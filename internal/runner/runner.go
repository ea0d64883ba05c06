// internal/runner/runner.go

// Package runner turns a suite selection into a finished report. It fans the
// selected tests out across the configured devices, prepares the app under
// test on each device, watches logcat for crashes while a session runs, and
// assembles the run's report and artifact directory.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/droidprobe/api/schemas"
	"github.com/xkilldash9x/droidprobe/internal/config"
	"github.com/xkilldash9x/droidprobe/internal/device"
	"github.com/xkilldash9x/droidprobe/internal/logcat"
	"github.com/xkilldash9x/droidprobe/internal/observer"
	"github.com/xkilldash9x/droidprobe/internal/reasoner"
	"github.com/xkilldash9x/droidprobe/internal/reporting"
	"github.com/xkilldash9x/droidprobe/internal/session"
	"github.com/xkilldash9x/droidprobe/internal/suite"
)

// Swapped in tests for deterministic run ids and directory names.
var (
	uuidNewString = uuid.NewString
	timeNow       = time.Now
)

// devicePreparer is the slice of the adb controller the runner itself needs:
// readiness and app lifecycle. The session drives everything else.
type devicePreparer interface {
	WaitForDevice(ctx context.Context) error
	LaunchApp(ctx context.Context, pkg string) error
	ForceStop(ctx context.Context, pkg string) error
	ClearData(ctx context.Context, pkg string) error
}

// crashWatcher surfaces app crashes caught in logcat while a test runs.
type crashWatcher interface {
	Start(ctx context.Context) error
	Events() <-chan logcat.Crash
	Close() error
}

// sessionLoop is one wired Plan-Act-Verify session, ready to run.
type sessionLoop interface {
	Run(ctx context.Context) *session.Result
}

// harness bundles everything one test needs on one device.
type harness struct {
	device  devicePreparer
	loop    sessionLoop
	watcher crashWatcher // nil when no app package scopes the log
}

// harnessFactory builds the harness for one test on one device. The default
// wires real adb-backed components; tests substitute stubs.
type harnessFactory func(serial string, tc suite.TestCase, appPackage, artifactDir string) (*harness, error)

// Runner executes suite selections. One Runner serves one CLI invocation.
type Runner struct {
	logger *zap.Logger
	cfg    *config.Config
	llm    schemas.LLMClient

	build harnessFactory
}

// Option customizes a Runner at construction.
type Option func(*Runner)

// WithHarnessFactory replaces per-test component wiring, used by tests to
// run the orchestration against stub devices and sessions.
func WithHarnessFactory(f harnessFactory) Option {
	return func(r *Runner) { r.build = f }
}

// New wires a runner. The LLM client is injected once; every session shares
// it, so provider selection happens exactly one time at startup.
func New(logger *zap.Logger, cfg *config.Config, llm schemas.LLMClient, opts ...Option) (*Runner, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if llm == nil {
		return nil, fmt.Errorf("llm client cannot be nil")
	}
	if len(cfg.Device.Serials) == 0 {
		return nil, fmt.Errorf("no device serials configured")
	}
	r := &Runner{
		logger: logger.With(zap.String("component", "runner")),
		cfg:    cfg,
		llm:    llm,
	}
	r.build = r.defaultHarness
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes the selected tests and returns the finished report. Tests are
// distributed over the configured devices; each device works through tests
// one at a time, owning its serial exclusively for the whole run. The report
// is also written as report.json inside the run's artifact directory.
//
// Run does not fail because tests fail: harness trouble is recorded on the
// affected result and the run continues. Only selection and artifact-dir
// errors surface as errors.
func (r *Runner) Run(ctx context.Context, s *suite.Suite, testIDs []string) (*reporting.Report, error) {
	cases, err := s.Select(testIDs)
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(r.cfg.Run.OutputDir, timeNow().Format("20060102-150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory %s: %w", runDir, err)
	}

	report := &reporting.Report{
		RunID:      uuidNewString(),
		SuiteName:  s.Name,
		AppPackage: s.AppPackage,
		RunDir:     runDir,
		StartedAt:  timeNow(),
	}
	r.logger.Info("Starting test run",
		zap.String("run_id", report.RunID),
		zap.String("suite", s.Name),
		zap.Int("tests", len(cases)),
		zap.Strings("devices", r.cfg.Device.Serials))

	// Pre-fill so a canceled run still reports every selected test.
	results := make([]reporting.TestResult, len(cases))
	for i, tc := range cases {
		results[i] = reporting.TestResult{
			TestID:     tc.ID,
			Name:       tc.Name,
			ShouldPass: tc.ShouldPass,
			Error:      "test did not run",
		}
	}

	type workItem struct {
		idx int
		tc  suite.TestCase
	}
	work := make(chan workItem)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(work)
		for i, tc := range cases {
			select {
			case work <- workItem{idx: i, tc: tc}:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for _, serial := range r.cfg.Device.Serials {
		g.Go(func() error {
			for item := range work {
				// Workers write to disjoint indices, so no lock is needed.
				results[item.idx] = r.runCase(gctx, serial, item.tc, s.AppPackage, runDir)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	report.EndedAt = timeNow()

	if err := r.writeRunReport(report); err != nil {
		r.logger.Warn("Failed to write report.json into the run directory", zap.Error(err))
	}
	if ctx.Err() != nil {
		r.logger.Warn("Run canceled before all tests completed", zap.String("run_id", report.RunID))
	}
	return report, nil
}

// runCase executes one test on one device. Every failure mode lands in the
// returned result; nothing here aborts the run.
func (r *Runner) runCase(ctx context.Context, serial string, tc suite.TestCase, appPackage, runDir string) reporting.TestResult {
	res := reporting.TestResult{
		TestID:     tc.ID,
		Name:       tc.Name,
		Serial:     serial,
		ShouldPass: tc.ShouldPass,
	}
	log := r.logger.With(zap.String("test_id", tc.ID), zap.String("serial", serial))

	artifactDir := filepath.Join(runDir, dirName(tc.ID))
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		res.Error = fmt.Sprintf("creating artifact directory: %v", err)
		return res
	}
	res.ArtifactDir = artifactDir

	h, err := r.build(serial, tc, appPackage, artifactDir)
	if err != nil {
		res.Error = fmt.Sprintf("wiring test harness: %v", err)
		return res
	}

	if h.watcher != nil {
		if err := h.watcher.Start(ctx); err != nil {
			// Crash detection is informational; a broken watcher must not
			// cost the test its run.
			log.Warn("Crash watcher unavailable, continuing without it", zap.Error(err))
			h.watcher = nil
		} else {
			defer func() {
				if closeErr := h.watcher.Close(); closeErr != nil {
					log.Warn("Failed to close crash watcher", zap.Error(closeErr))
				}
			}()
		}
	}

	if err := r.prepareApp(ctx, h.device, appPackage); err != nil {
		res.Error = err.Error()
		log.Error("Device preparation failed", zap.Error(err))
		return res
	}

	log.Info("Running test", zap.String("name", tc.Name))
	res.Session = h.loop.Run(ctx)

	if h.watcher != nil {
		res.Crashes = drainCrashes(h.watcher.Events())
		if len(res.Crashes) > 0 {
			log.Warn("App crashed during the test", zap.Int("crashes", len(res.Crashes)))
		}
	}

	if appPackage != "" {
		// Teardown runs even after cancellation so the app never lingers.
		if err := h.device.ForceStop(context.WithoutCancel(ctx), appPackage); err != nil {
			log.Warn("Failed to stop app after test", zap.Error(err))
		}
	}

	log.Info("Test finished",
		zap.String("verdict", string(res.Session.Verdict)),
		zap.Int("steps", res.Session.StepsUsed))
	return res
}

// prepareApp brings the device and the app under test to a known state
// before the session's first observation.
func (r *Runner) prepareApp(ctx context.Context, dev devicePreparer, pkg string) error {
	if err := dev.WaitForDevice(ctx); err != nil {
		return fmt.Errorf("device unavailable: %w", err)
	}
	if pkg == "" {
		return nil
	}
	if r.cfg.Run.Fresh {
		if err := dev.ForceStop(ctx, pkg); err != nil {
			return fmt.Errorf("stopping app for fresh start: %w", err)
		}
		if err := dev.ClearData(ctx, pkg); err != nil {
			return fmt.Errorf("clearing app data: %w", err)
		}
	}
	if err := dev.LaunchApp(ctx, pkg); err != nil {
		return fmt.Errorf("launching app: %w", err)
	}
	// Give the app its first frame before the session starts observing.
	select {
	case <-time.After(r.cfg.Session.SettleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// defaultHarness wires real adb-backed components for one test.
func (r *Runner) defaultHarness(serial string, tc suite.TestCase, appPackage, artifactDir string) (*harness, error) {
	ctrl := device.NewController(r.logger, r.cfg.Device, serial)
	obs := observer.New(r.logger, ctrl, artifactDir)
	exec := device.NewExecutor(r.logger, ctrl, obs)
	planner := reasoner.NewPlanner(r.llm, r.logger)
	verifier := reasoner.NewVerifier(r.llm, r.logger)

	sess, err := session.New(r.logger, r.cfg.Session, tc.Goal(), appPackage, obs, exec, planner, verifier)
	if err != nil {
		return nil, err
	}

	h := &harness{device: ctrl, loop: sess}
	if appPackage != "" {
		h.watcher = logcat.NewWatcher(r.logger, r.cfg.Device, serial, appPackage,
			filepath.Join(artifactDir, "logcat.txt"))
	}
	return h, nil
}

// writeRunReport drops report.json next to the run's artifacts.
func (r *Runner) writeRunReport(report *reporting.Report) error {
	rep, err := reporting.New("json", filepath.Join(report.RunDir, "report.json"))
	if err != nil {
		return err
	}
	defer rep.Close()
	return rep.Write(report)
}

// drainCrashes empties the buffered crash channel without blocking.
func drainCrashes(events <-chan logcat.Crash) []logcat.Crash {
	var crashes []logcat.Crash
	for {
		select {
		case c, ok := <-events:
			if !ok {
				return crashes
			}
			crashes = append(crashes, c)
		default:
			return crashes
		}
	}
}

// dirName flattens a test id into a safe directory name.
func dirName(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, id)
}
