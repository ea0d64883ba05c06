// internal/reporting/report.go
package reporting

import (
	"time"

	"github.com/xkilldash9x/droidprobe/internal/logcat"
	"github.com/xkilldash9x/droidprobe/internal/session"
)

// TestStatus is the reported outcome of one test case.
type TestStatus string

const (
	StatusPassed TestStatus = "passed"
	StatusFailed TestStatus = "failed"

	// StatusError means the harness could not give the test a fair verdict:
	// the session aborted, or setup failed before a session ever ran.
	StatusError TestStatus = "error"
)

// TestResult binds one suite case to what actually happened when it ran.
type TestResult struct {
	TestID     string `json:"test_id"`
	Name       string `json:"test_name"`
	Serial     string `json:"serial,omitempty"`
	ShouldPass bool   `json:"should_pass"`

	// Session is the full session result; nil when setup failed before the
	// session started.
	Session *session.Result `json:"session,omitempty"`

	// Crashes lists app crashes the logcat watcher caught while this test
	// ran. Informational: the verdict stays with the session.
	Crashes []logcat.Crash `json:"crashes,omitempty"`

	ArtifactDir string `json:"artifact_dir,omitempty"`

	// Error describes a harness failure outside the session.
	Error string `json:"error,omitempty"`
}

// Status maps the session verdict onto the reported outcome.
func (r TestResult) Status() TestStatus {
	if r.Error != "" || r.Session == nil {
		return StatusError
	}
	switch r.Session.Verdict {
	case session.VerdictSucceeded:
		return StatusPassed
	case session.VerdictFailed:
		return StatusFailed
	}
	return StatusError
}

// ExpectationMet reports whether the outcome matches the case's should_pass
// marker. An error never meets an expectation, not even for a test expected
// to fail: the test did not get a fair run.
func (r TestResult) ExpectationMet() bool {
	switch r.Status() {
	case StatusPassed:
		return r.ShouldPass
	case StatusFailed:
		return !r.ShouldPass
	}
	return false
}

// StepsUsed returns the session's step count, zero when no session ran.
func (r TestResult) StepsUsed() int {
	if r.Session == nil {
		return 0
	}
	return r.Session.StepsUsed
}

// Summary is the aggregate line of a run.
type Summary struct {
	Total      int `json:"total"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Errors     int `json:"errors"`
	Unexpected int `json:"unexpected"`
}

// Report is one complete run: every selected test's result plus run metadata.
// It is what report.json holds and what the store persists.
type Report struct {
	RunID      string    `json:"run_id"`
	SuiteName  string    `json:"suite_name,omitempty"`
	AppPackage string    `json:"app_package"`
	RunDir     string    `json:"run_dir"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`

	Results []TestResult `json:"results"`
}

// Summarize tallies the run.
func (r *Report) Summarize() Summary {
	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status() {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		default:
			s.Errors++
		}
		if !res.ExpectationMet() {
			s.Unexpected++
		}
	}
	return s
}

// Duration is the run's wall-clock time.
func (r *Report) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }
