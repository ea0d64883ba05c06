// internal/reporting/reporter.go

// Package reporting renders a finished run as report.json and as the console
// summary, and reads saved reports back for re-rendering.
package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/json-iterator/go"
)

// Reporter writes one finished run in a concrete output format.
type Reporter interface {
	Write(report *Report) error
	// Close finalizes the report and releases the underlying file handle.
	Close() error
}

// nopWriteCloser wraps stdout so Close is a no-op.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// New creates a reporter for the given format. An empty or "stdout" path
// writes to standard output.
func New(format, outputPath string) (Reporter, error) {
	var writer io.WriteCloser
	isStdout := outputPath == "" || outputPath == "stdout"
	if isStdout {
		writer = nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("creating output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return &jsonReporter{out: writer}, nil
	case "text":
		return &textReporter{out: writer}, nil
	default:
		if !isStdout {
			writer.Close()
		}
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// Load reads a saved report.json back.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parsing report %s: %w", path, err)
	}
	return &report, nil
}

type jsonReporter struct {
	out io.WriteCloser
}

func (r *jsonReporter) Write(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if _, err := r.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func (r *jsonReporter) Close() error { return r.out.Close() }

type textReporter struct {
	out io.WriteCloser
}

func (r *textReporter) Write(report *Report) error {
	if _, err := io.WriteString(r.out, FormatText(report)); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

func (r *textReporter) Close() error { return r.out.Close() }

const ruleWidth = 60

// FormatText renders the run the way it prints at the end of a console
// session: the tally, one block per test with its expectation check, then
// the run location.
func FormatText(report *Report) string {
	var b strings.Builder
	thick := strings.Repeat("=", ruleWidth)
	thin := strings.Repeat("-", ruleWidth)
	s := report.Summarize()

	fmt.Fprintf(&b, "%s\nQA TEST RUN SUMMARY\n%s\n", thick, thick)
	fmt.Fprintf(&b, "Total: %d | Passed: %d | Failed: %d | Errors: %d\n",
		s.Total, s.Passed, s.Failed, s.Errors)
	b.WriteString(thin + "\n")

	for _, res := range report.Results {
		status := res.Status()
		expected := "should pass"
		if !res.ShouldPass {
			expected = "should fail"
		}
		match := "(as expected)"
		if !res.ExpectationMet() {
			match = "(UNEXPECTED)"
		}

		fmt.Fprintf(&b, "  [%s] %s: %s\n", statusIcon(status), res.TestID, res.Name)
		fmt.Fprintf(&b, "      %s -> %s %s\n", expected, status, match)
		if res.Session != nil {
			fmt.Fprintf(&b, "      %d step(s) in %s: %s\n",
				res.Session.StepsUsed,
				res.Session.Duration().Round(time.Second),
				res.Session.Summary)
		}
		if len(res.Crashes) > 0 {
			fmt.Fprintf(&b, "      %d crash(es), first: %s\n",
				len(res.Crashes), res.Crashes[0].Headline)
		}
		if res.Error != "" {
			fmt.Fprintf(&b, "      Error: %s\n", truncate(res.Error, 100))
		}
	}

	b.WriteString(thick + "\n")
	fmt.Fprintf(&b, "Run: %s | Duration: %s\n", report.RunDir, report.Duration().Round(time.Second))
	if s.Unexpected > 0 {
		fmt.Fprintf(&b, "%d test(s) had unexpected outcomes!\n", s.Unexpected)
	}
	return b.String()
}

func statusIcon(s TestStatus) string {
	switch s {
	case StatusPassed:
		return "✓"
	case StatusFailed:
		return "✗"
	}
	return "!"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
