// internal/reporting/reporter_test.go
package reporting_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/droidprobe/internal/reporting"
	"github.com/xkilldash9x/droidprobe/internal/session"
)

func sampleReport() *reporting.Report {
	started := time.Date(2026, 8, 21, 14, 0, 0, 0, time.UTC)
	return &reporting.Report{
		RunID:      "run-1",
		SuiteName:  "smoke",
		AppPackage: "md.obsidian",
		RunDir:     "runs/20260821_140000",
		StartedAt:  started,
		EndedAt:    started.Add(time.Minute),
		Results: []reporting.TestResult{
			{
				TestID:     "create-note",
				Name:       "Create a note",
				Serial:     "emulator-5554",
				ShouldPass: true,
				Session: &session.Result{
					Goal:      session.TestGoal{Description: "create a note"},
					Verdict:   session.VerdictSucceeded,
					Summary:   "all 1 success criteria visible",
					StepsUsed: 2,
					StartedAt: started,
					EndedAt:   started.Add(30 * time.Second),
				},
			},
		},
	}
}

func TestNewStdout(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		for _, path := range []string{"", "stdout"} {
			r, err := reporting.New(format, path)
			require.NoError(t, err)
			require.NotNil(t, r)
			// Close must be a no-op for the stdout wrapper.
			assert.NoError(t, r.Close())
		}
	}
}

func TestNewUnsupportedFormat(t *testing.T) {
	r, err := reporting.New("sarif", "stdout")
	require.Error(t, err)
	require.Nil(t, r)
	assert.Contains(t, err.Error(), "unsupported output format: sarif")

	// The file handle opened before the format switch is released on error.
	tmpFile := filepath.Join(t.TempDir(), "out.bin")
	r, err = reporting.New("xml", tmpFile)
	require.Error(t, err)
	require.Nil(t, r)
	info, statErr := os.Stat(tmpFile)
	require.NoError(t, statErr)
	assert.Equal(t, int64(0), info.Size())
}

func TestNewFileCreationFailure(t *testing.T) {
	// A directory path cannot be created as a file.
	_, err := reporting.New("json", t.TempDir())
	require.ErrorContains(t, err, "creating output file")
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	report := sampleReport()

	w, err := reporting.New("json", path)
	require.NoError(t, err)
	require.NoError(t, w.Write(report))
	require.NoError(t, w.Close())

	loaded, err := reporting.Load(path)
	require.NoError(t, err)
	require.Equal(t, report.RunID, loaded.RunID)
	require.Equal(t, report.AppPackage, loaded.AppPackage)
	require.Len(t, loaded.Results, 1)
	require.Equal(t, "create-note", loaded.Results[0].TestID)
	require.Equal(t, session.VerdictSucceeded, loaded.Results[0].Session.Verdict)
	require.Equal(t, reporting.StatusPassed, loaded.Results[0].Status())
}

func TestTextReporterWritesSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")

	w, err := reporting.New("text", path)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleReport()))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "QA TEST RUN SUMMARY")
	assert.Contains(t, string(data), "create-note")
}

func TestLoadErrors(t *testing.T) {
	_, err := reporting.Load(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "reading report")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	_, err = reporting.Load(bad)
	require.ErrorContains(t, err, "parsing report")
}
