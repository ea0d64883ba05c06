// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/droidprobe/internal/config"
)

// captureOutput redirects stdout into a buffer for the duration of a test.
// The returned cleanup must be deferred to restore the original stdout.
func captureOutput(t *testing.T) (*bytes.Buffer, func()) {
	t.Helper()
	originalStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = w
	var buf bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = buf.ReadFrom(r)
		close(done)
	}()

	cleanup := func() {
		w.Close()
		<-done
		os.Stdout = originalStdout
	}
	return &buf, cleanup
}

// resetGlobalLogger is critical for test isolation because the logger is a
// global singleton guarded by a sync.Once.
func resetGlobalLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

func TestInitializeLogger(t *testing.T) {
	t.Run("console format colorizes levels", func(t *testing.T) {
		resetGlobalLogger()
		buf, cleanup := captureOutput(t)

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "probetest",
			Colors:      config.ColorConfig{Info: "green"},
		}
		InitializeLogger(cfg)
		GetLogger().Info("session loop started")
		Sync()
		cleanup()

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "session loop started")
		assert.Contains(t, output, colorGreen, "info level should be colorized green")
		assert.Contains(t, output, colorReset)
	})

	t.Run("json format emits structured entries", func(t *testing.T) {
		resetGlobalLogger()
		buf, cleanup := captureOutput(t)

		cfg := config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "jsontest",
		}
		InitializeLogger(cfg)
		GetLogger().Warn("device went away", zap.String("serial", "emulator-5554"))
		Sync()
		cleanup()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "log output should be valid JSON")
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "jsontest", entry["logger"])
		assert.Equal(t, "device went away", entry["msg"])
		assert.Equal(t, "emulator-5554", entry["serial"])
	})

	t.Run("writes to a log file when configured", func(t *testing.T) {
		resetGlobalLogger()
		_, cleanup := captureOutput(t)

		logPath := filepath.Join(t.TempDir(), "probe.log")
		cfg := config.LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "filetest",
			LogFile:     logPath,
		}
		InitializeLogger(cfg)
		GetLogger().Info("persisted entry")
		Sync()
		cleanup()

		data, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "persisted entry")
		// File output stays JSON regardless of the console format.
		assert.True(t, strings.HasPrefix(strings.TrimSpace(string(data)), "{"))
	})

	t.Run("bad level falls back to info", func(t *testing.T) {
		resetGlobalLogger()
		buf, cleanup := captureOutput(t)

		cfg := config.LoggerConfig{
			Level:       "chatty",
			Format:      "json",
			ServiceName: "leveltest",
		}
		InitializeLogger(cfg)
		GetLogger().Debug("should be suppressed")
		GetLogger().Info("should appear")
		Sync()
		cleanup()

		output := buf.String()
		assert.NotContains(t, output, "should be suppressed")
		assert.Contains(t, output, "should appear")
	})
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetGlobalLogger()
	logger := GetLogger()
	require.NotNil(t, logger, "fallback logger must never be nil")
}
