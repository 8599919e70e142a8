package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineLogger_FormatsPrintfArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "text", Output: &buf})

	logger.Warn("model tier %s attempt failed: %v", "openai/gpt-4o-mini", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, "model tier openai/gpt-4o-mini attempt failed: boom")
	assert.NotContains(t, out, "%!")
}

func TestEngineLogger_PlainMessagePassedThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	logger.Info("abort requested")

	assert.Contains(t, buf.String(), "abort requested")
}

func TestEngineLogger_WithRunAttachesIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf}).
		WithComponent("orchestrator").
		WithRun("run-1", "conv-1")

	logger.Info("run started")

	out := buf.String()
	assert.Contains(t, out, `"component":"orchestrator"`)
	assert.Contains(t, out, `"run_id":"run-1"`)
	assert.Contains(t, out, `"conversation_id":"conv-1"`)
}

func TestEngineLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	logger.Info("should not appear")
	logger.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestNewLogger_NilOutputDefaultsToStdout(t *testing.T) {
	logger := NewLogger(&LoggerConfig{Level: LogLevelError, Format: "text"})

	assert.NotPanics(t, func() {
		logger.Error("writer fallback %d", 1)
	})
}
