package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelDebug})

	logger.Info("session started", "session_id", 7)

	out := buf.String()
	if !strings.Contains(out, "session started") || !strings.Contains(out, "session_id=7") {
		t.Errorf("unexpected text output: %s", out)
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{JSON: true})

	logger.Info("session started")

	if !strings.Contains(buf.String(), `"msg":"session started"`) {
		t.Errorf("expected JSON output, got: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{Level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.Info("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message should be filtered at info level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("info message missing")
	}
}

func TestWithAddsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, Config{}).With("component", "engine")

	logger.Info("turn completed")

	if !strings.Contains(buf.String(), "component=engine") {
		t.Errorf("component context missing: %s", buf.String())
	}
}

func TestNewNopDiscards(t *testing.T) {
	logger := NewNop()
	logger.Info("discarded")
	logger.Error("also discarded")
}
