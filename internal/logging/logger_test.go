package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "debug level", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
		{name: "error level", config: &Config{Level: LevelError, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected debug/info to be gated at LevelWarn, got: %s", buf.String())
	}

	logger.Warn("peer 3 socket retry", "rank", 3, "attempt", 2)
	output := buf.String()
	if !strings.Contains(output, "peer 3 socket retry") {
		t.Errorf("expected warn message in output, got: %s", output)
	}
	if !strings.Contains(output, "rank=3") || !strings.Contains(output, "attempt=2") {
		t.Errorf("expected key=value fields in output, got: %s", output)
	}
}

func TestLoggerPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Errorf("qp for rank %d failed: %v", 5, "timeout")
	output := buf.String()
	if !strings.Contains(output, "qp for rank 5 failed: timeout") {
		t.Errorf("expected formatted message, got: %s", output)
	}
}

func TestDefaultLoggerSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same logger instance across calls")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected debug message with fields, got: %s", buf.String())
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}

func TestFields(t *testing.T) {
	args := Fields(map[string]any{"rank": 2})
	if len(args) != 2 || args[0] != "rank" || args[1] != 2 {
		t.Errorf("expected Fields to produce [rank 2], got: %v", args)
	}
}
