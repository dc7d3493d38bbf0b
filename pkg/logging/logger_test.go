package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), buf.String())
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if entry.Level != "WARN" || entry.Message != "warn message" {
		t.Errorf("unexpected first entry: %+v", entry)
	}
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("flushed", Generation(7), Records(1234), Error(errors.New("boom")))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if entry.Fields["generation"] != float64(7) {
		t.Errorf("generation field = %v", entry.Fields["generation"])
	}
	if entry.Fields["records"] != float64(1234) {
		t.Errorf("records field = %v", entry.Fields["records"])
	}
	if entry.Fields["error"] != "boom" {
		t.Errorf("error field = %v", entry.Fields["error"])
	}
}

func TestWithChildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	child := logger.With(Component("hashindex"))
	child.Info("opened")

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line: %v", err)
	}
	if entry.Fields["component"] != "hashindex" {
		t.Errorf("component field = %v", entry.Fields["component"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"ERROR", ErrorLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
