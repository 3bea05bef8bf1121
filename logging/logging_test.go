package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponentSharesSink(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	root.SetOutput(&buf)
	child := root.WithComponent("slots")

	root.SetLevel(LevelDebug)
	child.Debug("visible")

	output := buf.String()
	if !strings.Contains(output, "[slots]") {
		t.Errorf("expected component in log, got: %s", output)
	}
	if !strings.Contains(output, "visible") {
		t.Errorf("level change on parent should apply to child, got: %s", output)
	}
}

func TestLogger_WithTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithTraceID("abc123")
	logger.SetOutput(&buf)

	logger.Info("traced")
	if !strings.Contains(buf.String(), "trace_id=abc123") {
		t.Errorf("expected trace id, got: %s", buf.String())
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("fields", map[string]interface{}{"b": 2, "a": 1})
	if !strings.Contains(buf.String(), " a=1 b=2") {
		t.Errorf("expected sorted fields, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_TaskTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.TaskTerminal("t1", "completed", 1500*time.Millisecond, "")
	if !strings.Contains(buf.String(), "INFO") || !strings.Contains(buf.String(), "duration=1.5s") {
		t.Errorf("unexpected output: %s", buf.String())
	}

	buf.Reset()
	logger.TaskTerminal("t2", "error", time.Second, "stream reset")
	if !strings.Contains(buf.String(), "WARN") || !strings.Contains(buf.String(), "error=stream reset") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestLogger_ConversationAppendFailed(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.ConversationAppendFailed("t1", "c1", errors.New("bucket missing"))
	out := buf.String()
	if !strings.Contains(out, "conversation=c1") || !strings.Contains(out, "error=bucket missing") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing happens")
}
