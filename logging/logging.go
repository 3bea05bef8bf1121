// Package logging provides leveled console logging for the coordinator.
// Lifecycle events are broadcast on the event bus; this package is the
// operator-facing trail of the same transitions.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a config string to a Level. Unknown values map to INFO.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled log lines.
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// sink is shared between a logger and the loggers derived from it.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		sink: &sink{output: os.Stdout, minLevel: LevelInfo},
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{
		sink: &sink{output: io.Discard, minLevel: LevelError},
	}
}

// WithComponent returns a logger tagged with the given component name.
// The derived logger shares output and level with its parent.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a logger that includes trace_id on every line.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as sorted key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// log writes: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace_id=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.sink.output.Write([]byte(line))
}

// --- Task lifecycle helpers ---

// TaskCreated logs a newly allocated task.
func (l *Logger) TaskCreated(taskID, agentID, instanceID string) {
	l.Debug("task_created", map[string]interface{}{
		"task":     taskID,
		"agent":    agentID,
		"instance": instanceID,
	})
}

// TaskQueued logs a task waiting for a slot.
func (l *Logger) TaskQueued(taskID string, position int) {
	l.Info("task_queued", map[string]interface{}{
		"task":     taskID,
		"position": position,
	})
}

// TaskPromoted logs a waiter granted a freed slot.
func (l *Logger) TaskPromoted(taskID string) {
	l.Info("task_promoted", map[string]interface{}{
		"task": taskID,
	})
}

// TaskStarted logs the start of remote execution.
func (l *Logger) TaskStarted(taskID, executionID string) {
	l.Info("task_started", map[string]interface{}{
		"task":      taskID,
		"execution": executionID,
	})
}

// TaskTerminal logs a task reaching completed or error.
func (l *Logger) TaskTerminal(taskID, status string, duration time.Duration, errMsg string) {
	fields := map[string]interface{}{
		"task":     taskID,
		"status":   status,
		"duration": duration.String(),
	}
	if errMsg != "" {
		fields["error"] = errMsg
		l.Warn("task_terminal", fields)
		return
	}
	l.Info("task_terminal", fields)
}

// StreamOpened logs a push connection being established.
func (l *Logger) StreamOpened(taskID, transport string) {
	l.Debug("stream_opened", map[string]interface{}{
		"task":      taskID,
		"transport": transport,
	})
}

// StreamClosed logs a push connection being closed.
func (l *Logger) StreamClosed(taskID, reason string) {
	l.Debug("stream_closed", map[string]interface{}{
		"task":   taskID,
		"reason": reason,
	})
}

// ConversationAppendFailed logs a best-effort transcript append failure.
func (l *Logger) ConversationAppendFailed(taskID, conversationID string, err error) {
	l.Warn("conversation_append_failed", map[string]interface{}{
		"task":         taskID,
		"conversation": conversationID,
		"error":        err.Error(),
	})
}
