// Package logging provides real-time log output for pipeline workers. The
// broker topics are the durable record of what happened to a task; this
// package is console output for operators watching a worker run.
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

// ParseLevel maps a level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	traceID   string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a new logger tagging every line with the trace id.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		traceID:   traceID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
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

// formatFields formats a map of fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var f map[string]interface{}
	if len(fields) > 0 && fields[0] != nil {
		f = fields[0]
	}
	if l.traceID != "" {
		if f == nil {
			f = map[string]interface{}{}
		}
		f["trace_id"] = l.traceID
	}
	fieldStr := formatFields(f)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

// --- Pipeline event logging methods ---
// One line per broker interaction, mirroring the message flow so an
// operator can follow a task across stages by its trace_id.

// Consume logs a record taken off a stage's input topic.
func (l *Logger) Consume(stage, topic string, partition int, offset int64, attempt int) {
	l.Info("consume", map[string]interface{}{
		"stage":     stage,
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"attempt":   attempt,
	})
}

// Produce logs a record published to a topic.
func (l *Logger) Produce(stage, topic string) {
	l.Info("produce", map[string]interface{}{
		"stage": stage,
		"topic": topic,
	})
}

// StageComplete logs a handler finishing successfully.
func (l *Logger) StageComplete(stage string, duration time.Duration) {
	l.Info("stage_complete", map[string]interface{}{
		"stage":    stage,
		"duration": duration.String(),
	})
}

// Retry logs a retryable failure being requeued.
func (l *Logger) Retry(stage string, attempt, maxAttempts int, backoff time.Duration, err error) {
	l.Warn("retry", map[string]interface{}{
		"stage":        stage,
		"attempt":      attempt,
		"max_attempts": maxAttempts,
		"backoff":      backoff.String(),
		"error":        err.Error(),
	})
}

// DeadLetter logs an envelope being routed to a dead-letter topic.
func (l *Logger) DeadLetter(stage, topic, kind string, attempts int, err error) {
	l.Error("dead_letter", map[string]interface{}{
		"stage":    stage,
		"topic":    topic,
		"kind":     kind,
		"attempts": attempts,
		"error":    err.Error(),
	})
}

// PartitionAssigned logs partition ownership being granted.
func (l *Logger) PartitionAssigned(stage, topic string, partition int) {
	l.Debug("partition_assigned", map[string]interface{}{
		"stage":     stage,
		"topic":     topic,
		"partition": partition,
	})
}

// PartitionRevoked logs partition ownership being taken away mid-run.
func (l *Logger) PartitionRevoked(stage, topic string, partition int) {
	l.Warn("partition_revoked", map[string]interface{}{
		"stage":     stage,
		"topic":     topic,
		"partition": partition,
	})
}

// BackendCall logs a reasoning backend invocation.
func (l *Logger) BackendCall(stage, provider string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"stage":    stage,
		"provider": provider,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("backend_error", fields)
	} else {
		l.Debug("backend_call", fields)
	}
}

// WorkerStart logs a worker process starting its agents.
func (l *Logger) WorkerStart(group string, stages int) {
	l.Info("worker_start", map[string]interface{}{
		"group":  group,
		"stages": stages,
	})
}

// WorkerStop logs a worker process finishing shutdown.
func (l *Logger) WorkerStop(reason string, duration time.Duration) {
	l.Info("worker_stop", map[string]interface{}{
		"reason":   reason,
		"duration": duration.String(),
	})
}
