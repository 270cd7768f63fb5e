// Package logging provides real-time console output for relay components.
// Outcome events on the bus are THE forensic record. This package provides
// optional leveled output for monitoring, derived from routing activity.
package logging

import (
	"fmt"
	"io"
	"os"
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

// Logger provides structured logging to stdout.
// This is for real-time monitoring only - auditing uses outcome events.
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

// WithTraceID returns a new logger with the given trace ID.
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

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

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

// --- Routing-derived logging methods ---
// These are called by the router and bus after outcomes are decided.
// They provide real-time console output without duplicating event data.

// MessageRouted logs a successful routing decision (real-time output).
func (l *Logger) MessageRouted(messageID, strategy, agentID string, duration time.Duration) {
	l.Debug("message_routed", map[string]interface{}{
		"message":  messageID,
		"strategy": strategy,
		"agent":    agentID,
		"duration": duration.String(),
	})
}

// MessageQueued logs a message entering a priority queue.
func (l *Logger) MessageQueued(messageID, priority string, depth int) {
	l.Debug("message_queued", map[string]interface{}{
		"message":  messageID,
		"priority": priority,
		"depth":    depth,
	})
}

// MessageFailed logs a failed delivery attempt (real-time output).
func (l *Logger) MessageFailed(messageID, agentID string, err error) {
	fields := map[string]interface{}{
		"message": messageID,
		"agent":   agentID,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("message_failed", fields)
}

// MessageExpired logs a message dropped because its TTL elapsed.
func (l *Logger) MessageExpired(messageID string, age time.Duration) {
	l.Info("message_expired", map[string]interface{}{
		"message": messageID,
		"age":     age.String(),
	})
}

// RetryScheduled logs a message entering the retry backoff path.
func (l *Logger) RetryScheduled(messageID string, retries int, delay time.Duration) {
	l.Debug("retry_scheduled", map[string]interface{}{
		"message": messageID,
		"retries": retries,
		"delay":   delay.String(),
	})
}

// RetryExhausted logs a message dropped after spending its retry budget.
func (l *Logger) RetryExhausted(messageID string, attempts int) {
	l.Warn("retry_exhausted", map[string]interface{}{
		"message":  messageID,
		"attempts": attempts,
	})
}

// BroadcastComplete logs the aggregate result of a broadcast fan-out.
func (l *Logger) BroadcastComplete(messageID string, delivered, failed int) {
	l.Info("broadcast_complete", map[string]interface{}{
		"message":   messageID,
		"delivered": delivered,
		"failed":    failed,
	})
}

// EventPublished logs an event fan-out (real-time output).
func (l *Logger) EventPublished(eventID, eventType string, subscribers int) {
	l.Debug("event_published", map[string]interface{}{
		"event":       eventID,
		"type":        eventType,
		"subscribers": subscribers,
	})
}

// FilterFailure logs a subscriber predicate that panicked or errored.
// The event is still delivered; filters fail open.
func (l *Logger) FilterFailure(subscriberID string, err error) {
	fields := map[string]interface{}{
		"subscriber": subscriberID,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("filter_failure", fields)
}

// SubscriberIdle logs a subscriber that has not received anything for a while.
func (l *Logger) SubscriberIdle(subscriberID string, idle time.Duration) {
	l.Warn("subscriber_idle", map[string]interface{}{
		"subscriber": subscriberID,
		"idle":       idle.String(),
	})
}

// SubscriberDropped logs events dropped on a full subscriber buffer.
func (l *Logger) SubscriberDropped(subscriberID string, dropped int64) {
	l.Warn("subscriber_dropped", map[string]interface{}{
		"subscriber": subscriberID,
		"dropped":    dropped,
	})
}

// AgentRegistered logs a new registry entry.
func (l *Logger) AgentRegistered(agentID string, capabilities []string) {
	l.Info("agent_registered", map[string]interface{}{
		"agent":        agentID,
		"capabilities": strings.Join(capabilities, ","),
	})
}

// AgentOffline logs an agent marked inactive after heartbeat silence.
func (l *Logger) AgentOffline(agentID string, silence time.Duration) {
	l.Warn("agent_offline", map[string]interface{}{
		"agent":   agentID,
		"silence": silence.String(),
	})
}

// AgentRecovered logs an agent reactivated by a fresh heartbeat.
func (l *Logger) AgentRecovered(agentID string) {
	l.Info("agent_recovered", map[string]interface{}{
		"agent": agentID,
	})
}

// SweepError logs a failure inside a periodic sweep.
func (l *Logger) SweepError(name string, err error) {
	fields := map[string]interface{}{
		"sweep": name,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error("sweep_error", fields)
}
