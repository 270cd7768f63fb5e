package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/agentrelay/events"
)

// captureExporter records everything it is handed.
type captureExporter struct {
	mu        sync.Mutex
	events    []Event
	snapshots []Snapshot
	flushes   int
}

func (e *captureExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{Name: name, Data: data, Timestamp: time.Now()})
}

func (e *captureExporter) LogSnapshot(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshots = append(e.snapshots, snap)
}

func (e *captureExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushes++
	return nil
}

func (e *captureExporter) Close() error { return nil }

func (e *captureExporter) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events), len(e.snapshots)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent("test", map[string]interface{}{"key": "value"})
	exp.LogSnapshot(Snapshot{Component: "router"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "telemetry.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}
	defer exp.Close()

	exp.LogEvent("message.failed", map[string]interface{}{"message_id": "m-1"})
	exp.LogSnapshot(Snapshot{
		Component: "router",
		Stats:     json.RawMessage(`{"submitted":3,"delivered":2}`),
	})

	exp.Flush()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(data) == 0 {
		t.Error("expected non-empty file")
	}

	// One line per entry (event + snapshot)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("expected 2 lines, got %d", lines)
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		wantErr  bool
	}{
		{"noop", false},
		{"", false},
		{"unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, "")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

func TestCollectorRequiresConfig(t *testing.T) {
	if _, err := NewCollector(CollectorConfig{}); err != ErrCollectorConfig {
		t.Errorf("NewCollector() error = %v, want %v", err, ErrCollectorConfig)
	}
}

func TestCollectorSnapshots(t *testing.T) {
	bus := events.New(events.DefaultConfig())
	defer bus.Close()

	exp := &captureExporter{}
	col, err := NewCollector(CollectorConfig{Bus: bus, Exporter: exp})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	defer col.Stop()

	stats := []byte(`{"submitted":5,"delivered":4}`)
	if _, err := bus.Publish(events.TypeRouterStats, stats, events.PublishOptions{Source: "router"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, func() bool {
		_, snaps := exp.counts()
		return snaps == 1
	}, "timeout waiting for snapshot")

	exp.mu.Lock()
	snap := exp.snapshots[0]
	exp.mu.Unlock()
	if snap.Component != "router" {
		t.Errorf("Component = %q, want %q", snap.Component, "router")
	}
	if string(snap.Stats) != string(stats) {
		t.Errorf("Stats = %s, want %s", snap.Stats, stats)
	}
	if snap.Timestamp.IsZero() {
		t.Error("expected publish timestamp on snapshot")
	}
}

func TestCollectorEvents(t *testing.T) {
	bus := events.New(events.DefaultConfig())
	defer bus.Close()

	exp := &captureExporter{}
	col, err := NewCollector(CollectorConfig{Bus: bus, Exporter: exp})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	defer col.Stop()

	payload := []byte(`{"message_id":"m-9","error":"agent a-2 is offline"}`)
	if _, err := bus.Publish(events.TypeMessageFailed, payload, events.PublishOptions{
		Source:   "router",
		Priority: events.PriorityHigh,
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	waitFor(t, func() bool {
		evs, _ := exp.counts()
		return evs == 1
	}, "timeout waiting for event")

	exp.mu.Lock()
	ev := exp.events[0]
	exp.mu.Unlock()
	if ev.Name != events.TypeMessageFailed.String() {
		t.Errorf("Name = %q, want %q", ev.Name, events.TypeMessageFailed)
	}
	if got := ev.Data["message_id"]; got != "m-9" {
		t.Errorf("message_id = %v, want m-9", got)
	}
	if got := ev.Data["priority"]; got != "high" {
		t.Errorf("priority = %v, want high", got)
	}

	if col.Collected() != 1 {
		t.Errorf("Collected() = %d, want 1", col.Collected())
	}
}

func TestCollectorStopFlushes(t *testing.T) {
	bus := events.New(events.DefaultConfig())
	defer bus.Close()

	exp := &captureExporter{}
	col, err := NewCollector(CollectorConfig{Bus: bus, Exporter: exp})
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	if err := col.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := col.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	exp.mu.Lock()
	flushes := exp.flushes
	exp.mu.Unlock()
	if flushes != 1 {
		t.Errorf("flushes = %d, want 1", flushes)
	}
}

func TestMapCarrier(t *testing.T) {
	c := MapCarrier{}
	c.Set("traceparent", "00-abc-def-01")

	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("Get() = %q, want %q", got, "00-abc-def-01")
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "traceparent" {
		t.Errorf("Keys() = %v, want [traceparent]", keys)
	}
}

func TestTracerNoopSpans(t *testing.T) {
	// Without a global tracer, span helpers are no-ops and must not
	// panic, with or without an error outcome.
	tr := GetTracer()

	ctx, span := tr.StartRouteSpan(context.Background(), "task.assign")
	tr.EndRouteSpan(span, RouteSpanOptions{
		MessageID: "m-1",
		Sender:    "a-1",
		Strategy:  "direct",
		Priority:  "normal",
		Delivered: 1,
	}, nil)

	_, span = tr.StartDeliverSpan(ctx, "agent-1")
	tr.EndDeliverSpan(span, DeliverSpanOptions{
		AgentID: "agent-1",
		Kind:    "persistent",
		Bytes:   64,
	}, errors.New("connection refused"))

	_, span = tr.StartPublishSpan(ctx, "message.routed")
	tr.EndPublishSpan(span, PublishSpanOptions{
		EventID:   "e-1",
		MessageID: "m-1",
		Status:    "delivered",
		Priority:  "normal",
	}, nil)
}

func TestTracerDebugFlag(t *testing.T) {
	tr := NewTracer("test", false)
	if tr.Debug() {
		t.Error("expected debug off by default")
	}
	tr.SetDebug(true)
	if !tr.Debug() {
		t.Error("expected debug on after SetDebug(true)")
	}
}
