package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/registry"
)

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.New(events.DefaultConfig())
	t.Cleanup(func() { bus.Close() })
	return bus
}

func subscribeBeats(t *testing.T, bus *events.Bus) *events.Subscription {
	t.Helper()
	sub, err := bus.Subscribe("beat-observer", events.SubscribeOptions{
		Types: []events.Type{events.TypeAgentHeartbeat},
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	return sub
}

func receiveBeat(t *testing.T, sub *events.Subscription) *Heartbeat {
	t.Helper()
	select {
	case batch := <-sub.Events():
		hb, err := UnmarshalHeartbeat(batch[0].Payload)
		if err != nil {
			t.Fatalf("UnmarshalHeartbeat error: %v", err)
		}
		return hb
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for heartbeat")
		return nil
	}
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

// --- Unit Tests ---

func TestHeartbeatRoundTrip(t *testing.T) {
	hb := &Heartbeat{
		AgentID:   "worker-1",
		Timestamp: time.Now().UTC(),
		Status:    registry.StatusActive,
		Load:      0.5,
		Meta:      map[string]string{"version": "1.4.2"},
	}
	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	got, err := UnmarshalHeartbeat(data)
	if err != nil {
		t.Fatalf("UnmarshalHeartbeat error: %v", err)
	}
	if got.AgentID != hb.AgentID || got.Status != hb.Status || got.Load != hb.Load {
		t.Errorf("round trip = %+v, want %+v", got, hb)
	}
	if got.Meta["version"] != "1.4.2" {
		t.Errorf("Meta = %v", got.Meta)
	}
}

func TestNewSenderValidation(t *testing.T) {
	bus := newTestBus(t)

	if _, err := NewSender(SenderConfig{AgentID: "a"}); err != ErrInvalidConfig {
		t.Errorf("missing bus: error = %v, want ErrInvalidConfig", err)
	}
	if _, err := NewSender(SenderConfig{Bus: bus}); err != ErrInvalidConfig {
		t.Errorf("missing agent ID: error = %v, want ErrInvalidConfig", err)
	}
}

func TestSenderStartStop(t *testing.T) {
	bus := newTestBus(t)
	sender, err := NewSender(SenderConfig{Bus: bus, AgentID: "worker-1", Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}

	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("Stop before Start: error = %v, want ErrNotStarted", err)
	}
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := sender.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start: error = %v, want ErrAlreadyStarted", err)
	}
	if err := sender.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("second Stop: error = %v, want ErrNotStarted", err)
	}
}

// --- Integration Tests ---

func TestSenderBeatsImmediately(t *testing.T) {
	bus := newTestBus(t)
	sub := subscribeBeats(t, bus)

	sender, err := NewSender(SenderConfig{Bus: bus, AgentID: "worker-1", Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}
	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer sender.Stop()

	hb := receiveBeat(t, sub)
	if hb.AgentID != "worker-1" {
		t.Errorf("AgentID = %s, want worker-1", hb.AgentID)
	}
	if hb.Status != registry.StatusActive {
		t.Errorf("Status = %s, want active (default)", hb.Status)
	}
	if hb.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
}

func TestSenderCarriesState(t *testing.T) {
	bus := newTestBus(t)
	sub := subscribeBeats(t, bus)

	sender, err := NewSender(SenderConfig{Bus: bus, AgentID: "worker-1", Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}
	sender.SetStatus(registry.StatusInactive)
	sender.SetLoad(1.5)
	sender.SetMeta("version", "2.0.0")

	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer sender.Stop()

	hb := receiveBeat(t, sub)
	if hb.Status != registry.StatusInactive {
		t.Errorf("Status = %s, want inactive", hb.Status)
	}
	if hb.Load != 1.0 {
		t.Errorf("Load = %v, want 1.0 (clamped)", hb.Load)
	}
	if hb.Meta["version"] != "2.0.0" {
		t.Errorf("Meta = %v", hb.Meta)
	}

	// State changes land in later beats.
	sender.SetLoad(-3)
	deadline := time.Now().Add(time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for updated beat")
		}
		if hb := receiveBeat(t, sub); hb.Load == 0 {
			break
		}
	}
}

func TestSenderStopsOnContextCancel(t *testing.T) {
	bus := newTestBus(t)
	sender, err := NewSender(SenderConfig{Bus: bus, AgentID: "worker-1", Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSender error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := sender.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	waitFor(t, func() bool {
		return sender.Start(context.Background()) == nil
	}, "sender never released after context cancel")
	sender.Stop()
}
