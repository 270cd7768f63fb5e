package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vinayprograms/agentrelay/delivery"
	"github.com/vinayprograms/agentrelay/errors"
	"github.com/vinayprograms/agentrelay/ratelimit"
	"github.com/vinayprograms/agentrelay/registry"
)

// quietConfig pushes the background sweeps out to an hour so tests
// drive flush and maintenance directly.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	cfg.MaintenanceInterval = time.Hour
	cfg.ReplayDelay = 0
	return cfg
}

func receiveBatch(t *testing.T, sub *Subscription) []*Event {
	t.Helper()
	select {
	case batch := <-sub.Events():
		return batch
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for events")
		return nil
	}
}

func receiveOne(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	batch := receiveBatch(t, sub)
	if len(batch) != 1 {
		t.Fatalf("batch size = %d, want 1", len(batch))
	}
	return batch[0]
}

func expectNoEvents(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case batch := <-sub.Events():
		t.Fatalf("unexpected delivery of %d events", len(batch))
	default:
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

func containsType(types []Type, target Type) bool {
	for _, t := range types {
		if t == target {
			return true
		}
	}
	return false
}

// --- Unit Tests ---

func TestBusDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BufferSize != 64 {
		t.Errorf("BufferSize = %d, want 64", cfg.BufferSize)
	}
	if cfg.HistorySize != 1000 {
		t.Errorf("HistorySize = %d, want 1000", cfg.HistorySize)
	}
	if cfg.ReplaySize != 100 {
		t.Errorf("ReplaySize = %d, want 100", cfg.ReplaySize)
	}
	if cfg.FlushInterval != 100*time.Millisecond {
		t.Errorf("FlushInterval = %v, want 100ms", cfg.FlushInterval)
	}
}

func TestBus_KnownTypesSeeded(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	types := bus.KnownTypes()
	if len(types) != len(builtinTypes) {
		t.Fatalf("len = %d, want %d", len(types), len(builtinTypes))
	}
	for _, builtin := range builtinTypes {
		if !containsType(types, builtin) {
			t.Errorf("builtin type %q missing from known set", builtin)
		}
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Errorf("types not sorted: %q before %q", types[i-1], types[i])
		}
	}
}

func TestBus_RegisterTypes(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	if err := bus.RegisterTypes("task.created", "task.completed"); err != nil {
		t.Fatalf("RegisterTypes error: %v", err)
	}
	if !containsType(bus.KnownTypes(), "task.created") {
		t.Error("registered type missing from known set")
	}

	err := bus.RegisterTypes("has space")
	if !errors.Is(err, errors.ErrCodeValidation) {
		t.Errorf("expected VALIDATION, got %v", err)
	}
}

func TestBus_SubscribeValidation(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	tests := []struct {
		name     string
		id       string
		opts     SubscribeOptions
		wantCode errors.ErrorCode
	}{
		{"empty id", "", SubscribeOptions{Types: []Type{Wildcard}}, errors.ErrCodeValidation},
		{"no types", "sub-1", SubscribeOptions{}, errors.ErrCodeValidation},
		{"invalid type", "sub-1", SubscribeOptions{Types: []Type{"has space"}}, errors.ErrCodeValidation},
		{"bad priority", "sub-1", SubscribeOptions{Types: []Type{Wildcard}, Priorities: []Priority{"urgent"}}, errors.ErrCodeValidation},
		{"remote without transport", "sub-1", SubscribeOptions{Types: []Type{Wildcard}, Remote: true}, errors.ErrCodeValidation},
		{"unknown type", "sub-1", SubscribeOptions{Types: []Type{"never.registered"}}, errors.ErrCodeUnknownEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bus.Subscribe(tt.id, tt.opts)
			if !errors.Is(err, tt.wantCode) {
				t.Errorf("Subscribe error = %v, want code %s", err, tt.wantCode)
			}
		})
	}
}

func TestBus_SubscribeDuplicateID(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	if _, err := bus.Subscribe("observer", SubscribeOptions{Types: []Type{Wildcard}}); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	_, err := bus.Subscribe("observer", SubscribeOptions{Types: []Type{Wildcard}})
	if !errors.Is(err, errors.ErrCodeAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS, got %v", err)
	}
}

// --- Integration Tests ---

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	if err := bus.RegisterTypes("task.created"); err != nil {
		t.Fatalf("RegisterTypes error: %v", err)
	}
	sub, err := bus.Subscribe("worker-1", SubscribeOptions{Types: []Type{"task.created"}})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	ev, err := bus.Publish("task.created", []byte("hello"), PublishOptions{Source: "planner"})
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if ev.ID == "" {
		t.Error("published event should have an ID")
	}

	got := receiveOne(t, sub)
	if got.ID != ev.ID {
		t.Errorf("ID = %q, want %q", got.ID, ev.ID)
	}
	if got.Type != "task.created" {
		t.Errorf("type = %q, want task.created", got.Type)
	}
	if string(got.Payload) != "hello" {
		t.Errorf("payload = %q, want %q", got.Payload, "hello")
	}
	if got.Source != "planner" {
		t.Errorf("source = %q, want planner", got.Source)
	}
	if got.Priority != PriorityNormal {
		t.Errorf("priority = %q, want %q", got.Priority, PriorityNormal)
	}
	if got.PublishedAt.IsZero() {
		t.Error("PublishedAt should be set")
	}
}

func TestBus_WildcardMatchesLaterTypes(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("observer", SubscribeOptions{Types: []Type{Wildcard}})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	// Never registered; publish auto-registers it.
	if _, err := bus.Publish("brand.new", []byte("x"), PublishOptions{}); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	got := receiveOne(t, sub)
	if got.Type != "brand.new" {
		t.Errorf("type = %q, want brand.new", got.Type)
	}
	if !containsType(bus.KnownTypes(), "brand.new") {
		t.Error("published type should join the known set")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("task.created")
	sub1, _ := bus.Subscribe("worker-1", SubscribeOptions{Types: []Type{"task.created"}})
	sub2, _ := bus.Subscribe("worker-2", SubscribeOptions{Types: []Type{Wildcard}})

	bus.Publish("task.created", []byte("x"), PublishOptions{})

	for i, sub := range []*Subscription{sub1, sub2} {
		got := receiveOne(t, sub)
		if got.Type != "task.created" {
			t.Errorf("sub%d: type = %q, want task.created", i+1, got.Type)
		}
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("a.one", "a.two")
	sub, _ := bus.Subscribe("worker-1", SubscribeOptions{Types: []Type{"a.one"}})

	bus.Publish("a.two", []byte("x"), PublishOptions{})
	expectNoEvents(t, sub)

	bus.Publish("a.one", []byte("y"), PublishOptions{})
	got := receiveOne(t, sub)
	if got.Type != "a.one" {
		t.Errorf("type = %q, want a.one", got.Type)
	}
}

func TestBus_FilterPredicate(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("task.created")
	sub, _ := bus.Subscribe("picky", SubscribeOptions{
		Types: []Type{"task.created"},
		Filter: func(ev *Event) (bool, error) {
			return ev.Meta["keep"] == "yes", nil
		},
	})

	bus.Publish("task.created", nil, PublishOptions{Meta: map[string]string{"keep": "no"}})
	expectNoEvents(t, sub)

	bus.Publish("task.created", nil, PublishOptions{Meta: map[string]string{"keep": "yes"}})
	got := receiveOne(t, sub)
	if got.Meta["keep"] != "yes" {
		t.Errorf("meta = %q, want yes", got.Meta["keep"])
	}

	stats := sub.Stats()
	if stats.Filtered != 1 {
		t.Errorf("filtered = %d, want 1", stats.Filtered)
	}
	if stats.Delivered != 1 {
		t.Errorf("delivered = %d, want 1", stats.Delivered)
	}
}

func TestBus_FilterErrorFailsOpen(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("task.created")
	sub, _ := bus.Subscribe("broken", SubscribeOptions{
		Types: []Type{"task.created"},
		Filter: func(*Event) (bool, error) {
			return false, errors.Internal("filter backend down")
		},
	})

	bus.Publish("task.created", []byte("x"), PublishOptions{})

	got := receiveOne(t, sub)
	if string(got.Payload) != "x" {
		t.Errorf("payload = %q, want x", got.Payload)
	}
	if filtered := sub.Stats().Filtered; filtered != 0 {
		t.Errorf("filtered = %d, want 0", filtered)
	}
}

func TestBus_FilterPanicFailsOpen(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("task.created")
	sub, _ := bus.Subscribe("crasher", SubscribeOptions{
		Types: []Type{"task.created"},
		Filter: func(*Event) (bool, error) {
			panic("filter bug")
		},
	})

	bus.Publish("task.created", []byte("x"), PublishOptions{})

	got := receiveOne(t, sub)
	if string(got.Payload) != "x" {
		t.Errorf("payload = %q, want x", got.Payload)
	}
	if delivered := sub.Stats().Delivered; delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestBus_PriorityAllowList(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("alert.raised")
	sub, _ := bus.Subscribe("oncall", SubscribeOptions{
		Types:      []Type{"alert.raised"},
		Priorities: []Priority{PriorityCritical},
	})

	bus.Publish("alert.raised", []byte("minor"), PublishOptions{})
	expectNoEvents(t, sub)

	bus.Publish("alert.raised", []byte("major"), PublishOptions{Priority: PriorityCritical})
	got := receiveOne(t, sub)
	if string(got.Payload) != "major" {
		t.Errorf("payload = %q, want major", got.Payload)
	}
	if filtered := sub.Stats().Filtered; filtered != 1 {
		t.Errorf("filtered = %d, want 1", filtered)
	}
}

func TestBus_Batching(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("tick")
	sub, _ := bus.Subscribe("batcher", SubscribeOptions{
		Types:     []Type{"tick"},
		BatchSize: 3,
	})

	for i := 0; i < 3; i++ {
		bus.Publish("tick", []byte{byte('a' + i)}, PublishOptions{})
	}

	batch := receiveBatch(t, sub)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i, ev := range batch {
		if string(ev.Payload) != string(byte('a'+i)) {
			t.Errorf("batch[%d] = %q, want %q", i, ev.Payload, string(byte('a'+i)))
		}
	}

	// A partial batch waits for the flush sweep.
	bus.Publish("tick", []byte("d"), PublishOptions{})
	expectNoEvents(t, sub)

	bus.flush()
	partial := receiveBatch(t, sub)
	if len(partial) != 1 || string(partial[0].Payload) != "d" {
		t.Errorf("partial batch = %v, want single event d", partial)
	}
}

func TestBus_DeferredPublishDrainsUrgentFirst(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("observer", SubscribeOptions{Types: []Type{Wildcard}})

	bus.Publish("background.job", []byte("low"), PublishOptions{Priority: PriorityLow, Batch: true})
	bus.Publish("alert.raised", []byte("critical"), PublishOptions{Priority: PriorityCritical, Batch: true})
	expectNoEvents(t, sub)

	bus.flush()

	first := receiveOne(t, sub)
	if first.Priority != PriorityCritical {
		t.Errorf("first priority = %q, want critical", first.Priority)
	}
	second := receiveOne(t, sub)
	if second.Priority != PriorityLow {
		t.Errorf("second priority = %q, want low", second.Priority)
	}
}

func TestBus_DeferredPublishQueueFull(t *testing.T) {
	cfg := quietConfig()
	cfg.BatchQueueSize = 1
	bus := New(cfg)
	defer bus.Close()

	if _, err := bus.Publish("tick", nil, PublishOptions{Batch: true}); err != nil {
		t.Fatalf("first deferred publish error: %v", err)
	}

	_, err := bus.Publish("tick", nil, PublishOptions{Batch: true})
	if !errors.Is(err, errors.ErrCodeQueueFull) {
		t.Errorf("expected QUEUE_FULL, got %v", err)
	}
}

func TestBus_PublishRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	defer limiter.Close()
	limiter.SetCapacity(ratelimit.EventTypeKey("chatty.event"), 1, time.Hour)

	cfg := quietConfig()
	cfg.Limiter = limiter
	bus := New(cfg)
	defer bus.Close()

	if _, err := bus.Publish("chatty.event", nil, PublishOptions{}); err != nil {
		t.Fatalf("first publish error: %v", err)
	}

	_, err := bus.Publish("chatty.event", nil, PublishOptions{})
	if !errors.Is(err, errors.ErrCodeRateLimit) {
		t.Errorf("expected RATE_LIMITED, got %v", err)
	}

	// Types without a configured budget are not limited.
	if _, err := bus.Publish("other.event", nil, PublishOptions{}); err != nil {
		t.Errorf("unbudgeted publish error: %v", err)
	}
}

func TestBus_Replay(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("task.created")
	for i := 0; i < 3; i++ {
		bus.Publish("task.created", []byte{byte('0' + i)}, PublishOptions{})
	}

	sub, err := bus.Subscribe("late-joiner", SubscribeOptions{
		Types:  []Type{"task.created"},
		Replay: true,
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	for i := 0; i < 3; i++ {
		got := receiveOne(t, sub)
		if string(got.Payload) != string(byte('0'+i)) {
			t.Errorf("replay[%d] = %q, want %q", i, got.Payload, string(byte('0'+i)))
		}
	}
	waitFor(t, func() bool { return sub.Stats().Replayed == 3 },
		"replayed counter never reached 3")
	if delivered := sub.Stats().Delivered; delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}
}

func TestBus_ReplaySkipsExpired(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("tick")
	bus.Publish("tick", []byte("stale"), PublishOptions{TTL: 10 * time.Millisecond})
	time.Sleep(30 * time.Millisecond)
	bus.Publish("tick", []byte("fresh"), PublishOptions{})

	sub, _ := bus.Subscribe("late-joiner", SubscribeOptions{
		Types:  []Type{"tick"},
		Replay: true,
	})

	got := receiveOne(t, sub)
	if string(got.Payload) != "fresh" {
		t.Errorf("payload = %q, want fresh", got.Payload)
	}
	waitFor(t, func() bool { return sub.Stats().Replayed == 1 },
		"replayed counter never reached 1")
	expectNoEvents(t, sub)
}

func TestBus_ReplayRingEviction(t *testing.T) {
	cfg := quietConfig()
	cfg.ReplaySize = 2
	bus := New(cfg)
	defer bus.Close()

	bus.RegisterTypes("tick")
	for _, payload := range []string{"a", "b", "c"} {
		bus.Publish("tick", []byte(payload), PublishOptions{})
	}

	sub, _ := bus.Subscribe("late-joiner", SubscribeOptions{
		Types:  []Type{"tick"},
		Replay: true,
	})

	if got := receiveOne(t, sub); string(got.Payload) != "b" {
		t.Errorf("first replay = %q, want b", got.Payload)
	}
	if got := receiveOne(t, sub); string(got.Payload) != "c" {
		t.Errorf("second replay = %q, want c", got.Payload)
	}
}

func TestBus_HistoryRing(t *testing.T) {
	cfg := quietConfig()
	cfg.HistorySize = 3
	bus := New(cfg)
	defer bus.Close()

	bus.RegisterTypes("tick")
	for i := 1; i <= 5; i++ {
		bus.Publish("tick", []byte{byte('0' + i)}, PublishOptions{})
	}

	hist := bus.History(0)
	if len(hist) != 3 {
		t.Fatalf("history depth = %d, want 3", len(hist))
	}
	for i, want := range []string{"3", "4", "5"} {
		if string(hist[i].Payload) != want {
			t.Errorf("history[%d] = %q, want %q", i, hist[i].Payload, want)
		}
	}

	limited := bus.History(2)
	if len(limited) != 2 || string(limited[0].Payload) != "4" {
		t.Errorf("limited history = %v, want events 4, 5", limited)
	}

	// Entries are clones; mutating them leaves the ring untouched.
	hist[0].Payload[0] = 'X'
	if got := bus.History(0); string(got[0].Payload) != "3" {
		t.Errorf("ring mutated through History result: %q", got[0].Payload)
	}
}

func TestBus_DropOnFullBuffer(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("tick")
	sub, _ := bus.Subscribe("slow", SubscribeOptions{
		Types:  []Type{"tick"},
		Buffer: 1,
	})

	bus.Publish("tick", []byte("1"), PublishOptions{})
	bus.Publish("tick", []byte("2"), PublishOptions{})

	if dropped := sub.Stats().Dropped; dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if got := receiveOne(t, sub); string(got.Payload) != "1" {
		t.Errorf("payload = %q, want 1", got.Payload)
	}
	if busDropped := bus.Stats().Dropped; busDropped != 1 {
		t.Errorf("bus dropped = %d, want 1", busDropped)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("tick")
	sub, _ := bus.Subscribe("worker-1", SubscribeOptions{Types: []Type{"tick"}})

	if !bus.Unsubscribe("worker-1") {
		t.Error("Unsubscribe should report true for an attached subscriber")
	}
	if bus.Unsubscribe("worker-1") {
		t.Error("second Unsubscribe should report false")
	}

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// Publishing afterward reaches nobody and must not panic.
	bus.Publish("tick", []byte("x"), PublishOptions{})
	if subs := bus.Stats().Subscribers; subs != 0 {
		t.Errorf("subscribers = %d, want 0", subs)
	}
}

func TestBus_UnsubscribeUnknown(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	if bus.Unsubscribe("nobody") {
		t.Error("Unsubscribe of unknown ID should report false")
	}
}

func TestBus_StatsEvent(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("metrics", SubscribeOptions{Types: []Type{TypeBusStats}})

	bus.maintain()

	got := receiveOne(t, sub)
	if got.Source != "bus" {
		t.Errorf("source = %q, want bus", got.Source)
	}
	if got.Priority != PriorityLow {
		t.Errorf("priority = %q, want low", got.Priority)
	}

	var snap BusStats
	if err := json.Unmarshal(got.Payload, &snap); err != nil {
		t.Fatalf("unmarshal stats payload: %v", err)
	}
	if snap.Subscribers != 1 {
		t.Errorf("snapshot subscribers = %d, want 1", snap.Subscribers)
	}
	if snap.KnownTypes < len(builtinTypes) {
		t.Errorf("snapshot known types = %d, want at least %d", snap.KnownTypes, len(builtinTypes))
	}
}

func TestBus_MaintenancePrunesExpired(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("tick")
	bus.Publish("tick", []byte("stale"), PublishOptions{TTL: 5 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	bus.maintain()

	if expired := bus.Stats().Expired; expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}

	// Only the stats snapshot published by maintenance remains.
	hist := bus.History(0)
	if len(hist) != 1 || hist[0].Type != TypeBusStats {
		t.Errorf("history after prune = %v, want single bus.stats event", hist)
	}
}

func TestBus_MaintenanceFlagsIdle(t *testing.T) {
	cfg := quietConfig()
	cfg.IdleThreshold = time.Millisecond
	bus := New(cfg)
	defer bus.Close()

	bus.RegisterTypes("quiet.type")
	bus.Subscribe("sleeper", SubscribeOptions{Types: []Type{"quiet.type"}})
	time.Sleep(10 * time.Millisecond)

	bus.maintain()

	if idle := bus.Stats().IdleSubscribers; idle != 1 {
		t.Errorf("idle subscribers = %d, want 1", idle)
	}
}

func TestBus_RemoteDelivery(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	channel := delivery.NewMemory(delivery.Config{})
	defer channel.Close()

	endpoint, err := channel.Attach("remote-1")
	if err != nil {
		t.Fatalf("Attach error: %v", err)
	}
	err = reg.Register(registry.AgentRecord{
		ID:     "remote-1",
		Name:   "Remote Worker",
		Status: registry.StatusActive,
		Handle: &delivery.Handle{AgentID: "remote-1", Kind: delivery.KindPersistent},
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	cfg := quietConfig()
	cfg.Registry = reg
	cfg.Channel = channel
	bus := New(cfg)
	defer bus.Close()

	bus.RegisterTypes("task.created")
	sub, err := bus.Subscribe("remote-1", SubscribeOptions{
		Types:  []Type{"task.created"},
		Remote: true,
	})
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	bus.Publish("task.created", []byte("hello"), PublishOptions{})

	select {
	case payload := <-endpoint.Payloads():
		var batch []*Event
		if err := json.Unmarshal(payload.Data, &batch); err != nil {
			t.Fatalf("unmarshal remote batch: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("batch size = %d, want 1", len(batch))
		}
		if batch[0].Type != "task.created" || string(batch[0].Payload) != "hello" {
			t.Errorf("remote event = %v, want task.created/hello", batch[0])
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for remote delivery")
	}

	waitFor(t, func() bool { return sub.Stats().Delivered == 1 },
		"delivered counter never reached 1")
}

func TestBus_RemoteDeliveryUnresolvable(t *testing.T) {
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	channel := delivery.NewMemory(delivery.Config{})
	defer channel.Close()

	cfg := quietConfig()
	cfg.Registry = reg
	cfg.Channel = channel
	bus := New(cfg)
	defer bus.Close()

	bus.RegisterTypes("task.created")
	sub, _ := bus.Subscribe("ghost", SubscribeOptions{
		Types:  []Type{"task.created"},
		Remote: true,
	})

	// No registry record for "ghost"; the batch counts as dropped.
	bus.Publish("task.created", []byte("x"), PublishOptions{})

	waitFor(t, func() bool { return sub.Stats().Dropped == 1 },
		"dropped counter never reached 1")
}

func TestBus_SubscriptionStats(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("tick")
	bus.Subscribe("b-worker", SubscribeOptions{Types: []Type{"tick"}, BatchSize: 4})
	bus.Subscribe("a-observer", SubscribeOptions{Types: []Type{Wildcard}})

	stats := bus.SubscriptionStats()
	if len(stats) != 2 {
		t.Fatalf("len = %d, want 2", len(stats))
	}
	if stats[0].ID != "a-observer" || stats[1].ID != "b-worker" {
		t.Errorf("stats not sorted by ID: %q, %q", stats[0].ID, stats[1].ID)
	}
	if !stats[0].Wildcard {
		t.Error("a-observer should report wildcard")
	}
	if stats[1].BatchSize != 4 {
		t.Errorf("b-worker batch size = %d, want 4", stats[1].BatchSize)
	}
}

func TestBus_StatsCounters(t *testing.T) {
	bus := New(quietConfig())
	defer bus.Close()

	bus.RegisterTypes("tick")
	sub, _ := bus.Subscribe("worker-1", SubscribeOptions{Types: []Type{"tick"}})

	bus.Publish("tick", []byte("1"), PublishOptions{})
	bus.Publish("tick", []byte("2"), PublishOptions{})
	receiveOne(t, sub)
	receiveOne(t, sub)

	stats := bus.Stats()
	if stats.Published != 2 {
		t.Errorf("published = %d, want 2", stats.Published)
	}
	if stats.Delivered != 2 {
		t.Errorf("delivered = %d, want 2", stats.Delivered)
	}
	if stats.HistoryDepth != 2 {
		t.Errorf("history depth = %d, want 2", stats.HistoryDepth)
	}
	if stats.Subscribers != 1 {
		t.Errorf("subscribers = %d, want 1", stats.Subscribers)
	}
}

// --- Failure Tests ---

func TestBus_PublishAfterClose(t *testing.T) {
	bus := New(quietConfig())
	bus.Close()

	_, err := bus.Publish("tick", nil, PublishOptions{})
	if !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("expected CLOSED, got %v", err)
	}
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := New(quietConfig())
	bus.Close()

	_, err := bus.Subscribe("worker-1", SubscribeOptions{Types: []Type{Wildcard}})
	if !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("expected CLOSED, got %v", err)
	}
}

func TestBus_RegisterTypesAfterClose(t *testing.T) {
	bus := New(quietConfig())
	bus.Close()

	err := bus.RegisterTypes("tick")
	if !errors.Is(err, errors.ErrCodeClosed) {
		t.Errorf("expected CLOSED, got %v", err)
	}
}

func TestBus_DoubleClose(t *testing.T) {
	bus := New(quietConfig())
	if err := bus.Close(); err != nil {
		t.Errorf("first Close error: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close error: %v", err)
	}
}

func TestBus_CloseClosesSubscriptions(t *testing.T) {
	bus := New(quietConfig())
	sub, _ := bus.Subscribe("worker-1", SubscribeOptions{Types: []Type{Wildcard}})

	bus.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after bus close")
	}
	if bus.Unsubscribe("worker-1") {
		t.Error("Unsubscribe after close should report false")
	}
}

// --- Performance Tests ---

func BenchmarkBus_Publish(b *testing.B) {
	bus := New(quietConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("drain", SubscribeOptions{Types: []Type{Wildcard}})
	go func() {
		for range sub.Events() {
		}
	}()

	payload := []byte("benchmark event")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bus.Publish("bench.event", payload, PublishOptions{})
	}
}

func BenchmarkBus_FanOut(b *testing.B) {
	bus := New(quietConfig())
	defer bus.Close()

	for i := 0; i < 10; i++ {
		sub, _ := bus.Subscribe("drain-"+string(rune('a'+i)), SubscribeOptions{Types: []Type{Wildcard}})
		go func(s *Subscription) {
			for range s.Events() {
			}
		}(sub)
	}

	payload := []byte("benchmark event")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bus.Publish("bench.event", payload, PublishOptions{})
	}
}
