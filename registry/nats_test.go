package registry

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// getNATSConn returns a NATS connection for testing, or skips the test.
func getNATSConn(t *testing.T) *nats.Conn {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	conn, err := nats.Connect(url,
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(0),
	)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}

	return conn
}

// uniqueBucket generates a unique bucket name for test isolation.
func uniqueBucket() string {
	return "test-" + time.Now().Format("150405") + "-" + fmt.Sprintf("%d", time.Now().UnixNano()%1000000)
}

// --- Integration Tests ---

func TestNATSRegistry_Register(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	record := AgentRecord{
		ID:           "agent-1",
		Name:         "Test Agent",
		Capabilities: []Capability{"code-review", "testing"},
		Metadata:     map[string]string{"version": "1.0"},
	}

	err = r.Register(record)
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// Verify registration
	got, err := r.Get("agent-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}

	if got.Name != "Test Agent" {
		t.Errorf("Name = %q, want %q", got.Name, "Test Agent")
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %v, want %v (default)", got.Status, StatusActive)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("Capabilities = %v, want 2 items", got.Capabilities)
	}
}

func TestNATSRegistry_RegisterPreservesLoadState(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	// Initial registration plus some traffic
	r.Register(AgentRecord{ID: "agent-1", Capabilities: []Capability{"compile"}})
	r.UpdateLoad("agent-1", 100*time.Millisecond)
	r.UpdateLoad("agent-1", 200*time.Millisecond)

	// Re-register with new capabilities
	r.Register(AgentRecord{ID: "agent-1", Capabilities: []Capability{"compile", "test"}})

	got, _ := r.Get("agent-1")
	if len(got.Capabilities) != 2 {
		t.Errorf("Capabilities = %v, want 2 items", got.Capabilities)
	}
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got.MessageCount)
	}
	if len(got.ResponseTimes) != 2 {
		t.Errorf("ResponseTimes has %d samples, want 2", len(got.ResponseTimes))
	}
}

func TestNATSRegistry_Deregister(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	r.Register(AgentRecord{ID: "agent-1"})

	err = r.Deregister("agent-1")
	if err != nil {
		t.Fatalf("Deregister error: %v", err)
	}

	_, err = r.Get("agent-1")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNATSRegistry_DeregisterNotFound(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	err = r.Deregister("nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNATSRegistry_List(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	r.Register(AgentRecord{ID: "agent-1"})
	r.Register(AgentRecord{ID: "agent-2", Status: StatusInactive})
	r.Register(AgentRecord{ID: "agent-3", Capabilities: []Capability{"deploy"}})

	// List all
	agents, _ := r.List(nil)
	if len(agents) != 3 {
		t.Errorf("List() returned %d agents, want 3", len(agents))
	}

	// Filter by status
	agents, _ = r.List(&Filter{Status: StatusActive})
	if len(agents) != 2 {
		t.Errorf("List(active) returned %d agents, want 2", len(agents))
	}

	// Filter by capability
	agents, _ = r.List(&Filter{Capability: "deploy"})
	if len(agents) != 1 {
		t.Errorf("List(deploy) returned %d agents, want 1", len(agents))
	}
}

func TestNATSRegistry_FindByCapabilities(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	r.Register(AgentRecord{
		ID:           "agent-1",
		Capabilities: []Capability{"code-review", "testing"},
	})
	r.Register(AgentRecord{
		ID:           "agent-2",
		Capabilities: []Capability{"code-review"},
	})
	r.Register(AgentRecord{
		ID:           "agent-3",
		Capabilities: []Capability{"deployment"},
	})

	// Make agent-1 busier than agent-2
	for i := 0; i < 10; i++ {
		r.UpdateLoad("agent-1", 0)
	}

	// Find code-review capable agents
	agents, _ := r.FindByCapabilities("code-review")
	if len(agents) != 2 {
		t.Fatalf("FindByCapabilities returned %d agents, want 2", len(agents))
	}

	// Should be sorted by load score
	if agents[0].ID != "agent-2" {
		t.Errorf("First agent should be agent-2 (lowest score), got %s", agents[0].ID)
	}
}

func TestNATSRegistry_UpdateLoad(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	r.Register(AgentRecord{ID: "agent-1"})

	if err := r.UpdateLoad("agent-1", 300*time.Millisecond); err != nil {
		t.Fatalf("UpdateLoad error: %v", err)
	}

	got, _ := r.Get("agent-1")
	if got.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", got.MessageCount)
	}
	if len(got.ResponseTimes) != 1 {
		t.Errorf("ResponseTimes has %d samples, want 1", len(got.ResponseTimes))
	}

	if err := r.UpdateLoad("ghost", time.Second); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNATSRegistry_SetStatus(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	r.Register(AgentRecord{ID: "agent-1", Capabilities: []Capability{"compile"}})

	if err := r.SetStatus("agent-1", StatusInactive); err != nil {
		t.Fatalf("SetStatus error: %v", err)
	}

	got, _ := r.Get("agent-1")
	if got.Status != StatusInactive {
		t.Errorf("Status = %v, want %v", got.Status, StatusInactive)
	}

	// Inactive agents fall out of capability matching
	agents, _ := r.FindByCapabilities("compile")
	if len(agents) != 0 {
		t.Errorf("inactive agent still matched, got %d agents", len(agents))
	}
}

func TestNATSRegistry_Watch(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	watch, err := r.Watch()
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	// Give watcher time to start
	time.Sleep(100 * time.Millisecond)

	// Register triggers event
	r.Register(AgentRecord{ID: "agent-1"})

	select {
	case event := <-watch:
		if event.Type != EventAdded {
			t.Errorf("Type = %v, want %v", event.Type, EventAdded)
		}
		if event.Agent.ID != "agent-1" {
			t.Errorf("Agent.ID = %q, want %q", event.Agent.ID, "agent-1")
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for event")
	}

	// Update the same agent
	r.Register(AgentRecord{ID: "agent-1", Name: "renamed"})

	select {
	case event := <-watch:
		if event.Type != EventUpdated {
			t.Errorf("Update: Type = %v, want %v", event.Type, EventUpdated)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for update event")
	}

	// Delete triggers EventRemoved
	r.Deregister("agent-1")

	select {
	case event := <-watch:
		if event.Type != EventRemoved {
			t.Errorf("Delete: Type = %v, want %v", event.Type, EventRemoved)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for remove event")
	}
}

// --- System Tests ---

func TestNATSRegistry_ConcurrentAccess(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	var wg sync.WaitGroup
	numAgents := 50

	// Concurrent registrations
	for i := 0; i < numAgents; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.Register(AgentRecord{
				ID: string(rune('a'+id%26)) + string(rune('0'+id/26)),
			})
		}(i)
	}

	wg.Wait()

	agents, _ := r.List(nil)
	if len(agents) != numAgents {
		t.Errorf("List() returned %d agents, want %d", len(agents), numAgents)
	}
}

func TestNATSRegistry_MultipleClients(t *testing.T) {
	conn1 := getNATSConn(t)
	defer conn1.Close()

	conn2 := getNATSConn(t)
	defer conn2.Close()

	bucket := uniqueBucket()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = bucket

	r1, err := NewNATSRegistry(conn1, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry r1 error: %v", err)
	}
	defer r1.Close()

	r2, err := NewNATSRegistry(conn2, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry r2 error: %v", err)
	}
	defer r2.Close()

	// Register via r1
	r1.Register(AgentRecord{ID: "agent-1"})

	// Small delay for propagation
	time.Sleep(50 * time.Millisecond)

	// Should be visible from r2
	agent, err := r2.Get("agent-1")
	if err != nil {
		t.Fatalf("r2.Get error: %v", err)
	}
	if agent.ID != "agent-1" {
		t.Errorf("agent.ID = %q, want %q", agent.ID, "agent-1")
	}
}

// --- Performance Tests ---

func BenchmarkNATSRegistry_Register(b *testing.B) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		b.Skip("NATS_URL not set")
	}

	conn, err := nats.Connect(url)
	if err != nil {
		b.Skipf("NATS not available: %v", err)
	}
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = "bench-registry-" + time.Now().Format("150405")

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		b.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	record := AgentRecord{
		ID:           "agent-bench",
		Capabilities: []Capability{"cap1", "cap2", "cap3"},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Register(record)
	}
}

func BenchmarkNATSRegistry_Get(b *testing.B) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		b.Skip("NATS_URL not set")
	}

	conn, err := nats.Connect(url)
	if err != nil {
		b.Skipf("NATS not available: %v", err)
	}
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = "bench-registry-get-" + time.Now().Format("150405")

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		b.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	r.Register(AgentRecord{ID: "agent-bench"})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Get("agent-bench")
	}
}

// --- Failure Tests ---

func TestNATSRegistry_NilConnection(t *testing.T) {
	_, err := NewNATSRegistry(nil, DefaultNATSRegistryConfig())
	if err == nil {
		t.Error("expected error for nil connection")
	}
}

func TestNATSRegistry_OperationsAfterClose(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}

	r.Close()

	// Register after close
	err = r.Register(AgentRecord{ID: "agent-1"})
	if err != ErrClosed {
		t.Errorf("Register: expected ErrClosed, got %v", err)
	}

	// Get after close
	_, err = r.Get("agent-1")
	if err != ErrClosed {
		t.Errorf("Get: expected ErrClosed, got %v", err)
	}

	// List after close
	_, err = r.List(nil)
	if err != ErrClosed {
		t.Errorf("List: expected ErrClosed, got %v", err)
	}

	// UpdateLoad after close
	err = r.UpdateLoad("agent-1", time.Second)
	if err != ErrClosed {
		t.Errorf("UpdateLoad: expected ErrClosed, got %v", err)
	}

	// Watch after close
	_, err = r.Watch()
	if err != ErrClosed {
		t.Errorf("Watch: expected ErrClosed, got %v", err)
	}
}

func TestNATSRegistry_WatchChannelClosedOnClose(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}

	watch, _ := r.Watch()
	r.Close()

	// Channel should be closed
	select {
	case _, ok := <-watch:
		if ok {
			t.Error("channel should be closed")
		}
	case <-time.After(time.Second):
		t.Error("timeout - channel not closed")
	}
}

// --- Security Tests ---

func TestNATSRegistry_CapabilityInjection(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	// Register with suspicious capability names
	r.Register(AgentRecord{
		ID:           "agent-1",
		Capabilities: []Capability{"code-review", "admin;drop table", "../../../etc/passwd"},
	})

	// Should find by exact match only
	agents, _ := r.FindByCapabilities("admin;drop table")
	if len(agents) != 1 {
		t.Errorf("exact match should work, got %d agents", len(agents))
	}

	// Should not find partial match
	agents, _ = r.FindByCapabilities("admin")
	if len(agents) != 0 {
		t.Errorf("partial match should not work, got %d agents", len(agents))
	}
}

// --- Additional Coverage Tests ---

func TestNATSRegistry_GetEmptyID(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	_, err = r.Get("")
	if err != ErrInvalidID {
		t.Errorf("Get empty ID: expected ErrInvalidID, got %v", err)
	}
}

func TestNATSRegistry_ListEmpty(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	// List on empty registry should return empty slice, not error
	agents, err := r.List(nil)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("List on empty registry returned %d agents, want 0", len(agents))
	}
}

func TestNATSRegistry_Conn(t *testing.T) {
	conn := getNATSConn(t)
	defer conn.Close()

	cfg := DefaultNATSRegistryConfig()
	cfg.BucketName = uniqueBucket()

	r, err := NewNATSRegistry(conn, cfg)
	if err != nil {
		t.Fatalf("NewNATSRegistry error: %v", err)
	}
	defer r.Close()

	// Conn() should return the underlying connection
	gotConn := r.Conn()
	if gotConn != conn {
		t.Error("Conn() should return the underlying NATS connection")
	}
}

func TestDefaultNATSRegistryConfig(t *testing.T) {
	cfg := DefaultNATSRegistryConfig()

	if cfg.BucketName != "agent-registry" {
		t.Errorf("BucketName = %q, want %q", cfg.BucketName, "agent-registry")
	}
	if cfg.TTL != 30*time.Second {
		t.Errorf("TTL = %v, want %v", cfg.TTL, 30*time.Second)
	}
	if cfg.Replicas != 1 {
		t.Errorf("Replicas = %d, want %d", cfg.Replicas, 1)
	}
}
