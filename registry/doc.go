// Package registry provides agent registration and discovery for message routing.
//
// # Overview
//
// The Registry interface lets agents self-register with capabilities and a
// delivery handle. The router discovers recipients by ID or capability and
// prefers the least loaded candidate using each record's load score.
//
// # Available Implementations
//
//   - MemoryRegistry: In-memory implementation for testing and single-node use
//   - NATSRegistry: Distributed registry using NATS JetStream KV store
//
// # Basic Usage
//
// Register an agent:
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
//	err := reg.Register(registry.AgentRecord{
//	    ID:           "agent-1",
//	    Name:         "Code Review Agent",
//	    Capabilities: []registry.Capability{"code-review", "testing"},
//	    Handle:       &delivery.Handle{AgentID: "agent-1", Kind: delivery.KindPersistent},
//	})
//
// Discover agents by capability:
//
//	agents, _ := reg.FindByCapabilities("code-review")
//	// Returns active agents sorted by load score (lowest first)
//	if len(agents) > 0 {
//	    target := agents[0] // Pick the least loaded agent
//	}
//
// Watch for changes:
//
//	events, _ := reg.Watch()
//	for event := range events {
//	    switch event.Type {
//	    case registry.EventAdded:
//	        fmt.Printf("New agent: %s\n", event.Agent.ID)
//	    case registry.EventUpdated:
//	        fmt.Printf("Agent updated: %s (score=%.2f)\n", event.Agent.ID, event.Agent.LoadScore())
//	    case registry.EventRemoved:
//	        fmt.Printf("Agent removed: %s\n", event.Agent.ID)
//	    }
//	}
//
// # Load Scores
//
// A record's load score is its message count normalized by capability
// count, plus the average of its recent response times in seconds. The
// router calls UpdateLoad after each delivery so scores track actual
// traffic. Lower is better.
//
// # NATS Registry
//
// For distributed deployments, use NATSRegistry with a shared NATS cluster:
//
//	import "github.com/nats-io/nats.go"
//
//	conn, _ := nats.Connect("nats://localhost:4222")
//	reg, _ := registry.NewNATSRegistry(conn, registry.NATSRegistryConfig{
//	    BucketName: "my-relay-registry",
//	    TTL:        30 * time.Second,
//	})
//
// Multiple routers across different nodes share the same registry, enabling
// discovery and load balancing across the swarm.
//
// # Stale Agents
//
// MemoryRegistry can demote silent agents instead of deleting them. Set
// StaleAfter and agents whose LastSeen falls behind are flipped to
// StatusInactive, which removes them from capability matching while
// keeping direct routes and queued messages intact. Heartbeats call
// SetStatus(id, StatusActive) to bump LastSeen:
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{
//	    StaleAfter: 30 * time.Second,
//	})
//
// # Filtering
//
//	agents, _ := reg.List(&registry.Filter{
//	    Capability: "code-review",
//	    Status:     registry.StatusActive,
//	    MaxScore:   10, // Only agents with load score <= 10
//	})
package registry
