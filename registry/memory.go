package registry

import (
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Suitable for testing and single-node deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]AgentRecord
	watchers []chan Event
	closed   bool

	// Agents silent longer than this are marked inactive.
	// Zero disables the sweep.
	staleAfter time.Duration
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// StaleAfter marks agents inactive when LastSeen is older than
	// this. Zero means agents never go stale. Stale agents are
	// demoted, not removed, so queued messages can still find them
	// when they recover.
	StaleAfter time.Duration
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		agents:     make(map[string]AgentRecord),
		watchers:   make([]chan Event, 0),
		staleAfter: cfg.StaleAfter,
	}

	// Start stale sweep goroutine if enabled
	if cfg.StaleAfter > 0 {
		go r.staleLoop()
	}

	return r
}

// Register adds or updates an agent in the registry.
func (r *MemoryRegistry) Register(record AgentRecord) error {
	if err := ValidateRecord(record); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	now := time.Now()
	record = record.Clone()
	record.LastSeen = now

	if record.Status == "" {
		record.Status = StatusActive
	}

	prev, exists := r.agents[record.ID]
	if exists {
		// Load state survives re-registration
		record.RegisteredAt = prev.RegisteredAt
		record.MessageCount = prev.MessageCount
		record.ResponseTimes = prev.ResponseTimes
	} else {
		record.RegisteredAt = now
	}

	r.agents[record.ID] = record

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Agent: record})

	return nil
}

// Deregister removes an agent from the registry.
func (r *MemoryRegistry) Deregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.agents, id)
	r.notifyWatchers(Event{Type: EventRemoved, Agent: agent})

	return nil
}

// Get retrieves a specific agent by ID.
func (r *MemoryRegistry) Get(id string) (*AgentRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return nil, ErrNotFound
	}

	clone := agent.Clone()
	return &clone, nil
}

// List returns all agents matching the filter.
func (r *MemoryRegistry) List(filter *Filter) ([]AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentRecord
	for _, agent := range r.agents {
		if MatchesFilter(agent, filter) {
			result = append(result, agent.Clone())
		}
	}

	// Sort by ID for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// FindByCapabilities returns active agents holding every listed
// capability, least loaded first.
func (r *MemoryRegistry) FindByCapabilities(caps ...Capability) ([]AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentRecord
	for _, agent := range r.agents {
		if !agent.IsActive() {
			continue
		}
		if HasAllCapabilities(agent, caps) {
			result = append(result, agent.Clone())
		}
	}

	// Sort by load score (lowest first) for load balancing
	sort.Slice(result, func(i, j int) bool {
		return result[i].LoadScore() < result[j].LoadScore()
	})

	return result, nil
}

// UpdateLoad records a routed message for the agent. LastSeen is not
// bumped; receiving work says nothing about the agent being alive.
func (r *MemoryRegistry) UpdateLoad(id string, responseTime time.Duration) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	agent.MessageCount++
	if responseTime > 0 {
		agent.ResponseTimes = appendResponseTime(agent.ResponseTimes, responseTime)
	}
	r.agents[id] = agent

	return nil
}

// SetStatus changes an agent's availability and bumps LastSeen.
func (r *MemoryRegistry) SetStatus(id string, status Status) error {
	if id == "" {
		return ErrInvalidID
	}
	if status != StatusActive && status != StatusInactive {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	agent.Status = status
	agent.LastSeen = time.Now()
	r.agents[id] = agent

	r.notifyWatchers(Event{Type: EventUpdated, Agent: agent})

	return nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	// Close all watcher channels
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// staleLoop periodically demotes silent agents to inactive.
func (r *MemoryRegistry) staleLoop() {
	ticker := time.NewTicker(r.staleAfter / 2)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}

		now := time.Now()
		for id, agent := range r.agents {
			if agent.Status != StatusActive {
				continue
			}
			if now.Sub(agent.LastSeen) <= r.staleAfter {
				continue
			}

			agent.Status = StatusInactive
			r.agents[id] = agent
			r.notifyWatchers(Event{Type: EventUpdated, Agent: agent})
		}

		r.mu.Unlock()
	}
}
