// Package registry provides agent registration and discovery for message routing.
//
// Agents self-register with capabilities and a delivery handle. The router
// discovers recipients by ID or capability and prefers the least loaded
// candidate using each record's load score.
package registry

import (
	"errors"
	"time"

	"github.com/vinayprograms/agentrelay/delivery"
)

// Common errors.
var (
	ErrNotFound  = errors.New("agent not found")
	ErrClosed    = errors.New("registry closed")
	ErrInvalidID = errors.New("invalid agent ID")
)

// Status represents an agent's availability for routing.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// loadWindow bounds the response time samples kept per agent.
const loadWindow = 100

// AgentRecord contains registration information for an agent.
type AgentRecord struct {
	// ID uniquely identifies the agent.
	ID string

	// Name is a human-readable name for the agent.
	Name string

	// Capabilities lists what the agent can do (e.g., "code-review", "testing").
	Capabilities []Capability

	// Handle tells the delivery layer how to reach the agent.
	Handle *delivery.Handle

	// Status is the agent's availability. Inactive agents are skipped
	// during capability matching.
	Status Status

	// MessageCount is the number of messages routed to this agent.
	MessageCount int64

	// ResponseTimes holds recent handling durations, newest last.
	// Bounded to loadWindow samples.
	ResponseTimes []time.Duration

	// Metadata contains additional key-value pairs.
	Metadata map[string]string

	// RegisteredAt is when the agent first registered.
	RegisteredAt time.Time

	// LastSeen is when the agent last updated its registration or status.
	LastSeen time.Time
}

// LoadScore estimates how busy the agent is. Lower scores win when the
// router picks among capability candidates. Message volume is normalized
// by capability count so broad agents are not penalized for being useful,
// and the average response time in seconds is added so slow agents
// gradually fall out of favor.
func (a AgentRecord) LoadScore() float64 {
	caps := len(a.Capabilities)
	if caps < 1 {
		caps = 1
	}
	score := float64(a.MessageCount) / float64(caps)

	if len(a.ResponseTimes) > 0 {
		var total time.Duration
		for _, rt := range a.ResponseTimes {
			total += rt
		}
		avg := total / time.Duration(len(a.ResponseTimes))
		score += avg.Seconds()
	}

	return score
}

// IsActive reports whether the agent can receive routed messages.
func (a AgentRecord) IsActive() bool {
	return a.Status == StatusActive
}

// Clone returns a deep copy of the record. Mutating the copy never
// affects registry state.
func (a AgentRecord) Clone() AgentRecord {
	out := a

	if a.Capabilities != nil {
		out.Capabilities = make([]Capability, len(a.Capabilities))
		copy(out.Capabilities, a.Capabilities)
	}
	if a.ResponseTimes != nil {
		out.ResponseTimes = make([]time.Duration, len(a.ResponseTimes))
		copy(out.ResponseTimes, a.ResponseTimes)
	}
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.Handle != nil {
		h := *a.Handle
		out.Handle = &h
	}

	return out
}

// Filter specifies criteria for listing agents.
type Filter struct {
	// Status filters by availability. Empty means all.
	Status Status

	// Capability filters to agents with this capability.
	Capability Capability

	// MaxScore filters to agents with a load score at or below this
	// value. Zero means no filter.
	MaxScore float64
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// Agent contains the agent record.
	// For removal events, this contains the last known state.
	Agent AgentRecord
}

// Registry provides agent registration and discovery.
type Registry interface {
	// Register adds or updates an agent in the registry.
	// Re-registering an existing ID updates capabilities, handle, and
	// metadata while preserving accumulated load state.
	Register(record AgentRecord) error

	// Deregister removes an agent from the registry.
	// Returns ErrNotFound if the agent doesn't exist.
	Deregister(id string) error

	// Get retrieves a specific agent by ID.
	// Returns nil, ErrNotFound if not found.
	Get(id string) (*AgentRecord, error)

	// List returns all agents matching the optional filter.
	// Pass nil for no filtering.
	List(filter *Filter) ([]AgentRecord, error)

	// FindByCapabilities returns active agents holding every listed
	// capability, sorted by load score (lowest first). With no
	// arguments it returns all active agents.
	FindByCapabilities(caps ...Capability) ([]AgentRecord, error)

	// UpdateLoad records a routed message and its handling duration
	// for the agent. A zero duration counts the message without a
	// response time sample.
	UpdateLoad(id string, responseTime time.Duration) error

	// SetStatus changes an agent's availability and bumps LastSeen.
	SetStatus(id string, status Status) error

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	// Multiple watchers are supported.
	Watch() (<-chan Event, error)

	// Close shuts down the registry client.
	Close() error
}

// ValidateRecord checks if an agent record is valid.
func ValidateRecord(record AgentRecord) error {
	if record.ID == "" {
		return ErrInvalidID
	}
	if record.Status != "" && record.Status != StatusActive && record.Status != StatusInactive {
		return errors.New("status must be active or inactive")
	}
	if record.Handle != nil {
		if err := record.Handle.Validate(); err != nil {
			return err
		}
		if record.Handle.AgentID != record.ID {
			return errors.New("handle agent ID must match record ID")
		}
	}
	return nil
}

// MatchesFilter checks if an agent matches the filter criteria.
func MatchesFilter(record AgentRecord, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if filter.Status != "" && record.Status != filter.Status {
		return false
	}

	if filter.Capability != "" && !HasCapability(record, filter.Capability) {
		return false
	}

	if filter.MaxScore > 0 && record.LoadScore() > filter.MaxScore {
		return false
	}

	return true
}

// appendResponseTime adds a sample to a bounded window, returning a
// fresh slice so shared records are never mutated in place.
func appendResponseTime(window []time.Duration, sample time.Duration) []time.Duration {
	out := make([]time.Duration, 0, len(window)+1)
	out = append(out, window...)
	out = append(out, sample)
	if len(out) > loadWindow {
		out = out[len(out)-loadWindow:]
	}
	return out
}
