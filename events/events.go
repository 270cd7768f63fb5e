package events

import (
	"strings"
	"time"
)

// Type identifies an event category, e.g. "task.created".
//
// The set of known types starts with the builtin relay types and
// extends automatically the first time a new type is published or
// registered with RegisterTypes. Subscribing to a named type that was
// never seen fails; subscribing to Wildcard matches every type,
// including ones that appear later.
type Type string

// Wildcard subscribes to all event types.
const Wildcard Type = "*"

// Builtin event types emitted by the relay itself.
const (
	// TypeMessageRouted fires when the router delivers a message.
	TypeMessageRouted Type = "message.routed"

	// TypeMessageQueued fires when a message enters a priority queue.
	TypeMessageQueued Type = "message.queued"

	// TypeMessageFailed fires when a delivery attempt fails. The payload
	// status distinguishes transient failures awaiting retry from
	// permanent ones.
	TypeMessageFailed Type = "message.failed"

	// TypeMessageExpired fires when a message exceeds its TTL.
	TypeMessageExpired Type = "message.expired"

	// TypeRouterStats carries periodic router statistics snapshots.
	TypeRouterStats Type = "router.stats"

	// TypeBusStats carries periodic bus statistics snapshots.
	TypeBusStats Type = "bus.stats"

	// TypeAgentRegistered fires when an agent joins the registry.
	TypeAgentRegistered Type = "agent.registered"

	// TypeAgentHeartbeat carries agent liveness beats.
	TypeAgentHeartbeat Type = "agent.heartbeat"

	// TypeAgentOffline fires when an agent goes silent.
	TypeAgentOffline Type = "agent.offline"

	// TypeAgentRecovered fires when a silent agent resumes beating.
	TypeAgentRecovered Type = "agent.recovered"
)

// builtinTypes seeds every new bus's known set.
var builtinTypes = []Type{
	TypeMessageRouted,
	TypeMessageQueued,
	TypeMessageFailed,
	TypeMessageExpired,
	TypeRouterStats,
	TypeBusStats,
	TypeAgentRegistered,
	TypeAgentHeartbeat,
	TypeAgentOffline,
	TypeAgentRecovered,
}

// Valid reports whether t can name a concrete event type. The wildcard
// is valid only in subscriptions, never as a publish type.
func (t Type) Valid() bool {
	if t == "" || t == Wildcard {
		return false
	}
	return !strings.ContainsAny(string(t), " \t\r\n")
}

// String returns the type as a plain string.
func (t Type) String() string {
	return string(t)
}

// Priority orders events and messages for dispatch.
type Priority string

// Priorities from least to most urgent.
const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// OrderedPriorities returns all priorities most urgent first, the
// order queues are drained in.
func OrderedPriorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank returns a comparable urgency, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// String returns the priority as a plain string.
func (p Priority) String() string {
	return string(p)
}

// Event is a published occurrence fanned out to subscribers.
// The payload is opaque to the bus.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event category.
	Type Type `json:"type"`

	// Payload is the opaque event body.
	Payload []byte `json:"payload,omitempty"`

	// Source names the publisher, usually an agent ID.
	Source string `json:"source,omitempty"`

	// Priority orders the event for batch dispatch and lets
	// subscribers restrict what they receive.
	Priority Priority `json:"priority"`

	// PublishedAt is when the bus accepted the event.
	PublishedAt time.Time `json:"published_at"`

	// TTL bounds how long the event may still be delivered.
	// Zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`

	// Meta carries optional routing metadata.
	Meta map[string]string `json:"meta,omitempty"`
}

// Expired reports whether the event's TTL has passed at the given time.
func (e *Event) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.PublishedAt.Add(e.TTL))
}

// ExpiresAt returns the absolute expiry time, or false when the event
// never expires.
func (e *Event) ExpiresAt() (time.Time, bool) {
	if e.TTL <= 0 {
		return time.Time{}, false
	}
	return e.PublishedAt.Add(e.TTL), true
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Payload != nil {
		clone.Payload = make([]byte, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	if e.Meta != nil {
		clone.Meta = make(map[string]string, len(e.Meta))
		for k, v := range e.Meta {
			clone.Meta[k] = v
		}
	}
	return &clone
}
