package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed            = errors.New("limiter closed")
	ErrResourceUnknown   = errors.New("unknown resource")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// CapacitySubject is the NATS subject for capacity gossip between
// relay nodes.
const CapacitySubject = "relay.ratelimit.capacity"

// SenderKey names the per-sender send budget for an agent.
func SenderKey(agentID string) string {
	return "sender:" + agentID
}

// EventTypeKey names the publish budget for an event type.
func EventTypeKey(eventType string) string {
	return "events:" + eventType
}

// RateLimiter hands out send tokens for keyed resources. The router
// acquires against the sender's key before routing; the event bus
// against the event type's key before fan-out.
type RateLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns context.Canceled or context.DeadlineExceeded if context ends.
	// Returns ErrResourceUnknown if the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire attempts to acquire a token without blocking.
	// Returns true if a token was acquired, false otherwise.
	TryAcquire(resource string) bool

	// Release returns a token to the resource bucket.
	// This is optional and useful for tracking in-flight requests.
	// Has no effect if the resource is unknown or already at capacity.
	Release(resource string)

	// SetCapacity configures the rate limit for a resource.
	// capacity is the number of tokens per window.
	// window is the time period for refill (e.g., time.Minute).
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced signals that capacity should shrink, typically
	// after a recipient reports overload. Distributed limiters gossip
	// the reduction to other relay nodes; local limiters just reduce.
	AnnounceReduced(resource string, reason string)

	// GetCapacity returns the current capacity info for a resource.
	// Returns nil if the resource is unknown.
	GetCapacity(resource string) *Capacity

	// Close shuts down the limiter and releases resources.
	Close() error
}

// Capacity describes the rate limit configuration for a resource.
type Capacity struct {
	// Resource is the unique identifier for the rate-limited resource.
	Resource string

	// Available is the current number of available tokens.
	Available int

	// Total is the maximum capacity (tokens per window).
	Total int

	// Window is the refill period.
	Window time.Duration

	// InFlight tracks requests currently in progress (if Release is used).
	InFlight int
}

// CapacityUpdate is gossiped when a relay node reduces capacity.
type CapacityUpdate struct {
	// Resource that changed.
	Resource string `json:"resource"`

	// NodeID that sent the update.
	NodeID string `json:"node_id"`

	// NewCapacity is the suggested new total capacity.
	NewCapacity int `json:"new_capacity"`

	// Reason for the change.
	Reason string `json:"reason"`

	// Timestamp of the update.
	Timestamp time.Time `json:"timestamp"`
}

// OnCapacityChange is a callback for capacity change notifications.
type OnCapacityChange func(update *CapacityUpdate)
