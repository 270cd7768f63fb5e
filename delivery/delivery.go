// Package delivery provides delivery channels for pushing payloads to agents.
//
// A Channel hands opaque payloads to agent endpoints identified by a Handle.
// Implementations cover in-memory endpoints, NATS subjects, and WebSocket
// connections. Routing decisions never depend on a concrete transport.
package delivery

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("channel closed")
	ErrTimeout       = errors.New("delivery timeout")
	ErrNoEndpoint    = errors.New("no endpoint for agent")
	ErrBufferFull    = errors.New("endpoint buffer full")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrUnsupported   = errors.New("delivery kind not supported")
)

// Kind selects the delivery semantics of a handle.
type Kind string

const (
	// KindPersistent delivers to a standing endpoint without waiting for
	// an acknowledgement.
	KindPersistent Kind = "persistent"

	// KindOneShot delivers and waits for the endpoint to acknowledge
	// receipt before returning.
	KindOneShot Kind = "oneshot"
)

// Handle identifies where and how an agent receives payloads.
// The kind is explicit on the handle; it is never inferred from the payload.
type Handle struct {
	// AgentID owns this handle.
	AgentID string

	// Kind selects persistent or one-shot delivery.
	Kind Kind

	// Address is transport-specific: an endpoint name for memory channels,
	// a subject for NATS. WebSocket channels ignore it (the attached
	// connection is the address).
	Address string
}

// Validate checks that the handle is usable.
func (h Handle) Validate() error {
	if h.AgentID == "" {
		return ErrInvalidHandle
	}
	switch h.Kind {
	case KindPersistent, KindOneShot:
	default:
		return ErrInvalidHandle
	}
	return nil
}

// Payload is a delivered unit of data as seen by the receiving side.
type Payload struct {
	// AgentID the payload was addressed to.
	AgentID string

	// Data is the opaque payload.
	Data []byte

	// ReceivedAt is when the endpoint accepted the payload.
	ReceivedAt time.Time

	// ack confirms one-shot receipt. Nil for persistent deliveries.
	ack func() error
}

// Ack confirms receipt of a one-shot payload. It is a no-op for
// persistent deliveries and safe to call more than once.
func (p *Payload) Ack() error {
	if p.ack == nil {
		return nil
	}
	ack := p.ack
	p.ack = nil
	return ack()
}

// Channel pushes payloads to agent endpoints.
type Channel interface {
	// Deliver hands payload to the endpoint behind handle.
	// One-shot handles block until the endpoint acknowledges or ctx expires.
	Deliver(ctx context.Context, handle Handle, payload []byte) error

	// Close shuts down the channel.
	Close() error
}

// Config holds common channel configuration.
type Config struct {
	// BufferSize for endpoint channels.
	// Default: 256
	BufferSize int

	// AckTimeout bounds one-shot acknowledgement waits when the caller's
	// context has no deadline.
	// Default: 5s
	AckTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
		AckTimeout: 5 * time.Second,
	}
}
