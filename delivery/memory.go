package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Memory implements Channel using in-process endpoints.
// Useful for testing and single-process swarms.
type Memory struct {
	config Config

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	failures  map[string]error
	closed    atomic.Bool
}

// Endpoint receives payloads for one agent.
type Endpoint struct {
	agentID string
	ch      chan *Payload
	closed  atomic.Bool
	channel *Memory
}

// NewMemory creates a new in-memory delivery channel.
func NewMemory(cfg Config) *Memory {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}

	return &Memory{
		config:    cfg,
		endpoints: make(map[string]*Endpoint),
		failures:  make(map[string]error),
	}
}

// Attach creates the endpoint for an agent, replacing any previous one.
func (m *Memory) Attach(agentID string) (*Endpoint, error) {
	if agentID == "" {
		return nil, ErrInvalidHandle
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}

	ep := &Endpoint{
		agentID: agentID,
		ch:      make(chan *Payload, m.config.BufferSize),
		channel: m,
	}

	m.mu.Lock()
	if old, ok := m.endpoints[agentID]; ok {
		if !old.closed.Swap(true) {
			close(old.ch)
		}
	}
	m.endpoints[agentID] = ep
	m.mu.Unlock()

	return ep, nil
}

// Detach removes an agent's endpoint and closes its channel.
func (m *Memory) Detach(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.endpoints[agentID]
	if !ok {
		return
	}
	delete(m.endpoints, agentID)

	if !ep.closed.Swap(true) {
		close(ep.ch)
	}
}

// SetError makes every delivery to agentID fail with err.
// Pass nil to clear. Intended for tests and fault drills.
func (m *Memory) SetError(agentID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failures == nil {
		return
	}
	if err == nil {
		delete(m.failures, agentID)
		return
	}
	m.failures[agentID] = err
}

// Deliver hands payload to the agent's endpoint.
func (m *Memory) Deliver(ctx context.Context, handle Handle, payload []byte) error {
	if err := handle.Validate(); err != nil {
		return err
	}
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.RLock()
	injected := m.failures[handle.AgentID]
	ep := m.endpoints[handle.AgentID]
	m.mu.RUnlock()

	if injected != nil {
		return injected
	}
	if ep == nil || ep.closed.Load() {
		return ErrNoEndpoint
	}

	p := &Payload{
		AgentID:    handle.AgentID,
		Data:       payload,
		ReceivedAt: time.Now(),
	}

	var ackCh chan struct{}
	if handle.Kind == KindOneShot {
		ackCh = make(chan struct{}, 1)
		p.ack = func() error {
			select {
			case ackCh <- struct{}{}:
			default:
			}
			return nil
		}
	}

	select {
	case ep.ch <- p:
	default:
		// Buffer full, delivery fails
		return ErrBufferFull
	}

	if handle.Kind != KindOneShot {
		return nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.AckTimeout)
		defer cancel()
	}

	select {
	case <-ackCh:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrTimeout
		}
		return ctx.Err()
	}
}

// Close shuts down the channel and all endpoints.
func (m *Memory) Close() error {
	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ep := range m.endpoints {
		if !ep.closed.Swap(true) {
			close(ep.ch)
		}
	}
	m.endpoints = nil
	m.failures = nil

	return nil
}

// Payloads returns the channel of payloads delivered to this endpoint.
// The channel is closed when the endpoint detaches or the channel closes.
func (e *Endpoint) Payloads() <-chan *Payload {
	return e.ch
}

// AgentID returns the owning agent's ID.
func (e *Endpoint) AgentID() string {
	return e.agentID
}

// Detach closes the endpoint and removes it from the channel.
func (e *Endpoint) Detach() {
	e.channel.Detach(e.agentID)
}
