package delivery

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds configuration for the NATS delivery channel.
type NATSConfig struct {
	Config

	// URL is the NATS server URL
	URL string

	// Name is the connection name shown in server monitoring
	Name string

	// Token for token-based auth (optional)
	Token string

	// User and Password for basic auth (optional)
	User     string
	Password string

	// ReconnectWait is the time between reconnect attempts
	ReconnectWait time.Duration

	// MaxReconnects is the max reconnect attempts (-1 for unlimited)
	MaxReconnects int

	// ConnectTimeout is the timeout for the initial connection
	ConnectTimeout time.Duration
}

// DefaultNATSConfig returns a NATSConfig with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NATS implements Channel over a NATS connection. Persistent handles
// publish to the handle's subject; one-shot handles use request/reply
// and treat the reply as the acknowledgment.
type NATS struct {
	conn     *nats.Conn
	config   NATSConfig
	ownsConn bool
	closed   atomic.Bool
}

// NewNATS connects to NATS and returns a delivery channel that owns
// the connection.
func NewNATS(cfg NATSConfig) (*NATS, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, err
	}

	return &NATS{
		conn:     conn,
		config:   cfg,
		ownsConn: true,
	}, nil
}

// NewNATSFromConn wraps an existing NATS connection. The caller
// remains responsible for closing the connection.
func NewNATSFromConn(conn *nats.Conn, cfg NATSConfig) *NATS {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultConfig().AckTimeout
	}

	return &NATS{
		conn:   conn,
		config: cfg,
	}
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	var opts []nats.Option

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(cfg.ReconnectWait))
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectTimeout))
	}

	return opts
}

// Deliver publishes payload to the handle's subject. One-shot handles
// block until the recipient replies or the context expires.
func (n *NATS) Deliver(ctx context.Context, handle Handle, payload []byte) error {
	if err := handle.Validate(); err != nil {
		return err
	}
	if handle.Address == "" {
		return ErrInvalidHandle
	}
	if n.closed.Load() {
		return ErrClosed
	}

	if handle.Kind == KindPersistent {
		return n.conn.Publish(handle.Address, payload)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.AckTimeout)
		defer cancel()
	}

	_, err := n.conn.RequestWithContext(ctx, handle.Address, payload)
	if err != nil {
		if stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if stderrors.Is(err, nats.ErrNoResponders) {
			return ErrNoEndpoint
		}
		return err
	}

	return nil
}

// Listen subscribes to subject and returns a Listener that surfaces
// incoming payloads. One-shot deliveries are acknowledged when the
// consumer calls Payload.Ack.
func (n *NATS) Listen(agentID, subject string) (*Listener, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}

	l := &Listener{
		ch: make(chan *Payload, n.config.BufferSize),
	}

	sub, err := n.conn.Subscribe(subject, func(m *nats.Msg) {
		p := &Payload{
			AgentID:    agentID,
			Data:       m.Data,
			ReceivedAt: time.Now(),
		}
		if m.Reply != "" {
			msg := m
			p.ack = func() error {
				return msg.Respond([]byte("+ACK"))
			}
		}

		select {
		case l.ch <- p:
		default:
			// Listener buffer full, payload dropped
		}
	})
	if err != nil {
		return nil, err
	}

	l.sub = sub
	return l, nil
}

// Conn returns the underlying NATS connection.
func (n *NATS) Conn() *nats.Conn {
	return n.conn
}

// Close shuts down the channel, closing the connection if owned.
func (n *NATS) Close() error {
	if n.closed.Swap(true) {
		return nil
	}

	if n.ownsConn && n.conn != nil {
		n.conn.Close()
	}

	return nil
}

// Listener surfaces payloads arriving on a NATS subject.
type Listener struct {
	sub *nats.Subscription
	ch  chan *Payload
}

// Payloads returns the channel of received payloads.
func (l *Listener) Payloads() <-chan *Payload {
	return l.ch
}

// Unsubscribe stops the listener.
func (l *Listener) Unsubscribe() error {
	if l.sub == nil {
		return nil
	}
	return l.sub.Unsubscribe()
}
