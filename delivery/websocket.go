package delivery

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig holds configuration for the WebSocket delivery channel.
type WebSocketConfig struct {
	Config

	// WriteTimeout is the timeout for a single write
	WriteTimeout time.Duration

	// MaxMessageSize is the maximum inbound message size in bytes
	MaxMessageSize int64

	// PingInterval is the interval between keepalive pings
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketUpgrader returns an upgrader suitable for accepting
// agent connections.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// WebSocket implements Channel over accepted WebSocket connections.
// Only persistent handles are supported; a one-shot round trip has no
// natural reply slot on a raw socket.
type WebSocket struct {
	config WebSocketConfig

	mu     sync.RWMutex
	peers  map[string]*wsPeer
	closed atomic.Bool
}

type wsPeer struct {
	agentID string
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewWebSocket creates a new WebSocket delivery channel.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWebSocketConfig().WriteTimeout
	}
	if cfg.PingInterval < 0 {
		cfg.PingInterval = 0
	}

	return &WebSocket{
		config: cfg,
		peers:  make(map[string]*wsPeer),
	}
}

// Attach registers conn as the endpoint for agentID, replacing any
// previous connection. The channel takes ownership of conn.
func (w *WebSocket) Attach(agentID string, conn *websocket.Conn) error {
	if agentID == "" || conn == nil {
		return ErrInvalidHandle
	}
	if w.closed.Load() {
		return ErrClosed
	}

	if w.config.MaxMessageSize > 0 {
		conn.SetReadLimit(w.config.MaxMessageSize)
	}

	peer := &wsPeer{
		agentID: agentID,
		conn:    conn,
		done:    make(chan struct{}),
	}

	w.mu.Lock()
	if old, ok := w.peers[agentID]; ok {
		old.close()
	}
	w.peers[agentID] = peer
	w.mu.Unlock()

	if w.config.PingInterval > 0 {
		go w.pingLoop(peer)
	}

	return nil
}

// Detach closes and removes an agent's connection.
func (w *WebSocket) Detach(agentID string) {
	w.mu.Lock()
	peer, ok := w.peers[agentID]
	if ok {
		delete(w.peers, agentID)
	}
	w.mu.Unlock()

	if ok {
		peer.close()
	}
}

// Deliver writes payload to the agent's connection as a text message.
func (w *WebSocket) Deliver(ctx context.Context, handle Handle, payload []byte) error {
	if err := handle.Validate(); err != nil {
		return err
	}
	if handle.Kind == KindOneShot {
		return ErrUnsupported
	}
	if w.closed.Load() {
		return ErrClosed
	}

	w.mu.RLock()
	peer := w.peers[handle.AgentID]
	w.mu.RUnlock()

	if peer == nil {
		return ErrNoEndpoint
	}

	return peer.writeMessage(payload, w.config.WriteTimeout)
}

// Close shuts down the channel and all connections.
func (w *WebSocket) Close() error {
	if w.closed.Swap(true) {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, peer := range w.peers {
		peer.close()
	}
	w.peers = nil

	return nil
}

func (w *WebSocket) pingLoop(peer *wsPeer) {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-peer.done:
			return
		case <-ticker.C:
			if err := peer.writePing(); err != nil {
				w.Detach(peer.agentID)
				return
			}
		}
	}
}

func (p *wsPeer) writeMessage(data []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if timeout > 0 {
		p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) writePing() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		close(p.done)

		p.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()

		p.conn.Close()
	})
}
