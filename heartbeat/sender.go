package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/registry"
)

// Sender publishes periodic agent.heartbeat events for one agent.
type Sender struct {
	bus      *events.Bus
	agentID  string
	interval time.Duration
	logger   *logging.Logger

	mu     sync.RWMutex
	status registry.Status
	load   float64
	meta   map[string]string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a heartbeat sender. It does not beat until Start.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if cfg.Bus == nil || cfg.AgentID == "" {
		return nil, ErrInvalidConfig
	}

	def := DefaultSenderConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Status == "" {
		cfg.Status = def.Status
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	return &Sender{
		bus:      cfg.Bus,
		agentID:  cfg.AgentID,
		interval: cfg.Interval,
		logger:   cfg.Logger.WithComponent("heartbeat"),
		status:   cfg.Status,
		meta:     make(map[string]string),
	}, nil
}

// AgentID returns the agent this sender beats for.
func (s *Sender) AgentID() string {
	return s.agentID
}

// Start begins beating: one beat immediately, then one per interval
// until Stop or the context ends.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.beat()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

// beat publishes one heartbeat with the current state.
func (s *Sender) beat() {
	hb := s.snapshot()
	payload, err := hb.Marshal()
	if err != nil {
		s.logger.Error("encode heartbeat", map[string]interface{}{
			"agent_id": s.agentID,
			"error":    err.Error(),
		})
		return
	}
	if _, err := s.bus.Publish(events.TypeAgentHeartbeat, payload, events.PublishOptions{
		Priority: events.PriorityLow,
		Source:   s.agentID,
	}); err != nil {
		s.logger.Debug("publish heartbeat", map[string]interface{}{
			"agent_id": s.agentID,
			"error":    err.Error(),
		})
	}
}

func (s *Sender) snapshot() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		AgentID:   s.agentID,
		Timestamp: time.Now(),
		Status:    s.status,
		Load:      s.load,
	}
	if len(s.meta) > 0 {
		hb.Meta = make(map[string]string, len(s.meta))
		for k, v := range s.meta {
			hb.Meta[k] = v
		}
	}
	return hb
}

// SetStatus updates the self-reported status in later beats.
func (s *Sender) SetStatus(status registry.Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetLoad updates the load metric, clamped to [0, 1].
func (s *Sender) SetLoad(load float64) {
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	s.mu.Lock()
	s.load = load
	s.mu.Unlock()
}

// SetMeta updates one metadata field in later beats.
func (s *Sender) SetMeta(key, value string) {
	s.mu.Lock()
	s.meta[key] = value
	s.mu.Unlock()
}

// Stop stops beating and waits for the loop to exit.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}
