package heartbeat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/registry"
)

// monitorID is the monitor's subscriber ID on the bus. One monitor
// per bus.
const monitorID = "heartbeat-monitor"

// Monitor watches agent.heartbeat events and keeps registry statuses
// honest: an agent silent past the timeout is marked inactive and
// announced as agent.offline; its next beat marks it active again and
// announces agent.recovered.
type Monitor struct {
	bus           *events.Bus
	registry      registry.Registry
	timeout       time.Duration
	checkInterval time.Duration
	logger        *logging.Logger

	mu       sync.RWMutex
	lastSeen map[string]*Heartbeat
	offline  map[string]bool
	deadCBs  []func(agentID string)

	sub     *events.Subscription
	stopped atomic.Bool
	doneCh  chan struct{}
}

// NewMonitor subscribes to the bus and starts watching.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Bus == nil || cfg.Registry == nil {
		return nil, ErrInvalidConfig
	}

	def := DefaultMonitorConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	sub, err := cfg.Bus.Subscribe(monitorID, events.SubscribeOptions{
		Types: []events.Type{events.TypeAgentHeartbeat},
	})
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		bus:           cfg.Bus,
		registry:      cfg.Registry,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		logger:        cfg.Logger.WithComponent("heartbeat"),
		lastSeen:      make(map[string]*Heartbeat),
		offline:       make(map[string]bool),
		sub:           sub,
		doneCh:        make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case batch, ok := <-m.sub.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				m.consume(ev)
			}
		case <-ticker.C:
			m.checkSilent()
		}
	}
}

// consume records one beat and reactivates the agent if its registry
// record had gone inactive. A beat that self-reports inactive is a
// deliberate drain and leaves the record alone.
func (m *Monitor) consume(ev *events.Event) {
	hb, err := UnmarshalHeartbeat(ev.Payload)
	if err != nil {
		m.logger.Debug("decode heartbeat", map[string]interface{}{
			"source": ev.Source,
			"error":  err.Error(),
		})
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = ev.Source
	}
	if hb.AgentID == "" {
		return
	}

	m.mu.Lock()
	m.lastSeen[hb.AgentID] = hb
	delete(m.offline, hb.AgentID)
	m.mu.Unlock()

	if hb.Status == registry.StatusInactive {
		return
	}
	rec, err := m.registry.Get(hb.AgentID)
	if err != nil || rec.IsActive() {
		return
	}
	if err := m.registry.SetStatus(hb.AgentID, registry.StatusActive); err != nil {
		m.logger.Debug("reactivate agent", map[string]interface{}{
			"agent_id": hb.AgentID,
			"error":    err.Error(),
		})
		return
	}
	m.logger.AgentRecovered(hb.AgentID)
	m.emit(events.TypeAgentRecovered, StatusChange{
		AgentID: hb.AgentID,
		At:      hb.Timestamp,
	}, events.PriorityNormal)
}

// checkSilent flags agents whose last beat is older than the timeout.
// Each lapse is announced once; the flag clears when the agent beats
// again.
func (m *Monitor) checkSilent() {
	now := time.Now()

	type lapsed struct {
		id      string
		silence time.Duration
	}
	var due []lapsed

	m.mu.Lock()
	for id, hb := range m.lastSeen {
		if m.offline[id] {
			continue
		}
		if silence := now.Sub(hb.Timestamp); silence > m.timeout {
			m.offline[id] = true
			due = append(due, lapsed{id: id, silence: silence})
		}
	}
	cbs := make([]func(string), len(m.deadCBs))
	copy(cbs, m.deadCBs)
	m.mu.Unlock()

	for _, l := range due {
		err := m.registry.SetStatus(l.id, registry.StatusInactive)
		if errors.Is(err, registry.ErrNotFound) {
			m.forget(l.id)
			continue
		}
		if err != nil {
			m.logger.Warn("deactivate agent", map[string]interface{}{
				"agent_id": l.id,
				"error":    err.Error(),
			})
		}
		m.logger.AgentOffline(l.id, l.silence)
		m.emit(events.TypeAgentOffline, StatusChange{
			AgentID: l.id,
			At:      now,
			Silence: l.silence,
		}, events.PriorityHigh)
		for _, cb := range cbs {
			cb(l.id)
		}
	}
}

func (m *Monitor) forget(agentID string) {
	m.mu.Lock()
	delete(m.lastSeen, agentID)
	delete(m.offline, agentID)
	m.mu.Unlock()
}

func (m *Monitor) emit(eventType events.Type, change StatusChange, priority events.Priority) {
	payload, err := change.Marshal()
	if err != nil {
		m.logger.Error("encode status change", map[string]interface{}{
			"agent_id": change.AgentID,
			"error":    err.Error(),
		})
		return
	}
	if _, err := m.bus.Publish(eventType, payload, events.PublishOptions{
		Priority: priority,
		Source:   "heartbeat",
	}); err != nil {
		m.logger.Debug("publish status change", map[string]interface{}{
			"event": eventType.String(),
			"error": err.Error(),
		})
	}
}

// Alive reports whether the agent has beaten within the timeout.
func (m *Monitor) Alive(agentID string) bool {
	m.mu.RLock()
	hb, ok := m.lastSeen[agentID]
	m.mu.RUnlock()
	return ok && time.Since(hb.Timestamp) <= m.timeout
}

// LastSeen returns the agent's most recent beat, or nil.
func (m *Monitor) LastSeen(agentID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[agentID]
}

// OnDead registers a callback invoked once per lapse with the silent
// agent's ID.
func (m *Monitor) OnDead(callback func(agentID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop detaches from the bus and waits for the watch loop to exit.
// Stop is idempotent.
func (m *Monitor) Stop() error {
	if m.stopped.Swap(true) {
		return nil
	}
	m.bus.Unsubscribe(monitorID)
	select {
	case <-m.doneCh:
	case <-time.After(5 * time.Second):
	}
	return nil
}
