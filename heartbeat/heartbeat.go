package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/registry"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat sender already started")
	ErrNotStarted     = errors.New("heartbeat sender not started")
	ErrInvalidConfig  = errors.New("invalid heartbeat configuration")
)

// Heartbeat is a single liveness beat from an agent, carried as the
// payload of an agent.heartbeat event.
type Heartbeat struct {
	// AgentID identifies the beating agent.
	AgentID string `json:"agent_id"`

	// Timestamp is when the beat was generated.
	Timestamp time.Time `json:"timestamp"`

	// Status is the agent's self-reported registry status.
	Status registry.Status `json:"status"`

	// Load is a normalized load metric in [0, 1].
	Load float64 `json:"load"`

	// Meta carries free-form agent state.
	Meta map[string]string `json:"meta,omitempty"`
}

// Marshal encodes the heartbeat as JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// UnmarshalHeartbeat decodes a heartbeat event payload.
func UnmarshalHeartbeat(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// StatusChange is the payload of agent.offline and agent.recovered
// events.
type StatusChange struct {
	AgentID string        `json:"agent_id"`
	At      time.Time     `json:"at"`
	Silence time.Duration `json:"silence,omitempty"`
}

// Marshal encodes the status change as JSON.
func (c *StatusChange) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	// Bus carries the agent.heartbeat events. Required.
	Bus *events.Bus

	// AgentID identifies the beating agent. Required.
	AgentID string

	// Interval between beats. Default: 5s.
	Interval time.Duration

	// Status seeds the self-reported status. Default: active.
	Status registry.Status

	// Logger receives sender diagnostics. Defaults to a fresh logger.
	Logger *logging.Logger
}

// DefaultSenderConfig returns the default sender configuration.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
		Status:   registry.StatusActive,
	}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	// Bus is subscribed to for agent.heartbeat events. Required.
	Bus *events.Bus

	// Registry has agent statuses flipped as beats arrive and lapse.
	// Required.
	Registry registry.Registry

	// Timeout is how long an agent may go silent before it is marked
	// offline. Use two to three beat intervals. Default: 15s.
	Timeout time.Duration

	// CheckInterval is how often silence is checked. Default: 1s.
	CheckInterval time.Duration

	// Logger receives monitor diagnostics. Defaults to a fresh logger.
	Logger *logging.Logger
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
	}
}
