package outcome

import (
	"errors"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/router"
)

// Common errors.
var (
	ErrNotFound         = errors.New("no report for message")
	ErrClosed           = errors.New("tracker closed")
	ErrInvalidConfig    = errors.New("invalid tracker configuration")
	ErrInvalidMessageID = errors.New("invalid message ID")
)

// Report is the tracker's view of one message's routing life, folded
// from the lifecycle events the router publishes. A report whose
// status is terminal never changes again.
type Report struct {
	MessageID string          `json:"message_id"`
	Sender    string          `json:"sender,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Type      string          `json:"type,omitempty"`
	Strategy  router.Strategy `json:"strategy,omitempty"`
	Status    router.Status   `json:"status"`
	Priority  events.Priority `json:"priority,omitempty"`

	// Error holds the most recent failure reason. A delivery clears
	// it; expiry keeps the last one seen.
	Error string `json:"error,omitempty"`

	// Attempts is the highest attempt count any event reported.
	Attempts int `json:"attempts,omitempty"`

	// Delivered and Failed are per-recipient counts, meaningful for
	// broadcast rounds.
	Delivered int `json:"delivered,omitempty"`
	Failed    int `json:"failed,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the message has settled.
func (r *Report) Terminal() bool {
	return r.Status.Terminal()
}

// Clone returns a copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

// Filter selects reports for List. Zero-value fields match
// everything.
type Filter struct {
	// Status keeps only reports in this state.
	Status router.Status

	// Strategy keeps only reports routed this way.
	Strategy router.Strategy

	// Sender keeps only reports from this agent.
	Sender string

	// Limit caps the number of reports returned. Zero means no limit.
	Limit int
}

// Matches reports whether the report passes the filter.
func (f Filter) Matches(r *Report) bool {
	if r == nil {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Strategy != "" && r.Strategy != f.Strategy {
		return false
	}
	if f.Sender != "" && r.Sender != f.Sender {
		return false
	}
	return true
}

// Config configures a Tracker.
type Config struct {
	// Bus is where the router publishes message lifecycle events.
	// Required.
	Bus *events.Bus

	// Capacity bounds retained reports. When exceeded, the oldest
	// report is evicted. Default 1024.
	Capacity int

	// Buffer sizes Watch channels. Default 16.
	Buffer int

	// Logger is used for diagnostics. Defaults to a fresh logger.
	Logger *logging.Logger
}

// DefaultConfig returns tracker configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity: 1024,
		Buffer:   16,
	}
}
