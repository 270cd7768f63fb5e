package router

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/registry"
)

// Strategy identifies how the router decided to move a message.
type Strategy string

const (
	// StrategyDirect delivers to the named recipient within the submit
	// call.
	StrategyDirect Strategy = "direct"

	// StrategyCapability ranks qualifying agents by load and walks them
	// best first.
	StrategyCapability Strategy = "capability"

	// StrategyBroadcast fans out to every active agent except the
	// sender.
	StrategyBroadcast Strategy = "broadcast"

	// StrategyQueued parks the message in its priority queue for the
	// dequeue sweep.
	StrategyQueued Strategy = "queued"
)

// Status tracks a message through its lifecycle. Delivered,
// PermanentlyFailed, and Expired are terminal.
type Status string

const (
	StatusCreated           Status = "created"
	StatusQueued            Status = "queued"
	StatusDelivered         Status = "delivered"
	StatusFailed            Status = "failed"
	StatusRetrying          Status = "retrying"
	StatusPermanentlyFailed Status = "permanently_failed"
	StatusExpired           Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusPermanentlyFailed, StatusExpired:
		return true
	}
	return false
}

// Message is an addressed unit of work owned by the router until it
// reaches a terminal status. The payload is opaque.
type Message struct {
	ID        string                `json:"id"`
	Sender    string                `json:"sender"`
	Recipient string                `json:"recipient,omitempty"`
	Type      string                `json:"type"`
	Payload   []byte                `json:"payload"`
	Priority  events.Priority       `json:"priority"`
	Requires  []registry.Capability `json:"requires,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	TTL       time.Duration         `json:"ttl,omitempty"`
	Attempts  int                   `json:"attempts"`
	Status    Status                `json:"status"`
	Strategy  Strategy              `json:"strategy,omitempty"`
}

// Expired reports whether the message's TTL has elapsed. Messages
// without a TTL never expire.
func (m *Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(m.TTL))
}

// Marshal encodes the message as JSON for transport.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalMessage decodes a transported message.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	if m.Requires != nil {
		out.Requires = make([]registry.Capability, len(m.Requires))
		copy(out.Requires, m.Requires)
	}
	return &out
}

// Submission describes a message to route. The router assigns the ID,
// timestamps, and lifecycle fields.
type Submission struct {
	// Sender must be a registered agent.
	Sender string

	// Recipient, when set, requests direct delivery. Must be registered.
	Recipient string

	// Type tags the message. Types marked broadcast fan out to every
	// active agent.
	Type string

	// Payload is the opaque message body. Required.
	Payload []byte

	// Priority defaults to normal.
	Priority events.Priority

	// Requires routes by capability when no recipient is named: only
	// active agents holding every listed capability qualify.
	Requires []registry.Capability

	// TTL bounds the message's useful life. Zero means no expiry.
	TTL time.Duration
}

// RecipientOutcome records one delivery attempt.
type RecipientOutcome struct {
	AgentID  string        `json:"agent_id"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the attempt delivered.
func (o RecipientOutcome) OK() bool {
	return o.Error == ""
}

// Receipt is what Submit returns: the chosen strategy, the attempts
// made within the call, and queue placement when the message was
// parked. Later outcomes for queued or retried messages surface only
// through message lifecycle events.
type Receipt struct {
	MessageID     string             `json:"message_id"`
	Strategy      Strategy           `json:"strategy"`
	Outcomes      []RecipientOutcome `json:"outcomes,omitempty"`
	Delivered     int                `json:"delivered"`
	Failed        int                `json:"failed"`
	Queued        bool               `json:"queued"`
	EstimatedWait time.Duration      `json:"estimated_wait,omitempty"`
}

// FailedMessage is a delivery failure awaiting retry. Removed on a
// successful retry or when the retry budget is spent.
type FailedMessage struct {
	Message     *Message
	LastError   string
	FailedAt    time.Time
	Retries     int
	NextAttempt time.Time
}

// Outcome is the payload carried by message lifecycle events
// (message.routed, message.queued, message.failed, message.expired).
// Status distinguishes in-flight failures from terminal ones.
type Outcome struct {
	MessageID string          `json:"message_id"`
	Sender    string          `json:"sender,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Type      string          `json:"type,omitempty"`
	Strategy  Strategy        `json:"strategy,omitempty"`
	Status    Status          `json:"status"`
	Priority  events.Priority `json:"priority,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts,omitempty"`
	Delivered int             `json:"delivered,omitempty"`
	Failed    int             `json:"failed,omitempty"`
	Duration  time.Duration   `json:"duration,omitempty"`
}

func capsString(caps []registry.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}
