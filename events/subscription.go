package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// FilterFunc decides whether a subscription receives an event. A nil
// error and false skips the event; returning an error (or panicking)
// is logged and fails open, so one broken filter cannot starve its
// subscriber.
type FilterFunc func(*Event) (bool, error)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	// Types lists the event types to receive. Include Wildcard to
	// receive every type, current and future.
	Types []Type

	// Filter is an optional per-event predicate.
	Filter FilterFunc

	// Priorities restricts delivery to these priorities when
	// non-empty.
	Priorities []Priority

	// BatchSize groups deliveries: events accumulate until the batch
	// is full or a flush sweep fires, then arrive as one unit.
	// Values below 2 deliver each event individually.
	BatchSize int

	// Replay walks the replay buffer asynchronously after Subscribe
	// returns, delivering matching non-expired entries in their
	// original publish order.
	Replay bool

	// Remote routes deliveries through the subscriber's registered
	// delivery handle instead of a local channel. Requires the bus to
	// be configured with a registry and a delivery channel.
	Remote bool

	// Buffer overrides the bus default channel buffer for this
	// subscription. Ignored for remote subscriptions.
	Buffer int
}

// Subscription is one subscriber's attachment to the bus. Local
// subscriptions receive event batches on Events; remote subscriptions
// receive them through the delivery channel as JSON.
type Subscription struct {
	id        string
	types     map[Type]struct{}
	wildcard  bool
	filter    FilterFunc
	allowed   map[Priority]struct{}
	batchSize int
	remote    bool

	ch     chan []*Event // nil for remote subscriptions
	closed atomic.Bool

	pendingMu sync.Mutex
	pending   []*Event

	createdAt    time.Time
	lastDelivery atomic.Int64 // unix nanos, 0 until first delivery

	delivered atomic.Int64
	filtered  atomic.Int64
	dropped   atomic.Int64
	replayed  atomic.Int64
}

// ID returns the subscriber ID.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the delivery channel. Each receive is one batch;
// unbatched subscriptions get single-event batches. The channel is
// closed on unsubscribe or bus close. Nil for remote subscriptions.
func (s *Subscription) Events() <-chan []*Event {
	return s.ch
}

// matchesType reports whether the subscription wants the given type.
func (s *Subscription) matchesType(t Type) bool {
	if s.wildcard {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// allows reports whether the event priority passes the allow-list.
func (s *Subscription) allows(p Priority) bool {
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[p]
	return ok
}

// takePending cuts and returns the pending batch.
func (s *Subscription) takePending() []*Event {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	batch := s.pending
	s.pending = nil
	return batch
}

// Stats returns a snapshot of the subscription's counters.
func (s *Subscription) Stats() SubscriptionStats {
	stats := SubscriptionStats{
		ID:        s.id,
		Wildcard:  s.wildcard,
		Remote:    s.remote,
		BatchSize: s.batchSize,
		Delivered: s.delivered.Load(),
		Filtered:  s.filtered.Load(),
		Dropped:   s.dropped.Load(),
		Replayed:  s.replayed.Load(),
		CreatedAt: s.createdAt,
	}
	for t := range s.types {
		stats.Types = append(stats.Types, t)
	}
	if last := s.lastDelivery.Load(); last > 0 {
		stats.LastDelivery = time.Unix(0, last)
	}
	return stats
}

// SubscriptionStats is a point-in-time view of one subscription.
type SubscriptionStats struct {
	ID           string    `json:"id"`
	Types        []Type    `json:"types,omitempty"`
	Wildcard     bool      `json:"wildcard"`
	Remote       bool      `json:"remote"`
	BatchSize    int       `json:"batch_size"`
	Delivered    int64     `json:"delivered"`
	Filtered     int64     `json:"filtered"`
	Dropped      int64     `json:"dropped"`
	Replayed     int64     `json:"replayed"`
	CreatedAt    time.Time `json:"created_at"`
	LastDelivery time.Time `json:"last_delivery,omitempty"`
}
