package outcome

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/router"
)

// trackerID is the tracker's subscriber ID on the bus. One tracker
// per bus.
const trackerID = "outcome-tracker"

// Tracker folds the router's message lifecycle events into per-message
// reports and lets callers await or stream them. Retention is bounded:
// once capacity is exceeded the oldest report is dropped, and a late
// event for a dropped message starts a fresh report.
type Tracker struct {
	bus      *events.Bus
	capacity int
	buffer   int
	logger   *logging.Logger

	mu       sync.RWMutex
	reports  map[string]*Report
	order    []string
	waiters  map[string][]chan *Report
	watchers map[string][]chan *Report

	sub     *events.Subscription
	stopped atomic.Bool
	doneCh  chan struct{}
}

// New subscribes to the bus and starts folding lifecycle events.
func New(cfg Config) (*Tracker, error) {
	if cfg.Bus == nil {
		return nil, ErrInvalidConfig
	}

	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	sub, err := cfg.Bus.Subscribe(trackerID, events.SubscribeOptions{
		Types: []events.Type{
			events.TypeMessageRouted,
			events.TypeMessageQueued,
			events.TypeMessageFailed,
			events.TypeMessageExpired,
		},
	})
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		bus:      cfg.Bus,
		capacity: cfg.Capacity,
		buffer:   cfg.Buffer,
		logger:   cfg.Logger.WithComponent("outcome"),
		reports:  make(map[string]*Report),
		waiters:  make(map[string][]chan *Report),
		watchers: make(map[string][]chan *Report),
		sub:      sub,
		doneCh:   make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *Tracker) run() {
	defer close(t.doneCh)

	for batch := range t.sub.Events() {
		for _, ev := range batch {
			t.consume(ev)
		}
	}
}

// consume folds one lifecycle event into its message's report and
// notifies waiters and watchers. Terminal reports are final: replays
// and duplicates change nothing.
func (t *Tracker) consume(ev *events.Event) {
	var out router.Outcome
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		t.logger.Debug("decode outcome", map[string]interface{}{
			"event": ev.Type.String(),
			"error": err.Error(),
		})
		return
	}
	if out.MessageID == "" {
		return
	}

	t.mu.Lock()
	rep, exists := t.reports[out.MessageID]
	if exists && rep.Status.Terminal() {
		t.mu.Unlock()
		return
	}
	if !exists {
		rep = &Report{
			MessageID: out.MessageID,
			FirstSeen: ev.PublishedAt,
		}
		t.reports[out.MessageID] = rep
		t.order = append(t.order, out.MessageID)
		t.evictLocked()
	}

	rep.Status = out.Status
	rep.UpdatedAt = ev.PublishedAt
	if out.Sender != "" {
		rep.Sender = out.Sender
	}
	if out.Recipient != "" {
		rep.Recipient = out.Recipient
	}
	if out.Type != "" {
		rep.Type = out.Type
	}
	if out.Strategy != "" {
		rep.Strategy = out.Strategy
	}
	if out.Priority != "" {
		rep.Priority = out.Priority
	}
	switch {
	case out.Error != "":
		rep.Error = out.Error
	case out.Status == router.StatusDelivered:
		rep.Error = ""
	}
	if out.Attempts > rep.Attempts {
		rep.Attempts = out.Attempts
	}
	if out.Delivered > 0 {
		rep.Delivered = out.Delivered
	}
	if out.Failed > 0 {
		rep.Failed = out.Failed
	}

	terminal := rep.Status.Terminal()
	watchers := t.watchers[out.MessageID]
	var waiters []chan *Report
	if terminal {
		waiters = t.waiters[out.MessageID]
		delete(t.waiters, out.MessageID)
		delete(t.watchers, out.MessageID)
	}
	snapshot := rep.Clone()
	t.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- snapshot.Clone():
		default:
			// Slow watcher, drop the update.
		}
		if terminal {
			close(ch)
		}
	}
	for _, ch := range waiters {
		ch <- snapshot.Clone()
		close(ch)
	}
}

// evictLocked drops the oldest reports once capacity is exceeded.
// Callers hold t.mu.
func (t *Tracker) evictLocked() {
	for len(t.order) > t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.reports, oldest)
	}
}

// Get returns the current report for a message.
func (t *Tracker) Get(messageID string) (*Report, error) {
	if messageID == "" {
		return nil, ErrInvalidMessageID
	}
	if t.stopped.Load() {
		return nil, ErrClosed
	}

	t.mu.RLock()
	rep, ok := t.reports[messageID]
	snapshot := rep.Clone()
	t.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return snapshot, nil
}

// Wait blocks until the message reaches a terminal status and returns
// its report. A message that already settled returns immediately, even
// if its terminal event predates the call. Returns the context's error
// on cancellation and ErrClosed if the tracker shuts down first.
func (t *Tracker) Wait(ctx context.Context, messageID string) (*Report, error) {
	if messageID == "" {
		return nil, ErrInvalidMessageID
	}
	if t.stopped.Load() {
		return nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	if rep, ok := t.reports[messageID]; ok && rep.Status.Terminal() {
		snapshot := rep.Clone()
		t.mu.Unlock()
		return snapshot, nil
	}
	ch := make(chan *Report, 1)
	t.waiters[messageID] = append(t.waiters[messageID], ch)
	t.mu.Unlock()

	select {
	case rep := <-ch:
		return rep, nil
	case <-ctx.Done():
		t.dropWaiter(messageID, ch)
		select {
		case rep := <-ch:
			return rep, nil
		default:
		}
		return nil, ctx.Err()
	case <-t.doneCh:
		select {
		case rep := <-ch:
			return rep, nil
		default:
		}
		return nil, ErrClosed
	}
}

// dropWaiter detaches an abandoned waiter channel.
func (t *Tracker) dropWaiter(messageID string, ch chan *Report) {
	t.mu.Lock()
	defer t.mu.Unlock()

	waiters := t.waiters[messageID]
	for i, c := range waiters {
		if c == ch {
			t.waiters[messageID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(t.waiters[messageID]) == 0 {
		delete(t.waiters, messageID)
	}
}

// Watch returns a channel streaming the message's report as it
// changes. The current report, if any, is sent immediately. The
// channel closes after the terminal report is delivered, or when the
// tracker closes. Slow consumers lose intermediate updates.
func (t *Tracker) Watch(messageID string) (<-chan *Report, error) {
	if messageID == "" {
		return nil, ErrInvalidMessageID
	}
	if t.stopped.Load() {
		return nil, ErrClosed
	}

	ch := make(chan *Report, t.buffer)

	t.mu.Lock()
	if rep, ok := t.reports[messageID]; ok {
		ch <- rep.Clone()
		if rep.Status.Terminal() {
			t.mu.Unlock()
			close(ch)
			return ch, nil
		}
	}
	t.watchers[messageID] = append(t.watchers[messageID], ch)
	t.mu.Unlock()

	return ch, nil
}

// List returns retained reports matching the filter, oldest first.
func (t *Tracker) List(filter Filter) []*Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Report
	for _, id := range t.order {
		rep := t.reports[id]
		if !filter.Matches(rep) {
			continue
		}
		out = append(out, rep.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Close detaches from the bus, waits for the fold loop to exit, and
// releases watchers. Pending Wait calls return ErrClosed. Close is
// idempotent.
func (t *Tracker) Close() error {
	if t.stopped.Swap(true) {
		return nil
	}
	t.bus.Unsubscribe(trackerID)
	select {
	case <-t.doneCh:
	case <-time.After(5 * time.Second):
	}

	t.mu.Lock()
	for id, subs := range t.watchers {
		for _, ch := range subs {
			close(ch)
		}
		delete(t.watchers, id)
	}
	t.mu.Unlock()
	return nil
}
