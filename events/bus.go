package events

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentrelay/delivery"
	"github.com/vinayprograms/agentrelay/errors"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/ratelimit"
	"github.com/vinayprograms/agentrelay/registry"
	"github.com/vinayprograms/agentrelay/sweep"
)

// Config controls bus behavior.
type Config struct {
	// BufferSize is the default channel buffer for local subscriptions.
	BufferSize int

	// HistorySize bounds the queryable event history ring.
	HistorySize int

	// ReplaySize bounds the replay ring served to new subscribers.
	ReplaySize int

	// BatchQueueSize bounds each priority's deferred publish queue.
	BatchQueueSize int

	// FlushInterval is how often deferred publishes and partial
	// subscriber batches are pushed out.
	FlushInterval time.Duration

	// MaintenanceInterval is how often expired history is pruned, idle
	// subscribers are flagged, and a bus.stats event is published.
	MaintenanceInterval time.Duration

	// ReplayDelay paces replay delivery so a full ring does not land on
	// a new subscriber as one burst.
	ReplayDelay time.Duration

	// IdleThreshold is how long a subscriber may go without a delivery
	// before maintenance flags it idle.
	IdleThreshold time.Duration

	// DeliverTimeout bounds each remote delivery attempt.
	DeliverTimeout time.Duration

	// Logger receives bus diagnostics. Defaults to a fresh logger.
	Logger *logging.Logger

	// Limiter, when set, enforces per-event-type publish budgets. Only
	// types with a configured budget are limited.
	Limiter ratelimit.RateLimiter

	// Registry resolves remote subscribers to delivery handles.
	// Required together with Channel for remote subscriptions.
	Registry registry.Registry

	// Channel pushes event batches to remote subscribers.
	Channel delivery.Channel
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:          64,
		HistorySize:         1000,
		ReplaySize:          100,
		BatchQueueSize:      1024,
		FlushInterval:       100 * time.Millisecond,
		MaintenanceInterval: 30 * time.Second,
		ReplayDelay:         time.Millisecond,
		IdleThreshold:       5 * time.Minute,
		DeliverTimeout:      5 * time.Second,
	}
}

// PublishOptions controls a single publish.
type PublishOptions struct {
	// Priority defaults to PriorityNormal.
	Priority Priority

	// Source identifies the publishing component or agent.
	Source string

	// TTL bounds the event's useful life. Zero means no expiry.
	TTL time.Duration

	// Meta carries free-form routing hints for subscriber filters.
	Meta map[string]string

	// Batch defers fan-out to the next flush instead of delivering
	// inline. Deferred events drain most urgent priority first.
	Batch bool
}

// BusStats is a point-in-time snapshot of bus activity. Counters cover
// subscriptions currently attached; totals for departed subscribers
// leave with them.
type BusStats struct {
	KnownTypes         int              `json:"known_types"`
	Subscribers        int              `json:"subscribers"`
	Published          int64            `json:"published"`
	Delivered          int64            `json:"delivered"`
	Filtered           int64            `json:"filtered"`
	Dropped            int64            `json:"dropped"`
	Replayed           int64            `json:"replayed"`
	Expired            int64            `json:"expired"`
	HistoryDepth       int              `json:"history_depth"`
	ReplayDepth        int              `json:"replay_depth"`
	BatchBacklog       map[Priority]int `json:"batch_backlog,omitempty"`
	AvgDeliveryLatency time.Duration    `json:"avg_delivery_latency"`
	IdleSubscribers    int              `json:"idle_subscribers"`
}

// latencyWindow bounds the rolling sample set behind AvgDeliveryLatency.
const latencyWindow = 256

// Bus is an in-process typed publish/subscribe hub. Subscribers attach
// with a type set, optional predicate filters, and optional batching;
// remote subscribers are reached through a delivery channel. Publishes
// fan out inline unless deferred for the flush sweep.
type Bus struct {
	config Config

	mu         sync.RWMutex
	known      map[Type]struct{}
	subs       map[string]*Subscription
	byType     map[Type][]*Subscription
	wildcards  []*Subscription
	history    []*Event
	replay     []*Event
	batchQueue map[Priority][]*Event

	latMu      sync.Mutex
	latencies  []time.Duration
	avgLatency atomic.Int64

	published atomic.Int64
	expired   atomic.Int64
	idleSubs  atomic.Int64

	sweeper *sweep.Sweeper
	logger  *logging.Logger
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New creates a bus and starts its flush and maintenance sweeps.
func New(cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = def.ReplaySize
	}
	if cfg.BatchQueueSize <= 0 {
		cfg.BatchQueueSize = def.BatchQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if cfg.ReplayDelay < 0 {
		cfg.ReplayDelay = def.ReplayDelay
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = def.DeliverTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	b := &Bus{
		config:     cfg,
		known:      make(map[Type]struct{}),
		subs:       make(map[string]*Subscription),
		byType:     make(map[Type][]*Subscription),
		batchQueue: make(map[Priority][]*Event),
		logger:     cfg.Logger.WithComponent("events"),
	}
	for _, t := range builtinTypes {
		b.known[t] = struct{}{}
	}

	b.sweeper = sweep.New(cfg.Logger, sweep.DefaultConfig())
	_ = b.sweeper.AddJob("bus-flush", cfg.FlushInterval, b.flush)
	_ = b.sweeper.AddJob("bus-maintenance", cfg.MaintenanceInterval, b.maintain)
	b.sweeper.Start()

	return b
}

// RegisterTypes adds event types to the known set ahead of any
// publish, so subscribers can name them before a producer exists.
func (b *Bus) RegisterTypes(types ...Type) error {
	if b.closed.Load() {
		return errors.Closed("event bus")
	}
	for _, t := range types {
		if !t.Valid() {
			return errors.Validation("invalid event type: " + t.String())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return errors.Closed("event bus")
	}
	for _, t := range types {
		b.known[t] = struct{}{}
	}
	return nil
}

// KnownTypes returns the registered event types, sorted.
func (b *Bus) KnownTypes() []Type {
	b.mu.RLock()
	types := make([]Type, 0, len(b.known))
	for t := range b.known {
		types = append(types, t)
	}
	b.mu.RUnlock()

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Subscribe attaches a subscriber. Named types must already be known;
// the wildcard matches every type including ones registered later, and
// supersedes any named types given alongside it. Each subscriber ID
// may hold one subscription at a time.
func (b *Bus) Subscribe(subscriberID string, opts SubscribeOptions) (*Subscription, error) {
	if b.closed.Load() {
		return nil, errors.Closed("event bus")
	}
	if subscriberID == "" {
		return nil, errors.Validation("subscriber ID is required")
	}
	if len(opts.Types) == 0 {
		return nil, errors.Validation("at least one event type is required")
	}
	for _, p := range opts.Priorities {
		if !p.Valid() {
			return nil, errors.Validation("unknown priority: " + p.String())
		}
	}
	if opts.Remote && (b.config.Registry == nil || b.config.Channel == nil) {
		return nil, errors.Validation("remote subscriptions require a registry and a delivery channel")
	}

	wildcard := false
	named := make(map[Type]struct{}, len(opts.Types))
	for _, t := range opts.Types {
		if t == Wildcard {
			wildcard = true
			continue
		}
		if !t.Valid() {
			return nil, errors.Validation("invalid event type: " + t.String())
		}
		named[t] = struct{}{}
	}
	if wildcard {
		named = make(map[Type]struct{})
	}

	batchSize := opts.BatchSize
	if batchSize < 1 {
		batchSize = 1
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = b.config.BufferSize
	}

	sub := &Subscription{
		id:        subscriberID,
		types:     named,
		wildcard:  wildcard,
		filter:    opts.Filter,
		batchSize: batchSize,
		remote:    opts.Remote,
		createdAt: time.Now(),
	}
	if len(opts.Priorities) > 0 {
		sub.allowed = make(map[Priority]struct{}, len(opts.Priorities))
		for _, p := range opts.Priorities {
			sub.allowed[p] = struct{}{}
		}
	}
	if !opts.Remote {
		sub.ch = make(chan []*Event, buffer)
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, errors.Closed("event bus")
	}
	if _, exists := b.subs[subscriberID]; exists {
		b.mu.Unlock()
		return nil, errors.New(errors.ErrCodeAlreadyExists,
			"subscriber already attached: "+subscriberID,
			errors.WithAgentID(subscriberID))
	}
	for t := range named {
		if _, known := b.known[t]; !known {
			b.mu.Unlock()
			return nil, errors.UnknownEventType(t.String())
		}
	}
	b.subs[subscriberID] = sub
	for t := range named {
		b.byType[t] = append(b.byType[t], sub)
	}
	if wildcard {
		b.wildcards = append(b.wildcards, sub)
	}
	var snapshot []*Event
	if opts.Replay && len(b.replay) > 0 {
		snapshot = make([]*Event, len(b.replay))
		copy(snapshot, b.replay)
	}
	b.mu.Unlock()

	if len(snapshot) > 0 {
		b.wg.Add(1)
		go b.replayTo(sub, snapshot)
	}

	return sub, nil
}

// Unsubscribe detaches a subscriber and closes its channel. Returns
// false if the ID holds no subscription.
func (b *Bus) Unsubscribe(subscriberID string) bool {
	if b.closed.Load() {
		return false
	}

	b.mu.Lock()
	sub, exists := b.subs[subscriberID]
	if !exists {
		b.mu.Unlock()
		return false
	}
	delete(b.subs, subscriberID)
	for t := range sub.types {
		b.byType[t] = removeSub(b.byType[t], sub)
		if len(b.byType[t]) == 0 {
			delete(b.byType, t)
		}
	}
	if sub.wildcard {
		b.wildcards = removeSub(b.wildcards, sub)
	}
	b.mu.Unlock()

	if !sub.closed.Swap(true) && sub.ch != nil {
		close(sub.ch)
	}
	return true
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// Publish validates and fans out an event. The type is auto-registered
// so later subscribers can name it. Deferred publishes join the batch
// queue and go out on the next flush, most urgent priority first.
func (b *Bus) Publish(eventType Type, payload []byte, opts PublishOptions) (*Event, error) {
	if b.closed.Load() {
		return nil, errors.Closed("event bus")
	}
	if !eventType.Valid() {
		return nil, errors.Validation("invalid event type: " + eventType.String())
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, errors.Validation("unknown priority: " + priority.String())
	}
	if opts.TTL < 0 {
		return nil, errors.Validation("TTL cannot be negative")
	}
	if b.overBudget(eventType) {
		return nil, errors.RateLimited("publish budget exhausted for "+eventType.String(),
			errors.WithMetadata("event_type", eventType.String()))
	}

	ev := &Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		Source:      opts.Source,
		Priority:    priority,
		PublishedAt: time.Now(),
		TTL:         opts.TTL,
	}
	if len(payload) > 0 {
		ev.Payload = make([]byte, len(payload))
		copy(ev.Payload, payload)
	}
	if len(opts.Meta) > 0 {
		ev.Meta = make(map[string]string, len(opts.Meta))
		for k, v := range opts.Meta {
			ev.Meta[k] = v
		}
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return nil, errors.Closed("event bus")
	}
	if opts.Batch && len(b.batchQueue[priority]) >= b.config.BatchQueueSize {
		b.mu.Unlock()
		return nil, errors.QueueFull("batch queue full for priority "+priority.String(),
			errors.WithEventID(ev.ID))
	}
	b.known[eventType] = struct{}{}
	b.history = appendRing(b.history, ev, b.config.HistorySize)
	b.replay = appendRing(b.replay, ev, b.config.ReplaySize)
	if opts.Batch {
		b.batchQueue[priority] = append(b.batchQueue[priority], ev)
	}
	b.mu.Unlock()

	b.published.Add(1)
	if !opts.Batch {
		b.fanOut(ev)
	}
	return ev, nil
}

// overBudget consumes a token from the event type's publish budget, if
// one is configured on the limiter.
func (b *Bus) overBudget(eventType Type) bool {
	if b.config.Limiter == nil {
		return false
	}
	key := ratelimit.EventTypeKey(eventType.String())
	if b.config.Limiter.GetCapacity(key) == nil {
		return false
	}
	return !b.config.Limiter.TryAcquire(key)
}

// appendRing appends to a bounded ring, evicting the oldest entries.
func appendRing(ring []*Event, ev *Event, size int) []*Event {
	ring = append(ring, ev)
	if size > 0 && len(ring) > size {
		ring = ring[len(ring)-size:]
	}
	return ring
}

// fanOut delivers an event to every matching subscription.
func (b *Bus) fanOut(ev *Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.byType[ev.Type])+len(b.wildcards))
	targets = append(targets, b.byType[ev.Type]...)
	targets = append(targets, b.wildcards...)
	b.mu.RUnlock()

	b.logger.EventPublished(ev.ID, ev.Type.String(), len(targets))

	for _, sub := range targets {
		b.offer(sub, ev, false)
	}
}

// offer runs one event through a subscription's filters and, if it
// passes, delivers or batches it. Expiry is rechecked here so nothing
// goes out past its TTL, even from a replay walk or a batch queue that
// sat across the deadline.
func (b *Bus) offer(sub *Subscription, ev *Event, replaying bool) {
	if ev.Expired(time.Now()) {
		return
	}
	if !sub.allows(ev.Priority) {
		sub.filtered.Add(1)
		return
	}
	if sub.filter != nil && !b.runFilter(sub, ev) {
		sub.filtered.Add(1)
		return
	}

	if replaying || sub.batchSize < 2 {
		b.send(sub, []*Event{ev}, replaying)
		return
	}

	sub.pendingMu.Lock()
	sub.pending = append(sub.pending, ev)
	if len(sub.pending) < sub.batchSize {
		sub.pendingMu.Unlock()
		return
	}
	batch := sub.pending
	sub.pending = nil
	sub.pendingMu.Unlock()
	b.send(sub, batch, false)
}

// runFilter evaluates the subscriber's predicate, failing open on
// error or panic so a broken filter cannot starve its subscriber.
func (b *Bus) runFilter(sub *Subscription, ev *Event) (deliver bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.FilterFailure(sub.id, errors.RecoverPanic(r))
			deliver = true
		}
	}()

	ok, err := sub.filter(ev)
	if err != nil {
		b.logger.FilterFailure(sub.id, err)
		return true
	}
	return ok
}

// send hands a batch to a subscription. Local delivery never blocks;
// a full buffer counts the whole batch as dropped.
func (b *Bus) send(sub *Subscription, batch []*Event, replaying bool) {
	if len(batch) == 0 {
		return
	}
	if sub.remote {
		b.wg.Add(1)
		go b.deliverRemote(sub, batch, replaying)
		return
	}
	if sub.closed.Load() {
		return
	}

	select {
	case sub.ch <- batch:
		b.recordDelivery(sub, batch, replaying)
	default:
		sub.dropped.Add(int64(len(batch)))
		b.logger.SubscriberDropped(sub.id, sub.dropped.Load())
	}
}

// recordDelivery updates subscriber counters and the latency window.
func (b *Bus) recordDelivery(sub *Subscription, batch []*Event, replaying bool) {
	n := int64(len(batch))
	if replaying {
		sub.replayed.Add(n)
	} else {
		sub.delivered.Add(n)
	}
	now := time.Now()
	sub.lastDelivery.Store(now.UnixNano())

	b.latMu.Lock()
	for _, ev := range batch {
		b.latencies = append(b.latencies, now.Sub(ev.PublishedAt))
	}
	if len(b.latencies) > latencyWindow {
		b.latencies = b.latencies[len(b.latencies)-latencyWindow:]
	}
	b.latMu.Unlock()
}

// replayTo walks a replay snapshot for a new subscriber. Replayed
// events skip batching so history lands promptly and in order.
func (b *Bus) replayTo(sub *Subscription, snapshot []*Event) {
	defer b.wg.Done()

	for _, ev := range snapshot {
		if b.closed.Load() || sub.closed.Load() {
			return
		}
		if !sub.matchesType(ev.Type) {
			continue
		}
		b.offer(sub, ev, true)
		if b.config.ReplayDelay > 0 {
			time.Sleep(b.config.ReplayDelay)
		}
	}
}

// flush drains the deferred publish queues most urgent first, then
// pushes out every subscription's partial batch.
func (b *Bus) flush() {
	for _, priority := range OrderedPriorities() {
		b.mu.Lock()
		queue := b.batchQueue[priority]
		if len(queue) > 0 {
			delete(b.batchQueue, priority)
		}
		b.mu.Unlock()

		for _, ev := range queue {
			b.fanOut(ev)
		}
	}

	for _, sub := range b.subscriptions() {
		if batch := sub.takePending(); len(batch) > 0 {
			b.send(sub, batch, false)
		}
	}
}

// maintain prunes expired history, refreshes derived stats, flags idle
// subscribers, and publishes a bus.stats snapshot.
func (b *Bus) maintain() {
	now := time.Now()

	b.mu.Lock()
	var removed int
	b.history, removed = pruneExpired(b.history, now)
	b.replay, _ = pruneExpired(b.replay, now)
	b.mu.Unlock()
	if removed > 0 {
		b.expired.Add(int64(removed))
	}

	b.flush()

	b.latMu.Lock()
	var total time.Duration
	for _, sample := range b.latencies {
		total += sample
	}
	var avg time.Duration
	if len(b.latencies) > 0 {
		avg = total / time.Duration(len(b.latencies))
	}
	b.latMu.Unlock()
	b.avgLatency.Store(int64(avg))

	idle := int64(0)
	for _, sub := range b.subscriptions() {
		if sub.delivered.Load() > 0 || sub.replayed.Load() > 0 {
			continue
		}
		if silence := now.Sub(sub.createdAt); silence >= b.config.IdleThreshold {
			b.logger.SubscriberIdle(sub.id, silence)
			idle++
		}
	}
	b.idleSubs.Store(idle)

	if data, err := json.Marshal(b.Stats()); err == nil {
		_, _ = b.Publish(TypeBusStats, data, PublishOptions{
			Source:   "bus",
			Priority: PriorityLow,
		})
	}
}

// pruneExpired removes events past their TTL, preserving order.
func pruneExpired(ring []*Event, now time.Time) ([]*Event, int) {
	removed := 0
	kept := ring[:0]
	for _, ev := range ring {
		if ev.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	return kept, removed
}

func (b *Bus) subscriptions() []*Subscription {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	return subs
}

// History returns the most recent events, oldest first. A limit <= 0
// returns the whole ring. Entries are clones; callers may mutate them.
func (b *Bus) History(limit int) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]*Event, 0, len(b.history)-start)
	for _, ev := range b.history[start:] {
		out = append(out, ev.Clone())
	}
	return out
}

// SubscriptionStats returns per-subscriber snapshots, sorted by ID.
func (b *Bus) SubscriptionStats() []SubscriptionStats {
	subs := b.subscriptions()
	out := make([]SubscriptionStats, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns a snapshot of bus activity.
func (b *Bus) Stats() BusStats {
	stats := BusStats{
		Published:          b.published.Load(),
		Expired:            b.expired.Load(),
		AvgDeliveryLatency: time.Duration(b.avgLatency.Load()),
		IdleSubscribers:    int(b.idleSubs.Load()),
	}

	b.mu.RLock()
	stats.KnownTypes = len(b.known)
	stats.Subscribers = len(b.subs)
	stats.HistoryDepth = len(b.history)
	stats.ReplayDepth = len(b.replay)
	for priority, queue := range b.batchQueue {
		if len(queue) == 0 {
			continue
		}
		if stats.BatchBacklog == nil {
			stats.BatchBacklog = make(map[Priority]int)
		}
		stats.BatchBacklog[priority] = len(queue)
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		stats.Delivered += sub.delivered.Load()
		stats.Filtered += sub.filtered.Load()
		stats.Dropped += sub.dropped.Load()
		stats.Replayed += sub.replayed.Load()
	}
	return stats
}

// Close stops the sweeps, closes every subscription, and discards
// buffered state. Close is idempotent.
func (b *Bus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	_ = b.sweeper.Stop()

	b.mu.Lock()
	for _, sub := range b.subs {
		if !sub.closed.Swap(true) && sub.ch != nil {
			close(sub.ch)
		}
	}
	b.subs = nil
	b.byType = nil
	b.wildcards = nil
	b.history = nil
	b.replay = nil
	b.batchQueue = nil
	b.mu.Unlock()

	// Replay walkers and in-flight remote deliveries wind down on
	// their own once they observe the closed flag.
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return nil
}
