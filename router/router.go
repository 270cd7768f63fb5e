package router

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentrelay/delivery"
	"github.com/vinayprograms/agentrelay/errors"
	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/ratelimit"
	"github.com/vinayprograms/agentrelay/registry"
	"github.com/vinayprograms/agentrelay/sweep"
	"github.com/vinayprograms/agentrelay/telemetry"
)

// Config controls router behavior.
type Config struct {
	// QueueCapacity bounds each priority queue. Default: 100.
	QueueCapacity int

	// DispatchRates sets how many queued messages per second the
	// dequeue sweep drains per priority. Also the divisor behind a
	// receipt's estimated wait. Zero for a priority leaves it unpaced.
	DispatchRates map[events.Priority]int

	// RetryBaseDelay is the backoff unit: a failed message waits
	// base times (retries+1) before its next attempt. Default: 500ms.
	RetryBaseDelay time.Duration

	// MaxRetries bounds retry attempts after the initial failure.
	// Default: 3.
	MaxRetries int

	// DeliverTimeout bounds each delivery attempt. Default: 5s.
	DeliverTimeout time.Duration

	// DequeueInterval is how often the queue sweep runs. Default: 100ms.
	DequeueInterval time.Duration

	// RetryInterval is how often due retries are attempted. Default: 1s.
	RetryInterval time.Duration

	// StatsInterval is how often a router.stats event is published.
	// Default: 30s.
	StatsInterval time.Duration

	// BroadcastTypes seeds the message types that fan out to every
	// active agent. Extendable at runtime with RegisterBroadcastType.
	BroadcastTypes []string

	// Logger receives router diagnostics. Defaults to a fresh logger.
	Logger *logging.Logger

	// Bus carries message lifecycle events. When nil the router creates
	// and owns one, exposed through Bus().
	Bus *events.Bus

	// Registry resolves senders, recipients, and capability candidates.
	// Required.
	Registry registry.Registry

	// Channel transmits encoded messages to agent handles. Required.
	Channel delivery.Channel

	// Limiter paces dispatch and enforces per-sender budgets. When nil
	// the router creates and owns a local limiter. Dispatch buckets are
	// seeded from DispatchRates either way.
	Limiter ratelimit.RateLimiter
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:   100,
		DispatchRates:   DefaultDispatchRates(),
		RetryBaseDelay:  500 * time.Millisecond,
		MaxRetries:      3,
		DeliverTimeout:  5 * time.Second,
		DequeueInterval: 100 * time.Millisecond,
		RetryInterval:   time.Second,
		StatsInterval:   30 * time.Second,
	}
}

// DefaultDispatchRates drains urgent queues faster than idle ones.
func DefaultDispatchRates() map[events.Priority]int {
	return map[events.Priority]int{
		events.PriorityCritical: 50,
		events.PriorityHigh:     20,
		events.PriorityNormal:   10,
		events.PriorityLow:      5,
	}
}

// routeTimeWindow bounds the rolling sample set behind AvgRouteTime.
const routeTimeWindow = 256

// Stats is a point-in-time snapshot of router activity.
type Stats struct {
	Submitted      int64                   `json:"submitted"`
	Delivered      int64                   `json:"delivered"`
	Failed         int64                   `json:"failed"`
	Expired        int64                   `json:"expired"`
	Retried        int64                   `json:"retried"`
	RetrySucceeded int64                   `json:"retry_succeeded"`
	RetryExhausted int64                   `json:"retry_exhausted"`
	QueueDepths    map[events.Priority]int `json:"queue_depths,omitempty"`
	PendingRetries int                     `json:"pending_retries"`
	ByStrategy     map[Strategy]int64      `json:"by_strategy,omitempty"`
	AvgRouteTime   time.Duration           `json:"avg_route_time"`
}

// Router moves addressed messages between agents. Each submission
// picks a strategy: direct to an active recipient, capability-ranked
// selection, broadcast, or the priority queue drained by the dequeue
// sweep. Failed deliveries back off and retry on their own sweep.
// Outcomes after Submit returns surface as events on the bus.
type Router struct {
	config Config

	mu         sync.Mutex
	queues     map[events.Priority][]*Message
	failed     map[string]*FailedMessage
	broadcasts map[string]struct{}
	byStrategy map[Strategy]int64

	timeMu     sync.Mutex
	routeTimes []time.Duration
	avgRoute   atomic.Int64

	submitted      atomic.Int64
	delivered      atomic.Int64
	failedCount    atomic.Int64
	expired        atomic.Int64
	retried        atomic.Int64
	retrySucceeded atomic.Int64
	retryExhausted atomic.Int64

	bus        *events.Bus
	ownBus     bool
	limiter    ratelimit.RateLimiter
	ownLimiter bool
	sweeper    *sweep.Sweeper
	logger     *logging.Logger
	closed     atomic.Bool
}

// New creates a router and starts its dequeue, retry, and stats
// sweeps.
func New(cfg Config) (*Router, error) {
	if cfg.Registry == nil {
		return nil, errors.Validation("registry is required")
	}
	if cfg.Channel == nil {
		return nil, errors.Validation("delivery channel is required")
	}

	def := DefaultConfig()
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if len(cfg.DispatchRates) == 0 {
		cfg.DispatchRates = DefaultDispatchRates()
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = def.DeliverTimeout
	}
	if cfg.DequeueInterval <= 0 {
		cfg.DequeueInterval = def.DequeueInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}

	r := &Router{
		config:     cfg,
		queues:     make(map[events.Priority][]*Message),
		failed:     make(map[string]*FailedMessage),
		broadcasts: make(map[string]struct{}),
		byStrategy: make(map[Strategy]int64),
		logger:     cfg.Logger.WithComponent("router"),
	}
	for _, t := range cfg.BroadcastTypes {
		if t != "" {
			r.broadcasts[t] = struct{}{}
		}
	}

	r.bus = cfg.Bus
	if r.bus == nil {
		busCfg := events.DefaultConfig()
		busCfg.Logger = cfg.Logger
		r.bus = events.New(busCfg)
		r.ownBus = true
	}

	r.limiter = cfg.Limiter
	if r.limiter == nil {
		r.limiter = ratelimit.NewMemoryLimiter()
		r.ownLimiter = true
	}
	for priority, rate := range cfg.DispatchRates {
		if rate > 0 {
			r.limiter.SetCapacity(dispatchKey(priority), rate, time.Second)
		}
	}

	r.sweeper = sweep.New(cfg.Logger, sweep.DefaultConfig())
	_ = r.sweeper.AddJob("router-dequeue", cfg.DequeueInterval, r.dequeue)
	_ = r.sweeper.AddJob("router-retry", cfg.RetryInterval, r.retryFailed)
	_ = r.sweeper.AddJob("router-stats", cfg.StatsInterval, r.publishStats)
	r.sweeper.Start()

	return r, nil
}

// Bus returns the event bus carrying the router's lifecycle events.
func (r *Router) Bus() *events.Bus {
	return r.bus
}

// Submit validates and routes one message. The receipt reports the
// chosen strategy and whatever attempts happened within the call;
// queued and retried messages resolve later through events.
func (r *Router) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	if r.closed.Load() {
		return nil, errors.Closed("router")
	}
	if sub.Sender == "" {
		return nil, errors.Validation("sender is required")
	}
	if sub.Type == "" {
		return nil, errors.Validation("message type is required")
	}
	if len(sub.Payload) == 0 {
		return nil, errors.Validation("payload is required")
	}
	priority := sub.Priority
	if priority == "" {
		priority = events.PriorityNormal
	}
	if !priority.Valid() {
		return nil, errors.Validation("unknown priority: " + priority.String())
	}
	if sub.TTL < 0 {
		return nil, errors.Validation("TTL cannot be negative")
	}
	if _, err := r.config.Registry.Get(sub.Sender); err != nil {
		return nil, errors.Validation("sender not registered: "+sub.Sender,
			errors.WithAgentID(sub.Sender))
	}
	var recipient *registry.AgentRecord
	if sub.Recipient != "" {
		rec, err := r.config.Registry.Get(sub.Recipient)
		if err != nil {
			return nil, errors.UnknownRecipient(sub.Recipient)
		}
		recipient = rec
	}
	if r.senderOverBudget(sub.Sender) {
		return nil, errors.RateLimited("send budget exhausted for "+sub.Sender,
			errors.WithAgentID(sub.Sender))
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Sender:    sub.Sender,
		Recipient: sub.Recipient,
		Type:      sub.Type,
		Payload:   sub.Payload,
		Priority:  priority,
		Requires:  sub.Requires,
		CreatedAt: time.Now(),
		TTL:       sub.TTL,
		Status:    StatusCreated,
	}
	r.submitted.Add(1)

	tracer := telemetry.GetTracer()
	sctx, span := tracer.StartRouteSpan(ctx, msg.Type)
	receipt, err := r.dispatch(sctx, msg, recipient)
	opts := telemetry.RouteSpanOptions{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Priority:  msg.Priority.String(),
	}
	if receipt != nil {
		opts.Strategy = string(receipt.Strategy)
		opts.Delivered = receipt.Delivered
		opts.Failed = receipt.Failed
		opts.Queued = receipt.Queued
	}
	tracer.EndRouteSpan(span, opts, err)
	return receipt, err
}

// enqueue parks a message in its priority queue.
func (r *Router) enqueue(msg *Message) (*Receipt, error) {
	msg.Strategy = StrategyQueued

	r.mu.Lock()
	if r.closed.Load() {
		r.mu.Unlock()
		return nil, errors.Closed("router")
	}
	queue := r.queues[msg.Priority]
	if len(queue) >= r.config.QueueCapacity {
		r.mu.Unlock()
		return nil, errors.QueueFull("priority queue "+msg.Priority.String()+" at capacity",
			errors.WithMessageID(msg.ID))
	}
	r.queues[msg.Priority] = append(queue, msg)
	depth := len(queue) + 1
	r.mu.Unlock()

	msg.Status = StatusQueued
	r.countStrategy(StrategyQueued)
	wait := estimateWait(depth, r.config.DispatchRates[msg.Priority])
	r.logger.MessageQueued(msg.ID, msg.Priority.String(), depth)
	r.emit(events.TypeMessageQueued, Outcome{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Type:      msg.Type,
		Strategy:  StrategyQueued,
		Status:    StatusQueued,
		Priority:  msg.Priority,
	}, events.PriorityLow)

	return &Receipt{
		MessageID:     msg.ID,
		Strategy:      StrategyQueued,
		Queued:        true,
		EstimatedWait: wait,
	}, nil
}

// RegisterBroadcastType marks message types that fan out to every
// active agent instead of queueing.
func (r *Router) RegisterBroadcastType(types ...string) error {
	if r.closed.Load() {
		return errors.Closed("router")
	}
	for _, t := range types {
		if t == "" {
			return errors.Validation("broadcast type cannot be empty")
		}
	}

	r.mu.Lock()
	for _, t := range types {
		r.broadcasts[t] = struct{}{}
	}
	r.mu.Unlock()
	return nil
}

// IsBroadcast reports whether a message type is marked broadcast.
func (r *Router) IsBroadcast(messageType string) bool {
	r.mu.Lock()
	_, exists := r.broadcasts[messageType]
	r.mu.Unlock()
	return exists
}

// FailedMessages returns a snapshot of messages awaiting retry.
func (r *Router) FailedMessages() []*FailedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*FailedMessage, 0, len(r.failed))
	for _, fm := range r.failed {
		snapshot := *fm
		snapshot.Message = fm.Message.Clone()
		out = append(out, &snapshot)
	}
	return out
}

// Stats returns a snapshot of router activity.
func (r *Router) Stats() Stats {
	stats := Stats{
		Submitted:      r.submitted.Load(),
		Delivered:      r.delivered.Load(),
		Failed:         r.failedCount.Load(),
		Expired:        r.expired.Load(),
		Retried:        r.retried.Load(),
		RetrySucceeded: r.retrySucceeded.Load(),
		RetryExhausted: r.retryExhausted.Load(),
		AvgRouteTime:   time.Duration(r.avgRoute.Load()),
	}

	r.mu.Lock()
	for priority, queue := range r.queues {
		if len(queue) == 0 {
			continue
		}
		if stats.QueueDepths == nil {
			stats.QueueDepths = make(map[events.Priority]int)
		}
		stats.QueueDepths[priority] = len(queue)
	}
	stats.PendingRetries = len(r.failed)
	if len(r.byStrategy) > 0 {
		stats.ByStrategy = make(map[Strategy]int64, len(r.byStrategy))
		for s, n := range r.byStrategy {
			stats.ByStrategy[s] = n
		}
	}
	r.mu.Unlock()

	return stats
}

// Close stops the sweeps and discards queued and failed messages.
// Close is idempotent. The bus and limiter are closed only if the
// router created them.
func (r *Router) Close() error {
	if r.closed.Swap(true) {
		return nil
	}

	_ = r.sweeper.Stop()

	r.mu.Lock()
	r.queues = nil
	r.failed = nil
	r.mu.Unlock()

	if r.ownLimiter {
		_ = r.limiter.Close()
	}
	if r.ownBus {
		_ = r.bus.Close()
	}
	return nil
}
