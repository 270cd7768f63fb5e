package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DistributedConfig configures a distributed rate limiter.
type DistributedConfig struct {
	// NodeID identifies this relay node in capacity gossip.
	// Generated if empty.
	NodeID string

	// ReduceFactor is the multiplier when reducing capacity (0-1).
	// Default: 0.5 (reduce by 50%)
	ReduceFactor float64

	// RecoveryInterval is how often to attempt capacity recovery.
	// Default: 30 seconds
	RecoveryInterval time.Duration

	// RecoveryFactor is the multiplier when recovering capacity (>1).
	// Default: 1.1 (increase by 10%)
	RecoveryFactor float64

	// MaxRecovery caps recovery at original capacity.
	// Default: true
	MaxRecovery bool
}

// DefaultDistributedConfig returns configuration with sensible defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
		MaxRecovery:      true,
	}
}

// DistributedLimiter coordinates rate limits across relay nodes over
// NATS. When any node announces a reduction, every node running against
// the same server shrinks its budget for that resource, then gradually
// grows it back toward the originally configured capacity.
type DistributedLimiter struct {
	config DistributedConfig

	// local is the underlying memory limiter.
	local *MemoryLimiter

	// originals remembers configured capacities so recovery knows
	// where to stop. lastReduction drives the recovery schedule.
	mu                 sync.Mutex
	originals          map[string]int
	lastReduction      map[string]time.Time
	onCapacityCallback OnCapacityChange

	conn   *nats.Conn
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributedLimiter creates a rate limiter that gossips capacity
// changes over the given NATS connection. The connection is not owned;
// closing the limiter leaves it open.
func NewDistributedLimiter(conn *nats.Conn, config DistributedConfig) (*DistributedLimiter, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: nil connection", ErrInvalidConfig)
	}

	// Apply defaults
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}
	if config.ReduceFactor <= 0 || config.ReduceFactor >= 1 {
		config.ReduceFactor = DefaultDistributedConfig().ReduceFactor
	}
	if config.RecoveryInterval <= 0 {
		config.RecoveryInterval = DefaultDistributedConfig().RecoveryInterval
	}
	if config.RecoveryFactor <= 1 {
		config.RecoveryFactor = DefaultDistributedConfig().RecoveryFactor
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &DistributedLimiter{
		config:        config,
		local:         NewMemoryLimiter(),
		originals:     make(map[string]int),
		lastReduction: make(map[string]time.Time),
		conn:          conn,
		ctx:           ctx,
		cancel:        cancel,
	}

	sub, err := conn.Subscribe(CapacitySubject, d.handleUpdate)
	if err != nil {
		cancel()
		_ = d.local.Close()
		return nil, fmt.Errorf("subscribe to capacity updates: %w", err)
	}
	d.sub = sub

	d.wg.Add(1)
	go d.recoveryLoop()

	return d, nil
}

// handleUpdate processes a capacity update gossiped by another node.
func (d *DistributedLimiter) handleUpdate(msg *nats.Msg) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return // Ignore malformed messages
	}

	// Our own announcements echo back through the subject.
	if update.NodeID == d.config.NodeID {
		return
	}

	d.mu.Lock()
	original, exists := d.originals[update.Resource]
	applied := exists && update.NewCapacity >= 1 && update.NewCapacity < original
	if applied {
		d.local.adjustCapacity(update.Resource, update.NewCapacity)
		d.lastReduction[update.Resource] = time.Now()
	}
	callback := d.onCapacityCallback
	d.mu.Unlock()

	if applied && callback != nil {
		callback(&update)
	}
}

// recoveryLoop periodically attempts to recover reduced capacity.
func (d *DistributedLimiter) recoveryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.attemptRecovery()
		}
	}
}

// attemptRecovery gradually restores reduced capacity toward the
// originally configured budget.
func (d *DistributedLimiter) attemptRecovery() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()

	for resource, lastReduce := range d.lastReduction {
		// Wait at least one recovery interval after the last reduction.
		if now.Sub(lastReduce) < d.config.RecoveryInterval {
			continue
		}

		original, exists := d.originals[resource]
		if !exists {
			delete(d.lastReduction, resource)
			continue
		}

		info := d.local.GetCapacity(resource)
		if info == nil {
			delete(d.lastReduction, resource)
			continue
		}

		// Grow by the recovery factor, always by at least one token
		// so small budgets do not stall below the original.
		newCapacity := int(float64(info.Total) * d.config.RecoveryFactor)
		if newCapacity <= info.Total {
			newCapacity = info.Total + 1
		}
		if d.config.MaxRecovery && newCapacity > original {
			newCapacity = original
		}

		if newCapacity > info.Total {
			d.local.adjustCapacity(resource, newCapacity)
		}

		// Fully recovered, stop tracking.
		if newCapacity >= original {
			delete(d.lastReduction, resource)
		}
	}
}

// SetCapacity configures the rate limit for a resource. The given
// capacity becomes the recovery target after reductions.
func (d *DistributedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	d.mu.Lock()
	if capacity <= 0 || window <= 0 {
		delete(d.originals, resource)
		delete(d.lastReduction, resource)
	} else {
		d.originals[resource] = capacity
	}
	d.mu.Unlock()

	d.local.SetCapacity(resource, capacity, window)
}

// GetCapacity returns the current capacity info for a resource.
func (d *DistributedLimiter) GetCapacity(resource string) *Capacity {
	return d.local.GetCapacity(resource)
}

// Acquire blocks until a token is available for the resource.
func (d *DistributedLimiter) Acquire(ctx context.Context, resource string) error {
	return d.local.Acquire(ctx, resource)
}

// TryAcquire attempts to acquire a token without blocking.
func (d *DistributedLimiter) TryAcquire(resource string) bool {
	return d.local.TryAcquire(resource)
}

// Release returns a token to the resource bucket.
func (d *DistributedLimiter) Release(resource string) {
	d.local.Release(resource)
}

// AnnounceReduced halves the local budget and gossips the reduction so
// other relay nodes back off the same resource.
func (d *DistributedLimiter) AnnounceReduced(resource string, reason string) {
	d.mu.Lock()
	if _, exists := d.originals[resource]; !exists {
		d.mu.Unlock()
		return
	}

	info := d.local.GetCapacity(resource)
	if info == nil {
		d.mu.Unlock()
		return
	}

	newCapacity := int(float64(info.Total) * d.config.ReduceFactor)
	if newCapacity < 1 {
		newCapacity = 1
	}

	d.local.adjustCapacity(resource, newCapacity)
	d.lastReduction[resource] = time.Now()
	d.mu.Unlock()

	update := CapacityUpdate{
		Resource:    resource,
		NodeID:      d.config.NodeID,
		NewCapacity: newCapacity,
		Reason:      reason,
		Timestamp:   time.Now(),
	}

	data, err := json.Marshal(update)
	if err != nil {
		return
	}

	// Best effort. A node that misses the gossip backs off on its own
	// the next time the overloaded recipient pushes back on it.
	_ = d.conn.Publish(CapacitySubject, data)
}

// OnCapacityChange sets a callback invoked when a peer's reduction is
// applied locally.
func (d *DistributedLimiter) OnCapacityChange(cb OnCapacityChange) {
	d.mu.Lock()
	d.onCapacityCallback = cb
	d.mu.Unlock()
}

// Close shuts down the limiter. The NATS connection stays open.
func (d *DistributedLimiter) Close() error {
	d.cancel()

	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}

	// Wait for the recovery goroutine with a timeout.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return d.local.Close()
}

// Ensure DistributedLimiter implements RateLimiter.
var _ RateLimiter = (*DistributedLimiter)(nil)
