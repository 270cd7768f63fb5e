package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket implements a token bucket for a single resource.
type bucket struct {
	capacity   int           // maximum tokens
	available  int           // current tokens
	window     time.Duration // refill window
	lastRefill time.Time     // last refill time
	inFlight   int           // requests in progress
}

// refill adds tokens based on elapsed time since the last refill, so a
// sender with capacity 60 per minute gains roughly one token per second
// instead of all sixty at the window boundary. lastRefill only advances
// when at least one whole token accrued; fractional progress is never
// discarded.
func (b *bucket) refill(now time.Time) {
	if b.window <= 0 || b.capacity <= 0 {
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}

	// rate = capacity / window
	tokensToAdd := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if tokensToAdd <= 0 {
		return
	}
	b.available += tokensToAdd
	if b.available > b.capacity {
		b.available = b.capacity
	}
	b.lastRefill = now
}

// nextTokenWait reports how long until one more token accrues, clamped
// so blocked acquirers neither spin nor oversleep past a release.
func (b *bucket) nextTokenWait(now time.Time) time.Duration {
	const (
		minWait = time.Millisecond
		maxWait = 50 * time.Millisecond
	)
	if b.capacity <= 0 || b.window <= 0 {
		return maxWait
	}
	perToken := b.window / time.Duration(b.capacity)
	wait := perToken - now.Sub(b.lastRefill)
	if wait < minWait {
		wait = minWait
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

// MemoryLimiter provides local rate limiting using token buckets.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
	nowFunc func() time.Time // for testing
}

// NewMemoryLimiter creates a new in-memory rate limiter. Resources
// must be introduced with SetCapacity before tokens can be acquired
// for them.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// SetCapacity configures the rate limit for a resource. A non-positive
// capacity or window removes the budget entirely, which makes the
// resource unknown again.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if capacity <= 0 || window <= 0 {
		delete(m.buckets, resource)
		return
	}

	now := m.nowFunc()
	if b, exists := m.buckets[resource]; exists {
		// Keep refill progress and in-flight accounting across
		// capacity changes.
		b.refill(now)
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
	} else {
		m.buckets[resource] = &bucket{
			capacity:   capacity,
			available:  capacity, // start full
			window:     window,
			lastRefill: now,
		}
	}
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[resource]
	if !exists {
		return nil
	}

	b.refill(m.nowFunc())

	return &Capacity{
		Resource:  resource,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
		InFlight:  b.inFlight,
	}
}

// Acquire blocks until a token is available for the resource.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}

		b, exists := m.buckets[resource]
		if !exists {
			m.mu.Unlock()
			return ErrResourceUnknown
		}

		now := m.nowFunc()
		b.refill(now)
		if b.available > 0 {
			b.available--
			b.inFlight++
			m.mu.Unlock()
			return nil
		}

		wait := b.nextTokenWait(now)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case <-time.After(wait):
		}
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	b, exists := m.buckets[resource]
	if !exists {
		return false
	}

	b.refill(m.nowFunc())

	if b.available > 0 {
		b.available--
		b.inFlight++
		return true
	}

	return false
}

// Release returns a token to the resource bucket. This allows
// semaphore-style reuse without waiting for the time-based refill.
// Releasing an unknown resource or a bucket already at capacity is a
// no-op.
func (m *MemoryLimiter) Release(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	b, exists := m.buckets[resource]
	if !exists {
		return
	}

	if b.inFlight > 0 {
		b.inFlight--
	}
	if b.available < b.capacity {
		b.available++
	}
}

// AnnounceReduced cuts the resource capacity by a quarter, down to a
// floor of one token. The memory limiter has no peers to notify, so
// the reason is only meaningful to callers that log it themselves.
func (m *MemoryLimiter) AnnounceReduced(resource string, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	b, exists := m.buckets[resource]
	if !exists {
		return
	}

	newCapacity := (b.capacity * 3) / 4
	if newCapacity < 1 {
		newCapacity = 1
	}
	b.capacity = newCapacity
	if b.available > newCapacity {
		b.available = newCapacity
	}
}

// adjustCapacity changes a bucket's total without resetting its refill
// state. Distributed limiters use it to apply gossip reductions and
// recovery steps on top of the locally configured budget.
func (m *MemoryLimiter) adjustCapacity(resource string, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || capacity < 1 {
		return
	}

	b, exists := m.buckets[resource]
	if !exists {
		return
	}
	b.capacity = capacity
	if b.available > capacity {
		b.available = capacity
	}
}

// Close shuts down the limiter. Blocked Acquire calls return ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.closed = true
	close(m.done)
	m.buckets = nil

	return nil
}

// Ensure MemoryLimiter implements RateLimiter.
var _ RateLimiter = (*MemoryLimiter)(nil)
