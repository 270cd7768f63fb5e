// Package ratelimit provides send budgets for message and event traffic.
//
// The router acquires against a sender's budget before routing each
// message, and the event bus against an event type's budget before
// fan-out. Budgets are token buckets that refill continuously, so a
// sender with 60 tokens per minute regains roughly one per second
// rather than all sixty at the window boundary.
//
// # Resource Keys
//
// Resources are plain strings. Two helpers build the conventional keys:
//
//	ratelimit.SenderKey("planner-1")        // "sender:planner-1"
//	ratelimit.EventTypeKey("task.created")  // "events:task.created"
//
// # Local Rate Limiting
//
// The MemoryLimiter provides per-process limiting using token buckets:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity(ratelimit.SenderKey("planner-1"), 60, time.Minute)
//
//	// Block until a token is available
//	if err := limiter.Acquire(ctx, ratelimit.SenderKey("planner-1")); err != nil {
//	    return err // context cancelled or limiter closed
//	}
//	defer limiter.Release(ratelimit.SenderKey("planner-1"))
//
//	// Non-blocking attempt
//	if limiter.TryAcquire(ratelimit.SenderKey("planner-1")) {
//	    defer limiter.Release(ratelimit.SenderKey("planner-1"))
//	    // Route the message
//	}
//
// # Distributed Rate Limiting
//
// The DistributedLimiter coordinates budgets across relay nodes over
// NATS. When any node announces a reduction, every node shrinks its
// budget for that resource:
//
//	limiter, err := ratelimit.NewDistributedLimiter(conn, ratelimit.DistributedConfig{
//	    NodeID: "relay-1",
//	})
//	limiter.SetCapacity("events:task.created", 100, time.Minute)
//
//	// Announce reduced capacity after a recipient reports overload
//	limiter.AnnounceReduced("events:task.created", "subscriber backlog")
//
// Reduced budgets recover gradually. Every RecoveryInterval the limiter
// grows a reduced budget by RecoveryFactor until it reaches the
// originally configured capacity.
//
// # Semaphore Use
//
// Release returns a token immediately instead of waiting for the
// time-based refill, which turns a budget into a concurrency cap:
// set capacity to the maximum in-flight sends and pair every Acquire
// with a Release when the delivery finishes.
package ratelimit
