// Package events provides a typed publish/subscribe event bus for
// agent coordination.
//
// # Overview
//
// The Bus fans typed events out to subscribers. Event types are plain
// strings like "task.created"; the bus seeds a set of builtin types
// for its own lifecycle events and learns new types on first publish
// or through RegisterTypes. Subscribers name the types they want, or
// the Wildcard to receive everything, including types that appear
// after they attach.
//
// # Subscribing
//
// Each subscriber ID holds one subscription. Events arrive on a
// channel in batches; without batching, each batch holds one event:
//
//	sub, _ := bus.Subscribe("observer", events.SubscribeOptions{
//	    Types: []events.Type{events.Wildcard},
//	})
//	for batch := range sub.Events() {
//	    for _, ev := range batch {
//	        // Handle event
//	    }
//	}
//
// Delivery never blocks a publisher. A subscriber that stops draining
// its channel loses events once its buffer fills; the drops are
// counted on the subscription.
//
// # Filtering
//
// Subscriptions narrow delivery three ways, applied in order: the
// type set, a priority allow-list, and a predicate over the full
// event. A predicate that returns an error or panics fails open so a
// broken filter cannot silently starve its subscriber:
//
//	sub, _ := bus.Subscribe("auditor", events.SubscribeOptions{
//	    Types:      []events.Type{"task.failed"},
//	    Priorities: []events.Priority{events.PriorityHigh, events.PriorityCritical},
//	    Filter: func(ev *events.Event) (bool, error) {
//	        return ev.Meta["team"] == "core", nil
//	    },
//	})
//
// # Batching and Deferred Publish
//
// A subscription with BatchSize > 1 accumulates events and receives
// them in groups; partial batches go out on the flush sweep. On the
// publish side, PublishOptions.Batch defers fan-out to the same
// sweep, draining the most urgent priority first.
//
// # Replay
//
// The bus keeps a bounded replay ring. Subscribing with Replay walks
// that ring through the subscription's filters, so a late-joining
// agent picks up recent history before live events. Replayed events
// are paced and counted separately from live deliveries.
//
// # Remote Subscribers
//
// A Remote subscription has no channel. Batches are encoded as JSON
// and pushed through the configured delivery channel to the handle
// registered for the subscriber's ID, so off-process agents receive
// events over the same transport as directed messages.
package events
