package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vinayprograms/agentrelay/errors"
	"github.com/vinayprograms/agentrelay/events"
)

// routeResult classifies one pass of strategy selection for a message
// coming off a queue or the retry ledger.
type routeResult int

const (
	// routeDelivered means the message reached an agent.
	routeDelivered routeResult = iota

	// routeTransient means this pass failed but a later one may
	// succeed.
	routeTransient

	// routeTerminal means the message expired or failed permanently
	// and the outcome has been announced.
	routeTerminal
)

// dequeue drains the priority queues most urgent first. Each priority
// is paced by its dispatch rate; a priority out of tokens yields to
// the next without blocking the sweep.
func (r *Router) dequeue() {
	if r.closed.Load() {
		return
	}
	ctx := context.Background()
	for _, priority := range events.OrderedPriorities() {
		rate := r.config.DispatchRates[priority]
		for r.queueDepth(priority) > 0 {
			if rate > 0 && !r.limiter.TryAcquire(dispatchKey(priority)) {
				break
			}
			msg := r.pop(priority)
			if msg == nil {
				break
			}
			if res, reason := r.route(ctx, msg); res == routeTransient {
				r.recordFailure(msg, reason)
			}
		}
	}
}

func (r *Router) queueDepth(priority events.Priority) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[priority])
}

func (r *Router) pop(priority events.Priority) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.queues[priority]
	if len(queue) == 0 {
		return nil
	}
	msg := queue[0]
	r.queues[priority] = queue[1:]
	return msg
}

// route re-runs strategy selection for a queued or retried message:
// named recipient first, then capability match, then broadcast
// fan-out. A message with no routable target fails permanently. The
// message keeps the strategy it entered the router with.
func (r *Router) route(ctx context.Context, msg *Message) (routeResult, string) {
	if msg.Expired(time.Now()) {
		r.expire(msg)
		return routeTerminal, ""
	}

	if msg.Recipient != "" {
		rec, err := r.config.Registry.Get(msg.Recipient)
		if err != nil {
			r.failTerminal(msg, errors.UnknownRecipient(msg.Recipient, errors.WithMessageID(msg.ID)))
			return routeTerminal, ""
		}
		if !rec.IsActive() || rec.Handle == nil {
			return routeTransient, errors.AgentOffline(rec.ID).Error()
		}
		out := r.deliverTo(ctx, msg, rec)
		if out.OK() {
			r.markDelivered(msg, rec.ID, out.Duration)
			return routeDelivered, ""
		}
		r.logger.MessageFailed(msg.ID, rec.ID, errors.DeliveryFailed(rec.ID, out.Error))
		return routeTransient, out.Error
	}

	if len(msg.Requires) > 0 {
		candidates, err := r.config.Registry.FindByCapabilities(msg.Requires...)
		if err != nil {
			return routeTransient, err.Error()
		}
		if len(candidates) == 0 {
			return routeTransient, errors.UnknownCapability(capsString(msg.Requires)).Error()
		}
		outcomes, deliveredTo, werr := r.walkCandidates(ctx, msg, candidates)
		if werr != nil {
			return routeTerminal, ""
		}
		if deliveredTo != "" {
			return routeDelivered, ""
		}
		return routeTransient, lastError(outcomes)
	}

	if r.IsBroadcast(msg.Type) {
		outcomes, err := r.broadcastFanOut(ctx, msg)
		if err != nil {
			return routeTransient, err.Error()
		}
		var delivered, failed int
		for _, out := range outcomes {
			if out.OK() {
				delivered++
			} else {
				failed++
			}
		}
		r.finishBroadcast(msg, delivered, failed)
		if msg.Status == StatusDelivered {
			return routeDelivered, ""
		}
		return routeTerminal, ""
	}

	r.failTerminal(msg, errors.New(errors.ErrCodeUnknownRecipient,
		"message has no routable target", errors.WithMessageID(msg.ID)))
	return routeTerminal, ""
}

// retryFailed re-routes messages whose backoff has elapsed. A message
// leaves the ledger on delivery, on a terminal outcome, or when its
// retry budget is spent. Due messages are claimed off the ledger
// before the attempt and reinserted only if another retry remains.
func (r *Router) retryFailed() {
	if r.closed.Load() {
		return
	}
	now := time.Now()

	r.mu.Lock()
	var due []*FailedMessage
	for id, fm := range r.failed {
		if !fm.NextAttempt.After(now) {
			due = append(due, fm)
			delete(r.failed, id)
		}
	}
	r.mu.Unlock()
	if len(due) == 0 {
		return
	}

	ctx := context.Background()
	for _, fm := range due {
		msg := fm.Message
		if msg.Expired(time.Now()) {
			r.expire(msg)
			continue
		}
		msg.Status = StatusRetrying
		r.retried.Add(1)

		res, reason := r.route(ctx, msg)
		switch res {
		case routeDelivered:
			r.retrySucceeded.Add(1)
		case routeTerminal:
			// Outcome already announced.
		case routeTransient:
			fm.Retries++
			fm.LastError = reason
			fm.FailedAt = time.Now()
			if fm.Retries >= r.config.MaxRetries {
				r.retryExhausted.Add(1)
				r.logger.RetryExhausted(msg.ID, msg.Attempts)
				r.failTerminal(msg, errors.RetryExhausted(msg.ID, msg.Attempts))
				continue
			}
			msg.Status = StatusFailed
			delay := r.config.RetryBaseDelay * time.Duration(fm.Retries+1)
			fm.NextAttempt = time.Now().Add(delay)
			r.reinsert(fm)
			r.logger.RetryScheduled(msg.ID, fm.Retries, delay)
			r.emit(events.TypeMessageFailed, Outcome{
				MessageID: msg.ID,
				Sender:    msg.Sender,
				Recipient: msg.Recipient,
				Type:      msg.Type,
				Strategy:  msg.Strategy,
				Status:    StatusFailed,
				Priority:  msg.Priority,
				Error:     reason,
				Attempts:  msg.Attempts,
			}, events.PriorityHigh)
		}
	}
}

func (r *Router) reinsert(fm *FailedMessage) {
	r.mu.Lock()
	if r.failed != nil {
		r.failed[fm.Message.ID] = fm
	}
	r.mu.Unlock()
}

// publishStats emits a router.stats snapshot on the bus.
func (r *Router) publishStats() {
	if r.closed.Load() {
		return
	}
	stats := r.Stats()
	payload, err := json.Marshal(stats)
	if err != nil {
		r.logger.Error("encode stats", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := r.bus.Publish(events.TypeRouterStats, payload, events.PublishOptions{
		Priority: events.PriorityLow,
		Source:   "router",
	}); err != nil {
		r.logger.Debug("publish stats", map[string]interface{}{"error": err.Error()})
	}
}
