package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vinayprograms/agentrelay/errors"
	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/ratelimit"
	"github.com/vinayprograms/agentrelay/registry"
	"github.com/vinayprograms/agentrelay/telemetry"
)

// dispatch picks the routing strategy for a validated message. Named
// recipients win, then capability requirements, then broadcast types;
// everything else parks in a priority queue.
func (r *Router) dispatch(ctx context.Context, msg *Message, recipient *registry.AgentRecord) (*Receipt, error) {
	switch {
	case recipient != nil && recipient.IsActive() && recipient.Handle != nil:
		return r.submitDirect(ctx, msg, recipient)
	case recipient != nil:
		// Registered but inactive or unreachable: hold for the sweep.
		return r.enqueue(msg)
	case len(msg.Requires) > 0:
		return r.submitCapability(ctx, msg)
	case r.IsBroadcast(msg.Type):
		return r.submitBroadcast(ctx, msg)
	default:
		return r.enqueue(msg)
	}
}

// submitDirect attempts the named recipient once within the submit
// call. A failed attempt parks the message for the retry sweep; the
// receipt still reports the attempt.
func (r *Router) submitDirect(ctx context.Context, msg *Message, rec *registry.AgentRecord) (*Receipt, error) {
	msg.Strategy = StrategyDirect
	r.countStrategy(StrategyDirect)

	receipt := &Receipt{MessageID: msg.ID, Strategy: StrategyDirect}
	if msg.Expired(time.Now()) {
		r.expire(msg)
		return receipt, errors.Expired(msg.ID)
	}

	out := r.deliverTo(ctx, msg, rec)
	receipt.Outcomes = []RecipientOutcome{out}
	if out.OK() {
		receipt.Delivered = 1
		r.markDelivered(msg, rec.ID, out.Duration)
		return receipt, nil
	}

	receipt.Failed = 1
	r.logger.MessageFailed(msg.ID, rec.ID, errors.DeliveryFailed(rec.ID, out.Error))
	r.recordFailure(msg, out.Error)
	return receipt, nil
}

// submitCapability matches the message's requirements against active
// agents and walks the candidates least loaded first. No qualifying
// agent at all is a synchronous error; qualifying agents that all
// refuse park the message for retry.
func (r *Router) submitCapability(ctx context.Context, msg *Message) (*Receipt, error) {
	msg.Strategy = StrategyCapability
	r.countStrategy(StrategyCapability)

	candidates, err := r.config.Registry.FindByCapabilities(msg.Requires...)
	if err != nil {
		return nil, errors.Wrap(err, "capability lookup", errors.WithMessageID(msg.ID))
	}
	if len(candidates) == 0 {
		return nil, errors.UnknownCapability(capsString(msg.Requires), errors.WithMessageID(msg.ID))
	}

	receipt := &Receipt{MessageID: msg.ID, Strategy: StrategyCapability}
	outcomes, deliveredTo, err := r.walkCandidates(ctx, msg, candidates)
	receipt.Outcomes = outcomes
	if err != nil {
		return receipt, err
	}
	if deliveredTo != "" {
		receipt.Delivered = 1
		receipt.Failed = len(outcomes) - 1
		return receipt, nil
	}

	receipt.Failed = len(outcomes)
	r.recordFailure(msg, lastError(outcomes))
	return receipt, nil
}

// walkCandidates tries load-ranked candidates best first until one
// accepts. Returns the accepting agent's ID, or "" when every
// reachable candidate refused. The TTL is rechecked before each
// attempt; an expiry mid-walk returns the announcement as an error.
func (r *Router) walkCandidates(ctx context.Context, msg *Message, candidates []registry.AgentRecord) ([]RecipientOutcome, string, error) {
	var outcomes []RecipientOutcome
	for i := range candidates {
		rec := &candidates[i]
		if rec.Handle == nil {
			continue
		}
		if msg.Expired(time.Now()) {
			r.expire(msg)
			return outcomes, "", errors.Expired(msg.ID)
		}
		out := r.deliverTo(ctx, msg, rec)
		outcomes = append(outcomes, out)
		if out.OK() {
			r.markDelivered(msg, rec.ID, out.Duration)
			return outcomes, rec.ID, nil
		}
		r.logger.MessageFailed(msg.ID, rec.ID, errors.DeliveryFailed(rec.ID, out.Error))
	}
	return outcomes, "", nil
}

// submitBroadcast fans one copy out to every active agent except the
// sender and waits for the round to settle. Per-recipient failures
// are aggregated on the receipt, never raised as errors.
func (r *Router) submitBroadcast(ctx context.Context, msg *Message) (*Receipt, error) {
	msg.Strategy = StrategyBroadcast
	r.countStrategy(StrategyBroadcast)

	receipt := &Receipt{MessageID: msg.ID, Strategy: StrategyBroadcast}
	if msg.Expired(time.Now()) {
		r.expire(msg)
		return receipt, errors.Expired(msg.ID)
	}

	outcomes, err := r.broadcastFanOut(ctx, msg)
	if err != nil {
		return nil, err
	}
	receipt.Outcomes = outcomes
	for _, out := range outcomes {
		if out.OK() {
			receipt.Delivered++
		} else {
			receipt.Failed++
			r.logger.MessageFailed(msg.ID, out.AgentID, errors.DeliveryFailed(out.AgentID, out.Error))
		}
	}
	r.finishBroadcast(msg, receipt.Delivered, receipt.Failed)
	return receipt, nil
}

// broadcastFanOut delivers one encoded copy to every active agent
// except the sender, in parallel, and collects per-recipient
// outcomes.
func (r *Router) broadcastFanOut(ctx context.Context, msg *Message) ([]RecipientOutcome, error) {
	targets, err := r.config.Registry.FindByCapabilities()
	if err != nil {
		return nil, errors.Wrap(err, "broadcast target lookup", errors.WithMessageID(msg.ID))
	}

	msg.Attempts++
	payload, err := msg.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "encode message", errors.WithMessageID(msg.ID))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []RecipientOutcome
	)
	for i := range targets {
		rec := targets[i]
		if rec.ID == msg.Sender || rec.Handle == nil {
			continue
		}
		wg.Add(1)
		go func(rec registry.AgentRecord) {
			defer wg.Done()
			out := r.attempt(ctx, &rec, payload)
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
		}(rec)
	}
	wg.Wait()
	return outcomes, nil
}

// finishBroadcast settles a broadcast round. At least one delivery,
// or nobody to reach, completes the message; a round where every
// target refused is a permanent failure. Broadcast rounds are never
// retried.
func (r *Router) finishBroadcast(msg *Message, delivered, failed int) {
	r.logger.BroadcastComplete(msg.ID, delivered, failed)

	if failed > 0 && delivered == 0 {
		msg.Status = StatusPermanentlyFailed
		r.failedCount.Add(1)
		r.emit(events.TypeMessageFailed, Outcome{
			MessageID: msg.ID,
			Sender:    msg.Sender,
			Type:      msg.Type,
			Strategy:  msg.Strategy,
			Status:    StatusPermanentlyFailed,
			Priority:  msg.Priority,
			Error:     "broadcast reached no agent",
			Attempts:  msg.Attempts,
			Failed:    failed,
		}, events.PriorityHigh)
		return
	}

	msg.Status = StatusDelivered
	r.delivered.Add(1)
	r.recordRouteTime(time.Since(msg.CreatedAt))
	r.emit(events.TypeMessageRouted, Outcome{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Type:      msg.Type,
		Strategy:  msg.Strategy,
		Status:    StatusDelivered,
		Priority:  msg.Priority,
		Attempts:  msg.Attempts,
		Delivered: delivered,
		Failed:    failed,
	}, events.PriorityNormal)
}

// deliverTo bumps the attempt counter, encodes the message, and tries
// one recipient.
func (r *Router) deliverTo(ctx context.Context, msg *Message, rec *registry.AgentRecord) RecipientOutcome {
	msg.Attempts++
	payload, err := msg.Marshal()
	if err != nil {
		return RecipientOutcome{AgentID: rec.ID, Error: "encode message: " + err.Error()}
	}
	return r.attempt(ctx, rec, payload)
}

// attempt moves an encoded payload through the delivery channel,
// bounded by the configured timeout. A delivered attempt feeds the
// recipient's load state.
func (r *Router) attempt(ctx context.Context, rec *registry.AgentRecord, payload []byte) RecipientOutcome {
	out := RecipientOutcome{AgentID: rec.ID}
	if rec.Handle == nil {
		out.Error = "agent has no delivery handle"
		return out
	}

	dctx, cancel := context.WithTimeout(ctx, r.config.DeliverTimeout)
	defer cancel()

	tracer := telemetry.GetTracer()
	dctx, span := tracer.StartDeliverSpan(dctx, rec.ID)
	start := time.Now()
	err := r.config.Channel.Deliver(dctx, *rec.Handle, payload)
	out.Duration = time.Since(start)
	tracer.EndDeliverSpan(span, telemetry.DeliverSpanOptions{
		AgentID: rec.ID,
		Kind:    string(rec.Handle.Kind),
		Bytes:   len(payload),
	}, err)

	if err != nil {
		out.Error = err.Error()
		return out
	}
	_ = r.config.Registry.UpdateLoad(rec.ID, out.Duration)
	return out
}

// markDelivered settles a message as delivered and announces it.
func (r *Router) markDelivered(msg *Message, agentID string, duration time.Duration) {
	msg.Status = StatusDelivered
	r.delivered.Add(1)
	r.recordRouteTime(time.Since(msg.CreatedAt))
	r.logger.MessageRouted(msg.ID, string(msg.Strategy), agentID, duration)
	r.emit(events.TypeMessageRouted, Outcome{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: agentID,
		Type:      msg.Type,
		Strategy:  msg.Strategy,
		Status:    StatusDelivered,
		Priority:  msg.Priority,
		Attempts:  msg.Attempts,
		Delivered: 1,
		Duration:  duration,
	}, events.PriorityNormal)
}

// recordFailure parks a message on the retry ledger and announces the
// failure. The first retry waits one base delay; each later failure
// pushes the next attempt further out.
func (r *Router) recordFailure(msg *Message, reason string) {
	if reason == "" {
		reason = "no reachable candidates"
	}
	now := time.Now()
	msg.Status = StatusFailed
	r.failedCount.Add(1)

	r.mu.Lock()
	if r.failed != nil {
		r.failed[msg.ID] = &FailedMessage{
			Message:     msg,
			LastError:   reason,
			FailedAt:    now,
			NextAttempt: now.Add(r.config.RetryBaseDelay),
		}
	}
	r.mu.Unlock()

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

// failTerminal settles a message as permanently failed.
func (r *Router) failTerminal(msg *Message, cause error) {
	msg.Status = StatusPermanentlyFailed
	r.failedCount.Add(1)
	r.logger.MessageFailed(msg.ID, msg.Recipient, cause)
	r.emit(events.TypeMessageFailed, Outcome{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Type:      msg.Type,
		Strategy:  msg.Strategy,
		Status:    StatusPermanentlyFailed,
		Priority:  msg.Priority,
		Error:     cause.Error(),
		Attempts:  msg.Attempts,
	}, events.PriorityHigh)
}

// expire settles a message whose TTL has elapsed.
func (r *Router) expire(msg *Message) {
	msg.Status = StatusExpired
	r.expired.Add(1)
	r.logger.MessageExpired(msg.ID, time.Since(msg.CreatedAt))
	r.emit(events.TypeMessageExpired, Outcome{
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Type:      msg.Type,
		Strategy:  msg.Strategy,
		Status:    StatusExpired,
		Priority:  msg.Priority,
		Attempts:  msg.Attempts,
	}, events.PriorityNormal)
}

// emit publishes a message lifecycle event. Emission failures are
// logged, never propagated.
func (r *Router) emit(eventType events.Type, outcome Outcome, priority events.Priority) {
	payload, err := json.Marshal(outcome)
	if err != nil {
		r.logger.Error("encode outcome", map[string]interface{}{
			"message_id": outcome.MessageID,
			"error":      err.Error(),
		})
		return
	}

	tracer := telemetry.GetTracer()
	_, span := tracer.StartPublishSpan(context.Background(), eventType.String())
	ev, perr := r.bus.Publish(eventType, payload, events.PublishOptions{
		Priority: priority,
		Source:   "router",
	})
	opts := telemetry.PublishSpanOptions{
		MessageID: outcome.MessageID,
		Status:    string(outcome.Status),
		Priority:  priority.String(),
	}
	if ev != nil {
		opts.EventID = ev.ID
	}
	tracer.EndPublishSpan(span, opts, perr)

	if perr != nil {
		r.logger.Debug("publish lifecycle event", map[string]interface{}{
			"event":      eventType.String(),
			"message_id": outcome.MessageID,
			"error":      perr.Error(),
		})
	}
}

// countStrategy tallies one routing decision.
func (r *Router) countStrategy(s Strategy) {
	r.mu.Lock()
	r.byStrategy[s]++
	r.mu.Unlock()
}

// recordRouteTime folds one end-to-end delivery time into the rolling
// average behind AvgRouteTime.
func (r *Router) recordRouteTime(sample time.Duration) {
	r.timeMu.Lock()
	r.routeTimes = append(r.routeTimes, sample)
	if len(r.routeTimes) > routeTimeWindow {
		r.routeTimes = r.routeTimes[len(r.routeTimes)-routeTimeWindow:]
	}
	var total time.Duration
	for _, s := range r.routeTimes {
		total += s
	}
	avg := total / time.Duration(len(r.routeTimes))
	r.timeMu.Unlock()
	r.avgRoute.Store(int64(avg))
}

// senderOverBudget consumes a token from the sender's send budget, if
// one is configured on the limiter.
func (r *Router) senderOverBudget(sender string) bool {
	key := ratelimit.SenderKey(sender)
	if r.limiter.GetCapacity(key) == nil {
		return false
	}
	return !r.limiter.TryAcquire(key)
}

// dispatchKey names the limiter bucket pacing one priority's dequeue.
func dispatchKey(p events.Priority) string {
	return "dispatch:" + p.String()
}

// estimateWait converts a queue position into a wait guess at the
// priority's drain rate.
func estimateWait(depth, rate int) time.Duration {
	if rate <= 0 || depth <= 0 {
		return 0
	}
	return time.Duration(depth) * time.Second / time.Duration(rate)
}

// lastError reports the most recent failure in a candidate walk.
func lastError(outcomes []RecipientOutcome) string {
	for i := len(outcomes) - 1; i >= 0; i-- {
		if !outcomes[i].OK() {
			return outcomes[i].Error
		}
	}
	return ""
}
