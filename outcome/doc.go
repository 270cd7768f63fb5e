// Package outcome tracks message delivery results over the event bus.
//
// # Overview
//
// Submit returns once a message's routing decision is made; queued and
// retried messages settle later, announced only through lifecycle
// events. The Tracker subscribes to those events (message.routed,
// message.queued, message.failed, message.expired), folds them into
// one report per message, and lets callers block on or stream the
// result instead of wiring their own subscription.
//
// # Awaiting
//
// Wait is the strong-guarantee path: submit, then block until the
// message settles.
//
//	tracker, err := outcome.New(outcome.Config{Bus: bus})
//	if err != nil {
//	    return err
//	}
//	defer tracker.Close()
//
//	receipt, err := r.Submit(ctx, sub)
//	if err != nil {
//	    return err
//	}
//	report, err := tracker.Wait(ctx, receipt.MessageID)
//	if err != nil {
//	    return err
//	}
//	if report.Status != router.StatusDelivered {
//	    return fmt.Errorf("message %s: %s (%s)", report.MessageID, report.Status, report.Error)
//	}
//
// # Watching
//
// Watch streams every report change for a message, closing the channel
// after the terminal report. Useful for progress display across retry
// rounds.
//
//	ch, err := tracker.Watch(receipt.MessageID)
//	if err != nil {
//	    return err
//	}
//	for report := range ch {
//	    log.Printf("%s: %s", report.MessageID, report.Status)
//	}
//
// Retention is bounded by Config.Capacity; the oldest report is
// evicted first. The tracker is a convenience view, not a store of
// record. The bus replay buffer keeps the raw events.
package outcome
