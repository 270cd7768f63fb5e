// Package router moves addressed messages between agents.
//
// # Overview
//
// A Router accepts submissions, picks a routing strategy per message,
// and reports what happened in a receipt. Four strategies cover the
// addressing modes:
//
//   - direct: the submission names a recipient and that agent is
//     active with a delivery handle. The message goes out inline.
//   - capability: the submission lists required capabilities. Active
//     agents providing every one of them are ranked by load score and
//     tried in order until one accepts.
//   - broadcast: the message type was registered as broadcast. The
//     message fans out to every active agent except the sender, and
//     per-agent failures are aggregated rather than raised.
//   - queued: everything else, including messages for agents that are
//     registered but inactive. The message waits in a priority queue
//     for the dequeue sweep.
//
// # Submitting
//
//	r, err := router.New(router.Config{
//	    Registry: reg,
//	    Channel:  channel,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//
//	receipt, err := r.Submit(ctx, router.Submission{
//	    Sender:    "planner",
//	    Recipient: "builder",
//	    Type:      "task.assign",
//	    Payload:   payload,
//	    Priority:  events.PriorityHigh,
//	})
//
// Submit validates the submission, enforces the sender's rate budget,
// and returns a receipt naming the strategy and any attempts made
// within the call. A queued receipt carries an estimated wait derived
// from queue depth and the priority's dispatch rate.
//
// # Queues and Sweeps
//
// Each priority level has its own bounded queue; a full queue rejects
// new submissions immediately rather than blocking. The dequeue sweep
// drains queues most urgent first, paced per priority by the dispatch
// rates. Messages that cannot be delivered move to the retry ledger,
// where the retry sweep backs off linearly (base delay times the
// number of failures so far) until MaxRetries is spent. A message
// whose TTL lapses is expired at whatever point the lapse is noticed,
// including between retries, and is never delivered late.
//
// # Lifecycle Events
//
// Outcomes that resolve after Submit returns surface as events on the
// bus: message.queued, message.routed, message.failed, and
// message.expired, each carrying an Outcome payload. The stats sweep
// publishes router.stats snapshots on the same bus.
package router
