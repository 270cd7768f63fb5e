package events

import (
	"context"
	"encoding/json"
)

// deliverRemote pushes a batch to a remote subscriber through its
// registered delivery handle, encoded as a JSON array. A subscriber
// with no resolvable handle counts the batch as dropped; it can catch
// up through replay when it resubscribes.
func (b *Bus) deliverRemote(sub *Subscription, batch []*Event, replaying bool) {
	defer b.wg.Done()

	if b.closed.Load() || sub.closed.Load() {
		return
	}

	n := int64(len(batch))
	data, err := json.Marshal(batch)
	if err != nil {
		sub.dropped.Add(n)
		b.logger.Error("encode remote event batch", map[string]interface{}{
			"subscriber": sub.id,
			"error":      err.Error(),
		})
		return
	}

	record, err := b.config.Registry.Get(sub.id)
	if err != nil || record.Handle == nil {
		sub.dropped.Add(n)
		b.logger.SubscriberDropped(sub.id, sub.dropped.Load())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.DeliverTimeout)
	defer cancel()

	if err := b.config.Channel.Deliver(ctx, *record.Handle, data); err != nil {
		sub.dropped.Add(n)
		b.logger.Error("remote event delivery failed", map[string]interface{}{
			"subscriber": sub.id,
			"error":      err.Error(),
		})
		return
	}

	b.recordDelivery(sub, batch, replaying)
}
