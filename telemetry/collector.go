// Stats collection from the event bus into telemetry exporters.
package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/logging"
)

// Common errors.
var ErrCollectorConfig = errors.New("collector requires a bus and an exporter")

// collectorID is the bus subscriber ID used by collectors. One
// collector per bus.
const collectorID = "telemetry-collector"

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// Bus supplies the events to collect. Required.
	Bus *events.Bus

	// Exporter receives collected telemetry. Required. The collector
	// flushes it but never closes it.
	Exporter Exporter

	// Types overrides the event types collected. Defaults to router
	// and bus stats plus message failures and expiries.
	Types []events.Type

	// FlushInterval paces exporter flushes. Default: 30s.
	FlushInterval time.Duration

	// Logger receives collector diagnostics.
	Logger *logging.Logger
}

// Collector subscribes to the event bus and forwards stats snapshots
// and failure events to an exporter. Events whose type ends in
// ".stats" become snapshots; everything else is logged as a plain
// telemetry event.
type Collector struct {
	exporter Exporter
	bus      *events.Bus
	sub      *events.Subscription
	logger   *logging.Logger

	collected atomic.Int64
	stopped   atomic.Bool
	doneCh    chan struct{}
}

// NewCollector subscribes to the bus and starts forwarding.
func NewCollector(cfg CollectorConfig) (*Collector, error) {
	if cfg.Bus == nil || cfg.Exporter == nil {
		return nil, ErrCollectorConfig
	}
	types := cfg.Types
	if len(types) == 0 {
		types = []events.Type{
			events.TypeRouterStats,
			events.TypeBusStats,
			events.TypeMessageFailed,
			events.TypeMessageExpired,
		}
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	sub, err := cfg.Bus.Subscribe(collectorID, events.SubscribeOptions{
		Types: types,
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		exporter: cfg.Exporter,
		bus:      cfg.Bus,
		sub:      sub,
		logger:   logger.WithComponent("telemetry"),
		doneCh:   make(chan struct{}),
	}
	go c.run(interval)
	return c, nil
}

func (c *Collector) run(interval time.Duration) {
	defer close(c.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case batch, ok := <-c.sub.Events():
			if !ok {
				return
			}
			c.consume(batch)
		case <-ticker.C:
			if err := c.exporter.Flush(); err != nil {
				c.logger.Warn("flush failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (c *Collector) consume(batch []*events.Event) {
	for _, ev := range batch {
		name := ev.Type.String()
		if component, ok := strings.CutSuffix(name, ".stats"); ok {
			c.exporter.LogSnapshot(Snapshot{
				Component: component,
				Stats:     json.RawMessage(ev.Payload),
				Timestamp: ev.PublishedAt,
			})
			c.collected.Add(1)
			continue
		}

		data := map[string]interface{}{}
		if len(ev.Payload) > 0 {
			if err := json.Unmarshal(ev.Payload, &data); err != nil {
				data["payload"] = string(ev.Payload)
			}
		}
		data["source"] = ev.Source
		data["priority"] = ev.Priority.String()
		c.exporter.LogEvent(name, data)
		c.collected.Add(1)
	}
}

// Collected returns how many events have been forwarded.
func (c *Collector) Collected() int64 {
	return c.collected.Load()
}

// Stop detaches from the bus, drains in-flight batches, and flushes
// the exporter. Stop is idempotent.
func (c *Collector) Stop() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.bus.Unsubscribe(collectorID)
	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
	}
	return c.exporter.Flush()
}
