package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSRegistry implements Registry using NATS JetStream KV store.
// Suitable for distributed deployments across multiple nodes.
type NATSRegistry struct {
	conn   *nats.Conn
	kv     jetstream.KeyValue
	config NATSRegistryConfig

	mu       sync.RWMutex
	watchers []chan Event
	closed   bool
	cancel   context.CancelFunc
}

// NATSRegistryConfig configures the NATS registry.
type NATSRegistryConfig struct {
	// BucketName is the KV bucket name. Default: "agent-registry"
	BucketName string

	// TTL for agent entries. Zero means no expiry.
	// Note: NATS KV has its own TTL handling.
	TTL time.Duration

	// Replicas for the KV store (1-5). Default: 1
	Replicas int
}

// DefaultNATSRegistryConfig returns configuration with sensible defaults.
func DefaultNATSRegistryConfig() NATSRegistryConfig {
	return NATSRegistryConfig{
		BucketName: "agent-registry",
		TTL:        30 * time.Second,
		Replicas:   1,
	}
}

// NewNATSRegistry creates a new NATS registry from an existing connection.
func NewNATSRegistry(conn *nats.Conn, cfg NATSRegistryConfig) (*NATSRegistry, error) {
	if conn == nil {
		return nil, fmt.Errorf("nil connection")
	}

	if cfg.BucketName == "" {
		cfg.BucketName = "agent-registry"
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx := context.Background()

	// Create or get KV bucket
	kvCfg := jetstream.KeyValueConfig{
		Bucket:   cfg.BucketName,
		Replicas: cfg.Replicas,
	}
	if cfg.TTL > 0 {
		kvCfg.TTL = cfg.TTL
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, kvCfg)
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())

	r := &NATSRegistry{
		conn:     conn,
		kv:       kv,
		config:   cfg,
		watchers: make([]chan Event, 0),
		cancel:   cancel,
	}

	// Start KV watcher
	go r.watchKV(watchCtx)

	return r, nil
}

// Register adds or updates an agent in the registry.
func (r *NATSRegistry) Register(record AgentRecord) error {
	if err := ValidateRecord(record); err != nil {
		return err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	now := time.Now()
	record.LastSeen = now

	if record.Status == "" {
		record.Status = StatusActive
	}

	// Load state survives re-registration. Last writer wins on
	// concurrent updates; registration churn is low enough that
	// revision fencing isn't worth the round trips.
	if prev, err := r.getRecord(ctx, record.ID); err == nil {
		record.RegisteredAt = prev.RegisteredAt
		record.MessageCount = prev.MessageCount
		record.ResponseTimes = prev.ResponseTimes
	} else {
		record.RegisteredAt = now
	}

	return r.putRecord(ctx, record)
}

// Deregister removes an agent from the registry.
func (r *NATSRegistry) Deregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()

	// Check if exists first
	_, err := r.kv.Get(ctx, id)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("get from kv: %w", err)
	}

	err = r.kv.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete from kv: %w", err)
	}

	return nil
}

// Get retrieves a specific agent by ID.
func (r *NATSRegistry) Get(id string) (*AgentRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	r.mu.RUnlock()

	record, err := r.getRecord(context.Background(), id)
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// List returns all agents matching the filter.
func (r *NATSRegistry) List(filter *Filter) ([]AgentRecord, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []AgentRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var result []AgentRecord
	for _, key := range keys {
		record, err := r.getRecord(ctx, key)
		if err != nil {
			continue // Key might have been deleted
		}

		if MatchesFilter(record, filter) {
			result = append(result, record)
		}
	}

	// Sort by ID for consistent ordering
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// FindByCapabilities returns active agents holding every listed
// capability, least loaded first.
func (r *NATSRegistry) FindByCapabilities(caps ...Capability) ([]AgentRecord, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []AgentRecord{}, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	var result []AgentRecord
	for _, key := range keys {
		record, err := r.getRecord(ctx, key)
		if err != nil {
			continue
		}

		if !record.IsActive() {
			continue
		}
		if HasAllCapabilities(record, caps) {
			result = append(result, record)
		}
	}

	// Sort by load score (lowest first) for load balancing
	sort.Slice(result, func(i, j int) bool {
		return result[i].LoadScore() < result[j].LoadScore()
	})

	return result, nil
}

// UpdateLoad records a routed message for the agent.
func (r *NATSRegistry) UpdateLoad(id string, responseTime time.Duration) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	record, err := r.getRecord(ctx, id)
	if err != nil {
		return err
	}

	record.MessageCount++
	if responseTime > 0 {
		record.ResponseTimes = appendResponseTime(record.ResponseTimes, responseTime)
	}

	return r.putRecord(ctx, record)
}

// SetStatus changes an agent's availability and bumps LastSeen.
func (r *NATSRegistry) SetStatus(id string, status Status) error {
	if id == "" {
		return ErrInvalidID
	}
	if status != StatusActive && status != StatusInactive {
		return ErrInvalidID
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	r.mu.RUnlock()

	ctx := context.Background()
	record, err := r.getRecord(ctx, id)
	if err != nil {
		return err
	}

	record.Status = status
	record.LastSeen = time.Now()

	return r.putRecord(ctx, record)
}

// Watch returns a channel of registry events.
func (r *NATSRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *NATSRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	r.cancel()

	// Close all watcher channels
	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// getRecord fetches and decodes one agent record.
func (r *NATSRegistry) getRecord(ctx context.Context, id string) (AgentRecord, error) {
	entry, err := r.kv.Get(ctx, id)
	if err != nil {
		if err == jetstream.ErrKeyNotFound {
			return AgentRecord{}, ErrNotFound
		}
		return AgentRecord{}, fmt.Errorf("get from kv: %w", err)
	}

	var record AgentRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return AgentRecord{}, fmt.Errorf("unmarshal agent record: %w", err)
	}

	return record, nil
}

// putRecord encodes and stores one agent record.
func (r *NATSRegistry) putRecord(ctx context.Context, record AgentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}

	if _, err := r.kv.Put(ctx, record.ID, data); err != nil {
		return fmt.Errorf("put to kv: %w", err)
	}

	return nil
}

// watchKV monitors the KV store for changes and notifies watchers.
func (r *NATSRegistry) watchKV(ctx context.Context) {
	watcher, err := r.kv.WatchAll(ctx)
	if err != nil {
		return
	}
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-watcher.Updates():
			if entry == nil {
				continue
			}

			r.mu.RLock()
			if r.closed {
				r.mu.RUnlock()
				return
			}

			var event Event
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				var record AgentRecord
				if err := json.Unmarshal(entry.Value(), &record); err != nil {
					r.mu.RUnlock()
					continue
				}
				// Check revision to determine if added or updated
				if entry.Revision() == 1 {
					event = Event{Type: EventAdded, Agent: record}
				} else {
					event = Event{Type: EventUpdated, Agent: record}
				}
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				event = Event{
					Type:  EventRemoved,
					Agent: AgentRecord{ID: entry.Key()},
				}
			default:
				r.mu.RUnlock()
				continue
			}

			// Notify watchers
			for _, ch := range r.watchers {
				select {
				case ch <- event:
				default:
				}
			}
			r.mu.RUnlock()
		}
	}
}

// Conn returns the underlying NATS connection.
func (r *NATSRegistry) Conn() *nats.Conn {
	return r.conn
}
