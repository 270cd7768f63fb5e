// OpenTelemetry tracing support for distributed relay observability.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps OpenTelemetry tracing with relay-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payload content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (payload content in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Route Spans ---

// RouteSpanOptions contains options for message routing spans.
type RouteSpanOptions struct {
	MessageID string
	Sender    string
	Recipient string
	Strategy  string
	Priority  string
	Delivered int
	Failed    int
	Queued    bool
	Payload   string // Only included if debug=true
}

// StartRouteSpan starts a span for routing one message.
func (t *Tracer) StartRouteSpan(ctx context.Context, messageType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "route."+messageType, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("message.type", messageType))
	return ctx, span
}

// EndRouteSpan ends a route span with attributes.
func (t *Tracer) EndRouteSpan(span trace.Span, opts RouteSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("message.id", opts.MessageID),
		attribute.String("message.sender", opts.Sender),
		attribute.String("message.priority", opts.Priority),
		attribute.String("route.strategy", opts.Strategy),
		attribute.Int("route.delivered", opts.Delivered),
		attribute.Int("route.failed", opts.Failed),
		attribute.Bool("route.queued", opts.Queued),
	}

	if opts.Recipient != "" {
		attrs = append(attrs, attribute.String("message.recipient", opts.Recipient))
	}
	if t.debug && opts.Payload != "" {
		attrs = append(attrs, attribute.String("message.payload", truncate(opts.Payload, 4000)))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Deliver Spans ---

// DeliverSpanOptions contains options for delivery attempt spans.
type DeliverSpanOptions struct {
	AgentID string
	Kind    string // persistent or oneshot
	Bytes   int
	Payload string // Only included if debug=true
}

// StartDeliverSpan starts a span for one delivery attempt.
func (t *Tracer) StartDeliverSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "deliver."+agentID, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("delivery.agent", agentID))
	return ctx, span
}

// EndDeliverSpan ends a deliver span with attributes.
func (t *Tracer) EndDeliverSpan(span trace.Span, opts DeliverSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("delivery.kind", opts.Kind),
		attribute.Int("delivery.bytes", opts.Bytes),
	}

	if t.debug && opts.Payload != "" {
		attrs = append(attrs, attribute.String("delivery.payload", truncate(opts.Payload, 4000)))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Publish Spans ---

// PublishSpanOptions contains options for lifecycle event publish spans.
type PublishSpanOptions struct {
	EventID   string
	MessageID string
	Status    string
	Priority  string
}

// StartPublishSpan starts a span for publishing one lifecycle event.
func (t *Tracer) StartPublishSpan(ctx context.Context, eventType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "publish."+eventType, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(attribute.String("event.type", eventType))
	return ctx, span
}

// EndPublishSpan ends a publish span with attributes.
func (t *Tracer) EndPublishSpan(span trace.Span, opts PublishSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("event.priority", opts.Priority),
	}
	if opts.EventID != "" {
		attrs = append(attrs, attribute.String("event.id", opts.EventID))
	}
	if opts.MessageID != "" {
		attrs = append(attrs, attribute.String("message.id", opts.MessageID))
	}
	if opts.Status != "" {
		attrs = append(attrs, attribute.String("message.status", opts.Status))
	}

	span.SetAttributes(attrs...)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
// Event metadata maps satisfy it directly.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
