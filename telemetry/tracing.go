package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Attribute keys set on task spans.
const (
	AttrTaskID          = "task.id"
	AttrAgentID         = "agent.id"
	AttrInstanceID      = "instance.id"
	AttrConversationID  = "conversation.id"
	AttrExecutionID     = "task.execution_id"
	AttrStatus          = "task.status"
	AttrErrorKind       = "task.error_kind"
	AttrDurationMs      = "task.duration_ms"
	AttrQueuePosition   = "task.queue_position"
	AttrStreamTransport = "stream.transport"
	AttrInput           = "task.input"
	AttrResult          = "task.result"
)

// Tracer wraps OpenTelemetry tracing with task-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool
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
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (content in spans).
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

// --- Task Spans ---

// TaskSpanOptions identifies the task a span covers.
type TaskSpanOptions struct {
	TaskID         string
	AgentID        string
	InstanceID     string
	ConversationID string
	Input          string // Only included if debug=true
}

// TaskResult describes how a task ended.
type TaskResult struct {
	Status     string
	ErrorKind  string
	DurationMs int64
	Result     string // Only included if debug=true
}

// StartTaskSpan starts the span covering a task's whole lifecycle.
func (t *Tracer) StartTaskSpan(ctx context.Context, opts TaskSpanOptions) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.dispatch", trace.WithSpanKind(trace.SpanKindInternal))
	attrs := []attribute.KeyValue{
		attribute.String(AttrTaskID, opts.TaskID),
		attribute.String(AttrAgentID, opts.AgentID),
		attribute.String(AttrInstanceID, opts.InstanceID),
	}
	if opts.ConversationID != "" {
		attrs = append(attrs, attribute.String(AttrConversationID, opts.ConversationID))
	}
	if t.debug && opts.Input != "" {
		attrs = append(attrs, attribute.String(AttrInput, truncate(opts.Input, 4000)))
	}
	span.SetAttributes(attrs...)
	return ctx, span
}

// TaskQueued records that a task is waiting for a slot.
func (t *Tracer) TaskQueued(span trace.Span, position int) {
	span.AddEvent("queued", trace.WithAttributes(attribute.Int(AttrQueuePosition, position)))
}

// TaskStarted records that a task received a slot.
func (t *Tracer) TaskStarted(span trace.Span) {
	span.AddEvent("started")
}

// EndTaskSpan ends a task span with its outcome.
func (t *Tracer) EndTaskSpan(span trace.Span, res TaskResult, err error) {
	attrs := []attribute.KeyValue{
		attribute.String(AttrStatus, res.Status),
		attribute.Int64(AttrDurationMs, res.DurationMs),
	}
	if res.ErrorKind != "" {
		attrs = append(attrs, attribute.String(AttrErrorKind, res.ErrorKind))
	}
	if t.debug && res.Result != "" {
		attrs = append(attrs, attribute.String(AttrResult, truncate(res.Result, 4000)))
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

// --- Submission Spans ---

// StartSubmitSpan starts a span for the backend submission call.
func (t *Tracer) StartSubmitSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.submit", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String(AttrTaskID, taskID))
	return ctx, span
}

// EndSubmitSpan ends a submission span.
func (t *Tracer) EndSubmitSpan(span trace.Span, executionID string, err error) {
	if executionID != "" {
		span.SetAttributes(attribute.String(AttrExecutionID, executionID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Stream Spans ---

// StartStreamSpan starts a span for the event stream of one execution.
func (t *Tracer) StartStreamSpan(ctx context.Context, executionID, transport string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "task.stream", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String(AttrExecutionID, executionID),
		attribute.String(AttrStreamTransport, transport),
	)
	return ctx, span
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

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
