// Package otel provides OpenTelemetry integration for connection tests.
package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolconn/connection"
)

// ChainTracer turns a tool's test chain into spans. A chain span opens when
// the tool enters connecting and ends when an attempt succeeds or fails
// without a retry. Each probe attempt is a child span; scheduled retries are
// span events on the chain.
type ChainTracer struct {
	tracer trace.Tracer
	now    func() time.Time

	mu     sync.Mutex
	chains map[string]chainSpan // toolID -> open chain
}

type chainSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewChainTracer creates a tracer for connection test chains.
func NewChainTracer(tracer trace.Tracer) *ChainTracer {
	return &ChainTracer{
		tracer: tracer,
		now:    time.Now,
		chains: make(map[string]chainSpan),
	}
}

// ChainStarted opens a chain span for toolID, ending any chain still open.
func (t *ChainTracer) ChainStarted(toolID string) {
	if t == nil || t.tracer == nil {
		return
	}
	ctx, span := t.tracer.Start(context.Background(), "connection.test",
		trace.WithAttributes(attribute.String("toolconn.tool_id", toolID)),
		trace.WithTimestamp(t.now()),
	)

	t.mu.Lock()
	previous, ok := t.chains[toolID]
	t.chains[toolID] = chainSpan{ctx: ctx, span: span}
	t.mu.Unlock()

	if ok {
		previous.span.SetAttributes(attribute.Bool("toolconn.superseded", true))
		previous.span.End()
	}
}

// Attempt records a probe attempt as a child of the open chain and closes
// the chain when the attempt is final.
func (t *ChainTracer) Attempt(observation connection.AttemptObservation) {
	if t == nil || t.tracer == nil {
		return
	}

	t.mu.Lock()
	chain, ok := t.chains[observation.ToolID]
	final := observation.Success || !observation.ShouldRetry
	if ok && final {
		delete(t.chains, observation.ToolID)
	}
	t.mu.Unlock()

	parent := context.Background()
	if ok {
		parent = chain.ctx
	}

	end := t.now()
	attrs := []attribute.KeyValue{
		attribute.String("toolconn.tool_id", observation.ToolID),
		attribute.String("toolconn.connection_type", string(observation.ConnectionType)),
		attribute.Int("toolconn.attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("toolconn.error_code", observation.ErrorCode))
	}
	_, span := t.tracer.Start(parent, "connection.probe",
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(end.Add(-observation.Duration)),
	)
	if observation.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, observation.ErrorCode)
		span.RecordError(spanError(observation.ErrorCode), trace.WithTimestamp(end))
	}
	span.End(trace.WithTimestamp(end))

	if !ok || !final {
		return
	}
	chain.span.SetAttributes(attribute.Int("toolconn.attempts", observation.Attempt))
	if observation.Success {
		chain.span.SetStatus(codes.Ok, "")
	} else {
		chain.span.SetStatus(codes.Error, observation.ErrorCode)
	}
	chain.span.End(trace.WithTimestamp(end))
}

// RetryScheduled adds a span event to the open chain of the tool.
func (t *ChainTracer) RetryScheduled(observation connection.RetryObservation) {
	if t == nil {
		return
	}
	t.mu.Lock()
	chain, ok := t.chains[observation.ToolID]
	t.mu.Unlock()
	if !ok {
		return
	}
	chain.span.AddEvent("retry.scheduled", trace.WithAttributes(
		attribute.Int("toolconn.attempt", observation.Attempt),
		attribute.String("toolconn.delay", observation.Delay.String()),
		attribute.String("toolconn.error_code", observation.ErrorCode),
	))
}

// ActiveChainContext returns the SpanContext of the open chain for toolID.
// Returns an empty SpanContext if there is none.
func (t *ChainTracer) ActiveChainContext(toolID string) trace.SpanContext {
	if t == nil {
		return trace.SpanContext{}
	}
	t.mu.Lock()
	chain, ok := t.chains[toolID]
	t.mu.Unlock()
	if !ok {
		return trace.SpanContext{}
	}
	return chain.span.SpanContext()
}

// EndAll ends every open chain span, e.g. on shutdown.
func (t *ChainTracer) EndAll() {
	if t == nil {
		return
	}
	t.mu.Lock()
	chains := t.chains
	t.chains = make(map[string]chainSpan)
	t.mu.Unlock()

	for _, chain := range chains {
		chain.span.SetAttributes(attribute.Bool("toolconn.abandoned", true))
		chain.span.End()
	}
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
