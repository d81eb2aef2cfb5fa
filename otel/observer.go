package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/toolconn/connection"
)

// ConnectionObserver records connection controller signals into OpenTelemetry.
type ConnectionObserver struct {
	chains *ChainTracer

	attempts    metric.Int64Counter
	retries     metric.Int64Counter
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewConnectionObserver creates an observer bound to the provided meter and
// tracer. tracer may be nil to record metrics only.
func NewConnectionObserver(meter metric.Meter, tracer trace.Tracer) (*ConnectionObserver, error) {
	attempts, err := meter.Int64Counter(
		"toolconn.connection.attempts",
		metric.WithDescription("Number of connection test attempts"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"toolconn.connection.retries",
		metric.WithDescription("Number of scheduled connection test retries"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter(
		"toolconn.connection.transitions",
		metric.WithDescription("Number of connection status changes"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolconn.connection.probe.duration",
		metric.WithDescription("Connection probe latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	var chains *ChainTracer
	if tracer != nil {
		chains = NewChainTracer(tracer)
	}

	return &ConnectionObserver{
		chains:      chains,
		attempts:    attempts,
		retries:     retries,
		transitions: transitions,
		latency:     latency,
	}, nil
}

// Chains returns the chain tracer, or nil when tracing is off.
func (o *ConnectionObserver) Chains() *ChainTracer {
	if o == nil {
		return nil
	}
	return o.chains
}

// ObserveAttempt records one settled probe attempt.
func (o *ConnectionObserver) ObserveAttempt(observation connection.AttemptObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("connection_type", string(observation.ConnectionType)),
		attribute.Bool("success", observation.Success),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs,
			attribute.String("error_code", observation.ErrorCode),
			attribute.Bool("should_retry", observation.ShouldRetry),
		)
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.attempts.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Duration.Seconds(), options)

	o.chains.Attempt(observation)
}

// ObserveRetry records one scheduled retry.
func (o *ConnectionObserver) ObserveRetry(observation connection.RetryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("connection_type", string(observation.ConnectionType)),
		attribute.Int("attempt", observation.Attempt),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.retries.Add(context.Background(), 1, metric.WithAttributes(attrs...))

	o.chains.RetryScheduled(observation)
}

// ObserveTransition records one status change.
func (o *ConnectionObserver) ObserveTransition(observation connection.TransitionObservation) {
	if o == nil {
		return
	}

	o.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("status", string(observation.Status)),
		attribute.String("previous_status", string(observation.PreviousStatus)),
	))

	if observation.Status == connection.StatusConnecting {
		o.chains.ChainStarted(observation.ToolID)
	}
}

var _ connection.Observer = (*ConnectionObserver)(nil)
