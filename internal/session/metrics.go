package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-companion/session"

// Metrics holds the instruments shared by all sessions of a process.
// A nil *Metrics records nothing.
type Metrics struct {
	tracer        trace.Tracer
	started       metric.Int64Counter
	dropped       metric.Int64Counter
	interruptions metric.Int64Counter
	fallbacks     metric.Int64Counter
	failedJobs    metric.Int64Counter
	latency       metric.Float64Histogram
}

// NewMetrics registers the session instruments on the global providers.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{tracer: otel.Tracer(instrumentationName)}
	var err error
	if m.started, err = meter.Int64Counter("companion.generations.started",
		metric.WithDescription("Reply generations begun")); err != nil {
		return nil, err
	}
	if m.dropped, err = meter.Int64Counter("companion.generations.dropped",
		metric.WithDescription("Reply generations cancelled or empty")); err != nil {
		return nil, err
	}
	if m.interruptions, err = meter.Int64Counter("companion.interruptions",
		metric.WithDescription("User messages that cut bot speech short")); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter("companion.actions.fallback",
		metric.WithDescription("Actions resolved by approximation or fallback")); err != nil {
		return nil, err
	}
	if m.failedJobs, err = meter.Int64Counter("companion.jobs.failed",
		metric.WithDescription("Session jobs that ended with an error")); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("companion.reply.latency_ms",
		metric.WithDescription("Time from message to committed reply"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (m *Metrics) generationStarted(ctx context.Context) {
	if m != nil {
		m.started.Add(ctx, 1)
	}
}

func (m *Metrics) generationDropped(ctx context.Context, reason string) {
	if m != nil {
		m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *Metrics) interrupted(ctx context.Context) {
	if m != nil {
		m.interruptions.Add(ctx, 1)
	}
}

func (m *Metrics) actionApproximated(ctx context.Context) {
	if m != nil {
		m.fallbacks.Add(ctx, 1)
	}
}

func (m *Metrics) jobFailed(job string) {
	if m != nil {
		m.failedJobs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("job", job)))
	}
}

func (m *Metrics) replyCommitted(ctx context.Context, elapsed time.Duration) {
	if m != nil {
		m.latency.Record(ctx, float64(elapsed.Milliseconds()))
	}
}
