package queue

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/simreg/regq/internal/metrics"
)

type options struct {
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	feed    *Feed

	dispatchInterval time.Duration
}

// Option configures the queue components.
type Option func(*options)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer creates spans with tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithFeed lets workers wake up as soon as a record becomes PENDING
// instead of waiting out the poll interval.
func WithFeed(f *Feed) Option {
	return func(o *options) { o.feed = f }
}

// WithDispatchInterval makes each worker pause for d after a record before
// claiming the next one.
func WithDispatchInterval(d time.Duration) Option {
	return func(o *options) { o.dispatchInterval = d }
}

func buildOptions(opts []Option) options {
	o := options{
		tracer: noop.NewTracerProvider().Tracer("regq"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
