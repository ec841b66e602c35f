// Package telemetry wires the engine's spans and counters to the global
// OpenTelemetry providers. Without an installed SDK every call is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/taskloop/internal/version"
)

const instrumentationName = "github.com/GoCodeAlone/taskloop"

// Telemetry holds the tracer and the instruments the engine records into.
type Telemetry struct {
	tracer trace.Tracer

	operations metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
}

// New builds instruments from the global tracer and meter providers.
func New() (*Telemetry, error) {
	t := &Telemetry{
		tracer: otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(version.Version)),
	}
	meter := otel.Meter(instrumentationName, metric.WithInstrumentationVersion(version.Version))

	var err error
	if t.operations, err = meter.Int64Counter("taskloop.operations.total",
		metric.WithDescription("Operations started, by kind"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("operations counter: %w", err)
	}
	if t.errors, err = meter.Int64Counter("taskloop.errors.total",
		metric.WithDescription("Operations that ended in an error, by kind"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, fmt.Errorf("errors counter: %w", err)
	}
	if t.duration, err = meter.Float64Histogram("taskloop.operation.duration",
		metric.WithDescription("Operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	if t.active, err = meter.Int64UpDownCounter("taskloop.operations.active",
		metric.WithDescription("Operations currently in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, fmt.Errorf("active counter: %w", err)
	}
	return t, nil
}

var (
	defaultOnce sync.Once
	defaultTel  *Telemetry
)

// Default returns a process-wide Telemetry. Instrument creation against the
// global providers does not fail in practice; if it does, tracing still works
// and the metrics are dropped.
func Default() *Telemetry {
	defaultOnce.Do(func() {
		t, err := New()
		if err != nil {
			t = &Telemetry{tracer: otel.Tracer(instrumentationName)}
		}
		defaultTel = t
	})
	return defaultTel
}

// Track starts a span for one operation and returns the function that ends
// it. kind is one of "iteration", "completion", "capability", "record".
func (t *Telemetry) Track(ctx context.Context, kind, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, attribute.String("taskloop.kind", kind))
	ctx, span := t.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opts := metric.WithAttributes(attrs...)
	if t.operations != nil {
		t.operations.Add(ctx, 1, opts)
		t.active.Add(ctx, 1, opts)
	}

	return ctx, func(err error) {
		if t.operations != nil {
			t.active.Add(ctx, -1, opts)
			t.duration.Record(ctx, time.Since(start).Seconds(), opts)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if t.errors != nil {
				t.errors.Add(ctx, 1, opts)
			}
		}
		span.End()
	}
}
