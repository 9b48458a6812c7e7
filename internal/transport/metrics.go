package transport

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce   sync.Once
	callCount     metric.Int64Counter
	callDurations metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/chinmina/aliexpress-bridge/internal/transport")

		var err error
		callCount, err = meter.Int64Counter(
			"aliexpress.calls",
			metric.WithDescription("Total provider calls"),
		)
		if err != nil {
			otel.Handle(err)
		}

		callDurations, err = meter.Float64Histogram(
			"aliexpress.call.duration",
			metric.WithDescription("Provider call duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func recordCall(ctx context.Context, method string, duration time.Duration, err error) {
	outcome := "success"
	if kind := KindOf(err); kind != "" {
		outcome = string(kind)
	}

	attrs := metric.WithAttributes(
		attribute.String("aliexpress.method", method),
		attribute.String("aliexpress.outcome", outcome),
	)

	if callCount != nil {
		callCount.Add(ctx, 1, attrs)
	}
	if callDurations != nil {
		callDurations.Record(ctx, duration.Seconds(), attrs)
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("aliexpress.method", method),
			attribute.String("aliexpress.outcome", outcome),
			attribute.Float64("aliexpress.duration_ms", float64(duration.Milliseconds())),
		)
	}
}
