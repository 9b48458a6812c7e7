package store

import (
	"context"
	"sync"
	"time"

	"github.com/chinmina/aliexpress-bridge/internal/token"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/chinmina/aliexpress-bridge/internal/store"

var (
	metricsOnce        sync.Once
	storeOperations    metric.Int64Counter
	storeDuration      metric.Float64Histogram
	encryptOperations  metric.Int64Counter
	encryptionDuration metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)

		var err error
		storeOperations, err = meter.Int64Counter(
			"token_store.operations",
			metric.WithDescription("Total token store operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		storeDuration, err = meter.Float64Histogram(
			"token_store.operation.duration",
			metric.WithDescription("Token store operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptOperations, err = meter.Int64Counter(
			"token_store.encryption.total",
			metric.WithDescription("Total token store encryption operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		encryptionDuration, err = meter.Float64Histogram(
			"token_store.encryption.duration",
			metric.WithDescription("Token store encryption operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented records metrics and span attributes for each store operation.
type Instrumented struct {
	wrapped   TokenStore
	storeType string
}

func NewInstrumented(s TokenStore, storeType string) *Instrumented {
	initMetrics()
	return &Instrumented{
		wrapped:   s,
		storeType: storeType,
	}
}

func (i *Instrumented) Load(ctx context.Context, appKey string) (token.State, bool, error) {
	start := time.Now()

	state, found, err := i.wrapped.Load(ctx, appKey)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.record(ctx, "load", status, time.Since(start))

	return state, found, err
}

func (i *Instrumented) Save(ctx context.Context, appKey string, state token.State) error {
	start := time.Now()
	err := i.wrapped.Save(ctx, appKey, state)
	i.record(ctx, "save", outcome(err), time.Since(start))
	return err
}

func (i *Instrumented) Delete(ctx context.Context, appKey string) error {
	start := time.Now()
	err := i.wrapped.Delete(ctx, appKey)
	i.record(ctx, "delete", outcome(err), time.Since(start))
	return err
}

func (i *Instrumented) Close() error {
	return i.wrapped.Close()
}

func (i *Instrumented) record(ctx context.Context, operation, status string, duration time.Duration) {
	if storeOperations != nil {
		storeOperations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("token_store.type", i.storeType),
			attribute.String("token_store.operation", operation),
			attribute.String("token_store.status", status),
		))
	}
	if storeDuration != nil {
		storeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("token_store.type", i.storeType),
			attribute.String("token_store.operation", operation),
		))
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("token_store.type", i.storeType),
		attribute.String("token_store."+operation+".status", status),
		attribute.Float64("token_store."+operation+".duration", duration.Seconds()),
	)
}

// InstrumentedStrategy records encrypt and decrypt timings for a wrapped
// strategy.
type InstrumentedStrategy struct {
	wrapped EncryptionStrategy
}

func NewInstrumentedStrategy(s EncryptionStrategy) *InstrumentedStrategy {
	initMetrics()
	return &InstrumentedStrategy{wrapped: s}
}

func (s *InstrumentedStrategy) EncryptValue(ctx context.Context, data []byte, key string) (string, error) {
	start := time.Now()
	value, err := s.wrapped.EncryptValue(ctx, data, key)
	recordEncryption(ctx, "encrypt", err, time.Since(start))
	return value, err
}

func (s *InstrumentedStrategy) DecryptValue(ctx context.Context, value string, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.wrapped.DecryptValue(ctx, value, key)
	recordEncryption(ctx, "decrypt", err, time.Since(start))
	return data, err
}

func (s *InstrumentedStrategy) StorageKey(key string) string {
	return s.wrapped.StorageKey(key)
}

func (s *InstrumentedStrategy) Close() error {
	return s.wrapped.Close()
}

func recordEncryption(ctx context.Context, operation string, err error, duration time.Duration) {
	status := outcome(err)

	if encryptOperations != nil {
		encryptOperations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("encryption.operation", operation),
			attribute.String("encryption.outcome", status),
		))
	}
	if encryptionDuration != nil {
		encryptionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("encryption.operation", operation),
		))
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
