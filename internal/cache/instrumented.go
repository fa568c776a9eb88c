package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const meterName = "github.com/chinmina/partner-bridge/internal/cache"

var (
	metricsOnce     sync.Once
	storeOperations metric.Int64Counter
	storeDuration   metric.Float64Histogram
	cryptoDuration  metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(meterName)

		var err error
		storeOperations, err = meter.Int64Counter(
			"cache.store.operations",
			metric.WithDescription("Total durable cache operations"),
		)
		if err != nil {
			otel.Handle(err)
		}

		storeDuration, err = meter.Float64Histogram(
			"cache.store.duration",
			metric.WithDescription("Durable cache operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}

		cryptoDuration, err = meter.Float64Histogram(
			"cache.encryption.duration",
			metric.WithDescription("Durable cache encryption operation duration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Instrumented wraps a Store with metrics and span attributes.
type Instrumented struct {
	wrapped   Store
	storeType string
}

// NewInstrumented creates an instrumented store wrapper.
func NewInstrumented(store Store, storeType string) *Instrumented {
	initMetrics()
	return &Instrumented{
		wrapped:   store,
		storeType: storeType,
	}
}

func (i *Instrumented) Get(ctx context.Context, key string) (Entry, bool, error) {
	start := time.Now()

	entry, found, err := i.wrapped.Get(ctx, key)

	status := "miss"
	if err != nil {
		status = "error"
	} else if found {
		status = "hit"
	}
	i.observe(ctx, "get", status, time.Since(start))

	return entry, found, err
}

func (i *Instrumented) Set(ctx context.Context, entry Entry) error {
	start := time.Now()

	err := i.wrapped.Set(ctx, entry)

	i.observe(ctx, "set", outcome(err), time.Since(start))

	return err
}

func (i *Instrumented) Clear(ctx context.Context, prefix string) error {
	start := time.Now()

	err := i.wrapped.Clear(ctx, prefix)

	i.observe(ctx, "clear", outcome(err), time.Since(start))

	return err
}

func (i *Instrumented) Close() error {
	return i.wrapped.Close()
}

func (i *Instrumented) observe(ctx context.Context, operation, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("cache.type", i.storeType),
		attribute.String("cache.operation", operation),
	}

	if storeDuration != nil {
		storeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if storeOperations != nil {
		storeOperations.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("cache.status", status))...))
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("cache.type", i.storeType),
		attribute.String("cache."+operation+".status", status),
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
	)
}

// InstrumentedStrategy wraps an EncryptionStrategy with duration metrics and
// span attributes for encrypt and decrypt operations.
type InstrumentedStrategy struct {
	wrapped EncryptionStrategy
}

func NewInstrumentedStrategy(strategy EncryptionStrategy) *InstrumentedStrategy {
	initMetrics()
	return &InstrumentedStrategy{wrapped: strategy}
}

func (s *InstrumentedStrategy) EncryptValue(ctx context.Context, data []byte, key string) (string, error) {
	start := time.Now()
	result, err := s.wrapped.EncryptValue(ctx, data, key)
	observeCrypto(ctx, "encrypt", err, time.Since(start))
	return result, err
}

func (s *InstrumentedStrategy) DecryptValue(ctx context.Context, value string, key string) ([]byte, error) {
	start := time.Now()
	result, err := s.wrapped.DecryptValue(ctx, value, key)
	observeCrypto(ctx, "decrypt", err, time.Since(start))
	return result, err
}

func (s *InstrumentedStrategy) StorageKey(key string) string {
	return s.wrapped.StorageKey(key)
}

func (s *InstrumentedStrategy) Close() error {
	return s.wrapped.Close()
}

func observeCrypto(ctx context.Context, operation string, err error, duration time.Duration) {
	result := outcome(err)

	if cryptoDuration != nil {
		cryptoDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("encryption.operation", operation),
				attribute.String("encryption.outcome", result),
			),
		)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Float64("cache."+operation+".duration", duration.Seconds()),
		attribute.String("cache."+operation+".outcome", result),
	)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
