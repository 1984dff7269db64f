// Package metrics provides prometheus metrics primitives to the rest of the app
package metrics

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelapi "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	metricsNamespace = "rollup_boost"
)

var (
	meter otelapi.Meter = noop.NewMeterProvider().Meter(metricsNamespace)

	EngineCallLatencyHistogram otelapi.Float64Histogram

	BuilderValidationCount otelapi.Int64Counter
	PayloadSourceCount     otelapi.Int64Counter
	BuilderFallbackCount   otelapi.Int64Counter
	HealthTransitionCount  otelapi.Int64Counter
	PayloadCacheCount      otelapi.Int64Counter
	ValueDeltaCount        otelapi.Int64Counter

	latencyBoundaries = otelapi.WithExplicitBucketBoundaries(func() []float64 {
		base := math.Exp(math.Log(12.0) / 15.0)
		res := make([]float64, 0, 31)
		for i := -15; i < 16; i++ {
			res = append(res, math.Pow(base, float64(i)))
		}
		return res
	}()...)
)

func init() {
	// instruments on the noop meter, replaced by Setup
	_ = setupInstruments(context.Background())
}

// Setup installs the prometheus exporter as the meter provider and creates all instruments
func Setup(ctx context.Context) error {
	for _, setup := range []func(context.Context) error{
		setupMeter, // must come first
		setupInstruments,
	} {
		if err := setup(ctx); err != nil {
			return err
		}
	}

	return nil
}

func setupMeter(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(metricsNamespace)),
	)
	if err != nil {
		return err
	}

	exporter, err := prometheus.New(
		prometheus.WithNamespace(metricsNamespace),
	)
	if err != nil {
		return err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)

	meter = provider.Meter(metricsNamespace)

	return nil
}

func setupInstruments(ctx context.Context) error {
	for _, setup := range []func(context.Context) error{
		setupEngineCallLatency,
		setupBuilderValidationCount,
		setupPayloadSourceCount,
		setupBuilderFallbackCount,
		setupHealthTransitionCount,
		setupPayloadCacheCount,
		setupValueDeltaCount,
	} {
		if err := setup(ctx); err != nil {
			return err
		}
	}
	return nil
}

func setupEngineCallLatency(ctx context.Context) error {
	latency, err := meter.Float64Histogram(
		"engine_call_latency",
		otelapi.WithDescription("statistics on the duration of calls to the local and builder execution engines"),
		otelapi.WithUnit("ms"),
		latencyBoundaries,
	)
	EngineCallLatencyHistogram = latency
	if err != nil {
		return err
	}
	return nil
}

func setupBuilderValidationCount(ctx context.Context) error {
	counter, err := meter.Int64Counter(
		"builder_validation_total",
		otelapi.WithDescription("builder payloads validated by the local engine, by payload status"),
	)
	BuilderValidationCount = counter
	if err != nil {
		return err
	}
	return nil
}

func setupPayloadSourceCount(ctx context.Context) error {
	counter, err := meter.Int64Counter(
		"payload_source_total",
		otelapi.WithDescription("payloads returned to the consensus client, by source engine"),
	)
	PayloadSourceCount = counter
	if err != nil {
		return err
	}
	return nil
}

func setupBuilderFallbackCount(ctx context.Context) error {
	counter, err := meter.Int64Counter(
		"builder_fallback_total",
		otelapi.WithDescription("number of times the builder path was bypassed for a payload, by reason"),
	)
	BuilderFallbackCount = counter
	if err != nil {
		return err
	}
	return nil
}

func setupHealthTransitionCount(ctx context.Context) error {
	counter, err := meter.Int64Counter(
		"builder_health_transitions_total",
		otelapi.WithDescription("builder health state transitions, by new state"),
	)
	HealthTransitionCount = counter
	if err != nil {
		return err
	}
	return nil
}

func setupPayloadCacheCount(ctx context.Context) error {
	counter, err := meter.Int64Counter(
		"payload_cache_total",
		otelapi.WithDescription("payload context cache events (hit, miss, evict, stale)"),
	)
	PayloadCacheCount = counter
	if err != nil {
		return err
	}
	return nil
}

func setupValueDeltaCount(ctx context.Context) error {
	counter, err := meter.Int64Counter(
		"builder_value_delta_total",
		otelapi.WithDescription("builder block value compared to the local block value (higher, lower, equal)"),
	)
	ValueDeltaCount = counter
	if err != nil {
		return err
	}
	return nil
}

// RecordEngineCall records the latency of a single engine call
func RecordEngineCall(ctx context.Context, engine, method string, duration time.Duration) {
	EngineCallLatencyHistogram.Record(ctx, float64(duration.Microseconds())/1000,
		otelapi.WithAttributes(attribute.String("engine", engine), attribute.String("method", method)))
}

func IncBuilderValidation(ctx context.Context, status string) {
	BuilderValidationCount.Add(ctx, 1, otelapi.WithAttributes(attribute.String("status", status)))
}

func IncPayloadSource(ctx context.Context, source string) {
	PayloadSourceCount.Add(ctx, 1, otelapi.WithAttributes(attribute.String("source", source)))
}

func IncBuilderFallback(ctx context.Context, reason string) {
	BuilderFallbackCount.Add(ctx, 1, otelapi.WithAttributes(attribute.String("reason", reason)))
}

func IncHealthTransition(ctx context.Context, state string) {
	HealthTransitionCount.Add(ctx, 1, otelapi.WithAttributes(attribute.String("state", state)))
}

func IncPayloadCache(ctx context.Context, event string) {
	PayloadCacheCount.Add(ctx, 1, otelapi.WithAttributes(attribute.String("event", event)))
}

func IncValueDelta(ctx context.Context, outcome string) {
	ValueDeltaCount.Add(ctx, 1, otelapi.WithAttributes(attribute.String("outcome", outcome)))
}
