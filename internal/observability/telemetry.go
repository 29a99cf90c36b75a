// Package observability настраивает трассировку OpenTelemetry.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/annel0/tileblend/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Options параметры трассировки.
type Options struct {
	Enabled     bool
	ServiceName string
	// InstanceID отличает узлы сервиса в одном коллекторе.
	InstanceID string
	// Endpoint host:port OTLP коллектора; пусто: переменные OTEL_* или localhost:4318.
	Endpoint string
	Insecure bool
	// SampleRatio доля корневых спанов, 0 или >= 1 пишет все.
	SampleRatio float64
}

// Shutdown сбрасывает буфер спанов и останавливает провайдер.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

func (o Options) sampler() sdktrace.Sampler {
	if o.SampleRatio <= 0 || o.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.SampleRatio))
}

// InitTelemetry ставит глобальный TracerProvider с OTLP/HTTP экспортером и
// W3C propagator. Выключенная телеметрия оставляет no-op провайдер, и
// спаны сервиса и otelgin получаются невалидными.
func InitTelemetry(ctx context.Context, opts Options) (Shutdown, error) {
	if !opts.Enabled {
		return noopShutdown, nil
	}
	if opts.ServiceName == "" {
		return nil, errors.New("telemetry: service name is required")
	}

	expOpts := []otlptracehttp.Option{}
	if opts.Endpoint != "" {
		expOpts = append(expOpts, otlptracehttp.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		expOpts = append(expOpts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, expOpts...)
	if err != nil {
		return nil, err
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(opts.ServiceName))}
	if opts.InstanceID != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(opts.InstanceID)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(opts.sampler()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	logging.Info("📡 OpenTelemetry: %s (%s) -> %q", opts.ServiceName, opts.InstanceID, opts.Endpoint)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}, nil
}
