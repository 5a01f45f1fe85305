package otelx

import (
	"context"
	"time"

	"github.com/appointly/appointly/libs/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	ServiceName string
	Environment string
	// Endpoint is the OTLP gRPC collector (host:port). Empty disables export
	// while still installing propagators, so trace context keeps flowing
	// through the outbox.
	Endpoint    string
	SampleRatio float64
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SAMPLING_RATIO and
// APP_ENV. Out-of-range ratios fall back to 1.
func ConfigFromEnv(serviceName string) Config {
	ratio := 1.0
	if v, err := config.Float("OTEL_SAMPLING_RATIO", 1); err == nil && v >= 0 && v <= 1 {
		ratio = v
	}
	endpoint := config.String("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if enabled, err := config.Bool("OTEL_ENABLED", true); err == nil && !enabled {
		endpoint = ""
	}
	return Config{
		ServiceName: serviceName,
		Environment: config.String("APP_ENV", "development"),
		Endpoint:    endpoint,
		SampleRatio: ratio,
	}
}

// Setup installs the W3C propagators and, when an endpoint is configured,
// a batching OTLP tracer provider. Call the returned func on shutdown.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(3*time.Second),
	)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer("appointly/" + name)
}
