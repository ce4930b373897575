//go:build otelotlp

// Package otelobs wires OpenTelemetry into the service HTTP surface. This
// build exports traces and metrics over OTLP HTTP when
// OTEL_EXPORTER_OTLP_ENDPOINT is set.
package otelobs

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"aegis/pkg/structlog"
)

func noopShutdown(context.Context) error { return nil }

func serviceResource(serviceName string) *resource.Resource {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		structlog.Error("otel resource init failed", structlog.Fields{"error": err.Error()})
		return resource.Empty()
	}
	return res
}

// InitTracer sets up an OTLP HTTP trace exporter and returns a shutdown func.
func InitTracer(serviceName string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		structlog.Debug("tracing disabled, OTEL_EXPORTER_OTLP_ENDPOINT unset", structlog.Fields{"service": serviceName})
		return noopShutdown
	}
	exp, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		structlog.Error("otel trace exporter init failed", structlog.Fields{"error": err.Error()})
		return noopShutdown
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(serviceResource(serviceName)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// InitMeter sets up an OTLP HTTP metric exporter with a periodic reader and
// returns a shutdown func.
func InitMeter(serviceName string) func(context.Context) error {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return noopShutdown
	}
	exp, err := otlpmetrichttp.New(context.Background(),
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		structlog.Error("otel metric exporter init failed", structlog.Fields{"error": err.Error()})
		return noopShutdown
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(60*time.Second))),
		sdkmetric.WithResource(serviceResource(serviceName)),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown
}

// WrapHTTPHandler instruments a handler with server spans.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, serviceName)
}

// WrapHTTPTransport instruments an outbound transport with trace propagation.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(t)
}
