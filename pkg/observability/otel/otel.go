//go:build !otelotlp

// Package otelobs wires OpenTelemetry into the service HTTP surface. The
// default build is a no-op so the exporter stack stays out of light builds;
// compile with -tags otelotlp to enable OTLP export.
package otelobs

import (
	"context"
	"net/http"
)

// InitTracer is a no-op by default. Build with -tags otelotlp to enable
// OTLP trace export.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// InitMeter is a no-op by default. Build with -tags otelotlp to enable
// OTLP metric export.
func InitMeter(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}

// WrapHTTPHandler is a no-op by default.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }

// WrapHTTPTransport is a no-op by default.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper { return t }
