/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for hostwarden.
//
// Custom span attributes use the `hostwarden.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/hostwarden"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("hostwarden"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartCheckSpan creates the parent span for one scheduled check run.
func StartCheckSpan(ctx context.Context, check string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "check.run",
		trace.WithAttributes(
			attribute.String("hostwarden.check", check),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndCheckSpan records the outcome of a check run and ends the span.
func EndCheckSpan(span trace.Span, events int, err error) {
	span.SetAttributes(attribute.Int("hostwarden.events", events))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartActionSpan creates a child span for a side-effecting action.
func StartActionSpan(ctx context.Context, action, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "action."+action,
		trace.WithAttributes(
			attribute.String("hostwarden.action", action),
			attribute.String("hostwarden.target", target),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndActionSpan records an action result and ends the span.
func EndActionSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StartDispatchSpan creates a span for routing a batch of events.
func StartDispatchSpan(ctx context.Context, events int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "notify.dispatch",
		trace.WithAttributes(
			attribute.Int("hostwarden.events", events),
		),
	)
}
