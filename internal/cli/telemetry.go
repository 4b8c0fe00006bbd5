package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "modx"

// telemetry holds the providers handed to the cache and the transport. Nil
// providers make the libraries fall back to the global no-op ones.
type telemetry struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	shutdowns []func(context.Context) error
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}

// setupTelemetry builds SDK providers for exporter. The stdout exporters
// write to w so they never interleave with command output.
func setupTelemetry(ctx context.Context, exporter string, w io.Writer) (*telemetry, error) {
	t := &telemetry{}
	if exporter == "" || exporter == "none" {
		return t, nil
	}
	if exporter != "stdout" {
		return nil, fmt.Errorf("unknown telemetry exporter: %q", exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter),
	)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create metrics exporter: %w", err), tp.Shutdown(ctx))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	t.tracerProvider = tp
	t.meterProvider = mp
	t.shutdowns = []func(context.Context) error{
		func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return fmt.Errorf("tracer shutdown: %w", err)
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := mp.Shutdown(ctx); err != nil {
				return fmt.Errorf("meter shutdown: %w", err)
			}
			return nil
		},
	}

	return t, nil
}
