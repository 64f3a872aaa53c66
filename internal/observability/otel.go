// Package observability configures OpenTelemetry tracing for the service.
// Spans are started by the saga, the bus helpers and the HTTP middleware
// through the global tracer provider installed here.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"

	"github.com/tbourn/go-tryon-backend/internal/config"
)

// ShutdownFunc flushes and stops a component.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Swappable in tests.
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
		return resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
				semconv.ServiceVersion(version),
				semconv.ServiceNamespace("tryon"),
			),
			resource.WithProcessRuntimeName(),
			resource.WithProcessRuntimeVersion(),
		)
	}
)

// SetupOTel installs an OTLP/gRPC tracer provider and the W3C propagators.
// When tracing is disabled it returns a no-op shutdown. Globals are left
// untouched on error.
func SetupOTel(ctx context.Context, cfg config.OTELConfig, version string) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exp, err := newOTLPExporterFn(ctx, newOTLPClient(opts...))
	if err != nil {
		return nil, err
	}
	res, err := newServiceResourceFn(ctx, cfg.ServiceName, version)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(ctx))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(cfg.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// Chain runs fns in reverse order, like deferred calls, and joins their
// errors. Nil entries are skipped.
func Chain(fns ...ShutdownFunc) ShutdownFunc {
	return func(ctx context.Context) error {
		var errs []error
		for i := len(fns) - 1; i >= 0; i-- {
			if fns[i] == nil {
				continue
			}
			if err := fns[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
