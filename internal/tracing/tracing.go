package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"bench-history/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "bench-history"

// TracingService manages OpenTelemetry tracing
type TracingService struct {
	config   config.TracingConfig
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
}

// Noop returns a service whose spans are never recorded
func Noop() *TracingService {
	return &TracingService{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// NewTracingService creates a new tracing service. Console spans go to out,
// or stdout when out is nil.
func NewTracingService(cfg config.TracingConfig, out io.Writer) (*TracingService, error) {
	if !cfg.Enabled || cfg.ExporterType == "none" {
		ts := Noop()
		ts.config = cfg
		return ts, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter trace.SpanExporter
	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint),
			otlptracehttp.WithHeaders(cfg.OTLPHeaders),
		)
		exporter, err = otlptrace.New(context.Background(), client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "console":
		if out == nil {
			out = os.Stdout
		}
		exporter = NewConsoleExporter(out)
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	samplingRatio := cfg.SamplingRatio
	if samplingRatio <= 0 {
		samplingRatio = 1.0
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithBatcher(exporter),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(samplingRatio))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingService{
		config:   cfg,
		tracer:   tp.Tracer(tracerName),
		provider: tp,
	}, nil
}

// StartSpan starts a new span
func (ts *TracingService) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return ts.tracer.Start(ctx, name, opts...)
}

// RecordError records an error in the current span
func (ts *TracingService) RecordError(span oteltrace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// End closes span, marking it failed when err is set
func (ts *TracingService) End(span oteltrace.Span, err error) {
	if err != nil {
		ts.RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Close flushes pending spans and shuts down the provider
func (ts *TracingService) Close(ctx context.Context) error {
	if ts.provider != nil {
		return ts.provider.Shutdown(ctx)
	}
	return nil
}

// GetTracer returns the underlying tracer
func (ts *TracingService) GetTracer() oteltrace.Tracer {
	return ts.tracer
}

// TraceOperation runs fn inside a span named operationName
func (ts *TracingService) TraceOperation(ctx context.Context, operationName string, fn func(context.Context, oteltrace.Span) error) error {
	ctx, span := ts.StartSpan(ctx, operationName)
	err := fn(ctx, span)
	ts.End(span, err)
	return err
}

// InstrumentStorageOperation creates a span for a history store operation
func (ts *TracingService) InstrumentStorageOperation(ctx context.Context, operation, suite string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, "history."+operation,
		oteltrace.WithAttributes(
			attribute.String("history.operation", operation),
			attribute.String("bench.suite", suite),
			attribute.String("component", "history"),
		),
	)
}

// InstrumentEvaluation creates a span for detector evaluation of one run
func (ts *TracingService) InstrumentEvaluation(ctx context.Context, suite string, metrics int, dryRun bool) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, "detector.evaluate",
		oteltrace.WithAttributes(
			attribute.String("bench.suite", suite),
			attribute.Int("bench.metrics", metrics),
			attribute.Bool("bench.dry_run", dryRun),
			attribute.String("component", "detector"),
		),
	)
}

// InstrumentHTTPRequest creates a span for HTTP requests
func (ts *TracingService) InstrumentHTTPRequest(ctx context.Context, method, route string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, fmt.Sprintf("http.%s %s", method, route),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
			attribute.String("component", "http"),
		),
	)
}

// InstrumentGRPCRequest creates a span for gRPC requests
func (ts *TracingService) InstrumentGRPCRequest(ctx context.Context, fullMethod string) (context.Context, oteltrace.Span) {
	return ts.StartSpan(ctx, "grpc."+fullMethod,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("rpc.method", fullMethod),
			attribute.String("rpc.system", "grpc"),
			attribute.String("component", "grpc"),
		),
	)
}
