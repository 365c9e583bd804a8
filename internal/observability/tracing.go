// Package observability provides logging, OpenTelemetry tracing, metrics and
// the audit log for pdfrag.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the name used for the pdfrag tracer.
	TracerName = "github.com/efebarandurmaz/pdfrag"
)

// TracingConfig configures the OpenTelemetry tracing.
type TracingConfig struct {
	// ServiceName is the name of the service (default: "pdfrag")
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Environment is the deployment environment (dev, staging, prod)
	Environment string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317")
	// If empty, tracing is disabled.
	OTLPEndpoint string

	// SampleRate is the trace sampling rate (0.0 to 1.0, default: 1.0)
	SampleRate float64
}

// DefaultTracingConfig returns a default tracing configuration.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "pdfrag",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// TracerProvider wraps the OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing.
// Returns a no-op tracer if OTLPEndpoint is empty.
func InitTracing(ctx context.Context, cfg *TracingConfig) (*TracerProvider, error) {
	if cfg == nil {
		cfg = DefaultTracingConfig()
	}

	// If no endpoint, return no-op tracer
	if cfg.OTLPEndpoint == "" {
		return &TracerProvider{
			tracer: otel.Tracer(TracerName),
		}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SampleRate)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer(TracerName),
	}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans and shuts down the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// SpanKind values carried in the pdfrag.span.kind attribute.
const (
	SpanKindIndex     = "index"
	SpanKindRetrieval = "retrieval"
	SpanKindLLM       = "llm"
	SpanKindVector    = "vector"
)

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartIndexSpan starts the span around indexing one document.
func StartIndexSpan(ctx context.Context, source string, force bool) (context.Context, trace.Span) {
	return start(ctx, "index.document", trace.SpanKindInternal,
		attribute.String("pdfrag.span.kind", SpanKindIndex),
		attribute.String("document.source", source),
		attribute.Bool("index.force", force),
	)
}

// RecordIndexResult records the outcome of an indexing run on a span.
func RecordIndexResult(span trace.Span, pages, chunks, replaced int, skipped bool) {
	span.SetAttributes(
		attribute.Int("index.pages", pages),
		attribute.Int("index.chunks", chunks),
		attribute.Int("index.replaced", replaced),
		attribute.Bool("index.skipped", skipped),
	)
}

// StartSearchSpan starts a similarity search span.
func StartSearchSpan(ctx context.Context, k int) (context.Context, trace.Span) {
	return start(ctx, "retrieval.search", trace.SpanKindInternal,
		attribute.String("pdfrag.span.kind", SpanKindRetrieval),
		attribute.Int("retrieval.k", k),
	)
}

// StartAnswerSpan starts a question answering span.
func StartAnswerSpan(ctx context.Context) (context.Context, trace.Span) {
	return start(ctx, "retrieval.answer", trace.SpanKindInternal,
		attribute.String("pdfrag.span.kind", SpanKindRetrieval),
	)
}

// RecordAnswerResult records how much retrieved context reached the model.
func RecordAnswerResult(span trace.Span, used, dropped, contextChars int) {
	span.SetAttributes(
		attribute.Int("retrieval.chunks_used", used),
		attribute.Int("retrieval.chunks_dropped", dropped),
		attribute.Int("retrieval.context_chars", contextChars),
	)
}

// StartLLMSpan starts a span for an LLM completion call.
func StartLLMSpan(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	return start(ctx, "llm.complete", trace.SpanKindClient,
		attribute.String("pdfrag.span.kind", SpanKindLLM),
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
}

// StartEmbedSpan starts a span for an embedding call.
func StartEmbedSpan(ctx context.Context, provider string, batch int) (context.Context, trace.Span) {
	return start(ctx, "llm.embed", trace.SpanKindClient,
		attribute.String("pdfrag.span.kind", SpanKindLLM),
		attribute.String("llm.provider", provider),
		attribute.Int("llm.batch_size", batch),
	)
}

// RecordLLMMetrics records LLM call metrics on a span.
func RecordLLMMetrics(span trace.Span, inputTokens, outputTokens int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("llm.input_tokens", inputTokens),
		attribute.Int("llm.output_tokens", outputTokens),
		attribute.Int("llm.total_tokens", inputTokens+outputTokens),
		attribute.Int64("llm.duration_ms", duration.Milliseconds()),
	)
}

// StartVectorSpan starts a span for a vector store operation, named
// vector.<op>.
func StartVectorSpan(ctx context.Context, backend, op string) (context.Context, trace.Span) {
	return start(ctx, "vector."+op, trace.SpanKindClient,
		attribute.String("pdfrag.span.kind", SpanKindVector),
		attribute.String("vector.backend", backend),
	)
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
