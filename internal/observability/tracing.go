package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/dealflow/internal/config"
)

const tracerName = "github.com/pitabwire/dealflow"

const defaultSamplingRate = 0.1

// Span attributes set by the deal engine.
var (
	AttrTenantID    = attribute.Key("dealflow.tenant_id")
	AttrDealID      = attribute.Key("dealflow.deal_id")
	AttrFromStageID = attribute.Key("dealflow.from_stage_id")
	AttrToStageID   = attribute.Key("dealflow.to_stage_id")
	AttrCalculation = attribute.Key("dealflow.calculation")
	AttrOverride    = attribute.Key("dealflow.override")
	AttrAutoReturn  = attribute.Key("dealflow.auto_return")
	AttrCacheHit    = attribute.Key("dealflow.catalog.cache_hit")
	AttrSharedLoad  = attribute.Key("dealflow.catalog.shared_load")
)

// InitTracing installs the global tracer provider and W3C propagators. With
// tracing disabled nothing is installed and shutdown is a no-op; otherwise
// shutdown flushes buffered spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, service, version string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(service),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithBatcher(exporter),
	}
	if cfg.ForceSampleErrors {
		opts = append(opts, sdktrace.WithSpanProcessor(&errorExporter{exporter: exporter}))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown exporter %q, want otlp or stdout", cfg.Exporter)
	}
}

// newSampler samples root spans at cfg.SamplingRate and follows the parent
// decision otherwise. With ForceSampleErrors, spans left out by the ratio
// are still recorded so errorExporter can ship the failed ones.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate > 1:
		rate = 1
	}
	var root sdktrace.Sampler = sdktrace.TraceIDRatioBased(rate)
	if rate == 1 {
		root = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(root)
	if cfg.ForceSampleErrors {
		return recordUnsampled{sampler}
	}
	return sampler
}

// recordUnsampled turns the delegate's drop decisions into record-only, so
// unsampled spans still reach span processors at end.
type recordUnsampled struct {
	sdktrace.Sampler
}

func (r recordUnsampled) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	res := r.Sampler.ShouldSample(p)
	if res.Decision == sdktrace.Drop {
		res.Decision = sdktrace.RecordOnly
	}
	return res
}

func (r recordUnsampled) Description() string {
	return "RecordUnsampled{" + r.Sampler.Description() + "}"
}

// errorExporter exports ended spans that carry an error status but were not
// sampled. Sampled spans go through the batcher.
type errorExporter struct {
	exporter sdktrace.SpanExporter
}

func (e *errorExporter) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (e *errorExporter) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.SpanContext().IsSampled() || s.Status().Code != codes.Error {
		return
	}
	_ = e.exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{s})
}

func (e *errorExporter) Shutdown(context.Context) error   { return nil }
func (e *errorExporter) ForceFlush(context.Context) error { return nil }

// Tracer returns the dealflow tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the hex trace ID of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the hex span ID of the active span, or "".
func SpanIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware opens the server span of a request, continuing an
// inbound traceparent, and writes the trace context to the response
// headers. Once routing is done the span is renamed to the chi route
// pattern so deal IDs stay out of span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}
