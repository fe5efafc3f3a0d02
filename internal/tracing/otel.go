package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	setupOnce sync.Once
	setupErr  error

	shutdownMu sync.Mutex
	shutdownFn func(context.Context) error
)

// InitOpenTelemetry installs the process-wide tracer provider. Later calls
// are no-ops and return the first call's error.
func InitOpenTelemetry(serviceName string) error {
	setupOnce.Do(func() {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			),
		)
		if err != nil {
			setupErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)

		shutdownMu.Lock()
		shutdownFn = tp.Shutdown
		shutdownMu.Unlock()
	})
	return setupErr
}

// ShutdownOpenTelemetry flushes pending spans. Returns nil when tracing was
// never initialized.
func ShutdownOpenTelemetry(ctx context.Context) error {
	shutdownMu.Lock()
	fn := shutdownFn
	shutdownFn = nil
	shutdownMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// StartSpan opens a span carrying the given attributes plus any agent and
// task IDs already on the context, and seeds the context trace ID from the
// span when the caller has not set one.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if agentID := GetAgentID(ctx); agentID != "" {
		attrs = append(attrs, attribute.String("agent.id", agentID))
	}
	if taskID := GetTaskID(ctx); taskID != "" {
		attrs = append(attrs, attribute.String("task.id", taskID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
