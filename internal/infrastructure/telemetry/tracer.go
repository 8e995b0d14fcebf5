package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/civiclens/capitol-ingest"

// StartPhaseSpan starts a span covering one pipeline phase.
func StartPhaseSpan(ctx context.Context, phase string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, fmt.Sprintf("pipeline.%s", phase),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("pipeline.phase", phase)))
}

// StartDatabaseSpan starts a span for one database statement.
func StartDatabaseSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, fmt.Sprintf("db.%s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
			attribute.String("db.system", "postgresql"),
		))
}

// StartFetchSpan starts a client span for one URL fetch, a child of the
// download phase span.
func StartFetchSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, "download.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", url)))
}

// StartHTTPSpan starts a server span for an inbound request.
func StartHTTPSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return Tracer(tracerName).Start(ctx, fmt.Sprintf("%s %s", method, path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
		))
}

// WithSpanError records err on the span and marks it failed. Nil errors
// are ignored.
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
