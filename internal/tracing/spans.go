package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartAdmissionSpan creates a child span for the admission phase of a
// synthesize request (fingerprinting, quota check, dedup arbitration).
func StartAdmissionSpan(ctx context.Context, documentID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "admission.process",
		trace.WithAttributes(attribute.String("admission.document_id", documentID)),
	)
}

// StartStageSpan creates a child span for a single named stage of the job
// lifecycle (enqueue, claim, dispatch, finalize, scan).
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "job."+stage,
		trace.WithAttributes(attribute.String("job.stage", stage)),
	)
}

// StartDispatchSpan creates a child span for an external-dispatcher HTTP call.
func StartDispatchSpan(ctx context.Context, url, model string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatcher.synthesize",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dispatch.url", url),
			attribute.String("dispatch.model", model),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the external API can continue
// the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetJobAttributes adds job-level attributes to the current span.
func SetJobAttributes(ctx context.Context, jobID, fingerprint, model, voice string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.fingerprint", fingerprint),
		attribute.String("job.model", model),
		attribute.String("job.voice", voice),
	)
}

// SetResultAttributes adds result-level attributes to the current span.
func SetResultAttributes(ctx context.Context, status string, durationMs int, retryCount int) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("result.status", status),
		attribute.Int("result.duration_ms", durationMs),
		attribute.Int("result.retry_count", retryCount),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
