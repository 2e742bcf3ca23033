package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the OpenTelemetry tracer name.
	TracerName = "warden"
)

// Tracer returns the named tracer from tp, or from the global provider when
// tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(TracerName)
}

// Remediation describes one fix attempt being traced.
type Remediation struct {
	PatternName string
	PatternKey  string
	Strategy    string
	Attempt     int
	Target      string
}

// TraceRemediation starts a span around a fix attempt.
func TraceRemediation(ctx context.Context, tracer trace.Tracer, r *Remediation) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("pattern.name", r.PatternName),
		attribute.String("pattern.key", r.PatternKey),
		attribute.String("fix.strategy", r.Strategy),
		attribute.Int("fix.attempt", r.Attempt),
	}
	if r.Target != "" {
		attrs = append(attrs, attribute.String("fix.target", r.Target))
	}
	return tracer.Start(ctx, "remediate."+r.Strategy,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// RecordOutcome records the result of a fix attempt on a span.
func RecordOutcome(span trace.Span, success, needsRestart bool, files []string) {
	span.SetAttributes(
		attribute.Bool("fix.success", success),
		attribute.Bool("fix.needs_restart", needsRestart),
	)
	if len(files) > 0 {
		span.SetAttributes(attribute.String("fix.files", strings.Join(files, ",")))
	}
	if !success {
		span.SetStatus(codes.Error, "remediation failed")
	}
}

// PatchSpan creates a child span for a patch stage (validate, check, apply).
func PatchSpan(ctx context.Context, tracer trace.Tracer, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "patch."+stage, trace.WithSpanKind(trace.SpanKindInternal))
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// ExtractTraceID extracts the trace ID from a context.
func ExtractTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// ExtractSpanID extracts the span ID from a context.
func ExtractSpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.SpanID().String()
}
