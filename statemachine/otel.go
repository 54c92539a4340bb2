package statemachine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Spans use the global tracer provider, set up by telemetry.Initialize.

// startRunSpan creates the root span of a run. The caller ends it.
//
//nolint:spancheck // Span lifecycle managed by caller
func (m *Machine[C]) startRunSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(m.opts.tracerName).Start(ctx, "statemachine.run")
	span.SetAttributes(
		attribute.String("machine", m.def.Name),
		attribute.String("run_id", runID),
		attribute.String("initial_state", m.def.Initial),
	)
	m.logSpanDebug(ctx, "started", "statemachine.run", span)

	return ctx, span
}

// startStateSpan creates a child span covering a residency.
//
//nolint:spancheck // Span lifecycle managed by caller
func (m *Machine[C]) startStateSpan(ctx context.Context, state string) (context.Context, trace.Span) {
	spanName := "state." + state
	ctx, span := otel.Tracer(m.opts.tracerName).Start(ctx, spanName)
	span.SetAttributes(
		attribute.String("machine", m.def.Name),
		attribute.String("state", state),
	)
	m.logSpanDebug(ctx, "started", spanName, span)

	return ctx, span
}

// startCommandSpan creates a child span around the commands of a transition.
//
//nolint:spancheck // Span lifecycle managed by caller
func (m *Machine[C]) startCommandSpan(ctx context.Context, from, to, event string) (context.Context, trace.Span) {
	spanName := "command." + event
	ctx, span := otel.Tracer(m.opts.tracerName).Start(ctx, spanName)
	span.SetAttributes(
		attribute.String("machine", m.def.Name),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
		attribute.String("event", event),
	)

	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "completed")
	}

	span.End()
}

// logSpanDebug logs span creation in debug mode.
func (m *Machine[C]) logSpanDebug(ctx context.Context, phase string, spanName string, span trace.Span) {
	if !m.opts.debug {
		return
	}

	spanCtx := span.SpanContext()
	slog.DebugContext(ctx, "OTEL Span "+phase,
		"span_name", spanName,
		"trace_id", spanCtx.TraceID().String(),
		"span_id", spanCtx.SpanID().String(),
	)
}
