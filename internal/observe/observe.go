// Package observe provides the tracing hooks the engine emits through. The
// otel API is dependency-injected by the embedder; without a configured SDK
// the spans are no-ops.
package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/stackbrowse/orchestrator"

// Tracer returns the orchestrator tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartExecutionSpan opens a span covering one workflow execution.
func StartExecutionSpan(ctx context.Context, executionID, workflowID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "execution.run",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("workflow.id", workflowID),
		),
	)
}

// StartTaskSpan opens a span covering one task attempt.
func StartTaskSpan(ctx context.Context, taskName, agentType, action string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.attempt",
		trace.WithAttributes(
			attribute.String("task.name", taskName),
			attribute.String("task.agent_type", agentType),
			attribute.String("task.action", action),
			attribute.Int("task.attempt", attempt),
		),
	)
}

// EndSpan records the error (if any) and closes the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
