package observer

import (
	"context"
	"time"

	loom "github.com/nevindra/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedToolExecutor wraps a loom.ToolExecutor with OTEL
// instrumentation.
type ObservedToolExecutor struct {
	inner loom.ToolExecutor
	inst  *Instruments
}

var _ loom.ToolExecutor = (*ObservedToolExecutor)(nil)

// WrapToolExecutor returns an instrumented tool executor.
func WrapToolExecutor(inner loom.ToolExecutor, inst *Instruments) *ObservedToolExecutor {
	return &ObservedToolExecutor{inner: inner, inst: inst}
}

func (o *ObservedToolExecutor) Execute(ctx context.Context, name string, params map[string]any) (loom.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, params)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if !result.Success {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Result)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result.Result)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
