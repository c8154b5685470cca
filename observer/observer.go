// Package observer provides OTEL-based observability for loom workflow
// operations.
//
// It supplies a loom.Tracer backed by OpenTelemetry plus instrumented
// wrappers for tool executors and surface adapters. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/loom/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	WorkflowStarts      metric.Int64Counter
	WorkflowCompletions metric.Int64Counter
	ActionsHandled      metric.Int64Counter
	ToolExecutions      metric.Int64Counter
	DeliveryAttempts    metric.Int64Counter

	// Histograms
	ActionDuration metric.Float64Histogram
	RenderDuration metric.Float64Histogram
	ToolDuration   metric.Float64Histogram

	// QueueDepth tracks the retry queue size across all users.
	QueueDepth metric.Int64UpDownCounter
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("loom")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	workflowStarts, err := meter.Int64Counter("workflow.starts",
		metric.WithDescription("Workflow instances started"),
		metric.WithUnit("{workflow}"))
	if err != nil {
		return nil, err
	}

	workflowCompletions, err := meter.Int64Counter("workflow.completions",
		metric.WithDescription("Workflow instances completed or cancelled"),
		metric.WithUnit("{workflow}"))
	if err != nil {
		return nil, err
	}

	actionsHandled, err := meter.Int64Counter("workflow.actions",
		metric.WithDescription("User actions handled"),
		metric.WithUnit("{action}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	deliveryAttempts, err := meter.Int64Counter("delivery.attempts",
		metric.WithDescription("Outbound delivery attempts by surface and status"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	actionDuration, err := meter.Float64Histogram("workflow.action.duration",
		metric.WithDescription("Action handling duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	renderDuration, err := meter.Float64Histogram("surface.render.duration",
		metric.WithDescription("Primitive render duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter("delivery.queue.depth",
		metric.WithDescription("Messages waiting in the retry queue"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:              tracer,
		Meter:               meter,
		Logger:              logger,
		WorkflowStarts:      workflowStarts,
		WorkflowCompletions: workflowCompletions,
		ActionsHandled:      actionsHandled,
		ToolExecutions:      toolExecutions,
		DeliveryAttempts:    deliveryAttempts,
		ActionDuration:      actionDuration,
		RenderDuration:      renderDuration,
		ToolDuration:        toolDuration,
		QueueDepth:          queueDepth,
	}, nil
}
