package observer

import (
	"context"
	"time"

	loom "github.com/nevindra/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedAdapter wraps a loom.SurfaceAdapter with OTEL
// instrumentation for renders and deliveries. Pass-through for the
// cheap accessor methods.
type ObservedAdapter struct {
	inner loom.SurfaceAdapter
	inst  *Instruments
}

var _ loom.SurfaceAdapter = (*ObservedAdapter)(nil)

// WrapAdapter returns an instrumented surface adapter.
func WrapAdapter(inner loom.SurfaceAdapter, inst *Instruments) *ObservedAdapter {
	return &ObservedAdapter{inner: inner, inst: inst}
}

func (o *ObservedAdapter) SurfaceID() string                      { return o.inner.SurfaceID() }
func (o *ObservedAdapter) Version() string                        { return o.inner.Version() }
func (o *ObservedAdapter) Capabilities() loom.SurfaceCapabilities { return o.inner.Capabilities() }

func (o *ObservedAdapter) ParseAction(rawEvent any) *loom.ParsedUserAction {
	return o.inner.ParseAction(rawEvent)
}

func (o *ObservedAdapter) Render(ctx context.Context, target loom.Target, p *loom.InteractionPrimitive, rc loom.RenderContext) (loom.RenderedMessage, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "surface.render", trace.WithAttributes(
		AttrSurfaceID.String(o.inner.SurfaceID()),
		AttrRenderKind.String(string(p.Kind)),
		AttrWorkflowID.String(rc.WorkflowID),
		AttrStepID.String(rc.StepID),
	))
	defer span.End()
	start := time.Now()

	msg, err := o.inner.Render(ctx, target, p, rc)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(AttrUsedFallback.Bool(msg.UsedFallback))

	o.inst.RenderDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		AttrSurfaceID.String(o.inner.SurfaceID()),
	))
	o.inst.DeliveryAttempts.Add(ctx, 1, metric.WithAttributes(
		AttrSurfaceID.String(o.inner.SurfaceID()),
		attribute.String("status", status),
	))
	return msg, err
}

func (o *ObservedAdapter) SendMessage(ctx context.Context, target loom.Target, msg loom.OutboundMessage) (string, error) {
	id, err := o.inner.SendMessage(ctx, target, msg)
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.inst.DeliveryAttempts.Add(ctx, 1, metric.WithAttributes(
		AttrSurfaceID.String(o.inner.SurfaceID()),
		attribute.String("status", status),
	))
	return id, err
}

func (o *ObservedAdapter) UpdateMessage(ctx context.Context, target loom.Target, messageID string, msg loom.OutboundMessage) error {
	return o.inner.UpdateMessage(ctx, target, messageID, msg)
}

func (o *ObservedAdapter) DeleteMessage(ctx context.Context, target loom.Target, messageID string) error {
	return o.inner.DeleteMessage(ctx, target, messageID)
}

func (o *ObservedAdapter) AcknowledgeAction(ctx context.Context, rawEvent any, text string) error {
	return o.inner.AcknowledgeAction(ctx, rawEvent, text)
}
