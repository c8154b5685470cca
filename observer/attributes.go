package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow observability spans and metrics.
var (
	AttrWorkflowID = attribute.Key("workflow.id")
	AttrStepID     = attribute.Key("workflow.step")
	AttrUserID     = attribute.Key("workflow.user")
	AttrResult     = attribute.Key("workflow.result")
	AttrActionKind = attribute.Key("workflow.action_kind")

	AttrSurfaceID    = attribute.Key("surface.id")
	AttrRenderKind   = attribute.Key("surface.primitive")
	AttrUsedFallback = attribute.Key("surface.used_fallback")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrDeliveryStatus = attribute.Key("delivery.status")
)
