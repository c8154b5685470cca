package loom

import "context"

// Target identifies where an outbound message goes on one surface.
type Target struct {
	SurfaceUserID string `json:"surfaceUserId"`
	ChannelID     string `json:"channelId,omitempty"`
	ThreadID      string `json:"threadId,omitempty"`
}

// RenderContext carries the workflow coordinates an adapter needs to
// encode callback data for the primitive it renders.
type RenderContext struct {
	WorkflowID string
	StepID     string
	UserID     string
}

// RenderedMessage reports the outcome of a render.
type RenderedMessage struct {
	// MessageID is the transport's opaque id for the emitted message,
	// usable with UpdateMessage/DeleteMessage.
	MessageID string
	// UsedFallback is true when the negotiator downgraded the primitive.
	UsedFallback bool
	// FallbackType names the substitute rendering ("text-fallback",
	// "notify-blocked") when UsedFallback is set.
	FallbackType string
}

// OutboundMessage is a free-form (non-workflow) payload for SendMessage
// and UpdateMessage.
type OutboundMessage struct {
	Text string `json:"text"`
	// Markdown marks Text as markdown; surfaces with rich text render
	// it natively, others strip to plain text.
	Markdown bool `json:"markdown,omitempty"`
}

// SurfaceAdapter is the contract every surface implements. All methods
// are safe for concurrent use. Adapters are responsible for their own
// length caps (truncation with ellipsis or chunked sends) and for
// folding action buttons into rows within Capabilities().
type SurfaceAdapter interface {
	// SurfaceID returns the stable surface identifier ("telegram",
	// "slack", "sms").
	SurfaceID() string

	// Version returns the adapter implementation version.
	Version() string

	// Capabilities returns the static capability descriptor.
	Capabilities() SurfaceCapabilities

	// Render emits a primitive to the target, preserving the callback
	// encoding wf:<workflowId>|s:<stepId>|a:<actionId> on any controls.
	Render(ctx context.Context, target Target, p *InteractionPrimitive, rc RenderContext) (RenderedMessage, error)

	// ParseAction decodes a transport-native event into the uniform
	// ParsedUserAction. Returns nil for events the adapter does not
	// recognize as workflow input.
	ParseAction(rawEvent any) *ParsedUserAction

	// SendMessage emits a free-form message.
	SendMessage(ctx context.Context, target Target, msg OutboundMessage) (string, error)

	// UpdateMessage edits a previously sent message in place.
	// Best-effort: silently no-ops on message kinds the transport
	// cannot edit (modal submissions, file uploads).
	UpdateMessage(ctx context.Context, target Target, messageID string, msg OutboundMessage) error

	// DeleteMessage removes a previously sent message. Best-effort.
	DeleteMessage(ctx context.Context, target Target, messageID string) error

	// AcknowledgeAction performs the transport-specific quick-ack for an
	// inbound event (ephemeral reply, callback answer). May be a no-op
	// when the transport acks at the HTTP layer.
	AcknowledgeAction(ctx context.Context, rawEvent any, text string) error
}
