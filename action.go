package loom

// ActionKind enumerates the uniform action vocabulary adapters produce.
type ActionKind string

const (
	// ActionSelection is a single or multi selection (button press,
	// numbered text reply, multi-select submit).
	ActionSelection ActionKind = "selection"
	// ActionText is a free-form text reply.
	ActionText ActionKind = "text"
	// ActionCancel is the cancel meta-action.
	ActionCancel ActionKind = "cancel"
	// ActionBack is the back meta-action.
	ActionBack ActionKind = "back"
)

// Reserved action ids carried in callback data. Adapters recognize these
// and emit the matching meta-action.
const (
	ActionIDCancel = "__cancel__"
	ActionIDBack   = "__back__"
	// ActionIDSubmit batches a multi-select submission.
	ActionIDSubmit = "submit"
)

// SurfaceRef identifies where an action came from: the surface, the
// surface-native user id, and optionally the channel/thread for surfaces
// that have them.
type SurfaceRef struct {
	SurfaceID     string `json:"surfaceId"`
	SurfaceUserID string `json:"surfaceUserId"`
	ChannelID     string `json:"channelId,omitempty"`
	ThreadID      string `json:"threadId,omitempty"`
}

// ParsedUserAction is the uniform, fully-decoded form of one inbound
// user event. Adapters produce it in parseAction; the engine never sees
// transport-native payloads.
type ParsedUserAction struct {
	Kind ActionKind

	// Values holds the selected option id(s) for ActionSelection.
	// Single selections use Values[0].
	Values []string

	// Text holds the reply body for ActionText.
	Text string

	// WorkflowID/StepID are set when the event carried callback data
	// identifying the workflow context. Empty for bare text replies,
	// where the engine resolves them from the user's active state.
	WorkflowID string
	StepID     string

	Surface SurfaceRef

	// RawEvent is the transport-native event, kept for acknowledgement.
	RawEvent any
}

// Value returns the single selection value, or "" when none was made.
func (a *ParsedUserAction) Value() string {
	if len(a.Values) == 0 {
		return ""
	}
	return a.Values[0]
}
