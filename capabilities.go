package loom

// SurfaceCapabilities declares what a surface can render natively.
// These are static per-adapter constants; there is no runtime
// re-negotiation. The negotiator consumes them to choose between native
// controls and text fallbacks.
type SurfaceCapabilities struct {
	InlineButtons      bool `json:"inlineButtons"`
	MultiSelectButtons bool `json:"multiSelectButtons"`
	Reactions          bool `json:"reactions"`
	FileUpload         bool `json:"fileUpload"`
	VoiceMessages      bool `json:"voiceMessages"`
	Threading          bool `json:"threading"`
	RichText           bool `json:"richText"`
	Modals             bool `json:"modals"`

	MaxButtonsPerRow int `json:"maxButtonsPerRow"`
	MaxButtonRows    int `json:"maxButtonRows"`
	MaxMessageLength int `json:"maxMessageLength"`
}

// buttonBudget returns the total number of inline buttons the surface
// can show on one message.
func (c SurfaceCapabilities) buttonBudget() int {
	return c.MaxButtonsPerRow * c.MaxButtonRows
}
