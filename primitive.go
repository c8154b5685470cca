package loom

// PrimitiveKind enumerates the abstract interaction primitives. Adapters
// never see workflow step types; they see primitives.
type PrimitiveKind string

const (
	// PrimitiveInfo is a plain informational message with no expected reply.
	PrimitiveInfo PrimitiveKind = "info"
	// PrimitiveChoice asks the user to pick exactly one option.
	PrimitiveChoice PrimitiveKind = "choice"
	// PrimitiveMultiChoice asks the user to pick zero or more options.
	PrimitiveMultiChoice PrimitiveKind = "multi-choice"
	// PrimitiveConfirm asks a yes/no question.
	PrimitiveConfirm PrimitiveKind = "confirm"
	// PrimitiveTextInput asks for free-form text.
	PrimitiveTextInput PrimitiveKind = "text-input"
	// PrimitiveMedia delivers an image, file, or voice message.
	PrimitiveMedia PrimitiveKind = "media"
)

// MediaKind enumerates media payload types for PrimitiveMedia.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaFile  MediaKind = "file"
	MediaVoice MediaKind = "voice"
)

// OptionStyle hints how a choice button should be drawn on surfaces that
// support styled buttons. Best-effort; text fallbacks ignore it.
type OptionStyle string

const (
	StyleDefault OptionStyle = ""
	StylePrimary OptionStyle = "primary"
	StyleDanger  OptionStyle = "danger"
)

// Option is one selectable entry of a choice or multi-choice primitive.
type Option struct {
	ID          string      `json:"id"`
	Label       string      `json:"label"`
	Description string      `json:"description,omitempty"`
	Style       OptionStyle `json:"style,omitempty"`
}

// Progress is the "step N of M" indicator attached to a rendered step.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Media describes the payload of a media primitive. Exactly one of URL or
// Path is normally set; MimeType is advisory.
type Media struct {
	Kind     MediaKind `json:"kind"`
	URL      string    `json:"url,omitempty"`
	Path     string    `json:"path,omitempty"`
	MimeType string    `json:"mimeType,omitempty"`
	Caption  string    `json:"caption,omitempty"`
}

// InteractionPrimitive is the surface-agnostic description of one
// interaction. Content is already interpolated by the engine; adapters
// render it verbatim (subject to their own length limits).
type InteractionPrimitive struct {
	Kind    PrimitiveKind `json:"kind"`
	Content string        `json:"content"`

	// Options is set for choice and multi-choice primitives.
	Options []Option `json:"options,omitempty"`

	// MinSelections/MaxSelections bound multi-choice submissions.
	// Zero values mean unbounded.
	MinSelections int `json:"minSelections,omitempty"`
	MaxSelections int `json:"maxSelections,omitempty"`

	// YesLabel/NoLabel are set for confirm primitives.
	YesLabel string `json:"yesLabel,omitempty"`
	NoLabel  string `json:"noLabel,omitempty"`

	// Placeholder is a hint for text-input primitives on surfaces with
	// structured input (modals).
	Placeholder string `json:"placeholder,omitempty"`

	// Media is set for media primitives.
	Media *Media `json:"media,omitempty"`

	// Progress is the optional "step N of M" indicator.
	Progress *Progress `json:"progress,omitempty"`

	// IncludeBack/IncludeCancel ask the adapter to offer the back and
	// cancel meta-actions alongside the primitive.
	IncludeBack   bool `json:"includeBack"`
	IncludeCancel bool `json:"includeCancel"`
}

// metaActionCount returns how many meta buttons (back/cancel) the
// primitive carries. Used by the negotiator's button budget check.
func (p *InteractionPrimitive) metaActionCount() int {
	n := 0
	if p.IncludeBack {
		n++
	}
	if p.IncludeCancel {
		n++
	}
	return n
}
