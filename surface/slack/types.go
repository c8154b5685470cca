package slack

import "encoding/json"

// Block Kit payloads, limited to the kinds the adapter emits.

// Block is one layout block of a message or modal.
type Block struct {
	Type      string         `json:"type"`
	BlockID   string         `json:"block_id,omitempty"`
	Text      *TextObject    `json:"text,omitempty"`
	Elements  []BlockElement `json:"elements,omitempty"`
	Element   *BlockElement  `json:"element,omitempty"`
	Label     *TextObject    `json:"label,omitempty"`
	Accessory *BlockElement  `json:"accessory,omitempty"`
}

// TextObject is a plain_text or mrkdwn text fragment.
type TextObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// BlockElement is an interactive element: button, multi_static_select,
// or plain_text_input.
type BlockElement struct {
	Type             string         `json:"type"`
	ActionID         string         `json:"action_id,omitempty"`
	Text             *TextObject    `json:"text,omitempty"`
	Value            string         `json:"value,omitempty"`
	Style            string         `json:"style,omitempty"`
	Options          []SelectOption `json:"options,omitempty"`
	MaxSelectedItems int            `json:"max_selected_items,omitempty"`
	Placeholder      *TextObject    `json:"placeholder,omitempty"`
	Multiline        bool           `json:"multiline,omitempty"`
}

// SelectOption is one entry of a select menu.
type SelectOption struct {
	Text        *TextObject `json:"text"`
	Value       string      `json:"value"`
	Description *TextObject `json:"description,omitempty"`
}

// ModalView is the views.open payload.
type ModalView struct {
	Type       string      `json:"type"`
	CallbackID string      `json:"callback_id"`
	Title      *TextObject `json:"title"`
	Submit     *TextObject `json:"submit,omitempty"`
	Close      *TextObject `json:"close,omitempty"`
	Blocks     []Block     `json:"blocks"`
}

// --- Inbound payloads ---

// InteractionPayload is the decoded form of a Slack interactivity
// callback (block_actions or view_submission).
type InteractionPayload struct {
	Type      string        `json:"type"`
	TriggerID string        `json:"trigger_id,omitempty"`
	User      PayloadUser   `json:"user"`
	Channel   ChannelRef    `json:"channel,omitempty"`
	Container Container     `json:"container,omitempty"`
	Actions   []BlockAction `json:"actions,omitempty"`
	View      *ViewPayload  `json:"view,omitempty"`
}

// PayloadUser identifies the acting user.
type PayloadUser struct {
	ID string `json:"id"`
}

// ChannelRef identifies the channel an interaction happened in.
type ChannelRef struct {
	ID string `json:"id"`
}

// Container locates the message an interaction belongs to.
type Container struct {
	MessageTS string `json:"message_ts,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	ThreadTS  string `json:"thread_ts,omitempty"`
}

// BlockAction is one element interaction inside a block_actions
// payload.
type BlockAction struct {
	Type            string         `json:"type"`
	ActionID        string         `json:"action_id"`
	Value           string         `json:"value,omitempty"`
	SelectedOptions []SelectOption `json:"selected_options,omitempty"`
}

// ViewPayload is the view part of a view_submission.
type ViewPayload struct {
	CallbackID string    `json:"callback_id"`
	State      ViewState `json:"state"`
}

// ViewState holds submitted input values, keyed by block id then
// action id.
type ViewState struct {
	Values map[string]map[string]ViewStateValue `json:"values"`
}

// ViewStateValue is one submitted input.
type ViewStateValue struct {
	Type            string         `json:"type"`
	Value           string         `json:"value,omitempty"`
	SelectedOptions []SelectOption `json:"selected_options,omitempty"`
}

// MessageEvent is a message event from the Events API.
type MessageEvent struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
}

// ParseInteraction decodes the JSON payload field of an interactivity
// POST.
func ParseInteraction(data []byte) (*InteractionPayload, error) {
	var p InteractionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
