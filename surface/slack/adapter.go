// Package slack implements the Slack surface with Block Kit messages,
// native multi-select menus, and modals for text input. Interactivity
// payloads arrive over HTTP and are acked at the transport layer, so
// AcknowledgeAction only posts an ephemeral notice when asked to.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/loom"
)

const (
	// SurfaceID is the stable identifier for this surface.
	SurfaceID = "slack"

	adapterVersion   = "1.0.0"
	sectionTextLimit = 3000
	modalOpenTimeout = 5 * time.Second
)

// API is the Web API subset the adapter calls. *Client implements it;
// tests substitute a fake.
type API interface {
	PostMessage(ctx context.Context, channel, threadTS, text string, blocks []Block) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string, blocks []Block) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	OpenView(ctx context.Context, triggerID string, view ModalView) error
	PostEphemeral(ctx context.Context, channel, user, text string) error
}

var _ API = (*Client)(nil)

// Adapter implements loom.SurfaceAdapter over the Slack Web API.
type Adapter struct {
	api    API
	logger *slog.Logger

	mu sync.Mutex
	// multiPending tracks the live selection of multi-select messages,
	// keyed by channel:ts. Flushed by the Submit button.
	multiPending map[string][]string
	// modalPending maps a wf_modal: callback id to the modal contents to
	// open when its button is pressed.
	modalPending map[string]modalSpec
}

var _ loom.SurfaceAdapter = (*Adapter)(nil)

type modalSpec struct {
	prompt      string
	placeholder string
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates the Slack adapter over a Web API client.
func NewAdapter(api API, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		api:          api,
		logger:       slog.New(discardHandler{}),
		multiPending: make(map[string][]string),
		modalPending: make(map[string]modalSpec),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) SurfaceID() string { return SurfaceID }
func (a *Adapter) Version() string   { return adapterVersion }

func (a *Adapter) Capabilities() loom.SurfaceCapabilities {
	return loom.SurfaceCapabilities{
		InlineButtons:      true,
		MultiSelectButtons: true,
		Reactions:          true,
		FileUpload:         true,
		Threading:          true,
		RichText:           true,
		Modals:             true,
		MaxButtonsPerRow:   5,
		MaxButtonRows:      5,
		MaxMessageLength:   sectionTextLimit,
	}
}

// Render emits a primitive as a Block Kit message.
func (a *Adapter) Render(ctx context.Context, target loom.Target, p *loom.InteractionPrimitive, rc loom.RenderContext) (loom.RenderedMessage, error) {
	plan := loom.Negotiate(p, a.Capabilities())
	switch plan.Strategy {
	case loom.RenderBlocked:
		ts, err := a.post(ctx, target, plan.BlockedReason, nil)
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: ts, UsedFallback: true, FallbackType: string(loom.RenderBlocked)}, nil
	case loom.RenderTextFallback:
		fb := plan.Fallback
		ts, err := a.post(ctx, target, renderBody(fb), sectionBlocks(renderBody(fb)))
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: ts, UsedFallback: true, FallbackType: string(loom.RenderTextFallback)}, nil
	}

	body := renderBody(p)
	blocks := sectionBlocks(body)

	switch p.Kind {
	case loom.PrimitiveChoice:
		blocks = append(blocks, choiceBlock(p, rc))
	case loom.PrimitiveMultiChoice:
		blocks = append(blocks, multiChoiceBlocks(p, rc)...)
	case loom.PrimitiveConfirm:
		blocks = append(blocks, confirmBlock(p, rc))
	case loom.PrimitiveTextInput:
		modalID := loom.EncodeModalID(rc.WorkflowID, rc.StepID)
		a.mu.Lock()
		a.modalPending[modalID] = modalSpec{prompt: p.Content, placeholder: p.Placeholder}
		a.mu.Unlock()
		blocks = append(blocks, Block{
			Type: "actions",
			Elements: []BlockElement{{
				Type:     "button",
				ActionID: modalID,
				Value:    modalID,
				Text:     plainText("Open form"),
				Style:    "primary",
			}},
		})
	case loom.PrimitiveMedia:
		blocks = mediaBlocks(p)
	}

	if meta := metaBlock(p, rc); meta != nil {
		blocks = append(blocks, *meta)
	}

	ts, err := a.post(ctx, target, body, blocks)
	if err != nil {
		return loom.RenderedMessage{}, err
	}
	if p.Kind == loom.PrimitiveMultiChoice {
		a.mu.Lock()
		a.multiPending[channelOf(target)+":"+ts] = nil
		a.mu.Unlock()
	}
	return loom.RenderedMessage{MessageID: ts}, nil
}

// ParseAction decodes interaction payloads and message events.
// Multi-select changes update pending state and return nil; modal-open
// button presses open the modal and return nil.
func (a *Adapter) ParseAction(rawEvent any) *loom.ParsedUserAction {
	switch ev := rawEvent.(type) {
	case *InteractionPayload:
		return a.parseInteraction(ev, rawEvent)
	case *MessageEvent:
		return a.parseMessage(ev, rawEvent)
	}
	return nil
}

func (a *Adapter) parseInteraction(p *InteractionPayload, rawEvent any) *loom.ParsedUserAction {
	switch p.Type {
	case "block_actions":
		return a.parseBlockAction(p, rawEvent)
	case "view_submission":
		return a.parseViewSubmission(p, rawEvent)
	}
	return nil
}

func (a *Adapter) parseBlockAction(p *InteractionPayload, rawEvent any) *loom.ParsedUserAction {
	if len(p.Actions) == 0 {
		return nil
	}
	act := p.Actions[0]
	ref := loom.SurfaceRef{
		SurfaceID:     SurfaceID,
		SurfaceUserID: p.User.ID,
		ChannelID:     p.Container.ChannelID,
		ThreadID:      p.Container.ThreadTS,
	}

	// Text-input steps carry a wf_modal: id on their button; the press
	// opens the modal instead of producing an action.
	if _, _, ok := loom.DecodeModalID(act.Value); ok {
		a.openModal(p.TriggerID, act.Value)
		return nil
	}

	wf, step, actionID, ok := loom.DecodeCallback(act.ActionID)
	if !ok {
		return nil
	}
	action := &loom.ParsedUserAction{
		WorkflowID: wf,
		StepID:     step,
		Surface:    ref,
		RawEvent:   rawEvent,
	}

	switch actionID {
	case loom.ActionIDCancel:
		action.Kind = loom.ActionCancel
		return action
	case loom.ActionIDBack:
		action.Kind = loom.ActionBack
		return action
	}

	key := p.Container.ChannelID + ":" + p.Container.MessageTS
	if act.Type == "multi_static_select" {
		values := make([]string, 0, len(act.SelectedOptions))
		for _, opt := range act.SelectedOptions {
			values = append(values, opt.Value)
		}
		a.mu.Lock()
		a.multiPending[key] = values
		a.mu.Unlock()
		return nil
	}

	if actionID == loom.ActionIDSubmit {
		// Submit always flushes the tracked selection. With no tracked
		// entry (adapter restart) that is an empty selection; the reserved
		// id itself is never a value.
		a.mu.Lock()
		values := a.multiPending[key]
		delete(a.multiPending, key)
		a.mu.Unlock()
		action.Kind = loom.ActionSelection
		action.Values = values
		return action
	}

	action.Kind = loom.ActionSelection
	action.Values = []string{actionID}
	return action
}

func (a *Adapter) parseViewSubmission(p *InteractionPayload, rawEvent any) *loom.ParsedUserAction {
	if p.View == nil {
		return nil
	}
	wf, step, ok := loom.DecodeModalID(p.View.CallbackID)
	if !ok {
		return nil
	}
	a.mu.Lock()
	delete(a.modalPending, p.View.CallbackID)
	a.mu.Unlock()

	var text string
	for _, block := range p.View.State.Values {
		for _, v := range block {
			if v.Value != "" {
				text = v.Value
			}
		}
	}
	return &loom.ParsedUserAction{
		Kind:       loom.ActionText,
		Text:       text,
		WorkflowID: wf,
		StepID:     step,
		Surface: loom.SurfaceRef{
			SurfaceID:     SurfaceID,
			SurfaceUserID: p.User.ID,
			ChannelID:     p.Container.ChannelID,
		},
		RawEvent: rawEvent,
	}
}

func (a *Adapter) parseMessage(m *MessageEvent, rawEvent any) *loom.ParsedUserAction {
	if m.BotID != "" || m.Text == "" {
		return nil
	}
	action := &loom.ParsedUserAction{
		Text: m.Text,
		Surface: loom.SurfaceRef{
			SurfaceID:     SurfaceID,
			SurfaceUserID: m.User,
			ChannelID:     m.Channel,
			ThreadID:      m.ThreadTS,
		},
		RawEvent: rawEvent,
	}
	if kind, ok := loom.IsMetaCommand(m.Text); ok {
		action.Kind = kind
		return action
	}
	action.Kind = loom.ActionText
	return action
}

// openModal opens the text-input modal for a pending wf_modal: id. Runs
// off the interaction's trigger id with its own deadline.
func (a *Adapter) openModal(triggerID, modalID string) {
	a.mu.Lock()
	spec, ok := a.modalPending[modalID]
	a.mu.Unlock()
	if !ok || triggerID == "" {
		return
	}

	view := ModalView{
		Type:       "modal",
		CallbackID: modalID,
		Title:      plainText("Your answer"),
		Submit:     plainText("Submit"),
		Close:      plainText("Cancel"),
		Blocks: []Block{{
			Type:    "input",
			BlockID: "answer",
			Label:   plainText(truncate(spec.prompt, 150)),
			Element: &BlockElement{
				Type:        "plain_text_input",
				ActionID:    "value",
				Multiline:   true,
				Placeholder: placeholderText(spec.placeholder),
			},
		}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), modalOpenTimeout)
	defer cancel()
	if err := a.api.OpenView(ctx, triggerID, view); err != nil {
		a.logger.Warn("slack: open modal failed", "modal", modalID, "error", err)
	}
}

func (a *Adapter) SendMessage(ctx context.Context, target loom.Target, msg loom.OutboundMessage) (string, error) {
	text := msg.Text
	if msg.Markdown {
		text = toMrkdwn(text)
	}
	return a.post(ctx, target, text, sectionBlocks(text))
}

func (a *Adapter) UpdateMessage(ctx context.Context, target loom.Target, messageID string, msg loom.OutboundMessage) error {
	text := msg.Text
	if msg.Markdown {
		text = toMrkdwn(text)
	}
	err := a.api.UpdateMessage(ctx, channelOf(target), messageID, text, sectionBlocks(text))
	if err != nil {
		return &loom.ErrDelivery{SurfaceID: SurfaceID, Err: err}
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, target loom.Target, messageID string) error {
	a.mu.Lock()
	delete(a.multiPending, channelOf(target)+":"+messageID)
	a.mu.Unlock()
	return a.api.DeleteMessage(ctx, channelOf(target), messageID)
}

// AcknowledgeAction posts an ephemeral notice when text is given.
// Slack interactions are otherwise acked by the HTTP 200.
func (a *Adapter) AcknowledgeAction(ctx context.Context, rawEvent any, text string) error {
	if text == "" {
		return nil
	}
	p, ok := rawEvent.(*InteractionPayload)
	if !ok || p.Container.ChannelID == "" {
		return nil
	}
	return a.api.PostEphemeral(ctx, p.Container.ChannelID, p.User.ID, text)
}

func (a *Adapter) post(ctx context.Context, target loom.Target, text string, blocks []Block) (string, error) {
	ts, err := a.api.PostMessage(ctx, channelOf(target), target.ThreadID, truncate(text, sectionTextLimit), blocks)
	if err != nil {
		return "", &loom.ErrDelivery{SurfaceID: SurfaceID, Err: err}
	}
	return ts, nil
}

// --- Block construction ---

func renderBody(p *loom.InteractionPrimitive) string {
	var b strings.Builder
	if p.Progress != nil {
		fmt.Fprintf(&b, "*Step %d of %d*\n\n", p.Progress.Current, p.Progress.Total)
	}
	b.WriteString(toMrkdwn(p.Content))
	return b.String()
}

// sectionBlocks splits text into section blocks within the 3000-char
// section limit.
func sectionBlocks(text string) []Block {
	if text == "" {
		return nil
	}
	var blocks []Block
	for _, chunk := range splitText(text, sectionTextLimit) {
		blocks = append(blocks, Block{Type: "section", Text: &TextObject{Type: "mrkdwn", Text: chunk}})
	}
	return blocks
}

func choiceBlock(p *loom.InteractionPrimitive, rc loom.RenderContext) Block {
	elements := make([]BlockElement, 0, len(p.Options))
	for _, opt := range p.Options {
		data := loom.EncodeCallback(rc.WorkflowID, rc.StepID, opt.ID)
		elements = append(elements, BlockElement{
			Type:     "button",
			ActionID: data,
			Value:    data,
			Text:     plainText(opt.Label),
			Style:    string(opt.Style),
		})
	}
	return Block{Type: "actions", Elements: elements}
}

func multiChoiceBlocks(p *loom.InteractionPrimitive, rc loom.RenderContext) []Block {
	options := make([]SelectOption, 0, len(p.Options))
	for _, opt := range p.Options {
		so := SelectOption{Text: plainText(opt.Label), Value: opt.ID}
		if opt.Description != "" {
			so.Description = plainText(opt.Description)
		}
		options = append(options, so)
	}
	sel := BlockElement{
		Type:             "multi_static_select",
		ActionID:         loom.EncodeCallback(rc.WorkflowID, rc.StepID, "select"),
		Options:          options,
		MaxSelectedItems: p.MaxSelections,
		Placeholder:      plainText("Select options"),
	}
	submit := BlockElement{
		Type:     "button",
		ActionID: loom.EncodeCallback(rc.WorkflowID, rc.StepID, loom.ActionIDSubmit),
		Value:    loom.ActionIDSubmit,
		Text:     plainText("Submit"),
		Style:    "primary",
	}
	return []Block{
		{Type: "actions", Elements: []BlockElement{sel}},
		{Type: "actions", Elements: []BlockElement{submit}},
	}
}

func confirmBlock(p *loom.InteractionPrimitive, rc loom.RenderContext) Block {
	yes, no := p.YesLabel, p.NoLabel
	if yes == "" {
		yes = "Yes"
	}
	if no == "" {
		no = "No"
	}
	yesData := loom.EncodeCallback(rc.WorkflowID, rc.StepID, "yes")
	noData := loom.EncodeCallback(rc.WorkflowID, rc.StepID, "no")
	return Block{Type: "actions", Elements: []BlockElement{
		{Type: "button", ActionID: yesData, Value: yesData, Text: plainText(yes), Style: "primary"},
		{Type: "button", ActionID: noData, Value: noData, Text: plainText(no)},
	}}
}

func mediaBlocks(p *loom.InteractionPrimitive) []Block {
	m := p.Media
	caption := m.Caption
	if caption == "" {
		caption = p.Content
	}
	text := caption
	if m.URL != "" {
		if text != "" {
			text += "\n"
		}
		text += "<" + m.URL + ">"
	}
	return sectionBlocks(text)
}

func metaBlock(p *loom.InteractionPrimitive, rc loom.RenderContext) *Block {
	var elements []BlockElement
	if p.IncludeBack {
		data := loom.EncodeCallback(rc.WorkflowID, rc.StepID, loom.ActionIDBack)
		elements = append(elements, BlockElement{Type: "button", ActionID: data, Value: data, Text: plainText("Back")})
	}
	if p.IncludeCancel {
		data := loom.EncodeCallback(rc.WorkflowID, rc.StepID, loom.ActionIDCancel)
		elements = append(elements, BlockElement{Type: "button", ActionID: data, Value: data, Text: plainText("Cancel"), Style: "danger"})
	}
	if len(elements) == 0 {
		return nil
	}
	return &Block{Type: "actions", Elements: elements}
}

func plainText(s string) *TextObject {
	return &TextObject{Type: "plain_text", Text: s, Emoji: true}
}

func placeholderText(s string) *TextObject {
	if s == "" {
		return nil
	}
	return plainText(truncate(s, 150))
}

// --- Text helpers ---

var (
	boldPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	linkPattern = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// toMrkdwn converts the markdown subset workflows use into Slack
// mrkdwn: **bold** becomes *bold*, [label](url) becomes <url|label>.
func toMrkdwn(s string) string {
	s = boldPattern.ReplaceAllString(s, "*$1*")
	s = linkPattern.ReplaceAllString(s, "<$2|$1>")
	return s
}

func splitText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	remaining := text
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}
		splitPos := strings.LastIndex(remaining[:limit], "\n")
		if splitPos == -1 {
			splitPos = limit
		} else {
			splitPos++
		}
		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}
	return chunks
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-1] + "…"
}

func channelOf(target loom.Target) string {
	if target.ChannelID != "" {
		return target.ChannelID
	}
	return target.SurfaceUserID
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
