// Package telegram implements the Telegram surface: inline keyboards
// for choices, HTML rich text, chunked sends within the 4096-character
// message cap, and callback data held under the Bot API's 64-byte
// limit.
//
// Multi-choice steps have no native multi-select on Telegram. The
// adapter simulates one: option buttons toggle an in-memory selection
// set per rendered message and a Submit button flushes the accumulated
// selection as one action.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/loom"
)

const (
	// SurfaceID is the stable identifier for this surface.
	SurfaceID = "telegram"

	adapterVersion  = "1.0.0"
	maxMessageLen   = 4096
	maxCallbackData = 64
	toggleTimeout   = 5 * time.Second
)

// API is the Bot API subset the adapter calls. *Client implements it;
// tests substitute a fake.
type API interface {
	SendMessage(ctx context.Context, chatID, text, parseMode string, replyMarkup any) (int64, error)
	EditMessageText(ctx context.Context, chatID string, messageID int64, text, parseMode string, replyMarkup any) error
	EditMessageReplyMarkup(ctx context.Context, chatID string, messageID int64, markup *InlineKeyboardMarkup) error
	DeleteMessage(ctx context.Context, chatID string, messageID int64) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
	SendMedia(ctx context.Context, chatID, method, field, url, caption string) (int64, error)
}

var _ API = (*Client)(nil)

// Adapter implements loom.SurfaceAdapter over the Telegram Bot API.
type Adapter struct {
	api    API
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*multiSelect // chatID:messageID -> toggle state
}

var _ loom.SurfaceAdapter = (*Adapter)(nil)

// multiSelect tracks the toggle state of one rendered multi-choice
// message until the user submits.
type multiSelect struct {
	prim     loom.InteractionPrimitive
	rc       loom.RenderContext
	selected map[string]bool
	order    []string
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates the Telegram adapter over a Bot API client.
func NewAdapter(api API, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		api:     api,
		logger:  slog.New(discardHandler{}),
		pending: make(map[string]*multiSelect),
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
		InlineButtons:    true,
		Reactions:        true,
		FileUpload:       true,
		VoiceMessages:    true,
		RichText:         true,
		MaxButtonsPerRow: 2,
		MaxButtonRows:    8,
		MaxMessageLength: maxMessageLen,
	}
}

// Render emits a primitive to the chat. The inline keyboard, when any,
// rides on the last chunk of a long message.
func (a *Adapter) Render(ctx context.Context, target loom.Target, p *loom.InteractionPrimitive, rc loom.RenderContext) (loom.RenderedMessage, error) {
	plan := loom.Negotiate(p, a.Capabilities())
	switch plan.Strategy {
	case loom.RenderBlocked:
		id, err := a.sendText(ctx, target, plan.BlockedReason, false, nil)
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: id, UsedFallback: true, FallbackType: string(loom.RenderBlocked)}, nil

	case loom.RenderTextFallback:
		id, err := a.sendText(ctx, target, renderBody(plan.Fallback), true, nil)
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: id, UsedFallback: true, FallbackType: string(loom.RenderTextFallback)}, nil
	}

	switch p.Kind {
	case loom.PrimitiveMedia:
		return a.renderMedia(ctx, target, p)
	case loom.PrimitiveTextInput:
		markup := &ForceReply{ForceReply: true, InputFieldPlaceholder: p.Placeholder, Selective: true}
		id, err := a.sendText(ctx, target, renderBody(p), true, markup)
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: id}, nil
	case loom.PrimitiveMultiChoice:
		return a.renderMultiChoice(ctx, target, p, rc)
	default:
		markup := a.keyboard(p, rc, nil)
		id, err := a.sendText(ctx, target, renderBody(p), true, markup)
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: id}, nil
	}
}

func (a *Adapter) renderMultiChoice(ctx context.Context, target loom.Target, p *loom.InteractionPrimitive, rc loom.RenderContext) (loom.RenderedMessage, error) {
	ms := &multiSelect{prim: *p, rc: rc, selected: make(map[string]bool)}
	markup := multiChoiceKeyboard(p, rc, ms.selected)
	id, err := a.sendText(ctx, target, renderBody(p), true, markup)
	if err != nil {
		return loom.RenderedMessage{}, err
	}
	a.mu.Lock()
	a.pending[chatIDOf(target)+":"+id] = ms
	a.mu.Unlock()
	return loom.RenderedMessage{MessageID: id}, nil
}

func (a *Adapter) renderMedia(ctx context.Context, target loom.Target, p *loom.InteractionPrimitive) (loom.RenderedMessage, error) {
	m := p.Media
	caption := m.Caption
	if caption == "" {
		caption = p.Content
	}
	var method, field string
	switch m.Kind {
	case loom.MediaImage:
		method, field = "sendPhoto", "photo"
	case loom.MediaVoice:
		method, field = "sendVoice", "voice"
	default:
		method, field = "sendDocument", "document"
	}
	id, err := a.api.SendMedia(ctx, chatIDOf(target), method, field, m.URL, caption)
	if err != nil {
		return loom.RenderedMessage{}, &loom.ErrDelivery{SurfaceID: SurfaceID, Err: err}
	}
	return loom.RenderedMessage{MessageID: strconv.FormatInt(id, 10)}, nil
}

// ParseAction decodes updates from the long-poll loop. Option presses
// on a pending multi-choice message toggle state and return nil; the
// submit press yields the accumulated selection.
func (a *Adapter) ParseAction(rawEvent any) *loom.ParsedUserAction {
	u, ok := rawEvent.(*Update)
	if !ok {
		return nil
	}
	switch {
	case u.CallbackQuery != nil:
		return a.parseCallback(u.CallbackQuery, rawEvent)
	case u.Message != nil && u.Message.Text != "":
		return a.parseMessage(u.Message, rawEvent)
	}
	return nil
}

func (a *Adapter) parseCallback(cq *CallbackQuery, rawEvent any) *loom.ParsedUserAction {
	wf, step, actionID, ok := loom.DecodeCallback(cq.Data)
	if !ok || cq.Message == nil {
		return nil
	}
	chatID := strconv.FormatInt(cq.Message.Chat.ID, 10)
	action := &loom.ParsedUserAction{
		WorkflowID: wf,
		StepID:     step,
		Surface: loom.SurfaceRef{
			SurfaceID:     SurfaceID,
			SurfaceUserID: strconv.FormatInt(cq.From.ID, 10),
			ChannelID:     chatID,
		},
		RawEvent: rawEvent,
	}

	switch actionID {
	case loom.ActionIDCancel:
		action.Kind = loom.ActionCancel
		return action
	case loom.ActionIDBack:
		action.Kind = loom.ActionBack
		return action
	}

	key := chatID + ":" + strconv.FormatInt(cq.Message.MessageID, 10)
	a.mu.Lock()
	ms := a.pending[key]
	if ms != nil && actionID == loom.ActionIDSubmit {
		delete(a.pending, key)
	}
	a.mu.Unlock()

	if ms == nil {
		action.Kind = loom.ActionSelection
		action.Values = []string{actionID}
		return action
	}
	if actionID == loom.ActionIDSubmit {
		action.Kind = loom.ActionSelection
		action.Values = ms.selection()
		return action
	}

	a.toggle(cq, key, ms, actionID)
	return nil
}

// toggle flips one option of a pending multi-choice, redraws the
// keyboard, and acks the press. Runs outside any request context, so it
// uses its own deadline.
func (a *Adapter) toggle(cq *CallbackQuery, key string, ms *multiSelect, optionID string) {
	a.mu.Lock()
	if ms.selected[optionID] {
		delete(ms.selected, optionID)
		for i, id := range ms.order {
			if id == optionID {
				ms.order = append(ms.order[:i], ms.order[i+1:]...)
				break
			}
		}
	} else {
		ms.selected[optionID] = true
		ms.order = append(ms.order, optionID)
	}
	markup := multiChoiceKeyboard(&ms.prim, ms.rc, ms.selected)
	count := len(ms.order)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), toggleTimeout)
	defer cancel()
	chatID := strconv.FormatInt(cq.Message.Chat.ID, 10)
	if err := a.api.EditMessageReplyMarkup(ctx, chatID, cq.Message.MessageID, markup); err != nil {
		a.logger.Warn("telegram: toggle redraw failed", "key", key, "error", err)
	}
	_ = a.api.AnswerCallbackQuery(ctx, cq.ID, fmt.Sprintf("%d selected", count))
}

func (ms *multiSelect) selection() []string {
	out := make([]string, len(ms.order))
	copy(out, ms.order)
	return out
}

func (a *Adapter) parseMessage(m *Message, rawEvent any) *loom.ParsedUserAction {
	action := &loom.ParsedUserAction{
		Text: m.Text,
		Surface: loom.SurfaceRef{
			SurfaceID:     SurfaceID,
			SurfaceUserID: userIDOf(m),
			ChannelID:     strconv.FormatInt(m.Chat.ID, 10),
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

func (a *Adapter) SendMessage(ctx context.Context, target loom.Target, msg loom.OutboundMessage) (string, error) {
	return a.sendText(ctx, target, msg.Text, msg.Markdown, nil)
}

func (a *Adapter) UpdateMessage(ctx context.Context, target loom.Target, messageID string, msg loom.OutboundMessage) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", messageID, err)
	}
	text, parseMode := msg.Text, ""
	if msg.Markdown {
		text, parseMode = MarkdownToHTML(msg.Text), "HTML"
	}
	err = a.api.EditMessageText(ctx, chatIDOf(target), id, text, parseMode, nil)
	if err != nil {
		return &loom.ErrDelivery{SurfaceID: SurfaceID, Err: err}
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, target loom.Target, messageID string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message id %q: %w", messageID, err)
	}
	a.mu.Lock()
	delete(a.pending, chatIDOf(target)+":"+messageID)
	a.mu.Unlock()
	return a.api.DeleteMessage(ctx, chatIDOf(target), id)
}

// AcknowledgeAction answers the callback query of button events.
// Plain-message events need no ack.
func (a *Adapter) AcknowledgeAction(ctx context.Context, rawEvent any, text string) error {
	u, ok := rawEvent.(*Update)
	if !ok || u.CallbackQuery == nil {
		return nil
	}
	return a.api.AnswerCallbackQuery(ctx, u.CallbackQuery.ID, text)
}

// sendText sends one logical message, chunked to the length cap. The
// reply markup attaches to the last chunk. Returns the last chunk's id.
func (a *Adapter) sendText(ctx context.Context, target loom.Target, text string, markdown bool, markup any) (string, error) {
	chatID := chatIDOf(target)
	chunks := splitMessage(text, maxMessageLen)
	var lastID int64
	for i, chunk := range chunks {
		body, parseMode := chunk, ""
		if markdown {
			body, parseMode = MarkdownToHTML(chunk), "HTML"
		}
		var rm any
		if i == len(chunks)-1 {
			rm = markup
		}
		id, err := a.api.SendMessage(ctx, chatID, body, parseMode, rm)
		if err != nil {
			return "", &loom.ErrDelivery{SurfaceID: SurfaceID, Err: err}
		}
		lastID = id
	}
	return strconv.FormatInt(lastID, 10), nil
}

// renderBody produces the message text for a primitive, prefixing the
// progress line when present.
func renderBody(p *loom.InteractionPrimitive) string {
	var b strings.Builder
	if p.Progress != nil {
		fmt.Fprintf(&b, "*Step %d of %d*\n\n", p.Progress.Current, p.Progress.Total)
	}
	b.WriteString(p.Content)
	return b.String()
}

// keyboard builds the inline keyboard for choice and confirm
// primitives, plus the back/cancel meta row.
func (a *Adapter) keyboard(p *loom.InteractionPrimitive, rc loom.RenderContext, _ map[string]bool) *InlineKeyboardMarkup {
	var rows [][]InlineKeyboardButton
	switch p.Kind {
	case loom.PrimitiveChoice:
		for _, opt := range p.Options {
			rows = append(rows, []InlineKeyboardButton{button(opt.Label, rc, opt.ID)})
		}
	case loom.PrimitiveConfirm:
		yes, no := p.YesLabel, p.NoLabel
		if yes == "" {
			yes = "Yes"
		}
		if no == "" {
			no = "No"
		}
		rows = append(rows, []InlineKeyboardButton{
			button(yes, rc, "yes"),
			button(no, rc, "no"),
		})
	}
	if meta := metaRow(p, rc); meta != nil {
		rows = append(rows, meta)
	}
	if len(rows) == 0 {
		return nil
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

func multiChoiceKeyboard(p *loom.InteractionPrimitive, rc loom.RenderContext, selected map[string]bool) *InlineKeyboardMarkup {
	var rows [][]InlineKeyboardButton
	for _, opt := range p.Options {
		label := "☐ " + opt.Label
		if selected[opt.ID] {
			label = "☑ " + opt.Label
		}
		rows = append(rows, []InlineKeyboardButton{button(label, rc, opt.ID)})
	}
	rows = append(rows, []InlineKeyboardButton{button("Submit", rc, loom.ActionIDSubmit)})
	if meta := metaRow(p, rc); meta != nil {
		rows = append(rows, meta)
	}
	return &InlineKeyboardMarkup{InlineKeyboard: rows}
}

func metaRow(p *loom.InteractionPrimitive, rc loom.RenderContext) []InlineKeyboardButton {
	var row []InlineKeyboardButton
	if p.IncludeBack {
		row = append(row, button("← Back", rc, loom.ActionIDBack))
	}
	if p.IncludeCancel {
		row = append(row, button("Cancel", rc, loom.ActionIDCancel))
	}
	return row
}

func button(label string, rc loom.RenderContext, actionID string) InlineKeyboardButton {
	data := loom.TruncateCallback(loom.EncodeCallback(rc.WorkflowID, rc.StepID, actionID), maxCallbackData)
	return InlineKeyboardButton{Text: label, CallbackData: data}
}

func chatIDOf(target loom.Target) string {
	if target.ChannelID != "" {
		return target.ChannelID
	}
	return target.SurfaceUserID
}

func userIDOf(m *Message) string {
	if m.From != nil {
		return strconv.FormatInt(m.From.ID, 10)
	}
	return strconv.FormatInt(m.Chat.ID, 10)
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
