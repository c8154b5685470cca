// Package sms implements the SMS surface. SMS carries plain text only:
// every interactive primitive negotiates down to a numbered-list or
// yes/no text fallback, messages are chunked at 1600 characters, and
// sent messages can be neither edited nor deleted.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nevindra/loom"
)

const (
	// SurfaceID is the stable identifier for this surface.
	SurfaceID = "sms"

	adapterVersion = "1.0.0"
	maxMessageLen  = 1600
)

// Gateway sends outbound SMS. *Client implements it; tests substitute
// a fake.
type Gateway interface {
	// Send delivers body to the given phone number and returns the
	// provider's message id.
	Send(ctx context.Context, to, body string) (string, error)
}

// InboundMessage is one SMS received on the webhook.
type InboundMessage struct {
	MessageID string
	From      string
	Body      string
}

// Adapter implements loom.SurfaceAdapter over an SMS gateway.
type Adapter struct {
	gateway Gateway
	logger  *slog.Logger
}

var _ loom.SurfaceAdapter = (*Adapter)(nil)

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates the SMS adapter over a gateway.
func NewAdapter(gateway Gateway, opts ...AdapterOption) *Adapter {
	a := &Adapter{gateway: gateway, logger: slog.New(discardHandler{})}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) SurfaceID() string { return SurfaceID }
func (a *Adapter) Version() string   { return adapterVersion }

func (a *Adapter) Capabilities() loom.SurfaceCapabilities {
	return loom.SurfaceCapabilities{
		MaxMessageLength: maxMessageLen,
	}
}

// Render emits a primitive as plain text. Interactive primitives arrive
// here already downgraded by the negotiator.
func (a *Adapter) Render(ctx context.Context, target loom.Target, p *loom.InteractionPrimitive, _ loom.RenderContext) (loom.RenderedMessage, error) {
	plan := loom.Negotiate(p, a.Capabilities())
	switch plan.Strategy {
	case loom.RenderBlocked:
		id, err := a.send(ctx, target, plan.BlockedReason)
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: id, UsedFallback: true, FallbackType: string(loom.RenderBlocked)}, nil
	case loom.RenderTextFallback:
		id, err := a.send(ctx, target, renderBody(plan.Fallback))
		if err != nil {
			return loom.RenderedMessage{}, err
		}
		return loom.RenderedMessage{MessageID: id, UsedFallback: true, FallbackType: string(loom.RenderTextFallback)}, nil
	}
	id, err := a.send(ctx, target, renderBody(p))
	if err != nil {
		return loom.RenderedMessage{}, err
	}
	return loom.RenderedMessage{MessageID: id}, nil
}

// ParseAction decodes inbound SMS. Every message is text; meta commands
// are recognized by word.
func (a *Adapter) ParseAction(rawEvent any) *loom.ParsedUserAction {
	m, ok := rawEvent.(*InboundMessage)
	if !ok || m.Body == "" {
		return nil
	}
	action := &loom.ParsedUserAction{
		Text: m.Body,
		Surface: loom.SurfaceRef{
			SurfaceID:     SurfaceID,
			SurfaceUserID: m.From,
		},
		RawEvent: rawEvent,
	}
	if kind, ok := loom.IsMetaCommand(m.Body); ok {
		action.Kind = kind
		return action
	}
	action.Kind = loom.ActionText
	return action
}

func (a *Adapter) SendMessage(ctx context.Context, target loom.Target, msg loom.OutboundMessage) (string, error) {
	text := msg.Text
	if msg.Markdown {
		text = stripMarkdown(text)
	}
	return a.send(ctx, target, text)
}

// UpdateMessage is a no-op: sent SMS cannot be edited.
func (a *Adapter) UpdateMessage(_ context.Context, _ loom.Target, _ string, _ loom.OutboundMessage) error {
	return nil
}

// DeleteMessage is a no-op: sent SMS cannot be recalled.
func (a *Adapter) DeleteMessage(_ context.Context, _ loom.Target, _ string) error {
	return nil
}

// AcknowledgeAction is a no-op: the webhook response acks receipt.
func (a *Adapter) AcknowledgeAction(_ context.Context, _ any, _ string) error {
	return nil
}

// send delivers text in chunks within the length cap and returns the
// last chunk's id.
func (a *Adapter) send(ctx context.Context, target loom.Target, text string) (string, error) {
	var lastID string
	for _, chunk := range splitText(text, maxMessageLen) {
		id, err := a.gateway.Send(ctx, target.SurfaceUserID, chunk)
		if err != nil {
			return "", &loom.ErrDelivery{SurfaceID: SurfaceID, Err: err}
		}
		lastID = id
	}
	return lastID, nil
}

func renderBody(p *loom.InteractionPrimitive) string {
	var b strings.Builder
	if p.Progress != nil {
		fmt.Fprintf(&b, "Step %d of %d\n\n", p.Progress.Current, p.Progress.Total)
	}
	b.WriteString(stripMarkdown(p.Content))
	return b.String()
}

// stripMarkdown removes the markdown the engine may have left in
// content: bold/italic markers and [label](url) links.
func stripMarkdown(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = strings.ReplaceAll(s, "`", "")
	for {
		open := strings.Index(s, "](")
		if open == -1 {
			break
		}
		start := strings.LastIndex(s[:open], "[")
		end := strings.Index(s[open:], ")")
		if start == -1 || end == -1 {
			break
		}
		label := s[start+1 : open]
		url := s[open+2 : open+end]
		s = s[:start] + label + " (" + url + ")" + s[open+end+1:]
	}
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

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
