package loom

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RenderStrategy is the negotiator's verdict for one primitive on one
// surface.
type RenderStrategy string

const (
	// RenderNative means the adapter renders the primitive with the
	// surface's rich controls.
	RenderNative RenderStrategy = "native"
	// RenderTextFallback means the adapter renders the substitute
	// primitive in Fallback instead.
	RenderTextFallback RenderStrategy = "text-fallback"
	// RenderBlocked means the surface cannot carry the primitive at all;
	// the adapter notifies the user with BlockedReason.
	RenderBlocked RenderStrategy = "notify-blocked"
)

// RenderPlan is the result of capability negotiation.
type RenderPlan struct {
	Strategy RenderStrategy
	// Fallback is the substitute primitive for RenderTextFallback.
	Fallback *InteractionPrimitive
	// BlockedReason is a human-readable explanation for RenderBlocked.
	BlockedReason string
}

// Negotiate matches a primitive against surface capabilities and decides
// how to render it. Pure and deterministic: identical inputs produce
// identical outputs. Adapters call it at the top of render.
func Negotiate(p *InteractionPrimitive, caps SurfaceCapabilities) RenderPlan {
	switch p.Kind {
	case PrimitiveInfo, PrimitiveTextInput:
		return RenderPlan{Strategy: RenderNative}

	case PrimitiveChoice:
		if caps.InlineButtons && len(p.Options)+p.metaActionCount() <= caps.buttonBudget() {
			return RenderPlan{Strategy: RenderNative}
		}
		return RenderPlan{Strategy: RenderTextFallback, Fallback: choiceFallback(p, "Reply with a number.")}

	case PrimitiveMultiChoice:
		if caps.MultiSelectButtons || caps.InlineButtons {
			return RenderPlan{Strategy: RenderNative}
		}
		return RenderPlan{Strategy: RenderTextFallback, Fallback: choiceFallback(p, "Reply with numbers separated by commas.")}

	case PrimitiveConfirm:
		if caps.InlineButtons {
			return RenderPlan{Strategy: RenderNative}
		}
		return RenderPlan{Strategy: RenderTextFallback, Fallback: confirmFallback(p)}

	case PrimitiveMedia:
		return negotiateMedia(p, caps)
	}
	return RenderPlan{Strategy: RenderBlocked, BlockedReason: fmt.Sprintf("unsupported primitive %q", p.Kind)}
}

func negotiateMedia(p *InteractionPrimitive, caps SurfaceCapabilities) RenderPlan {
	m := p.Media
	if m == nil {
		return RenderPlan{Strategy: RenderBlocked, BlockedReason: "media primitive without media payload"}
	}
	switch m.Kind {
	case MediaVoice:
		if caps.VoiceMessages {
			return RenderPlan{Strategy: RenderNative}
		}
		return RenderPlan{
			Strategy:      RenderBlocked,
			BlockedReason: "This step needs voice messages. Continue on a surface that supports voice (for example the phone line).",
		}
	default:
		if caps.FileUpload {
			return RenderPlan{Strategy: RenderNative}
		}
		if m.URL == "" {
			return RenderPlan{
				Strategy:      RenderBlocked,
				BlockedReason: "This step needs file delivery, which this surface does not support.",
			}
		}
		content := m.Caption
		if content == "" {
			content = p.Content
		}
		if content != "" {
			content += "\n"
		}
		content += m.URL
		fb := *p
		fb.Kind = PrimitiveInfo
		fb.Content = content
		fb.Media = nil
		return RenderPlan{Strategy: RenderTextFallback, Fallback: &fb}
	}
}

// choiceFallback downgrades a choice/multi-choice to an info primitive
// holding a numbered list and a reply hint.
func choiceFallback(p *InteractionPrimitive, hint string) *InteractionPrimitive {
	var b strings.Builder
	b.WriteString(p.Content)
	b.WriteString("\n\n")
	for i, opt := range p.Options {
		fmt.Fprintf(&b, "%d. %s", i+1, opt.Label)
		if opt.Description != "" {
			fmt.Fprintf(&b, " (%s)", opt.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(hint)
	writeMetaHints(&b, p)

	fb := *p
	fb.Kind = PrimitiveInfo
	fb.Content = b.String()
	return &fb
}

// confirmFallback downgrades a confirm to an info primitive asking for a
// yes/no text reply.
func confirmFallback(p *InteractionPrimitive) *InteractionPrimitive {
	var b strings.Builder
	b.WriteString(p.Content)
	b.WriteString("\n\nReply yes or no.")
	writeMetaHints(&b, p)

	fb := *p
	fb.Kind = PrimitiveInfo
	fb.Content = b.String()
	return &fb
}

func writeMetaHints(b *strings.Builder, p *InteractionPrimitive) {
	switch {
	case p.IncludeBack && p.IncludeCancel:
		b.WriteString(` Send "back" to go back or "cancel" to stop.`)
	case p.IncludeCancel:
		b.WriteString(` Send "cancel" to stop.`)
	case p.IncludeBack:
		b.WriteString(` Send "back" to go back.`)
	}
}

// --- Text-fallback reply parsing ---

// ParseFallbackReply interprets a free-form text reply against the
// primitive it answers, for surfaces that rendered a text fallback.
// It accepts:
//
//   - choice: the option number ("2") or the option label,
//     case-insensitive and NFKC-normalized; the number wins when a label
//     is itself numeric.
//   - multi-choice: comma-separated numbers ("1,3") or labels.
//   - confirm: yes/y and no/n (mapped to "yes"/"no"), or 1/2.
//
// Returns the selected option id(s) and ok=true, or ok=false when the
// reply matches nothing.
func ParseFallbackReply(p *InteractionPrimitive, text string) (values []string, ok bool) {
	switch p.Kind {
	case PrimitiveChoice:
		if id, ok := matchOption(p.Options, text); ok {
			return []string{id}, true
		}
		return nil, false
	case PrimitiveMultiChoice:
		parts := strings.Split(text, ",")
		seen := make(map[string]bool, len(parts))
		for _, part := range parts {
			if strings.TrimSpace(part) == "" {
				continue
			}
			id, matched := matchOption(p.Options, part)
			if !matched {
				return nil, false
			}
			if !seen[id] {
				seen[id] = true
				values = append(values, id)
			}
		}
		return values, true
	case PrimitiveConfirm:
		switch normalizeReply(text) {
		case "yes", "y", "1":
			return []string{"yes"}, true
		case "no", "n", "2":
			return []string{"no"}, true
		}
		return nil, false
	}
	return nil, false
}

// matchOption resolves a reply token to an option id, by 1-based number
// first, then by label.
func matchOption(options []Option, token string) (string, bool) {
	t := normalizeReply(token)
	if n, err := strconv.Atoi(t); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1].ID, true
		}
		return "", false
	}
	for _, opt := range options {
		if normalizeReply(opt.Label) == t || normalizeReply(opt.ID) == t {
			return opt.ID, true
		}
	}
	return "", false
}

// normalizeReply lowercases, trims, and NFKC-normalizes a reply token so
// that full-width digits and compatibility forms match their plain
// equivalents.
func normalizeReply(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
