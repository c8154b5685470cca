package loom

import (
	"reflect"
	"strings"
	"testing"
)

func buttonCaps() SurfaceCapabilities {
	return SurfaceCapabilities{
		InlineButtons:    true,
		MaxButtonsPerRow: 2,
		MaxButtonRows:    3,
	}
}

func textOnlyCaps() SurfaceCapabilities {
	return SurfaceCapabilities{MaxMessageLength: 1600}
}

func manyOptions(n int) []Option {
	opts := make([]Option, n)
	for i := range opts {
		opts[i] = Option{ID: string(rune('a' + i)), Label: "Option " + string(rune('A'+i))}
	}
	return opts
}

func TestNegotiateInfoAndTextInputAlwaysNative(t *testing.T) {
	for _, kind := range []PrimitiveKind{PrimitiveInfo, PrimitiveTextInput} {
		plan := Negotiate(&InteractionPrimitive{Kind: kind}, textOnlyCaps())
		if plan.Strategy != RenderNative {
			t.Errorf("%s: strategy = %q, want native", kind, plan.Strategy)
		}
	}
}

func TestNegotiateChoice(t *testing.T) {
	p := &InteractionPrimitive{
		Kind:          PrimitiveChoice,
		Content:       "Pick one.",
		Options:       manyOptions(3),
		IncludeCancel: true,
	}

	if plan := Negotiate(p, buttonCaps()); plan.Strategy != RenderNative {
		t.Errorf("within budget: strategy = %q, want native", plan.Strategy)
	}

	// 6 options + cancel exceeds the 2x3 budget.
	over := *p
	over.Options = manyOptions(6)
	plan := Negotiate(&over, buttonCaps())
	if plan.Strategy != RenderTextFallback {
		t.Fatalf("over budget: strategy = %q, want text-fallback", plan.Strategy)
	}
	if plan.Fallback == nil || plan.Fallback.Kind != PrimitiveInfo {
		t.Fatalf("fallback = %+v", plan.Fallback)
	}
	if !strings.Contains(plan.Fallback.Content, "1. Option A") {
		t.Errorf("fallback content missing numbered list: %q", plan.Fallback.Content)
	}
	if !strings.Contains(plan.Fallback.Content, "Reply with a number.") {
		t.Errorf("fallback content missing hint: %q", plan.Fallback.Content)
	}
	if !strings.Contains(plan.Fallback.Content, `"cancel"`) {
		t.Errorf("fallback content missing cancel hint: %q", plan.Fallback.Content)
	}

	if plan := Negotiate(p, textOnlyCaps()); plan.Strategy != RenderTextFallback {
		t.Errorf("no buttons: strategy = %q, want text-fallback", plan.Strategy)
	}
}

func TestNegotiateChoiceFallbackShowsDescriptions(t *testing.T) {
	p := &InteractionPrimitive{
		Kind:    PrimitiveChoice,
		Content: "Pick one.",
		Options: []Option{{ID: "full", Label: "Everything", Description: "slow"}},
	}
	plan := Negotiate(p, textOnlyCaps())
	if !strings.Contains(plan.Fallback.Content, "1. Everything (slow)") {
		t.Errorf("fallback content = %q", plan.Fallback.Content)
	}
}

func TestNegotiateMultiChoice(t *testing.T) {
	p := &InteractionPrimitive{Kind: PrimitiveMultiChoice, Options: manyOptions(3)}

	if plan := Negotiate(p, SurfaceCapabilities{MultiSelectButtons: true}); plan.Strategy != RenderNative {
		t.Errorf("multi-select: strategy = %q, want native", plan.Strategy)
	}
	// Plain inline buttons are enough: the adapter simulates toggling.
	if plan := Negotiate(p, buttonCaps()); plan.Strategy != RenderNative {
		t.Errorf("inline buttons: strategy = %q, want native", plan.Strategy)
	}

	plan := Negotiate(p, textOnlyCaps())
	if plan.Strategy != RenderTextFallback {
		t.Fatalf("text only: strategy = %q", plan.Strategy)
	}
	if !strings.Contains(plan.Fallback.Content, "Reply with numbers separated by commas.") {
		t.Errorf("fallback content = %q", plan.Fallback.Content)
	}
}

func TestNegotiateConfirm(t *testing.T) {
	p := &InteractionPrimitive{Kind: PrimitiveConfirm, Content: "Proceed?", YesLabel: "Yes", NoLabel: "No"}

	if plan := Negotiate(p, buttonCaps()); plan.Strategy != RenderNative {
		t.Errorf("buttons: strategy = %q, want native", plan.Strategy)
	}

	plan := Negotiate(p, textOnlyCaps())
	if plan.Strategy != RenderTextFallback {
		t.Fatalf("text only: strategy = %q", plan.Strategy)
	}
	if !strings.Contains(plan.Fallback.Content, "Reply yes or no.") {
		t.Errorf("fallback content = %q", plan.Fallback.Content)
	}
}

func TestNegotiateMedia(t *testing.T) {
	voice := &InteractionPrimitive{Kind: PrimitiveMedia, Media: &Media{Kind: MediaVoice, URL: "https://cdn/x.ogg"}}
	if plan := Negotiate(voice, SurfaceCapabilities{VoiceMessages: true}); plan.Strategy != RenderNative {
		t.Errorf("voice supported: strategy = %q", plan.Strategy)
	}
	plan := Negotiate(voice, textOnlyCaps())
	if plan.Strategy != RenderBlocked {
		t.Fatalf("voice unsupported: strategy = %q, want blocked", plan.Strategy)
	}
	if plan.BlockedReason == "" {
		t.Error("blocked plan needs a reason")
	}

	image := &InteractionPrimitive{
		Kind:    PrimitiveMedia,
		Content: "Your report",
		Media:   &Media{Kind: MediaImage, URL: "https://cdn/report.png"},
	}
	if plan := Negotiate(image, SurfaceCapabilities{FileUpload: true}); plan.Strategy != RenderNative {
		t.Errorf("upload supported: strategy = %q", plan.Strategy)
	}
	plan = Negotiate(image, textOnlyCaps())
	if plan.Strategy != RenderTextFallback {
		t.Fatalf("image link fallback: strategy = %q", plan.Strategy)
	}
	if !strings.Contains(plan.Fallback.Content, "https://cdn/report.png") {
		t.Errorf("fallback content = %q, want the URL", plan.Fallback.Content)
	}

	pathOnly := &InteractionPrimitive{Kind: PrimitiveMedia, Media: &Media{Kind: MediaFile, Path: "/tmp/report.pdf"}}
	if plan := Negotiate(pathOnly, textOnlyCaps()); plan.Strategy != RenderBlocked {
		t.Errorf("local file without upload: strategy = %q, want blocked", plan.Strategy)
	}
}

func TestNegotiateDeterministic(t *testing.T) {
	p := &InteractionPrimitive{Kind: PrimitiveChoice, Content: "Pick.", Options: manyOptions(8), IncludeBack: true}
	first := Negotiate(p, buttonCaps())
	second := Negotiate(p, buttonCaps())
	if first.Strategy != second.Strategy || first.Fallback.Content != second.Fallback.Content {
		t.Error("negotiation must be deterministic for identical inputs")
	}
}

func TestParseFallbackReply(t *testing.T) {
	choice := &InteractionPrimitive{
		Kind: PrimitiveChoice,
		Options: []Option{
			{ID: "full", Label: "Everything"},
			{ID: "config", Label: "Configuration only"},
		},
	}
	multi := &InteractionPrimitive{Kind: PrimitiveMultiChoice, Options: choice.Options}
	confirm := &InteractionPrimitive{Kind: PrimitiveConfirm}

	tests := []struct {
		name string
		p    *InteractionPrimitive
		text string
		want []string
		ok   bool
	}{
		{"choice by number", choice, "2", []string{"config"}, true},
		{"choice by label", choice, "everything", []string{"full"}, true},
		{"choice label case and spaces", choice, "  Configuration ONLY ", []string{"config"}, true},
		{"choice by id", choice, "full", []string{"full"}, true},
		{"choice fullwidth digit", choice, "１", []string{"full"}, true},
		{"choice number out of range", choice, "9", nil, false},
		{"choice garbage", choice, "neither", nil, false},
		{"multi numbers", multi, "1,2", []string{"full", "config"}, true},
		{"multi spaced", multi, "1, 2", []string{"full", "config"}, true},
		{"multi dedupes", multi, "1,1", []string{"full"}, true},
		{"multi one bad token fails whole reply", multi, "1,9", nil, false},
		{"confirm yes", confirm, "yes", []string{"yes"}, true},
		{"confirm y", confirm, "Y", []string{"yes"}, true},
		{"confirm 1", confirm, "1", []string{"yes"}, true},
		{"confirm no", confirm, "no", []string{"no"}, true},
		{"confirm n", confirm, "n", []string{"no"}, true},
		{"confirm 2", confirm, "2", []string{"no"}, true},
		{"confirm garbage", confirm, "perhaps", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseFallbackReply(tt.p, tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("values = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseFallbackReplyNumberBeatsNumericLabel(t *testing.T) {
	p := &InteractionPrimitive{
		Kind: PrimitiveChoice,
		Options: []Option{
			{ID: "opt-two", Label: "2"},
			{ID: "opt-other", Label: "Other"},
		},
	}
	got, ok := ParseFallbackReply(p, "2")
	if !ok || got[0] != "opt-other" {
		t.Errorf("reply 2 = %v (ok=%v), want positional match opt-other", got, ok)
	}
}
