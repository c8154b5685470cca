package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/nevindra/loom"
)

type postedMessage struct {
	Channel  string
	ThreadTS string
	Text     string
	Blocks   []Block
}

type fakeAPI struct {
	mu        sync.Mutex
	posted    []postedMessage
	updated   []postedMessage
	deleted   []string
	views     []ModalView
	ephemeral []string
	nextTS    int
	postErr   error
	viewErr   error
}

var _ API = (*fakeAPI)(nil)

func (f *fakeAPI) PostMessage(ctx context.Context, channel, threadTS, text string, blocks []Block) (string, error) {
	if f.postErr != nil {
		return "", f.postErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, postedMessage{Channel: channel, ThreadTS: threadTS, Text: text, Blocks: blocks})
	f.nextTS++
	return fmt.Sprintf("1700000000.%06d", f.nextTS), nil
}

func (f *fakeAPI) UpdateMessage(ctx context.Context, channel, ts, text string, blocks []Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, postedMessage{Channel: channel, Text: text, Blocks: blocks})
	return nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, channel, ts string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ts)
	return nil
}

func (f *fakeAPI) OpenView(ctx context.Context, triggerID string, view ModalView) error {
	if f.viewErr != nil {
		return f.viewErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views = append(f.views, view)
	return nil
}

func (f *fakeAPI) PostEphemeral(ctx context.Context, channel, user, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ephemeral = append(f.ephemeral, text)
	return nil
}

func (f *fakeAPI) lastPosted(t *testing.T) postedMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posted) == 0 {
		t.Fatal("nothing posted")
	}
	return f.posted[len(f.posted)-1]
}

func newTestAdapter() (*Adapter, *fakeAPI) {
	api := &fakeAPI{}
	return NewAdapter(api), api
}

func testTarget() loom.Target {
	return loom.Target{SurfaceUserID: "U100", ChannelID: "C200"}
}

func testRC() loom.RenderContext {
	return loom.RenderContext{WorkflowID: "backup-create", StepID: "scope", UserID: "u-1"}
}

func findBlock(blocks []Block, blockType string) *Block {
	for i := range blocks {
		if blocks[i].Type == blockType {
			return &blocks[i]
		}
	}
	return nil
}

func TestRenderChoiceBlocks(t *testing.T) {
	a, api := newTestAdapter()
	p := &loom.InteractionPrimitive{
		Kind:    loom.PrimitiveChoice,
		Content: "Pick a scope.",
		Options: []loom.Option{
			{ID: "full", Label: "Everything"},
			{ID: "config", Label: "Configuration only"},
		},
		Progress:      &loom.Progress{Current: 3, Total: 5},
		IncludeCancel: true,
	}

	rendered, err := a.Render(context.Background(), testTarget(), p, testRC())
	if err != nil {
		t.Fatal(err)
	}
	if rendered.UsedFallback {
		t.Error("native render reported as fallback")
	}

	msg := api.lastPosted(t)
	if msg.Channel != "C200" {
		t.Errorf("channel = %q", msg.Channel)
	}
	section := findBlock(msg.Blocks, "section")
	if section == nil || !strings.Contains(section.Text.Text, "*Step 3 of 5*") {
		t.Fatalf("section = %+v", section)
	}

	// One actions block for the options, one for the meta row.
	var actions []*Block
	for i := range msg.Blocks {
		if msg.Blocks[i].Type == "actions" {
			actions = append(actions, &msg.Blocks[i])
		}
	}
	if len(actions) != 2 {
		t.Fatalf("actions blocks = %d, want 2", len(actions))
	}
	buttons := actions[0].Elements
	if len(buttons) != 2 || buttons[0].Text.Text != "Everything" {
		t.Fatalf("buttons = %+v", buttons)
	}
	if want := loom.EncodeCallback("backup-create", "scope", "full"); buttons[0].ActionID != want {
		t.Errorf("action id = %q, want %q", buttons[0].ActionID, want)
	}
	meta := actions[1].Elements
	if len(meta) != 1 || meta[0].Text.Text != "Cancel" || meta[0].Style != "danger" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestRenderConfirmDefaults(t *testing.T) {
	a, api := newTestAdapter()
	p := &loom.InteractionPrimitive{Kind: loom.PrimitiveConfirm, Content: "Proceed?"}
	if _, err := a.Render(context.Background(), testTarget(), p, testRC()); err != nil {
		t.Fatal(err)
	}

	block := findBlock(api.lastPosted(t).Blocks, "actions")
	if block == nil || len(block.Elements) != 2 {
		t.Fatalf("confirm block = %+v", block)
	}
	yes, no := block.Elements[0], block.Elements[1]
	if yes.Text.Text != "Yes" || yes.Style != "primary" {
		t.Errorf("yes = %+v", yes)
	}
	if no.Text.Text != "No" || no.Style != "" {
		t.Errorf("no = %+v", no)
	}
}

func TestRenderTextInputOffersModal(t *testing.T) {
	a, api := newTestAdapter()
	p := &loom.InteractionPrimitive{
		Kind:        loom.PrimitiveTextInput,
		Content:     "Name the backup.",
		Placeholder: "nightly-2026",
	}
	if _, err := a.Render(context.Background(), testTarget(), p, testRC()); err != nil {
		t.Fatal(err)
	}

	block := findBlock(api.lastPosted(t).Blocks, "actions")
	if block == nil {
		t.Fatal("no button block")
	}
	btn := block.Elements[0]
	if btn.Text.Text != "Open form" {
		t.Errorf("button = %+v", btn)
	}
	wf, step, ok := loom.DecodeModalID(btn.Value)
	if !ok || wf != "backup-create" || step != "scope" {
		t.Errorf("modal id = %q", btn.Value)
	}

	// Pressing the button opens the modal and consumes the event.
	press := &InteractionPayload{
		Type:      "block_actions",
		TriggerID: "trig-1",
		User:      PayloadUser{ID: "U100"},
		Container: Container{ChannelID: "C200", MessageTS: "1.1"},
		Actions:   []BlockAction{{Type: "button", ActionID: btn.ActionID, Value: btn.Value}},
	}
	if got := a.ParseAction(press); got != nil {
		t.Fatalf("modal press produced an action: %+v", got)
	}
	if len(api.views) != 1 {
		t.Fatalf("views opened = %d", len(api.views))
	}
	view := api.views[0]
	if view.CallbackID != btn.Value {
		t.Errorf("callback id = %q", view.CallbackID)
	}
	if view.Blocks[0].Label.Text != "Name the backup." {
		t.Errorf("label = %+v", view.Blocks[0].Label)
	}
	if view.Blocks[0].Element.Placeholder.Text != "nightly-2026" {
		t.Errorf("placeholder = %+v", view.Blocks[0].Element.Placeholder)
	}
}

func TestViewSubmissionBecomesText(t *testing.T) {
	a, _ := newTestAdapter()
	payload := &InteractionPayload{
		Type:      "view_submission",
		User:      PayloadUser{ID: "U100"},
		Container: Container{ChannelID: "C200"},
		View: &ViewPayload{
			CallbackID: loom.EncodeModalID("backup-create", "name"),
			State: ViewState{Values: map[string]map[string]ViewStateValue{
				"answer": {"value": {Type: "plain_text_input", Value: "nightly"}},
			}},
		},
	}

	action := a.ParseAction(payload)
	if action == nil || action.Kind != loom.ActionText {
		t.Fatalf("action = %+v", action)
	}
	if action.Text != "nightly" {
		t.Errorf("text = %q", action.Text)
	}
	if action.WorkflowID != "backup-create" || action.StepID != "name" {
		t.Errorf("context = %q/%q", action.WorkflowID, action.StepID)
	}
	if action.Surface.SurfaceUserID != "U100" {
		t.Errorf("surface = %+v", action.Surface)
	}
}

func TestMultiChoiceSelectAndSubmit(t *testing.T) {
	a, api := newTestAdapter()
	p := &loom.InteractionPrimitive{
		Kind:    loom.PrimitiveMultiChoice,
		Content: "Which parts?",
		Options: []loom.Option{
			{ID: "db", Label: "Database"},
			{ID: "files", Label: "Files"},
		},
		MaxSelections: 2,
	}
	rc := loom.RenderContext{WorkflowID: "restore-pick", StepID: "pick"}

	rendered, err := a.Render(context.Background(), testTarget(), p, rc)
	if err != nil {
		t.Fatal(err)
	}

	msg := api.lastPosted(t)
	sel := findBlock(msg.Blocks, "actions").Elements[0]
	if sel.Type != "multi_static_select" || len(sel.Options) != 2 {
		t.Fatalf("select = %+v", sel)
	}
	if sel.MaxSelectedItems != 2 {
		t.Errorf("MaxSelectedItems = %d", sel.MaxSelectedItems)
	}

	container := Container{ChannelID: "C200", MessageTS: rendered.MessageID}

	// Changing the menu selection updates pending state silently.
	change := &InteractionPayload{
		Type:      "block_actions",
		User:      PayloadUser{ID: "U100"},
		Container: container,
		Actions: []BlockAction{{
			Type:     "multi_static_select",
			ActionID: sel.ActionID,
			SelectedOptions: []SelectOption{
				{Value: "db"},
				{Value: "files"},
			},
		}},
	}
	if got := a.ParseAction(change); got != nil {
		t.Fatalf("selection change produced an action: %+v", got)
	}

	submit := &InteractionPayload{
		Type:      "block_actions",
		User:      PayloadUser{ID: "U100"},
		Container: container,
		Actions: []BlockAction{{
			Type:     "button",
			ActionID: loom.EncodeCallback("restore-pick", "pick", loom.ActionIDSubmit),
			Value:    loom.ActionIDSubmit,
		}},
	}
	action := a.ParseAction(submit)
	if action == nil || action.Kind != loom.ActionSelection {
		t.Fatalf("submit = %+v", action)
	}
	if len(action.Values) != 2 || action.Values[0] != "db" || action.Values[1] != "files" {
		t.Errorf("values = %v", action.Values)
	}
}

func TestSubmitWithoutTrackedSelection(t *testing.T) {
	a, _ := newTestAdapter()

	// No prior render, so no pending selection for this message. That is
	// what a Submit press looks like after an adapter restart.
	submit := &InteractionPayload{
		Type:      "block_actions",
		User:      PayloadUser{ID: "U100"},
		Container: Container{ChannelID: "C200", MessageTS: "1.1"},
		Actions: []BlockAction{{
			Type:     "button",
			ActionID: loom.EncodeCallback("restore-pick", "pick", loom.ActionIDSubmit),
			Value:    loom.ActionIDSubmit,
		}},
	}
	action := a.ParseAction(submit)
	if action == nil || action.Kind != loom.ActionSelection {
		t.Fatalf("submit = %+v", action)
	}
	if len(action.Values) != 0 {
		t.Errorf("values = %v, want none", action.Values)
	}
}

func TestBlockActionSelection(t *testing.T) {
	a, _ := newTestAdapter()
	payload := &InteractionPayload{
		Type:      "block_actions",
		User:      PayloadUser{ID: "U100"},
		Container: Container{ChannelID: "C200", MessageTS: "1.1", ThreadTS: "1.0"},
		Actions: []BlockAction{{
			Type:     "button",
			ActionID: loom.EncodeCallback("backup-create", "scope", "full"),
		}},
	}

	action := a.ParseAction(payload)
	if action == nil || action.Kind != loom.ActionSelection || action.Value() != "full" {
		t.Fatalf("action = %+v", action)
	}
	if action.Surface.ChannelID != "C200" || action.Surface.ThreadID != "1.0" {
		t.Errorf("surface = %+v", action.Surface)
	}
}

func TestBlockActionMeta(t *testing.T) {
	a, _ := newTestAdapter()
	press := func(actionID string) *loom.ParsedUserAction {
		return a.ParseAction(&InteractionPayload{
			Type:      "block_actions",
			User:      PayloadUser{ID: "U100"},
			Container: Container{ChannelID: "C200", MessageTS: "1.1"},
			Actions:   []BlockAction{{Type: "button", ActionID: loom.EncodeCallback("backup-create", "scope", actionID)}},
		})
	}
	if got := press(loom.ActionIDCancel); got.Kind != loom.ActionCancel {
		t.Errorf("cancel = %+v", got)
	}
	if got := press(loom.ActionIDBack); got.Kind != loom.ActionBack {
		t.Errorf("back = %+v", got)
	}
}

func TestParseMessageEvents(t *testing.T) {
	a, _ := newTestAdapter()

	if got := a.ParseAction(&MessageEvent{User: "U100", Channel: "C200", Text: "pong", BotID: "B1"}); got != nil {
		t.Errorf("bot message parsed: %+v", got)
	}
	if got := a.ParseAction(&MessageEvent{User: "U100", Channel: "C200"}); got != nil {
		t.Errorf("empty message parsed: %+v", got)
	}

	got := a.ParseAction(&MessageEvent{User: "U100", Channel: "C200", Text: "nightly", ThreadTS: "1.0"})
	if got == nil || got.Kind != loom.ActionText || got.Text != "nightly" {
		t.Fatalf("action = %+v", got)
	}
	if got.Surface.ThreadID != "1.0" {
		t.Errorf("thread = %q", got.Surface.ThreadID)
	}

	if got := a.ParseAction(&MessageEvent{User: "U100", Channel: "C200", Text: "cancel"}); got.Kind != loom.ActionCancel {
		t.Errorf("meta = %+v", got)
	}
}

func TestRenderMediaLinksURL(t *testing.T) {
	a, api := newTestAdapter()
	p := &loom.InteractionPrimitive{
		Kind:    loom.PrimitiveMedia,
		Content: "Your report",
		Media:   &loom.Media{Kind: loom.MediaImage, URL: "https://cdn/report.png"},
	}
	if _, err := a.Render(context.Background(), testTarget(), p, testRC()); err != nil {
		t.Fatal(err)
	}
	section := findBlock(api.lastPosted(t).Blocks, "section")
	if section == nil || !strings.Contains(section.Text.Text, "<https://cdn/report.png>") {
		t.Errorf("section = %+v", section)
	}
}

func TestSendMessageDeliveryError(t *testing.T) {
	a, api := newTestAdapter()
	api.postErr = errors.New("rate_limited")

	_, err := a.SendMessage(context.Background(), testTarget(), loom.OutboundMessage{Text: "x"})
	var delivery *loom.ErrDelivery
	if !errors.As(err, &delivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if delivery.SurfaceID != SurfaceID {
		t.Errorf("SurfaceID = %q", delivery.SurfaceID)
	}
}

func TestAcknowledgeActionEphemeral(t *testing.T) {
	a, api := newTestAdapter()
	payload := &InteractionPayload{
		Type:      "block_actions",
		User:      PayloadUser{ID: "U100"},
		Container: Container{ChannelID: "C200"},
	}
	if err := a.AcknowledgeAction(context.Background(), payload, "Working on it"); err != nil {
		t.Fatal(err)
	}
	if len(api.ephemeral) != 1 || api.ephemeral[0] != "Working on it" {
		t.Errorf("ephemeral = %v", api.ephemeral)
	}

	// Empty text means the HTTP 200 was ack enough.
	if err := a.AcknowledgeAction(context.Background(), payload, ""); err != nil {
		t.Fatal(err)
	}
	if len(api.ephemeral) != 1 {
		t.Errorf("ephemeral = %v", api.ephemeral)
	}
}

func TestToMrkdwn(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**bold** text", "*bold* text"},
		{"see [the docs](https://example.com)", "see <https://example.com|the docs>"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := toMrkdwn(tt.in); got != tt.want {
			t.Errorf("toMrkdwn(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	got := splitText("aaaa\nbbbb\ncccc", 10)
	if len(got) != 2 || got[0] != "aaaa\nbbbb\n" || got[1] != "cccc" {
		t.Errorf("chunks = %q", got)
	}
	if got := splitText("short", 10); len(got) != 1 {
		t.Errorf("short = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", 20)
	got := truncate(long, 10)
	if len(got) > 10+len("…")-1 || !strings.HasSuffix(got, "…") {
		t.Errorf("got %q (len %d)", got, len(got))
	}
}
