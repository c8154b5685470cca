package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nevindra/loom"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func sampleState(userID, workflowID string, lastActive int64) loom.WorkflowState {
	return loom.WorkflowState{
		WorkflowID:   workflowID,
		UserID:       userID,
		CurrentStep:  "name",
		StepHistory:  []string{"intro"},
		Data:         map[string]loom.StepData{"intro": {Timestamp: 1}},
		StartedAt:    lastActive,
		LastActiveAt: lastActive,
		ExpiresAt:    lastActive + 3_600_000,
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := sampleState("user-1", "backup-create", 1000)
	if err := s.CreateState(ctx, want); err != nil {
		t.Fatalf("CreateState: %v", err)
	}

	got, err := s.GetState(ctx, "user-1", "backup-create")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.CurrentStep != "name" || got.StepHistory[0] != "intro" {
		t.Errorf("got = %+v", got)
	}
	if got.Data["intro"].Timestamp != 1 {
		t.Errorf("Data = %v", got.Data)
	}
}

func TestCreateStateRefusesDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := sampleState("user-1", "backup-create", 1000)
	if err := s.CreateState(ctx, state); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateState(ctx, state); err != loom.ErrStateExists {
		t.Errorf("err = %v, want ErrStateExists", err)
	}
}

func TestGetStateMiss(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetState(context.Background(), "nobody", "backup-create"); err != loom.ErrNoActiveWorkflow {
		t.Errorf("err = %v, want ErrNoActiveWorkflow", err)
	}
}

func TestGetActiveForUserPicksLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateState(ctx, sampleState("user-1", "backup-create", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateState(ctx, sampleState("user-1", "config-wipe", 2000)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetActiveForUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.WorkflowID != "config-wipe" {
		t.Errorf("active = %q, want the most recently active", got.WorkflowID)
	}
}

func TestUpdateState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := sampleState("user-1", "backup-create", 1000)
	if err := s.CreateState(ctx, state); err != nil {
		t.Fatal(err)
	}
	state.CurrentStep = "confirm"
	if err := s.UpdateState(ctx, state); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetState(ctx, "user-1", "backup-create")
	if got.CurrentStep != "confirm" {
		t.Errorf("CurrentStep = %q", got.CurrentStep)
	}
}

func TestDeleteStateRemovesEmptyFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateState(ctx, sampleState("user-1", "backup-create", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteState(ctx, "user-1", "backup-create"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.statePath("user-1")); !os.IsNotExist(err) {
		t.Error("empty state file not removed")
	}
	// Idempotent.
	if err := s.DeleteState(ctx, "user-1", "backup-create"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestListStatesSkipsQueueFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateState(ctx, sampleState("user-1", "backup-create", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateState(ctx, sampleState("user-2", "backup-create", 1000)); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveQueue(ctx, []loom.QueueEntry{{ID: "q1", UserID: "user-1"}}); err != nil {
		t.Fatal(err)
	}

	states, err := s.ListStates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 {
		t.Errorf("states = %d, want 2 (queue file must not be scanned)", len(states))
	}
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := loom.UnifiedUser{
		ID:             "u-1",
		LinkedSurfaces: map[string]string{"telegram": "tg-1"},
		DefaultSurface: "telegram",
		CreatedAt:      1000,
	}
	if err := s.PutUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.GetUser(ctx, "u-1")
	if err != nil || !found {
		t.Fatalf("GetUser: %v found=%v", err, found)
	}
	if got.LinkedSurfaces["telegram"] != "tg-1" {
		t.Errorf("got = %+v", got)
	}

	if _, found, _ := s.GetUser(ctx, "u-2"); found {
		t.Error("unknown user reported found")
	}

	users, _ := s.ListUsers(ctx)
	if len(users) != 1 {
		t.Errorf("users = %d", len(users))
	}

	if err := s.DeleteUser(ctx, "u-1"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.GetUser(ctx, "u-1"); found {
		t.Error("user survived delete")
	}
	if err := s.DeleteUser(ctx, "u-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestQueueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Empty before any save.
	entries, err := s.LoadQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d", len(entries))
	}

	want := []loom.QueueEntry{
		{ID: "q1", UserID: "user-1", TargetSurface: "telegram", Message: loom.OutboundMessage{Text: "hi"}, QueuedAt: 1000, MaxAttempts: 5},
		{ID: "q2", UserID: "user-2", TargetSurface: "slack", QueuedAt: 2000, Attempts: 2, MaxAttempts: 5},
	}
	if err := s.SaveQueue(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Message.Text != "hi" || got[1].Attempts != 2 {
		t.Errorf("got = %+v", got)
	}

	// Saving nil clears the queue rather than deleting the file.
	if err := s.SaveQueue(ctx, nil); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got = %+v after clearing", got)
	}
}

func TestSanitizeUserIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateState(ctx, sampleState("user/../../etc", "backup-create", 1000)); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetState(ctx, "user/../../etc", "backup-create")
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "user/../../etc" {
		t.Errorf("UserID = %q", got.UserID)
	}
	// The document stays inside the workflows directory.
	entries, _ := os.ReadDir(filepath.Join(s.dir, "workflows"))
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	if name := entries[0].Name(); name != "user_______etc.json" {
		t.Errorf("file name = %q", name)
	}
}

func TestLoadManualLinks(t *testing.T) {
	dir := t.TempDir()

	links, err := LoadManualLinks(dir)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("links = %v", links)
	}

	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{"u-1": {"telegram": "tg-1", "sms": "+15551234567"}}`
	if err := os.WriteFile(filepath.Join(dir, "config", "manual-links.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	links, err = LoadManualLinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if links["u-1"]["sms"] != "+15551234567" {
		t.Errorf("links = %v", links)
	}

	if err := os.WriteFile(filepath.Join(dir, "config", "manual-links.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManualLinks(dir); err == nil {
		t.Error("expected error for a broken file")
	}
}

// chatAdapter is a minimal in-memory surface for tests that drive a
// full engine over this store.
type chatAdapter struct {
	mu     sync.Mutex
	nextID int
}

var _ loom.SurfaceAdapter = (*chatAdapter)(nil)

func (a *chatAdapter) SurfaceID() string { return "chat" }
func (a *chatAdapter) Version() string   { return "test" }

func (a *chatAdapter) Capabilities() loom.SurfaceCapabilities {
	return loom.SurfaceCapabilities{
		InlineButtons:    true,
		RichText:         true,
		MaxButtonsPerRow: 2,
		MaxButtonRows:    8,
		MaxMessageLength: 4096,
	}
}

func (a *chatAdapter) messageID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	return fmt.Sprintf("msg-%d", a.nextID)
}

func (a *chatAdapter) Render(ctx context.Context, target loom.Target, p *loom.InteractionPrimitive, rc loom.RenderContext) (loom.RenderedMessage, error) {
	return loom.RenderedMessage{MessageID: a.messageID()}, nil
}

func (a *chatAdapter) ParseAction(rawEvent any) *loom.ParsedUserAction { return nil }

func (a *chatAdapter) SendMessage(ctx context.Context, target loom.Target, msg loom.OutboundMessage) (string, error) {
	return a.messageID(), nil
}

func (a *chatAdapter) UpdateMessage(ctx context.Context, target loom.Target, messageID string, msg loom.OutboundMessage) error {
	return nil
}

func (a *chatAdapter) DeleteMessage(ctx context.Context, target loom.Target, messageID string) error {
	return nil
}

func (a *chatAdapter) AcknowledgeAction(ctx context.Context, rawEvent any, text string) error {
	return nil
}

func setupWorkflow() loom.WorkflowDefinition {
	return loom.WorkflowDefinition{
		ID:         "server-setup",
		Plugin:     "setup",
		Version:    "1",
		EntryPoint: "intro",
		Steps: map[string]loom.StepDefinition{
			"intro": {
				Type:    loom.StepInfo,
				Content: "Let's set up the server.",
				Next:    "hostname",
			},
			"hostname": {
				Type:    loom.StepTextInput,
				Content: "What is the hostname?",
				Next:    "region",
			},
			"region": {
				Type:    loom.StepChoice,
				Content: "Which region?",
				Options: []loom.Option{
					{ID: "eu", Label: "Europe"},
					{ID: "us", Label: "US"},
				},
				Next: "done",
			},
			"done": {
				Type:     loom.StepInfo,
				Content:  "All set.",
				Terminal: true,
			},
		},
	}
}

// newEngineOver builds a full engine stack on a file store rooted at
// dir. The returned shutdown tears the whole stack down so a second
// stack can reopen the same directory.
func newEngineOver(t *testing.T, dir string) (*loom.Engine, func()) {
	t.Helper()
	ctx := context.Background()

	s := New(dir)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	identity, err := loom.NewIdentityService(ctx, s)
	if err != nil {
		t.Fatalf("NewIdentityService: %v", err)
	}
	router, err := loom.NewRouter(ctx, identity, s)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	engine := loom.NewEngine(s, identity, router)
	engine.RegisterAdapter(&chatAdapter{})
	if err := engine.RegisterWorkflow(setupWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	shutdown := func() {
		engine.Close()
		router.Close()
		identity.Close()
		s.Close()
	}
	return engine, shutdown
}

func TestWorkflowSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	surface := loom.SurfaceRef{SurfaceID: "chat", SurfaceUserID: "chat-1"}

	engine, shutdown := newEngineOver(t, dir)
	if _, err := engine.StartWorkflow(ctx, "server-setup", "user-1", surface, nil); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	out, err := engine.HandleAction(ctx, "user-1", &loom.ParsedUserAction{
		Kind:    loom.ActionText,
		Text:    "db-primary",
		Surface: surface,
	})
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	if out.Result != loom.ResultAdvanced {
		t.Fatalf("result = %+v", out)
	}
	shutdown()

	// A fresh stack over the same directory picks up where the first
	// one stopped.
	engine, shutdown = newEngineOver(t, dir)
	defer shutdown()

	state, err := engine.GetActiveWorkflow(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetActiveWorkflow after restart: %v", err)
	}
	if state.CurrentStep != "region" {
		t.Errorf("CurrentStep = %q, want %q", state.CurrentStep, "region")
	}
	if state.Data["hostname"].Input != "db-primary" {
		t.Errorf("hostname data = %+v", state.Data["hostname"])
	}

	out, err = engine.HandleAction(ctx, "user-1", &loom.ParsedUserAction{
		Kind:    loom.ActionSelection,
		Values:  []string{"eu"},
		Surface: surface,
	})
	if err != nil {
		t.Fatalf("HandleAction after restart: %v", err)
	}
	if out.Result != loom.ResultCompleted {
		t.Errorf("result = %+v", out)
	}
	if _, err := engine.GetActiveWorkflow(ctx, "user-1"); err != loom.ErrNoActiveWorkflow {
		t.Errorf("err = %v, want ErrNoActiveWorkflow after completion", err)
	}
}
