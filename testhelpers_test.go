package loom

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source shared by the engine, router,
// and identity service in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store for tests.
type memStore struct {
	mu     sync.Mutex
	states map[string]WorkflowState
	users  map[string]UnifiedUser
	queue  []QueueEntry
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		states: make(map[string]WorkflowState),
		users:  make(map[string]UnifiedUser),
	}
}

func (m *memStore) Init(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func stateKey(userID, workflowID string) string { return userID + "|" + workflowID }

func (m *memStore) CreateState(ctx context.Context, state WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(state.UserID, state.WorkflowID)
	if _, exists := m.states[key]; exists {
		return ErrStateExists
	}
	m.states[key] = state
	return nil
}

func (m *memStore) GetState(ctx context.Context, userID, workflowID string) (WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateKey(userID, workflowID)]
	if !ok {
		return WorkflowState{}, ErrNoActiveWorkflow
	}
	return s, nil
}

func (m *memStore) GetActiveForUser(ctx context.Context, userID string) (WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best WorkflowState
	found := false
	for _, s := range m.states {
		if s.UserID != userID {
			continue
		}
		if !found || s.LastActiveAt > best.LastActiveAt {
			best = s
			found = true
		}
	}
	if !found {
		return WorkflowState{}, ErrNoActiveWorkflow
	}
	return best, nil
}

func (m *memStore) UpdateState(ctx context.Context, state WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(state.UserID, state.WorkflowID)] = state
	return nil
}

func (m *memStore) DeleteState(ctx context.Context, userID, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, stateKey(userID, workflowID))
	return nil
}

func (m *memStore) ListStates(ctx context.Context) ([]WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WorkflowState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) PutUser(ctx context.Context, user UnifiedUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUser(ctx context.Context, userID string) (UnifiedUser, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return u, ok, nil
}

func (m *memStore) DeleteUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, userID)
	return nil
}

func (m *memStore) ListUsers(ctx context.Context) ([]UnifiedUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]UnifiedUser, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) SaveQueue(ctx context.Context, entries []QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append([]QueueEntry(nil), entries...)
	return nil
}

func (m *memStore) LoadQueue(ctx context.Context) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]QueueEntry(nil), m.queue...), nil
}

// stubAdapter records renders and sends. ParseAction returns the
// scripted action, if any.
type stubAdapter struct {
	id        string
	caps      SurfaceCapabilities
	action    *ParsedUserAction
	renderErr error
	sendErr   error

	mu      sync.Mutex
	renders []renderRecord
	sent    []string
	nextID  int
}

type renderRecord struct {
	Primitive InteractionPrimitive
	RC        RenderContext
	Target    Target
}

var _ SurfaceAdapter = (*stubAdapter)(nil)

func newStubAdapter(id string) *stubAdapter {
	return &stubAdapter{
		id: id,
		caps: SurfaceCapabilities{
			InlineButtons:    true,
			FileUpload:       true,
			RichText:         true,
			MaxButtonsPerRow: 2,
			MaxButtonRows:    8,
			MaxMessageLength: 4096,
		},
	}
}

func (a *stubAdapter) SurfaceID() string                 { return a.id }
func (a *stubAdapter) Version() string                   { return "test" }
func (a *stubAdapter) Capabilities() SurfaceCapabilities { return a.caps }

func (a *stubAdapter) Render(ctx context.Context, target Target, p *InteractionPrimitive, rc RenderContext) (RenderedMessage, error) {
	if a.renderErr != nil {
		return RenderedMessage{}, a.renderErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.renders = append(a.renders, renderRecord{Primitive: *p, RC: rc, Target: target})
	a.nextID++
	return RenderedMessage{MessageID: fmt.Sprintf("msg-%d", a.nextID)}, nil
}

func (a *stubAdapter) ParseAction(rawEvent any) *ParsedUserAction { return a.action }

func (a *stubAdapter) SendMessage(ctx context.Context, target Target, msg OutboundMessage) (string, error) {
	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg.Text)
	a.nextID++
	return fmt.Sprintf("msg-%d", a.nextID), nil
}

func (a *stubAdapter) UpdateMessage(ctx context.Context, target Target, messageID string, msg OutboundMessage) error {
	return nil
}

func (a *stubAdapter) DeleteMessage(ctx context.Context, target Target, messageID string) error {
	return nil
}

func (a *stubAdapter) AcknowledgeAction(ctx context.Context, rawEvent any, text string) error {
	return nil
}

func (a *stubAdapter) renderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.renders)
}

func (a *stubAdapter) lastRender(t *testing.T) renderRecord {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.renders) == 0 {
		t.Fatal("no renders recorded")
	}
	return a.renders[len(a.renders)-1]
}

func (a *stubAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *stubAdapter) lastSent(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return a.sent[len(a.sent)-1]
}

// recordingTool is a scriptable ToolExecutor. When entered/release are
// set, Execute signals entered and then parks until release closes, so
// tests can hold a tool call in flight.
type recordingTool struct {
	mu      sync.Mutex
	calls   []toolCall
	result  ToolResult
	err     error
	entered chan struct{}
	release chan struct{}
}

type toolCall struct {
	Name   string
	Params map[string]any
}

func newRecordingTool() *recordingTool {
	return &recordingTool{result: ToolResult{Success: true}}
}

func (r *recordingTool) Execute(ctx context.Context, name string, params map[string]any) (ToolResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, toolCall{Name: name, Params: params})
	result, err := r.result, r.err
	entered, release := r.entered, r.release
	r.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	return result, err
}

func (r *recordingTool) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingTool) lastCall(t *testing.T) toolCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		t.Fatal("no tool calls recorded")
	}
	return r.calls[len(r.calls)-1]
}

// backupWorkflow is the canonical test workflow: an intro that
// auto-advances, validated text input, a choice, a confirm with
// branching, a tool step, and two terminals.
func backupWorkflow() WorkflowDefinition {
	return WorkflowDefinition{
		ID:         "backup-create",
		Plugin:     "backup",
		Version:    "1",
		EntryPoint: "intro",
		Steps: map[string]StepDefinition{
			"intro": {
				Type:    StepInfo,
				Content: "Let's create a backup.",
				Next:    "name",
			},
			"name": {
				Type:       StepTextInput,
				Content:    "What should the backup be called?",
				Validation: &ValidationRule{MinLength: 3, MaxLength: 40},
				Next:       "scope",
			},
			"scope": {
				Type:    StepChoice,
				Content: "What should it include?",
				Options: []Option{
					{ID: "full", Label: "Everything"},
					{ID: "config", Label: "Configuration only"},
				},
				Next: "confirm",
			},
			"confirm": {
				Type:     StepConfirm,
				Content:  "Create backup {{data.name.input}} ({{data.scope.selection}})?",
				YesLabel: "Create",
				NoLabel:  "Abort",
				Transitions: map[string]string{
					"yes": "run",
					"no":  "aborted",
				},
			},
			"run": {
				Type:    StepInfo,
				Content: "Creating backup...",
				ToolCall: &ToolCallBinding{
					Name: "backup.create",
					ParamMap: map[string]string{
						"name":  "$data.name.input",
						"scope": "$data.scope.selection",
					},
				},
				Next: "done",
			},
			"done": {
				Type:     StepInfo,
				Content:  "Backup {{data.name.input}} created.",
				Terminal: true,
			},
			"aborted": {
				Type:     StepInfo,
				Content:  "No backup was created.",
				Terminal: true,
			},
		},
	}
}

// fixture bundles a wired engine with its collaborators.
type fixture struct {
	clock    *fakeClock
	store    *memStore
	identity *IdentityService
	router   *Router
	engine   *Engine
	adapter  *stubAdapter
	tool     *recordingTool
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := newFakeClock()
	store := newMemStore()

	identity, err := NewIdentityService(ctx, store, withIdentityClock(clock.Now))
	if err != nil {
		t.Fatalf("NewIdentityService: %v", err)
	}
	t.Cleanup(identity.Close)

	router, err := NewRouter(ctx, identity, store, withRouterClock(clock.Now))
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	t.Cleanup(router.Close)

	tool := newRecordingTool()
	engineOpts := append([]EngineOption{withClock(clock.Now), WithToolExecutor(tool)}, opts...)
	engine := NewEngine(store, identity, router, engineOpts...)
	t.Cleanup(engine.Close)

	adapter := newStubAdapter("alpha")
	engine.RegisterAdapter(adapter)
	if err := engine.RegisterWorkflow(backupWorkflow()); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	return &fixture{
		clock:    clock,
		store:    store,
		identity: identity,
		router:   router,
		engine:   engine,
		adapter:  adapter,
		tool:     tool,
	}
}

func (f *fixture) surface() SurfaceRef {
	return SurfaceRef{SurfaceID: "alpha", SurfaceUserID: "alpha-7"}
}

func (f *fixture) start(t *testing.T, userID string) Outcome {
	t.Helper()
	out, err := f.engine.StartWorkflow(context.Background(), "backup-create", userID, f.surface(), nil)
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	return out
}

func (f *fixture) act(t *testing.T, userID string, action *ParsedUserAction) Outcome {
	t.Helper()
	if action.Surface.SurfaceID == "" {
		action.Surface = f.surface()
	}
	out, err := f.engine.HandleAction(context.Background(), userID, action)
	if err != nil {
		t.Fatalf("HandleAction: %v", err)
	}
	return out
}

func textAction(text string) *ParsedUserAction {
	return &ParsedUserAction{Kind: ActionText, Text: text}
}

func selectAction(values ...string) *ParsedUserAction {
	return &ParsedUserAction{Kind: ActionSelection, Values: values}
}
