package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Result classifies the outcome of one engine operation as observed by
// the host.
type Result string

const (
	// ResultAdvanced means the workflow moved forward (or re-rendered).
	ResultAdvanced Result = "advanced"
	// ResultCompleted means a terminal step was reached; state deleted.
	ResultCompleted Result = "completed"
	// ResultCancelled covers explicit cancel, back-from-root, lost
	// concurrency races, and missing workflows. Reason distinguishes.
	ResultCancelled Result = "cancelled"
	// ResultValidationError means text input failed step validation.
	ResultValidationError Result = "validation-error"
	// ResultToolError means the step's external tool call failed.
	ResultToolError Result = "tool-error"
)

// Reason strings carried on cancelled outcomes.
const (
	ReasonUserCancelled   = "cancelled by user"
	ReasonBusy            = "already handled on another surface"
	ReasonNoActive        = "no active workflow"
	ReasonUnknownWorkflow = "workflow not registered"
)

// Outcome is what HandleAction and StartWorkflow report back to hosts.
type Outcome struct {
	Result Result
	// Reason explains cancelled outcomes.
	Reason string
	// StepID is the step the workflow is on after the operation
	// (empty once the state is deleted).
	StepID string
}

const defaultToolTimeout = 30 * time.Second

// stateSweepPeriod is how often the TTL sweeper scans persisted states.
const stateSweepPeriod = time.Minute

// Engine drives workflows: it owns the definition and adapter
// registries, the per-(user, workflow) concurrency guard, and the TTL
// sweeper. All state mutation happens here, under the guard.
type Engine struct {
	store    StateStore
	identity *IdentityService
	router   *Router
	tools    ToolExecutor

	logger      *slog.Logger
	tracer      Tracer
	clock       func() time.Time
	toolTimeout time.Duration

	mu        sync.RWMutex
	workflows map[string]*compiledWorkflow
	adapters  map[string]SurfaceAdapter

	busy busyKeys

	done chan struct{}
	once sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a structured logger for engine events.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets a Tracer; each handled action, render, and tool call
// becomes a span. The observer package provides an OTEL implementation.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithToolExecutor installs the external tool executor. Without one,
// any step carrying a toolCall fails with a tool error.
func WithToolExecutor(t ToolExecutor) EngineOption {
	return func(e *Engine) { e.tools = t }
}

// WithToolTimeout bounds each external tool call (default 30s).
func WithToolTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.toolTimeout = d }
}

// withClock overrides the time source. Test hook.
func withClock(fn func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = fn }
}

// NewEngine builds an engine over a state store, identity service, and
// router. Call Start to run recovery and the TTL sweeper; Close to stop.
func NewEngine(store StateStore, identity *IdentityService, router *Router, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		identity:    identity,
		router:      router,
		logger:      nopLogger,
		clock:       time.Now,
		toolTimeout: defaultToolTimeout,
		workflows:   make(map[string]*compiledWorkflow),
		adapters:    make(map[string]SurfaceAdapter),
		busy:        busyKeys{keys: make(map[string]bool)},
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterWorkflow validates and installs a definition. On validation
// failure the returned error is an *ErrInvalidDefinition listing every
// problem, and the workflow is not installed.
func (e *Engine) RegisterWorkflow(def WorkflowDefinition) error {
	cw, err := compileWorkflow(def)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.ID] = cw
	e.logger.Info("engine: workflow registered",
		"workflow", def.ID, "version", def.Version, "steps", len(def.Steps))
	return nil
}

// RegisterAdapter installs a surface adapter and makes it available to
// the router.
func (e *Engine) RegisterAdapter(a SurfaceAdapter) {
	e.mu.Lock()
	e.adapters[a.SurfaceID()] = a
	e.mu.Unlock()
	if e.router != nil {
		e.router.RegisterAdapter(a)
	}
	e.logger.Info("engine: adapter registered", "surface", a.SurfaceID(), "version", a.Version())
}

// GetSurfaceCapabilities returns the capability descriptor of a
// registered adapter.
func (e *Engine) GetSurfaceCapabilities(surfaceID string) (SurfaceCapabilities, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[surfaceID]
	if !ok {
		return SurfaceCapabilities{}, &ErrAdapterNotFound{SurfaceID: surfaceID}
	}
	return a.Capabilities(), nil
}

// GetActiveWorkflow returns the user's active workflow state, or
// ErrNoActiveWorkflow. Expired states are treated as absent.
func (e *Engine) GetActiveWorkflow(ctx context.Context, userID string) (WorkflowState, error) {
	state, err := e.store.GetActiveForUser(ctx, userID)
	if err != nil {
		return WorkflowState{}, err
	}
	if state.Expired(e.clock().UnixMilli()) {
		_ = e.store.DeleteState(ctx, state.UserID, state.WorkflowID)
		return WorkflowState{}, ErrNoActiveWorkflow
	}
	return state, nil
}

// CancelWorkflow deletes a user's workflow instance. Idempotent:
// cancelling an absent workflow is a no-op.
func (e *Engine) CancelWorkflow(ctx context.Context, userID, workflowID string) error {
	return e.store.DeleteState(ctx, userID, workflowID)
}

// Start runs startup recovery and launches the TTL sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return err
	}
	go e.sweepLoop(ctx)
	return nil
}

// Close stops the TTL sweeper.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.done) })
}

// recover rehydrates persisted states, dropping anything expired or
// referencing a workflow that is no longer registered. Drops are logged
// as the audit trail.
func (e *Engine) recover(ctx context.Context) error {
	states, err := e.store.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("engine: recovery: %w", err)
	}
	now := e.clock().UnixMilli()
	kept := 0
	for _, s := range states {
		switch {
		case s.Expired(now):
			e.logger.Warn("engine: dropping expired state on recovery",
				"user", s.UserID, "workflow", s.WorkflowID, "expiredAt", s.ExpiresAt)
			_ = e.store.DeleteState(ctx, s.UserID, s.WorkflowID)
		case e.workflow(s.WorkflowID) == nil:
			e.logger.Warn("engine: dropping state for unregistered workflow",
				"user", s.UserID, "workflow", s.WorkflowID)
			_ = e.store.DeleteState(ctx, s.UserID, s.WorkflowID)
		default:
			kept++
		}
	}
	e.logger.Info("engine: recovery complete", "restored", kept, "scanned", len(states))
	return nil
}

// sweepLoop periodically deletes expired states. Locked keys are
// skipped: TTL expiry never preempts an in-progress action.
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(stateSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.sweepExpired(ctx)
		}
	}
}

func (e *Engine) sweepExpired(ctx context.Context) {
	states, err := e.store.ListStates(ctx)
	if err != nil {
		e.logger.Error("engine: ttl sweep", "error", err)
		return
	}
	now := e.clock().UnixMilli()
	for _, s := range states {
		if !s.Expired(now) {
			continue
		}
		if !e.busy.tryAcquire(lockKey(s.UserID, s.WorkflowID)) {
			continue // action in flight wins the race
		}
		_ = e.store.DeleteState(ctx, s.UserID, s.WorkflowID)
		e.busy.release(lockKey(s.UserID, s.WorkflowID))
		e.logger.Info("engine: expired state swept", "user", s.UserID, "workflow", s.WorkflowID)
	}
}

// workflow returns the compiled workflow or nil.
func (e *Engine) workflow(id string) *compiledWorkflow {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workflows[id]
}

// adapter returns the adapter for a surface.
func (e *Engine) adapter(surfaceID string) (SurfaceAdapter, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.adapters[surfaceID]
	return a, ok
}

// --- Concurrency guard ---

// busyKeys is the process-wide set of in-flight (user, workflow) keys.
// Immediate-fail: a second action on a busy key is rejected rather than
// queued, so cross-surface double-taps resolve to exactly one winner.
type busyKeys struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (b *busyKeys) tryAcquire(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keys[key] {
		return false
	}
	b.keys[key] = true
	return true
}

func (b *busyKeys) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

func lockKey(userID, workflowID string) string {
	return userID + "|" + workflowID
}

// span starts a tracer span when a tracer is configured.
func (e *Engine) span(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.Start(ctx, name, attrs...)
}

func endSpan(s Span, err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.Error(err)
	}
	s.End()
}
