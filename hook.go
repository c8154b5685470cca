package loom

import (
	"context"
	"log/slog"
)

// Hooks bridges raw transport events into the engine. Host transports
// deliver three event shapes: callbacks (payload matches the wf:
// encoding), modal submits (wf_modal:), and plain text messages. Each
// handler returns handled=true when the workflow layer consumed the
// event; the host must not render an additional message in that case.
type Hooks struct {
	engine   *Engine
	identity *IdentityService
	logger   *slog.Logger
}

// HookOption configures Hooks.
type HookOption func(*Hooks)

// WithHookLogger sets a structured logger for hook dispatch.
func WithHookLogger(l *slog.Logger) HookOption {
	return func(h *Hooks) { h.logger = l }
}

// NewHooks wires the hook layer to an engine and identity service.
func NewHooks(engine *Engine, identity *IdentityService, opts ...HookOption) *Hooks {
	h := &Hooks{engine: engine, identity: identity, logger: nopLogger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleCallback processes a button-press event. The adapter decodes
// the wf: payload; unrecognized events are left for other hook
// families.
func (h *Hooks) HandleCallback(ctx context.Context, surfaceID string, rawEvent any) (bool, error) {
	return h.dispatch(ctx, surfaceID, rawEvent, false)
}

// HandleModalSubmit processes a structured-input submission (wf_modal:
// callback id).
func (h *Hooks) HandleModalSubmit(ctx context.Context, surfaceID string, rawEvent any) (bool, error) {
	return h.dispatch(ctx, surfaceID, rawEvent, false)
}

// HandleText processes a plain text message. Text only belongs to the
// workflow layer while the user has an active workflow; otherwise the
// event is left for the host's chat handling.
func (h *Hooks) HandleText(ctx context.Context, surfaceID string, rawEvent any) (bool, error) {
	return h.dispatch(ctx, surfaceID, rawEvent, true)
}

func (h *Hooks) dispatch(ctx context.Context, surfaceID string, rawEvent any, requireActive bool) (bool, error) {
	adapter, ok := h.engine.adapter(surfaceID)
	if !ok {
		return false, &ErrAdapterNotFound{SurfaceID: surfaceID}
	}
	action := adapter.ParseAction(rawEvent)
	if action == nil {
		return false, nil
	}

	user, err := h.identity.ResolveUser(ctx, surfaceID, action.Surface.SurfaceUserID)
	if err != nil {
		return false, err
	}

	if requireActive {
		if _, err := h.engine.GetActiveWorkflow(ctx, user.ID); err == ErrNoActiveWorkflow {
			return false, nil
		} else if err != nil {
			return false, err
		}
	}

	_ = adapter.AcknowledgeAction(ctx, rawEvent, "")

	outcome, err := h.engine.HandleAction(ctx, user.ID, action)
	if err != nil {
		h.logger.Error("hooks: action failed",
			"surface", surfaceID, "user", user.ID, "error", err)
		return true, err
	}
	h.logger.Debug("hooks: action handled",
		"surface", surfaceID, "user", user.ID,
		"result", string(outcome.Result), "step", outcome.StepID)
	return true, nil
}
