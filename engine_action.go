package loom

import (
	"context"
	"fmt"
	"strings"
)

// Fixed user-facing notices. Short, plain text, delivered through the
// adapter; engine errors never reach the user as stack traces.
const (
	msgCancelled     = "Workflow cancelled."
	msgNoActive      = "You have no active workflow."
	msgChooseOption  = "Please choose one of the offered options."
	msgToolFailed    = "Something went wrong while processing that. Please try again."
	msgSelectionGone = "That choice is no longer available."
)

// StartWorkflow begins a new instance for the user on the given
// surface, replacing any prior instance of the same workflow. The entry
// step is rendered immediately and consecutive info steps auto-advance.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, userID string, surface SurfaceRef, initialData map[string]StepData) (Outcome, error) {
	cw := e.workflow(workflowID)
	if cw == nil {
		return Outcome{}, &ErrWorkflowNotFound{WorkflowID: workflowID}
	}
	adapter, ok := e.adapter(surface.SurfaceID)
	if !ok {
		return Outcome{}, &ErrAdapterNotFound{SurfaceID: surface.SurfaceID}
	}

	key := lockKey(userID, workflowID)
	if !e.busy.tryAcquire(key) {
		return Outcome{Result: ResultCancelled, Reason: ReasonBusy}, nil
	}
	defer e.busy.release(key)

	ctx, sp := e.span(ctx, "workflow.start",
		StringAttr("workflow", workflowID), StringAttr("surface", surface.SurfaceID))
	var retErr error
	defer func() { endSpan(sp, retErr) }()

	// A fresh start replaces any prior instance of this workflow, and a
	// user has at most one active workflow: any other instance goes too.
	// The prior instance's busy key must be free before its state is
	// deleted, or an action still in flight on it (parked in a tool
	// call) would re-persist the deleted state afterwards.
	if prior, err := e.store.GetActiveForUser(ctx, userID); err == nil {
		if prior.WorkflowID != workflowID {
			priorKey := lockKey(userID, prior.WorkflowID)
			if !e.busy.tryAcquire(priorKey) {
				return Outcome{Result: ResultCancelled, Reason: ReasonBusy}, nil
			}
			defer e.busy.release(priorKey)
		}
		if err := e.store.DeleteState(ctx, userID, prior.WorkflowID); err != nil {
			retErr = err
			return Outcome{}, err
		}
	} else if err != ErrNoActiveWorkflow {
		retErr = err
		return Outcome{}, err
	}
	if err := e.store.DeleteState(ctx, userID, workflowID); err != nil {
		retErr = err
		return Outcome{}, err
	}

	now := e.clock().UnixMilli()
	state := WorkflowState{
		WorkflowID:     workflowID,
		UserID:         userID,
		CurrentStep:    cw.def.EntryPoint,
		StepHistory:    []string{},
		Data:           make(map[string]StepData),
		StartedAt:      now,
		LastActiveAt:   now,
		ExpiresAt:      now + cw.def.TTL(),
		OriginSurface:  surface.SurfaceID,
		LastSurface:    surface.SurfaceID,
		LastMessageIDs: make(map[string]string),
	}
	for stepID, d := range initialData {
		state.Data[stepID] = d
	}
	if err := e.store.CreateState(ctx, state); err != nil {
		retErr = err
		return Outcome{}, err
	}

	e.logger.Info("engine: workflow started",
		"workflow", workflowID, "user", userID, "surface", surface.SurfaceID)
	out, err := e.renderAndSettle(ctx, adapter, targetOf(surface), cw, &state)
	retErr = err
	return out, err
}

// HandleAction processes one inbound user action against the user's
// active workflow. Actions on the same (user, workflow) serialize; a
// lost race returns ResultCancelled with ReasonBusy and no mutation.
func (e *Engine) HandleAction(ctx context.Context, userID string, action *ParsedUserAction) (Outcome, error) {
	adapter, ok := e.adapter(action.Surface.SurfaceID)
	if !ok {
		return Outcome{}, &ErrAdapterNotFound{SurfaceID: action.Surface.SurfaceID}
	}
	target := targetOf(action.Surface)

	state, found, err := e.loadState(ctx, userID, action.WorkflowID)
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msgNoActive})
		return Outcome{Result: ResultCancelled, Reason: ReasonNoActive}, nil
	}

	cw := e.workflow(state.WorkflowID)
	if cw == nil {
		_ = e.store.DeleteState(ctx, userID, state.WorkflowID)
		_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msgNoActive})
		return Outcome{Result: ResultCancelled, Reason: ReasonUnknownWorkflow}, nil
	}

	key := lockKey(userID, state.WorkflowID)
	if !e.busy.tryAcquire(key) {
		return Outcome{Result: ResultCancelled, Reason: ReasonBusy}, nil
	}
	defer e.busy.release(key)

	ctx, sp := e.span(ctx, "workflow.action",
		StringAttr("workflow", state.WorkflowID),
		StringAttr("step", state.CurrentStep),
		StringAttr("kind", string(action.Kind)),
		StringAttr("surface", action.Surface.SurfaceID))
	var retErr error
	defer func() { endSpan(sp, retErr) }()

	// Reload under the lock; the pre-lock read may be stale.
	state, found, err = e.loadState(ctx, userID, state.WorkflowID)
	if err != nil {
		retErr = err
		return Outcome{}, err
	}
	if !found {
		_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msgNoActive})
		return Outcome{Result: ResultCancelled, Reason: ReasonNoActive}, nil
	}

	// Surface continuity: the latest inbound surface becomes the reply
	// surface before anything renders. Activity also extends the TTL.
	now := e.clock().UnixMilli()
	state.touch(action.Surface.SurfaceID, now)
	state.ExpiresAt = now + cw.def.TTL()
	if err := e.store.UpdateState(ctx, state); err != nil {
		retErr = err
		return Outcome{}, err
	}

	switch action.Kind {
	case ActionCancel:
		out, err := e.cancelState(ctx, adapter, target, &state)
		retErr = err
		return out, err
	case ActionBack:
		out, err := e.stepBack(ctx, adapter, target, cw, &state)
		retErr = err
		return out, err
	}

	out, err := e.applyInput(ctx, adapter, target, cw, &state, action)
	retErr = err
	return out, err
}

// loadState fetches the workflow state the action addresses: the named
// workflow when callback data carried one, else the user's sole active
// state. Expired states are deleted lazily and reported absent.
func (e *Engine) loadState(ctx context.Context, userID, workflowID string) (WorkflowState, bool, error) {
	var state WorkflowState
	var err error
	if workflowID != "" {
		state, err = e.store.GetState(ctx, userID, workflowID)
	} else {
		state, err = e.store.GetActiveForUser(ctx, userID)
	}
	if err == ErrNoActiveWorkflow {
		return WorkflowState{}, false, nil
	}
	if err != nil {
		return WorkflowState{}, false, err
	}
	if state.Expired(e.clock().UnixMilli()) {
		_ = e.store.DeleteState(ctx, state.UserID, state.WorkflowID)
		return WorkflowState{}, false, nil
	}
	return state, true, nil
}

// cancelState deletes the instance and tells the user.
func (e *Engine) cancelState(ctx context.Context, adapter SurfaceAdapter, target Target, state *WorkflowState) (Outcome, error) {
	if err := e.store.DeleteState(ctx, state.UserID, state.WorkflowID); err != nil {
		return Outcome{}, err
	}
	_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msgCancelled})
	e.logger.Info("engine: workflow cancelled", "workflow", state.WorkflowID, "user", state.UserID)
	return Outcome{Result: ResultCancelled, Reason: ReasonUserCancelled}, nil
}

// stepBack pops the history into the current step and re-renders it.
// Back at the root behaves as cancel.
func (e *Engine) stepBack(ctx context.Context, adapter SurfaceAdapter, target Target, cw *compiledWorkflow, state *WorkflowState) (Outcome, error) {
	if len(state.StepHistory) == 0 {
		return e.cancelState(ctx, adapter, target, state)
	}
	popped := state.StepHistory[len(state.StepHistory)-1]
	state.StepHistory = state.StepHistory[:len(state.StepHistory)-1]
	state.CurrentStep = popped
	delete(state.Data, popped)

	step := cw.def.Steps[popped]
	if err := e.renderStep(ctx, adapter, target, cw, state, &step); err != nil {
		return Outcome{}, err
	}
	if err := e.store.UpdateState(ctx, *state); err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: ResultAdvanced, StepID: state.CurrentStep}, nil
}

// applyInput stores the action's data on the current step, fires any
// bound tool, resolves the next step, and advances.
func (e *Engine) applyInput(ctx context.Context, adapter SurfaceAdapter, target Target, cw *compiledWorkflow, state *WorkflowState, action *ParsedUserAction) (Outcome, error) {
	stepID := state.CurrentStep
	step, ok := cw.def.Steps[stepID]
	if !ok {
		// Persisted step vanished from the definition; treat as lost.
		_ = e.store.DeleteState(ctx, state.UserID, state.WorkflowID)
		_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msgNoActive})
		return Outcome{Result: ResultCancelled, Reason: ReasonUnknownWorkflow}, nil
	}

	values, data, out, done := e.deriveStepData(ctx, adapter, target, cw, &step, stepID, action)
	if done {
		return out, nil
	}
	state.Data[stepID] = data

	if step.ToolCall != nil {
		result, err := e.invokeTool(ctx, step.ToolCall, state, action)
		if err != nil || !result.Success {
			return e.toolFailure(ctx, adapter, target, cw, state, &step, result, err)
		}
	}

	next := resolveNext(&step, values)
	if next == "" {
		if step.Terminal {
			if err := e.store.DeleteState(ctx, state.UserID, state.WorkflowID); err != nil {
				return Outcome{}, err
			}
			return Outcome{Result: ResultCompleted, StepID: stepID}, nil
		}
		// No target: stay put.
		if err := e.store.UpdateState(ctx, *state); err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: ResultAdvanced, StepID: stepID}, nil
	}

	state.StepHistory = append(state.StepHistory, stepID)
	state.CurrentStep = next
	return e.renderAndSettle(ctx, adapter, target, cw, state)
}

// deriveStepData converts the action into StepData for the current
// step, running validation. done=true means a validation failure was
// already reported and out should be returned as-is.
func (e *Engine) deriveStepData(ctx context.Context, adapter SurfaceAdapter, target Target, cw *compiledWorkflow, step *StepDefinition, stepID string, action *ParsedUserAction) (values []string, data StepData, out Outcome, done bool) {
	now := e.clock().Unix()

	switch action.Kind {
	case ActionText:
		if step.Type == StepTextInput {
			if msg := cw.validateInput(stepID, step, action.Text); msg != "" {
				_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msg})
				return nil, StepData{}, Outcome{Result: ResultValidationError, StepID: stepID}, true
			}
			return nil, StepData{Timestamp: now, Input: action.Text}, Outcome{}, false
		}
		// Text reply against an interactive step: interpret it the way
		// a text-fallback surface would.
		p := e.buildPrimitive(cw, stepID, step, nil)
		parsed, ok := ParseFallbackReply(p, action.Text)
		if !ok {
			_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msgChooseOption})
			return nil, StepData{}, Outcome{Result: ResultValidationError, StepID: stepID}, true
		}
		values = parsed
	case ActionSelection:
		values = action.Values
	}

	if step.Type == StepChoice || step.Type == StepConfirm {
		if !selectionAllowed(step, values) {
			_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msgSelectionGone})
			return nil, StepData{}, Outcome{Result: ResultValidationError, StepID: stepID}, true
		}
	}
	if step.Type == StepMultiChoice {
		if msg := multiChoiceBoundsError(step, values); msg != "" {
			_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msg})
			return nil, StepData{}, Outcome{Result: ResultValidationError, StepID: stepID}, true
		}
	}

	return values, StepData{Timestamp: now, Selection: values}, Outcome{}, false
}

// selectionAllowed checks a single selection against the step's options
// (or yes/no for confirm).
func selectionAllowed(step *StepDefinition, values []string) bool {
	if len(values) != 1 {
		return false
	}
	v := values[0]
	if step.Type == StepConfirm {
		return v == "yes" || v == "no"
	}
	for _, opt := range step.Options {
		if opt.ID == v {
			return true
		}
	}
	return false
}

// multiChoiceBoundsError validates multi-choice selection counts.
func multiChoiceBoundsError(step *StepDefinition, values []string) string {
	if step.MinSelections > 0 && len(values) < step.MinSelections {
		return fmt.Sprintf("Please select at least %d option(s).", step.MinSelections)
	}
	if step.MaxSelections > 0 && len(values) > step.MaxSelections {
		return fmt.Sprintf("Please select at most %d option(s).", step.MaxSelections)
	}
	return ""
}

// resolveNext picks the successor step: a matching transition for the
// selection wins, then the linear next.
func resolveNext(step *StepDefinition, values []string) string {
	if len(values) == 1 {
		if target, ok := step.Transitions[values[0]]; ok {
			return target
		}
	}
	return step.Next
}

// invokeTool resolves the paramMap and executes the bound tool under
// the configured timeout.
func (e *Engine) invokeTool(ctx context.Context, binding *ToolCallBinding, state *WorkflowState, action *ParsedUserAction) (ToolResult, error) {
	if e.tools == nil {
		return ToolResult{}, fmt.Errorf("engine: no tool executor configured for tool %q", binding.Name)
	}
	params := resolveParams(binding, state, action)

	ctx, cancel := context.WithTimeout(ctx, e.toolTimeout)
	defer cancel()

	ctx, sp := e.span(ctx, "workflow.tool", StringAttr("tool", binding.Name))
	result, err := e.tools.Execute(ctx, binding.Name, params)
	endSpan(sp, err)

	if err != nil {
		e.logger.Warn("engine: tool call failed",
			"tool", binding.Name, "workflow", state.WorkflowID, "error", err)
	}
	return result, err
}

// resolveParams builds the tool parameter map from the binding's
// sources: "$input", "$data.<step>[.input|.selection]", or a literal.
func resolveParams(binding *ToolCallBinding, state *WorkflowState, action *ParsedUserAction) map[string]any {
	params := make(map[string]any, len(binding.ParamMap))
	for name, source := range binding.ParamMap {
		params[name] = resolveParamSource(source, state, action)
	}
	return params
}

func resolveParamSource(source string, state *WorkflowState, action *ParsedUserAction) any {
	if source == ParamInput {
		if action != nil && action.Kind == ActionText {
			return action.Text
		}
		if d, ok := state.Data[state.CurrentStep]; ok {
			if d.Input != "" {
				return d.Input
			}
			return selectionValue(d.Selection)
		}
		return ""
	}
	if strings.HasPrefix(source, paramDataPrefix) {
		ref := strings.TrimPrefix(source, paramDataPrefix)
		stepID, field, _ := strings.Cut(ref, ".")
		d, ok := state.Data[stepID]
		if !ok {
			return ""
		}
		switch field {
		case "input":
			return d.Input
		case "selection":
			return selectionValue(d.Selection)
		default:
			if d.Input != "" {
				return d.Input
			}
			return selectionValue(d.Selection)
		}
	}
	return source
}

// selectionValue flattens a selection for tool params: single values
// pass as a string, multi selections as a string slice.
func selectionValue(sel []string) any {
	switch len(sel) {
	case 0:
		return ""
	case 1:
		return sel[0]
	default:
		return sel
	}
}

// toolFailure reports a tool error to the user and applies the
// binding's onError transition, if any. Without one the workflow stays
// on the current step so the user may retry.
func (e *Engine) toolFailure(ctx context.Context, adapter SurfaceAdapter, target Target, cw *compiledWorkflow, state *WorkflowState, step *StepDefinition, result ToolResult, toolErr error) (Outcome, error) {
	msg := result.Error
	if msg == "" {
		msg = msgToolFailed
	}
	_, _ = adapter.SendMessage(ctx, target, OutboundMessage{Text: msg})

	binding := step.ToolCall
	if binding == nil || binding.OnError == "" {
		if err := e.store.UpdateState(ctx, *state); err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: ResultToolError, StepID: state.CurrentStep}, nil
	}

	state.StepHistory = append(state.StepHistory, state.CurrentStep)
	state.CurrentStep = binding.OnError
	errStep := cw.def.Steps[binding.OnError]
	if err := e.renderStep(ctx, adapter, target, cw, state, &errStep); err != nil {
		return Outcome{}, err
	}
	if errStep.Terminal {
		if err := e.store.DeleteState(ctx, state.UserID, state.WorkflowID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: ResultToolError, StepID: binding.OnError}, nil
	}
	if err := e.store.UpdateState(ctx, *state); err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: ResultToolError, StepID: binding.OnError}, nil
}

// renderAndSettle renders the current step, then auto-advances through
// consecutive non-terminal info steps that have a linear next, running
// their tool calls along the way. Terminal steps complete the workflow.
func (e *Engine) renderAndSettle(ctx context.Context, adapter SurfaceAdapter, target Target, cw *compiledWorkflow, state *WorkflowState) (Outcome, error) {
	for {
		step := cw.def.Steps[state.CurrentStep]
		if err := e.renderStep(ctx, adapter, target, cw, state, &step); err != nil {
			return Outcome{}, err
		}

		if step.Terminal {
			if err := e.store.DeleteState(ctx, state.UserID, state.WorkflowID); err != nil {
				return Outcome{}, err
			}
			e.logger.Info("engine: workflow completed",
				"workflow", state.WorkflowID, "user", state.UserID, "step", state.CurrentStep)
			return Outcome{Result: ResultCompleted, StepID: state.CurrentStep}, nil
		}

		if step.Type != StepInfo || step.Next == "" {
			if err := e.store.UpdateState(ctx, *state); err != nil {
				return Outcome{}, err
			}
			return Outcome{Result: ResultAdvanced, StepID: state.CurrentStep}, nil
		}

		// Auto-advance: info steps that only inform don't wait for input.
		if step.ToolCall != nil {
			result, err := e.invokeTool(ctx, step.ToolCall, state, nil)
			if err != nil || !result.Success {
				return e.toolFailure(ctx, adapter, target, cw, state, &step, result, err)
			}
		}
		state.StepHistory = append(state.StepHistory, state.CurrentStep)
		state.CurrentStep = step.Next
	}
}

// renderStep interpolates the step's template, builds its primitive,
// and renders it on the adapter, recording the emitted message id.
func (e *Engine) renderStep(ctx context.Context, adapter SurfaceAdapter, target Target, cw *compiledWorkflow, state *WorkflowState, step *StepDefinition) error {
	p := e.buildPrimitive(cw, state.CurrentStep, step, state)

	ctx, sp := e.span(ctx, "workflow.render",
		StringAttr("step", state.CurrentStep), StringAttr("surface", adapter.SurfaceID()))
	rendered, err := adapter.Render(ctx, target, p, RenderContext{
		WorkflowID: state.WorkflowID,
		StepID:     state.CurrentStep,
		UserID:     state.UserID,
	})
	endSpan(sp, err)
	if err != nil {
		return fmt.Errorf("render step %q on %s: %w", state.CurrentStep, adapter.SurfaceID(), err)
	}
	if rendered.MessageID != "" {
		if state.LastMessageIDs == nil {
			state.LastMessageIDs = make(map[string]string)
		}
		state.LastMessageIDs[adapter.SurfaceID()] = rendered.MessageID
	}
	return nil
}

// buildPrimitive maps a step definition onto its interaction primitive.
// state may be nil when no instance data exists yet (fallback parsing).
func (e *Engine) buildPrimitive(cw *compiledWorkflow, stepID string, step *StepDefinition, state *WorkflowState) *InteractionPrimitive {
	p := &InteractionPrimitive{
		Content:       step.Content,
		Options:       step.Options,
		MinSelections: step.MinSelections,
		MaxSelections: step.MaxSelections,
		YesLabel:      step.YesLabel,
		NoLabel:       step.NoLabel,
		Placeholder:   step.Placeholder,
		Media:         step.Media,
		IncludeCancel: !step.Terminal,
		IncludeBack:   !step.Terminal && state != nil && len(state.StepHistory) > 0,
	}
	switch step.Type {
	case StepChoice:
		p.Kind = PrimitiveChoice
	case StepMultiChoice:
		p.Kind = PrimitiveMultiChoice
	case StepConfirm:
		p.Kind = PrimitiveConfirm
	case StepTextInput:
		p.Kind = PrimitiveTextInput
	case StepMedia:
		p.Kind = PrimitiveMedia
	default:
		p.Kind = PrimitiveInfo
	}

	if state != nil {
		p.Content = interpolate(step.Content, state.Data)
		if prog := e.progressFor(cw, stepID, step, state); prog != nil {
			p.Progress = prog
		}
	}
	return p
}

// progressFor computes the "step N of M" indicator: current position is
// the history depth plus one; the total adds the shortest remaining
// path to a terminal. Terminal info steps and steps that suppress
// progress carry none.
func (e *Engine) progressFor(cw *compiledWorkflow, stepID string, step *StepDefinition, state *WorkflowState) *Progress {
	if !cw.def.ShowsProgress() || step.SuppressProgress {
		return nil
	}
	if step.Terminal && step.Type == StepInfo {
		return nil
	}
	remaining, ok := cw.distance[stepID]
	if !ok {
		return nil
	}
	current := len(state.StepHistory) + 1
	return &Progress{Current: current, Total: current + remaining}
}

func targetOf(ref SurfaceRef) Target {
	return Target{
		SurfaceUserID: ref.SurfaceUserID,
		ChannelID:     ref.ChannelID,
		ThreadID:      ref.ThreadID,
	}
}
