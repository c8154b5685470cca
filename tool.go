package loom

import "context"

// ToolExecutor runs external actions bound to workflow steps (wallet
// transfer, backup creation, configuration write). Names are opaque to
// the engine; params are built by the engine's paramMap resolver.
//
// Implementations must honor ctx (the engine passes a deadline when one
// is configured) and must never mutate engine state directly. A timeout
// or refusal surfaces as a tool error and is handled by the step's
// onError transition, if any.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Error is a short
// human-readable message; it may be shown to the user verbatim.
type ToolResult struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ToolFunc adapts a plain function to the ToolExecutor interface.
type ToolFunc func(ctx context.Context, name string, params map[string]any) (ToolResult, error)

// Execute implements ToolExecutor.
func (f ToolFunc) Execute(ctx context.Context, name string, params map[string]any) (ToolResult, error) {
	return f(ctx, name, params)
}
