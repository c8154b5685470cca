package loom

// StepKind enumerates workflow step types. Each maps onto the primitive
// of the same name when rendered.
type StepKind string

const (
	StepInfo        StepKind = "info"
	StepChoice      StepKind = "choice"
	StepMultiChoice StepKind = "multi-choice"
	StepConfirm     StepKind = "confirm"
	StepTextInput   StepKind = "text-input"
	StepMedia       StepKind = "media"
)

// ValidationRule constrains text-input steps. Pattern is an RE2 regular
// expression; it is compiled once at registration.
type ValidationRule struct {
	MinLength    int    `json:"minLength,omitempty"`
	MaxLength    int    `json:"maxLength,omitempty"`
	Pattern      string `json:"pattern,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Param sources understood by the paramMap resolver.
const (
	// ParamInput resolves to the current action's text input.
	ParamInput = "$input"
	// paramDataPrefix introduces a reference to prior step data:
	// $data.<stepId>[.input|.selection]. Anything else is a literal.
	paramDataPrefix = "$data."
)

// ToolCallBinding attaches an external tool invocation to a step. The
// tool runs after the step's input is stored and before the transition
// to the next step.
type ToolCallBinding struct {
	Name string `json:"name"`
	// ParamMap maps tool parameter names to sources: the literal
	// "$input", a "$data.<stepId>[.input|.selection]" reference, or any
	// literal string.
	ParamMap map[string]string `json:"paramMap,omitempty"`
	// OnError is the step to transition to when the tool fails.
	// Empty means stay on the current step so the user can retry.
	OnError string `json:"onError,omitempty"`
}

// StepDefinition is one node of a workflow.
type StepDefinition struct {
	Type StepKind `json:"type"`

	// Content is the message template. It may reference prior step data
	// with {{data.<stepId>[.input|.selection]}} placeholders.
	Content string `json:"content"`

	// Options is required for choice and multi-choice steps.
	Options []Option `json:"options,omitempty"`

	// MinSelections/MaxSelections bound multi-choice submissions.
	MinSelections int `json:"minSelections,omitempty"`
	MaxSelections int `json:"maxSelections,omitempty"`

	// YesLabel/NoLabel are required for confirm steps.
	YesLabel string `json:"yesLabel,omitempty"`
	NoLabel  string `json:"noLabel,omitempty"`

	// Media is required for media steps.
	Media *Media `json:"media,omitempty"`

	// Placeholder hints structured text input on surfaces with modals.
	Placeholder string `json:"placeholder,omitempty"`

	// Validation applies to text-input steps.
	Validation *ValidationRule `json:"validation,omitempty"`

	// ToolCall optionally binds an external tool to this step.
	ToolCall *ToolCallBinding `json:"toolCall,omitempty"`

	// Next is the linear successor. Transitions, keyed by selection,
	// takes precedence for selection actions.
	Next        string            `json:"next,omitempty"`
	Transitions map[string]string `json:"transitions,omitempty"`

	// Terminal marks a step that completes the workflow.
	Terminal bool `json:"terminal,omitempty"`

	// SuppressProgress hides the progress indicator on this step even
	// when the workflow shows progress.
	SuppressProgress bool `json:"suppressProgress,omitempty"`
}

// outboundTargets returns every step id this step can transition to.
func (s *StepDefinition) outboundTargets() []string {
	var targets []string
	if s.Next != "" {
		targets = append(targets, s.Next)
	}
	for _, t := range s.Transitions {
		targets = append(targets, t)
	}
	return targets
}

// DefaultTTLMillis is the workflow state TTL applied when a definition
// does not set one.
const DefaultTTLMillis int64 = 60 * 60 * 1000

// WorkflowDefinition is the immutable description of one workflow.
// Definitions are data: they are loaded from JSON or YAML files, never
// code. Once registered they are not mutated.
type WorkflowDefinition struct {
	ID         string `json:"id"`
	Plugin     string `json:"plugin"`
	Version    string `json:"version"`
	EntryPoint string `json:"entryPoint"`

	// TTLMillis bounds how long an idle instance survives.
	// Zero means DefaultTTLMillis.
	TTLMillis int64 `json:"ttlMillis,omitempty"`

	// ShowProgress controls the "step N of M" indicator.
	// Nil means true.
	ShowProgress *bool `json:"showProgress,omitempty"`

	Steps map[string]StepDefinition `json:"steps"`
}

// TTL returns the effective TTL in milliseconds.
func (d *WorkflowDefinition) TTL() int64 {
	if d.TTLMillis > 0 {
		return d.TTLMillis
	}
	return DefaultTTLMillis
}

// ShowsProgress reports whether rendered steps carry a progress indicator.
func (d *WorkflowDefinition) ShowsProgress() bool {
	return d.ShowProgress == nil || *d.ShowProgress
}
