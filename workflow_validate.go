package loom

import (
	"fmt"
	"regexp"
)

// compiledWorkflow is a registered definition plus everything derived
// from it at registration time: compiled validation patterns and the
// per-step shortest distance to a terminal (for progress totals).
type compiledWorkflow struct {
	def      WorkflowDefinition
	patterns map[string]*regexp.Regexp // stepID -> compiled validation pattern
	distance map[string]int            // stepID -> shortest hops to a terminal
}

// compileWorkflow validates a definition and derives its registration
// artifacts. All structural problems are collected into a single
// ErrInvalidDefinition rather than failing on the first.
func compileWorkflow(def WorkflowDefinition) (*compiledWorkflow, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def.ID == "" {
		addf("missing id")
	}
	if len(def.Steps) == 0 {
		addf("no steps")
	}
	if _, ok := def.Steps[def.EntryPoint]; !ok {
		addf("entry point %q is not a step", def.EntryPoint)
	}

	patterns := make(map[string]*regexp.Regexp)
	for id, step := range def.Steps {
		for _, target := range step.outboundTargets() {
			if _, ok := def.Steps[target]; !ok {
				addf("step %q: transition target %q does not exist", id, target)
			}
		}
		if step.Terminal && len(step.outboundTargets()) > 0 {
			addf("step %q: terminal step has outbound edges", id)
		}
		if step.ToolCall != nil && step.ToolCall.OnError != "" {
			if _, ok := def.Steps[step.ToolCall.OnError]; !ok {
				addf("step %q: toolCall.onError %q does not exist", id, step.ToolCall.OnError)
			}
		}

		switch step.Type {
		case StepChoice, StepMultiChoice:
			if len(step.Options) == 0 {
				addf("step %q: %s step has no options", id, step.Type)
			}
		case StepConfirm:
			if step.YesLabel == "" || step.NoLabel == "" {
				addf("step %q: confirm step needs both yesLabel and noLabel", id)
			}
		case StepMedia:
			if step.Media == nil {
				addf("step %q: media step has no media payload", id)
			}
		case StepInfo, StepTextInput:
		default:
			addf("step %q: unknown type %q", id, step.Type)
		}

		if step.Validation != nil && step.Validation.Pattern != "" {
			re, err := regexp.Compile(step.Validation.Pattern)
			if err != nil {
				addf("step %q: validation pattern does not compile: %v", id, err)
			} else {
				patterns[id] = re
			}
		}
	}

	distance := terminalDistances(def.Steps)
	for id := range def.Steps {
		if _, ok := distance[id]; !ok {
			addf("step %q: no path to a terminal step", id)
		}
	}

	if len(problems) > 0 {
		return nil, &ErrInvalidDefinition{WorkflowID: def.ID, Problems: problems}
	}
	return &compiledWorkflow{def: def, patterns: patterns, distance: distance}, nil
}

// terminalDistances computes, for every step that can reach a terminal,
// the shortest number of transitions to get there. BFS over reversed
// next/transitions edges starting from the terminal steps.
func terminalDistances(steps map[string]StepDefinition) map[string]int {
	reverse := make(map[string][]string, len(steps))
	var frontier []string
	dist := make(map[string]int, len(steps))

	for id, step := range steps {
		if step.Terminal {
			dist[id] = 0
			frontier = append(frontier, id)
		}
		for _, target := range step.outboundTargets() {
			reverse[target] = append(reverse[target], id)
		}
	}

	for len(frontier) > 0 {
		next := frontier[:0:0]
		for _, id := range frontier {
			for _, pred := range reverse[id] {
				if _, seen := dist[pred]; seen {
					continue
				}
				dist[pred] = dist[id] + 1
				next = append(next, pred)
			}
		}
		frontier = next
	}
	return dist
}

// validateInput checks a text reply against the step's validation rule.
// Returns the message to show the user on failure, or "" when valid.
func (w *compiledWorkflow) validateInput(stepID string, step *StepDefinition, input string) string {
	v := step.Validation
	if v == nil {
		return ""
	}
	if v.MinLength > 0 && len(input) < v.MinLength {
		return validationMessage(v, fmt.Sprintf("Please enter at least %d characters.", v.MinLength))
	}
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return validationMessage(v, fmt.Sprintf("Please enter at most %d characters.", v.MaxLength))
	}
	if re, ok := w.patterns[stepID]; ok && !re.MatchString(input) {
		return validationMessage(v, "That doesn't look right. Please try again.")
	}
	return ""
}

func validationMessage(v *ValidationRule, fallback string) string {
	if v.ErrorMessage != "" {
		return v.ErrorMessage
	}
	return fallback
}
