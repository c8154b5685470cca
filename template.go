package loom

import (
	"regexp"
	"strings"
)

// templatePattern matches {{data.<stepId>}} and
// {{data.<stepId>.input|.selection}} placeholders in step content.
var templatePattern = regexp.MustCompile(`\{\{\s*data\.([a-zA-Z0-9_-]+)(?:\.(input|selection))?\s*\}\}`)

// interpolate expands data placeholders in a step's content template
// from accumulated step data. Unknown references expand to the empty
// string. Multi selections join with ", ".
func interpolate(content string, data map[string]StepData) string {
	if !strings.Contains(content, "{{") {
		return content
	}
	return templatePattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := templatePattern.FindStringSubmatch(match)
		stepID, field := groups[1], groups[2]
		d, ok := data[stepID]
		if !ok {
			return ""
		}
		switch field {
		case "input":
			return d.Input
		case "selection":
			return strings.Join(d.Selection, ", ")
		default:
			// Bare {{data.<step>}}: prefer input, fall back to selection.
			if d.Input != "" {
				return d.Input
			}
			return strings.Join(d.Selection, ", ")
		}
	})
}
