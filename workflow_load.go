package loom

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

// ParseWorkflowDefinition decodes one definition from JSON or YAML.
func ParseWorkflowDefinition(data []byte) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, fmt.Errorf("parse workflow definition: %w", err)
	}
	return def, nil
}

// LoadWorkflowFile reads one definition file.
func LoadWorkflowFile(path string) (WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, err
	}
	def, err := ParseWorkflowDefinition(data)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// LoadWorkflowDir reads every *.json, *.yaml, and *.yml definition in
// dir, sorted by filename. Subdirectories are ignored.
func LoadWorkflowDir(dir string) ([]WorkflowDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	defs := make([]WorkflowDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadWorkflowFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}
