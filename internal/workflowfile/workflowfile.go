// Package workflowfile reads workflow definitions from YAML or JSON files.
package workflowfile

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"aerostic/backend/internal/graph"
	"aerostic/backend/pkg/models"
)

// Parse decodes a definition. JSON is accepted since it is valid YAML.
func Parse(data []byte) (*models.Workflow, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("workflow file is empty")
	}
	// Round-trip through JSON so node payloads become raw JSON documents.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert workflow: %w", err)
	}
	var wf models.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow: %w", err)
	}
	return &wf, nil
}

// Load reads and parses the file at path.
func Load(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Validate reports every structural problem the runner would reject.
func Validate(wf *models.Workflow) error {
	if err := graph.Validate(wf); err != nil {
		return err
	}
	_, err := graph.FindTrigger(wf)
	return err
}
