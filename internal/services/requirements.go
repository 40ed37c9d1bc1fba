package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be matched with errors.Is to detect requirements that
// fail their task type's schema.
var ErrValidation = errors.New("validation failed")

// Requirements validates a task's requirements blob against the JSON schema
// registered for its task type. Unknown task types are rejected before any
// funds move.
type Requirements struct {
	schemas map[string]*jsonschema.Schema
}

// NewRequirements compiles every *.json schema in schemaDir; the file name
// (minus extension) is the task type.
func NewRequirements(schemaDir string) (*Requirements, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	schemas := make(map[string]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		taskType := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		id := "https://taskhive.dev/schemas/" + taskType
		schemas[taskType], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", taskType, err)
		}
	}
	return &Requirements{schemas: schemas}, nil
}

// TaskTypes lists the registered task types.
func (r *Requirements) TaskTypes() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	return types
}

// Known reports whether a task type has a registered schema.
func (r *Requirements) Known(taskType string) bool {
	_, ok := r.schemas[taskType]
	return ok
}

// Validate hard-rejects requirements that do not match the task type schema.
func (r *Requirements) Validate(taskType string, requirements json.RawMessage) error {
	schema, ok := r.schemas[taskType]
	if !ok {
		return fmt.Errorf("%w: unknown task type %q", ErrValidation, taskType)
	}
	var doc interface{}
	if err := json.Unmarshal(requirements, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
