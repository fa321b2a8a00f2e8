// Package taskfile reads task definitions from YAML files for bulk
// import into the catalog.
//
// A task file is either a bare list of task definitions or a mapping
// with a top-level "tasks" list. Field names follow the task JSON
// schema; server-managed fields (id, counters, timestamps) are ignored
// when present.
package taskfile

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/harrison/claudecron/internal/models"
)

// Load reads and validates the task definitions in the file at path.
func Load(path string) ([]*models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file %s: %w", path, err)
	}
	tasks, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("task file %s: %w", path, err)
	}
	return tasks, nil
}

// Parse decodes task definitions from YAML.
func Parse(data []byte) ([]*models.Task, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	var raw []interface{}
	switch v := doc.(type) {
	case nil:
		return nil, fmt.Errorf("empty task file")
	case []interface{}:
		raw = v
	case map[string]interface{}:
		list, ok := v["tasks"].([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected a task list or a top-level \"tasks\" list")
		}
		raw = list
	default:
		return nil, fmt.Errorf("expected a task list, got %T", doc)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("task file defines no tasks")
	}

	tasks := make([]*models.Task, 0, len(raw))
	for i, entry := range raw {
		task, err := decodeTask(entry)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i+1, task.Name, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// decodeTask converts one YAML entry to a Task through its JSON schema,
// so the file uses exactly the field names the API does.
func decodeTask(entry interface{}) (*models.Task, error) {
	m, ok := entry.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a mapping, got %T", entry)
	}
	// Server-managed fields are not importable.
	for _, key := range []string{"id", "run_count", "success_count", "failure_count", "created_at", "updated_at", "last_run", "next_run"} {
		delete(m, key)
	}

	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	var task models.Task
	if err := json.Unmarshal(buf, &task); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	// Enabled defaults to true unless the file says otherwise.
	if _, declared := m["enabled"]; !declared {
		task.Enabled = true
	}
	return &task, nil
}
