// Package submission reads batch submission files and writes batch results.
package submission

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smtg-ai/genbatch/concurrency"
	"github.com/smtg-ai/genbatch/config"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoTasks is returned when the tasks list is missing. An explicitly
	// empty list is a valid, empty batch.
	ErrNoTasks = errors.New("submission has no tasks list")

	ErrBadTimeout = errors.New("timeout_ms must not be negative")
)

// TaskSpec is one task as written in a submission file. Command may be left
// empty to use the configured default program.
type TaskSpec struct {
	ID       string   `json:"id" yaml:"id"`
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Command  string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env      []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir      string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Prompt is piped to stdin when Stdin is empty.
	Prompt    string               `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Stdin     string               `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	TimeoutMS int                  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Fallback  *concurrency.Command `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Payload   any                  `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// BatchSubmission is the file format accepted by `genbatch run`.
type BatchSubmission struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Dir is the working directory for tasks that do not set one. Relative
	// paths are resolved against the submission file.
	Dir    string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	Config *config.Overrides `json:"config,omitempty" yaml:"config,omitempty"`
	Tasks  []TaskSpec        `json:"tasks" yaml:"tasks"`
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a submission from path. YAML is selected by extension, other
// files are tried as JSON first and then YAML.
func Load(path string) (*BatchSubmission, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read submission: %w", err)
	}
	s, err := Parse(data, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Dir != "" && !filepath.IsAbs(s.Dir) {
		s.Dir = filepath.Join(filepath.Dir(path), s.Dir)
	}
	return s, nil
}

// Parse decodes a submission. Unknown keys are rejected so a misspelt
// setting fails instead of being ignored.
func Parse(data []byte, yamlOnly bool) (*BatchSubmission, error) {
	var s BatchSubmission
	if yamlOnly {
		if err := decodeYAML(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse YAML submission: %w", err)
		}
	} else if err := decodeJSON(data, &s); err != nil {
		s = BatchSubmission{}
		if yamlErr := decodeYAML(data, &s); yamlErr != nil {
			if json.Valid(data) {
				return nil, fmt.Errorf("failed to parse JSON submission: %w", err)
			}
			return nil, fmt.Errorf("failed to parse submission (tried JSON and YAML): %w", yamlErr)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after the submission object")
	}
	return nil
}

func decodeYAML(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrNoTasks
		}
		return err
	}
	return nil
}

// Validate checks the submission before any process is started.
func (s *BatchSubmission) Validate() error {
	if s.Tasks == nil {
		return ErrNoTasks
	}
	seen := make(map[string]bool, len(s.Tasks))
	for i, t := range s.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return fmt.Errorf("task %d: %w", i, concurrency.ErrEmptyTaskID)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s", concurrency.ErrDuplicateTaskID, id)
		}
		seen[id] = true
		if t.TimeoutMS < 0 {
			return fmt.Errorf("task %s: %w", id, ErrBadTimeout)
		}
		if t.Fallback != nil && strings.TrimSpace(t.Fallback.Command) == "" {
			return fmt.Errorf("task %s: fallback has no command", id)
		}
	}
	return nil
}

// BuildTasks converts the specs into engine tasks using cfg for the default
// program.
func (s *BatchSubmission) BuildTasks(cfg *config.Config) []*concurrency.Task {
	tasks := make([]*concurrency.Task, 0, len(s.Tasks))
	for _, spec := range s.Tasks {
		t := &concurrency.Task{
			ID:       strings.TrimSpace(spec.ID),
			Priority: spec.Priority,
			Payload:  spec.Payload,
			Command:  spec.Command,
			Args:     append([]string(nil), spec.Args...),
			Env:      append([]string(nil), spec.Env...),
			Dir:      spec.Dir,
			Stdin:    spec.Stdin,
			Fallback: spec.Fallback,
		}
		if t.Command == "" {
			t.Command = cfg.DefaultProgram
			t.Args = append(append([]string(nil), cfg.DefaultArgs...), spec.Args...)
		}
		if t.Dir == "" {
			t.Dir = s.Dir
		}
		if t.Stdin == "" {
			t.Stdin = spec.Prompt
		}
		if spec.TimeoutMS > 0 {
			t.Timeout = time.Duration(spec.TimeoutMS) * time.Millisecond
		}
		tasks = append(tasks, t)
	}
	return tasks
}

// WriteResult writes the batch result as indented JSON, atomically.
func WriteResult(path string, result *concurrency.BatchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return config.WriteFileAtomic(path, append(data, '\n'), 0644)
}
