package concurrency

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyTaskID is returned when a submitted task has no ID.
	ErrEmptyTaskID = errors.New("task ID cannot be empty")
	// ErrDuplicateTaskID is returned when two tasks in a batch share an ID.
	ErrDuplicateTaskID = errors.New("duplicate task ID")
)

// TaskStatus represents the current state of a task
type TaskStatus int

const (
	TaskStatusPending TaskStatus = iota
	TaskStatusRunning
	TaskStatusRetryWait
	TaskStatusSucceeded
	TaskStatusFailed
	TaskStatusDegraded
	TaskStatusCancelled
)

// String returns the string representation of task status
func (ts TaskStatus) String() string {
	switch ts {
	case TaskStatusPending:
		return "PENDING"
	case TaskStatusRunning:
		return "RUNNING"
	case TaskStatusRetryWait:
		return "RETRY_WAIT"
	case TaskStatusSucceeded:
		return "SUCCEEDED"
	case TaskStatusFailed:
		return "FAILED"
	case TaskStatusDegraded:
		return "DEGRADED"
	case TaskStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status can no longer change.
func (ts TaskStatus) Terminal() bool {
	switch ts {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusDegraded, TaskStatusCancelled:
		return true
	}
	return false
}

// MarshalText renders the status as its upper-case name.
func (ts TaskStatus) MarshalText() ([]byte, error) {
	return []byte(ts.String()), nil
}

// UnmarshalText parses a status name written by MarshalText.
func (ts *TaskStatus) UnmarshalText(text []byte) error {
	for s := TaskStatusPending; s <= TaskStatusCancelled; s++ {
		if s.String() == string(text) {
			*ts = s
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", text)
}

// Command is an executable plus arguments.
type Command struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Task is one unit of generation work executed as a separate external process.
// Tasks are built by the caller and copied on submission; the orchestrator owns
// the copy and mutates it only from its control loop.
type Task struct {
	ID       string `json:"id" yaml:"id"`
	Priority int    `json:"priority" yaml:"priority"`
	// Payload is opaque context assembled upstream (prompt, file list, ...).
	Payload any `json:"payload,omitempty" yaml:"payload,omitempty"`

	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	Env     []string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	// Stdin is piped to the process when non-empty.
	Stdin string `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	// Timeout overrides the batch per-task timeout when positive.
	Timeout time.Duration `json:"-" yaml:"-"`
	// Fallback is launched instead of Command after a rate-limited attempt.
	Fallback *Command `json:"fallback,omitempty" yaml:"fallback,omitempty"`

	Status    TaskStatus     `json:"status" yaml:"-"`
	Attempts  int            `json:"attempts" yaml:"-"`
	CreatedAt time.Time      `json:"created_at" yaml:"-"`
	History   []RetryAttempt `json:"history,omitempty" yaml:"-"`

	seq         int
	useFallback bool
}

// RetryAttempt records one failed attempt. It is diagnostic only.
type RetryAttempt struct {
	AttemptNumber int        `json:"attempt_number"`
	DelayMS       int64      `json:"delay_ms"`
	ErrorClass    ErrorClass `json:"error_class"`
	Timestamp     time.Time  `json:"timestamp"`
}

// launchSpec is the immutable view of a task handed to a launcher.
func (t *Task) launchSpec() Command {
	if t.useFallback && t.Fallback != nil && t.Fallback.Command != "" {
		return *t.Fallback
	}
	return Command{Command: t.Command, Args: t.Args}
}

// clone copies the task so the orchestrator never shares memory with the caller.
func (t *Task) clone() *Task {
	c := *t
	c.Args = append([]string(nil), t.Args...)
	c.Env = append([]string(nil), t.Env...)
	c.History = nil
	if t.Fallback != nil {
		fb := *t.Fallback
		fb.Args = append([]string(nil), t.Fallback.Args...)
		c.Fallback = &fb
	}
	return &c
}

// Batch is a set of tasks submitted together for coordinated processing.
type Batch struct {
	ID               string
	Tasks            []*Task
	ConcurrencyLimit int
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// validateTasks checks IDs before a batch is accepted.
func validateTasks(tasks []*Task) error {
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t == nil {
			return fmt.Errorf("task at index %d is nil", i)
		}
		if t.ID == "" {
			return fmt.Errorf("task at index %d: %w", i, ErrEmptyTaskID)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTaskID, t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}
