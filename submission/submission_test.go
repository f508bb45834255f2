package submission

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smtg-ai/genbatch/concurrency"
	"github.com/smtg-ai/genbatch/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlSubmission = `
name: tests for api
dir: repo
config:
  concurrency_limit: 2
  degradation_enabled: false
tasks:
  - id: users
    priority: 2
    prompt: "Write tests for users.go"
    timeout_ms: 1500
  - id: orders
    command: aider
    args: ["--message", "tests for orders.go"]
    fallback:
      command: aider
      args: ["--model", "cheap"]
`

func TestLoad(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "batch.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yamlSubmission), 0644))

		s, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "tests for api", s.Name)
		assert.Equal(t, filepath.Join(dir, "repo"), s.Dir)
		require.NotNil(t, s.Config)
		require.NotNil(t, s.Config.ConcurrencyLimit)
		assert.Equal(t, 2, *s.Config.ConcurrencyLimit)
		require.NotNil(t, s.Config.DegradationEnabled)
		assert.False(t, *s.Config.DegradationEnabled)
		require.Len(t, s.Tasks, 2)
		assert.Equal(t, "aider", s.Tasks[1].Fallback.Command)
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "batch.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"tasks":[{"id":"a","stdin":"hi","payload":{"files":["a.go"]}}]}`), 0644))

		s, err := Load(path)
		require.NoError(t, err)
		require.Len(t, s.Tasks, 1)
		assert.Equal(t, "hi", s.Tasks[0].Stdin)
		assert.NotNil(t, s.Tasks[0].Payload)
		assert.Nil(t, s.Config)
	})

	t.Run("yaml content with other extension", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "batch.txt")
		require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - id: only\n"), 0644))
		s, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "only", s.Tasks[0].ID)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "none.json"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{"no tasks list", `{"name":"x"}`, ErrNoTasks},
		{"null tasks", "tasks:\n", ErrNoTasks},
		{"empty document", "", ErrNoTasks},
		{"unknown top-level key", `{"tasks":[],"retry_policy":{"max_attempts":2}}`, nil},
		{"unknown config key", `{"tasks":[],"config":{"max_attempt":2}}`, nil},
		{"unknown nested key", "tasks: []\nconfig:\n  circuit_breaker:\n    cooldown: 5\n", nil},
		{"unknown task key", `{"tasks":[{"id":"a","promt":"x"}]}`, nil},
		{"empty id", `{"tasks":[{"id":" "}]}`, concurrency.ErrEmptyTaskID},
		{"duplicate id", `{"tasks":[{"id":"a"},{"id":"a"}]}`, concurrency.ErrDuplicateTaskID},
		{"negative timeout", `{"tasks":[{"id":"a","timeout_ms":-1}]}`, ErrBadTimeout},
		{"empty fallback", `{"tasks":[{"id":"a","fallback":{"args":["x"]}}]}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), false)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestParseEmptyTaskList(t *testing.T) {
	for _, doc := range []string{`{"tasks":[]}`, "name: empty\ntasks: []\n"} {
		s, err := Parse([]byte(doc), false)
		require.NoError(t, err, doc)
		assert.Empty(t, s.Tasks)
		assert.Empty(t, s.BuildTasks(config.DefaultConfig()))
	}
}

func TestParseNestedConfig(t *testing.T) {
	doc := `
config:
  per_task_timeout_ms: 9000
  retry_policy:
    initial_delay_ms: 100
    backoff_factor: 3
    max_delay_ms: 400
    max_attempts: 5
  circuit_breaker:
    failure_threshold: 2
    cooldown_ms: 1234
tasks:
  - id: a
`
	s, err := Parse([]byte(doc), true)
	require.NoError(t, err)
	require.NotNil(t, s.Config)
	require.NotNil(t, s.Config.RetryPolicy)
	require.NotNil(t, s.Config.CircuitBreaker)

	cfg := config.DefaultConfig().Merge(s.Config)
	oc, err := cfg.ToOrchestratorConfig()
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, oc.TaskTimeout)
	assert.Equal(t, 100*time.Millisecond, oc.Retry.InitialDelay)
	assert.Equal(t, 3.0, oc.Retry.BackoffFactor)
	assert.Equal(t, 400*time.Millisecond, oc.Retry.MaxDelay)
	assert.Equal(t, 5, oc.Retry.MaxAttempts)
	assert.Equal(t, 2, oc.Breaker.FailureThreshold)
	assert.Equal(t, 1234*time.Millisecond, oc.Breaker.Cooldown)
}

func TestBuildTasks(t *testing.T) {
	s, err := Parse([]byte(yamlSubmission), true)
	require.NoError(t, err)
	s.Dir = "/work/repo"

	cfg := config.DefaultConfig()
	cfg.DefaultArgs = []string{"-p", "--output-format", "json"}

	tasks := s.BuildTasks(cfg)
	require.Len(t, tasks, 2)

	users := tasks[0]
	assert.Equal(t, "users", users.ID)
	assert.Equal(t, 2, users.Priority)
	assert.Equal(t, cfg.DefaultProgram, users.Command)
	assert.Equal(t, []string{"-p", "--output-format", "json"}, users.Args)
	assert.Equal(t, "Write tests for users.go", users.Stdin)
	assert.Equal(t, 1500*time.Millisecond, users.Timeout)
	assert.Equal(t, "/work/repo", users.Dir)

	orders := tasks[1]
	assert.Equal(t, "aider", orders.Command)
	assert.Equal(t, []string{"--message", "tests for orders.go"}, orders.Args)
	assert.Zero(t, orders.Timeout)
	require.NotNil(t, orders.Fallback)

	tasks[0].Args[0] = "mutated"
	assert.Equal(t, "-p", cfg.DefaultArgs[0])
}

func TestWriteResult(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "result.json")
	result := &concurrency.BatchResult{
		BatchID: "b1",
		Results: []concurrency.TaskResult{
			{TaskID: "a", Status: concurrency.TaskStatusSucceeded, Output: "ok", Attempts: 1},
			{TaskID: "b", Status: concurrency.TaskStatusDegraded, Degraded: true, ErrorClass: concurrency.ClassTimeout},
		},
		Stats: concurrency.Stats{Total: 2, SuccessCount: 1, DegradedCount: 1},
	}
	require.NoError(t, WriteResult(path, result))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "b1", decoded["batch_id"])
	results := decoded["results"].([]any)
	assert.Equal(t, "DEGRADED", results[1].(map[string]any)["status"])
}

func TestEventLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLog(&buf)

	l.OnEvent(concurrency.Event{Seq: 1, Kind: concurrency.EventBatchStart, BatchID: "b", Payload: concurrency.BatchStartPayload{TaskCount: 1}})
	l.OnEvent(concurrency.Event{Seq: 2, Kind: concurrency.EventTaskRetry, BatchID: "b", TaskID: "t",
		Payload: concurrency.TaskRetryPayload{Attempt: 1, ErrorClass: concurrency.ClassRateLimit, DelayMS: 500}})
	assert.Zero(t, buf.Len(), "buffered until batch completes")
	l.OnEvent(concurrency.Event{Seq: 3, Kind: concurrency.EventBatchComplete, BatchID: "b", Payload: concurrency.BatchCompletePayload{}})
	assert.Equal(t, 3, l.Count())
	require.NoError(t, l.Close())

	events, err := ReadEventLog(&buf)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, concurrency.EventTaskRetry, events[1].Kind)
	assert.Equal(t, "t", events[1].TaskID)

	var retry concurrency.TaskRetryPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &retry))
	assert.Equal(t, int64(500), retry.DelayMS)
	assert.Equal(t, concurrency.ClassRateLimit, retry.ErrorClass)
}

func TestCreateEventLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")
	l, err := CreateEventLog(path)
	require.NoError(t, err)
	l.OnEvent(concurrency.Event{Seq: 1, Kind: concurrency.EventBatchStart, BatchID: "b"})
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	events, err := ReadEventLog(f)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
