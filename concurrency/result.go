package concurrency

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"
)

// TaskResult is the terminal outcome of one task.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Status     TaskStatus     `json:"status"`
	Output     string         `json:"output,omitempty"`
	ErrorClass ErrorClass     `json:"error_class,omitempty"`
	Error      string         `json:"error,omitempty"`
	Attempts   int            `json:"attempts"`
	Degraded   bool           `json:"degraded"`
	DurationMS int64          `json:"duration_ms"`
	History    []RetryAttempt `json:"history,omitempty"`

	// Metadata reported by a CLI that prints a JSON result envelope.
	SessionID          string   `json:"session_id,omitempty"`
	ReportedCostUSD    *float64 `json:"reported_cost_usd,omitempty"`
	ReportedDurationMS *int64   `json:"reported_duration_ms,omitempty"`
}

// Stats aggregates a batch.
type Stats struct {
	Total           int   `json:"total"`
	SuccessCount    int   `json:"success_count"`
	FailureCount    int   `json:"failure_count"`
	DegradedCount   int   `json:"degraded_count"`
	CancelledCount  int   `json:"cancelled_count"`
	TotalDurationMS int64 `json:"total_duration_ms"`
}

// BatchResult is returned once every task of a batch is terminal. Results
// are sorted by task ID.
type BatchResult struct {
	BatchID     string                 `json:"batch_id"`
	Revision    string                 `json:"revision,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Cancelled   bool                   `json:"cancelled"`
	Results     []TaskResult           `json:"results"`
	Stats       Stats                  `json:"stats"`
	Breaker     CircuitBreakerSnapshot `json:"circuit_breaker"`
	Concurrency ConcurrencyStats       `json:"concurrency"`
}

// Result looks up the result of a task.
func (r *BatchResult) Result(taskID string) (TaskResult, bool) {
	i := sort.Search(len(r.Results), func(i int) bool { return r.Results[i].TaskID >= taskID })
	if i < len(r.Results) && r.Results[i].TaskID == taskID {
		return r.Results[i], true
	}
	return TaskResult{}, false
}

func computeStats(results []TaskResult, started, completed time.Time) Stats {
	s := Stats{Total: len(results), TotalDurationMS: completed.Sub(started).Milliseconds()}
	for _, r := range results {
		switch r.Status {
		case TaskStatusSucceeded:
			s.SuccessCount++
		case TaskStatusFailed:
			s.FailureCount++
		case TaskStatusDegraded:
			s.DegradedCount++
		case TaskStatusCancelled:
			s.CancelledCount++
		}
	}
	return s
}

func sortResults(results []TaskResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].TaskID < results[j].TaskID })
}

// cliEnvelope is the result object printed by CLIs run with a JSON output
// format.
type cliEnvelope struct {
	Type         string   `json:"type"`
	Result       *string  `json:"result"`
	SessionID    string   `json:"session_id"`
	TotalCostUSD *float64 `json:"total_cost_usd"`
	DurationMS   *int64   `json:"duration_ms"`
	IsError      bool     `json:"is_error"`
}

// ParsedOutput is the interpretation of a successful process's stdout.
type ParsedOutput struct {
	Text               string
	SessionID          string
	ReportedCostUSD    *float64
	ReportedDurationMS *int64
	// IsError is set when the envelope reports failure despite exit code 0.
	IsError bool
}

// ParseOutput extracts the result from a JSON envelope. Anything else is
// returned as plain text.
func ParseOutput(stdout []byte) ParsedOutput {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ParsedOutput{Text: string(stdout)}
	}
	var env cliEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Result == nil {
		return ParsedOutput{Text: string(stdout)}
	}
	return ParsedOutput{
		Text:               *env.Result,
		SessionID:          env.SessionID,
		ReportedCostUSD:    env.TotalCostUSD,
		ReportedDurationMS: env.DurationMS,
		IsError:            env.IsError,
	}
}
