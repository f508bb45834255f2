package ui

import (
	"fmt"
	"time"

	"github.com/smtg-ai/genbatch/concurrency"
)

// TaskRow is the display state of one task.
type TaskRow struct {
	ID       string
	State    string
	Attempt  int
	PID      int
	Fallback bool
	Detail   string
	Since    time.Time
}

func (r *TaskRow) live() bool {
	switch r.State {
	case StateRunning, StateSlow, StateWaitingInput:
		return true
	}
	return false
}

// Board folds the event stream of one batch into display rows. It is not
// safe for concurrent use; the dashboard and console own one each.
type Board struct {
	BatchID     string
	Total       int
	Limit       int
	Running     int
	Degradation bool
	Complete    bool
	Cancelled   bool
	Stats       concurrency.Stats
	Started     time.Time

	rows  map[string]*TaskRow
	order []string
}

func NewBoard() *Board {
	return &Board{rows: make(map[string]*TaskRow)}
}

func (b *Board) row(id string, at time.Time) *TaskRow {
	r, ok := b.rows[id]
	if !ok {
		r = &TaskRow{ID: id, State: StatePending, Since: at}
		b.rows[id] = r
		b.order = append(b.order, id)
	}
	return r
}

// end moves a row out of the live states.
func (b *Board) end(r *TaskRow, state string, at time.Time) {
	if r.live() {
		b.Running--
	}
	r.State = state
	r.Since = at
}

// Apply updates the board with one event. Events for other batches are
// ignored once the board is bound to a batch.
func (b *Board) Apply(e concurrency.Event) {
	if b.BatchID != "" && e.BatchID != b.BatchID {
		return
	}
	switch p := e.Payload.(type) {
	case concurrency.BatchStartPayload:
		b.BatchID = e.BatchID
		b.Total = p.TaskCount
		b.Limit = p.ConcurrencyLimit
		b.Started = e.Timestamp

	case concurrency.TaskStartPayload:
		r := b.row(e.TaskID, e.Timestamp)
		if !r.live() {
			b.Running++
		}
		r.State = StateRunning
		r.Attempt = p.Attempt
		r.PID = p.PID
		r.Fallback = p.Fallback
		r.Detail = p.Command
		r.Since = e.Timestamp

	case concurrency.TaskCompletePayload:
		r := b.row(e.TaskID, e.Timestamp)
		b.end(r, StateSucceeded, e.Timestamp)
		r.Detail = fmt.Sprintf("%d bytes in %s", p.OutputLen, time.Duration(p.DurationMS)*time.Millisecond)

	case concurrency.TaskFailedPayload:
		r := b.row(e.TaskID, e.Timestamp)
		state := StateFailed
		if p.Degraded {
			state = StateDegraded
		}
		b.end(r, state, e.Timestamp)
		r.Detail = fmt.Sprintf("%s: %s", p.ErrorClass, p.Reason)

	case concurrency.TaskRetryPayload:
		r := b.row(e.TaskID, e.Timestamp)
		b.end(r, StateRetryWait, e.Timestamp)
		r.Detail = fmt.Sprintf("%s, retry in %s", p.ErrorClass, time.Duration(p.DelayMS)*time.Millisecond)
		if p.UseFallback {
			r.Detail += " (fallback)"
		}

	case concurrency.ProcessHealthPayload:
		r := b.row(e.TaskID, e.Timestamp)
		if !r.live() {
			return
		}
		switch e.Kind {
		case concurrency.EventProcessSlow:
			r.State = StateSlow
		case concurrency.EventProcessWaiting:
			r.State = StateWaitingInput
		}
		r.Detail = p.Assessment.Reason

	case concurrency.TimeoutWarningPayload:
		r := b.row(e.TaskID, e.Timestamp)
		r.Detail = fmt.Sprintf("%.0f%% of timeout used", p.Threshold*100)

	case concurrency.DegradationPayload:
		b.Degradation = true

	case concurrency.BatchCompletePayload:
		b.Complete = true
		b.Cancelled = p.Cancelled
		b.Stats = p.Stats
		for _, id := range b.order {
			r := b.rows[id]
			switch r.State {
			case StateSucceeded, StateFailed, StateDegraded:
			default:
				b.end(r, StateCancelled, e.Timestamp)
			}
		}
		b.Running = 0
	}
}

// Rows returns the rows in the order tasks were first seen.
func (b *Board) Rows() []TaskRow {
	rows := make([]TaskRow, 0, len(b.order))
	for _, id := range b.order {
		rows = append(rows, *b.rows[id])
	}
	return rows
}

// Counts returns the number of rows per state.
func (b *Board) Counts() map[string]int {
	counts := make(map[string]int)
	for _, r := range b.rows {
		counts[r.State]++
	}
	return counts
}

// Finished returns the number of tasks in a terminal state.
func (b *Board) Finished() int {
	c := b.Counts()
	return c[StateSucceeded] + c[StateFailed] + c[StateDegraded] + c[StateCancelled]
}
