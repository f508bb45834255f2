package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/muesli/reflow/truncate"
	"github.com/smtg-ai/genbatch/concurrency"
)

const consoleLineWidth = 120

// ConsoleObserver prints one styled line per event. It is used when stdout
// is not a terminal or the dashboard is disabled.
type ConsoleObserver struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
	clock   func() time.Time
}

// NewConsoleObserver writes to w. Verbose includes health and timeout
// warnings, which are otherwise summarised.
func NewConsoleObserver(w io.Writer, verbose bool) *ConsoleObserver {
	return &ConsoleObserver{w: w, verbose: verbose, clock: time.Now}
}

func (c *ConsoleObserver) OnEvent(e concurrency.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line := c.format(e)
	if line == "" {
		return
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = c.clock()
	}
	line = truncate.StringWithTail(line, consoleLineWidth, "…")
	fmt.Fprintf(c.w, "%s %s\n", labelStyle.Render(ts.Format("15:04:05")), line)
}

func (c *ConsoleObserver) format(e concurrency.Event) string {
	switch p := e.Payload.(type) {
	case concurrency.BatchStartPayload:
		return fmt.Sprintf("batch %s started: %d task(s), concurrency %d", e.BatchID, p.TaskCount, p.ConcurrencyLimit)

	case concurrency.TaskStartPayload:
		s := fmt.Sprintf("%s %s attempt %d (pid %d)", renderState(StateRunning), e.TaskID, p.Attempt, p.PID)
		if p.Fallback {
			s += " using fallback"
		}
		return s

	case concurrency.TaskCompletePayload:
		return fmt.Sprintf("%s %s in %s", renderState(StateSucceeded), e.TaskID, time.Duration(p.DurationMS)*time.Millisecond)

	case concurrency.TaskRetryPayload:
		return fmt.Sprintf("%s %s attempt %d failed with %s, retry in %s",
			renderState(StateRetryWait), e.TaskID, p.Attempt, p.ErrorClass, time.Duration(p.DelayMS)*time.Millisecond)

	case concurrency.TaskFailedPayload:
		state := StateFailed
		if p.Degraded {
			state = StateDegraded
		}
		return fmt.Sprintf("%s %s after %d attempt(s): %s (%s)", renderState(state), e.TaskID, p.Attempt, p.ErrorClass, p.Reason)

	case concurrency.ProcessHealthPayload:
		switch e.Kind {
		case concurrency.EventProcessDead:
			return errorStyle.Render("dead") + fmt.Sprintf(" %s: %s", e.TaskID, p.Assessment.Reason)
		case concurrency.EventProcessWaiting:
			return renderState(StateWaitingInput) + fmt.Sprintf(" %s: %s", e.TaskID, p.Assessment.Reason)
		}
		if !c.verbose {
			return ""
		}
		return renderState(StateSlow) + fmt.Sprintf(" %s: %s", e.TaskID, p.Assessment.Reason)

	case concurrency.TimeoutWarningPayload:
		if !c.verbose && p.Threshold < 0.9 {
			return ""
		}
		s := fmt.Sprintf("%s %s at %.0f%% of its %s timeout", warnStyle.Render("timeout"), e.TaskID,
			p.Threshold*100, time.Duration(p.TimeoutMS)*time.Millisecond)
		if p.Usage != nil {
			s += fmt.Sprintf(", rss %s", formatBytes(p.Usage.RSSBytes))
		}
		return s

	case concurrency.DegradationPayload:
		return warnStyle.Render("degradation enabled") + fmt.Sprintf(" (%s, strategy %s)", p.Reason, p.Strategy)

	case concurrency.BatchCompletePayload:
		word := "complete"
		if p.Cancelled {
			word = "cancelled"
		}
		return fmt.Sprintf("batch %s %s: %d succeeded, %d failed, %d degraded, %d cancelled",
			e.BatchID, word, p.Stats.SuccessCount, p.Stats.FailureCount, p.Stats.DegradedCount, p.Stats.CancelledCount)
	}
	return ""
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
