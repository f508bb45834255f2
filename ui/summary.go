package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
	"github.com/smtg-ai/genbatch/concurrency"
)

var summaryBoxStyle = lipgloss.NewStyle().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("240")).
	Padding(0, 1)

// TotalCost sums the cost reported by CLIs that print a JSON envelope. The
// second result is false when no task reported one.
func TotalCost(result *concurrency.BatchResult) (float64, bool) {
	var total float64
	var reported bool
	for _, r := range result.Results {
		if r.ReportedCostUSD != nil {
			total += *r.ReportedCostUSD
			reported = true
		}
	}
	return total, reported
}

// RenderSummary renders the final report of a batch. width bounds wrapped
// error text; zero means 80 columns.
func RenderSummary(result *concurrency.BatchResult, width int) string {
	if width <= 0 {
		width = 80
	}
	s := result.Stats

	label := func(s string) string { return labelStyle.Render(fmt.Sprintf("%-12s", s)) }
	lines := []string{
		titleStyle.Render("Batch " + result.BatchID),
		label("total") + metricStyle.Render(fmt.Sprintf("%d", s.Total)),
		label("successful") + renderState(StateSucceeded) + fmt.Sprintf(" %d", s.SuccessCount),
		label("failed") + renderState(StateFailed) + fmt.Sprintf(" %d", s.FailureCount),
		label("degraded") + renderState(StateDegraded) + fmt.Sprintf(" %d", s.DegradedCount),
		label("cancelled") + renderState(StateCancelled) + fmt.Sprintf(" %d", s.CancelledCount),
		label("duration") + (time.Duration(s.TotalDurationMS) * time.Millisecond).String(),
		label("peak procs") + fmt.Sprintf("%d/%d", result.Concurrency.Peak, result.Concurrency.Limit),
		label("breaker") + result.Breaker.State.String(),
	}
	if cost, ok := TotalCost(result); ok {
		lines = append(lines, label("total cost")+fmt.Sprintf("$%.4f", cost))
	}
	if result.Revision != "" {
		lines = append(lines, label("revision")+result.Revision)
	}
	if result.Cancelled {
		lines = append(lines, warnStyle.Render("batch was cancelled"))
	}

	var problems []string
	for _, r := range result.Results {
		if r.Status == concurrency.TaskStatusSucceeded || r.Status == concurrency.TaskStatusCancelled {
			continue
		}
		head := fmt.Sprintf("%s %s after %d attempt(s): %s", renderState(r.Status.String()),
			truncate.StringWithTail(r.TaskID, 40, "…"), r.Attempts, r.ErrorClass)
		problems = append(problems, head)
		if r.Error != "" {
			msg := wordwrap.String(strings.TrimSpace(r.Error), width-6)
			for _, l := range strings.Split(msg, "\n") {
				problems = append(problems, "    "+labelStyle.Render(l))
			}
		}
	}
	if len(problems) > 0 {
		lines = append(lines, "", errorStyle.Render("Unsuccessful tasks"))
		lines = append(lines, problems...)
	}

	return summaryBoxStyle.Render(strings.Join(lines, "\n"))
}
