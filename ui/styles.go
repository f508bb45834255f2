package ui

import "github.com/charmbracelet/lipgloss"

// Row states shown by the dashboard and console. They extend the task
// statuses with the health verdicts of a running process.
const (
	StatePending      = "PENDING"
	StateRunning      = "RUNNING"
	StateSlow         = "SLOW"
	StateWaitingInput = "WAITING_INPUT"
	StateRetryWait    = "RETRY_WAIT"
	StateSucceeded    = "SUCCEEDED"
	StateFailed       = "FAILED"
	StateDegraded     = "DEGRADED"
	StateCancelled    = "CANCELLED"
)

var (
	baseStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	stateStyle = map[string]lipgloss.Style{
		StatePending:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		StateRunning:      lipgloss.NewStyle().Foreground(lipgloss.Color("cyan")).Bold(true),
		StateSlow:         lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		StateWaitingInput: lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		StateRetryWait:    lipgloss.NewStyle().Foreground(lipgloss.Color("yellow")),
		StateSucceeded:    lipgloss.NewStyle().Foreground(lipgloss.Color("green")),
		StateFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("red")).Bold(true),
		StateDegraded:     lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		StateCancelled:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}

	metricStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("red")).
			Bold(true)
)

func renderState(state string) string {
	style, ok := stateStyle[state]
	if !ok {
		return state
	}
	return style.Render(state)
}
