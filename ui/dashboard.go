package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
	"github.com/smtg-ai/genbatch/concurrency"
	"github.com/smtg-ai/genbatch/keys"
)

const (
	detailWidth = 48
	idWidth     = 24
)

// eventMsg carries an engine event into the bubbletea loop.
type eventMsg concurrency.Event

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// DashboardModel is the live batch view.
type DashboardModel struct {
	title    string
	board    *Board
	table    table.Model
	spinner  spinner.Model
	onCancel func()
	// cancelRequested is set after the first q so a second q quits at once.
	cancelRequested bool
	showHelp        bool
	width           int
	now             time.Time
}

// NewDashboardModel creates the model. onCancel is invoked when the user
// asks to stop the batch; it may be nil.
func NewDashboardModel(title string, onCancel func()) DashboardModel {
	columns := []table.Column{
		{Title: "Task", Width: idWidth},
		{Title: "State", Width: 14},
		{Title: "Try", Width: 4},
		{Title: "PID", Width: 8},
		{Title: "Elapsed", Width: 8},
		{Title: "Detail", Width: detailWidth},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = metricStyle

	return DashboardModel{
		title:    title,
		board:    NewBoard(),
		table:    t,
		spinner:  sp,
		onCancel: onCancel,
		now:      time.Now(),
	}
}

func (m DashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetHeight(max(5, msg.Height-8))
		return m, nil

	case eventMsg:
		m.board.Apply(concurrency.Event(msg))
		m.refreshRows()
		if m.board.Complete {
			return m, tea.Quit
		}
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.refreshRows()
		return m, tickCmd()

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		name, ok := keys.Lookup(msg.String())
		if !ok {
			break
		}
		switch name {
		case keys.KeyCancel:
			if m.cancelRequested || m.onCancel == nil {
				return m, tea.Quit
			}
			m.cancelRequested = true
			m.onCancel()
			return m, nil
		case keys.KeyDetach:
			return m, tea.Quit
		case keys.KeyHelp:
			m.showHelp = !m.showHelp
			return m, nil
		case keys.KeyUp:
			m.table.MoveUp(1)
			return m, nil
		case keys.KeyDown:
			m.table.MoveDown(1)
			return m, nil
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *DashboardModel) refreshRows() {
	rows := m.board.Rows()
	out := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		pid, elapsed := "", ""
		if r.PID > 0 {
			pid = fmt.Sprintf("%d", r.PID)
		}
		if !r.Since.IsZero() && m.now.After(r.Since) {
			elapsed = m.now.Sub(r.Since).Truncate(time.Second).String()
		}
		out = append(out, table.Row{
			truncate.StringWithTail(r.ID, idWidth, "…"),
			r.State,
			fmt.Sprintf("%d", r.Attempt),
			pid,
			elapsed,
			truncate.StringWithTail(r.Detail, detailWidth, "…"),
		})
	}
	m.table.SetRows(out)
}

func (m DashboardModel) header() string {
	b := m.board
	counts := b.Counts()
	parts := []string{
		fmt.Sprintf("%s %s/%d done", m.spinner.View(), metricStyle.Render(fmt.Sprintf("%d", b.Finished())), b.Total),
		fmt.Sprintf("running %s/%d", metricStyle.Render(fmt.Sprintf("%d", b.Running)), b.Limit),
		renderState(StateSucceeded) + fmt.Sprintf(" %d", counts[StateSucceeded]),
		renderState(StateRetryWait) + fmt.Sprintf(" %d", counts[StateRetryWait]),
		renderState(StateFailed) + fmt.Sprintf(" %d", counts[StateFailed]),
		renderState(StateDegraded) + fmt.Sprintf(" %d", counts[StateDegraded]),
	}
	return strings.Join(parts, labelStyle.Render(" | "))
}

func (m DashboardModel) View() string {
	var b strings.Builder

	title := "genbatch"
	if m.title != "" {
		title += ": " + m.title
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(m.header())
	b.WriteString("\n\n")

	if m.board.Degradation {
		b.WriteString(warnStyle.Render("Degradation active: failed tasks receive placeholder output"))
		b.WriteString("\n")
	}

	b.WriteString(baseStyle.Render(m.table.View()))
	b.WriteString("\n")

	footer := keys.HelpLine(keys.KeyCancel, keys.KeyHelp)
	if m.showHelp {
		footer = keys.HelpLine(keys.KeyUp, keys.KeyDown, keys.KeyCancel, keys.KeyDetach, keys.KeyHelp)
	}
	if m.cancelRequested {
		footer = "Cancelling, waiting for running processes. " + keys.HelpLine(keys.KeyCancel, keys.KeyDetach)
	}
	if m.board.Complete {
		footer = "Batch complete"
	}
	b.WriteString(labelStyle.Render(footer))
	b.WriteString("\n")
	return b.String()
}

// Dashboard runs DashboardModel and feeds it from the event channel.
type Dashboard struct {
	program *tea.Program
}

// NewDashboard creates a dashboard. Subscribe it with concurrency.EventChannel
// and call Run.
func NewDashboard(title string, onCancel func(), opts ...tea.ProgramOption) *Dashboard {
	return &Dashboard{program: tea.NewProgram(NewDashboardModel(title, onCancel), opts...)}
}

// OnEvent implements concurrency.Observer. After the program exits events
// are discarded.
func (d *Dashboard) OnEvent(e concurrency.Event) {
	d.program.Send(eventMsg(e))
}

// Run blocks until the batch completes or the user detaches.
func (d *Dashboard) Run() error {
	if _, err := d.program.Run(); err != nil {
		return fmt.Errorf("failed to run dashboard: %w", err)
	}
	return nil
}

// Quit stops the program from outside the event loop.
func (d *Dashboard) Quit() {
	d.program.Quit()
}
