// Package monitor is a terminal dashboard over a running webtestd daemon:
// supervised processes, recent test runs, and the supervision event tail.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Kdotu/2025-web-testing-mcp-sub002/framework"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/persistence"
	"github.com/Kdotu/2025-web-testing-mcp-sub002/supervisor"
)

// DefaultInterval is the refresh period.
const DefaultInterval = 2 * time.Second

// Options configure the Bubble Tea program.
type Options struct {
	Interval time.Duration
}

// Run launches the dashboard and blocks until the user quits or ctx ends.
func Run(ctx context.Context, src Source, opts Options) error {
	m := newModel(ctx, src, opts)
	program := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

type pane int

const (
	paneProcesses pane = iota
	paneResults
)

type model struct {
	ctx      context.Context
	src      Source
	interval time.Duration

	width  int
	height int
	focus  pane

	processes table.Model
	results   table.Model
	snap      Snapshot
	err       error
	loading   bool
}

func newModel(ctx context.Context, src Source, opts Options) model {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	processes := table.New(
		table.WithColumns([]table.Column{
			{Title: "Process", Width: 34},
			{Title: "Tool", Width: 11},
			{Title: "PID", Width: 7},
			{Title: "State", Width: 10},
			{Title: "Restarts", Width: 8},
			{Title: "Idle", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	results := table.New(
		table.WithColumns([]table.Column{
			{Title: "Test", Width: 10},
			{Title: "Type", Width: 9},
			{Title: "Status", Width: 10},
			{Title: "Target", Width: 32},
			{Title: "Updated", Width: 9},
		}),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	processes.SetStyles(styles)
	results.SetStyles(styles)
	return model{
		ctx:       ctx,
		src:       src,
		interval:  interval,
		processes: processes,
		results:   results,
		loading:   true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(refreshCmd(m.ctx, m.src), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		rows := max(3, (msg.Height-14)/2)
		m.processes.SetHeight(rows)
		m.results.SetHeight(rows)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, refreshCmd(m.ctx, m.src)
		case "tab":
			m.toggleFocus()
			return m, nil
		}
		var cmd tea.Cmd
		if m.focus == paneProcesses {
			m.processes, cmd = m.processes.Update(msg)
		} else {
			m.results, cmd = m.results.Update(msg)
		}
		return m, cmd
	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.apply(msg.snap)
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(refreshCmd(m.ctx, m.src), tickCmd(m.interval))
	}
	return m, nil
}

func (m *model) toggleFocus() {
	if m.focus == paneProcesses {
		m.focus = paneResults
		m.processes.Blur()
		m.results.Focus()
		return
	}
	m.focus = paneProcesses
	m.results.Blur()
	m.processes.Focus()
}

func (m *model) apply(snap Snapshot) {
	m.snap = snap
	m.processes.SetRows(processRows(snap.Processes, snap.Fetched))
	m.results.SetRows(resultRows(snap.Results))
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("webtestd monitor"))
	b.WriteString("  ")
	b.WriteString(infoStyle.Render(usageLine(m.snap.Usage)))
	b.WriteString("\n\n")
	b.WriteString(sectionStyle(m.focus == paneProcesses).Render("Processes"))
	b.WriteString("\n")
	b.WriteString(m.processes.View())
	b.WriteString("\n\n")
	b.WriteString(sectionStyle(m.focus == paneResults).Render("Recent tests"))
	b.WriteString("\n")
	b.WriteString(m.results.View())
	if len(m.snap.Events) > 0 {
		b.WriteString("\n\n")
		b.WriteString(sectionStyle(false).Render("Events"))
		b.WriteString("\n")
		for _, line := range eventLines(m.snap.Events, 6) {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	footer := "tab switch pane · r refresh · q quit"
	switch {
	case m.err != nil:
		footer = errorStyle.Render(m.err.Error())
	case m.loading:
		footer = "refreshing..."
	case !m.snap.Fetched.IsZero():
		footer = fmt.Sprintf("updated %s · %s", m.snap.Fetched.Format(time.Kitchen), footer)
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(footer))
	return frameStyle.Render(b.String())
}

func usageLine(u supervisor.ResourceUsage) string {
	return fmt.Sprintf("%d processes · %d healthy · ~%d MB", u.TotalProcesses, u.HealthyProcesses, u.MemoryUsageMB)
}

func processRows(statuses []supervisor.Status, now time.Time) []table.Row {
	if now.IsZero() {
		now = time.Now()
	}
	rows := make([]table.Row, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, table.Row{
			st.ID,
			st.Tool,
			fmt.Sprint(st.PID),
			processState(st),
			fmt.Sprintf("%d/%d", st.RestartCount, st.MaxRestarts),
			idleFor(now, st.LastActivity),
		})
	}
	return rows
}

func processState(st supervisor.Status) string {
	switch {
	case !st.Healthy:
		return "unhealthy"
	case st.Busy:
		return "busy"
	case st.Spent:
		return "spent"
	default:
		return "idle"
	}
}

func idleFor(now, last time.Time) string {
	if last.IsZero() {
		return "-"
	}
	d := now.Sub(last)
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}

func resultRows(results []persistence.TestResult) []table.Row {
	rows := make([]table.Row, 0, len(results))
	for _, r := range results {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id,
			r.TestType,
			string(r.Status),
			truncate(r.Target, 32),
			r.UpdatedAt.Local().Format("15:04:05"),
		})
	}
	return rows
}

func eventLines(events []framework.Event, limit int) []string {
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		line := fmt.Sprintf("%s %-28s %s", ev.Timestamp.Local().Format("15:04:05"), ev.Type, ev.Name)
		if ev.Message != "" {
			line += " · " + truncate(strings.TrimSpace(ev.Message), 60)
		}
		style := infoStyle
		switch ev.Type {
		case framework.EventServerStartFailed, framework.EventServerUnhealthy,
			framework.EventServerMaxRestartsExceeded, framework.EventServerStopFailed:
			style = errorStyle
		}
		lines = append(lines, style.Render(line))
	}
	return lines
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type tickMsg struct{}

func refreshCmd(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		snap, err := src.Snapshot(reqCtx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func sectionStyle(focused bool) lipgloss.Style {
	if focused {
		return titleStyle
	}
	return dimStyle
}

var (
	frameStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Bold(true)
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("79"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("204")).Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)
