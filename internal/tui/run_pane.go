package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vguadalu/udacity-data-pipelines/internal/events"
)

// RunPaneModel shows the current run's header and progress.
type RunPaneModel struct {
	pipeline  string
	runID     string
	scheduled time.Time
	status    string
	failure   string
	elapsed   time.Duration
	breaker   string
	warnings  []string

	total          int
	succeeded      int
	running        int
	failed         int
	upstreamFailed int
	pending        int

	width   int
	height  int
	focused bool
}

// NewRunPaneModel returns an idle pane for pipeline.
func NewRunPaneModel(pipeline string, total int) RunPaneModel {
	return RunPaneModel{pipeline: pipeline, status: "waiting", total: total, pending: total}
}

// Update handles messages for the run pane.
func (m RunPaneModel) Update(msg tea.Msg) (RunPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		m.runID = msg.Run
		m.scheduled = msg.ScheduledTime
		m.status = "running"
		m.failure = ""
		m.elapsed = 0
		m.warnings = nil

	case events.RunProgressEvent:
		m.total = msg.Total
		m.succeeded = msg.Succeeded
		m.running = msg.Running
		m.failed = msg.Failed
		m.upstreamFailed = msg.UpstreamFailed
		m.pending = msg.Pending

	case events.RunFinishedEvent:
		m.status = msg.Status
		m.elapsed = msg.Duration
		if msg.Err != nil {
			m.failure = fmt.Sprintf("%s: %v", msg.FailedTask, msg.Err)
			if msg.FailedTask == "" {
				m.failure = msg.Err.Error()
			}
		}

	case events.BreakerStateEvent:
		m.breaker = msg.To

	case events.HistoryErrorEvent:
		m.warnings = append(m.warnings, fmt.Sprintf("history %s: %v", msg.Op, msg.Err))
	}

	return m, nil
}

// Status is the run status last seen.
func (m RunPaneModel) Status() string { return m.status }

// View renders the run pane.
func (m RunPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run " + m.pipeline)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.runID != "" {
		fmt.Fprintf(&b, "Run:       %s\n", m.runID)
		fmt.Fprintf(&b, "Scheduled: %s\n", m.scheduled.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Status:    %s\n", m.styledStatus())
	if m.elapsed > 0 {
		fmt.Fprintf(&b, "Elapsed:   %s\n", m.elapsed.Round(time.Millisecond))
	}
	if m.breaker != "" {
		fmt.Fprintf(&b, "Warehouse: breaker %s\n", m.breaker)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.succeeded)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(m.running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprint(m.upstreamFailed)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(m.pending)))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		okWidth := (m.succeeded * barWidth) / m.total
		failedWidth := ((m.failed + m.upstreamFailed) * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - okWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, okWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, m.succeeded, m.total)
	}

	if m.failure != "" {
		b.WriteString("\n")
		b.WriteString(StyleStatusFailed.Render(m.failure))
		b.WriteString("\n")
	}
	for _, w := range m.warnings {
		b.WriteString(StyleStatusSkipped.Render(w))
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m RunPaneModel) styledStatus() string {
	switch m.status {
	case "success":
		return StyleStatusComplete.Render(m.status)
	case "failed":
		return StyleStatusFailed.Render(m.status)
	case "running":
		return StyleStatusRunning.Render(m.status)
	default:
		return StyleStatusPending.Render(m.status)
	}
}

// SetSize updates the pane dimensions.
func (m *RunPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *RunPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
