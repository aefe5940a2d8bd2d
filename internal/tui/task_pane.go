package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vguadalu/udacity-data-pipelines/internal/events"
	"github.com/vguadalu/udacity-data-pipelines/internal/scheduler"
)

// TaskState is what the monitor knows about one task instance.
type TaskState struct {
	TaskID   string
	Kind     string
	Status   scheduler.InstanceStatus
	Attempts int
	Log      []string
	Duration time.Duration
}

// TaskPaneModel is the task list plus the selected task's event log.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel lists order as pending tasks.
func NewTaskPaneModel(order []string) TaskPaneModel {
	m := TaskPaneModel{
		tasks:    make(map[string]*TaskState, len(order)),
		viewport: viewport.New(0, 0),
	}
	for _, id := range order {
		m.track(id)
	}
	m.updateViewportContent()
	return m
}

func (m *TaskPaneModel) track(id string) *TaskState {
	if ts, ok := m.tasks[id]; ok {
		return ts
	}
	ts := &TaskState{TaskID: id, Status: scheduler.StatusPending}
	m.tasks[id] = ts
	m.order = append(m.order, id)
	return ts
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.RunStartedEvent:
		for _, ts := range m.tasks {
			ts.Status, ts.Attempts, ts.Log, ts.Duration = scheduler.StatusPending, 0, nil, 0
		}
		m.updateViewportContent()

	case events.TaskStartedEvent:
		ts := m.track(msg.ID)
		ts.Kind = msg.Kind
		ts.Status = scheduler.StatusRunning
		ts.Attempts = msg.Attempt
		m.logf(ts, msg.Timestamp, "attempt %d started", msg.Attempt)

	case events.TaskRetriedEvent:
		ts := m.track(msg.ID)
		ts.Status = scheduler.StatusFailed
		m.logf(ts, msg.Timestamp, "attempt %d failed: %v (retrying in %s)", msg.Attempt, msg.Err, msg.Delay)

	case events.TaskCompletedEvent:
		ts := m.track(msg.ID)
		ts.Status = scheduler.StatusSuccess
		ts.Attempts = msg.Attempts
		ts.Duration = msg.Duration
		m.logf(ts, msg.Timestamp, "succeeded in %s", msg.Duration.Round(time.Millisecond))

	case events.TaskFailedEvent:
		ts := m.track(msg.ID)
		ts.Status = scheduler.StatusFailed
		ts.Attempts = msg.Attempts
		ts.Duration = msg.Duration
		m.logf(ts, msg.Timestamp, "failed after %d attempts: %v", msg.Attempts, msg.Err)

	case events.TaskUpstreamFailedEvent:
		ts := m.track(msg.ID)
		ts.Status = scheduler.StatusUpstreamFailed
		m.logf(ts, msg.Timestamp, "skipped: %s", msg.Upstream)
	}

	return m, cmd
}

func (m *TaskPaneModel) logf(ts *TaskState, at time.Time, format string, args ...any) {
	ts.Log = append(ts.Log, at.Format("15:04:05")+" "+fmt.Sprintf(format, args...))
	if m.selectedTaskID() == ts.TaskID {
		m.updateViewportContent()
	}
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 32
	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	for i, id := range m.order {
		ts := m.tasks[id]
		name := id
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(ts.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(s scheduler.InstanceStatus) string {
	switch s {
	case scheduler.StatusRunning, scheduler.StatusReady:
		return StyleStatusRunning.Render("●")
	case scheduler.StatusSuccess:
		return StyleStatusComplete.Render("✓")
	case scheduler.StatusFailed:
		return StyleStatusFailed.Render("✗")
	case scheduler.StatusUpstreamFailed:
		return StyleStatusSkipped.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Task returns the monitor's view of id.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	ts, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *ts, true
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	ts, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := fmt.Sprintf("%s  [%s]  attempts: %d\n\n", ts.TaskID, ts.Status, ts.Attempts)
	m.viewport.SetContent(header + strings.Join(ts.Log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-32-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
