// Package tui is a terminal monitor for pipeline runs. It follows the event
// bus: a task list with per-task logs on the left, run progress on the right.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vguadalu/udacity-data-pipelines/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneRun
	paneCount
)

// Options configures the monitor.
type Options struct {
	Pipeline string
	// Order lists task ids so they show as pending before any event.
	Order []string
	// Cancel, when set, is bound to the cancel key.
	Cancel func()
	// QuitOnFinish exits once a run finishes.
	QuitOnFinish bool
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	taskPane    TaskPaneModel
	runPane     RunPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	opts        Options
	width       int
	height      int
	quitting    bool
}

// New creates a new TUI model subscribed to every topic of bus.
func New(bus *events.EventBus, opts Options) Model {
	return NewWithSubscription(bus.SubscribeAll(256), opts)
}

// NewWithSubscription creates a model reading events from sub.
func NewWithSubscription(sub <-chan events.Event, opts Options) Model {
	m := Model{
		taskPane: NewTaskPaneModel(opts.Order),
		runPane:  NewRunPaneModel(opts.Pipeline, len(opts.Order)),
		eventSub: sub,
		opts:     opts,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the subscription ends.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyCancel:
			if m.opts.Cancel != nil {
				m.opts.Cancel()
			}

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneRun
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		m.runPane, cmd = m.runPane.Update(msg)
		cmds = append(cmds, cmd)

		if _, done := msg.(events.RunFinishedEvent); done && m.opts.QuitOnFinish {
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	case busClosedMsg:
		// nothing more will arrive
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	content := lipgloss.JoinHorizontal(lipgloss.Top, m.taskPane.View(), m.runPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, content, HelpView())
}

// RunStatus is the status of the last run seen ("waiting" before any).
func (m Model) RunStatus() string { return m.runPane.Status() }

// Task returns the monitor's view of one task.
func (m Model) Task(id string) (TaskState, bool) { return m.taskPane.Task(id) }

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.runPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.runPane.SetFocused(m.focusedPane == PaneRun)
}
