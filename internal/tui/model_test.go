package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vguadalu/udacity-data-pipelines/internal/events"
	"github.com/vguadalu/udacity-data-pipelines/internal/scheduler"
)

var order = []string{"Begin_execution", "Load_user_dim_table", "Stop_execution"}

func feed(t *testing.T, m Model, msgs ...tea.Msg) Model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(Model)
	}
	return m
}

func TestModelTracksTaskLifecycle(t *testing.T) {
	now := time.Date(2019, 1, 12, 0, 0, 0, 0, time.UTC)
	sub := make(chan events.Event)
	m := NewWithSubscription(sub, Options{Pipeline: "udac_example_dag", Order: order})

	if ts, ok := m.Task("Load_user_dim_table"); !ok || ts.Status != scheduler.StatusPending {
		t.Fatalf("initial state = %+v, %v", ts, ok)
	}

	m = feed(t, m,
		events.RunStartedEvent{Run: "r1", Pipeline: "udac_example_dag", ScheduledTime: now, Timestamp: now},
		events.TaskStartedEvent{Run: "r1", ID: "Load_user_dim_table", Kind: "dimension_load", Attempt: 1, Timestamp: now},
		events.TaskRetriedEvent{Run: "r1", ID: "Load_user_dim_table", Attempt: 1, Err: errors.New("reset"), Delay: time.Minute, Timestamp: now},
		events.TaskStartedEvent{Run: "r1", ID: "Load_user_dim_table", Kind: "dimension_load", Attempt: 2, Timestamp: now},
		events.TaskFailedEvent{Run: "r1", ID: "Load_user_dim_table", Attempts: 2, Err: errors.New("reset"), Timestamp: now},
		events.TaskUpstreamFailedEvent{Run: "r1", ID: "Stop_execution", Upstream: "Load_user_dim_table", Timestamp: now},
		events.RunFinishedEvent{Run: "r1", Status: "failed", FailedTask: "Load_user_dim_table", Err: errors.New("reset"), Timestamp: now},
	)

	users, _ := m.Task("Load_user_dim_table")
	if users.Status != scheduler.StatusFailed || users.Attempts != 2 {
		t.Errorf("users = %s after %d attempts", users.Status, users.Attempts)
	}
	if len(users.Log) != 4 {
		t.Errorf("log has %d lines, want 4: %v", len(users.Log), users.Log)
	}
	if end, _ := m.Task("Stop_execution"); end.Status != scheduler.StatusUpstreamFailed {
		t.Errorf("end = %s, want upstream_failed", end.Status)
	}
	if m.RunStatus() != "failed" {
		t.Errorf("run status = %s", m.RunStatus())
	}
}

func TestModelRendersAfterResize(t *testing.T) {
	m := NewWithSubscription(make(chan events.Event), Options{Pipeline: "udac_example_dag", Order: order})
	if got := m.View(); got != "Initializing..." {
		t.Errorf("view before size = %q", got)
	}
	m = feed(t, m,
		tea.WindowSizeMsg{Width: 120, Height: 30},
		events.RunProgressEvent{Run: "r1", Total: 3, Succeeded: 1, Pending: 2},
	)
	view := m.View()
	for _, want := range []string{"Tasks", "Run udac_example_dag", "Load_user_dim_table"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModelKeys(t *testing.T) {
	cancelled := false
	m := NewWithSubscription(make(chan events.Event), Options{Order: order, Cancel: func() { cancelled = true }})

	m = feed(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if !cancelled {
		t.Error("cancel key did not cancel the run")
	}

	m = feed(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneRun {
		t.Errorf("focus = %d after tab, want run pane", m.focusedPane)
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("quit key returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("quit key did not quit")
	}
}

func TestModelQuitOnFinish(t *testing.T) {
	m := NewWithSubscription(make(chan events.Event), Options{Order: order, QuitOnFinish: true})
	_, cmd := m.Update(events.RunFinishedEvent{Run: "r1", Status: "success"})
	if cmd == nil {
		t.Fatal("no command after run finished")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("monitor did not quit after the run finished")
	}
}
