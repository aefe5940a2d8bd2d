package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	TaskID() string
}

// Topic constants
const (
	TopicRun       = "run"
	TopicTask      = "task"
	TopicWarehouse = "warehouse"
)

// Event type constants
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunFinished        = "run.finished"
	EventTypeRunProgress        = "run.progress"
	EventTypeTaskStarted        = "task.started"
	EventTypeTaskCompleted      = "task.completed"
	EventTypeTaskRetried        = "task.retried"
	EventTypeTaskFailed         = "task.failed"
	EventTypeTaskUpstreamFailed = "task.upstream_failed"
	EventTypeBreakerState       = "warehouse.breaker"
	EventTypeHistoryError       = "run.history_error"
)

// Topic returns the topic an event is published on.
func Topic(e Event) string {
	switch e.(type) {
	case RunStartedEvent, RunFinishedEvent, RunProgressEvent, HistoryErrorEvent:
		return TopicRun
	case BreakerStateEvent:
		return TopicWarehouse
	default:
		return TopicTask
	}
}

// RunStartedEvent is published when a run leaves pending.
type RunStartedEvent struct {
	Run           string
	Pipeline      string
	ScheduledTime time.Time
	Timestamp     time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunFinishedEvent is published once a run reaches success or failed.
// FailedTask and Err describe the first failure.
type RunFinishedEvent struct {
	Run        string
	Pipeline   string
	Status     string
	FailedTask string
	Err        error
	Duration   time.Duration
	Timestamp  time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) RunID() string     { return e.Run }
func (e RunFinishedEvent) TaskID() string    { return e.FailedTask }

// RunProgressEvent is published whenever an instance changes state.
type RunProgressEvent struct {
	Run            string
	Total          int
	Succeeded      int
	Running        int
	Failed         int
	UpstreamFailed int
	Pending        int
	Timestamp      time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) RunID() string     { return e.Run }
func (e RunProgressEvent) TaskID() string    { return "" }

// TaskStartedEvent is published when an attempt begins.
type TaskStartedEvent struct {
	Run       string
	ID        string
	Kind      string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) RunID() string     { return e.Run }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when an instance succeeds.
type TaskCompletedEvent struct {
	Run       string
	ID        string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) RunID() string     { return e.Run }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskRetriedEvent is published when a failed attempt will be retried after Delay.
type TaskRetriedEvent struct {
	Run       string
	ID        string
	Attempt   int
	Err       error
	Delay     time.Duration
	Timestamp time.Time
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) RunID() string     { return e.Run }
func (e TaskRetriedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an instance fails for good.
type TaskFailedEvent struct {
	Run       string
	ID        string
	Attempts  int
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) RunID() string     { return e.Run }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskUpstreamFailedEvent is published for an instance skipped because
// Upstream failed or the run was cancelled.
type TaskUpstreamFailedEvent struct {
	Run       string
	ID        string
	Upstream  string
	Timestamp time.Time
}

func (e TaskUpstreamFailedEvent) EventType() string { return EventTypeTaskUpstreamFailed }
func (e TaskUpstreamFailedEvent) RunID() string     { return e.Run }
func (e TaskUpstreamFailedEvent) TaskID() string    { return e.ID }

// BreakerStateEvent is published when the warehouse circuit breaker moves.
type BreakerStateEvent struct {
	Name      string
	From      string
	To        string
	Timestamp time.Time
}

func (e BreakerStateEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerStateEvent) RunID() string     { return "" }
func (e BreakerStateEvent) TaskID() string    { return "" }

// HistoryErrorEvent is published when run history could not be written. The
// run itself carries on.
type HistoryErrorEvent struct {
	Run       string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e HistoryErrorEvent) EventType() string { return EventTypeHistoryError }
func (e HistoryErrorEvent) RunID() string     { return e.Run }
func (e HistoryErrorEvent) TaskID() string    { return "" }
