package scheduler

import (
	"fmt"
	"time"
)

// InstanceStatus is the lifecycle state of one task within one run.
type InstanceStatus int

const (
	StatusPending InstanceStatus = iota
	StatusReady
	StatusRunning
	StatusSuccess
	StatusFailed
	StatusUpstreamFailed
)

var statusNames = [...]string{
	StatusPending:        "pending",
	StatusReady:          "ready",
	StatusRunning:        "running",
	StatusSuccess:        "success",
	StatusFailed:         "failed",
	StatusUpstreamFailed: "upstream_failed",
}

func (s InstanceStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (InstanceStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return InstanceStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown instance status %q", s)
}

// IsTerminal reports whether no further transition is expected. A failed
// instance is terminal only once its retries are spent, which the
// executor tracks; here failed counts as terminal.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusUpstreamFailed:
		return true
	default:
		return false
	}
}

// TaskInstance is one task's execution record within a run.
type TaskInstance struct {
	TaskID    string
	Status    InstanceStatus
	Attempts  int
	StartTime time.Time
	EndTime   time.Time
	Err       error
}

// NewInstance returns a pending instance.
func NewInstance(taskID string) *TaskInstance {
	return &TaskInstance{TaskID: taskID, Status: StatusPending}
}

func allowedTransition(from, to InstanceStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusReady || to == StatusUpstreamFailed
	case StatusReady:
		return to == StatusRunning || to == StatusUpstreamFailed
	case StatusRunning:
		return to == StatusSuccess || to == StatusFailed
	case StatusFailed:
		// retry
		return to == StatusReady
	default:
		return false
	}
}

// Transition moves the instance to status to, stamping times and counting
// attempts. err is recorded on failed and upstream_failed.
func (ti *TaskInstance) Transition(to InstanceStatus, at time.Time, err error) error {
	if !allowedTransition(ti.Status, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", ti.TaskID, ti.Status, to)
	}
	switch to {
	case StatusRunning:
		ti.Attempts++
		if ti.StartTime.IsZero() {
			ti.StartTime = at
		}
		ti.EndTime = time.Time{}
	case StatusSuccess:
		ti.EndTime = at
		ti.Err = nil
	case StatusFailed:
		ti.EndTime = at
		ti.Err = err
	case StatusUpstreamFailed:
		ti.EndTime = at
		if err == nil {
			err = ErrUpstreamFailed
		}
		ti.Err = err
	}
	ti.Status = to
	return nil
}

// Duration is the wall time from first start to the last end.
func (ti *TaskInstance) Duration() time.Duration {
	if ti.StartTime.IsZero() || ti.EndTime.IsZero() {
		return 0
	}
	return ti.EndTime.Sub(ti.StartTime)
}

// Snapshot returns a copy safe to hand to other goroutines.
func (ti *TaskInstance) Snapshot() TaskInstance {
	return *ti
}
