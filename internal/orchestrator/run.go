package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vguadalu/udacity-data-pipelines/internal/scheduler"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus int

const (
	RunPending RunStatus = iota
	RunRunning
	RunSuccess
	RunFailed
)

var runStatusNames = [...]string{"pending", "running", "success", "failed"}

func (s RunStatus) String() string {
	if int(s) < len(runStatusNames) {
		return runStatusNames[s]
	}
	return fmt.Sprintf("RunStatus(%d)", int(s))
}

// IsTerminal reports whether the run has finished.
func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed
}

// RunFailedError is returned by Wait for a failed run.
type RunFailedError struct {
	RunID  string
	TaskID string
	Err    error
}

func (e *RunFailedError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("run %s failed: %v", e.RunID, e.Err)
	}
	return fmt.Sprintf("run %s failed at %s: %v", e.RunID, e.TaskID, e.Err)
}

func (e *RunFailedError) Unwrap() error { return e.Err }

// Run is one execution of the graph for a scheduled time. All methods are
// safe for concurrent use.
type Run struct {
	ID            string
	Pipeline      string
	ScheduledTime time.Time

	mu         sync.Mutex
	status     RunStatus
	order      []string
	instances  map[string]*scheduler.TaskInstance
	failedTask string
	failure    error
	startedAt  time.Time
	finishedAt time.Time

	cancel   context.CancelFunc
	onCancel func()
	onFinish func(*Run)
	done     chan struct{}
}

func newRun(id, pipeline string, scheduled time.Time, order []string) *Run {
	run := &Run{
		ID:            id,
		Pipeline:      pipeline,
		ScheduledTime: scheduled,
		status:        RunPending,
		order:         order,
		instances:     make(map[string]*scheduler.TaskInstance, len(order)),
		done:          make(chan struct{}),
	}
	for _, taskID := range order {
		run.instances[taskID] = scheduler.NewInstance(taskID)
	}
	return run
}

// Status returns the run's current status.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Instance returns a snapshot of one task's instance.
func (r *Run) Instance(taskID string) (scheduler.TaskInstance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[taskID]
	if !ok {
		return scheduler.TaskInstance{}, false
	}
	return inst.Snapshot(), true
}

// Instances returns snapshots of every instance in graph insertion order.
func (r *Run) Instances() []scheduler.TaskInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]scheduler.TaskInstance, 0, len(r.order))
	for _, taskID := range r.order {
		out = append(out, r.instances[taskID].Snapshot())
	}
	return out
}

// Failure reports the first task that failed terminally and its error. For a
// run that failed without a task failure (cancelled or blocked) taskID is empty.
func (r *Run) Failure() (taskID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedTask, r.failure
}

// StartedAt and FinishedAt are zero until the run reaches that point.
func (r *Run) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

func (r *Run) FinishedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt
}

// Done is closed once the run is success or failed.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done. It returns nil for a
// successful run and a *RunFailedError otherwise.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == RunSuccess {
		return nil
	}
	return &RunFailedError{RunID: r.ID, TaskID: r.failedTask, Err: r.failure}
}

// Cancel stops the run. Instances that have not started become
// upstream_failed at once; running attempts see the cancelled context at
// their next warehouse call. Nothing is rolled back.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.onCancel != nil {
		r.onCancel()
	}
}

// counts tallies instance statuses. Callers hold mu.
func (r *Run) counts() map[scheduler.InstanceStatus]int {
	c := make(map[scheduler.InstanceStatus]int, 6)
	for _, inst := range r.instances {
		c[inst.Status]++
	}
	return c
}
