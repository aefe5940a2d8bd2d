package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vguadalu/udacity-data-pipelines/internal/events"
	"github.com/vguadalu/udacity-data-pipelines/internal/persistence"
	"github.com/vguadalu/udacity-data-pipelines/internal/scheduler"
	"github.com/vguadalu/udacity-data-pipelines/internal/source"
	"github.com/vguadalu/udacity-data-pipelines/internal/warehouse"
)

const instrumentationName = "github.com/vguadalu/udacity-data-pipelines/internal/orchestrator"

// DefaultParallelism bounds concurrent tasks when RunnerConfig leaves it unset.
const DefaultParallelism = 4

// errNotRunnable stops the retry loop for an instance that was cancelled
// before its next attempt could start.
var errNotRunnable = errors.New("instance no longer runnable")

// RunnerConfig wires a Runner to its collaborators.
type RunnerConfig struct {
	Pipeline    string
	Parallelism int // max concurrent tasks (default 4)

	// Interval and StartDate locate the previous run for depends_on_past.
	Interval  time.Duration
	StartDate time.Time

	Pool        warehouse.Pool
	Credentials source.CredentialProvider
	Sources     source.Store // optional

	History persistence.Store           // optional; without it depends_on_past is always met
	Bus     events.Publisher            // optional
	Locks   *scheduler.TableLockManager // default: a private manager

	TracerProvider trace.TracerProvider // default: otel global
	MeterProvider  metric.MeterProvider // default: otel global

	Now func() time.Time // default: time.Now
}

// Runner executes runs of one frozen graph.
type Runner struct {
	cfg   RunnerConfig
	graph *scheduler.Graph

	tracer   trace.Tracer
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

// NewRunner freezes graph and returns a runner for it.
func NewRunner(graph *scheduler.Graph, cfg RunnerConfig) (*Runner, error) {
	if graph == nil {
		return nil, errors.New("runner needs a graph")
	}
	if cfg.Pool == nil {
		return nil, errors.New("runner needs a warehouse pool")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Locks == nil {
		cfg.Locks = scheduler.NewTableLockManager()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	meter := cfg.MeterProvider.Meter(instrumentationName)
	attempts, err := meter.Int64Counter("pipeline.task.attempts",
		metric.WithDescription("Task attempts started"))
	if err != nil {
		return nil, fmt.Errorf("creating attempts counter: %w", err)
	}
	duration, err := meter.Float64Histogram("pipeline.task.duration",
		metric.WithDescription("Task attempt duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	graph.Freeze()
	return &Runner{
		cfg:      cfg,
		graph:    graph,
		tracer:   cfg.TracerProvider.Tracer(instrumentationName),
		attempts: attempts,
		duration: duration,
	}, nil
}

// Graph returns the runner's frozen graph.
func (r *Runner) Graph() *scheduler.Graph {
	return r.graph
}

// Start begins a run for scheduled and returns without waiting for it.
func (r *Runner) Start(ctx context.Context, scheduled time.Time) *Run {
	return r.start(ctx, scheduled, nil)
}

// start is Start with a hook that runs once the run is terminal, before
// Done is closed.
func (r *Runner) start(ctx context.Context, scheduled time.Time, onFinish func(*Run)) *Run {
	run := newRun(uuid.NewString(), r.cfg.Pipeline, scheduled, r.graph.Order())
	ctx, cancel := context.WithCancel(ctx)
	run.cancel = cancel
	run.onCancel = func() { r.skipUnstarted(run, context.Canceled) }
	run.onFinish = onFinish
	// A cancelled parent skips unstarted instances at once, as Cancel does.
	stop := context.AfterFunc(ctx, func() { r.skipUnstarted(run, context.Cause(ctx)) })
	go func() {
		defer cancel()
		defer stop()
		r.execute(ctx, run)
	}()
	return run
}

// Execute runs the graph for scheduled and waits for the result.
func (r *Runner) Execute(ctx context.Context, scheduled time.Time) (*Run, error) {
	run := r.Start(ctx, scheduled)
	<-run.Done()
	return run, run.Wait(context.Background())
}

func (r *Runner) execute(ctx context.Context, run *Run) {
	defer func() {
		if run.onFinish != nil {
			run.onFinish(run)
		}
		close(run.done)
	}()

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", run.Pipeline),
		attribute.String("pipeline.run_id", run.ID),
		attribute.String("pipeline.scheduled_time", run.ScheduledTime.Format(time.RFC3339)),
	))
	defer span.End()

	now := r.cfg.Now()
	run.mu.Lock()
	run.status = RunRunning
	run.startedAt = now
	run.mu.Unlock()

	r.saveRun(ctx, run)
	r.emit(events.RunStartedEvent{Run: run.ID, Pipeline: run.Pipeline, ScheduledTime: run.ScheduledTime, Timestamp: now})

	blocked := ""
	for batch := range r.graph.Batches() {
		if ctx.Err() != nil {
			break
		}
		ready, reason := r.promote(ctx, run, batch)
		if reason != "" {
			blocked = reason
		}

		var g errgroup.Group
		g.SetLimit(r.cfg.Parallelism)
		for _, taskID := range ready {
			g.Go(func() error {
				r.runInstance(ctx, run, taskID)
				return nil
			})
		}
		_ = g.Wait()
	}

	r.finish(ctx, run, blocked)

	if _, err := run.Failure(); run.Status() == RunFailed {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run failed")
	}
}

// promote moves the batch's pending instances to ready. Instances whose
// upstream failed are marked upstream_failed; those held back by
// depends_on_past stay pending and reason explains why.
func (r *Runner) promote(ctx context.Context, run *Run, batch []string) (ready []string, reason string) {
	var skipped []events.TaskUpstreamFailedEvent
	for _, taskID := range batch {
		task, _ := r.graph.Task(taskID)

		run.mu.Lock()
		inst := run.instances[taskID]
		if inst.Status != scheduler.StatusPending {
			run.mu.Unlock()
			continue
		}
		failedUp, waiting := "", false
		for _, up := range r.graph.Upstream(taskID) {
			switch run.instances[up].Status {
			case scheduler.StatusSuccess:
			case scheduler.StatusFailed, scheduler.StatusUpstreamFailed:
				failedUp = up
			default:
				waiting = true
			}
		}
		if failedUp != "" {
			now := r.cfg.Now()
			_ = inst.Transition(scheduler.StatusUpstreamFailed, now, upstreamErr(failedUp))
			skipped = append(skipped, events.TaskUpstreamFailedEvent{Run: run.ID, ID: taskID, Upstream: failedUp, Timestamp: now})
		}
		run.mu.Unlock()
		if failedUp != "" || waiting {
			continue
		}

		if task.DependsOnPast {
			ok, err := r.pastSucceeded(ctx, run, taskID)
			if err != nil {
				reason = fmt.Sprintf("depends_on_past: %v", err)
				continue
			}
			if !ok {
				reason = "depends_on_past"
				continue
			}
		}

		run.mu.Lock()
		if inst.Status == scheduler.StatusPending {
			if err := inst.Transition(scheduler.StatusReady, r.cfg.Now(), nil); err == nil {
				ready = append(ready, taskID)
			}
		}
		run.mu.Unlock()
	}
	for _, e := range skipped {
		r.emit(e)
	}
	return ready, reason
}

// pastSucceeded reports whether the task succeeded for the previous
// interval. The first run of a pipeline, and a previous interval before the
// start date, have nothing to wait for.
func (r *Runner) pastSucceeded(ctx context.Context, run *Run, taskID string) (bool, error) {
	if r.cfg.History == nil || r.cfg.Interval <= 0 {
		return true, nil
	}
	prev := run.ScheduledTime.Add(-r.cfg.Interval)
	if !r.cfg.StartDate.IsZero() && prev.Before(r.cfg.StartDate) {
		return true, nil
	}
	status, found, err := r.cfg.History.InstanceStatus(ctx, run.Pipeline, taskID, prev)
	if err != nil {
		return false, err
	}
	if found {
		return status == scheduler.StatusSuccess, nil
	}
	earlier, err := r.cfg.History.HasRunBefore(ctx, run.Pipeline, run.ScheduledTime)
	if err != nil {
		return false, err
	}
	return !earlier, nil
}

// runInstance drives one ready instance through its attempts.
func (r *Runner) runInstance(ctx context.Context, run *Run, taskID string) {
	task, _ := r.graph.Task(taskID)
	kind := attribute.String("task.kind", task.Kind.String())
	id := attribute.String("task.id", taskID)

	ctx, span := r.tracer.Start(ctx, "pipeline.task", trace.WithAttributes(id, kind))
	defer span.End()

	policy := RetryPolicy{Retries: task.Retries, Delay: task.RetryDelay}
	err := retryTask(ctx, policy, func(n int) error {
		now := r.cfg.Now()
		if !r.beginAttempt(run, taskID, now) {
			return backoff.Permanent(errNotRunnable)
		}
		r.emit(events.TaskStartedEvent{Run: run.ID, ID: taskID, Kind: task.Kind.String(), Attempt: n, Timestamp: now})
		r.attempts.Add(ctx, 1, metric.WithAttributes(id, kind))
		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("attempt", n)))

		err := r.attempt(ctx, run, task)
		end := r.cfg.Now()
		r.duration.Record(ctx, end.Sub(now).Seconds(), metric.WithAttributes(id, kind))

		run.mu.Lock()
		inst := run.instances[taskID]
		if err == nil {
			_ = inst.Transition(scheduler.StatusSuccess, end, nil)
		} else {
			_ = inst.Transition(scheduler.StatusFailed, end, err)
		}
		snap := inst.Snapshot()
		run.mu.Unlock()

		if err == nil {
			r.emit(events.TaskCompletedEvent{Run: run.ID, ID: taskID, Attempts: snap.Attempts, Duration: snap.Duration(), Timestamp: end})
			return nil
		}
		if !scheduler.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, func(n int, err error, delay time.Duration) {
		r.emit(events.TaskRetriedEvent{Run: run.ID, ID: taskID, Attempt: n, Err: err, Delay: delay, Timestamp: r.cfg.Now()})
	})

	if err == nil || errors.Is(err, errNotRunnable) {
		r.progress(run)
		return
	}
	if ctx.Err() != nil && isContextErr(err) {
		r.interrupt(run, taskID, ctx.Err())
		span.RecordError(err)
		r.progress(run)
		return
	}

	run.mu.Lock()
	snap := run.instances[taskID].Snapshot()
	run.mu.Unlock()
	if snap.Status == scheduler.StatusFailed && snap.Err != nil {
		err = snap.Err
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "task failed")
	r.emit(events.TaskFailedEvent{Run: run.ID, ID: taskID, Attempts: snap.Attempts, Err: err, Duration: snap.Duration(), Timestamp: r.cfg.Now()})
	r.failDescendants(run, taskID, err)
	r.progress(run)
}

// interrupt settles an instance whose run was cancelled while it was
// waiting to retry or mid-attempt. It becomes upstream_failed with the
// cancellation as cause, like the instances that never started; the run's
// failure is left for finish to record.
func (r *Runner) interrupt(run *Run, taskID string, cause error) {
	now := r.cfg.Now()
	run.mu.Lock()
	inst := run.instances[taskID]
	if inst.Status == scheduler.StatusFailed {
		_ = inst.Transition(scheduler.StatusReady, now, nil)
	}
	ok := inst.Transition(scheduler.StatusUpstreamFailed, now, fmt.Errorf("%w: %w", scheduler.ErrUpstreamFailed, cause)) == nil
	run.mu.Unlock()
	if ok {
		r.emit(events.TaskUpstreamFailedEvent{Run: run.ID, ID: taskID, Timestamp: now})
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// beginAttempt moves the instance to running, through ready again when a
// previous attempt failed. It reports false once the instance was skipped.
func (r *Runner) beginAttempt(run *Run, taskID string, now time.Time) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	inst := run.instances[taskID]
	if inst.Status == scheduler.StatusFailed {
		if err := inst.Transition(scheduler.StatusReady, now, nil); err != nil {
			return false
		}
	}
	return inst.Transition(scheduler.StatusRunning, now, nil) == nil
}

// attempt executes the task once on its own session. Tasks writing the same
// table are serialized.
func (r *Runner) attempt(ctx context.Context, run *Run, task *scheduler.Task) error {
	rt := scheduler.Runtime{
		ScheduledTime: run.ScheduledTime,
		Credentials:   r.cfg.Credentials,
		Sources:       r.cfg.Sources,
	}
	if task.Kind == scheduler.KindBegin || task.Kind == scheduler.KindEnd {
		return task.Execute(ctx, nil, rt)
	}

	tables := task.WritesTables()
	r.cfg.Locks.LockAll(tables)
	defer r.cfg.Locks.UnlockAll(tables)

	sess, err := r.cfg.Pool.Acquire(ctx)
	if err != nil {
		return scheduler.Transient("acquire warehouse session", err)
	}
	defer sess.Close()

	return task.Execute(ctx, sess, rt)
}

// failDescendants records taskID as the run's failure if it is the first and
// marks every transitive dependent upstream_failed.
func (r *Runner) failDescendants(run *Run, taskID string, err error) {
	now := r.cfg.Now()
	var skipped []events.TaskUpstreamFailedEvent

	run.mu.Lock()
	if run.failedTask == "" {
		run.failedTask = taskID
		run.failure = err
	}
	for _, d := range r.graph.Descendants(taskID) {
		inst := run.instances[d]
		if inst.Status != scheduler.StatusPending && inst.Status != scheduler.StatusReady {
			continue
		}
		if inst.Transition(scheduler.StatusUpstreamFailed, now, upstreamErr(taskID)) == nil {
			skipped = append(skipped, events.TaskUpstreamFailedEvent{Run: run.ID, ID: d, Upstream: taskID, Timestamp: now})
		}
	}
	run.mu.Unlock()

	for _, e := range skipped {
		r.emit(e)
	}
}

// skipUnstarted marks every pending or ready instance upstream_failed with
// cause. It runs on cancellation.
func (r *Runner) skipUnstarted(run *Run, cause error) {
	now := r.cfg.Now()
	var skipped []events.TaskUpstreamFailedEvent

	run.mu.Lock()
	if run.status.IsTerminal() {
		run.mu.Unlock()
		return
	}
	for _, taskID := range run.order {
		inst := run.instances[taskID]
		if inst.Status != scheduler.StatusPending && inst.Status != scheduler.StatusReady {
			continue
		}
		if inst.Transition(scheduler.StatusUpstreamFailed, now, fmt.Errorf("%w: %w", scheduler.ErrUpstreamFailed, cause)) == nil {
			skipped = append(skipped, events.TaskUpstreamFailedEvent{Run: run.ID, ID: taskID, Timestamp: now})
		}
	}
	run.mu.Unlock()

	for _, e := range skipped {
		r.emit(e)
	}
	r.progress(run)
}

// finish settles the run status once no batch is left.
func (r *Runner) finish(ctx context.Context, run *Run, blocked string) {
	if err := ctx.Err(); err != nil {
		r.skipUnstarted(run, err)
	}

	now := r.cfg.Now()
	run.mu.Lock()
	var pending []string
	success := true
	for _, taskID := range run.order {
		switch run.instances[taskID].Status {
		case scheduler.StatusSuccess:
		case scheduler.StatusPending:
			pending = append(pending, taskID)
			success = false
		default:
			success = false
		}
	}
	if success {
		run.status = RunSuccess
	} else {
		run.status = RunFailed
		if run.failure == nil {
			switch {
			case ctx.Err() != nil:
				run.failure = ctx.Err()
			case len(pending) > 0:
				if blocked == "" {
					blocked = "upstream never succeeded"
				}
				run.failure = &scheduler.BlockedError{TaskIDs: pending, Reason: blocked}
			default:
				run.failure = scheduler.ErrUpstreamFailed
			}
		}
	}
	run.finishedAt = now
	finished := events.RunFinishedEvent{
		Run:        run.ID,
		Pipeline:   run.Pipeline,
		Status:     run.status.String(),
		FailedTask: run.failedTask,
		Duration:   now.Sub(run.startedAt),
		Timestamp:  now,
	}
	if run.status == RunFailed {
		finished.Err = run.failure
	}
	run.mu.Unlock()

	r.saveHistory(context.WithoutCancel(ctx), run)
	r.progress(run)
	r.emit(finished)
}

func (r *Runner) progress(run *Run) {
	run.mu.Lock()
	c := run.counts()
	e := events.RunProgressEvent{
		Run:            run.ID,
		Total:          len(run.order),
		Succeeded:      c[scheduler.StatusSuccess],
		Running:        c[scheduler.StatusRunning] + c[scheduler.StatusReady],
		Failed:         c[scheduler.StatusFailed],
		UpstreamFailed: c[scheduler.StatusUpstreamFailed],
		Pending:        c[scheduler.StatusPending],
		Timestamp:      r.cfg.Now(),
	}
	run.mu.Unlock()
	r.emit(e)
}

func (r *Runner) saveRun(ctx context.Context, run *Run) {
	if r.cfg.History == nil {
		return
	}
	if err := r.cfg.History.SaveRun(ctx, runRecord(run)); err != nil {
		r.emit(events.HistoryErrorEvent{Run: run.ID, Op: "save run", Err: err, Timestamp: r.cfg.Now()})
	}
}

func (r *Runner) saveHistory(ctx context.Context, run *Run) {
	if r.cfg.History == nil {
		return
	}
	r.saveRun(ctx, run)
	for _, inst := range run.Instances() {
		rec := persistence.InstanceRecord{
			RunID:     run.ID,
			TaskID:    inst.TaskID,
			Status:    inst.Status,
			Attempts:  inst.Attempts,
			StartTime: inst.StartTime,
			EndTime:   inst.EndTime,
		}
		if inst.Err != nil {
			rec.Error = inst.Err.Error()
		}
		if err := r.cfg.History.SaveInstance(ctx, rec); err != nil {
			r.emit(events.HistoryErrorEvent{Run: run.ID, Op: "save instance " + inst.TaskID, Err: err, Timestamp: r.cfg.Now()})
		}
	}
}

func runRecord(run *Run) persistence.RunRecord {
	run.mu.Lock()
	defer run.mu.Unlock()
	rec := persistence.RunRecord{
		ID:            run.ID,
		Pipeline:      run.Pipeline,
		ScheduledTime: run.ScheduledTime,
		Status:        run.status.String(),
		StartedAt:     run.startedAt,
		FinishedAt:    run.finishedAt,
		FailedTask:    run.failedTask,
	}
	if run.status == RunFailed && run.failure != nil {
		rec.Error = run.failure.Error()
	}
	return rec
}

func (r *Runner) emit(e events.Event) {
	if r.cfg.Bus != nil {
		r.cfg.Bus.Publish(events.Topic(e), e)
	}
}

func upstreamErr(upstream string) error {
	return fmt.Errorf("%w: %s", scheduler.ErrUpstreamFailed, upstream)
}
